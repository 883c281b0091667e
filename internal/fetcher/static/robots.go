package static

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/temoto/robotstxt"
)

const robotsCacheSize = 256

// robotsCache fetches and caches robots.txt per host. Failures to retrieve
// or parse a robots file fall back to allowing the fetch; blocking a site on
// our own infrastructure trouble would be wrong.
type robotsCache struct {
	client    *http.Client
	userAgent string
	cache     *lru.Cache[string, *robotstxt.RobotsData]
}

func newRobotsCache(client *http.Client, userAgent string) (*robotsCache, error) {
	cache, err := lru.New[string, *robotstxt.RobotsData](robotsCacheSize)
	if err != nil {
		return nil, fmt.Errorf("robots lru: %w", err)
	}
	return &robotsCache{
		client:    client,
		userAgent: userAgent,
		cache:     cache,
	}, nil
}

// Allowed reports whether the configured user agent may fetch target.
func (c *robotsCache) Allowed(ctx context.Context, target *url.URL) (bool, error) {
	data, ok := c.cache.Get(target.Host)
	if !ok {
		var err error
		data, err = c.fetch(ctx, target)
		if err != nil {
			return true, err
		}
		c.cache.Add(target.Host, data)
	}
	group := data.FindGroup(c.userAgent)
	return group.Test(target.Path), nil
}

func (c *robotsCache) fetch(ctx context.Context, target *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := &url.URL{Scheme: target.Scheme, Host: target.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return nil, fmt.Errorf("read robots.txt: %w", err)
	}

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	return data, nil
}
