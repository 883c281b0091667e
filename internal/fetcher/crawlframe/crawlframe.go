// Package crawlframe implements the crawl-framework fetch engine on top of
// the Colly collector. It trades the static engine's low overhead for
// Colly's cookie handling, redirect tracking, and response plumbing, which
// some institutional portals require.
package crawlframe

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/ferozemohideen/harvester/internal/scraper"
)

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	Timeout        time.Duration
	MaxConcurrency int
	MaxBodyBytes   int
}

// Fetcher implements scraper.Fetcher using a Colly collector. The base
// collector is cloned per request so hook state never leaks between fetches.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	base      *colly.Collector
	limiter   chan struct{}
}

// Option customizes the Fetcher.
type Option func(*Fetcher)

// WithTransport replaces the HTTP transport, mainly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) {
		f.transport = rt
	}
}

// New builds a Fetcher.
func New(cfg Config, opts ...Option) (*Fetcher, error) {
	if cfg.MaxConcurrency < 0 {
		return nil, fmt.Errorf("max concurrency must be >= 0")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	f := &Fetcher{cfg: cfg}
	for _, opt := range opts {
		opt(f)
	}
	if f.transport == nil {
		f.transport = http.DefaultTransport
	}
	if cfg.MaxConcurrency > 0 {
		f.limiter = make(chan struct{}, cfg.MaxConcurrency)
	}

	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true // the dispatcher already gates politeness
	c.AllowURLRevisit = true // retries re-fetch the same URL
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	c.WithTransport(f.transport)
	f.base = c

	return f, nil
}

// Engine implements scraper.Fetcher.
func (f *Fetcher) Engine() scraper.EngineType {
	return scraper.EngineCrawlFramework
}

// Fetch executes a single GET through a cloned collector.
func (f *Fetcher) Fetch(ctx context.Context, req scraper.FetchRequest) (scraper.FetchResponse, error) {
	if err := f.acquire(ctx); err != nil {
		return scraper.FetchResponse{}, err
	}
	defer f.release()

	var (
		result   scraper.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(req, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, req.URL, &result, &fetchErr); err != nil {
		return scraper.FetchResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	req scraper.FetchRequest,
	start time.Time,
	result *scraper.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.base.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range req.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		*result = scraper.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
			Engine:     scraper.EngineCrawlFramework,
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			// Keep the status so the dispatcher can classify it; Colly
			// reports non-2xx responses through OnError.
			*result = scraper.FetchResponse{
				URL:        req.URL,
				StatusCode: r.StatusCode,
				Headers:    headersOrEmpty(r),
				Body:       append([]byte(nil), r.Body...),
				Duration:   time.Since(start),
				Engine:     scraper.EngineCrawlFramework,
			}
			return
		}
		*fetchErr = err
	})

	return collector
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	url string,
	result *scraper.FetchResponse,
	fetchErr *error,
) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("crawl-framework fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("crawl-framework response failed: %w", *fetchErr)
		}
		// Visit reports non-2xx statuses as errors; when the OnError hook
		// already captured the status the dispatcher classifies it instead.
		if err != nil && result.StatusCode == 0 {
			return fmt.Errorf("crawl-framework visit failed: %w", err)
		}
		return nil
	}
}

func headersOrEmpty(r *colly.Response) http.Header {
	if r.Headers == nil {
		return http.Header{}
	}
	return r.Headers.Clone()
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("crawl-framework slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}
