// Package headless implements the browser-rendered fetch engine for targets
// whose content only exists after JavaScript executes.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/ferozemohideen/harvester/internal/scraper"
)

// Config controls the headless engine budgets.
type Config struct {
	MaxConcurrency    int
	UserAgent         string
	NavigationTimeout time.Duration
	// WaitSelector is the default element to wait for before snapshotting
	// the DOM; a request's own WaitSelector overrides it.
	WaitSelector string
	// MaxBodyBytes bounds the rendered DOM size.
	MaxBodyBytes int
}

// Fetcher implements scraper.Fetcher using chromedp and headless Chrome.
// Browser tabs are expensive, so the concurrency ceiling here is typically
// far lower than the other engines'.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a headless fetcher. The browser process starts lazily on the
// first fetch.
func New(cfg Config) (*Fetcher, error) {
	if cfg.MaxConcurrency < 0 {
		return nil, fmt.Errorf("max concurrency must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxConcurrency > 0 {
		limiter = make(chan struct{}, cfg.MaxConcurrency)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context, shutting down the browser.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Engine implements scraper.Fetcher.
func (f *Fetcher) Engine() scraper.EngineType {
	return scraper.EngineHeadless
}

// Fetch navigates with a headless browser and returns the rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, req scraper.FetchRequest) (scraper.FetchResponse, error) {
	if err := f.acquire(ctx); err != nil {
		return scraper.FetchResponse{}, err
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
	defer cancel()
	go func() {
		// Propagate caller cancellation into the browser task.
		select {
		case <-ctx.Done():
			cancel()
		case <-taskCtx.Done():
		}
	}()

	meta := newDocumentMeta()
	chromedp.ListenTarget(taskCtx, meta.onEvent)

	start := time.Now()
	html, finalURL, err := f.render(taskCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return scraper.FetchResponse{}, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
		}
		return scraper.FetchResponse{}, err
	}
	if f.cfg.MaxBodyBytes > 0 && len(html) > f.cfg.MaxBodyBytes {
		return scraper.FetchResponse{}, scraper.NewError(scraper.ClassifyValidation, "rendered dom exceeds budget").
			With("max_body_bytes", f.cfg.MaxBodyBytes)
	}

	status, headers, responseURL := meta.snapshot(req.URL, finalURL)
	return scraper.FetchResponse{
		URL:        responseURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Duration:   time.Since(start),
		Engine:     scraper.EngineHeadless,
	}, nil
}

func (f *Fetcher) render(ctx context.Context, req scraper.FetchRequest) (string, string, error) {
	waitFor := req.WaitSelector
	if waitFor == "" {
		waitFor = f.cfg.WaitSelector
	}
	if waitFor == "" {
		waitFor = "body"
	}

	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.sessionSetup(req.Headers),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady(waitFor, chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) sessionSetup(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
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

// documentMeta captures status, headers, and URL of the top-level document
// response from CDP network events.
type documentMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newDocumentMeta() *documentMeta {
	return &documentMeta{headers: http.Header{}}
}

func (m *documentMeta) onEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range resp.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.headers = headers
	m.url = resp.Response.URL
	m.mu.Unlock()
}

// snapshot returns the captured metadata, falling back to the navigation
// URL and a 200 status when no document event arrived.
func (m *documentMeta) snapshot(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, cloneHeader(m.headers), m.url
	m.mu.RUnlock()

	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
