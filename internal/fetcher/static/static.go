// Package static implements the plain-HTTP fetch engine. It is the cheapest
// strategy and the default when a target carries no engine hint.
package static

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ferozemohideen/harvester/internal/scraper"
)

// Config controls the static engine budgets.
type Config struct {
	UserAgent      string
	Timeout        time.Duration
	MaxConcurrency int
	// MaxBodyBytes is the per-response body budget. A body exceeding it is a
	// validation failure, not a truncation.
	MaxBodyBytes int64
	// PerHostRPS smooths request spacing per host, independent of the
	// institution window the dispatcher already acquired.
	PerHostRPS    float64
	RespectRobots bool
}

// Fetcher is the static engine.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	limiter chan struct{}
	robots  *robotsCache
	pacers  *hostPacers
}

// New builds the static engine around a pooled transport.
func New(cfg Config) (*Fetcher, error) {
	if cfg.MaxConcurrency < 0 {
		return nil, fmt.Errorf("max concurrency must be >= 0")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxConcurrency > 0 {
		limiter = make(chan struct{}, cfg.MaxConcurrency)
	}

	client := &http.Client{Transport: newHTTPTransport()}

	f := &Fetcher{
		cfg:     cfg,
		client:  client,
		limiter: limiter,
		pacers:  newHostPacers(cfg.PerHostRPS),
	}
	if cfg.RespectRobots {
		cache, err := newRobotsCache(client, cfg.UserAgent)
		if err != nil {
			return nil, fmt.Errorf("init robots cache: %w", err)
		}
		f.robots = cache
	}
	return f, nil
}

// Engine implements scraper.Fetcher.
func (f *Fetcher) Engine() scraper.EngineType {
	return scraper.EngineStatic
}

// Fetch executes a single GET within the engine budgets.
func (f *Fetcher) Fetch(ctx context.Context, req scraper.FetchRequest) (scraper.FetchResponse, error) {
	if err := f.acquire(ctx); err != nil {
		return scraper.FetchResponse{}, err
	}
	defer f.release()

	target, err := url.Parse(req.URL)
	if err != nil {
		return scraper.FetchResponse{}, scraper.NewError(scraper.ClassifyValidation, "invalid url").Wrap(err)
	}

	if f.robots != nil {
		allowed, err := f.robots.Allowed(ctx, target)
		if err == nil && !allowed {
			return scraper.FetchResponse{}, scraper.NewError(scraper.ClassifyValidation, "blocked by robots.txt").
				With("host", target.Host)
		}
	}

	if err := f.pacers.wait(ctx, target.Host); err != nil {
		return scraper.FetchResponse{}, fmt.Errorf("per-host pacing wait: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		return scraper.FetchResponse{}, fmt.Errorf("build request: %w", err)
	}
	for key, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if f.cfg.UserAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return scraper.FetchResponse{}, fmt.Errorf("static fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := f.readBody(resp.Body)
	if err != nil {
		return scraper.FetchResponse{}, err
	}

	return scraper.FetchResponse{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       body,
		Duration:   time.Since(start),
		Engine:     scraper.EngineStatic,
	}, nil
}

// readBody enforces the body budget. Reading one byte past the cap
// distinguishes an over-budget body from one that is exactly at it.
func (f *Fetcher) readBody(r io.Reader) ([]byte, error) {
	if f.cfg.MaxBodyBytes <= 0 {
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return body, nil
	}
	body, err := io.ReadAll(io.LimitReader(r, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return nil, scraper.NewError(scraper.ClassifyValidation, "response body exceeds budget").
			With("max_body_bytes", f.cfg.MaxBodyBytes)
	}
	return body, nil
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("static slot wait canceled: %w", ctx.Err())
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

// hostPacers holds one token bucket per host so bursts inside a granted
// institution window still arrive politely spaced.
type hostPacers struct {
	mu    sync.Mutex
	rps   float64
	hosts map[string]*rate.Limiter
}

func newHostPacers(rps float64) *hostPacers {
	return &hostPacers{
		rps:   rps,
		hosts: make(map[string]*rate.Limiter),
	}
}

func (p *hostPacers) wait(ctx context.Context, host string) error {
	if p.rps <= 0 {
		return nil
	}
	p.mu.Lock()
	limiter, ok := p.hosts[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(p.rps), 1)
		p.hosts[host] = limiter
	}
	p.mu.Unlock()
	return limiter.Wait(ctx)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
