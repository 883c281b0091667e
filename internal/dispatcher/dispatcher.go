// Package dispatcher drives a scrape target through its lifecycle: permit
// acquisition, engine fetch, extraction, and the retry loop around all
// three. One Execute call owns one target from Pending to a terminal state.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ferozemohideen/harvester/internal/extract/html"
	"github.com/ferozemohideen/harvester/internal/extract/pdf"
	"github.com/ferozemohideen/harvester/internal/fetcher/detect"
	"github.com/ferozemohideen/harvester/internal/ratelimit"
	"github.com/ferozemohideen/harvester/internal/retrier"
	"github.com/ferozemohideen/harvester/internal/scraper"
	"github.com/ferozemohideen/harvester/internal/telemetry"
)

// State is a dispatch lifecycle phase.
type State string

// Dispatch states. Succeeded, Failed, and Cancelled are terminal.
const (
	StatePending     State = "pending"
	StateRateLimited State = "rate_limited"
	StateFetching    State = "fetching"
	StateExtracting  State = "extracting"
	StateSucceeded   State = "succeeded"
	StateRetrying    State = "retrying"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Config tunes dispatch behavior.
type Config struct {
	// MaxPermitWait bounds the cumulative time one attempt may spend waiting
	// for a window slot before the wait converts into a RateLimited error
	// and goes through the retry table. Zero means wait indefinitely.
	MaxPermitWait time.Duration
	// EscalateHeadless re-fetches JS-shell pages with the headless engine.
	EscalateHeadless bool
	// RefundOnFailure returns the permit when a fetch fails at the
	// transport layer, before the source served anything.
	RefundOnFailure bool
}

// Deps are the collaborators a Dispatcher composes.
type Deps struct {
	Limiter  *ratelimit.Limiter
	Profiles map[scraper.InstitutionClass]scraper.RateLimitProfile
	Engines  map[scraper.EngineType]scraper.Fetcher
	Retries  *retrier.Table
	HTML     *html.Extractor
	PDF      *pdf.Extractor
	Detector *detect.Heuristic
	// Rules maps institution key to per-field extraction rules.
	Rules map[string]map[string]html.Rule
	Sink  telemetry.Sink
	Clock scraper.Clock
	Logger *zap.Logger
}

// Report is the terminal record of one dispatched target.
type Report struct {
	DispatchID    string
	State         State
	Attempts      int
	Engine        scraper.EngineType
	Result        scraper.ExtractionResult
	Err           *scraper.Error
	Duration      time.Duration
	RateLimitWait time.Duration
	Bytes         int64
}

// Dispatcher executes scrape targets. Safe for concurrent use; all mutable
// state lives in the per-call Report.
type Dispatcher struct {
	deps Deps
	cfg  Config
}

// New validates the collaborator set and builds a Dispatcher.
func New(deps Deps, cfg Config) (*Dispatcher, error) {
	if deps.Limiter == nil {
		return nil, fmt.Errorf("dispatcher: limiter is required")
	}
	if len(deps.Engines) == 0 {
		return nil, fmt.Errorf("dispatcher: at least one engine is required")
	}
	if deps.Retries == nil {
		return nil, fmt.Errorf("dispatcher: retry table is required")
	}
	if deps.HTML == nil || deps.PDF == nil {
		return nil, fmt.Errorf("dispatcher: both extraction pipelines are required")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("dispatcher: clock is required")
	}
	if deps.Sink == nil {
		deps.Sink = telemetry.NopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Profiles == nil {
		deps.Profiles = map[scraper.InstitutionClass]scraper.RateLimitProfile{}
	}
	return &Dispatcher{deps: deps, cfg: cfg}, nil
}

// Execute runs target to a terminal state and emits one telemetry event.
func (d *Dispatcher) Execute(ctx context.Context, target scraper.ScrapeTarget) Report {
	report := Report{
		DispatchID: uuid.NewString(),
		State:      StatePending,
		Attempts:   1,
	}
	start := d.deps.Clock.Now()
	defer func() {
		report.Duration = d.deps.Clock.Now().Sub(start)
		d.emit(target, &report)
	}()

	if err := target.Validate(); err != nil {
		report.State = StateFailed
		report.Err = scraper.NewError(scraper.ClassifyValidation, "invalid scrape target").Wrap(err)
		return report
	}

	engine, ok := d.engineFor(target.EngineHint)
	if !ok {
		report.State = StateFailed
		report.Err = scraper.NewError(scraper.ClassifyValidation, "no engine configured").
			With("engine_hint", string(target.EngineHint))
		return report
	}
	report.Engine = engine.Engine()
	profile := d.profileFor(target.InstitutionClass)

	for attempt := 1; ; attempt++ {
		report.Attempts = attempt
		scrapeErr := d.attempt(ctx, target, profile, engine, &report)
		if scrapeErr == nil {
			report.State = StateSucceeded
			return report
		}
		scrapeErr.RetryAttempt = attempt
		if ctx.Err() != nil {
			report.State = StateCancelled
			report.Err = scrapeErr
			return report
		}

		decision := d.deps.Retries.Decide(scrapeErr.Kind, attempt)
		if !decision.Retry {
			report.State = StateFailed
			report.Err = scrapeErr
			return report
		}

		report.State = StateRetrying
		d.deps.Logger.Debug("retrying dispatch",
			zap.String("dispatch_id", report.DispatchID),
			zap.String("url", target.URL),
			zap.String("classification", string(scrapeErr.Kind)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", decision.Delay))
		if err := pause(ctx, decision.Delay); err != nil {
			report.State = StateCancelled
			report.Err = scrapeErr
			return report
		}
	}
}

// attempt runs one full acquire-fetch-extract cycle.
func (d *Dispatcher) attempt(
	ctx context.Context,
	target scraper.ScrapeTarget,
	profile scraper.RateLimitProfile,
	engine scraper.Fetcher,
	report *Report,
) *scraper.Error {
	report.State = StateRateLimited
	if serr := d.acquirePermit(ctx, target.InstitutionKey, profile, report); serr != nil {
		return serr
	}

	report.State = StateFetching
	resp, err := engine.Fetch(ctx, scraper.FetchRequest{
		URL:          target.URL,
		Headers:      target.Headers,
		WaitSelector: target.WaitSelector,
	})
	if err != nil {
		if d.cfg.RefundOnFailure {
			d.deps.Limiter.Refund(ctx, target.InstitutionKey, profile)
		}
		return asScrapeError(err)
	}
	if kind := scraper.ClassifyStatus(resp.StatusCode); kind != "" {
		return scraper.NewError(kind, fmt.Sprintf("fetch returned status %d", resp.StatusCode)).
			With("status", resp.StatusCode).
			With("url", resp.URL)
	}

	resp = d.maybeEscalate(ctx, target, resp)
	report.Engine = resp.Engine
	report.Bytes = int64(len(resp.Body))

	report.State = StateExtracting
	var result scraper.ExtractionResult
	if resp.IsPDF() {
		result = d.deps.PDF.Extract(resp.Body)
	} else {
		result = d.deps.HTML.Extract(string(resp.Body), target.Selectors, d.deps.Rules[target.InstitutionKey])
	}
	report.Result = result
	if !result.Success {
		return extractionError(result)
	}
	return nil
}

// acquirePermit blocks until the institution window grants a slot, the wait
// budget runs out, or the context ends.
func (d *Dispatcher) acquirePermit(
	ctx context.Context,
	key string,
	profile scraper.RateLimitProfile,
	report *Report,
) *scraper.Error {
	var waited time.Duration
	for {
		decision, err := d.deps.Limiter.Acquire(ctx, key, profile)
		if err != nil {
			return scraper.NewError(scraper.ClassifyValidation, "rate limit acquire").Wrap(err)
		}
		if decision.Granted {
			return nil
		}
		if d.cfg.MaxPermitWait > 0 && waited+decision.RetryAfter > d.cfg.MaxPermitWait {
			return scraper.NewError(scraper.ClassifyRateLimited, "permit wait budget exhausted").
				With("retry_after", decision.RetryAfter.String()).
				With("waited", waited.String())
		}
		if err := pause(ctx, decision.RetryAfter); err != nil {
			return scraper.NewError(scraper.ClassifyRateLimited, "permit wait canceled").Wrap(err)
		}
		waited += decision.RetryAfter
		report.RateLimitWait += decision.RetryAfter
	}
}

// maybeEscalate re-fetches an unrendered shell with the headless engine,
// keeping the original response if rendering fails.
func (d *Dispatcher) maybeEscalate(
	ctx context.Context,
	target scraper.ScrapeTarget,
	resp scraper.FetchResponse,
) scraper.FetchResponse {
	if !d.cfg.EscalateHeadless || d.deps.Detector == nil || resp.Engine != scraper.EngineStatic {
		return resp
	}
	headless, ok := d.deps.Engines[scraper.EngineHeadless]
	if !ok {
		return resp
	}
	if !d.deps.Detector.ShouldEscalate(resp, target.WaitSelector) {
		return resp
	}

	d.deps.Logger.Debug("escalating to headless engine", zap.String("url", target.URL))
	rendered, err := headless.Fetch(ctx, scraper.FetchRequest{
		URL:          target.URL,
		Headers:      target.Headers,
		WaitSelector: target.WaitSelector,
	})
	if err != nil {
		d.deps.Logger.Warn("headless escalation failed, keeping static response",
			zap.String("url", target.URL), zap.Error(err))
		return resp
	}
	if kind := scraper.ClassifyStatus(rendered.StatusCode); kind != "" {
		return resp
	}
	return rendered
}

func (d *Dispatcher) engineFor(hint scraper.EngineType) (scraper.Fetcher, bool) {
	want := scraper.ParseEngineType(string(hint))
	if engine, ok := d.deps.Engines[want]; ok {
		return engine, true
	}
	if want != scraper.EngineStatic {
		d.deps.Logger.Warn("hinted engine unavailable, falling back to static",
			zap.String("engine_hint", string(want)))
		if engine, ok := d.deps.Engines[scraper.EngineStatic]; ok {
			return engine, true
		}
	}
	return nil, false
}

func (d *Dispatcher) profileFor(class scraper.InstitutionClass) scraper.RateLimitProfile {
	if profile, ok := d.deps.Profiles[class]; ok {
		return profile
	}
	if profile, ok := d.deps.Profiles[scraper.ClassDefault]; ok {
		return profile
	}
	// No configured profiles at all; one request per second, no bursting.
	return scraper.RateLimitProfile{RequestsPerSecond: 1, BurstLimit: 1}
}

func (d *Dispatcher) emit(target scraper.ScrapeTarget, report *Report) {
	evt := telemetry.Event{
		DispatchID:    report.DispatchID,
		TS:            d.deps.Clock.Now().UTC(),
		Institution:   target.InstitutionKey,
		URL:           target.URL,
		Engine:        report.Engine,
		Attempts:      report.Attempts,
		Duration:      report.Duration,
		RateLimitWait: report.RateLimitWait,
		Bytes:         report.Bytes,
	}
	switch report.State {
	case StateSucceeded:
		evt.Outcome = telemetry.OutcomeSucceeded
	case StateCancelled:
		evt.Outcome = telemetry.OutcomeCancelled
	default:
		evt.Outcome = telemetry.OutcomeFailed
		if report.Err != nil {
			evt.Classification = report.Err.Kind
		}
	}
	d.deps.Sink.Emit(evt)
}

// extractionError picks the error that should drive the retry decision,
// preferring fatal classifications so a SecurityError buried under parse
// noise still terminates the dispatch.
func extractionError(result scraper.ExtractionResult) *scraper.Error {
	var first *scraper.Error
	for _, err := range result.Errors {
		if err.Kind.Fatal() {
			return err
		}
		if first == nil {
			first = err
		}
	}
	if first != nil {
		return first
	}
	return scraper.NewError(scraper.ClassifyParse, "extraction produced no fields")
}

func asScrapeError(err error) *scraper.Error {
	if serr, ok := scraper.AsError(err); ok {
		return serr
	}
	return scraper.NewError(scraper.ClassificationOf(err), "fetch failed").Wrap(err)
}

func pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("dispatch pause: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
