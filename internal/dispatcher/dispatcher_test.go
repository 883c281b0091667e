package dispatcher

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ferozemohideen/harvester/internal/clock/system"
	"github.com/ferozemohideen/harvester/internal/extract/html"
	"github.com/ferozemohideen/harvester/internal/extract/pdf"
	"github.com/ferozemohideen/harvester/internal/fetcher/detect"
	"github.com/ferozemohideen/harvester/internal/ratelimit"
	"github.com/ferozemohideen/harvester/internal/retrier"
	"github.com/ferozemohideen/harvester/internal/scraper"
	"github.com/ferozemohideen/harvester/internal/telemetry"
)

const listingHTML = `<html><body><h1>Microfluidic Pump</h1><p class="summary">A novel pump design.</p></body></html>`

var listingSelectors = map[string]string{"title": "h1", "summary": "p.summary"}

// fakeFetcher replays a scripted sequence of results; the last one repeats.
type fakeFetcher struct {
	mu     sync.Mutex
	engine scraper.EngineType
	script []func() (scraper.FetchResponse, error)
	calls  int
}

func (f *fakeFetcher) Fetch(ctx context.Context, _ scraper.FetchRequest) (scraper.FetchResponse, error) {
	if err := ctx.Err(); err != nil {
		return scraper.FetchResponse{}, err
	}
	f.mu.Lock()
	idx := f.calls
	f.calls++
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	step := f.script[idx]
	f.mu.Unlock()
	return step()
}

func (f *fakeFetcher) Engine() scraper.EngineType {
	return f.engine
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func htmlStep(status int, body string) func() (scraper.FetchResponse, error) {
	return func() (scraper.FetchResponse, error) {
		return scraper.FetchResponse{
			URL:        "https://tech.example.edu/listing",
			StatusCode: status,
			Headers:    http.Header{"Content-Type": {"text/html"}},
			Body:       []byte(body),
			Engine:     scraper.EngineStatic,
		}, nil
	}
}

func errStep(err error) func() (scraper.FetchResponse, error) {
	return func() (scraper.FetchResponse, error) {
		return scraper.FetchResponse{}, err
	}
}

type captureSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (s *captureSink) Emit(evt telemetry.Event) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
}

func (s *captureSink) last(t *testing.T) telemetry.Event {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.events)
	return s.events[len(s.events)-1]
}

type harness struct {
	dispatcher *Dispatcher
	sink       *captureSink
}

func fastRetries() map[scraper.Classification]retrier.Policy {
	return map[scraper.Classification]retrier.Policy{
		scraper.ClassifyNetworkTimeout: {MaxRetries: 3, BaseDelay: time.Millisecond, BackoffFactor: 1, MaxDelay: time.Millisecond},
		scraper.ClassifyRateLimited:    {MaxRetries: 0, BaseDelay: time.Millisecond, BackoffFactor: 1, MaxDelay: time.Millisecond},
		scraper.ClassifyParse:          {MaxRetries: 2, BaseDelay: time.Millisecond, BackoffFactor: 1, MaxDelay: time.Millisecond},
		scraper.ClassifyValidation:     {MaxRetries: 0, BaseDelay: time.Millisecond, BackoffFactor: 1, MaxDelay: time.Millisecond},
	}
}

func newHarness(t *testing.T, engines map[scraper.EngineType]scraper.Fetcher, cfg Config) *harness {
	t.Helper()
	sink := &captureSink{}
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), system.New(), zap.NewNop())
	d, err := New(Deps{
		Limiter: limiter,
		Profiles: map[scraper.InstitutionClass]scraper.RateLimitProfile{
			scraper.ClassDefault: {RequestsPerSecond: 1000, BurstLimit: 1000},
		},
		Engines:  engines,
		Retries:  retrier.NewTable(fastRetries()),
		HTML:     html.New(html.Config{}),
		PDF:      pdf.New(pdf.Options{}),
		Detector: detect.NewHeuristic(0),
		Sink:     sink,
		Clock:    system.New(),
		Logger:   zap.NewNop(),
	}, cfg)
	require.NoError(t, err)
	return &harness{dispatcher: d, sink: sink}
}

func target() scraper.ScrapeTarget {
	return scraper.ScrapeTarget{
		URL:              "https://tech.example.edu/listing",
		InstitutionKey:   "example-university",
		InstitutionClass: scraper.ClassDefault,
		Selectors:        listingSelectors,
	}
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{engine: scraper.EngineStatic, script: []func() (scraper.FetchResponse, error){
		htmlStep(200, listingHTML),
	}}
	h := newHarness(t, map[scraper.EngineType]scraper.Fetcher{scraper.EngineStatic: static}, Config{})

	report := h.dispatcher.Execute(context.Background(), target())
	require.Equal(t, StateSucceeded, report.State)
	require.Equal(t, 1, report.Attempts)
	require.NotEmpty(t, report.DispatchID)
	require.Equal(t, "Microfluidic Pump", report.Result.Fields["title"].Value)
	require.Equal(t, int64(len(listingHTML)), report.Bytes)

	evt := h.sink.last(t)
	require.Equal(t, telemetry.OutcomeSucceeded, evt.Outcome)
	require.Equal(t, "example-university", evt.Institution)
	require.NoError(t, evt.Validate())
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{engine: scraper.EngineStatic, script: []func() (scraper.FetchResponse, error){
		htmlStep(503, "unavailable"),
		htmlStep(502, "bad gateway"),
		htmlStep(200, listingHTML),
	}}
	h := newHarness(t, map[scraper.EngineType]scraper.Fetcher{scraper.EngineStatic: static}, Config{})

	report := h.dispatcher.Execute(context.Background(), target())
	require.Equal(t, StateSucceeded, report.State)
	require.Equal(t, 3, report.Attempts)
	require.Equal(t, 3, static.callCount())
}

func TestExecuteAuthNeverRetries(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{engine: scraper.EngineStatic, script: []func() (scraper.FetchResponse, error){
		htmlStep(401, "unauthorized"),
	}}
	h := newHarness(t, map[scraper.EngineType]scraper.Fetcher{scraper.EngineStatic: static}, Config{})

	report := h.dispatcher.Execute(context.Background(), target())
	require.Equal(t, StateFailed, report.State)
	require.Equal(t, 1, report.Attempts)
	require.Equal(t, 1, static.callCount())
	require.Equal(t, scraper.ClassifyAuthentication, report.Err.Kind)

	evt := h.sink.last(t)
	require.Equal(t, telemetry.OutcomeFailed, evt.Outcome)
	require.Equal(t, scraper.ClassifyAuthentication, evt.Classification)
}

func TestExecuteParseFailureExhaustsRetries(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{engine: scraper.EngineStatic, script: []func() (scraper.FetchResponse, error){
		htmlStep(200, "<html><body><p>nothing matches</p></body></html>"),
	}}
	h := newHarness(t, map[scraper.EngineType]scraper.Fetcher{scraper.EngineStatic: static}, Config{})

	tgt := target()
	tgt.Selectors = map[string]string{"title": "h1.missing"}
	report := h.dispatcher.Execute(context.Background(), tgt)
	require.Equal(t, StateFailed, report.State)
	require.Equal(t, 3, report.Attempts)
	require.Equal(t, scraper.ClassifyParse, report.Err.Kind)
}

func TestExecutePDFSecurityIsTerminal(t *testing.T) {
	t.Parallel()

	pdfBody := "%PDF-1.7\n1 0 obj\n<< /Encrypt 2 0 R >>\nendobj\n"
	static := &fakeFetcher{engine: scraper.EngineStatic, script: []func() (scraper.FetchResponse, error){
		func() (scraper.FetchResponse, error) {
			return scraper.FetchResponse{
				URL:        "https://tech.example.edu/brochure.pdf",
				StatusCode: 200,
				Headers:    http.Header{"Content-Type": {"application/pdf"}},
				Body:       []byte(pdfBody),
				Engine:     scraper.EngineStatic,
			}, nil
		},
	}}
	h := newHarness(t, map[scraper.EngineType]scraper.Fetcher{scraper.EngineStatic: static}, Config{})

	report := h.dispatcher.Execute(context.Background(), target())
	require.Equal(t, StateFailed, report.State)
	require.Equal(t, 1, report.Attempts)
	require.Equal(t, scraper.ClassifySecurity, report.Err.Kind)
	require.Contains(t, report.Result.Validation.SecurityFlags, "encrypted")
}

func TestExecuteCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	static := &fakeFetcher{engine: scraper.EngineStatic, script: []func() (scraper.FetchResponse, error){
		func() (scraper.FetchResponse, error) {
			cancel()
			return scraper.FetchResponse{}, context.Canceled
		},
	}}
	h := newHarness(t, map[scraper.EngineType]scraper.Fetcher{scraper.EngineStatic: static}, Config{})

	report := h.dispatcher.Execute(ctx, target())
	require.Equal(t, StateCancelled, report.State)

	evt := h.sink.last(t)
	require.Equal(t, telemetry.OutcomeCancelled, evt.Outcome)
}

func TestExecuteInvalidTarget(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{engine: scraper.EngineStatic, script: []func() (scraper.FetchResponse, error){
		htmlStep(200, listingHTML),
	}}
	h := newHarness(t, map[scraper.EngineType]scraper.Fetcher{scraper.EngineStatic: static}, Config{})

	report := h.dispatcher.Execute(context.Background(), scraper.ScrapeTarget{URL: "https://example.edu"})
	require.Equal(t, StateFailed, report.State)
	require.Equal(t, scraper.ClassifyValidation, report.Err.Kind)
	require.Zero(t, static.callCount())

	evt := h.sink.last(t)
	require.Equal(t, 1, evt.Attempts)
	require.NoError(t, evt.Validate())
}

func TestExecuteEngineHintFallback(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{engine: scraper.EngineStatic, script: []func() (scraper.FetchResponse, error){
		htmlStep(200, listingHTML),
	}}
	h := newHarness(t, map[scraper.EngineType]scraper.Fetcher{scraper.EngineStatic: static}, Config{})

	tgt := target()
	tgt.EngineHint = scraper.EngineHeadless
	report := h.dispatcher.Execute(context.Background(), tgt)
	require.Equal(t, StateSucceeded, report.State)
	require.Equal(t, scraper.EngineStatic, report.Engine)
}

func TestExecutePermitWaitBudget(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{engine: scraper.EngineStatic, script: []func() (scraper.FetchResponse, error){
		htmlStep(200, listingHTML),
	}}
	sink := &captureSink{}
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), system.New(), zap.NewNop())
	d, err := New(Deps{
		Limiter: limiter,
		Profiles: map[scraper.InstitutionClass]scraper.RateLimitProfile{
			// One permit per thousand-second window.
			scraper.ClassDefault: {RequestsPerSecond: 0.001, BurstLimit: 1},
		},
		Engines: map[scraper.EngineType]scraper.Fetcher{scraper.EngineStatic: static},
		Retries: retrier.NewTable(fastRetries()),
		HTML:    html.New(html.Config{}),
		PDF:     pdf.New(pdf.Options{}),
		Sink:    sink,
		Clock:   system.New(),
	}, Config{MaxPermitWait: 10 * time.Millisecond})
	require.NoError(t, err)

	first := d.Execute(context.Background(), target())
	require.Equal(t, StateSucceeded, first.State)

	second := d.Execute(context.Background(), target())
	require.Equal(t, StateFailed, second.State)
	require.Equal(t, scraper.ClassifyRateLimited, second.Err.Kind)
}

func TestExecuteRefundOnTransportFailure(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{engine: scraper.EngineStatic, script: []func() (scraper.FetchResponse, error){
		errStep(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}),
		htmlStep(200, listingHTML),
	}}
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), system.New(), zap.NewNop())
	sink := &captureSink{}
	d, err := New(Deps{
		Limiter: limiter,
		Profiles: map[scraper.InstitutionClass]scraper.RateLimitProfile{
			scraper.ClassDefault: {RequestsPerSecond: 0.001, BurstLimit: 1},
		},
		Engines: map[scraper.EngineType]scraper.Fetcher{scraper.EngineStatic: static},
		Retries: retrier.NewTable(map[scraper.Classification]retrier.Policy{
			// No retries so the second Execute exercises the refunded permit.
			scraper.ClassifyNetworkTimeout: {MaxRetries: 0, BaseDelay: time.Millisecond, BackoffFactor: 1, MaxDelay: time.Millisecond},
		}),
		HTML:  html.New(html.Config{}),
		PDF:   pdf.New(pdf.Options{}),
		Sink:  sink,
		Clock: system.New(),
	}, Config{RefundOnFailure: true, MaxPermitWait: 10 * time.Millisecond})
	require.NoError(t, err)

	first := d.Execute(context.Background(), target())
	require.Equal(t, StateFailed, first.State)

	// The refund freed the only permit in the window.
	second := d.Execute(context.Background(), target())
	require.Equal(t, StateSucceeded, second.State)
}

func TestExecuteHeadlessEscalation(t *testing.T) {
	t.Parallel()

	shell := `<html><body><div id="root"></div></body></html>`
	static := &fakeFetcher{engine: scraper.EngineStatic, script: []func() (scraper.FetchResponse, error){
		htmlStep(200, shell),
	}}
	headless := &fakeFetcher{engine: scraper.EngineHeadless, script: []func() (scraper.FetchResponse, error){
		func() (scraper.FetchResponse, error) {
			return scraper.FetchResponse{
				URL:        "https://tech.example.edu/listing",
				StatusCode: 200,
				Headers:    http.Header{"Content-Type": {"text/html"}},
				Body:       []byte(listingHTML),
				Engine:     scraper.EngineHeadless,
			}, nil
		},
	}}
	h := newHarness(t, map[scraper.EngineType]scraper.Fetcher{
		scraper.EngineStatic:   static,
		scraper.EngineHeadless: headless,
	}, Config{EscalateHeadless: true})

	report := h.dispatcher.Execute(context.Background(), target())
	require.Equal(t, StateSucceeded, report.State)
	require.Equal(t, scraper.EngineHeadless, report.Engine)
	require.Equal(t, 1, headless.callCount())
	require.Equal(t, "Microfluidic Pump", report.Result.Fields["title"].Value)
}

func TestExecuteEscalationFailureKeepsStatic(t *testing.T) {
	t.Parallel()

	static := &fakeFetcher{engine: scraper.EngineStatic, script: []func() (scraper.FetchResponse, error){
		htmlStep(200, `<html><body><div id="root"><h1>Partial</h1></div></body></html>`),
	}}
	headless := &fakeFetcher{engine: scraper.EngineHeadless, script: []func() (scraper.FetchResponse, error){
		errStep(errors.New("browser crashed")),
	}}
	h := newHarness(t, map[scraper.EngineType]scraper.Fetcher{
		scraper.EngineStatic:   static,
		scraper.EngineHeadless: headless,
	}, Config{EscalateHeadless: true})

	tgt := target()
	tgt.Selectors = map[string]string{"title": "h1"}
	report := h.dispatcher.Execute(context.Background(), tgt)
	require.Equal(t, StateSucceeded, report.State)
	require.Equal(t, scraper.EngineStatic, report.Engine)
	require.Equal(t, "Partial", report.Result.Fields["title"].Value)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{})
	require.Error(t, err)
}
