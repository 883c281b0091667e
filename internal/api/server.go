// Package api exposes the synchronous scrape endpoint plus health and
// metrics. Job scheduling and queueing live outside this service; a caller
// posts one target and waits for its terminal report.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ferozemohideen/harvester/internal/dispatcher"
	"github.com/ferozemohideen/harvester/internal/scraper"
)

// Executor runs one scrape target to completion.
type Executor interface {
	Execute(ctx context.Context, target scraper.ScrapeTarget) dispatcher.Report
}

// Server wires the HTTP surface.
type Server struct {
	executor Executor
	logger   *zap.Logger
	registry *prometheus.Registry
}

// NewServer builds a Server.
func NewServer(executor Executor, registry *prometheus.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		executor: executor,
		logger:   logger,
		registry: registry,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	r.Post("/v1/scrape", s.handleScrape)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// scrapeRequest is the wire form of a scrape target.
type scrapeRequest struct {
	URL              string            `json:"url"`
	InstitutionKey   string            `json:"institution_key"`
	InstitutionClass string            `json:"institution_class"`
	Engine           string            `json:"engine,omitempty"`
	Selectors        map[string]string `json:"selectors,omitempty"`
	WaitSelector     string            `json:"wait_selector,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
}

func (r scrapeRequest) toTarget() scraper.ScrapeTarget {
	headers := http.Header{}
	for key, value := range r.Headers {
		headers.Set(key, value)
	}
	return scraper.ScrapeTarget{
		URL:              r.URL,
		InstitutionKey:   r.InstitutionKey,
		InstitutionClass: scraper.ParseInstitutionClass(r.InstitutionClass),
		Selectors:        r.Selectors,
		EngineHint:       scraper.EngineType(r.Engine),
		WaitSelector:     r.WaitSelector,
		Headers:          headers,
	}
}

type fieldPayload struct {
	Value  string   `json:"value,omitempty"`
	Values []string `json:"values,omitempty"`
	Multi  bool     `json:"multi,omitempty"`
}

type scrapeResponse struct {
	DispatchID    string                  `json:"dispatch_id"`
	State         string                  `json:"state"`
	Attempts      int                     `json:"attempts"`
	Engine        string                  `json:"engine,omitempty"`
	Success       bool                    `json:"success"`
	Fields        map[string]fieldPayload `json:"fields,omitempty"`
	Errors        []string                `json:"errors,omitempty"`
	Error         string                  `json:"error,omitempty"`
	SecurityFlags []string                `json:"security_flags,omitempty"`
	Warnings      []string                `json:"warnings,omitempty"`
	DurationMs    int64                   `json:"duration_ms"`
	RateLimitMs   int64                   `json:"rate_limit_wait_ms"`
	Bytes         int64                   `json:"bytes"`
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	target := req.toTarget()
	if err := target.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	report := s.executor.Execute(r.Context(), target)
	writeJSON(w, statusFor(report.State), toResponse(report))
}

func statusFor(state dispatcher.State) int {
	switch state {
	case dispatcher.StateSucceeded:
		return http.StatusOK
	case dispatcher.StateCancelled:
		// Client is usually gone by now; the status is best effort.
		return http.StatusRequestTimeout
	default:
		return http.StatusBadGateway
	}
}

func toResponse(report dispatcher.Report) scrapeResponse {
	resp := scrapeResponse{
		DispatchID:    report.DispatchID,
		State:         string(report.State),
		Attempts:      report.Attempts,
		Engine:        string(report.Engine),
		Success:       report.State == dispatcher.StateSucceeded,
		SecurityFlags: report.Result.Validation.SecurityFlags,
		Warnings:      report.Result.Validation.Warnings,
		DurationMs:    report.Duration.Milliseconds(),
		RateLimitMs:   report.RateLimitWait.Milliseconds(),
		Bytes:         report.Bytes,
	}
	if len(report.Result.Fields) > 0 {
		resp.Fields = make(map[string]fieldPayload, len(report.Result.Fields))
		for name, field := range report.Result.Fields {
			resp.Fields[name] = fieldPayload{Value: field.Value, Values: field.Values, Multi: field.Multi}
		}
	}
	for _, err := range report.Result.Errors {
		resp.Errors = append(resp.Errors, err.Error())
	}
	if report.Err != nil {
		resp.Error = report.Err.Error()
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
