package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// LogSink emits structured logs for each scrape event. Useful in development
// or audits where no metrics backend is available.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Emit logs the event using structured fields.
func (s *LogSink) Emit(evt Event) {
	s.logger.Info("scrape event",
		zap.String("dispatch_id", evt.DispatchID),
		zap.String("institution", evt.Institution),
		zap.String("url", evt.URL),
		zap.String("engine", string(evt.Engine)),
		zap.String("outcome", string(evt.Outcome)),
		zap.String("classification", string(evt.Classification)),
		zap.Int("attempts", evt.Attempts),
		zap.Duration("duration", evt.Duration),
		zap.Duration("rate_limit_wait", evt.RateLimitWait),
		zap.Int64("bytes", evt.Bytes),
	)
}

// PrometheusSink exports scrape metrics. It owns all collectors for dispatch
// outcomes, attempt counts, and rate-limit waits.
type PrometheusSink struct {
	scrapesTotal   *prometheus.CounterVec
	scrapeDuration *prometheus.HistogramVec
	attemptsTotal  *prometheus.HistogramVec
	bytesTotal     *prometheus.CounterVec
	rateLimitWait  *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		scrapesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_scrapes_total",
			Help: "Dispatches completed, partitioned by engine, outcome, and classification.",
		}, []string{"engine", "outcome", "classification"}),
		scrapeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_scrape_duration_seconds",
			Help:    "Wall time per dispatch including retries.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 30, 60, 120},
		}, []string{"engine", "outcome"}),
		attemptsTotal: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_scrape_attempts",
			Help:    "Fetch attempts per dispatch.",
			Buckets: []float64{1, 2, 3, 4, 5, 6},
		}, []string{"outcome"}),
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_fetch_bytes_total",
			Help: "Bytes fetched per institution.",
		}, []string{"institution"}),
		rateLimitWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_rate_limit_wait_seconds",
			Help:    "Time spent waiting on rate-limit permits per institution.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"institution"}),
	}
	for _, collector := range []prometheus.Collector{
		s.scrapesTotal,
		s.scrapeDuration,
		s.attemptsTotal,
		s.bytesTotal,
		s.rateLimitWait,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register scrape collector: %w", err)
		}
	}
	return s, nil
}

// Emit updates the collectors. Safe for concurrent use.
func (s *PrometheusSink) Emit(evt Event) {
	s.scrapesTotal.WithLabelValues(string(evt.Engine), string(evt.Outcome), string(evt.Classification)).Inc()
	s.scrapeDuration.WithLabelValues(string(evt.Engine), string(evt.Outcome)).Observe(evt.Duration.Seconds())
	s.attemptsTotal.WithLabelValues(string(evt.Outcome)).Observe(float64(evt.Attempts))
	if evt.Bytes > 0 {
		s.bytesTotal.WithLabelValues(evt.Institution).Add(float64(evt.Bytes))
	}
	if evt.RateLimitWait > 0 {
		s.rateLimitWait.WithLabelValues(evt.Institution).Observe(evt.RateLimitWait.Seconds())
	}
}
