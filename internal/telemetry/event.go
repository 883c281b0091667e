// Package telemetry defines the flat scrape-event record the dispatcher and
// pipelines emit, plus the sinks that consume it. The engine owns emission
// only; shipping and alerting belong to the observability collaborator.
package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/ferozemohideen/harvester/internal/scraper"
)

// Outcome labels the terminal state of a dispatch.
type Outcome string

// Terminal dispatch outcomes.
const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Event is one flat record describing a finished dispatch attempt sequence.
type Event struct {
	// DispatchID uniquely identifies one dispatch through all its attempts.
	DispatchID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Institution is the per-source rate-limit key.
	Institution string
	URL         string
	Engine      scraper.EngineType
	Outcome     Outcome
	// Classification is set for failed outcomes only.
	Classification scraper.Classification
	Attempts       int
	Duration       time.Duration
	// RateLimitWait is the total time spent waiting on permits.
	RateLimitWait time.Duration
	Bytes         int64
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.DispatchID == "" {
		return errors.New("dispatch id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Outcome {
	case OutcomeSucceeded, OutcomeCancelled:
	case OutcomeFailed:
		if e.Classification == "" {
			return errors.New("failed outcome requires a classification")
		}
	default:
		return fmt.Errorf("unknown outcome %q", e.Outcome)
	}
	if e.Attempts < 1 {
		return errors.New("attempts must be >= 1")
	}
	return nil
}

// Sink consumes scrape events. Implementations must be safe for concurrent
// use; Emit must never block dispatch.
type Sink interface {
	Emit(evt Event)
}

// MultiSink fans one event out to several sinks.
type MultiSink []Sink

// Emit forwards evt to every sink.
func (m MultiSink) Emit(evt Event) {
	for _, s := range m {
		s.Emit(evt)
	}
}

// NopSink discards all events.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(Event) {}
