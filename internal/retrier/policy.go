// Package retrier maps error classifications to retry decisions using
// exponential backoff with a hard delay ceiling.
package retrier

import (
	"math"
	"time"

	"github.com/ferozemohideen/harvester/internal/scraper"
)

// Policy holds the backoff parameters for one error classification.
type Policy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

// Decision is the retry verdict for a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Table resolves classifications to policies. Zero-value lookups fall back
// to the default table, so a partially configured table stays safe.
type Table struct {
	policies map[scraper.Classification]Policy
}

// Defaults returns the stock policy table. Authentication and security
// failures intentionally have no entry: they are refused before lookup.
func Defaults() map[scraper.Classification]Policy {
	return map[scraper.Classification]Policy{
		scraper.ClassifyNetworkTimeout: {MaxRetries: 3, BaseDelay: time.Second, BackoffFactor: 2, MaxDelay: 30 * time.Second},
		scraper.ClassifyRateLimited:    {MaxRetries: 5, BaseDelay: 2 * time.Second, BackoffFactor: 4, MaxDelay: 60 * time.Second},
		scraper.ClassifyParse:          {MaxRetries: 2, BaseDelay: time.Second, BackoffFactor: 1.5, MaxDelay: 10 * time.Second},
		scraper.ClassifyValidation:     {MaxRetries: 1, BaseDelay: time.Second, BackoffFactor: 1, MaxDelay: time.Second},
	}
}

// NewTable builds a Table from the default policies overlaid with overrides.
func NewTable(overrides map[scraper.Classification]Policy) *Table {
	policies := Defaults()
	for kind, p := range overrides {
		if kind.Fatal() {
			continue
		}
		policies[kind] = p
	}
	return &Table{policies: policies}
}

// Decide returns whether attempt number attempt (1-based) should be retried
// and how long to wait first.
func (t *Table) Decide(kind scraper.Classification, attempt int) Decision {
	if kind.Fatal() || attempt < 1 {
		return Decision{}
	}
	policy, ok := t.policies[kind]
	if !ok {
		return Decision{}
	}
	if attempt > policy.MaxRetries {
		return Decision{}
	}
	return Decision{Retry: true, Delay: t.delay(policy, attempt)}
}

func (t *Table) delay(p Policy, attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(factor, float64(attempt-1))
	if max := float64(p.MaxDelay); max > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay)
}
