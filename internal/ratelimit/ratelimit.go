// Package ratelimit implements a fixed-window, institution-keyed rate
// limiter. Window state lives in a pluggable Store shared by all workers;
// every read-modify-write cycle runs under a short-lived per-key lock so two
// workers never both observe a free slot and overshoot the burst limit.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ferozemohideen/harvester/internal/scraper"
)

// State is the shared window counter for one institution key. Created lazily
// on first acquire; resets atomically once WindowResetAt passes.
type State struct {
	Count         int       `json:"count"`
	WindowResetAt time.Time `json:"window_reset_at"`
}

// Store holds window state and per-key locks. Implementations must bound the
// lock with a TTL so a crashed holder cannot wedge a key forever.
type Store interface {
	// Lock acquires the mutual-exclusion lock for key and returns its
	// release function. It blocks no longer than the store's lock TTL.
	Lock(ctx context.Context, key string) (release func(), err error)
	Get(ctx context.Context, key string) (State, bool, error)
	Set(ctx context.Context, key string, st State, ttl time.Duration) error
}

// Decision is the outcome of an acquire call.
type Decision struct {
	Granted    bool
	RetryAfter time.Duration
}

// Limiter grants or denies scrape permits per institution key.
type Limiter struct {
	store  Store
	clock  scraper.Clock
	logger *zap.Logger
}

// New builds a Limiter over the given store.
func New(store Store, clock scraper.Clock, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{store: store, clock: clock, logger: logger}
}

// Window derives the fixed-window length from a profile: the span in which
// BurstLimit requests average out to RequestsPerSecond.
func Window(profile scraper.RateLimitProfile) time.Duration {
	return time.Duration(float64(profile.BurstLimit) / profile.RequestsPerSecond * float64(time.Second))
}

// Acquire requests a permit for key under profile. If the shared store is
// unreachable the limiter fails open: overshooting during infrastructure
// failure is acceptable, blocking all traffic is not.
func (l *Limiter) Acquire(ctx context.Context, key string, profile scraper.RateLimitProfile) (Decision, error) {
	if strings.TrimSpace(key) == "" {
		return Decision{}, fmt.Errorf("rate limit acquire: institution key is required")
	}
	if err := profile.Validate(); err != nil {
		return Decision{}, fmt.Errorf("rate limit acquire: %w", err)
	}

	release, err := l.store.Lock(ctx, key)
	if err != nil {
		l.logger.Warn("rate limit lock unavailable, failing open",
			zap.String("institution", key), zap.Error(err))
		return Decision{Granted: true}, nil
	}
	defer release()

	st, ok, err := l.store.Get(ctx, key)
	if err != nil {
		l.logger.Warn("rate limit state unreadable, failing open",
			zap.String("institution", key), zap.Error(err))
		return Decision{Granted: true}, nil
	}

	now := l.clock.Now()
	window := Window(profile)
	if !ok || !now.Before(st.WindowResetAt) {
		st = State{Count: 0, WindowResetAt: now.Add(window)}
	}

	if st.Count >= profile.BurstLimit {
		return Decision{Granted: false, RetryAfter: st.WindowResetAt.Sub(now)}, nil
	}

	st.Count++
	if err := l.store.Set(ctx, key, st, window+profile.Cooldown); err != nil {
		l.logger.Warn("rate limit state unwritable, failing open",
			zap.String("institution", key), zap.Error(err))
	}
	return Decision{Granted: true}, nil
}

// Refund removes one charge from key's current window. It is the opt-in
// compensating adjustment for requests that failed downstream. Best effort
// only: if the window has already rolled the refund is dropped, and exact
// accounting under heavy concurrency is not promised.
func (l *Limiter) Refund(ctx context.Context, key string, profile scraper.RateLimitProfile) {
	release, err := l.store.Lock(ctx, key)
	if err != nil {
		return
	}
	defer release()

	st, ok, err := l.store.Get(ctx, key)
	if err != nil || !ok || st.Count <= 0 {
		return
	}
	now := l.clock.Now()
	if !now.Before(st.WindowResetAt) {
		return
	}
	st.Count--
	if err := l.store.Set(ctx, key, st, st.WindowResetAt.Sub(now)+profile.Cooldown); err != nil {
		l.logger.Debug("rate limit refund dropped", zap.String("institution", key), zap.Error(err))
	}
}
