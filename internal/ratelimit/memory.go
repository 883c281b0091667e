package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is the single-process Store: window state in a map, per-key
// semaphore-channel locks bounded by the lock TTL, and a janitor that evicts
// idle keys.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	lockTTL time.Duration
	idleTTL time.Duration
}

type memoryEntry struct {
	sem      chan struct{}
	state    State
	hasState bool
	expires  time.Time
	lastSeen time.Time
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithLockTTL bounds how long Lock blocks before self-healing open.
func WithLockTTL(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.lockTTL = d }
}

// WithIdleTTL controls when unused keys are evicted by the janitor.
func WithIdleTTL(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.idleTTL = d }
}

// NewMemoryStore builds an in-memory Store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		lockTTL: 500 * time.Millisecond,
		idleTTL: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) entry(key string) *memoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entries[key]
	if !ok {
		ent = &memoryEntry{sem: make(chan struct{}, 1)}
		s.entries[key] = ent
	}
	ent.lastSeen = time.Now()
	return ent
}

// Lock acquires the per-key semaphore. A holder that never releases cannot
// wedge the key past the lock TTL: the waiter gives up and the limiter above
// fails open.
func (s *MemoryStore) Lock(ctx context.Context, key string) (func(), error) {
	timer := time.NewTimer(s.lockTTL)
	defer timer.Stop()

	for {
		ent := s.entry(key)
		select {
		case ent.sem <- struct{}{}:
			// The janitor may have evicted this entry between lookup and
			// acquisition. A semaphore that is no longer in the map excludes
			// nobody, so retry against the live entry. Once the live
			// semaphore is held, Cleanup skips the entry.
			if s.holdsLiveEntry(key, ent) {
				var once sync.Once
				return func() {
					once.Do(func() { <-ent.sem })
				}, nil
			}
			<-ent.sem
		case <-ctx.Done():
			return nil, fmt.Errorf("memory store lock %q: %w", key, ctx.Err())
		case <-timer.C:
			return nil, fmt.Errorf("memory store lock %q: wait exceeded %s", key, s.lockTTL)
		}
	}
}

// holdsLiveEntry reports whether ent is still the map's entry for key.
func (s *MemoryStore) holdsLiveEntry(key string, ent *memoryEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key] == ent
}

// Get returns the stored state for key, honoring its TTL.
func (s *MemoryStore) Get(_ context.Context, key string) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entries[key]
	if !ok || !ent.hasState {
		return State{}, false, nil
	}
	if !ent.expires.IsZero() && time.Now().After(ent.expires) {
		ent.hasState = false
		return State{}, false, nil
	}
	return ent.state, true, nil
}

// Set stores state for key with the given TTL.
func (s *MemoryStore) Set(_ context.Context, key string, st State, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entries[key]
	if !ok {
		ent = &memoryEntry{sem: make(chan struct{}, 1)}
		s.entries[key] = ent
	}
	ent.state = st
	ent.hasState = true
	ent.lastSeen = time.Now()
	if ttl > 0 {
		ent.expires = time.Now().Add(ttl)
	} else {
		ent.expires = time.Time{}
	}
	return nil
}

// Cleanup evicts keys idle past the idle TTL.
func (s *MemoryStore) Cleanup() {
	cutoff := time.Now().Add(-s.idleTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) && len(ent.sem) == 0 {
			delete(s.entries, key)
		}
	}
}

// StartJanitor runs Cleanup on an interval until ctx finishes.
func (s *MemoryStore) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}
