package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore is the multi-process Store: window state as JSON values, locks
// as SET NX keys with a TTL so a crashed worker cannot hold a key hostage.
type RedisStore struct {
	rdb      *redis.Client
	prefix   string
	lockTTL  time.Duration
	lockPoll time.Duration
}

// RedisOption customizes a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix namespaces all keys.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

// WithRedisLockTTL bounds both the lock lifetime and the wait for it.
func WithRedisLockTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.lockTTL = d }
}

// NewRedisStore builds a Store backed by the given redis client.
func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:      rdb,
		prefix:   "harvester:ratelimit",
		lockTTL:  500 * time.Millisecond,
		lockPoll: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) stateKey(key string) string {
	return s.prefix + ":window:" + key
}

func (s *RedisStore) lockKey(key string) string {
	return s.prefix + ":lock:" + key
}

// Lock spins on SET NX until it wins, the context ends, or the lock TTL
// elapses. The lock value is a per-acquisition token so release cannot drop
// a lock taken over by another worker after expiry.
func (s *RedisStore) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	lockKey := s.lockKey(key)
	deadline := time.Now().Add(s.lockTTL)

	for {
		ok, err := s.rdb.SetNX(ctx, lockKey, token, s.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %q: %w", key, err)
		}
		if ok {
			return func() {
				// Best effort: only delete the lock if we still own it.
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				current, err := s.rdb.Get(releaseCtx, lockKey).Result()
				if err == nil && current == token {
					s.rdb.Del(releaseCtx, lockKey)
				}
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("redis lock %q: wait exceeded %s", key, s.lockTTL)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("redis lock %q: %w", key, ctx.Err())
		case <-time.After(s.lockPoll):
		}
	}
}

// Get returns the stored window state for key.
func (s *RedisStore) Get(ctx context.Context, key string) (State, bool, error) {
	raw, err := s.rdb.Get(ctx, s.stateKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	st, err := decodeState([]byte(raw))
	if err != nil {
		// Corrupt state is equivalent to no state: the window restarts.
		return State{}, false, nil
	}
	return st, true, nil
}

// Set stores window state for key with the given TTL.
func (s *RedisStore) Set(ctx context.Context, key string, st State, ttl time.Duration) error {
	raw, err := encodeState(st)
	if err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	if err := s.rdb.Set(ctx, s.stateKey(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func encodeState(st State) ([]byte, error) {
	return json.Marshal(st)
}

func decodeState(raw []byte) (State, error) {
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, err
	}
	return st, nil
}
