package ratelimit

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestStateEncodingRoundTrip(t *testing.T) {
	t.Parallel()
	want := State{Count: 7, WindowResetAt: time.Date(2026, 3, 1, 12, 0, 2, 0, time.UTC)}

	raw, err := encodeState(want)
	require.NoError(t, err)

	got, err := decodeState(raw)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDecodeStateRejectsGarbage(t *testing.T) {
	t.Parallel()
	_, err := decodeState([]byte("not json"))
	require.Error(t, err)
}

func TestRedisStoreKeyNamespacing(t *testing.T) {
	t.Parallel()
	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: "localhost:0"}), WithRedisPrefix("custom:"))
	require.Equal(t, "custom:window:lab.example.gov", store.stateKey("lab.example.gov"))
	require.Equal(t, "custom:lock:lab.example.gov", store.lockKey("lab.example.gov"))
}
