package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetSet(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	want := State{Count: 3, WindowResetAt: time.Now().Add(time.Second)}
	require.NoError(t, store.Set(ctx, "k", want, time.Minute))

	got, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestMemoryStoreStateExpires(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", State{Count: 1}, 10*time.Millisecond))
	time.Sleep(25 * time.Millisecond)

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStoreLockExcludes(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore(WithLockTTL(30 * time.Millisecond))
	ctx := context.Background()

	release, err := store.Lock(ctx, "k")
	require.NoError(t, err)

	_, err = store.Lock(ctx, "k")
	require.Error(t, err)

	release()
	release2, err := store.Lock(ctx, "k")
	require.NoError(t, err)
	release2()
}

func TestMemoryStoreLockReleaseIdempotent(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	release, err := store.Lock(context.Background(), "k")
	require.NoError(t, err)
	release()
	release() // second call must not free a lock someone else holds

	release2, err := store.Lock(context.Background(), "k")
	require.NoError(t, err)
	release2()
}

func TestMemoryStoreLockHonorsContext(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore(WithLockTTL(5 * time.Second))
	release, err := store.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = store.Lock(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryStoreCleanupSkipsHeldLocks(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore(WithIdleTTL(0), WithLockTTL(30*time.Millisecond))
	release, err := store.Lock(context.Background(), "k")
	require.NoError(t, err)

	store.Cleanup()

	// The held entry survived eviction, so the lock still excludes.
	_, err = store.Lock(context.Background(), "k")
	require.Error(t, err)
	release()
}

func TestMemoryStoreLockIgnoresEvictedEntry(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore(WithIdleTTL(0), WithLockTTL(30*time.Millisecond))

	// A locker can look up an entry, stall past the idle TTL, and resume
	// after the janitor dropped it. Its semaphore then belongs to nobody.
	stale := store.entry("k")
	store.Cleanup()
	stale.sem <- struct{}{}
	require.False(t, store.holdsLiveEntry("k", stale))

	// The dead semaphore must not grant or block a lock on the key.
	release, err := store.Lock(context.Background(), "k")
	require.NoError(t, err)
	live := store.entry("k")
	require.True(t, store.holdsLiveEntry("k", live))
	require.NotSame(t, stale, live)

	// The live lock still excludes a second locker.
	_, err = store.Lock(context.Background(), "k")
	require.Error(t, err)
	release()
}

func TestMemoryStoreCleanup(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore(WithIdleTTL(0))
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "idle", State{Count: 1}, time.Minute))

	store.Cleanup()

	_, ok, err := store.Get(ctx, "idle")
	require.NoError(t, err)
	require.False(t, ok)
}
