package retrier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ferozemohideen/harvester/internal/scraper"
)

func TestDecideBackoffSequence(t *testing.T) {
	t.Parallel()
	table := NewTable(map[scraper.Classification]Policy{
		scraper.ClassifyNetworkTimeout: {MaxRetries: 3, BaseDelay: time.Second, BackoffFactor: 2, MaxDelay: 30 * time.Second},
	})

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for attempt := 1; attempt <= 3; attempt++ {
		dec := table.Decide(scraper.ClassifyNetworkTimeout, attempt)
		require.True(t, dec.Retry, "attempt %d", attempt)
		require.Equal(t, want[attempt-1], dec.Delay, "attempt %d", attempt)
	}

	dec := table.Decide(scraper.ClassifyNetworkTimeout, 4)
	require.False(t, dec.Retry)
}

func TestDecideDelayCeiling(t *testing.T) {
	t.Parallel()
	table := NewTable(map[scraper.Classification]Policy{
		scraper.ClassifyRateLimited: {MaxRetries: 10, BaseDelay: 2 * time.Second, BackoffFactor: 4, MaxDelay: 60 * time.Second},
	})

	// 2s, 8s, 32s, then capped.
	require.Equal(t, 2*time.Second, table.Decide(scraper.ClassifyRateLimited, 1).Delay)
	require.Equal(t, 8*time.Second, table.Decide(scraper.ClassifyRateLimited, 2).Delay)
	require.Equal(t, 32*time.Second, table.Decide(scraper.ClassifyRateLimited, 3).Delay)
	require.Equal(t, 60*time.Second, table.Decide(scraper.ClassifyRateLimited, 4).Delay)
	require.Equal(t, 60*time.Second, table.Decide(scraper.ClassifyRateLimited, 9).Delay)
}

func TestDecideFatalClassificationsNeverRetry(t *testing.T) {
	t.Parallel()
	table := NewTable(nil)
	for _, kind := range []scraper.Classification{scraper.ClassifyAuthentication, scraper.ClassifySecurity} {
		for _, attempt := range []int{1, 2, 100} {
			dec := table.Decide(kind, attempt)
			require.False(t, dec.Retry, "%s attempt %d", kind, attempt)
			require.Zero(t, dec.Delay)
		}
	}
}

func TestDecideFatalOverridesIgnored(t *testing.T) {
	t.Parallel()
	// A config mistake must not make security errors retryable.
	table := NewTable(map[scraper.Classification]Policy{
		scraper.ClassifySecurity: {MaxRetries: 5, BaseDelay: time.Second, BackoffFactor: 2},
	})
	require.False(t, table.Decide(scraper.ClassifySecurity, 1).Retry)
}

func TestDecideDefaultsTable(t *testing.T) {
	t.Parallel()
	table := NewTable(nil)

	tests := []struct {
		kind     scraper.Classification
		attempt  int
		retry    bool
		delay    time.Duration
	}{
		{scraper.ClassifyNetworkTimeout, 1, true, time.Second},
		{scraper.ClassifyNetworkTimeout, 3, true, 4 * time.Second},
		{scraper.ClassifyNetworkTimeout, 4, false, 0},
		{scraper.ClassifyRateLimited, 5, true, 60 * time.Second},
		{scraper.ClassifyRateLimited, 6, false, 0},
		{scraper.ClassifyParse, 2, true, 1500 * time.Millisecond},
		{scraper.ClassifyParse, 3, false, 0},
		{scraper.ClassifyValidation, 1, true, time.Second},
		{scraper.ClassifyValidation, 2, false, 0},
	}
	for _, tc := range tests {
		dec := table.Decide(tc.kind, tc.attempt)
		require.Equal(t, tc.retry, dec.Retry, "%s attempt %d", tc.kind, tc.attempt)
		require.Equal(t, tc.delay, dec.Delay, "%s attempt %d", tc.kind, tc.attempt)
	}
}

func TestDecideZeroAttempt(t *testing.T) {
	t.Parallel()
	table := NewTable(nil)
	require.False(t, table.Decide(scraper.ClassifyNetworkTimeout, 0).Retry)
}
