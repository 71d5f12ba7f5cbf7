package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matrix-org/dendrite-core/internal/ratelimit"
)

func TestNoFailureNoFastFail(t *testing.T) {
	l := ratelimit.New(5*time.Minute, 24*time.Hour)
	require.False(t, l.ShouldFastFail("key"))
	require.Equal(t, 0, l.Tries("key"))
}

func TestFastFailWithinBackoffWindow(t *testing.T) {
	l := ratelimit.New(5*time.Minute, 24*time.Hour)
	l.RecordFailure("key")
	require.True(t, l.ShouldFastFail("key"))
	require.Equal(t, 1, l.Tries("key"))
}

func TestTriesMonotoneUntilClear(t *testing.T) {
	l := ratelimit.New(5*time.Minute, 24*time.Hour)
	l.RecordFailure("key")
	require.Equal(t, 1, l.Tries("key"))
	l.RecordFailure("key")
	require.Equal(t, 2, l.Tries("key"))
	l.RecordFailure("key")
	require.Equal(t, 3, l.Tries("key"))

	l.Clear("key")
	require.Equal(t, 0, l.Tries("key"))
}

func TestBackoffCapped(t *testing.T) {
	l := ratelimit.New(5*time.Minute, 24*time.Hour)
	for i := 0; i < 100; i++ {
		l.RecordFailure("key")
	}
	// With tries=100, base*tries^2 would be 5min*10000 = ~34 days,
	// far above the 24h cap, so it must still fast-fail but the
	// internal backoff duration must have saturated rather than
	// overflowed into something absurd or negative.
	require.True(t, l.ShouldFastFail("key"))
}

func TestIndependentKeys(t *testing.T) {
	l := ratelimit.New(5*time.Minute, 24*time.Hour)
	l.RecordFailure("a")
	require.True(t, l.ShouldFastFail("a"))
	require.False(t, l.ShouldFastFail("b"))
}
