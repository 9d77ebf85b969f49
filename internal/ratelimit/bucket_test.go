package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenBucketAdmitsUpToCapacity(t *testing.T) {
	l := New(10, 5, nil)
	now := time.Now()

	for i := 0; i < 10; i++ {
		require.True(t, l.tryConsumeAt(GlobalCategory, 1, now), "call %d should be admitted", i+1)
	}
	require.False(t, l.tryConsumeAt(GlobalCategory, 1, now), "11th call should be rejected")

	// ~200ms later at 5 tokens/sec, one more token has refilled.
	later := now.Add(210 * time.Millisecond)
	require.True(t, l.tryConsumeAt(GlobalCategory, 1, later))
	require.False(t, l.tryConsumeAt(GlobalCategory, 1, later))
}

func TestMinRefillGapPreventsThrash(t *testing.T) {
	l := New(5, 100, nil)
	now := time.Now()
	for i := 0; i < 5; i++ {
		require.True(t, l.tryConsumeAt(GlobalCategory, 1, now))
	}
	// Within the minimum inter-refill gap, even though 100 tokens/sec
	// would imply tokens are available, no refill has been applied yet.
	soon := now.Add(50 * time.Millisecond)
	require.False(t, l.tryConsumeAt(GlobalCategory, 1, soon))
}

func TestCategoryAndGlobalBothMustAdmit(t *testing.T) {
	l := New(100, 100, []Category{{Name: "ingest", Capacity: 1, Refill: 1, Priority: 5}})
	now := time.Now()

	require.True(t, l.TryConsume("ingest", 1))
	// Category bucket is now empty; global still has plenty, but the
	// category must also admit.
	require.False(t, l.tryConsumeAt("ingest", 1, now))
	require.Equal(t, uint8(5), l.Priority("ingest"))
}

func TestDenialRefundsGlobalBucket(t *testing.T) {
	l := New(10, 0, []Category{{Name: "reports", Capacity: 0, Refill: 0, Priority: 1}})
	now := time.Now()

	require.False(t, l.tryConsumeAt("reports", 1, now))

	stats := l.Stats()
	var global Stats
	for _, s := range stats {
		if s.Category == GlobalCategory {
			global = s
		}
	}
	require.Equal(t, float64(10), global.Remaining, "global tokens must be refunded when the category denies")
}

func TestEnsureCategoryIsIdempotent(t *testing.T) {
	l := New(10, 1, nil)
	l.EnsureCategory("late", 3, 1, 9)
	l.EnsureCategory("late", 99, 99, 0) // should not override
	require.Equal(t, uint8(9), l.Priority("late"))
}
