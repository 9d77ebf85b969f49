package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/securewatch/agent/internal/errs"
)

func TestWithRetrySucceedsWithoutRetryingOnFirstTry(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}, nil, func(attempt int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestWithRetryStopsOnNonRetryableError(t *testing.T) {
	calls := 0
	sentinel := errs.New(errs.KindTransportAuth, "nope").WithRetryable(false)
	err := withRetry(context.Background(), RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}, nil, func(attempt int) error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, calls, "a non-retryable error must not be retried")
}

func TestWithRetryExhaustsMaxAttemptsOnPersistentRetryableError(t *testing.T) {
	calls := 0
	sentinel := errs.New(errs.KindTransportConnection, "down").WithRetryable(true)
	err := withRetry(context.Background(), RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}, nil, func(attempt int) error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 3, calls)
}

func TestWithRetryRespectsOverallDeadline(t *testing.T) {
	calls := 0
	sentinel := errors.New("slow failure")
	retryable := errs.Wrap(errs.KindTransportTimeout, sentinel, "timed out").WithRetryable(true)
	start := time.Now()
	err := withRetry(context.Background(), RetryPolicy{
		MaxAttempts:     100,
		InitialDelay:    5 * time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		Multiplier:      1,
		OverallDeadline: 20 * time.Millisecond,
	}, nil, func(attempt int) error {
		calls++
		return retryable
	})
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second, "deadline must cut the loop short well before 100 attempts")
	require.Less(t, calls, 100)
}

func TestJitterStaysWithinBound(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := jitter(base, 0.2)
		require.GreaterOrEqual(t, d, 80*time.Millisecond)
		require.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestJitterIsNoopWithZeroFraction(t *testing.T) {
	require.Equal(t, 50*time.Millisecond, jitter(50*time.Millisecond, 0))
}
