package transport

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/securewatch/agent/internal/errs"
)

// RetryPolicy is the subset of config.TransportConfig the retry loop
// consumes (spec.md §4.4: exponential backoff with jitter, bounded by an
// overall deadline). Grounded on the teacher's internal/storage/retry.go
// WithRetry shape — jittered exponential backoff via math/rand/v2 —
// generalized from a fixed pgx error-code check to errs.IsRetryable.
type RetryPolicy struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
	OverallDeadline time.Duration
}

// withRetry runs fn until it succeeds, exhausts MaxAttempts, the error is
// non-retryable, or OverallDeadline elapses — whichever comes first.
func withRetry(ctx context.Context, policy RetryPolicy, logger *slog.Logger, fn func(attempt int) error) error {
	if policy.OverallDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.OverallDeadline)
		defer cancel()
	}

	delay := policy.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := jitter(delay, policy.JitterFraction)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return lastErr
			}
			delay = time.Duration(float64(delay) * policy.Multiplier)
			if delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !errs.IsRetryable(err) {
			return err
		}
		if logger != nil {
			logger.Warn("transport: request failed, will retry", "attempt", attempt, "max_attempts", policy.MaxAttempts, "error", err)
		}
		select {
		case <-ctx.Done():
			return lastErr
		default:
		}
	}
	return lastErr
}

// jitter returns base plus or minus a random fraction (bounded by
// fraction) of itself, following the teacher's math/rand/v2 jitter
// convention (drawn here with rand.Float64) rather than a purely additive
// jitter.
func jitter(base time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || base <= 0 {
		return base
	}
	span := float64(base) * fraction
	offset := (rand.Float64()*2 - 1) * span
	d := time.Duration(float64(base) + offset)
	if d < 0 {
		return 0
	}
	return d
}
