// Package transport implements the circuit-protected transport (C5,
// spec.md §4.4): batching, retry with jittered exponential backoff, and a
// circuit breaker guarding the outbound HTTP client.
//
// Grounded on original_source/agent-rust/src/circuit_breaker.rs for the
// state machine and sliding-window semantics, translated into the
// teacher's mutex-guarded-struct convention (internal/ratelimit/bucket.go's
// single-mutex-per-bucket shape) rather than the original's
// Arc<Mutex<Inner>> split between a thin outer handle and an inner struct.
package transport

import (
	"log/slog"
	"sync"
	"time"
)

// CircuitState is one of the three states in the breaker's state machine.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// slidingWindow is a fixed-capacity ring buffer of pass/fail outcomes used
// to compute a failure rate over the most recent N requests (spec.md
// §4.4: "sliding_window_size most recent outcomes").
type slidingWindow struct {
	outcomes []bool
	next     int
	filled   int
	failures int
}

func newSlidingWindow(size int) *slidingWindow {
	if size < 1 {
		size = 1
	}
	return &slidingWindow{outcomes: make([]bool, size)}
}

func (w *slidingWindow) record(success bool) {
	if w.filled == len(w.outcomes) {
		if !w.outcomes[w.next] {
			w.failures--
		}
	} else {
		w.filled++
	}
	w.outcomes[w.next] = success
	if !success {
		w.failures++
	}
	w.next = (w.next + 1) % len(w.outcomes)
}

func (w *slidingWindow) requestCount() int { return w.filled }

func (w *slidingWindow) failureRate() float64 {
	if w.filled == 0 {
		return 0
	}
	return float64(w.failures) / float64(w.filled)
}

func (w *slidingWindow) clear() {
	for i := range w.outcomes {
		w.outcomes[i] = false
	}
	w.next = 0
	w.filled = 0
	w.failures = 0
}

// CircuitStats is a point-in-time snapshot of the breaker's counters
// (spec.md §4.4: observability accessors).
type CircuitStats struct {
	State                CircuitState
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
	RequestCount         int
	FailureRate          float64
	StateChanges         uint64
	OpenedAt             time.Time
}

// CircuitBreakerConfig is the subset of config.TransportConfig the breaker
// consumes; kept as distinct fields (rather than importing config
// directly) so the breaker can be unit tested without the config package.
type CircuitBreakerConfig struct {
	FailureThreshold     uint32
	SuccessThreshold     uint32
	RecoveryTimeout      time.Duration
	SlidingWindowSize    int
	FailureRateThreshold float64
	MinimumRequests      uint32
}

// CircuitBreaker implements the Closed/Open/HalfOpen state machine from
// original_source/agent-rust/src/circuit_breaker.rs: consecutive failures
// OR a failure rate over a minimum request count trip it open; after
// recovery_timeout the next Allow moves it to half-open, where calls pass
// through; any failure while
// half-open reopens it immediately, and success_threshold consecutive
// successes close it.
type CircuitBreaker struct {
	cfg    CircuitBreakerConfig
	logger *slog.Logger

	mu                   sync.Mutex
	state                CircuitState
	window               *slidingWindow
	consecutiveFailures  uint32
	consecutiveSuccesses uint32
	openedAt             time.Time
	stateChanges         uint64
}

func NewCircuitBreaker(cfg CircuitBreakerConfig, logger *slog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:    cfg,
		logger: logger,
		state:  StateClosed,
		window: newSlidingWindow(cfg.SlidingWindowSize),
	}
}

// Allow reports whether a request may proceed, transitioning Open to
// HalfOpen once the recovery timeout has elapsed.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.transitionTo(StateHalfOpen, "recovery_timeout_elapsed")
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess registers a successful call outcome.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.window.record(true)
	b.consecutiveFailures = 0
	b.consecutiveSuccesses++

	if b.state == StateHalfOpen && b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
		b.transitionTo(StateClosed, "success_threshold_reached")
	}
}

// RecordFailure registers a failed call outcome. Any failure observed
// while half-open reopens the circuit immediately (spec.md §4.4: "a
// single failure during the probe reopens the circuit").
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.window.record(false)
	b.consecutiveSuccesses = 0
	b.consecutiveFailures++

	if b.state == StateHalfOpen {
		b.transitionTo(StateOpen, "failure_during_probe")
		return
	}
	if b.state != StateClosed {
		return
	}

	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.transitionTo(StateOpen, "consecutive_failure_threshold")
		return
	}
	if uint32(b.window.requestCount()) >= b.cfg.MinimumRequests && b.window.failureRate() >= b.cfg.FailureRateThreshold {
		b.transitionTo(StateOpen, "failure_rate_threshold")
	}
}

// ForceOpen, ForceClosed, and ForceHalfOpen are manual overrides
// (spec.md §4.4: operator-triggered transitions), independent of the
// automatic trigger logic above.
func (b *CircuitBreaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateOpen, "forced_open")
}

func (b *CircuitBreaker) ForceClosed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window.clear()
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.transitionTo(StateClosed, "forced_closed")
}

func (b *CircuitBreaker) ForceHalfOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveSuccesses = 0
	b.transitionTo(StateHalfOpen, "forced_half_open")
}

// transitionTo is idempotent: transitioning to the current state is a
// no-op and does not bump stateChanges or re-log. Caller must hold b.mu.
func (b *CircuitBreaker) transitionTo(next CircuitState, reason string) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.stateChanges++
	if next == StateOpen {
		b.openedAt = time.Now()
	}
	if next == StateClosed {
		b.window.clear()
		b.consecutiveFailures = 0
	}
	if b.logger != nil {
		b.logger.Info("transport: circuit breaker transition",
			"from", prev.String(), "to", next.String(), "reason", reason)
	}
}

// State returns the breaker's current state.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a point-in-time snapshot of the breaker's counters.
func (b *CircuitBreaker) Stats() CircuitStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CircuitStats{
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		RequestCount:         b.window.requestCount(),
		FailureRate:          b.window.failureRate(),
		StateChanges:         b.stateChanges,
		OpenedAt:             b.openedAt,
	}
}
