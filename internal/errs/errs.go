// Package errs defines the agent's error taxonomy (spec.md §7). Every
// error that crosses a component boundary is wrapped into an *Error
// carrying a Kind and the structured context a caller needs to act on it,
// following the teacher's fmt.Errorf("<pkg>: ...: %w", err) wrapping
// convention but adding a typed Kind so the retry layer and the circuit
// breaker can classify failures without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the subsystem that raised it.
type Kind int

const (
	KindConfiguration Kind = iota
	KindTransportConnection
	KindTransportServerError
	KindTransportTimeout
	KindTransportTLS
	KindTransportCompression
	KindTransportCircuitOpen
	KindTransportRateLimit
	KindTransportAuth
	KindCollector
	KindBufferCapacity
	KindBufferPersistence
	KindBufferCorruption
	KindBufferSerialization
	KindBufferChannel
	KindBufferWAL
	KindParser
	KindResource
	KindSecurity
	KindRuntimeChannel
	KindRuntimeShutdownTimeout
	KindRuntimeTaskJoin
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransportConnection:
		return "transport.connection"
	case KindTransportServerError:
		return "transport.server_error"
	case KindTransportTimeout:
		return "transport.timeout"
	case KindTransportTLS:
		return "transport.tls"
	case KindTransportCompression:
		return "transport.compression"
	case KindTransportCircuitOpen:
		return "transport.circuit_open"
	case KindTransportRateLimit:
		return "transport.rate_limit"
	case KindTransportAuth:
		return "transport.auth"
	case KindCollector:
		return "collector"
	case KindBufferCapacity:
		return "buffer.capacity"
	case KindBufferPersistence:
		return "buffer.persistence"
	case KindBufferCorruption:
		return "buffer.corruption"
	case KindBufferSerialization:
		return "buffer.serialization"
	case KindBufferChannel:
		return "buffer.channel"
	case KindBufferWAL:
		return "buffer.wal"
	case KindParser:
		return "parser"
	case KindResource:
		return "resource"
	case KindSecurity:
		return "security"
	case KindRuntimeChannel:
		return "runtime.channel"
	case KindRuntimeShutdownTimeout:
		return "runtime.shutdown_timeout"
	case KindRuntimeTaskJoin:
		return "runtime.task_join"
	default:
		return "unknown"
	}
}

// retryableKinds holds the kinds that are retryable independent of any
// per-instance override (spec.md §7: "5xx, connection failure, timeout,
// rate-limit with Retry-After" are retryable; auth/4xx/TLS are terminal).
var retryableKinds = map[Kind]bool{
	KindTransportConnection:  true,
	KindTransportServerError: true,
	KindTransportTimeout:     true,
	KindTransportRateLimit:   true,
	KindBufferPersistence:    true,
}

// Error is the agent's structured error type. Context carries whatever
// fields the raising component considers load-bearing (endpoint, attempt,
// buffer kind/current/max, operation, risk level, ...).
type Error struct {
	Kind      Kind
	Message   string
	Cause     error
	Context   map[string]any
	retryable *bool // overrides the Kind-level default when non-nil
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// With attaches a context field and returns the receiver for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 4)
	}
	e.Context[key] = value
	return e
}

// WithRetryable overrides the Kind-level retryability default.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.retryable = &retryable
	return e
}

func (e *Error) Error() string {
	msg := Redact(e.Message)
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, Redact(e.Cause.Error()))
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable reports whether the retry layer should attempt another try
// after this error. It is the single source of truth the retry loop
// consults (spec.md §7).
func (e *Error) IsRetryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return retryableKinds[e.Kind]
}

// IsRetryable extracts an *Error from err (via errors.As) and reports its
// retryability; a non-*Error is treated as non-retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.IsRetryable()
	}
	return false
}

// KindOf extracts the Kind from err, or false if err is not an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
