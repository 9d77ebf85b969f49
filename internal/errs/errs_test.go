package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetryableDefaults(t *testing.T) {
	require.True(t, New(KindTransportServerError, "5xx").IsRetryable())
	require.False(t, New(KindTransportAuth, "bad credentials").IsRetryable())
	require.False(t, New(KindConfiguration, "bad toml").IsRetryable())
}

func TestRetryableOverride(t *testing.T) {
	e := New(KindTransportServerError, "5xx").WithRetryable(false)
	require.False(t, e.IsRetryable())
}

func TestIsRetryableViaErrorsAs(t *testing.T) {
	wrapped := Wrap(KindTransportTimeout, errors.New("deadline exceeded"), "request timed out")
	require.True(t, IsRetryable(wrapped))
	require.False(t, IsRetryable(errors.New("plain error")))
}

func TestRedaction(t *testing.T) {
	msg := Redact("login failed for password=hunter2 with api_key: sk-abc123")
	require.NotContains(t, msg, "hunter2")
	require.NotContains(t, msg, "sk-abc123")
	require.Contains(t, msg, "[REDACTED]")
}

func TestErrorContextChaining(t *testing.T) {
	e := New(KindBufferCapacity, "buffer full").
		With("current", 900).
		With("max", 1000)
	require.Equal(t, 900, e.Context["current"])
	require.Equal(t, 1000, e.Context["max"])
}
