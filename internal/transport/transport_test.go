package transport

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/securewatch/agent/internal/config"
	"github.com/securewatch/agent/internal/errs"
	"github.com/securewatch/agent/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTransportConfig(serverURL string) config.TransportConfig {
	return config.TransportConfig{
		ServerURL:            serverURL,
		BatchSize:            2,
		MaxAttempts:          3,
		InitialDelayMS:       1,
		MaxDelayMS:           5,
		Multiplier:           2.0,
		JitterFraction:       0,
		OverallDeadlineSec:   5,
		RequestTimeoutSec:    5,
		Compression:          false,
		FailureThreshold:     3,
		SuccessThreshold:     2,
		RecoveryTimeoutSec:   1,
		SlidingWindowSize:    10,
		FailureRateThreshold: 0.5,
		MinimumRequests:      4,
	}
}

func sampleEvents(n int) []model.ParsedEvent {
	events := make([]model.ParsedEvent, n)
	for i := range events {
		events[i] = model.ParsedEvent{
			Timestamp: time.Now().UTC(),
			Source:    "test",
			Message:   "hello",
			Fields:    map[string]model.Field{},
		}
	}
	return events
}

func TestSendBatchSucceedsAndUpdatesStats(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		var env envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		atomic.AddInt32(&received, int32(len(env.Events)))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr, err := New(testTransportConfig(srv.URL), "secret-token", testLogger())
	require.NoError(t, err)

	require.NoError(t, tr.SendBatch(t.Context(), sampleEvents(3)))
	require.Equal(t, int32(3), atomic.LoadInt32(&received), "3 events split into batch_size=2 sub-batches must all arrive")

	stats := tr.Stats()
	require.Equal(t, uint64(2), stats.BatchesSent, "3 events at batch_size=2 is two sub-batches")
	require.Equal(t, uint64(3), stats.EventsSent)
	require.Equal(t, StateClosed, stats.CircuitBreaker.State)
}

func TestSendBatchRetriesOnServerErrorThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr, err := New(testTransportConfig(srv.URL), "secret-token", testLogger())
	require.NoError(t, err)

	require.NoError(t, tr.SendBatch(t.Context(), sampleEvents(1)))
	require.Equal(t, int32(2), atomic.LoadInt32(&attempts), "first 500 must be retried once before succeeding")
}

func TestSendBatchDoesNotRetryOnAuthFailure(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr, err := New(testTransportConfig(srv.URL), "bad-token", testLogger())
	require.NoError(t, err)

	err = tr.SendBatch(t.Context(), sampleEvents(1))
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&attempts), "401 is terminal and must not be retried")
}

func TestSendBatchOpensCircuitAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testTransportConfig(srv.URL)
	cfg.MaxAttempts = 1 // isolate circuit-breaker behavior from the retry loop
	tr, err := New(cfg, "secret-token", testLogger())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_ = tr.SendBatch(t.Context(), sampleEvents(1))
	}
	require.Equal(t, StateOpen, tr.CircuitState(), "3 consecutive failures must trip failure_threshold=3")

	err = tr.SendBatch(t.Context(), sampleEvents(1))
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.KindTransportCircuitOpen, kind)
}

func TestSendBatchCompressesPayloadWhenEnabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		gz, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		var env envelope
		require.NoError(t, json.NewDecoder(gz).Decode(&env))
		require.Len(t, env.Events, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testTransportConfig(srv.URL)
	cfg.Compression = true
	tr, err := New(cfg, "secret-token", testLogger())
	require.NoError(t, err)
	require.NoError(t, tr.SendBatch(t.Context(), sampleEvents(1)))
}

func TestTestConnectionReportsServerHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr, err := New(testTransportConfig(srv.URL), "secret-token", testLogger())
	require.NoError(t, err)
	require.NoError(t, tr.TestConnection(t.Context()))
}

