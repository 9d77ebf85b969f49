package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/securewatch/agent/internal/config"
	"github.com/securewatch/agent/internal/credential"
	"github.com/securewatch/agent/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, serverURL string) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Transport.ServerURL = serverURL
	cfg.Transport.OverallDeadlineSec = 2
	cfg.Transport.RequestTimeoutSec = 2
	cfg.Buffer.Persistent = false
	cfg.Buffer.PersistencePath = filepath.Join(dir, "buffer")
	cfg.Buffer.FlushIntervalSec = 1
	cfg.Security.CredentialStorePath = filepath.Join(dir, "credentials.json")
	cfg.Security.AuditLogPath = filepath.Join(dir, "audit.log")
	cfg.EmergencyShutdown.GracePeriodSec = 0
	return cfg
}

func TestNewWiresEveryComponent(t *testing.T) {
	a, err := New(testConfig(t, "http://example.invalid"), testLogger())
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Monitor)
	require.NotNil(t, a.Buffer)
	require.NotNil(t, a.Limiter)
	require.NotNil(t, a.Throttle)
	require.NotNil(t, a.Transport)
	require.NotNil(t, a.Shutdown)
	require.NotNil(t, a.Credentials)
	require.NotNil(t, a.Resources)
}

func TestInitializeSecurityStoresAndLoadsTransportToken(t *testing.T) {
	a, err := New(testConfig(t, "http://example.invalid"), testLogger())
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.InitializeSecurity(context.Background(), "test-master-password"))

	require.NoError(t, a.Credentials.Store(transportCredentialID, credential.TypeAPIKey, "secret-bearer-token", nil, false))
	require.NoError(t, a.InitializeSecurity(context.Background(), "test-master-password"))
}

func TestEnqueueDeliversThroughTransport(t *testing.T) {
	received := make(chan int, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- 1
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, err := New(testConfig(t, srv.URL), testLogger())
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Enqueue(context.Background(), model.ParsedEvent{
		Message: "hello", Source: "test",
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the enqueued event to be delivered")
	}
	cancel()
	<-done
}

func TestRunReturnsForcedShutdownErrorOnEmergencySignal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, err := New(testConfig(t, srv.URL), testLogger())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	a.Shutdown.RequestShutdown("test forced shutdown")

	select {
	case err := <-done:
		require.True(t, errors.Is(err, errShutdownForced))
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return once the shutdown coordinator signaled")
	}
}
