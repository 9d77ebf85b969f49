// Package transport also assembles the outbound HTTP client (spec.md
// §4.4): TLS/mTLS, gzip compression, Bearer auth, batching with small
// inter-batch gaps, and the retry/circuit-breaker layers above guarding
// every request.
//
// Grounded on original_source/agent-rust/src/transport.rs for the
// mTLS/CA/compression wiring and the batch/sub-batch/retry shape,
// translated into net/http's *tls.Config plumbing (the idiomatic Go
// substitute for reqwest::ClientBuilder) and the teacher's
// atomic-counter-plus-snapshot-struct observability convention
// (internal/ratelimit/bucket.go, internal/buffer/buffer.go).
package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/pkcs12"

	"github.com/securewatch/agent/internal/buffer"
	"github.com/securewatch/agent/internal/config"
	"github.com/securewatch/agent/internal/errs"
	"github.com/securewatch/agent/internal/model"
)

// envelope is the wire payload's top-level shape (spec.md §6): the array
// of events plus agent identity and protocol version.
type envelope struct {
	Events    []model.ParsedEvent `json:"events"`
	AgentID   string               `json:"agent_id"`
	Timestamp time.Time            `json:"timestamp"`
	Version   string               `json:"version"`
}

const protocolVersion = "1.0.0"

// Stats is a point-in-time snapshot of the transport's observability
// counters (spec.md §4.4).
type Stats struct {
	BatchesSent    uint64
	BatchesFailed  uint64
	EventsSent     uint64
	BytesSent      uint64
	CircuitBreaker CircuitStats
}

// Transport is the circuit-protected outbound client (C5).
type Transport struct {
	cfg     config.TransportConfig
	apiKey  atomic.Value // string
	client  *http.Client
	breaker *CircuitBreaker
	logger  *slog.Logger

	batchesSent   atomic.Uint64
	batchesFailed atomic.Uint64
	eventsSent    atomic.Uint64
	bytesSent     atomic.Uint64
}

// New builds a Transport from cfg. apiKey is supplied by the credential
// store (C7) rather than read from cfg directly, so the bearer token never
// has to round-trip through the TOML file.
func New(cfg config.TransportConfig, apiKey string, logger *slog.Logger) (*Transport, error) {
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransportTLS, err, "configure tls").WithRetryable(false)
	}

	client := &http.Client{
		Timeout: cfg.RequestTimeout(),
		Transport: &http.Transport{
			TLSClientConfig:     tlsConfig,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:     cfg.FailureThreshold,
		SuccessThreshold:     cfg.SuccessThreshold,
		RecoveryTimeout:      cfg.RecoveryTimeout(),
		SlidingWindowSize:    cfg.SlidingWindowSize,
		FailureRateThreshold: cfg.FailureRateThreshold,
		MinimumRequests:      cfg.MinimumRequests,
	}, logger)

	tr := &Transport{cfg: cfg, client: client, breaker: breaker, logger: logger}
	tr.apiKey.Store(apiKey)
	return tr, nil
}

// SetAPIKey replaces the bearer token used on every subsequent request.
// Safe to call concurrently with in-flight requests; internal/agent calls
// this with the token it loads from the credential store (C7).
func (t *Transport) SetAPIKey(key string) {
	t.apiKey.Store(key)
}

func (t *Transport) currentAPIKey() string {
	v, _ := t.apiKey.Load().(string)
	return v
}

// buildTLSConfig wires mTLS client certificates (PEM pair or PKCS#12) and
// a custom CA bundle, mirroring transport.rs's configure_mtls_certificates
// / configure_custom_ca (PKCS8 PEM or PKCS12, CA via add_root_certificate).
func buildTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	tc := &tls.Config{InsecureSkipVerify: cfg.InsecureSkip}

	switch {
	case cfg.ClientCertPath != "" && cfg.ClientKeyPath != "":
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertPath, cfg.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client certificate/key: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	case cfg.ClientP12Path != "":
		data, err := os.ReadFile(cfg.ClientP12Path)
		if err != nil {
			return nil, fmt.Errorf("read client pkcs12 bundle: %w", err)
		}
		key, leaf, caCerts, err := pkcs12.DecodeChain(data, cfg.ClientP12Pass)
		if err != nil {
			return nil, fmt.Errorf("decode client pkcs12 bundle: %w", err)
		}
		chain := [][]byte{leaf.Raw}
		for _, c := range caCerts {
			chain = append(chain, c.Raw)
		}
		tc.Certificates = []tls.Certificate{{Certificate: chain, PrivateKey: key, Leaf: leaf}}
	}

	if cfg.CACertPath != "" {
		pem, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("read ca certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse ca certificate %q: no certificates found", cfg.CACertPath)
		}
		tc.RootCAs = pool
	}

	return tc, nil
}

// Run drains buf in FIFO order, grouping events into batches of at most
// cfg.BatchSize and sending each batch as soon as it fills or flushInterval
// elapses with anything pending, until ctx is cancelled.
func (t *Transport) Run(ctx context.Context, buf *buffer.Buffer, flushInterval time.Duration) error {
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	pending := make([]model.ParsedEvent, 0, t.cfg.BatchSize)
	drainOne := func() (bool, error) {
		rec, ok, err := buf.Receive(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		pending = append(pending, rec.Event)
		return true, nil
	}

	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := t.SendBatch(ctx, pending); err != nil && t.logger != nil {
			t.logger.Error("transport: batch send failed", "events", len(pending), "error", err)
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()
		case <-ticker.C:
			flush()
		default:
			got, err := drainOne()
			if err != nil {
				return err
			}
			if !got {
				select {
				case <-ctx.Done():
					flush()
					return ctx.Err()
				case <-ticker.C:
					flush()
				case <-time.After(50 * time.Millisecond):
				}
				continue
			}
			if len(pending) >= t.cfg.BatchSize {
				flush()
			}
		}
	}
}

// SendBatch splits events into sub-batches of at most cfg.BatchSize and
// sends each in turn with a small inter-batch gap (spec.md §4.4: "a short
// pause between sub-batches to avoid overwhelming the server", matching
// transport.rs's 10ms sleep).
func (t *Transport) SendBatch(ctx context.Context, events []model.ParsedEvent) error {
	if len(events) == 0 {
		return nil
	}
	size := t.cfg.BatchSize
	if size <= 0 || size > len(events) {
		size = len(events)
	}

	for start := 0; start < len(events); start += size {
		end := start + size
		if end > len(events) {
			end = len(events)
		}
		if err := t.sendOne(ctx, events[start:end]); err != nil {
			return err
		}
		if end < len(events) {
			select {
			case <-time.After(10 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// sendOne sends a single sub-batch through the circuit breaker and retry
// loop, recording the final outcome against the breaker exactly once.
func (t *Transport) sendOne(ctx context.Context, events []model.ParsedEvent) error {
	if !t.breaker.Allow() {
		t.batchesFailed.Add(1)
		return errs.New(errs.KindTransportCircuitOpen, "circuit breaker open, refusing request").
			With("events", len(events))
	}

	payload, err := t.preparePayload(events)
	if err != nil {
		return errs.Wrap(errs.KindTransportCompression, err, "prepare payload").WithRetryable(false)
	}

	policy := RetryPolicy{
		MaxAttempts:     t.cfg.MaxAttempts,
		InitialDelay:    time.Duration(t.cfg.InitialDelayMS) * time.Millisecond,
		MaxDelay:        time.Duration(t.cfg.MaxDelayMS) * time.Millisecond,
		Multiplier:      t.cfg.Multiplier,
		JitterFraction:  t.cfg.JitterFraction,
		OverallDeadline: t.cfg.OverallDeadline(),
	}

	sendErr := withRetry(ctx, policy, t.logger, func(attempt int) error {
		return t.doRequest(ctx, t.cfg.ServerURL, payload)
	})

	if sendErr != nil {
		t.breaker.RecordFailure()
		t.batchesFailed.Add(1)
		return sendErr
	}

	t.breaker.RecordSuccess()
	t.batchesSent.Add(1)
	t.eventsSent.Add(uint64(len(events)))
	t.bytesSent.Add(uint64(len(payload)))
	return nil
}

func (t *Transport) preparePayload(events []model.ParsedEvent) ([]byte, error) {
	env := envelope{Events: events, AgentID: "securewatch-agent", Timestamp: time.Now().UTC(), Version: protocolVersion}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if !t.cfg.Compression {
		return body, nil
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(body); err != nil {
		return nil, fmt.Errorf("gzip envelope: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

func (t *Transport) doRequest(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errs.Wrap(errs.KindTransportConnection, err, "build request").WithRetryable(false)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.Compression {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if key := t.currentAPIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(errs.KindTransportTimeout, err, "request timed out").WithRetryable(true)
		}
		return errs.Wrap(errs.KindTransportConnection, err, "request failed").WithRetryable(true)
	}
	defer resp.Body.Close()

	return classifyResponse(resp)
}

func classifyResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.New(errs.KindTransportAuth, "authentication rejected").
			With("status", resp.StatusCode).With("body", string(body)).WithRetryable(false)
	case resp.StatusCode == http.StatusTooManyRequests:
		e := errs.New(errs.KindTransportRateLimit, "server rate limited the request").
			With("status", resp.StatusCode)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			e = e.With("retry_after", ra)
		}
		return e.WithRetryable(true)
	case resp.StatusCode >= 500:
		return errs.New(errs.KindTransportServerError, "server error").
			With("status", resp.StatusCode).With("body", string(body)).WithRetryable(true)
	default:
		return errs.New(errs.KindTransportServerError, "client error").
			With("status", resp.StatusCode).With("body", string(body)).WithRetryable(false)
	}
}

// TestConnection probes the server's health endpoint without going
// through the batching or circuit-breaker layers (spec.md §4.4,
// grounded on transport.rs's test_connection).
func (t *Transport) TestConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.ServerURL+"/health", nil)
	if err != nil {
		return errs.Wrap(errs.KindTransportConnection, err, "build health check request").WithRetryable(false)
	}
	if key := t.currentAPIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindTransportConnection, err, "health check failed").WithRetryable(true)
	}
	defer resp.Body.Close()
	return classifyResponse(resp)
}

// CircuitState returns the breaker's current state.
func (t *Transport) CircuitState() CircuitState { return t.breaker.State() }

// Stats returns a point-in-time snapshot of the transport's counters.
func (t *Transport) Stats() Stats {
	return Stats{
		BatchesSent:    t.batchesSent.Load(),
		BatchesFailed:  t.batchesFailed.Load(),
		EventsSent:     t.eventsSent.Load(),
		BytesSent:      t.bytesSent.Load(),
		CircuitBreaker: t.breaker.Stats(),
	}
}
