// Package agent is the composition root: it constructs C1–C8 from a
// decoded config.Config, wires their broadcast channels together, and
// runs them under one errgroup until the process is told to stop —
// either by ctx cancellation (operator-initiated) or by the emergency
// shutdown coordinator's signal (resource-initiated).
//
// Grounded on the teacher's internal/conflicts/scorer.go errgroup usage
// (errgroup.WithContext plus g.Wait, the only errgroup consumer in the
// teacher repo) generalized from a bounded worker pool to a fixed set of
// long-running component loops — the teacher has no single composition
// root of its own since it is an HTTP service wired by cmd/main.go
// dependency injection rather than a pipeline of cooperating loops; this
// package follows the shape original_source/agent-rust/src/main.rs uses
// to spawn its component tasks, translated into Go's errgroup idiom.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/securewatch/agent/internal/buffer"
	"github.com/securewatch/agent/internal/config"
	"github.com/securewatch/agent/internal/credential"
	"github.com/securewatch/agent/internal/model"
	"github.com/securewatch/agent/internal/ratelimit"
	"github.com/securewatch/agent/internal/resource"
	"github.com/securewatch/agent/internal/resourcemgr"
	"github.com/securewatch/agent/internal/shutdown"
	"github.com/securewatch/agent/internal/throttle"
	"github.com/securewatch/agent/internal/transport"
)

// Agent owns every long-running component and their wiring.
type Agent struct {
	cfg    config.Config
	logger *slog.Logger

	Monitor     *resource.Monitor
	Buffer      *buffer.Buffer
	Limiter     *ratelimit.Limiter
	Throttle    *throttle.Throttle
	Transport   *transport.Transport
	Shutdown    *shutdown.Coordinator
	Credentials *credential.Store
	Resources   *resourcemgr.Manager
}

// New constructs every component from cfg. It does not start any
// background loop and does not initialize the credential store's master
// key — call Credentials.Initialize separately once the master password
// is available (spec.md §6: its absence must not prevent the rest of
// the agent from starting).
func New(cfg config.Config, logger *slog.Logger) (*Agent, error) {
	monitor := resource.New(cfg.ResourceMonitor, logger)

	buf, err := buffer.New(cfg.Buffer, logger)
	if err != nil {
		return nil, fmt.Errorf("agent: construct buffer: %w", err)
	}

	categories := make([]ratelimit.Category, 0, len(cfg.RateLimit))
	for name, c := range cfg.RateLimit {
		categories = append(categories, ratelimit.Category{
			Name: name, Capacity: c.Capacity, Refill: c.Refill, Priority: c.Priority,
		})
	}
	limiter := ratelimit.New(cfg.ResourceManager.GlobalRateCapacity, cfg.ResourceManager.GlobalRateRefill, categories)

	throt := throttle.New(cfg.Throttle, logger)

	// The transport starts with no bearer token; InitializeSecurity
	// supplies one once the credential store's master key is available
	// (spec.md §6: a missing master password must not block startup).
	tr, err := transport.New(cfg.Transport, "", logger)
	if err != nil {
		return nil, fmt.Errorf("agent: construct transport: %w", err)
	}

	coordinator := shutdown.New(cfg.EmergencyShutdown, logger)

	credStore, err := credential.New(cfg.Security, logger)
	if err != nil {
		return nil, fmt.Errorf("agent: construct credential store: %w", err)
	}

	resMgr := resourcemgr.New(cfg.ResourceManager, limiter, throt, logger)

	return &Agent{
		cfg: cfg, logger: logger,
		Monitor: monitor, Buffer: buf, Limiter: limiter, Throttle: throt,
		Transport: tr, Shutdown: coordinator, Credentials: credStore, Resources: resMgr,
	}, nil
}

// transportCredentialID names the credential-store entry holding the
// transport's bearer token (spec.md §2: "C7 supplies the transport's
// bearer credential on demand").
const transportCredentialID = "transport_bearer_token"

// InitializeSecurity derives the credential store's master key and, if a
// transport bearer token is already stored under transportCredentialID,
// loads it into the transport. A missing credential is logged, not
// fatal: the transport simply sends unauthenticated requests until one
// is stored via a.Credentials.Store.
func (a *Agent) InitializeSecurity(ctx context.Context, masterPassword string) error {
	if err := a.Credentials.Initialize(ctx, masterPassword); err != nil {
		return fmt.Errorf("agent: initialize credential store: %w", err)
	}
	token, err := a.Credentials.Get(transportCredentialID)
	if err != nil {
		a.logger.Warn("agent: no transport bearer token in credential store yet", "error", err)
		return nil
	}
	a.Transport.SetAPIKey(token)
	return nil
}

// Enqueue admits one parsed event into the durable buffer — the entry
// point collectors (out of scope, spec.md §1) call after parsing a raw
// event.
func (a *Agent) Enqueue(ctx context.Context, event model.ParsedEvent) error {
	return a.Buffer.Send(ctx, event)
}

// Run starts every component's loop and blocks until ctx is cancelled or
// the emergency shutdown coordinator signals a forced stop, whichever
// happens first. It returns nil in the former case and errShutdownForced
// in the latter so cmd/securewatch-agent can map it to the spec's exit
// code 3.
func (a *Agent) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	snapshotsForThrottle := a.Monitor.SubscribeSnapshots()
	snapshotsForResMgr := a.Monitor.SubscribeSnapshots()
	snapshotsForShutdown := a.Monitor.SubscribeSnapshots()
	alertsForShutdown := a.Monitor.SubscribeAlerts()

	g.Go(func() error { return a.Monitor.Run(gCtx) })

	g.Go(func() error {
		for {
			select {
			case <-gCtx.Done():
				return nil
			case snap, ok := <-snapshotsForThrottle:
				if !ok {
					return nil
				}
				a.Throttle.Observe(snap)
			}
		}
	})
	g.Go(func() error { a.Throttle.Run(gCtx); return nil })

	g.Go(func() error { a.Resources.Run(gCtx, snapshotsForResMgr); return nil })

	g.Go(func() error { a.Shutdown.Run(gCtx, alertsForShutdown, snapshotsForShutdown); return nil })

	g.Go(func() error { a.Credentials.RunRotationMonitor(gCtx); return nil })

	g.Go(func() error {
		return a.Transport.Run(gCtx, a.Buffer, a.cfg.Buffer.FlushInterval())
	})

	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return nil
		case <-a.Shutdown.ShutdownRequested():
			a.logger.Warn("agent: emergency shutdown signal received, stopping")
			return errShutdownForced
		}
	})

	err := g.Wait()
	a.Monitor.Unsubscribe(snapshotsForThrottle)
	a.Monitor.Unsubscribe(snapshotsForResMgr)
	a.Monitor.Unsubscribe(snapshotsForShutdown)
	a.Monitor.Unsubscribe(alertsForShutdown)

	if errors.Is(err, errShutdownForced) {
		return errShutdownForced
	}
	// A cancelled ctx is the normal stop; the ctx error a component loop
	// returns on its way out is not a failure.
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// Close releases every component holding an open file or connection.
func (a *Agent) Close() error {
	var firstErr error
	if err := a.Buffer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.Credentials.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

type agentError string

func (e agentError) Error() string { return string(e) }

const errShutdownForced = agentError("agent: emergency shutdown forced process exit")

// IsShutdownForced reports whether err is (or wraps) the sentinel Run
// returns when the emergency shutdown coordinator forced the stop,
// letting cmd/securewatch-agent map it to the spec's exit code 3.
func IsShutdownForced(err error) bool {
	return errors.Is(err, errShutdownForced)
}
