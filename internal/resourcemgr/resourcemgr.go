// Package resourcemgr implements the resource manager façade (C8,
// spec.md §4.8): it composes the rate limiter (C3), the resource
// sampler's pressure signal (C1), and the adaptive throttle (C4) behind
// one AcquirePermit operation.
//
// Grounded on original_source/agent-rust/src/resource_management.rs for
// the pressure-level derivation and the deny-by-category-under-pressure
// policy, scoped down to what spec.md §4.8 actually asks the façade to
// do (the original's CPU-affinity/GC-tuning/predictive-scaling
// subsystems are out of scope — see DESIGN.md). The subscriber pattern
// (façade reacts to broadcast snapshots rather than polling) follows
// internal/throttle.Throttle.Observe's convention for the same C1 feed.
package resourcemgr

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/securewatch/agent/internal/config"
	"github.com/securewatch/agent/internal/ratelimit"
	"github.com/securewatch/agent/internal/resource"
	"github.com/securewatch/agent/internal/throttle"
)

// PressureLevel classifies memory pressure from the latest snapshot
// against the configured thresholds.
type PressureLevel int

const (
	PressureNone PressureLevel = iota
	PressureLow
	PressureMedium
	PressureHigh
	PressureCritical
)

func (p PressureLevel) String() string {
	switch p {
	case PressureNone:
		return "none"
	case PressureLow:
		return "low"
	case PressureMedium:
		return "medium"
	case PressureHigh:
		return "high"
	case PressureCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// privilegedCategories bypass denial under High pressure (spec.md §4.8).
var privilegedCategories = map[string]bool{
	"emergency":      true,
	"health_check":   true,
	"critical_alert": true,
}

// Permit is returned by AcquirePermit on success. Release frees only the
// underlying throttle permit — tokens consumed from the rate limiter are
// never refunded (spec.md §4.8: "tokens are consumed irreversibly").
type Permit struct {
	throttlePermit *throttle.Permit
}

// Release returns the throttle slot. Safe to call more than once.
func (p *Permit) Release() {
	if p == nil || p.throttlePermit == nil {
		return
	}
	p.throttlePermit.Release()
}

// Denial explains why AcquirePermit refused a request.
type Denial int

const (
	DenyNone Denial = iota
	DenyRateLimited
	DenyMemoryPressure
	DenyThrottled
)

func (d Denial) String() string {
	switch d {
	case DenyRateLimited:
		return "rate_limited"
	case DenyMemoryPressure:
		return "memory_pressure"
	case DenyThrottled:
		return "throttled"
	default:
		return "none"
	}
}

// Stats reports the façade's counters for observability.
type Stats struct {
	PressureLevel      PressureLevel
	PressureScore      float64
	PermitsGranted     uint64
	PermitsDenied      uint64
	DeniedRateLimited  uint64
	DeniedPressure     uint64
	DeniedThrottled    uint64
	PressureTransitions uint64
}

// Manager is the C8 façade.
type Manager struct {
	cfg     config.ResourceManagerConfig
	limiter *ratelimit.Limiter
	throt   *throttle.Throttle
	logger  *slog.Logger

	mu       sync.RWMutex
	pressure PressureLevel
	score    float64

	granted      atomic.Uint64
	denied       atomic.Uint64
	deniedRate   atomic.Uint64
	deniedPress  atomic.Uint64
	deniedThrot  atomic.Uint64
	transitions  atomic.Uint64
}

// New constructs a Manager over an already-configured rate limiter and
// throttle (both owned by the composition root, which also subscribes
// them to the same C1 broadcast).
func New(cfg config.ResourceManagerConfig, limiter *ratelimit.Limiter, throt *throttle.Throttle, logger *slog.Logger) *Manager {
	return &Manager{cfg: cfg, limiter: limiter, throt: throt, logger: logger}
}

// Observe updates the façade's memory-pressure level from a fresh C1
// snapshot and, on a level transition, applies whichever adaptive
// responses the policy flags enable (spec.md §4.8: "on transition the
// façade may request buffer shrink, cache clear, or background-task
// suspension").
func (m *Manager) Observe(snap resource.Snapshot) {
	level := m.classify(snap.MemoryPercent)

	m.mu.Lock()
	old := m.pressure
	m.pressure = level
	m.score = snap.MemoryPercent
	m.mu.Unlock()

	if level == old {
		return
	}
	m.transitions.Add(1)
	m.logger.Info("resourcemgr: pressure level changed", "old", old.String(), "new", level.String(), "memory_percent", snap.MemoryPercent)
	m.applyAdaptiveResponse(level)
}

func (m *Manager) classify(memPercent float64) PressureLevel {
	th := m.cfg.PressureThresholds
	switch {
	case memPercent >= th.Critical:
		return PressureCritical
	case memPercent >= th.High:
		return PressureHigh
	case memPercent >= th.Medium:
		return PressureMedium
	case memPercent >= th.Low:
		return PressureLow
	default:
		return PressureNone
	}
}

// applyAdaptiveResponse logs the adaptive action a transition permits;
// the actual buffer-shrink/cache-clear/task-suspension hooks are owned
// by the composition root (the façade has no direct handle on the
// buffer or cache), so this only emits the intent the policy flags
// allow — mirroring AdaptiveResponseConfig's flags in the original,
// which likewise only gate whether an action *may* run.
func (m *Manager) applyAdaptiveResponse(level PressureLevel) {
	if level < PressureHigh {
		return
	}
	if m.cfg.ReduceBuffers {
		m.logger.Warn("resourcemgr: requesting buffer reduction under pressure", "level", level.String())
	}
	if m.cfg.ClearCaches {
		m.logger.Warn("resourcemgr: requesting cache clear under pressure", "level", level.String())
	}
	if m.cfg.SuspendBackgroundJob && level == PressureCritical {
		m.logger.Warn("resourcemgr: requesting background task suspension under critical pressure")
	}
}

// PressureLevel returns the façade's current memory-pressure level.
func (m *Manager) PressureLevel() PressureLevel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pressure
}

// AcquirePermit consults the rate limiter, the memory-pressure level,
// and finally the throttle, in that order (spec.md §4.8). It returns a
// Permit on success, or (nil, denial) describing which stage refused
// the request. ctx bounds only the throttle's blocking Acquire — the
// rate-limit and pressure checks are synchronous and non-blocking.
func (m *Manager) AcquirePermit(ctx context.Context, category string, tokens float64) (*Permit, Denial) {
	if m.limiter != nil && !m.limiter.TryConsume(category, tokens) {
		m.denied.Add(1)
		m.deniedRate.Add(1)
		return nil, DenyRateLimited
	}

	level := m.PressureLevel()
	if level == PressureCritical {
		m.denied.Add(1)
		m.deniedPress.Add(1)
		return nil, DenyMemoryPressure
	}
	if level == PressureHigh && !privilegedCategories[category] {
		m.denied.Add(1)
		m.deniedPress.Add(1)
		return nil, DenyMemoryPressure
	}

	if m.throt == nil {
		m.granted.Add(1)
		return &Permit{}, DenyNone
	}
	tp, err := m.throt.Acquire(ctx)
	if err != nil {
		m.denied.Add(1)
		m.deniedThrot.Add(1)
		return nil, DenyThrottled
	}
	m.granted.Add(1)
	return &Permit{throttlePermit: tp}, DenyNone
}

// TryAcquirePermit is the non-blocking counterpart of AcquirePermit: it
// never waits for a throttle slot, returning DenyThrottled immediately
// if none is free.
func (m *Manager) TryAcquirePermit(category string, tokens float64) (*Permit, Denial) {
	if m.limiter != nil && !m.limiter.TryConsume(category, tokens) {
		m.denied.Add(1)
		m.deniedRate.Add(1)
		return nil, DenyRateLimited
	}

	level := m.PressureLevel()
	if level == PressureCritical || (level == PressureHigh && !privilegedCategories[category]) {
		m.denied.Add(1)
		m.deniedPress.Add(1)
		return nil, DenyMemoryPressure
	}

	if m.throt == nil {
		m.granted.Add(1)
		return &Permit{}, DenyNone
	}
	tp := m.throt.TryAcquire()
	if tp == nil {
		m.denied.Add(1)
		m.deniedThrot.Add(1)
		return nil, DenyThrottled
	}
	m.granted.Add(1)
	return &Permit{throttlePermit: tp}, DenyNone
}

// Run subscribes Observe to a C1 snapshot feed until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, snapshots <-chan resource.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			m.Observe(snap)
		}
	}
}

// Stats returns a point-in-time snapshot of the façade's counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	level, score := m.pressure, m.score
	m.mu.RUnlock()
	return Stats{
		PressureLevel:       level,
		PressureScore:       score,
		PermitsGranted:      m.granted.Load(),
		PermitsDenied:       m.denied.Load(),
		DeniedRateLimited:   m.deniedRate.Load(),
		DeniedPressure:      m.deniedPress.Load(),
		DeniedThrottled:     m.deniedThrot.Load(),
		PressureTransitions: m.transitions.Load(),
	}
}
