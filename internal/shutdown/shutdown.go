// Package shutdown implements the emergency shutdown coordinator (C6,
// spec.md §4.6): it watches both C1's alert stream and raw resource
// snapshots, counts critical/emergency conditions inside a sliding
// window, and drives a Normal -> Critical -> ShuttingDown state machine
// that ends the process once a grace period elapses (or aborts back to
// Recovered if usage falls below a recovery margin). StateWarning is
// defined but no transition enters it.
//
// Grounded on original_source/agent-rust/src/emergency_shutdown.rs:
// same AlertTracker sliding window, same direct-threshold monitoring
// loop, same grace-period countdown with periodic warnings, same
// recovery-margin check — translated from three tokio::spawn tasks
// sharing Arc<RwLock<...>> state into the teacher's single
// mutex-guarded-struct-plus-goroutine convention (internal/resource's
// Monitor), since Go has no equivalent to splitting work across
// independently-spawned tasks that all borrow the same state.
package shutdown

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/securewatch/agent/internal/config"
	"github.com/securewatch/agent/internal/resource"
)

// State is a position in the coordinator's state machine.
type State int

const (
	StateNormal State = iota
	StateWarning
	StateCritical
	StateShuttingDown
	StateRecovered
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateWarning:
		return "warning"
	case StateCritical:
		return "critical"
	case StateShuttingDown:
		return "shutting_down"
	case StateRecovered:
		return "recovered"
	default:
		return "unknown"
	}
}

// EventType classifies a coordinator Event.
type EventType int

const (
	EventStateChange EventType = iota
	EventAlertReceived
	EventShutdownInitiated
	EventGracePeriodStarted
	EventForcefulShutdown
	EventRecoveryDetected
	EventShutdownAborted
)

// Event is one notification emitted on the coordinator's event channel
// (spec.md §4.6: "every transition and shutdown decision is observable").
type Event struct {
	At         time.Time
	Type       EventType
	State      State
	Reason     string
	AlertCount int
}

// Stats is a point-in-time snapshot of the coordinator's counters.
type Stats struct {
	CurrentState            State
	CriticalAlertsCount      int
	TotalAlertsReceived      uint64
	ShutdownInitiatedCount   uint64
	RecoveryCount            uint64
	ConsecutiveCriticalCount int
	UptimeSeconds            int64
}

// alertRecord is one (time, level) entry retained inside the sliding
// window; reasons are kept so a shutdown event can cite them.
type alertRecord struct {
	at     time.Time
	level  resource.AlertLevel
	reason string
}

// alertTracker is a time-windowed count of critical/emergency alerts
// (original's AlertTracker: a Vec pruned on every insert rather than a
// ring buffer, since the window is wall-clock bounded, not count bounded).
type alertTracker struct {
	mu      sync.Mutex
	records []alertRecord
	window  time.Duration
}

func newAlertTracker(window time.Duration) *alertTracker {
	return &alertTracker{window: window}
}

func (t *alertTracker) add(level resource.AlertLevel, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.records = append(t.records, alertRecord{at: now, level: level, reason: reason})
	t.prune(now)
}

func (t *alertTracker) prune(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.records) && t.records[i].at.Before(cutoff) {
		i++
	}
	t.records = t.records[i:]
}

func (t *alertTracker) criticalCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(time.Now())
	n := 0
	for _, r := range t.records {
		if r.level == resource.AlertCritical || r.level == resource.AlertEmergency {
			n++
		}
	}
	return n
}

func (t *alertTracker) recentReasons() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(time.Now())
	var reasons []string
	for _, r := range t.records {
		if r.level == resource.AlertCritical || r.level == resource.AlertEmergency {
			reasons = append(reasons, r.reason)
		}
	}
	return reasons
}

// Coordinator is the emergency shutdown state machine (C6).
type Coordinator struct {
	cfg    config.EmergencyShutdownConfig
	logger *slog.Logger

	tracker *alertTracker

	mu                       sync.Mutex
	state                    State
	shutdownInitiated        bool
	consecutiveEmergencyHits int
	lastSnapshot             *resource.Snapshot

	statsMu sync.Mutex
	stats   Stats

	events chan Event
	start  time.Time

	// shutdownSignal is closed exactly once, the moment a forceful
	// shutdown is decided (grace period elapsed); internal/agent's Run
	// selects on it (via ShutdownRequested) to begin process exit
	// (spec.md §4.6 / §6 exit codes).
	shutdownSignal chan struct{}
	signalOnce     sync.Once
}

// New constructs a Coordinator. The alert-window size comes from cfg
// (spec.md §4.6 alert_window_seconds).
func New(cfg config.EmergencyShutdownConfig, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:            cfg,
		logger:         logger,
		tracker:        newAlertTracker(cfg.AlertWindow()),
		state:          StateNormal,
		events:         make(chan Event, 256),
		start:          time.Now(),
		shutdownSignal: make(chan struct{}),
	}
}

// Events returns the channel shutdown-lifecycle events are published on.
func (c *Coordinator) Events() <-chan Event { return c.events }

// ShutdownRequested returns a channel closed the instant a forceful
// shutdown is decided.
func (c *Coordinator) ShutdownRequested() <-chan struct{} { return c.shutdownSignal }

// Run consumes C1's alert and snapshot channels and drives the state
// machine until ctx is cancelled (spec.md §4.6: three cooperating
// monitors — alert-driven, threshold-driven, and grace-period — folded
// into one goroutine dispatching on whichever channel is ready).
func (c *Coordinator) Run(ctx context.Context, alerts <-chan resource.Alert, snapshots <-chan resource.Snapshot) {
	if !anyShutdownTriggerEnabled(c.cfg) {
		c.logger.Info("shutdown: no triggers enabled, coordinator idle")
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var shutdownStart time.Time
	var inGrace bool

	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-alerts:
			if !ok {
				alerts = nil
				continue
			}
			c.handleAlert(a)
		case snap, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			c.handleSnapshot(snap)
		case <-ticker.C:
			c.statsMu.Lock()
			c.stats.UptimeSeconds = int64(time.Since(c.start).Seconds())
			c.statsMu.Unlock()

			if c.isShuttingDown() {
				if !inGrace {
					inGrace = true
					shutdownStart = time.Now()
					c.setState(StateShuttingDown)
					c.logger.Warn("shutdown: grace period started", "grace_period", c.cfg.GracePeriod())
					c.publish(Event{At: time.Now(), Type: EventGracePeriodStarted, State: StateShuttingDown,
						Reason: "grace period started"})
				}
				elapsed := time.Since(shutdownStart)
				if elapsed >= c.cfg.GracePeriod() {
					c.logger.Error("shutdown: grace period expired, forcing shutdown")
					c.publish(Event{At: time.Now(), Type: EventForcefulShutdown, State: StateShuttingDown,
						Reason: "grace period expired"})
					c.signalOnce.Do(func() { close(c.shutdownSignal) })
					return
				}
				remaining := c.cfg.GracePeriod() - elapsed
				if int(remaining.Seconds())%10 == 0 && remaining > 0 {
					c.logger.Warn("shutdown: countdown", "remaining", remaining.Round(time.Second))
				}
			} else if inGrace {
				inGrace = false
				c.publish(Event{At: time.Now(), Type: EventShutdownAborted, State: c.State(),
					Reason: "shutdown aborted due to recovery"})
			}
		}
	}
}

func anyShutdownTriggerEnabled(cfg config.EmergencyShutdownConfig) bool {
	return cfg.ShutdownOnCPU || cfg.ShutdownOnMemory || cfg.ShutdownOnDisk
}

func (c *Coordinator) handleAlert(a resource.Alert) {
	c.statsMu.Lock()
	c.stats.TotalAlertsReceived++
	c.statsMu.Unlock()

	c.tracker.add(a.Level, a.Message)
	count := c.tracker.criticalCount()

	c.statsMu.Lock()
	c.stats.CriticalAlertsCount = count
	c.stats.ConsecutiveCriticalCount = count
	c.statsMu.Unlock()

	c.publish(Event{At: time.Now(), Type: EventAlertReceived, State: c.State(),
		Reason: a.Resource + ": " + a.Message, AlertCount: count})

	if count < c.cfg.CriticalAlertThreshold || c.isShuttingDown() {
		return
	}
	if !c.resourceTriggerEnabled(a.Resource) || a.Level != resource.AlertEmergency {
		return
	}

	reasons := c.tracker.recentReasons()
	c.initiateShutdown("critical alerts: "+joinReasons(reasons), count)
}

func (c *Coordinator) resourceTriggerEnabled(resourceType string) bool {
	switch resourceType {
	case "cpu":
		return c.cfg.ShutdownOnCPU
	case "memory":
		return c.cfg.ShutdownOnMemory
	case "disk":
		return c.cfg.ShutdownOnDisk
	default:
		return false
	}
}

func (c *Coordinator) handleSnapshot(snap resource.Snapshot) {
	c.mu.Lock()
	c.lastSnapshot = &snap
	c.mu.Unlock()

	var conditions []string
	if c.cfg.ShutdownOnCPU && snap.CPUPercent >= 98 {
		conditions = append(conditions, "cpu")
	}
	if c.cfg.ShutdownOnMemory && snap.MemoryPercent >= 95 {
		conditions = append(conditions, "memory")
	}
	if c.cfg.ShutdownOnDisk {
		for _, d := range snap.Disks {
			if d.Percent >= 98 {
				conditions = append(conditions, "disk:"+d.MountPoint)
			}
		}
	}

	if len(conditions) > 0 {
		c.mu.Lock()
		c.consecutiveEmergencyHits++
		hits := c.consecutiveEmergencyHits
		c.mu.Unlock()

		if hits >= c.cfg.CriticalAlertThreshold && !c.isShuttingDown() {
			c.initiateShutdown("emergency thresholds exceeded: "+joinReasons(conditions), hits)
		}
		return
	}

	c.mu.Lock()
	hadHits := c.consecutiveEmergencyHits > 0
	c.consecutiveEmergencyHits = 0
	c.mu.Unlock()

	if !hadHits || !c.cfg.AllowRecovery || !c.isShuttingDown() {
		return
	}
	if c.recoveryConditionsMet(snap) {
		c.abortForRecovery(snap)
	}
}

// recoveryConditionsMet mirrors check_recovery_conditions: every
// monitored resource must sit at least recovery_margin_percent below its
// emergency threshold (hardcoded 98/95/98 here to match handleSnapshot's
// thresholds, since config.EmergencyShutdownConfig does not carry
// separate per-resource emergency percentages beyond the on/off flags —
// spec.md §4.6 inherits C1's per-resource Emergency threshold instead).
func (c *Coordinator) recoveryConditionsMet(snap resource.Snapshot) bool {
	margin := c.cfg.RecoveryMarginPct
	if c.cfg.ShutdownOnCPU && snap.CPUPercent >= 98-margin {
		return false
	}
	if c.cfg.ShutdownOnMemory && snap.MemoryPercent >= 95-margin {
		return false
	}
	if c.cfg.ShutdownOnDisk {
		for _, d := range snap.Disks {
			if d.Percent >= 98-margin {
				return false
			}
		}
	}
	return true
}

func (c *Coordinator) initiateShutdown(reason string, alertCount int) {
	c.mu.Lock()
	if c.shutdownInitiated {
		c.mu.Unlock()
		return
	}
	c.shutdownInitiated = true
	c.mu.Unlock()

	c.setState(StateCritical)
	c.logger.Error("shutdown: emergency shutdown initiated", "reason", reason)
	c.publish(Event{At: time.Now(), Type: EventShutdownInitiated, State: StateCritical,
		Reason: reason, AlertCount: alertCount})

	c.statsMu.Lock()
	c.stats.ShutdownInitiatedCount++
	c.statsMu.Unlock()
}

func (c *Coordinator) abortForRecovery(snap resource.Snapshot) {
	c.mu.Lock()
	c.shutdownInitiated = false
	c.mu.Unlock()

	c.setState(StateRecovered)
	c.logger.Info("shutdown: recovery conditions met, aborting shutdown")
	c.publish(Event{At: time.Now(), Type: EventRecoveryDetected, State: StateRecovered,
		Reason: "resource usage returned to safe levels"})

	c.statsMu.Lock()
	c.stats.RecoveryCount++
	c.statsMu.Unlock()
	_ = snap
}

// RequestShutdown lets another component (e.g. an operator command or
// C8's façade) trigger shutdown directly, bypassing the alert/threshold
// path (spec.md §4.6: "manual shutdown request").
func (c *Coordinator) RequestShutdown(reason string) {
	c.mu.Lock()
	if c.shutdownInitiated {
		c.mu.Unlock()
		return
	}
	c.shutdownInitiated = true
	c.mu.Unlock()

	c.setState(StateCritical)
	c.logger.Error("shutdown: manual shutdown requested", "reason", reason)
	c.publish(Event{At: time.Now(), Type: EventShutdownInitiated, State: StateCritical, Reason: reason})

	c.statsMu.Lock()
	c.stats.ShutdownInitiatedCount++
	c.statsMu.Unlock()
}

// AbortShutdown cancels an in-progress shutdown if recovery is allowed.
func (c *Coordinator) AbortShutdown() error {
	if !c.cfg.AllowRecovery {
		return errRecoveryDisabled
	}
	c.mu.Lock()
	if !c.shutdownInitiated {
		c.mu.Unlock()
		return nil
	}
	c.shutdownInitiated = false
	c.mu.Unlock()

	c.setState(StateRecovered)
	c.statsMu.Lock()
	c.stats.RecoveryCount++
	c.statsMu.Unlock()
	return nil
}

func (c *Coordinator) isShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdownInitiated
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.statsMu.Lock()
	c.stats.CurrentState = s
	c.statsMu.Unlock()
}

// State returns the coordinator's current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a point-in-time snapshot of the coordinator's counters.
func (c *Coordinator) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Coordinator) publish(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("shutdown: event channel full, dropping event")
	}
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += ", "
		}
		out += r
	}
	return out
}

var errRecoveryDisabled = shutdownError("shutdown: recovery not allowed in configuration")

type shutdownError string

func (e shutdownError) Error() string { return string(e) }
