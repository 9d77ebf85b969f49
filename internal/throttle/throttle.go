// Package throttle implements the adaptive concurrency permit pool (C4,
// spec.md §4.3): a semaphore-backed permit pool whose size is continuously
// resized from 60-second sliding means of CPU/memory usage.
//
// Grounded on original_source/agent-rust/src/throttle.rs for the exact
// threshold bands and permit-fraction ranges, translated into Go's
// semaphore-via-buffered-channel idiom (the standard substitute for
// tokio::sync::Semaphore) and the teacher's RWMutex-guarded-state
// convention for the resizable parameters.
package throttle

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/securewatch/agent/internal/config"
	"github.com/securewatch/agent/internal/resource"
)

// Level classifies the current throttling posture.
type Level int

const (
	LevelNormal Level = iota
	LevelLight
	LevelModerate
	LevelAggressive
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelLight:
		return "light"
	case LevelModerate:
		return "moderate"
	case LevelAggressive:
		return "aggressive"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Event describes one throttle transition (spec.md §4.3: "Every
// transition emits an event describing old/new permits, level, trigger,
// and smoothed usages").
type Event struct {
	At          time.Time
	OldPermits  int
	NewPermits  int
	Level       Level
	Trigger     string
	CPUMean     float64
	MemoryMean  float64
}

// Permit is released back to the pool when the caller is done with it.
type Permit struct {
	release func()
	once    sync.Once
}

// Release returns the permit to the pool. Safe to call more than once.
func (p *Permit) Release() {
	p.once.Do(func() {
		if p.release != nil {
			p.release()
		}
	})
}

// ema is a single-value exponential moving average, α=0.1 to match the
// resource sampler's smoothing convention (spec.md §4.5).
type ema struct {
	mu      sync.Mutex
	value   float64
	primed  bool
	samples []sample
}

type sample struct {
	at    time.Time
	value float64
}

const alpha = 0.1
const slidingWindow = 60 * time.Second

func (e *ema) add(v float64, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.primed {
		e.value = v
		e.primed = true
	} else {
		e.value = alpha*v + (1-alpha)*e.value
	}
	e.samples = append(e.samples, sample{at: now, value: v})
	cutoff := now.Add(-slidingWindow)
	i := 0
	for i < len(e.samples) && e.samples[i].at.Before(cutoff) {
		i++
	}
	e.samples = e.samples[i:]
}

// mean60s returns the plain mean of samples within the last 60 seconds
// (spec.md §4.3: "maintains two 60-second sliding means"), distinct from
// the single-value EMA kept alongside it for the resource sampler's own
// smoothing needs.
func (e *ema) mean60s() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range e.samples {
		sum += s.value
	}
	return sum / float64(len(e.samples))
}

// Throttle owns the permit pool and its adaptive resizing loop.
type Throttle struct {
	cfg    config.ThrottleConfig
	logger *slog.Logger

	mu       sync.Mutex
	sem      chan struct{}
	capacity int // current pool size; len(sem) buffer is fixed at max_permits

	burstActive bool
	burstUntil  time.Time

	cpu *ema
	mem *ema

	events chan Event

	totalAcquisitions atomic64
	totalThrottled    atomic64
	emergencyCount    atomic64
	burstCount        atomic64
}

type atomic64 struct {
	mu sync.Mutex
	v  uint64
}

func (a *atomic64) add(n uint64) {
	a.mu.Lock()
	a.v += n
	a.mu.Unlock()
}

func (a *atomic64) load() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

// New constructs a Throttle with the pool initialized to base_permits. The
// channel is always sized max_permits so the pool can grow without
// reallocation; only base_permits tokens are placed in it, and a later
// increase adds more.
func New(cfg config.ThrottleConfig, logger *slog.Logger) *Throttle {
	t := &Throttle{
		cfg:      cfg,
		logger:   logger,
		sem:      make(chan struct{}, cfg.MaxPermits),
		capacity: cfg.BasePermits,
		cpu:      &ema{},
		mem:      &ema{},
		events:   make(chan Event, 64),
	}
	for i := 0; i < cfg.BasePermits; i++ {
		t.sem <- struct{}{}
	}
	return t
}

// Acquire blocks until a permit is available or ctx is cancelled.
func (t *Throttle) Acquire(ctx context.Context) (*Permit, error) {
	select {
	case <-t.sem:
		t.totalAcquisitions.add(1)
		return &Permit{release: func() { t.sem <- struct{}{} }}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire returns nil without waiting if no permit is immediately
// available.
func (t *Throttle) TryAcquire() *Permit {
	select {
	case <-t.sem:
		t.totalAcquisitions.add(1)
		return &Permit{release: func() { t.sem <- struct{}{} }}
	default:
		t.totalThrottled.add(1)
		return nil
	}
}

// Observe feeds one resource snapshot's CPU/memory percentages into the
// sliding means. Called once per C1 tick.
func (t *Throttle) Observe(snap resource.Snapshot) {
	now := time.Now()
	t.cpu.add(snap.CPUPercent, now)
	t.mem.add(snap.MemoryPercent, now)
}

// Events returns the channel transitions are published on.
func (t *Throttle) Events() <-chan Event { return t.events }

// Run drives the periodic adjustment loop until ctx is cancelled.
func (t *Throttle) Run(ctx context.Context) {
	interval := t.cfg.AdjustmentInterval()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.adjust()
		}
	}
}

// bandOf places mean into one of the five levels: below Start is Normal,
// [Start, midpoint) is Light, [midpoint, Aggressive) is Moderate,
// [Aggressive, Emergency) is Aggressive, and >= Emergency is Emergency.
func bandOf(th config.ThrottleThresholds, mean float64) Level {
	midpoint := th.Start + 0.5*(th.Aggressive-th.Start)
	switch {
	case mean >= th.Emergency:
		return LevelEmergency
	case mean >= th.Aggressive:
		return LevelAggressive
	case mean >= midpoint:
		return LevelModerate
	case mean >= th.Start:
		return LevelLight
	default:
		return LevelNormal
	}
}

func (t *Throttle) classify(cpuMean, memMean float64) (Level, float64) {
	cpuLevel := bandOf(t.cfg.CPUThresholds, cpuMean)
	memLevel := bandOf(t.cfg.MemoryThresholds, memMean)
	if cpuLevel >= memLevel {
		return cpuLevel, cpuMean
	}
	return memLevel, memMean
}

func (t *Throttle) adjust() {
	cpuMean := t.cpu.mean60s()
	memMean := t.mem.mean60s()
	level, _ := t.classify(cpuMean, memMean)

	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.capacity
	var target int
	trigger := level.String()

	switch level {
	case LevelNormal:
		target = t.cfg.BasePermits
		if t.cfg.EnableBurst && cpuMean < 30 && memMean < 40 {
			if !t.burstActive {
				t.burstActive = true
				t.burstUntil = time.Now().Add(t.cfg.BurstDuration())
				t.burstCount.add(1)
				trigger = "burst_start"
			}
			if time.Now().Before(t.burstUntil) {
				target = t.cfg.BasePermits + t.cfg.BurstPermits
			} else {
				t.burstActive = false
			}
		} else {
			t.burstActive = false
		}
	case LevelLight:
		t.burstActive = false
		target = scaleDown(t.cfg.BasePermits, 0.10, 0.30, jitterFraction())
	case LevelModerate:
		t.burstActive = false
		target = scaleDown(t.cfg.BasePermits, 0.30, 0.60, jitterFraction())
	case LevelAggressive:
		t.burstActive = false
		target = scaleDown(t.cfg.BasePermits, 0.60, 0.80, jitterFraction())
		if target < t.cfg.MinPermits {
			target = t.cfg.MinPermits
		}
	case LevelEmergency:
		t.burstActive = false
		target = t.cfg.EmergencyPermits
		t.emergencyCount.add(1)
	}

	// Emergency intentionally overrides the min_permits floor: it is the
	// one level allowed to squeeze the pool tighter than normal operation
	// ever would (spec.md §4.3).
	if level != LevelEmergency && target < t.cfg.MinPermits {
		target = t.cfg.MinPermits
	}
	if target > t.cfg.MaxPermits {
		target = t.cfg.MaxPermits
	}
	if target < 0 {
		target = 0
	}

	if target == old {
		return
	}

	if target > old {
		for i := 0; i < target-old; i++ {
			t.sem <- struct{}{}
		}
	} else {
		go func(n int) {
			// Reductions "wait-and-forget permits" (spec.md §4.3): drain
			// n permits from the pool without blocking the caller of
			// adjust(), taking whatever time in-flight work needs to
			// release them.
			for i := 0; i < n; i++ {
				<-t.sem
			}
		}(old - target)
	}
	t.capacity = target

	ev := Event{
		At:         time.Now(),
		OldPermits: old,
		NewPermits: target,
		Level:      level,
		Trigger:    trigger,
		CPUMean:    cpuMean,
		MemoryMean: memMean,
	}
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("throttle: event channel full, dropping transition event")
	}
	t.logger.Info("throttle: adjusted", "old", old, "new", target, "level", level.String(), "cpu_mean", cpuMean, "memory_mean", memMean)
}

// jitterFraction returns a value in [0, 1) used to position the permit
// reduction within its band (math/rand/v2, matching the teacher's
// non-crypto jitter convention). Randomizing within the band, rather than
// always reducing by the same amount, keeps every throttled agent in a
// fleet from converging on identical permit counts at identical instants.
func jitterFraction() float64 {
	return rand.Float64()
}

func scaleDown(base int, lo, hi, frac float64) int {
	reduction := lo + frac*(hi-lo)
	return int(float64(base) * (1 - reduction))
}

// CurrentPermits returns the pool's current target capacity.
func (t *Throttle) CurrentPermits() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.capacity
}

// Stats exposes the throttle's observability counters (spec.md §4.3).
type Stats struct {
	CurrentPermits     int
	TotalAcquisitions  uint64
	TotalThrottled     uint64
	EmergencyCount     uint64
	BurstCount         uint64
	CPUMean            float64
	MemoryMean         float64
}

func (t *Throttle) Stats() Stats {
	return Stats{
		CurrentPermits:    t.CurrentPermits(),
		TotalAcquisitions: t.totalAcquisitions.load(),
		TotalThrottled:    t.totalThrottled.load(),
		EmergencyCount:    t.emergencyCount.load(),
		BurstCount:        t.burstCount.load(),
		CPUMean:           t.cpu.mean60s(),
		MemoryMean:        t.mem.mean60s(),
	}
}
