// Package resource implements the continuous resource sampler (C1,
// spec.md §4.5): a periodic sampling loop over CPU, memory, disk, and
// network, with CPU and memory smoothed by an EMA, each classified into an
// alert level and broadcast to every interested subscriber. System
// temperature is not sampled.
//
// Grounded on original_source/agent-rust/src/resource_monitor.rs for the
// metric shape, smoothing factor, and threshold-level semantics, and on
// the teacher's internal/server.Broker for the fan-out-to-subscribers
// pattern (a map of buffered channels under an RWMutex, slow subscribers
// dropped rather than blocking the sampler).
package resource

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"

	"github.com/securewatch/agent/internal/config"
)

// AlertLevel classifies how far a resource metric sits past its thresholds.
type AlertLevel int

const (
	AlertNormal AlertLevel = iota
	AlertWarning
	AlertCritical
	AlertEmergency
)

func (l AlertLevel) String() string {
	switch l {
	case AlertNormal:
		return "normal"
	case AlertWarning:
		return "warning"
	case AlertCritical:
		return "critical"
	case AlertEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

func levelFor(value float64, th config.ThrottleThresholds) AlertLevel {
	switch {
	case value >= th.Emergency:
		return AlertEmergency
	case value >= th.Aggressive:
		return AlertCritical
	case value >= th.Start:
		return AlertWarning
	default:
		return AlertNormal
	}
}

// ProcessInfo is one entry in a snapshot's top-N CPU consumers.
type ProcessInfo struct {
	PID           int32
	Name          string
	CPUPercent    float64
	MemoryPercent float32
}

// DiskInfo is one mounted filesystem's usage.
type DiskInfo struct {
	MountPoint string
	Total      uint64
	Used       uint64
	Percent    float64
}

// NetInfo is one network interface's cumulative counters and derived
// throughput since the previous sample.
type NetInfo struct {
	Interface    string
	BytesRecv    uint64
	BytesSent    uint64
	ThroughputMB float64 // megabits/sec since the previous sample
}

// Snapshot is an immutable point-in-time reading, EMA-smoothed values
// included alongside the raw reading (spec.md §3: snapshot values are
// immutable).
type Snapshot struct {
	At            time.Time
	CPUPercent    float64
	CPUMean       float64
	MemoryPercent float64
	MemoryMean    float64
	Disks         []DiskInfo
	Networks      []NetInfo
	TopProcesses  []ProcessInfo
	UptimeSeconds uint64
}

// Alert is emitted whenever a resource's value (the EMA-smoothed mean for
// CPU and memory, the raw reading for disk and network) crosses into a
// new, non-Normal alert level.
type Alert struct {
	At        time.Time
	Resource  string
	Name      string
	Level     AlertLevel
	Value     float64
	Threshold float64
	Message   string
}

// Stats is the sampler's own observability surface.
type Stats struct {
	Cycles        uint64
	AlertsRaised  uint64
	PeakCPU       float64
	PeakMemory    float64
}

type ema struct {
	mu     sync.Mutex
	value  float64
	primed bool
}

const alpha = 0.1

func (e *ema) update(v float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.primed {
		e.value = v
		e.primed = true
	} else {
		e.value = alpha*v + (1-alpha)*e.value
	}
	return e.value
}

type lastCounters struct {
	recv, sent uint64
	at         time.Time
}

// Monitor owns the sampling loop and its subscriber fan-out.
type Monitor struct {
	cfg    config.ResourceMonitorConfig
	logger *slog.Logger

	cpuEMA *ema
	memEMA *ema

	mu            sync.RWMutex
	snapshotSubs  map[chan Snapshot]struct{}
	alertSubs     map[chan Alert]struct{}
	lastNet       map[string]lastCounters
	currentLevels map[string]AlertLevel // last level per resource, for edge-triggered alerts

	start time.Time

	statsMu sync.Mutex
	stats   Stats
}

// New constructs a Monitor. Sampling does not begin until Run is called.
func New(cfg config.ResourceMonitorConfig, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:           cfg,
		logger:        logger,
		cpuEMA:        &ema{},
		memEMA:        &ema{},
		snapshotSubs:  make(map[chan Snapshot]struct{}),
		alertSubs:     make(map[chan Alert]struct{}),
		lastNet:       make(map[string]lastCounters),
		currentLevels: make(map[string]AlertLevel),
		start:         time.Now(),
	}
}

// SubscribeSnapshots returns a channel fed one Snapshot per sampling cycle.
func (m *Monitor) SubscribeSnapshots() chan Snapshot {
	ch := make(chan Snapshot, 16)
	m.mu.Lock()
	m.snapshotSubs[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

// SubscribeAlerts returns a channel fed one Alert per level transition.
func (m *Monitor) SubscribeAlerts() chan Alert {
	ch := make(chan Alert, 64)
	m.mu.Lock()
	m.alertSubs[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a snapshot or alert channel obtained from
// one of the Subscribe* methods.
func (m *Monitor) Unsubscribe(ch any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch c := ch.(type) {
	case chan Snapshot:
		if _, ok := m.snapshotSubs[c]; ok {
			delete(m.snapshotSubs, c)
			close(c)
		}
	case chan Alert:
		if _, ok := m.alertSubs[c]; ok {
			delete(m.alertSubs, c)
			close(c)
		}
	}
}

// Run samples on cfg.MonitoringInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.cfg.MonitoringInterval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap, err := m.sample(ctx)
			if err != nil {
				m.logger.Warn("resource: sampling cycle failed", "error", err)
				continue
			}
			m.statsMu.Lock()
			m.stats.Cycles++
			if snap.CPUPercent > m.stats.PeakCPU {
				m.stats.PeakCPU = snap.CPUPercent
			}
			if snap.MemoryPercent > m.stats.PeakMemory {
				m.stats.PeakMemory = snap.MemoryPercent
			}
			m.statsMu.Unlock()

			m.broadcastSnapshot(snap)
			m.evaluateAlerts(snap)
		}
	}
}

// sample collects one reading across every resource concurrently, using
// errgroup the way the teacher's internal/conflicts/scorer.go fans out
// independent work.
func (m *Monitor) sample(ctx context.Context) (Snapshot, error) {
	var (
		cpuPct   float64
		memPct   float64
		disks    []DiskInfo
		nets     []NetInfo
		procs    []ProcessInfo
		uptime   uint64
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		pcts, err := cpu.PercentWithContext(gctx, 0, false)
		if err != nil {
			return err
		}
		if len(pcts) > 0 {
			cpuPct = pcts[0]
		}
		return nil
	})

	g.Go(func() error {
		vm, err := mem.VirtualMemoryWithContext(gctx)
		if err != nil {
			return err
		}
		memPct = vm.UsedPercent
		return nil
	})

	g.Go(func() error {
		parts, err := disk.PartitionsWithContext(gctx, false)
		if err != nil {
			return err
		}
		for _, p := range parts {
			u, err := disk.UsageWithContext(gctx, p.Mountpoint)
			if err != nil {
				continue
			}
			disks = append(disks, DiskInfo{MountPoint: p.Mountpoint, Total: u.Total, Used: u.Used, Percent: u.UsedPercent})
		}
		return nil
	})

	g.Go(func() error {
		counters, err := net.IOCountersWithContext(gctx, true)
		if err != nil {
			return err
		}
		now := time.Now()
		m.mu.Lock()
		for _, c := range counters {
			var throughput float64
			if prev, ok := m.lastNet[c.Name]; ok {
				elapsed := now.Sub(prev.at).Seconds()
				if elapsed > 0 {
					deltaBytes := float64((c.BytesRecv - prev.recv) + (c.BytesSent - prev.sent))
					throughput = deltaBytes * 8 / 1_000_000 / elapsed
				}
			}
			m.lastNet[c.Name] = lastCounters{recv: c.BytesRecv, sent: c.BytesSent, at: now}
			nets = append(nets, NetInfo{Interface: c.Name, BytesRecv: c.BytesRecv, BytesSent: c.BytesSent, ThroughputMB: throughput})
		}
		m.mu.Unlock()
		return nil
	})

	if m.cfg.TopNProcesses > 0 {
		g.Go(func() error {
			pids, err := process.PidsWithContext(gctx)
			if err != nil {
				return err
			}
			type scored struct {
				info ProcessInfo
			}
			var collected []scored
			for _, pid := range pids {
				p, err := process.NewProcessWithContext(gctx, pid)
				if err != nil {
					continue
				}
				cpuP, err := p.CPUPercentWithContext(gctx)
				if err != nil {
					continue
				}
				name, _ := p.NameWithContext(gctx)
				memP, _ := p.MemoryPercentWithContext(gctx)
				collected = append(collected, scored{ProcessInfo{PID: pid, Name: name, CPUPercent: cpuP, MemoryPercent: memP}})
			}
			sort.Slice(collected, func(i, j int) bool { return collected[i].info.CPUPercent > collected[j].info.CPUPercent })
			n := m.cfg.TopNProcesses
			if n > len(collected) {
				n = len(collected)
			}
			for i := 0; i < n; i++ {
				procs = append(procs, collected[i].info)
			}
			return nil
		})
	}

	g.Go(func() error {
		u, err := host.UptimeWithContext(gctx)
		if err != nil {
			return err
		}
		uptime = u
		return nil
	})

	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		At:            time.Now(),
		CPUPercent:    cpuPct,
		CPUMean:       m.cpuEMA.update(cpuPct),
		MemoryPercent: memPct,
		MemoryMean:    m.memEMA.update(memPct),
		Disks:         disks,
		Networks:      nets,
		TopProcesses:  procs,
		UptimeSeconds: uptime,
	}
	return snap, nil
}

func (m *Monitor) broadcastSnapshot(snap Snapshot) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for ch := range m.snapshotSubs {
		select {
		case ch <- snap:
		default:
			m.logger.Warn("resource: dropped snapshot for slow subscriber")
		}
	}
}

func (m *Monitor) publishAlert(a Alert) {
	m.statsMu.Lock()
	m.stats.AlertsRaised++
	m.statsMu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for ch := range m.alertSubs {
		select {
		case ch <- a:
		default:
			m.logger.Warn("resource: dropped alert for slow subscriber", "resource", a.Resource)
		}
	}
}

// evaluateAlerts checks the CPU and memory means, each disk's usage, and
// each network interface's throughput against configured thresholds and
// raises one Alert per edge transition into (or out of,
// logged but not separately alerted) a non-Normal level.
func (m *Monitor) evaluateAlerts(snap Snapshot) {
	m.checkLevel("cpu", "global", snap.CPUMean, m.cfg.CPU)
	m.checkLevel("memory", "system", snap.MemoryMean, m.cfg.Memory)
	for _, d := range snap.Disks {
		m.checkLevel("disk", d.MountPoint, d.Percent, m.cfg.Disk)
	}
	for _, n := range snap.Networks {
		m.checkLevel("network", n.Interface, n.ThroughputMB, m.cfg.Network)
	}
}

func (m *Monitor) checkLevel(resourceType, name string, value float64, th config.ThrottleThresholds) {
	level := levelFor(value, th)
	key := resourceType + ":" + name

	m.mu.Lock()
	prev := m.currentLevels[key]
	m.currentLevels[key] = level
	m.mu.Unlock()

	if level == prev {
		return
	}
	if level == AlertNormal {
		m.logger.Info("resource: alert cleared", "resource", resourceType, "name", name, "value", value)
		return
	}

	threshold := th.Start
	switch level {
	case AlertCritical:
		threshold = th.Aggressive
	case AlertEmergency:
		threshold = th.Emergency
	}

	alert := Alert{
		At:        time.Now(),
		Resource:  resourceType,
		Name:      name,
		Level:     level,
		Value:     value,
		Threshold: threshold,
		Message:   fmt.Sprintf("%s %s at %.1f (%s threshold %.1f)", resourceType, name, value, level.String(), threshold),
	}
	m.logger.Warn("resource: threshold exceeded", "resource", resourceType, "name", name, "level", level.String(), "value", value)
	m.publishAlert(alert)
}

// Stats returns a point-in-time snapshot of the sampler's own counters.
func (m *Monitor) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}
