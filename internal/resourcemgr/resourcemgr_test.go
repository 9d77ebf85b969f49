package resourcemgr

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/securewatch/agent/internal/config"
	"github.com/securewatch/agent/internal/ratelimit"
	"github.com/securewatch/agent/internal/resource"
	"github.com/securewatch/agent/internal/throttle"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testResourceManagerConfig() config.ResourceManagerConfig {
	return config.ResourceManagerConfig{
		GlobalRateCapacity:   10,
		GlobalRateRefill:     1,
		PressureThresholds:   config.MemoryPressureThresholds{Low: 60, Medium: 75, High: 85, Critical: 95},
		ReduceBuffers:        true,
		ClearCaches:          true,
		SuspendBackgroundJob: true,
	}
}

func testThrottle(base int) *throttle.Throttle {
	return throttle.New(config.ThrottleConfig{
		BasePermits: base, MinPermits: 1, MaxPermits: base + 10,
		CPUThresholds:    config.ThrottleThresholds{Start: 70, Aggressive: 85, Emergency: 95},
		MemoryThresholds: config.ThrottleThresholds{Start: 75, Aggressive: 85, Emergency: 95},
		EmergencyPermits: 1,
	}, testLogger())
}

func TestAcquirePermitSucceedsUnderNormalConditions(t *testing.T) {
	limiter := ratelimit.New(10, 1, []ratelimit.Category{{Name: "ingest", Capacity: 10, Refill: 1, Priority: 100}})
	m := New(testResourceManagerConfig(), limiter, testThrottle(2), testLogger())

	p, denial := m.AcquirePermit(context.Background(), "ingest", 1)
	require.Equal(t, DenyNone, denial)
	require.NotNil(t, p)
	p.Release()
}

func TestAcquirePermitDeniedWhenRateLimitExhausted(t *testing.T) {
	limiter := ratelimit.New(1, 0.001, []ratelimit.Category{{Name: "ingest", Capacity: 1, Refill: 0.001, Priority: 100}})
	m := New(testResourceManagerConfig(), limiter, testThrottle(5), testLogger())

	_, denial := m.AcquirePermit(context.Background(), "ingest", 1)
	require.Equal(t, DenyNone, denial)

	_, denial = m.AcquirePermit(context.Background(), "ingest", 1)
	require.Equal(t, DenyRateLimited, denial)
}

func TestAcquirePermitDeniedUnderCriticalPressureRegardlessOfCategory(t *testing.T) {
	limiter := ratelimit.New(100, 100, nil)
	m := New(testResourceManagerConfig(), limiter, testThrottle(5), testLogger())
	m.Observe(resource.Snapshot{MemoryPercent: 99})

	_, denial := m.AcquirePermit(context.Background(), "emergency", 1)
	require.Equal(t, DenyMemoryPressure, denial, "critical pressure denies every category, even privileged ones")
}

func TestAcquirePermitUnderHighPressureAllowsOnlyPrivilegedCategories(t *testing.T) {
	limiter := ratelimit.New(100, 100, nil)
	m := New(testResourceManagerConfig(), limiter, testThrottle(5), testLogger())
	m.Observe(resource.Snapshot{MemoryPercent: 90})

	_, denial := m.AcquirePermit(context.Background(), "bulk_upload", 1)
	require.Equal(t, DenyMemoryPressure, denial)

	p, denial := m.AcquirePermit(context.Background(), "health_check", 1)
	require.Equal(t, DenyNone, denial)
	require.NotNil(t, p)
}

func TestTryAcquirePermitDeniedWhenThrottleExhausted(t *testing.T) {
	limiter := ratelimit.New(100, 100, nil)
	th := testThrottle(1)
	m := New(testResourceManagerConfig(), limiter, th, testLogger())

	p1, denial := m.TryAcquirePermit("ingest", 1)
	require.Equal(t, DenyNone, denial)
	require.NotNil(t, p1)

	_, denial = m.TryAcquirePermit("ingest", 1)
	require.Equal(t, DenyThrottled, denial)

	p1.Release()
}

func TestClassifyPressureLevels(t *testing.T) {
	m := New(testResourceManagerConfig(), nil, nil, testLogger())
	cases := []struct {
		pct  float64
		want PressureLevel
	}{
		{10, PressureNone},
		{65, PressureLow},
		{80, PressureMedium},
		{90, PressureHigh},
		{99, PressureCritical},
	}
	for _, c := range cases {
		require.Equal(t, c.want, m.classify(c.pct), "memory percent %v", c.pct)
	}
}

func TestObserveTracksPressureTransitions(t *testing.T) {
	m := New(testResourceManagerConfig(), nil, nil, testLogger())
	m.Observe(resource.Snapshot{MemoryPercent: 10})
	m.Observe(resource.Snapshot{MemoryPercent: 90})
	m.Observe(resource.Snapshot{MemoryPercent: 91})

	require.Equal(t, PressureHigh, m.PressureLevel())
	require.Equal(t, uint64(1), m.Stats().PressureTransitions, "a repeated same-level observation must not count as a new transition")
}
