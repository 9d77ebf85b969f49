package resource

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/securewatch/agent/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLevelForBoundaries(t *testing.T) {
	th := config.ThrottleThresholds{Start: 70, Aggressive: 85, Emergency: 95}

	require.Equal(t, AlertNormal, levelFor(69.9, th))
	require.Equal(t, AlertWarning, levelFor(70, th))
	require.Equal(t, AlertWarning, levelFor(84.9, th))
	require.Equal(t, AlertCritical, levelFor(85, th))
	require.Equal(t, AlertCritical, levelFor(94.9, th))
	require.Equal(t, AlertEmergency, levelFor(95, th))
	require.Equal(t, AlertEmergency, levelFor(100, th))
}

func TestEMAConvergesTowardSteadyInput(t *testing.T) {
	e := &ema{}
	first := e.update(50)
	require.Equal(t, 50.0, first, "first sample primes the EMA directly")

	var last float64
	for i := 0; i < 200; i++ {
		last = e.update(80)
	}
	require.InDelta(t, 80, last, 0.5, "EMA must converge toward a sustained input")
}

func TestCheckLevelIsEdgeTriggered(t *testing.T) {
	m := New(config.ResourceMonitorConfig{
		CPU: config.ThrottleThresholds{Start: 70, Aggressive: 85, Emergency: 95},
	}, testLogger())

	alerts := m.SubscribeAlerts()

	m.checkLevel("cpu", "global", 50, m.cfg.CPU) // below threshold, no alert
	select {
	case a := <-alerts:
		t.Fatalf("unexpected alert below threshold: %+v", a)
	default:
	}

	m.checkLevel("cpu", "global", 90, m.cfg.CPU) // crosses into critical
	a := <-alerts
	require.Equal(t, AlertCritical, a.Level)

	m.checkLevel("cpu", "global", 91, m.cfg.CPU) // still critical, no repeat alert
	select {
	case a := <-alerts:
		t.Fatalf("unexpected repeat alert at same level: %+v", a)
	default:
	}

	m.checkLevel("cpu", "global", 96, m.cfg.CPU) // crosses into emergency
	a = <-alerts
	require.Equal(t, AlertEmergency, a.Level)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := New(config.ResourceMonitorConfig{
		CPU: config.ThrottleThresholds{Start: 70, Aggressive: 85, Emergency: 95},
	}, testLogger())

	alerts := m.SubscribeAlerts()
	m.Unsubscribe(alerts)

	_, ok := <-alerts
	require.False(t, ok, "unsubscribed channel must be closed")
}
