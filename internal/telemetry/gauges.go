package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// GaugeSource is a callback returning the current value of one
// observable metric (buffer depth, circuit-breaker state, throttle
// permits, …). Registered gauges are pulled on each export tick, never
// pushed, so the agent's hot paths never block on telemetry I/O.
type GaugeSource func(ctx context.Context) float64

// RegisterGauges wires each named source as an OpenTelemetry
// asynchronous (observable) gauge under meter, matching the teacher's
// convention of registering instruments once at startup rather than
// per-call.
func RegisterGauges(meter metric.Meter, sources map[string]GaugeSource) error {
	for name, src := range sources {
		g, err := meter.Float64ObservableGauge(name)
		if err != nil {
			return fmt.Errorf("telemetry: register gauge %s: %w", name, err)
		}
		source := src
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveFloat64(g, source(ctx))
			return nil
		}, g); err != nil {
			return fmt.Errorf("telemetry: register callback for %s: %w", name, err)
		}
	}
	return nil
}
