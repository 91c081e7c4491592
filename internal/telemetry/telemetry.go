// Package telemetry wires process-local OpenTelemetry metrics: readings
// ingested and discarded, batches persisted, purge removals, and purge
// block timing. The management statistics
// flush remains the system of record; these instruments exist for
// operator-side scraping and debugging.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Telemetry bundles the meter provider with the service's instruments.
type Telemetry struct {
	provider *sdkmetric.MeterProvider

	ReadingsIngested  metric.Int64Counter
	ReadingsDiscarded metric.Int64Counter
	BatchesPersisted  metric.Int64Counter
	PurgeRemoved      metric.Int64Counter
	PurgeBlockMillis  metric.Float64Histogram
}

// Init builds a meter provider exporting to w on the given interval and
// installs it globally.
func Init(w io.Writer, interval time.Duration) (*Telemetry, error) {
	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	if interval <= 0 {
		interval = time.Minute
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp,
			sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("github.com/tidemark/tidemark")
	t := &Telemetry{provider: provider}

	if t.ReadingsIngested, err = meter.Int64Counter("tidemark.readings.ingested",
		metric.WithDescription("Readings persisted to the store")); err != nil {
		return nil, err
	}
	if t.ReadingsDiscarded, err = meter.Int64Counter("tidemark.readings.discarded",
		metric.WithDescription("Readings dropped before persistence")); err != nil {
		return nil, err
	}
	if t.BatchesPersisted, err = meter.Int64Counter("tidemark.batches.persisted",
		metric.WithDescription("Batches committed by the flush worker")); err != nil {
		return nil, err
	}
	if t.PurgeRemoved, err = meter.Int64Counter("tidemark.purge.removed",
		metric.WithDescription("Readings removed by the purge loop")); err != nil {
		return nil, err
	}
	if t.PurgeBlockMillis, err = meter.Float64Histogram("tidemark.purge.block.duration",
		metric.WithDescription("Wall time of one purge DELETE block"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return t, nil
}

// Shutdown flushes and stops the provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
