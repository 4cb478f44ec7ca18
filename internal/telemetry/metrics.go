package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/flowtail/agent/sync"

	// RegistryMetricsMeterName is the name used for the registry metrics meter
	RegistryMetricsMeterName = "github.com/flowtail/agent/registry"
)

// SyncMetrics holds the instruments for remote sync cycle metrics
type SyncMetrics struct {
	cycleDuration metric.Float64Histogram
	cyclesTotal   metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter
// provider. If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	cycleDuration, err := meter.Float64Histogram(
		"flowtail_sync_cycle_duration_seconds",
		metric.WithDescription("Duration of remote sync cycles in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	cyclesTotal, err := meter.Int64Counter(
		"flowtail_sync_cycles_total",
		metric.WithDescription("Number of completed remote sync cycles"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		cycleDuration: cycleDuration,
		cyclesTotal:   cyclesTotal,
	}, nil
}

// RecordCycle records the outcome and duration of one sync cycle
func (m *SyncMetrics) RecordCycle(ctx context.Context, duration time.Duration, success bool) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("success", success),
	}

	m.cycleDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.cyclesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RegistryMetrics holds the instruments for config registry metrics
type RegistryMetrics struct {
	configsActive metric.Int64Gauge
}

// NewRegistryMetrics creates a new RegistryMetrics instance with the given
// meter provider. If provider is nil, it returns nil (no-op metrics).
func NewRegistryMetrics(provider metric.MeterProvider) (*RegistryMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(RegistryMetricsMeterName)

	configsActive, err := meter.Int64Gauge(
		"flowtail_registry_configs_active",
		metric.WithDescription("Number of active pipeline configs in the registry"),
		metric.WithUnit("{config}"),
	)
	if err != nil {
		return nil, err
	}

	return &RegistryMetrics{configsActive: configsActive}, nil
}

// RecordConfigsActive records the current number of active configs
func (m *RegistryMetrics) RecordConfigsActive(ctx context.Context, count int64) {
	if m == nil {
		return
	}
	m.configsActive.Record(ctx, count)
}
