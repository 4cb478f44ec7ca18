package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/flowtail/agent/internal/logger"
)

// Provider bundles the meter provider with the HTTP handler that serves
// its metrics in Prometheus exposition format.
type Provider struct {
	metric.MeterProvider

	handler http.Handler
	sdk     *sdkmetric.MeterProvider
}

// NewProvider creates a meter provider based on the configuration.
// Returns a no-op provider if telemetry is disabled or the config is nil.
// The caller is responsible for calling Shutdown on the returned provider.
func NewProvider(ctx context.Context, cfg *Config, serviceVersion string) (*Provider, error) {
	if cfg == nil || !cfg.Enabled {
		logger.Infof("telemetry disabled, using no-op meter provider")
		return &Provider{MeterProvider: noop.NewMeterProvider()}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.GetServiceName()),
			semconv.ServiceVersion(serviceVersion),
		),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)

	logger.Infof("telemetry initialized, metrics served on %s", cfg.GetAddress())

	return &Provider{
		MeterProvider: mp,
		handler:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		sdk:           mp,
	}, nil
}

// Handler returns the Prometheus scrape handler, or nil when telemetry is
// disabled.
func (p *Provider) Handler() http.Handler {
	return p.handler
}

// Shutdown flushes and stops the underlying SDK provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}
