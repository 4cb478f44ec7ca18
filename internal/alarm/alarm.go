// Package alarm provides the fire-and-forget notification sink used across
// the agent. Alarms never propagate as errors between components; they are
// counted and logged, and processing continues.
package alarm

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/flowtail/agent/internal/logger"
)

// MeterName is the name used for the alarm meter
const MeterName = "github.com/flowtail/agent/alarm"

// Kind identifies the alarm category.
type Kind string

const (
	// ParseFailure is raised when a config definition cannot be parsed.
	ParseFailure Kind = "parse_failure"

	// TransportFailure is raised on heartbeat or fetch transport errors.
	TransportFailure Kind = "transport_failure"

	// AmbiguousMatch is raised when two equally specific configs match a
	// path and neither allows multi-config.
	AmbiguousMatch Kind = "ambiguous_match"

	// CredentialRefreshFailure is raised when a credential refresh fails.
	CredentialRefreshFailure Kind = "credential_refresh_failure"

	// FilesystemFailure is raised when version files cannot be written or
	// the config directory cannot be created.
	FilesystemFailure Kind = "filesystem_failure"
)

// Sink records alarms. A nil Sink is valid and drops everything, so
// components can hold one unconditionally.
type Sink struct {
	alarmsTotal metric.Int64Counter
}

// NewSink creates an alarm sink backed by the given meter provider.
// A nil provider yields a log-only sink.
func NewSink(provider metric.MeterProvider) (*Sink, error) {
	s := &Sink{}
	if provider == nil {
		return s, nil
	}

	meter := provider.Meter(MeterName)
	counter, err := meter.Int64Counter(
		"flowtail_alarms_total",
		metric.WithDescription("Number of alarms raised, by kind"),
		metric.WithUnit("{alarm}"),
	)
	if err != nil {
		return nil, err
	}
	s.alarmsTotal = counter
	return s, nil
}

// Raise records one alarm of the given kind. detail is free-form context
// for the log line; it is not attached to the metric to keep cardinality
// bounded.
func (s *Sink) Raise(ctx context.Context, kind Kind, detail string) {
	logger.Warnw("alarm raised", "kind", string(kind), "detail", detail)
	if s == nil || s.alarmsTotal == nil {
		return
	}
	s.alarmsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
	))
}
