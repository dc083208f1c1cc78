// Package observe provides observability primitives for the STT relay:
// OpenTelemetry metric instruments and the SDK provider setup.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. Tests should use [NewMetrics]
// with a custom [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/voicewire/sttrelay"

// Metrics holds all OpenTelemetry metric instruments for the relay. All
// fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ActiveSessions tracks the number of live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionsCreated counts sessions created over the process lifetime.
	SessionsCreated metric.Int64Counter

	// ChunksReceived counts audio chunks handed to the relay by callers.
	ChunksReceived metric.Int64Counter

	// TranscriptsReceived counts transcript fragments delivered by the
	// upstream provider. Use with attribute.Bool("final", ...).
	TranscriptsReceived metric.Int64Counter

	// Reconnections counts upstream reconnection cycles. Use with
	// attribute.String("outcome", "success"|"failure").
	Reconnections metric.Int64Counter

	// Errors counts relay errors. Use with attribute.String("stage", ...).
	Errors metric.Int64Counter

	// FinalizeDuration tracks the finalization handshake latency. Use with
	// attribute.String("method", "event"|"timeout"|"none").
	FinalizeDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// the finalization handshake, whose ceiling is the 5 s metadata wait.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("sttrelay.sessions.active",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionsCreated, err = m.Int64Counter("sttrelay.sessions.created",
		metric.WithDescription("Total relay sessions created."),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("sttrelay.chunks.received",
		metric.WithDescription("Total audio chunks received from callers."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptsReceived, err = m.Int64Counter("sttrelay.transcripts.received",
		metric.WithDescription("Total transcript fragments received from the provider."),
	); err != nil {
		return nil, err
	}
	if met.Reconnections, err = m.Int64Counter("sttrelay.reconnections",
		metric.WithDescription("Total upstream reconnection cycles by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Errors, err = m.Int64Counter("sttrelay.errors",
		metric.WithDescription("Total relay errors by stage."),
	); err != nil {
		return nil, err
	}
	if met.FinalizeDuration, err = m.Float64Histogram("sttrelay.finalize.duration",
		metric.WithDescription("Latency of the transcript finalization handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RecordFinalize records one finalization handshake.
func (m *Metrics) RecordFinalize(ctx context.Context, d time.Duration, method string) {
	if m == nil {
		return
	}
	m.FinalizeDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("method", method)))
}
