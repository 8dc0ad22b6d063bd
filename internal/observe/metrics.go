// Package observe provides application-wide observability primitives for
// shoutd: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all shoutd metrics.
const meterName = "github.com/MrWong99/shoutd"

// Run modes used as the "mode" attribute.
const (
	ModeBatch  = "batch"
	ModeStream = "stream"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// InferenceDuration tracks the wall time of one inference call. Use with
	// attributes:
	//   attribute.String("mode", ...), attribute.String("status", ...)
	InferenceDuration metric.Float64Histogram

	// --- Counters ---

	// Runs counts finished batch runs and stream sessions. Use with
	// attributes:
	//   attribute.String("mode", ...), attribute.String("status", ...)
	Runs metric.Int64Counter

	// StreamCycles counts streaming inference cycles. Use with attribute:
	//   attribute.String("status", ...)
	StreamCycles metric.Int64Counter

	// Events counts events handed to the event sinks. Use with attribute:
	//   attribute.String("name", ...)
	Events metric.Int64Counter

	// SinkErrors counts failed deliveries to external sinks. Use with
	// attribute:
	//   attribute.String("sink", ...)
	SinkErrors metric.Int64Counter

	// StreamBufferDropped counts audio samples discarded because the stream
	// buffer hit its cap.
	StreamBufferDropped metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of running stream sessions.
	ActiveStreams metric.Int64UpDownCounter

	// ActiveRuns tracks the number of batch runs in progress.
	ActiveRuns metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// both short streaming cycles and long batch runs.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.InferenceDuration, err = m.Float64Histogram("shoutd.inference.duration",
		metric.WithDescription("Latency of one inference call by mode and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Runs, err = m.Int64Counter("shoutd.runs",
		metric.WithDescription("Total finished runs by mode and terminal status."),
	); err != nil {
		return nil, err
	}
	if met.StreamCycles, err = m.Int64Counter("shoutd.stream.cycles",
		metric.WithDescription("Total streaming inference cycles by status."),
	); err != nil {
		return nil, err
	}
	if met.Events, err = m.Int64Counter("shoutd.events",
		metric.WithDescription("Total emitted events by handler name."),
	); err != nil {
		return nil, err
	}
	if met.SinkErrors, err = m.Int64Counter("shoutd.sink.errors",
		metric.WithDescription("Total failed event deliveries by sink."),
	); err != nil {
		return nil, err
	}
	if met.StreamBufferDropped, err = m.Int64Counter("shoutd.stream.buffer.dropped",
		metric.WithDescription("Total audio samples dropped by capped stream buffers."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("shoutd.active_streams",
		metric.WithDescription("Number of running stream sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRuns, err = m.Int64UpDownCounter("shoutd.active_runs",
		metric.WithDescription("Number of batch runs in progress."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("shoutd.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordInference records the duration of one inference call.
func (m *Metrics) RecordInference(ctx context.Context, mode, status string, d time.Duration) {
	m.InferenceDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
}

// RecordRun records a finished run with its terminal status.
func (m *Metrics) RecordRun(ctx context.Context, mode, status string) {
	m.Runs.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
}

// RecordStreamCycle records one streaming inference cycle.
func (m *Metrics) RecordStreamCycle(ctx context.Context, status string) {
	m.StreamCycles.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordEvent records one emitted event.
func (m *Metrics) RecordEvent(ctx context.Context, name string) {
	m.Events.Add(ctx, 1,
		metric.WithAttributes(attribute.String("name", name)),
	)
}

// RecordSinkError records one failed delivery to sink.
func (m *Metrics) RecordSinkError(ctx context.Context, sink string) {
	m.SinkErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("sink", sink)),
	)
}

// RecordDropped records n samples dropped by a capped stream buffer. Zero
// is ignored.
func (m *Metrics) RecordDropped(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	m.StreamBufferDropped.Add(ctx, int64(n))
}
