package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the shoutd tracer.
const tracerName = "github.com/MrWong99/shoutd"

// Span attribute keys of inference runs.
const (
	RunIDKey    = attribute.Key("run_id")
	StreamIDKey = attribute.Key("stream_id")
	StateKey    = attribute.Key("state")
	SamplesKey  = attribute.Key("samples")
	LanguageKey = attribute.Key("language")
)

// Span names of inference runs.
const (
	SpanBatch       = "session.batch"
	SpanStreamCycle = "session.stream.cycle"
)

// runIDCtxKey carries the identifying attribute of the current run.
type runIDCtxKey struct{}

// Tracer returns the package-level [trace.Tracer] for shoutd. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartRunSpan starts the span of one inference run over samples audio
// samples. id identifies the run, for example RunIDKey.String(runID) or
// StreamIDKey.String(streamID). It is stored in the returned context so
// that [Logger] reports it. Finish the span with [EndRunSpan].
func StartRunSpan(ctx context.Context, name string, id attribute.KeyValue, samples int, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx = context.WithValue(ctx, runIDCtxKey{}, id)
	all := make([]attribute.KeyValue, 0, len(attrs)+2)
	all = append(all, id, SamplesKey.Int(samples))
	all = append(all, attrs...)
	return StartSpan(ctx, name, trace.WithAttributes(all...))
}

// EndRunSpan records the final state of a run and ends span. A non-nil err
// marks the span as failed.
func EndRunSpan(span trace.Span, state string, err error) {
	span.SetAttributes(StateKey.String(state))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
// The trace ID doubles as the correlation identifier returned to HTTP
// clients.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx and with the run or stream ID set by
// [StartRunSpan]. Without either the default logger is returned unchanged.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id, ok := ctx.Value(runIDCtxKey{}).(attribute.KeyValue); ok {
		l = l.With(slog.String(string(id.Key), id.Value.Emit()))
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
