package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs a tracer provider backed by an in-memory exporter
// as the global provider for the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func spanAttrs(s tracetest.SpanStub) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(s.Attributes))
	for _, kv := range s.Attributes {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestRunSpan_Batch(t *testing.T) {
	exp := useTestTracer(t)

	_, span := StartRunSpan(context.Background(), SpanBatch,
		RunIDKey.String("run-1"), 16000, LanguageKey.String("de"))
	EndRunSpan(span, "completed", nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != SpanBatch {
		t.Errorf("span name = %q, want %q", s.Name, SpanBatch)
	}
	attrs := spanAttrs(s)
	if got := attrs[RunIDKey].AsString(); got != "run-1" {
		t.Errorf("run_id = %q, want run-1", got)
	}
	if got := attrs[SamplesKey].AsInt64(); got != 16000 {
		t.Errorf("samples = %d, want 16000", got)
	}
	if got := attrs[LanguageKey].AsString(); got != "de" {
		t.Errorf("language = %q, want de", got)
	}
	if got := attrs[StateKey].AsString(); got != "completed" {
		t.Errorf("state = %q, want completed", got)
	}
	if s.Status.Code == codes.Error {
		t.Error("completed run must not be marked as error")
	}
}

func TestRunSpan_FailedCycle(t *testing.T) {
	exp := useTestTracer(t)

	_, span := StartRunSpan(context.Background(), SpanStreamCycle, StreamIDKey.String("s1"), 2048)
	EndRunSpan(span, "error", errors.New("decoder crashed"))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	s := spans[0]
	if got := spanAttrs(s)[StreamIDKey].AsString(); got != "s1" {
		t.Errorf("stream_id = %q, want s1", got)
	}
	if s.Status.Code != codes.Error || s.Status.Description != "decoder crashed" {
		t.Errorf("status = %+v, want error with message", s.Status)
	}
	if len(s.Events) == 0 {
		t.Error("error was not recorded as a span event")
	}
}

func TestLogger_CarriesRunAndTraceIDs(t *testing.T) {
	useTestTracer(t)
	buf := captureLogs(t)

	ctx, span := StartRunSpan(context.Background(), SpanStreamCycle, StreamIDKey.String("s7"), 1024)
	defer span.End()
	Logger(ctx).Info("cycle")

	logged := buf.String()
	for _, want := range []string{"stream_id=s7", "trace_id=" + CorrelationID(ctx), "span_id="} {
		if !bytes.Contains(buf.Bytes(), []byte(want)) {
			t.Errorf("log output missing %q: %s", want, logged)
		}
	}
}

func TestLogger_WithoutRun(t *testing.T) {
	buf := captureLogs(t)

	Logger(context.Background()).Info("idle")

	for _, unwanted := range []string{"trace_id", "run_id", "stream_id"} {
		if bytes.Contains(buf.Bytes(), []byte(unwanted)) {
			t.Errorf("log output should not contain %s: %s", unwanted, buf.String())
		}
	}
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	useTestTracer(t)
	ctx, span := StartSpan(context.Background(), "request")
	defer span.End()
	if got := CorrelationID(ctx); len(got) != 32 {
		t.Errorf("CorrelationID = %q, want a 32 character trace ID", got)
	}
}
