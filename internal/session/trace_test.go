package session_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/shoutd/internal/observe"
	"github.com/MrWong99/shoutd/internal/session"
	enginemock "github.com/MrWong99/shoutd/pkg/engine/mock"
	"github.com/MrWong99/shoutd/pkg/events"
	eventsmock "github.com/MrWong99/shoutd/pkg/events/mock"
)

// These tests replace the global tracer provider and therefore do not run
// in parallel.

func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// findSpan returns the first span named name whose key attribute equals id.
func findSpan(exp *tracetest.InMemoryExporter, name string, key attribute.Key, id string) (tracetest.SpanStub, bool) {
	for _, s := range exp.GetSpans() {
		if s.Name != name {
			continue
		}
		for _, a := range s.Attributes {
			if a.Key == key && a.Value.AsString() == id {
				return s, true
			}
		}
	}
	return tracetest.SpanStub{}, false
}

func attrString(s tracetest.SpanStub, key attribute.Key) string {
	for _, a := range s.Attributes {
		if a.Key == key {
			return a.Value.Emit()
		}
	}
	return ""
}

func TestBatch_Span(t *testing.T) {
	exp := useTestTracer(t)

	tests := []struct {
		name      string
		model     *enginemock.Model
		wantState string
		wantErr   bool
	}{
		{
			name:      "completed",
			model:     &enginemock.Model{MultilingualResult: true, Result: twoSegments()},
			wantState: "completed",
		},
		{
			name:      "failed",
			model:     &enginemock.Model{MultilingualResult: true, TranscribeErr: errors.New("out of memory")},
			wantState: "failed",
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := session.NewBatch(nil, session.WithBatchIDs(func() string { return "trace-" + tt.name }))
			b.Attach(tt.model)
			h, err := b.Start(make([]float32, 8000), session.BatchParams{Language: "de"})
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			h.Wait()

			s, ok := findSpan(exp, observe.SpanBatch, observe.RunIDKey, h.ID)
			if !ok {
				t.Fatalf("no %s span for run %s", observe.SpanBatch, h.ID)
			}
			if got := attrString(s, observe.StateKey); got != tt.wantState {
				t.Errorf("state = %q, want %q", got, tt.wantState)
			}
			if got := attrString(s, observe.SamplesKey); got != "8000" {
				t.Errorf("samples = %q, want 8000", got)
			}
			if got := attrString(s, observe.LanguageKey); got != "de" {
				t.Errorf("language = %q, want de", got)
			}
			if isErr := s.Status.Code == codes.Error; isErr != tt.wantErr {
				t.Errorf("span error status = %v, want %v", isErr, tt.wantErr)
			}
		})
	}
}

func TestStream_CycleSpan(t *testing.T) {
	exp := useTestTracer(t)

	rec := &eventsmock.Recorder{}
	s := session.NewStream(&enginemock.Loader{Model: &enginemock.Model{Result: twoSegments()}}, rec,
		session.WithStreamIDs(func() string { return "trace-stream" }))
	if err := s.Start(context.Background(), session.StreamParams{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Append(make([]float32, 2048))
	if _, ok := rec.WaitForName(events.StreamTranscription, waitTimeout); !ok {
		t.Fatal("expected a cycle")
	}
	s.Stop()
	s.Wait()

	span, ok := findSpan(exp, observe.SpanStreamCycle, observe.StreamIDKey, "trace-stream")
	if !ok {
		t.Fatalf("no %s span for the stream", observe.SpanStreamCycle)
	}
	if got := attrString(span, observe.StateKey); got != "ok" {
		t.Errorf("state = %q, want ok", got)
	}
	if got := attrString(span, observe.SamplesKey); got != "2048" {
		t.Errorf("samples = %q, want 2048", got)
	}
}
