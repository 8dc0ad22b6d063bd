package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/shoutd/pkg/events"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

// sumFor returns the value of the int64 sum data point whose attribute key
// has value, and whether it was found.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) (int64, bool) {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value, true
			}
		}
	}
	return 0, false
}

func TestInferenceDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordInference(ctx, ModeBatch, "ok", 1500*time.Millisecond)
	m.RecordInference(ctx, ModeStream, "ok", 80*time.Millisecond)
	m.RecordInference(ctx, ModeStream, "ok", 120*time.Millisecond)

	rm := collect(t, reader)
	met := findMetric(rm, "shoutd.inference.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("sample count = %d, want 3", total)
	}
	if len(hist.DataPoints) != 2 {
		t.Errorf("got %d data points, want one per mode", len(hist.DataPoints))
	}
}

func TestRunsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRun(ctx, ModeBatch, "completed")
	m.RecordRun(ctx, ModeBatch, "completed")
	m.RecordRun(ctx, ModeBatch, "canceled")

	rm := collect(t, reader)
	if got, ok := sumFor(t, rm, "shoutd.runs", "status", "completed"); !ok || got != 2 {
		t.Errorf("completed runs = %d (found %v), want 2", got, ok)
	}
	if got, ok := sumFor(t, rm, "shoutd.runs", "status", "canceled"); !ok || got != 1 {
		t.Errorf("canceled runs = %d (found %v), want 1", got, ok)
	}
}

func TestStreamCyclesCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStreamCycle(ctx, "ok")
	m.RecordStreamCycle(ctx, "empty")
	m.RecordStreamCycle(ctx, "ok")

	rm := collect(t, reader)
	if got, ok := sumFor(t, rm, "shoutd.stream.cycles", "status", "ok"); !ok || got != 2 {
		t.Errorf("ok cycles = %d (found %v), want 2", got, ok)
	}
}

func TestSinkErrorsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSinkError(ctx, "kafka")

	rm := collect(t, reader)
	if got, ok := sumFor(t, rm, "shoutd.sink.errors", "sink", "kafka"); !ok || got != 1 {
		t.Errorf("kafka sink errors = %d (found %v), want 1", got, ok)
	}
}

func TestRecordDropped_IgnoresZero(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDropped(ctx, 0)
	m.RecordDropped(ctx, 160)
	m.RecordDropped(ctx, 40)

	rm := collect(t, reader)
	met := findMetric(rm, "shoutd.stream.buffer.dropped")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 200 {
		t.Errorf("dropped = %+v, want a single point of 200", sum.DataPoints)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive, so we simulate Set(n) as Add(n).
	m.ActiveStreams.Add(ctx, 1)
	m.ActiveStreams.Add(ctx, 1)
	m.ActiveRuns.Add(ctx, 1)
	m.ActiveRuns.Add(ctx, -1)

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"shoutd.active_streams", 2},
		{"shoutd.active_runs", 0},
	}

	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestCountingSink(t *testing.T) {
	m, reader := newTestMetrics(t)

	var forwarded []events.Name
	s := CountingSink{Metrics: m, Next: events.SinkFunc(func(ev events.Event) {
		forwarded = append(forwarded, ev.Name)
	})}
	s.Emit(events.NewProgress("r", 10))
	s.Emit(events.NewProgress("r", 20))
	s.Emit(events.NewCanceled("r"))

	if len(forwarded) != 3 {
		t.Errorf("forwarded %d events, want 3", len(forwarded))
	}
	rm := collect(t, reader)
	if got, ok := sumFor(t, rm, "shoutd.events", "name", string(events.Progress)); !ok || got != 2 {
		t.Errorf("progress events = %d (found %v), want 2", got, ok)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("route", "GET /healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "shoutd.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
