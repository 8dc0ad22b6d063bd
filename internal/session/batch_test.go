package session_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/shoutd/internal/session"
	"github.com/MrWong99/shoutd/pkg/engine"
	enginemock "github.com/MrWong99/shoutd/pkg/engine/mock"
	"github.com/MrWong99/shoutd/pkg/events"
	eventsmock "github.com/MrWong99/shoutd/pkg/events/mock"
	"github.com/MrWong99/shoutd/pkg/transcript"
)

const waitTimeout = 2 * time.Second

func twoSegments() transcript.Result {
	return transcript.Result{
		Language: "en",
		Segments: []transcript.Segment{
			{Text: " Hello", T0: 0, T1: 100},
			{Text: " world", T0: 100, T1: 200},
		},
	}
}

func seqIDs(prefix string) func() string {
	var n atomic.Int32
	return func() string {
		return prefix + string(rune('0'+n.Add(1)))
	}
}

func TestBatch_StartWithoutModel(t *testing.T) {
	t.Parallel()

	rec := &eventsmock.Recorder{}
	b := session.NewBatch(rec)

	_, err := b.Start(make([]float32, 16000), session.BatchParams{})
	if !errors.Is(err, session.ErrModelNotLoaded) {
		t.Fatalf("expected ErrModelNotLoaded, got %v", err)
	}
	if b.Running() {
		t.Error("no run must be started")
	}
	if n := len(rec.Events()); n != 0 {
		t.Errorf("expected no events, got %d", n)
	}
}

func TestBatch_CompletedRun(t *testing.T) {
	t.Parallel()

	rec := &eventsmock.Recorder{}
	model := &enginemock.Model{
		MultilingualResult: true,
		Result:             twoSegments(),
		ProgressSteps:      []int{0, 50, 100},
	}
	b := session.NewBatch(rec, session.WithBatchIDs(seqIDs("run-")))
	b.Attach(model)

	h, err := b.Start(make([]float32, 32000), session.BatchParams{Language: "en"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.Wait()

	if h.ID != "run-1" {
		t.Errorf("run ID = %q, want run-1", h.ID)
	}
	if got := b.State(); got != session.StateCompleted {
		t.Errorf("state = %s, want completed", got)
	}
	if b.Running() {
		t.Error("Running() must be false after the terminal event")
	}

	names := rec.Names()
	want := []events.Name{
		events.Progress, events.Progress, events.Progress,
		events.NewSegment, events.NewSegment,
		events.Transcribed,
	}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, names[i], want[i])
		}
	}

	evs := rec.Events()
	for _, ev := range evs {
		if ev.RunID != "run-1" {
			t.Errorf("event %s has run ID %q", ev.Name, ev.RunID)
		}
	}
	if !strings.Contains(evs[3].Document, `"segment"`) || !strings.Contains(evs[3].Document, "Hello") {
		t.Errorf("first segment doc = %s", evs[3].Document)
	}
	if strings.Contains(evs[3].Document, "world") {
		t.Error("new-segment doc must only carry the new segment")
	}
	final := evs[len(evs)-1].Document
	if final != transcript.EncodeAll(twoSegments(), transcript.ModeTranscription) {
		t.Errorf("transcribed doc = %s", final)
	}
}

func TestBatch_ParamResolution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		multilingual  bool
		in            session.BatchParams
		wantLang      string
		wantDetect    bool
		wantTranslate bool
		wantThreads   int
	}{
		{
			name:          "english-only model forces en without translation",
			multilingual:  false,
			in:            session.BatchParams{Language: "fr", Translate: true, Threads: 2},
			wantLang:      "en",
			wantTranslate: false,
			wantThreads:   engine.BatchThreads(2),
		},
		{
			name:          "unknown language falls back to detection",
			multilingual:  true,
			in:            session.BatchParams{Language: "xx", Translate: true, Threads: 1},
			wantLang:      engine.LanguageAuto,
			wantDetect:    true,
			wantTranslate: true,
			wantThreads:   1,
		},
		{
			name:         "supported language kept",
			multilingual: true,
			in:           session.BatchParams{Language: "de", Threads: 64},
			wantLang:     "de",
			wantThreads:  engine.BatchThreads(64),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			model := &enginemock.Model{MultilingualResult: tc.multilingual}
			b := session.NewBatch(nil)
			b.Attach(model)

			h, err := b.Start(make([]float32, 1600), tc.in)
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			h.Wait()

			calls := model.Calls()
			if len(calls) != 1 {
				t.Fatalf("expected 1 Transcribe call, got %d", len(calls))
			}
			p := calls[0].Params
			if p.Language != tc.wantLang {
				t.Errorf("language = %q, want %q", p.Language, tc.wantLang)
			}
			if p.DetectLanguage != tc.wantDetect {
				t.Errorf("detect = %v, want %v", p.DetectLanguage, tc.wantDetect)
			}
			if p.Translate != tc.wantTranslate {
				t.Errorf("translate = %v, want %v", p.Translate, tc.wantTranslate)
			}
			if p.Threads != tc.wantThreads {
				t.Errorf("threads = %d, want %d", p.Threads, tc.wantThreads)
			}
			if p.Threads > engine.MaxBatchThreads {
				t.Errorf("threads %d exceed the batch cap", p.Threads)
			}
			if !p.TokenTimestamps {
				t.Error("batch runs must request token timestamps")
			}
		})
	}
}

func TestBatch_Cancel(t *testing.T) {
	t.Parallel()

	rec := &eventsmock.Recorder{}
	started := make(chan struct{}, 1)
	model := &enginemock.Model{
		MultilingualResult: true,
		Result:             twoSegments(),
		WaitForCancel:      true,
		Started:            started,
	}
	b := session.NewBatch(rec)
	b.Attach(model)

	h, err := b.Start(make([]float32, 16000), session.BatchParams{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("inference never started")
	}

	if !b.Cancel() {
		t.Error("Cancel() must report a run in progress")
	}
	h.Wait()

	if got := b.State(); got != session.StateCanceled {
		t.Errorf("state = %s, want canceled", got)
	}
	if n := rec.Count(events.Canceled); n != 1 {
		t.Errorf("onCanceled emitted %d times, want 1", n)
	}
	if n := rec.Count(events.Transcribed); n != 0 {
		t.Errorf("onTranscribed emitted %d times after cancel", n)
	}
	if b.Cancel() {
		t.Error("Cancel() after the run ended must report false")
	}
}

func TestBatch_CancelIsResetForNextRun(t *testing.T) {
	t.Parallel()

	rec := &eventsmock.Recorder{}
	model := &enginemock.Model{MultilingualResult: true, Result: twoSegments()}
	b := session.NewBatch(rec)
	b.Attach(model)

	// A cancel with no run in progress must not leak into the next run.
	b.Cancel()

	h, err := b.Start(make([]float32, 16000), session.BatchParams{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.Wait()

	if n := rec.Count(events.Transcribed); n != 1 {
		t.Errorf("expected 1 onTranscribed, got %d", n)
	}
	if n := rec.Count(events.Canceled); n != 0 {
		t.Errorf("expected no onCanceled, got %d", n)
	}
}

func TestBatch_StartJoinsPreviousRun(t *testing.T) {
	t.Parallel()

	rec := &eventsmock.Recorder{}
	var active, overlap atomic.Int32
	model := &enginemock.Model{
		MultilingualResult: true,
		Hook: func(_ context.Context, _ []float32, _ engine.Params, _ engine.Callbacks) (transcript.Result, error) {
			if active.Add(1) > 1 {
				overlap.Add(1)
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return twoSegments(), nil
		},
	}
	b := session.NewBatch(rec, session.WithBatchIDs(seqIDs("r")))
	b.Attach(model)

	h1, err := b.Start(make([]float32, 100), session.BatchParams{})
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	h2, err := b.Start(make([]float32, 100), session.BatchParams{})
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}

	select {
	case <-h1.Done():
	default:
		t.Error("second Start must return only after the first run finished")
	}
	h2.Wait()

	if overlap.Load() != 0 {
		t.Error("two runs overlapped")
	}
	evs := rec.Events()
	if len(evs) != 2 {
		t.Fatalf("expected 2 terminal events, got %v", rec.Names())
	}
	if evs[0].RunID != h1.ID || evs[1].RunID != h2.ID {
		t.Errorf("terminal events out of order: %s, %s", evs[0].RunID, evs[1].RunID)
	}
}

func TestBatch_Failure(t *testing.T) {
	t.Parallel()

	rec := &eventsmock.Recorder{}
	model := &enginemock.Model{
		MultilingualResult: true,
		TranscribeErr:      errors.New("inference exploded"),
	}
	b := session.NewBatch(rec)
	b.Attach(model)

	h, err := b.Start(make([]float32, 100), session.BatchParams{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.Wait()

	if got := b.State(); got != session.StateFailed {
		t.Errorf("state = %s, want failed", got)
	}
	ev, ok := rec.WaitForName(events.Failed, waitTimeout)
	if !ok {
		t.Fatal("expected onFailed")
	}
	if ev.Message != "inference exploded" {
		t.Errorf("message = %q", ev.Message)
	}
	if rec.Count(events.Transcribed) != 0 {
		t.Error("a failed run must not emit onTranscribed")
	}
}

func TestBatch_BackendAbortIsCancel(t *testing.T) {
	t.Parallel()

	rec := &eventsmock.Recorder{}
	model := &enginemock.Model{
		MultilingualResult: true,
		TranscribeErr:      engine.ErrAborted,
	}
	b := session.NewBatch(rec)
	b.Attach(model)

	h, err := b.Start(make([]float32, 100), session.BatchParams{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.Wait()

	if got := b.State(); got != session.StateCanceled {
		t.Errorf("state = %s, want canceled", got)
	}
	if rec.Count(events.Canceled) != 1 || rec.Count(events.Failed) != 0 {
		t.Errorf("events = %v", rec.Names())
	}
}

func TestBatch_AttachAndTeardown(t *testing.T) {
	t.Parallel()

	first := &enginemock.Model{}
	second := &enginemock.Model{}
	b := session.NewBatch(nil)

	if prev := b.Attach(first); prev != nil {
		t.Error("first Attach must return nil")
	}
	if prev := b.Attach(second); prev != first {
		t.Error("Attach must hand back the previous model")
	}
	if first.Closed() != 0 {
		t.Error("Attach must not close the previous model")
	}

	if err := b.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if second.Closed() != 1 {
		t.Errorf("expected attached model closed once, got %d", second.Closed())
	}
	if b.Model() != nil {
		t.Error("model must be detached after Teardown")
	}
	if err := b.Teardown(); err != nil {
		t.Errorf("second Teardown: %v", err)
	}
	if second.Closed() != 1 {
		t.Error("second Teardown must not close again")
	}
	if got := b.State(); got != session.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestRunState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state    session.RunState
		want     string
		terminal bool
	}{
		{session.StateIdle, "idle", false},
		{session.StateRunning, "running", false},
		{session.StateCanceling, "canceling", false},
		{session.StateCanceled, "canceled", true},
		{session.StateCompleted, "completed", true},
		{session.StateFailed, "failed", true},
		{session.RunState(99), "unknown", false},
	}
	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
		if got := tc.state.Terminal(); got != tc.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tc.want, got, tc.terminal)
		}
	}
}

func TestBatch_EverySegmentReported(t *testing.T) {
	t.Parallel()

	segs := []transcript.Segment{
		{Text: " alpha", T0: 0, T1: 100},
		{Text: " bravo", T0: 100, T1: 200},
		{Text: " charlie", T0: 200, T1: 300},
	}
	// Remote backends report all segments in a single callback.
	model := &enginemock.Model{
		MultilingualResult: true,
		Hook: func(_ context.Context, _ []float32, _ engine.Params, cb engine.Callbacks) (transcript.Result, error) {
			cb.EmitSegments("en", segs)
			return transcript.Result{Language: "en", Segments: segs}, nil
		},
	}
	rec := &eventsmock.Recorder{}
	b := session.NewBatch(rec)
	b.Attach(model)

	h, err := b.Start(make([]float32, 16000), session.BatchParams{Language: "en"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.Wait()

	var docs []string
	for _, ev := range rec.Events() {
		if ev.Name == events.NewSegment {
			docs = append(docs, ev.Document)
		}
	}
	if len(docs) != len(segs) {
		t.Fatalf("onNewSegment emitted %d times, want %d", len(docs), len(segs))
	}
	for i, seg := range segs {
		if !strings.Contains(docs[i], seg.Text) {
			t.Errorf("segment %d doc = %s, want %q", i, docs[i], seg.Text)
		}
		for j, other := range segs {
			if j != i && strings.Contains(docs[i], other.Text) {
				t.Errorf("segment %d doc also carries %q", i, other.Text)
			}
		}
	}
	if names := rec.Names(); names[len(names)-1] != events.Transcribed {
		t.Errorf("last event = %s, want transcribed", names[len(names)-1])
	}
}

func TestBatch_CancelRacingStart(t *testing.T) {
	t.Parallel()

	// The model only returns once aborted, so a Cancel that reports a run
	// must be the one that ends it.
	for range 100 {
		b := session.NewBatch(nil)
		b.Attach(&enginemock.Model{MultilingualResult: true, WaitForCancel: true})

		reported := make(chan bool, 1)
		go func() { reported <- b.Cancel() }()
		h, err := b.Start(make([]float32, 1600), session.BatchParams{})
		if err != nil {
			t.Fatalf("Start: %v", err)
		}

		if !<-reported {
			// Cancel ran before the run was published.
			if !b.Cancel() {
				t.Fatal("Cancel() must report the started run")
			}
		}
		select {
		case <-h.Done():
		case <-time.After(waitTimeout):
			t.Fatal("run reported as canceled kept running")
		}
		if got := b.State(); got != session.StateCanceled {
			t.Fatalf("state = %s, want canceled", got)
		}
	}
}
