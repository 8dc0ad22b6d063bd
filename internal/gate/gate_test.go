package gate_test

import (
	"testing"
	"time"

	"github.com/MrWong99/shoutd/internal/gate"
	"github.com/MrWong99/shoutd/pkg/vad"
	vadmock "github.com/MrWong99/shoutd/pkg/vad/mock"
)

const frameLen = 320 // 20 ms at 16 kHz

var testCfg = gate.Config{
	PreRoll:    40 * time.Millisecond,
	MaxRecord:  200 * time.Millisecond,
	MinSilence: 60 * time.Millisecond,
	Frame:      20 * time.Millisecond,
}

func script(spec ...any) []vad.Event {
	var out []vad.Event
	for i := 0; i < len(spec); i += 2 {
		n := spec[i].(int)
		typ := spec[i+1].(vad.EventType)
		for range n {
			out = append(out, vad.Event{Type: typ})
		}
	}
	return out
}

// frames returns n frames where every sample of frame i holds float32(i).
func frames(start, n int) []float32 {
	out := make([]float32, 0, n*frameLen)
	for i := start; i < start+n; i++ {
		for range frameLen {
			out = append(out, float32(i))
		}
	}
	return out
}

func newGate(t *testing.T, events []vad.Event) (*gate.Gate, *vadmock.Session, *[][]float32) {
	t.Helper()
	sess := &vadmock.Session{Script: events, EventResult: vad.Event{Type: vad.Silence}}
	var flushed [][]float32
	g, err := gate.New(&vadmock.Engine{Session: sess}, testCfg, func(s []float32) {
		flushed = append(flushed, s)
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g, sess, &flushed
}

func TestGate_UtteranceWithPreRoll(t *testing.T) {
	t.Parallel()

	g, _, flushed := newGate(t, script(
		5, vad.Silence,
		4, vad.SpeechStart,
		3, vad.Silence,
	))

	if err := g.Write(frames(0, 12)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if len(*flushed) != 1 {
		t.Fatalf("flushed %d utterances, want 1", len(*flushed))
	}
	u := (*flushed)[0]
	// Two pre-roll frames, four speech frames, three trailing silence frames.
	if len(u) != 9*frameLen {
		t.Fatalf("utterance has %d samples, want %d", len(u), 9*frameLen)
	}
	if u[0] != 3 {
		t.Errorf("utterance starts with frame %v, want frame 3 (pre-roll)", u[0])
	}
	if u[len(u)-1] != 11 {
		t.Errorf("utterance ends with frame %v, want 11", u[len(u)-1])
	}
	if g.Speaking() {
		t.Error("gate must be idle after the utterance ended")
	}
}

func TestGate_MaxRecordSplits(t *testing.T) {
	t.Parallel()

	g, _, flushed := newGate(t, script(
		2, vad.Silence,
		12, vad.SpeechContinue,
	))

	if err := g.Write(frames(0, 14)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(*flushed) != 1 {
		t.Fatalf("flushed %d pieces before Flush, want 1", len(*flushed))
	}
	if got := len((*flushed)[0]); got != 10*frameLen {
		t.Errorf("first piece = %d samples, want %d", got, 10*frameLen)
	}
	if !g.Speaking() {
		t.Error("speech is still in progress")
	}

	g.Flush()
	if len(*flushed) != 2 {
		t.Fatalf("flushed %d pieces after Flush, want 2", len(*flushed))
	}
	second := (*flushed)[1]
	// The second piece overlaps the first by the pre-roll.
	if len(second) != 6*frameLen {
		t.Errorf("second piece = %d samples, want %d", len(second), 6*frameLen)
	}
	if second[0] != 8 {
		t.Errorf("second piece starts with frame %v, want 8", second[0])
	}
}

func TestGate_SilenceNeverFlushes(t *testing.T) {
	t.Parallel()

	g, sess, flushed := newGate(t, nil)

	// Odd sizes exercise the partial-frame carry.
	for range 10 {
		if err := g.Write(make([]float32, 100)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if got := sess.FrameCount(); got != 1000/frameLen {
		t.Errorf("processed %d frames, want %d", got, 1000/frameLen)
	}
	g.Flush()
	if len(*flushed) != 0 {
		t.Errorf("silence produced %d utterances", len(*flushed))
	}
	if sess.ResetCallCount != 1 {
		t.Errorf("Flush must reset the detector, got %d resets", sess.ResetCallCount)
	}
}

func TestGate_Close(t *testing.T) {
	t.Parallel()

	g, sess, _ := newGate(t, nil)
	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if sess.CloseCallCount != 1 {
		t.Errorf("session closed %d times", sess.CloseCallCount)
	}
	if err := g.Write(make([]float32, frameLen)); err == nil {
		t.Error("Write after Close must fail")
	}
}

func TestGate_WithEnergyDetector(t *testing.T) {
	t.Parallel()

	var flushed [][]float32
	g, err := gate.New(vad.NewEnergyEngine(vad.WithSmoothing(0)), testCfg, func(s []float32) {
		flushed = append(flushed, s)
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer g.Close()

	loud := make([]float32, 6*frameLen)
	for i := range loud {
		loud[i] = 0.3
	}
	_ = g.Write(make([]float32, 4*frameLen))
	_ = g.Write(loud)
	_ = g.Write(make([]float32, 4*frameLen))

	if len(flushed) != 1 {
		t.Fatalf("flushed %d utterances, want 1", len(flushed))
	}
}
