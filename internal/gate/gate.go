// Package gate collects utterances from a live audio feed using voice
// activity detection and hands each finished utterance to a consumer.
//
// While nobody speaks the gate keeps only a short pre-roll of audio. Once
// speech starts it accumulates everything until the speaker has been silent
// for the minimum silence duration, then flushes the utterance together with
// its pre-roll. Utterances longer than the maximum recording length are
// flushed in pieces, each piece overlapping the previous one by the pre-roll.
package gate

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/shoutd/pkg/audio"
	"github.com/MrWong99/shoutd/pkg/vad"
)

// Defaults applied by [Config.withDefaults].
const (
	DefaultPreRoll    = 200 * time.Millisecond
	DefaultMaxRecord  = 5000 * time.Millisecond
	DefaultMinSilence = 500 * time.Millisecond
	DefaultFrame      = 20 * time.Millisecond
)

// Config tunes a [Gate].
type Config struct {
	// PreRoll is the audio kept from before speech starts.
	PreRoll time.Duration

	// MaxRecord caps one flushed utterance.
	MaxRecord time.Duration

	// MinSilence is how long speech must be absent before an utterance ends.
	MinSilence time.Duration

	// Frame is the VAD frame length.
	Frame time.Duration

	// SpeechThreshold and SilenceThreshold are passed to the VAD session.
	// Zero selects 0.5 and 0.35.
	SpeechThreshold  float64
	SilenceThreshold float64
}

func (c Config) withDefaults() Config {
	if c.PreRoll <= 0 {
		c.PreRoll = DefaultPreRoll
	}
	if c.MaxRecord <= 0 {
		c.MaxRecord = DefaultMaxRecord
	}
	if c.MinSilence <= 0 {
		c.MinSilence = DefaultMinSilence
	}
	if c.Frame <= 0 {
		c.Frame = DefaultFrame
	}
	if c.SpeechThreshold == 0 {
		c.SpeechThreshold = 0.5
	}
	if c.SilenceThreshold == 0 {
		c.SilenceThreshold = 0.35
	}
	return c
}

// samples converts d to a sample count at [audio.SampleRate].
func samples(d time.Duration) int {
	return int(d * audio.SampleRate / time.Second)
}

// Gate turns a continuous feed of mono 16 kHz samples into utterances.
// It is safe for concurrent use, although a single producer is expected.
type Gate struct {
	sess  vad.SessionHandle
	flush func([]float32)

	frame      int
	preRoll    int
	maxRecord  int
	minSilence int

	mu       sync.Mutex
	pending  []float32 // samples not yet forming a full VAD frame
	chunks   []float32 // current utterance or pre-roll
	speaking bool
	silence  int // consecutive non-speech samples while speaking
	closed   bool
}

// New creates a Gate that runs a session of eng and passes every finished
// utterance to flush. flush is called with the gate's lock held and must
// not call back into the gate.
func New(eng vad.Engine, cfg Config, flush func([]float32)) (*Gate, error) {
	cfg = cfg.withDefaults()
	sess, err := eng.NewSession(vad.Config{
		SampleRate:       audio.SampleRate,
		FrameSizeMs:      int(cfg.Frame / time.Millisecond),
		SpeechThreshold:  cfg.SpeechThreshold,
		SilenceThreshold: cfg.SilenceThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("gate: new vad session: %w", err)
	}
	g := &Gate{
		sess:       sess,
		flush:      flush,
		frame:      samples(cfg.Frame),
		preRoll:    samples(cfg.PreRoll),
		maxRecord:  samples(cfg.MaxRecord),
		minSilence: samples(cfg.MinSilence),
	}
	if g.preRoll < g.frame {
		g.preRoll = g.frame
	}
	return g, nil
}

// Write feeds samples through the detector. Incomplete frames are kept
// until the next call.
func (g *Gate) Write(in []float32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return vad.ErrSessionClosed
	}

	g.pending = append(g.pending, in...)
	for len(g.pending) >= g.frame {
		f := g.pending[:g.frame:g.frame]
		ev, err := g.sess.ProcessFrame(f)
		if err != nil {
			return fmt.Errorf("gate: process frame: %w", err)
		}
		g.step(f, ev.Type.Speech())
		g.pending = g.pending[g.frame:]
	}
	if len(g.pending) == 0 {
		g.pending = nil
	}
	return nil
}

// step advances the state machine by one frame. Must be called with g.mu
// held.
func (g *Gate) step(f []float32, speech bool) {
	if !g.speaking {
		if speech {
			g.speaking = true
			g.silence = 0
			slog.Debug("gate: speech started", "pre_roll_samples", len(g.chunks))
			g.chunks = append(g.chunks, f...)
			return
		}
		g.chunks = append(g.chunks, f...)
		if over := len(g.chunks) - g.preRoll; over > 0 {
			g.chunks = append(g.chunks[:0], g.chunks[over:]...)
		}
		return
	}

	g.chunks = append(g.chunks, f...)
	if speech {
		g.silence = 0
	} else {
		g.silence += len(f)
	}

	switch {
	case g.silence >= g.minSilence:
		g.speaking = false
		g.silence = 0
		slog.Debug("gate: speech ended", "samples", len(g.chunks))
		g.emit()
		g.chunks = nil
	case len(g.chunks) >= g.maxRecord:
		slog.Debug("gate: max record length reached", "samples", len(g.chunks))
		g.emit()
		g.keepTail()
	}
}

// emit hands a copy of the current utterance to the consumer.
func (g *Gate) emit() {
	if len(g.chunks) == 0 || g.flush == nil {
		return
	}
	out := make([]float32, len(g.chunks))
	copy(out, g.chunks)
	g.flush(out)
}

// keepTail trims the utterance to its last pre-roll worth of samples.
func (g *Gate) keepTail() {
	if over := len(g.chunks) - g.preRoll; over > 0 {
		g.chunks = append(g.chunks[:0], g.chunks[over:]...)
	}
}

// Speaking reports whether an utterance is in progress.
func (g *Gate) Speaking() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.speaking
}

// Flush emits the utterance in progress, if any, and resets the detector.
// Pre-roll audio without speech is discarded.
func (g *Gate) Flush() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.speaking {
		g.chunks = append(g.chunks, g.pending...)
		g.emit()
	}
	g.chunks = nil
	g.pending = nil
	g.speaking = false
	g.silence = 0
	g.sess.Reset()
}

// Close flushes and releases the detector session.
func (g *Gate) Close() error {
	g.Flush()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	return g.sess.Close()
}
