// Package vad defines the Engine interface for voice activity detection and
// ships an energy-based detector.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session keeps its own state (speaking
// flag, smoothing history) so that concurrent audio streams are processed
// independently.
//
// ProcessFrame is synchronous and returns immediately, which suits the
// ingest path that gates audio before it reaches the stream buffer.
//
// Engines must be safe for concurrent use. A single SessionHandle must not
// be shared across goroutines unless the implementation says otherwise.
package vad

import (
	"errors"
	"fmt"
)

// EventType enumerates detection states.
type EventType int

const (
	// SpeechStart indicates speech has just begun.
	SpeechStart EventType = iota

	// SpeechContinue indicates ongoing speech.
	SpeechContinue

	// SpeechEnd indicates speech has just ended.
	SpeechEnd

	// Silence indicates no speech detected.
	Silence
)

// String returns the name of t.
func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech_start"
	case SpeechContinue:
		return "speech_continue"
	case SpeechEnd:
		return "speech_end"
	case Silence:
		return "silence"
	default:
		return "unknown"
	}
}

// Speech reports whether t belongs to an active speech span.
func (t EventType) Speech() bool { return t == SpeechStart || t == SpeechContinue }

// Event is the detection result for a single frame.
type Event struct {
	// Type is the detection result.
	Type EventType

	// Probability is the speech probability score in [0, 1].
	Probability float64
}

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. It must match the frames
	// passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each frame in milliseconds.
	// ProcessFrame rejects frames of any other length.
	FrameSizeMs int

	// SpeechThreshold is the probability at or above which a frame starts
	// or continues speech. Typical: 0.5.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which an active speech span
	// ends. Must not exceed SpeechThreshold. Typical: 0.35.
	SilenceThreshold float64
}

// FrameSamples returns the number of samples in one frame.
func (c Config) FrameSamples() int {
	return c.SampleRate * c.FrameSizeMs / 1000
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameSizeMs <= 0 {
		errs = append(errs, fmt.Errorf("vad: frame size must be positive, got %d ms", c.FrameSizeMs))
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: speech threshold %.2f out of [0,1]", c.SpeechThreshold))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad: silence threshold %.2f must be in [0, speech threshold]", c.SilenceThreshold))
	}
	return errors.Join(errs...)
}

// SessionHandle is an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame analyses one frame of mono float PCM at the configured
	// rate and frame size. It returns an error if the frame size is wrong.
	ProcessFrame(frame []float32) (Event, error)

	// Reset clears all detection state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for VAD sessions.
type Engine interface {
	// NewSession creates a session ready to accept frames. It fails if cfg
	// is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
