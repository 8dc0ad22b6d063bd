package vad

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/shoutd/pkg/audio"
)

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("vad: session closed")

// DefaultReferenceRMS is the RMS level treated as certain speech.
const DefaultReferenceRMS = 0.05

// EnergyOption is a functional option for [NewEnergyEngine].
type EnergyOption func(*EnergyEngine)

// WithReferenceRMS sets the RMS level that maps to probability 1.
func WithReferenceRMS(rms float64) EnergyOption {
	return func(e *EnergyEngine) {
		if rms > 0 {
			e.reference = rms
		}
	}
}

// WithSmoothing sets the weight of the previous probability in the
// exponential moving average, in [0, 1). Zero disables smoothing.
func WithSmoothing(alpha float64) EnergyOption {
	return func(e *EnergyEngine) {
		if alpha >= 0 && alpha < 1 {
			e.alpha = alpha
		}
	}
}

// EnergyEngine scores frames by their RMS level relative to a reference
// level. It needs no model and works well on close-talking microphones.
type EnergyEngine struct {
	reference float64
	alpha     float64
}

var _ Engine = (*EnergyEngine)(nil)

// NewEnergyEngine creates an [EnergyEngine].
func NewEnergyEngine(opts ...EnergyOption) *EnergyEngine {
	e := &EnergyEngine{reference: DefaultReferenceRMS, alpha: 0.3}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements [Engine].
func (e *EnergyEngine) NewSession(cfg Config) (SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &energySession{
		cfg:       cfg,
		frame:     cfg.FrameSamples(),
		reference: e.reference,
		alpha:     e.alpha,
	}, nil
}

type energySession struct {
	cfg       Config
	frame     int
	reference float64
	alpha     float64

	mu       sync.Mutex
	prob     float64
	speaking bool
	closed   bool
}

func (s *energySession) ProcessFrame(frame []float32) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Event{}, ErrSessionClosed
	}
	if len(frame) != s.frame {
		return Event{}, fmt.Errorf("vad: frame has %d samples, want %d", len(frame), s.frame)
	}

	p := math.Min(1, audio.RMS(frame)/s.reference)
	s.prob = s.alpha*s.prob + (1-s.alpha)*p

	ev := Event{Probability: s.prob}
	switch {
	case !s.speaking && s.prob >= s.cfg.SpeechThreshold:
		s.speaking = true
		ev.Type = SpeechStart
	case s.speaking && s.prob < s.cfg.SilenceThreshold:
		s.speaking = false
		ev.Type = SpeechEnd
	case s.speaking:
		ev.Type = SpeechContinue
	default:
		ev.Type = Silence
	}
	return ev, nil
}

func (s *energySession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prob = 0
	s.speaking = false
}

func (s *energySession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
