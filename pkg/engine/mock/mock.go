// Package mock provides test doubles for the engine package interfaces.
//
// Model returns a scripted Result and records every Transcribe call. Set
// Hook to take full control of a run, or WaitForCancel to make Transcribe
// spin on the run's callbacks until the caller cancels.
//
// Example:
//
//	m := &mock.Model{
//	    MultilingualResult: true,
//	    Result:             transcript.Result{Language: "en", Segments: segs},
//	}
//	l := &mock.Loader{Model: m}
//	model, _ := l.Load(ctx, "ggml-tiny.bin", engine.LoadOptions{})
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/shoutd/pkg/engine"
	"github.com/MrWong99/shoutd/pkg/transcript"
)

// TranscribeCall records a single invocation of Model.Transcribe.
type TranscribeCall struct {
	// Samples is a copy of the audio passed to Transcribe.
	Samples []float32
	// Params are the run parameters passed to Transcribe.
	Params engine.Params
}

// Model is a mock implementation of engine.Model.
type Model struct {
	mu sync.Mutex

	// MultilingualResult is returned by Multilingual.
	MultilingualResult bool

	// KnownLanguages, when non-nil, is the set KnownLanguage accepts.
	// When nil KnownLanguage defers to engine.KnownLanguage.
	KnownLanguages []string

	// Result is returned from Transcribe. Its segments are also delivered
	// one by one through Callbacks.NewSegments.
	Result transcript.Result

	// TranscribeErr, if non-nil, is returned from Transcribe.
	TranscribeErr error

	// ProgressSteps lists the percentages reported through
	// Callbacks.Progress before Transcribe returns.
	ProgressSteps []int

	// WaitForCancel makes Transcribe block, polling the callbacks every
	// millisecond, until they request a stop or ctx is done. It then returns
	// engine.ErrAborted.
	WaitForCancel bool

	// Delay is slept at the start of every Transcribe call.
	Delay time.Duration

	// Hook, if non-nil, replaces the scripted behaviour entirely.
	Hook func(ctx context.Context, samples []float32, p engine.Params, cb engine.Callbacks) (transcript.Result, error)

	// Started, if non-nil, receives a value at the start of every Transcribe
	// call. The send does not block.
	Started chan struct{}

	// TranscribeCalls records every call to Transcribe.
	TranscribeCalls []TranscribeCall

	// CloseCalls counts calls to Close.
	CloseCalls int
}

// Multilingual implements engine.Model.
func (m *Model) Multilingual() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.MultilingualResult
}

// KnownLanguage implements engine.Model.
func (m *Model) KnownLanguage(code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.KnownLanguages != nil {
		return slices.Contains(m.KnownLanguages, code)
	}
	return engine.KnownLanguage(code)
}

// Transcribe records the call and plays back the scripted behaviour.
func (m *Model) Transcribe(ctx context.Context, samples []float32, p engine.Params, cb engine.Callbacks) (transcript.Result, error) {
	m.mu.Lock()
	m.TranscribeCalls = append(m.TranscribeCalls, TranscribeCall{Samples: slices.Clone(samples), Params: p})
	hook := m.Hook
	result := m.Result
	err := m.TranscribeErr
	steps := slices.Clone(m.ProgressSteps)
	wait := m.WaitForCancel
	delay := m.Delay
	started := m.Started
	m.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if hook != nil {
		return hook(ctx, samples, p, cb)
	}

	if !cb.ShouldContinue() {
		return transcript.Result{Language: result.Language}, engine.ErrAborted
	}

	if wait {
		for cb.ShouldContinue() {
			select {
			case <-ctx.Done():
				return transcript.Result{Language: result.Language}, ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
		return transcript.Result{Language: result.Language}, engine.ErrAborted
	}

	for _, pct := range steps {
		cb.EmitProgress(pct)
	}
	for _, seg := range result.Segments {
		cb.EmitSegments(result.Language, []transcript.Segment{seg})
	}
	if err != nil {
		return transcript.Result{}, err
	}
	return result, nil
}

// Close records the call.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return nil
}

// Calls returns a copy of the recorded Transcribe calls. Thread-safe.
func (m *Model) Calls() []TranscribeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.TranscribeCalls)
}

// Closed returns the number of Close calls. Thread-safe.
func (m *Model) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CloseCalls
}

// SetErr replaces TranscribeErr. Thread-safe.
func (m *Model) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TranscribeErr = err
}

// Ensure Model implements engine.Model at compile time.
var _ engine.Model = (*Model)(nil)

// LoadCall records a single invocation of Loader.Load.
type LoadCall struct {
	Path string
	Opts engine.LoadOptions
}

// Loader is a mock implementation of engine.Loader.
type Loader struct {
	mu sync.Mutex

	// Model is returned from Load. It may be nil to simulate a loader that
	// yields no model without an error.
	Model engine.Model

	// LoadErr, if non-nil, is returned from Load.
	LoadErr error

	// LoadCalls records every call to Load.
	LoadCalls []LoadCall
}

// Load records the call and returns Model, LoadErr.
func (l *Loader) Load(_ context.Context, path string, opts engine.LoadOptions) (engine.Model, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.LoadCalls = append(l.LoadCalls, LoadCall{Path: path, Opts: opts})
	if l.LoadErr != nil {
		return nil, l.LoadErr
	}
	return l.Model, nil
}

// Calls returns a copy of the recorded Load calls. Thread-safe.
func (l *Loader) Calls() []LoadCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.LoadCalls)
}

// Ensure Loader implements engine.Loader at compile time.
var _ engine.Loader = (*Loader)(nil)
