// Package session owns the lifecycle of transcription runs.
//
// A [Batch] runs one-shot transcriptions of complete sample buffers on a
// worker goroutine, at most one at a time. A [Stream] loads its own model,
// accepts audio chunks through [Stream.Append] and transcribes whatever has
// accumulated whenever enough samples are pending.
//
// Both report through an injected events.Sink. Sinks are called from the
// session's worker goroutine and must not call back into the same session's
// Start or Teardown, which would wait for the calling worker to finish.
//
// Cancellation and stopping are cooperative. [Batch.Cancel] and
// [Stream.Stop] only set a flag; the running inference observes it at its
// next callback check and a stream loop at its next iteration.
package session

import (
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
)

// Sentinel errors.
var (
	// ErrModelNotLoaded is returned by [Batch.Start] when no model is
	// attached.
	ErrModelNotLoaded = errors.New("session: model not loaded")

	// ErrModelLoadFailed is returned by [Stream.Start] when the loader fails
	// or yields no model.
	ErrModelLoadFailed = errors.New("session: model load failed")

	// ErrAlreadyRunning is returned by [Stream.Start] while a stream worker
	// is active.
	ErrAlreadyRunning = errors.New("session: stream already running")
)

// RunState is the lifecycle state of a batch run.
type RunState int32

// Run states.
const (
	StateIdle RunState = iota
	StateRunning
	StateCanceling
	StateCanceled
	StateCompleted
	StateFailed
)

// String returns the lower-case name of s.
func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCanceling:
		return "canceling"
	case StateCanceled:
		return "canceled"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a final state of a run.
func (s RunState) Terminal() bool {
	return s == StateCanceled || s == StateCompleted || s == StateFailed
}

// StreamStatus is the coarse state reported by a stream worker.
type StreamStatus string

// Stream statuses, in the order a healthy stream passes through them.
const (
	StatusLoading    StreamStatus = "loading"
	StatusWaiting    StreamStatus = "waiting"
	StatusProcessing StreamStatus = "processing"
	StatusStopped    StreamStatus = "stopped"
)

// atomicState is a RunState with atomic access.
type atomicState struct{ v atomic.Int32 }

func (a *atomicState) Load() RunState   { return RunState(a.v.Load()) }
func (a *atomicState) Store(s RunState) { a.v.Store(int32(s)) }
func (a *atomicState) CompareAndSwap(old, new RunState) bool {
	return a.v.CompareAndSwap(int32(old), int32(new))
}

// newRunID returns a random run identifier.
func newRunID() string { return uuid.NewString() }
