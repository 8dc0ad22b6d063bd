// Package abort provides the cooperative cancellation flag shared between a
// transcription run and the callers that may cancel it.
//
// Cancellation is only ever a request. The inference routine observes the
// flag through [Token.EncoderBegin], checked once before every encoder pass,
// and [Token.Abort], checked between low-level computation steps. A run that
// is inside a step finishes that step before it sees the flag.
package abort

import "sync/atomic"

// Token is a monotonic cancellation flag for one run. The zero value is
// ready to use and not canceled. A Token is safe for concurrent use.
type Token struct {
	canceled atomic.Bool
}

// Reset clears the flag. It must only be called at the start of a new run,
// before the run's worker is started.
func (t *Token) Reset() {
	t.canceled.Store(false)
}

// Cancel sets the flag. Once set it stays set until the next [Token.Reset].
func (t *Token) Cancel() {
	t.canceled.Store(true)
}

// Canceled reports whether the flag is set.
func (t *Token) Canceled() bool {
	return t.canceled.Load()
}

// EncoderBegin is the predicate consulted before every encoder invocation.
// It returns false once the run should stop.
func (t *Token) EncoderBegin() bool {
	return !t.canceled.Load()
}

// Abort is the predicate consulted between computation steps. It returns true
// once the run should stop.
func (t *Token) Abort() bool {
	return t.canceled.Load()
}
