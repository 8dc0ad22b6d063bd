package audio

import (
	"context"
	"sync"
	"time"
)

// StreamBuffer accumulates float PCM samples appended by one producer and
// drained by one consumer loop. All reads and writes of the pending samples
// happen under a single mutex, so neither side ever observes a partial
// append or drain.
//
// The consumer waits for data with [StreamBuffer.WaitReady], which is woken
// by every [StreamBuffer.Append] and falls back to a timeout so that the
// caller can re-check its own stop condition at a fixed cadence.
//
// By default the buffer is unbounded. [WithMaxSamples] caps it; when an
// append would exceed the cap the oldest samples are discarded.
type StreamBuffer struct {
	mu      sync.Mutex
	pending []float32
	max     int
	dropped uint64

	// signal has capacity one; a pending token means "something was appended
	// since the consumer last looked".
	signal chan struct{}
}

// StreamBufferOption configures a [StreamBuffer].
type StreamBufferOption func(*StreamBuffer)

// WithMaxSamples caps the number of pending samples. Zero or a negative value
// leaves the buffer unbounded.
func WithMaxSamples(n int) StreamBufferOption {
	return func(b *StreamBuffer) {
		if n > 0 {
			b.max = n
		}
	}
}

// NewStreamBuffer returns an empty [StreamBuffer].
func NewStreamBuffer(opts ...StreamBufferOption) *StreamBuffer {
	b := &StreamBuffer{signal: make(chan struct{}, 1)}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Append copies samples onto the end of the pending buffer and wakes the
// consumer. It returns the number of old samples discarded to honour the
// cap, which is always zero for an unbounded buffer.
func (b *StreamBuffer) Append(samples []float32) int {
	if len(samples) == 0 {
		return 0
	}

	b.mu.Lock()
	b.pending = append(b.pending, samples...)
	dropped := 0
	if b.max > 0 && len(b.pending) > b.max {
		dropped = len(b.pending) - b.max
		b.pending = append(b.pending[:0], b.pending[dropped:]...)
		b.dropped += uint64(dropped)
	}
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return dropped
}

// DrainIfReady returns every pending sample and empties the buffer when at
// least threshold samples are pending. Otherwise it returns nil and leaves
// the buffer untouched.
func (b *StreamBuffer) DrainIfReady(threshold int) []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) < threshold || len(b.pending) == 0 {
		return nil
	}
	out := b.pending
	b.pending = nil
	return out
}

// WaitReady blocks until at least threshold samples are pending, timeout
// elapses, or ctx is done. It reports whether the threshold was met. It does
// not consume anything.
func (b *StreamBuffer) WaitReady(ctx context.Context, threshold int, timeout time.Duration) bool {
	if b.Len() >= threshold {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-b.signal:
			if b.Len() >= threshold {
				return true
			}
		case <-timer.C:
			return b.Len() >= threshold
		case <-ctx.Done():
			return false
		}
	}
}

// Len returns the number of pending samples.
func (b *StreamBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Dropped returns the total number of samples discarded because of the cap.
func (b *StreamBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Reset discards all pending samples.
func (b *StreamBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
}
