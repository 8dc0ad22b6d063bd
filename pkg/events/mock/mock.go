// Package mock provides test doubles for the events package.
//
// Recorder captures every emitted event so tests can assert on ordering and
// payloads. Publisher records Publish calls and can be told to fail.
//
// Example:
//
//	rec := &mock.Recorder{}
//	b := session.NewBatch(rec)
//	...
//	ev, ok := rec.WaitForName(events.Transcribed, time.Second)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/shoutd/pkg/events"
)

// Recorder is a [events.Sink] that records every event it receives.
type Recorder struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []events.Event
}

// Emit records ev and wakes any goroutine blocked in [Recorder.WaitFor].
func (r *Recorder) Emit(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if r.cond != nil {
		r.cond.Broadcast()
	}
}

// Events returns a copy of all recorded events in emission order.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Names returns the names of all recorded events in emission order.
func (r *Recorder) Names() []events.Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Name, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

// Count returns how many events named name were recorded.
func (r *Recorder) Count(name events.Name) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

// Statuses returns the Status field of every recorded stream status event.
func (r *Recorder) Statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Name == events.StreamStatus {
			out = append(out, ev.Status)
		}
	}
	return out
}

// WaitFor blocks until an event accepted by match has been recorded or the
// timeout elapses. It returns the first matching event.
func (r *Recorder) WaitFor(match func(events.Event) bool, timeout time.Duration) (events.Event, bool) {
	deadline := time.Now().Add(timeout)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cond == nil {
		r.cond = sync.NewCond(&r.mu)
	}

	// Wake the waiter when the deadline passes.
	timer := time.AfterFunc(timeout, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer timer.Stop()

	for {
		for _, ev := range r.events {
			if match(ev) {
				return ev, true
			}
		}
		if !time.Now().Before(deadline) {
			return events.Event{}, false
		}
		r.cond.Wait()
	}
}

// WaitForName is shorthand for WaitFor matching on the event name.
func (r *Recorder) WaitForName(name events.Name, timeout time.Duration) (events.Event, bool) {
	return r.WaitFor(func(ev events.Event) bool { return ev.Name == name }, timeout)
}

// WaitForStatus waits for a stream status event with the given status.
func (r *Recorder) WaitForStatus(status string, timeout time.Duration) (events.Event, bool) {
	return r.WaitFor(func(ev events.Event) bool {
		return ev.Name == events.StreamStatus && ev.Status == status
	}, timeout)
}

// Reset clears all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

var _ events.Sink = (*Recorder)(nil)

// Publisher is a mock [events.Publisher].
type Publisher struct {
	mu sync.Mutex

	// PublishErr, if non-nil, is returned from every Publish call.
	PublishErr error

	// CloseErr, if non-nil, is returned from Close.
	CloseErr error

	// Published records every event passed to Publish, including failed ones.
	Published []events.Event

	// CloseCalls counts calls to Close.
	CloseCalls int
}

// Publish records ev and returns PublishErr.
func (p *Publisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Published = append(p.Published, ev)
	return p.PublishErr
}

// Close records the call and returns CloseErr.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCalls++
	return p.CloseErr
}

// SetErr replaces PublishErr. Thread-safe.
func (p *Publisher) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PublishErr = err
}

// Count returns the number of recorded Publish calls. Thread-safe.
func (p *Publisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Published)
}

var _ events.Publisher = (*Publisher)(nil)
