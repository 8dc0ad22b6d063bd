// Package events defines the notifications emitted by transcription and
// streaming sessions and the [Sink] abstraction that receives them.
//
// A session owns exactly one Sink, injected at construction. Sinks are called
// synchronously from the session's worker goroutine, in emission order. For a
// single batch run the order is: zero or more [Progress] and [NewSegment]
// events followed by exactly one terminal event ([Transcribed], [Canceled] or
// [Failed]). A stream emits [StreamStatus] changes and one
// [StreamTranscription] per inference cycle, ending with the "stopped" status.
//
// Implementations must not block for long: a slow sink stalls inference.
// Wrap network-bound publishers in a queueing guard before handing them to a
// session.
package events

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/shoutd/pkg/transcript"
)

// Name identifies the kind of an [Event]. The values are the handler names
// seen by clients.
type Name string

const (
	// Progress reports batch inference progress in percent.
	Progress Name = "onProgress"

	// NewSegment carries a segment-mode document for each segment as soon as
	// inference produces it.
	NewSegment Name = "onNewSegment"

	// Transcribed carries the full transcription-mode document of a batch run.
	Transcribed Name = "onTranscribed"

	// Canceled reports that a batch run observed cancellation. No payload.
	Canceled Name = "onCanceled"

	// Failed reports that batch inference returned an error.
	Failed Name = "onFailed"

	// StreamStatus reports a change of the streaming session status.
	StreamStatus Name = "onStreamStatus"

	// StreamTranscription carries the segment-mode document of one streaming
	// cycle. The document is empty when the cycle produced no segment.
	StreamTranscription Name = "onStreamTranscription"
)

// Terminal reports whether n ends a batch run.
func (n Name) Terminal() bool {
	return n == Transcribed || n == Canceled || n == Failed
}

// Event is one notification. Only the fields relevant to Name are set.
type Event struct {
	// Name is the event kind.
	Name Name

	// RunID identifies the batch run or stream that produced the event.
	RunID string

	// Percent is set for [Progress].
	Percent int

	// Document is set for [NewSegment], [Transcribed] and [StreamTranscription].
	Document string

	// Status is set for [StreamStatus].
	Status string

	// Message is set for [Failed].
	Message string

	// Time is when the event was created.
	Time time.Time
}

// NewProgress returns a [Progress] event.
func NewProgress(runID string, percent int) Event {
	return Event{Name: Progress, RunID: runID, Percent: percent, Time: time.Now()}
}

// NewSegmentEvent returns a [NewSegment] event.
func NewSegmentEvent(runID, doc string) Event {
	return Event{Name: NewSegment, RunID: runID, Document: doc, Time: time.Now()}
}

// NewTranscribed returns a [Transcribed] event.
func NewTranscribed(runID, doc string) Event {
	return Event{Name: Transcribed, RunID: runID, Document: doc, Time: time.Now()}
}

// NewCanceled returns a [Canceled] event.
func NewCanceled(runID string) Event {
	return Event{Name: Canceled, RunID: runID, Time: time.Now()}
}

// NewFailed returns a [Failed] event carrying err's message.
func NewFailed(runID string, err error) Event {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Event{Name: Failed, RunID: runID, Message: msg, Time: time.Now()}
}

// NewStreamStatus returns a [StreamStatus] event.
func NewStreamStatus(runID, status string) Event {
	return Event{Name: StreamStatus, RunID: runID, Status: status, Time: time.Now()}
}

// NewStreamTranscription returns a [StreamTranscription] event.
func NewStreamTranscription(runID, doc string) Event {
	return Event{Name: StreamTranscription, RunID: runID, Document: doc, Time: time.Now()}
}

// Args returns the handler arguments of the event in call order.
func (e Event) Args() []any {
	switch e.Name {
	case Progress:
		return []any{e.Percent}
	case NewSegment, Transcribed, StreamTranscription:
		return []any{e.Document}
	case StreamStatus:
		return []any{e.Status}
	case Failed:
		return []any{e.Message}
	default:
		return nil
	}
}

// Payload renders the event as a handler call document:
//
//	{"handler": "onProgress", "run": "…", "args": [42]}
//
// Document arguments are embedded verbatim.
func (e Event) Payload() string {
	var b strings.Builder
	b.WriteString(`{"handler": "`)
	b.WriteString(string(e.Name))
	b.WriteString(`", "run": "`)
	b.WriteString(transcript.Escape(e.RunID))
	b.WriteString(`", "args": `)
	b.WriteString(transcript.EncodeArgs(e.Args()...))
	b.WriteByte('}')
	return b.String()
}

// Sink receives events. Emit is called from a single goroutine per session;
// implementations shared across sessions must be safe for concurrent use.
type Sink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to the [Sink] interface.
type SinkFunc func(ev Event)

// Emit calls f(ev).
func (f SinkFunc) Emit(ev Event) { f(ev) }

// Discard is a [Sink] that drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Publisher is a fallible, context-aware event destination such as a message
// broker or a database. Publishers are adapted to [Sink] by a guard that
// queues events and isolates failures.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Multi fans an event out to every sink in order.
type Multi []Sink

// Emit forwards ev to every sink in registration order.
func (m Multi) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// Chan returns a [Sink] that sends every event on ch. Sends block, so the
// reader must keep up or the emitting session stalls.
func Chan(ch chan<- Event) Sink {
	return SinkFunc(func(ev Event) { ch <- ev })
}

// LogSink logs every event at debug level through logger. A nil logger uses
// [slog.Default].
type LogSink struct {
	Logger *slog.Logger
}

// Emit implements [Sink].
func (l LogSink) Emit(ev Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"event", string(ev.Name), "run_id", ev.RunID}
	switch ev.Name {
	case Progress:
		attrs = append(attrs, "percent", ev.Percent)
	case StreamStatus:
		attrs = append(attrs, "status", ev.Status)
	case Failed:
		attrs = append(attrs, "err", ev.Message)
	case NewSegment, Transcribed, StreamTranscription:
		attrs = append(attrs, "bytes", len(ev.Document))
	}
	logger.Debug("event emitted", attrs...)
}

// Dedup forwards events to Next, dropping a [StreamStatus] event whose status
// equals the previously forwarded one. Other events pass through untouched.
// Dedup is safe for concurrent use; the comparison and the forward happen
// under one lock so concurrent status changes are neither lost nor doubled.
type Dedup struct {
	Next Sink

	mu   sync.Mutex
	last string
}

// Emit implements [Sink].
func (d *Dedup) Emit(ev Event) {
	if ev.Name != StreamStatus {
		d.Next.Emit(ev)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if ev.Status == d.last {
		return
	}
	d.last = ev.Status
	d.Next.Emit(ev)
}

// Last returns the most recently forwarded status.
func (d *Dedup) Last() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Reset forgets the last forwarded status.
func (d *Dedup) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = ""
}

// Compile-time interface assertions.
var (
	_ Sink = SinkFunc(nil)
	_ Sink = Multi(nil)
	_ Sink = LogSink{}
	_ Sink = (*Dedup)(nil)
)
