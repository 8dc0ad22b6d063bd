package observe

import (
	"context"

	"github.com/MrWong99/shoutd/pkg/events"
)

// CountingSink counts every event passing through it in [Metrics.Events]
// before forwarding it to Next.
type CountingSink struct {
	Metrics *Metrics
	Next    events.Sink
}

// Emit implements events.Sink.
func (s CountingSink) Emit(ev events.Event) {
	s.Metrics.RecordEvent(context.Background(), string(ev.Name))
	if s.Next != nil {
		s.Next.Emit(ev)
	}
}

var _ events.Sink = CountingSink{}
