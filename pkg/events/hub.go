package events

import (
	"log/slog"
	"sync"
)

// defaultSubscriberBuffer is the per-subscriber channel capacity used when
// [Hub.Subscribe] is called with a non-positive buffer.
const defaultSubscriberBuffer = 64

// Hub is a [Sink] that broadcasts events to a dynamic set of subscribers,
// typically one per connected client. Emit never blocks: a subscriber whose
// buffer is full misses the event and a warning is logged once per
// subscriber.
//
// Hub is safe for concurrent use.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	ch     chan Event
	warned bool
}

// NewHub creates an empty [Hub].
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a new subscriber and returns its event channel together
// with a cancel function that unregisters it and closes the channel. Calling
// cancel more than once is safe.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[s]; ok {
				delete(h.subs, s)
				close(s.ch)
			}
		})
	}
}

// Len returns the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Emit implements [Sink].
func (h *Hub) Emit(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			if !s.warned {
				s.warned = true
				slog.Warn("events: subscriber too slow, dropping events",
					"event", string(ev.Name),
					"run_id", ev.RunID,
				)
			}
		}
	}
}

// Close unregisters every subscriber and closes their channels. Later
// subscriptions receive an already-closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		close(s.ch)
		delete(h.subs, s)
	}
}

var _ Sink = (*Hub)(nil)
