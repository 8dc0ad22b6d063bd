package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/shoutd/internal/observe"
	"github.com/MrWong99/shoutd/pkg/events"
)

// Publisher sink defaults.
const (
	DefaultPublishQueue   = 256
	DefaultPublishTimeout = 5 * time.Second
)

// PublisherSinkOption is a functional option for [NewPublisherSink].
type PublisherSinkOption func(*PublisherSink)

// WithQueueSize sets how many events may wait for the publisher before new
// events are dropped.
func WithQueueSize(n int) PublisherSinkOption {
	return func(s *PublisherSink) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithPublishTimeout bounds every Publish call.
func WithPublishTimeout(d time.Duration) PublisherSinkOption {
	return func(s *PublisherSink) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithSinkMetrics counts dropped and failed events in m.
func WithSinkMetrics(m *observe.Metrics) PublisherSinkOption {
	return func(s *PublisherSink) { s.metrics = m }
}

// WithSinkBreaker replaces the circuit breaker configuration.
func WithSinkBreaker(cfg CircuitBreakerConfig) PublisherSinkOption {
	return func(s *PublisherSink) { s.breakerCfg = cfg }
}

// PublisherSink adapts an [events.Publisher] into an [events.Sink] that never
// blocks the emitting worker. Events are queued and published in order by a
// single goroutine behind a circuit breaker. While the breaker is open, or
// the queue is full, events are dropped and counted.
type PublisherSink struct {
	name       string
	pub        events.Publisher
	metrics    *observe.Metrics
	queueSize  int
	timeout    time.Duration
	breakerCfg CircuitBreakerConfig
	breaker    *CircuitBreaker

	mu     sync.RWMutex
	closed bool
	queue  chan events.Event
	done   chan struct{}
}

var _ events.Sink = (*PublisherSink)(nil)

// NewPublisherSink starts a [PublisherSink] that forwards to pub. name labels
// logs and metrics.
func NewPublisherSink(name string, pub events.Publisher, opts ...PublisherSinkOption) *PublisherSink {
	s := &PublisherSink{
		name:      name,
		pub:       pub,
		queueSize: DefaultPublishQueue,
		timeout:   DefaultPublishTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	cfg := s.breakerCfg
	cfg.Name = name
	s.breaker = NewCircuitBreaker(cfg)
	s.queue = make(chan events.Event, s.queueSize)
	s.done = make(chan struct{})
	go s.run()
	return s
}

// Emit implements [events.Sink]. It never blocks.
func (s *PublisherSink) Emit(ev events.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- ev:
	default:
		s.fail(ev, errors.New("publish queue full"))
	}
}

// Breaker returns the circuit breaker guarding the publisher.
func (s *PublisherSink) Breaker() *CircuitBreaker { return s.breaker }

// Close stops accepting events, publishes what is still queued and closes
// the publisher.
func (s *PublisherSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return s.pub.Close()
}

func (s *PublisherSink) run() {
	defer close(s.done)
	for ev := range s.queue {
		err := s.breaker.Execute(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			return s.pub.Publish(ctx, ev)
		})
		if err != nil {
			s.fail(ev, err)
		}
	}
}

func (s *PublisherSink) fail(ev events.Event, err error) {
	if s.metrics != nil {
		s.metrics.RecordSinkError(context.Background(), s.name)
	}
	level := slog.LevelWarn
	if errors.Is(err, ErrCircuitOpen) {
		level = slog.LevelDebug
	}
	slog.Log(context.Background(), level, "event publish failed",
		"sink", s.name,
		"event", string(ev.Name),
		"run_id", ev.RunID,
		"err", err,
	)
}
