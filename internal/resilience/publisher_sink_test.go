package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/shoutd/pkg/events"
	eventsmock "github.com/MrWong99/shoutd/pkg/events/mock"
)

func TestPublisherSink_PublishesInOrder(t *testing.T) {
	pub := &eventsmock.Publisher{}
	s := NewPublisherSink("test", pub)

	for i := range 5 {
		s.Emit(events.NewProgress("r", i*20))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if pub.Count() != 5 {
		t.Fatalf("published %d events, want 5", pub.Count())
	}
	for i, ev := range pub.Published {
		if ev.Percent != i*20 {
			t.Errorf("event %d percent = %d", i, ev.Percent)
		}
	}
	if pub.CloseCalls != 1 {
		t.Errorf("publisher closed %d times", pub.CloseCalls)
	}
}

func TestPublisherSink_BreakerOpensOnFailures(t *testing.T) {
	pub := &eventsmock.Publisher{PublishErr: errors.New("broker down")}
	s := NewPublisherSink("kafka", pub, WithSinkBreaker(CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	}))

	for range 10 {
		s.Emit(events.NewCanceled("r"))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if pub.Count() != 2 {
		t.Errorf("publisher called %d times, want 2 before the breaker opened", pub.Count())
	}
	if s.Breaker().State() != StateOpen {
		t.Errorf("breaker state = %v, want open", s.Breaker().State())
	}
}

// blockingPublisher blocks every Publish until release is closed.
type blockingPublisher struct {
	eventsmock.Publisher
	release chan struct{}
	once    sync.Once
	started chan struct{}
}

func (b *blockingPublisher) Publish(ctx context.Context, ev events.Event) error {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.Publisher.Publish(ctx, ev)
}

func TestPublisherSink_EmitNeverBlocks(t *testing.T) {
	pub := &blockingPublisher{release: make(chan struct{}), started: make(chan struct{})}
	s := NewPublisherSink("slow", pub, WithQueueSize(2))

	s.Emit(events.NewProgress("r", 0))
	<-pub.started

	done := make(chan struct{})
	go func() {
		for i := range 20 {
			s.Emit(events.NewProgress("r", i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow publisher")
	}

	close(pub.release)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// One in flight plus a full queue of two.
	if n := pub.Count(); n != 3 {
		t.Errorf("published %d events, want 3", n)
	}
}

func TestPublisherSink_EmitAfterClose(t *testing.T) {
	pub := &eventsmock.Publisher{}
	s := NewPublisherSink("closed", pub)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s.Emit(events.NewProgress("r", 1))
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if pub.Count() != 0 || pub.CloseCalls != 1 {
		t.Errorf("count=%d closeCalls=%d", pub.Count(), pub.CloseCalls)
	}
}
