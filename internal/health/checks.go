package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/shoutd/internal/resilience"
)

// ErrModelNotLoaded is reported by [ModelLoaded] while no model is attached.
var ErrModelNotLoaded = errors.New("model not loaded")

// ModelLoaded returns a required checker that passes while loaded reports
// true.
func ModelLoaded(loaded func() bool) Checker {
	return Checker{
		Name: "model",
		Check: func(context.Context) error {
			if !loaded() {
				return ErrModelNotLoaded
			}
			return nil
		},
	}
}

// Pinger is implemented by dependencies that can probe their own
// connection, such as the Postgres transcript store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a checker that pings p.
func Ping(name string, p Pinger, optional bool) Checker {
	return Checker{Name: name, Check: p.Ping, Optional: optional}
}

// BreakerClosed returns an optional checker that fails while b is open.
// A half-open breaker is probing and counts as healthy.
func BreakerClosed(name string, b *resilience.CircuitBreaker) Checker {
	return Checker{
		Name:     name,
		Optional: true,
		Check: func(context.Context) error {
			if st := b.State(); st == resilience.StateOpen {
				return fmt.Errorf("circuit breaker %s is %s", b.Name(), st)
			}
			return nil
		},
	}
}
