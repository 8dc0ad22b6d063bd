package engine

import (
	"context"
	"sync/atomic"
	"time"
)

// AbortPollInterval is how often [WatchAbort] re-checks the callbacks.
const AbortPollInterval = 10 * time.Millisecond

// WatchAbort derives a context from ctx that is canceled as soon as cb asks
// the run to stop. It is meant for remote backends that cannot consult the
// callbacks themselves while a request is in flight.
//
// aborted reports whether the derived context was canceled because of the
// callbacks rather than because ctx ended. stop must be called once the
// request has finished.
func WatchAbort(ctx context.Context, cb Callbacks) (watched context.Context, aborted func() bool, stop func()) {
	watched, cancel := context.WithCancel(ctx)
	var flag atomic.Bool
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(AbortPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-watched.Done():
				return
			case <-ticker.C:
				if !cb.ShouldContinue() {
					flag.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	return watched, flag.Load, func() {
		close(done)
		cancel()
	}
}
