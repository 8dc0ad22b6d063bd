package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/shoutd/pkg/engine"
	"github.com/MrWong99/shoutd/pkg/transcript"
)

// errPartial marks a failure after the backend already delivered segments.
// Such a run cannot move to another backend without duplicating output.
var errPartial = errors.New("backend failed after emitting segments")

// engineNeutral reports errors caused by the caller rather than the backend.
func engineNeutral(err error) bool {
	return errors.Is(err, engine.ErrAborted) ||
		errors.Is(err, context.Canceled)
}

// engineFinal reports errors that must not be retried on another backend.
func engineFinal(err error) bool {
	return engineNeutral(err) || errors.Is(err, errPartial)
}

// ModelFallback is an [engine.Model] that runs inference on the first
// healthy backend of an ordered list. Language capabilities are those of the
// primary; a fallback that is English-only receives English parameters.
//
// A run that was aborted, or whose backend had already delivered segments
// before failing, is not retried elsewhere.
type ModelFallback struct {
	group *FallbackGroup[engine.Model]
}

var _ engine.Model = (*ModelFallback)(nil)

// NewModelFallback creates a [ModelFallback] with primary as the preferred
// backend.
func NewModelFallback(primary engine.Model, primaryName string, cfg FallbackConfig) *ModelFallback {
	cfg.Final = engineFinal
	if cfg.CircuitBreaker.Neutral == nil {
		cfg.CircuitBreaker.Neutral = engineNeutral
	}
	return &ModelFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (f *ModelFallback) AddFallback(name string, m engine.Model) {
	f.group.AddFallback(name, m)
}

// Breaker returns the circuit breaker guarding the named backend, or nil.
func (f *ModelFallback) Breaker(name string) *CircuitBreaker {
	return f.group.Breaker(name)
}

// Multilingual implements [engine.Model].
func (f *ModelFallback) Multilingual() bool { return f.group.Primary().Multilingual() }

// KnownLanguage implements [engine.Model].
func (f *ModelFallback) KnownLanguage(code string) bool {
	return f.group.Primary().KnownLanguage(code)
}

// Transcribe implements [engine.Model].
func (f *ModelFallback) Transcribe(ctx context.Context, samples []float32, p engine.Params, cb engine.Callbacks) (transcript.Result, error) {
	attempt := 0
	res, err := ExecuteWithResult(f.group, func(m engine.Model) (transcript.Result, error) {
		attempt++
		params := p
		if attempt > 1 && !m.Multilingual() {
			params.Language = "en"
			params.Translate = false
			params.DetectLanguage = false
		}

		var emitted atomic.Bool
		wrapped := cb
		if cb.NewSegments != nil {
			wrapped.NewSegments = func(r transcript.Result) {
				emitted.Store(true)
				cb.NewSegments(r)
			}
		}

		res, err := m.Transcribe(ctx, samples, params, wrapped)
		if err != nil && emitted.Load() && !engineNeutral(err) {
			return res, fmt.Errorf("%w: %w", errPartial, err)
		}
		return res, err
	})
	if err != nil && errors.Is(err, errPartial) {
		slog.Warn("inference failed mid-run, not falling back", "err", err)
	}
	return res, err
}

// Close closes every backend and joins their errors.
func (f *ModelFallback) Close() error {
	var errs []error
	f.group.Each(func(name string, m engine.Model) {
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("resilience: close %s: %w", name, err))
		}
	})
	return errors.Join(errs...)
}

// LoaderFallback is an [engine.Loader] that loads from the first loader that
// succeeds.
type LoaderFallback struct {
	group *FallbackGroup[engine.Loader]
}

var _ engine.Loader = (*LoaderFallback)(nil)

// NewLoaderFallback creates a [LoaderFallback] with primary as the preferred
// loader.
func NewLoaderFallback(primary engine.Loader, primaryName string, cfg FallbackConfig) *LoaderFallback {
	if cfg.Final == nil {
		cfg.Final = func(err error) bool { return errors.Is(err, context.Canceled) }
	}
	return &LoaderFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional loader.
func (f *LoaderFallback) AddFallback(name string, l engine.Loader) {
	f.group.AddFallback(name, l)
}

// Load implements [engine.Loader]. A loader that returns neither a model nor
// an error counts as failed.
func (f *LoaderFallback) Load(ctx context.Context, path string, opts engine.LoadOptions) (engine.Model, error) {
	return ExecuteWithResult(f.group, func(l engine.Loader) (engine.Model, error) {
		m, err := l.Load(ctx, path, opts)
		if err == nil && m == nil {
			return nil, fmt.Errorf("resilience: loader returned no model for %q", path)
		}
		return m, err
	})
}
