package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/shoutd/internal/resilience"
	"github.com/MrWong99/shoutd/pkg/engine"
	"github.com/MrWong99/shoutd/pkg/vad"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// Registry maps backend names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[Backend]func(BackendConfig) (engine.Loader, error)
	vad      map[string]func(GateConfig) (vad.Engine, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[Backend]func(BackendConfig) (engine.Loader, error)),
		vad:      make(map[string]func(GateConfig) (vad.Engine, error)),
	}
}

// RegisterBackend registers an inference backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterBackend(name Backend, factory func(BackendConfig) (engine.Loader, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// RegisterVAD registers a voice-activity detector factory under name.
func (r *Registry) RegisterVAD(name string, factory func(GateConfig) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// Backends returns the registered backend names in sorted order.
func (r *Registry) Backends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]Backend, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CreateLoader instantiates the loader registered under b.Backend.
// Returns [ErrBackendNotRegistered] if no factory exists for the name.
func (r *Registry) CreateLoader(b BackendConfig) (engine.Loader, error) {
	r.mu.RLock()
	factory, ok := r.backends[b.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: engine backend %q", ErrBackendNotRegistered, b.Backend)
	}
	return factory(b)
}

// CreateVAD instantiates the detector registered under g.Detector.
// Returns [ErrBackendNotRegistered] if no factory exists for the name.
func (r *Registry) CreateVAD(g GateConfig) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[g.Detector]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad detector %q", ErrBackendNotRegistered, g.Detector)
	}
	return factory(g)
}

// TranscribeFailover returns a loader for long-lived models. It loads every
// configured backend up front and wraps the ones that loaded in a
// [resilience.ModelFallback], so a failing backend is skipped per run. The
// path handed to Load applies to the primary; fallbacks with their own
// model_path keep it.
//
// Backends that fail to load are logged and skipped. Load only fails when
// no backend could be loaded.
func (r *Registry) TranscribeFailover(e EngineConfig) (engine.Loader, error) {
	chain, err := r.chain(e)
	if err != nil {
		return nil, err
	}
	if len(chain) == 1 {
		return chain[0].loader, nil
	}
	breaker := e.CircuitBreaker.settings()

	return engine.LoaderFunc(func(ctx context.Context, path string, opts engine.LoadOptions) (engine.Model, error) {
		var (
			model      *resilience.ModelFallback
			single     engine.Model
			singleName string
			loadErr    []error
		)
		for _, link := range chain {
			m, err := link.loader.Load(ctx, path, opts)
			if err == nil && m == nil {
				err = errors.New("loader returned no model")
			}
			if err != nil {
				slog.Warn("engine backend failed to load, skipping", "backend", link.name, "err", err)
				loadErr = append(loadErr, fmt.Errorf("%s: %w", link.name, err))
				continue
			}
			switch {
			case single == nil:
				single, singleName = m, link.name
			case model == nil:
				model = resilience.NewModelFallback(single, singleName, resilience.FallbackConfig{CircuitBreaker: breaker})
				fallthrough
			default:
				model.AddFallback(link.name, m)
			}
		}
		if single == nil {
			return nil, fmt.Errorf("config: load engine: %w", errors.Join(loadErr...))
		}
		if model == nil {
			return single, nil
		}
		return model, nil
	}), nil
}

// LoadFailover returns a loader for short-lived models. Each Load tries the
// configured backends in order through a [resilience.LoaderFallback] and
// returns the first model that loads.
func (r *Registry) LoadFailover(e EngineConfig) (engine.Loader, error) {
	chain, err := r.chain(e)
	if err != nil {
		return nil, err
	}
	if len(chain) == 1 {
		return chain[0].loader, nil
	}
	lf := resilience.NewLoaderFallback(chain[0].loader, chain[0].name, resilience.FallbackConfig{
		CircuitBreaker: e.CircuitBreaker.settings(),
	})
	for _, link := range chain[1:] {
		lf.AddFallback(link.name, link.loader)
	}
	return lf, nil
}

type chainLink struct {
	name   string
	loader engine.Loader
}

// chain creates the primary loader followed by every fallback loader. Names
// are made unique so that each gets its own circuit breaker.
func (r *Registry) chain(e EngineConfig) ([]chainLink, error) {
	primary, err := r.CreateLoader(e.BackendConfig)
	if err != nil {
		return nil, err
	}
	links := []chainLink{{name: string(e.Backend), loader: primary}}
	for i, fb := range e.Fallbacks {
		l, err := r.CreateLoader(fb)
		if err != nil {
			return nil, fmt.Errorf("config: engine.fallbacks[%d]: %w", i, err)
		}
		links = append(links, chainLink{
			name:   fmt.Sprintf("%s#%d", fb.Backend, i+1),
			loader: pinned(l, fb),
		})
	}
	return links, nil
}

// pinned makes l ignore the requested model path and DTW preset when b names
// its own model.
func pinned(l engine.Loader, b BackendConfig) engine.Loader {
	if b.ModelPath == "" {
		return l
	}
	dtw := b.DTW()
	return engine.LoaderFunc(func(ctx context.Context, _ string, _ engine.LoadOptions) (engine.Model, error) {
		return l.Load(ctx, b.ModelPath, engine.LoadOptions{DTW: dtw})
	})
}

// settings converts the YAML block into breaker settings.
func (c CircuitBreakerConfig) settings() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		MaxFailures:  c.MaxFailures,
		ResetTimeout: c.ResetTimeout,
	}
}
