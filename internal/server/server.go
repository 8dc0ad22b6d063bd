// Package server exposes a [host.Host] over HTTP and WebSocket.
//
// Routes:
//
//	POST /v1/transcribe   raw audio body, starts a batch run
//	POST /v1/cancel       cancels the batch run in progress
//	GET  /v1/events       WebSocket, every event as a text frame
//	GET  /v1/stream       WebSocket, binary audio in, stream events out
//	GET  /healthz         liveness
//	GET  /readyz          readiness
//	GET  /metrics         Prometheus scrape endpoint
//
// Query parameters that a request omits fall back to the batch and stream
// defaults, which can be replaced at run time with [Server.SetBatchDefaults]
// and [Server.SetStreamDefaults].
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/shoutd/internal/config"
	"github.com/MrWong99/shoutd/internal/health"
	"github.com/MrWong99/shoutd/internal/host"
	"github.com/MrWong99/shoutd/internal/observe"
	"github.com/MrWong99/shoutd/pkg/events"
	"github.com/MrWong99/shoutd/pkg/vad"
)

// eventBuffer is the per-connection subscription buffer.
const eventBuffer = 256

// Option is a functional option for [New].
type Option func(*Server)

// WithHealth serves /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics records HTTP metrics into m and serves the Prometheus scrape
// endpoint at path. An empty path disables the endpoint.
func WithMetrics(m *observe.Metrics, path string) Option {
	return func(s *Server) {
		s.metrics = m
		s.metricsPath = path
	}
}

// WithVAD sets the factory used to build a detector for gated streams.
// Without it, streams run ungated even when the gate is enabled.
func WithVAD(factory func(config.GateConfig) (vad.Engine, error)) Option {
	return func(s *Server) { s.newVAD = factory }
}

// Server is the HTTP front end of a [host.Host].
type Server struct {
	host *host.Host
	hub  *events.Hub

	health      *health.Handler
	metrics     *observe.Metrics
	metricsPath string
	newVAD      func(config.GateConfig) (vad.Engine, error)

	cfg config.ServerConfig

	mu     sync.RWMutex
	batch  config.BatchConfig
	stream config.StreamConfig
	engine config.EngineConfig

	httpSrv *http.Server
}

// New creates a Server for h. hub must be one of the sinks h emits to;
// WebSocket clients subscribe to it. Defaults are taken from cfg.
func New(h *host.Host, hub *events.Hub, cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		host:   h,
		hub:    hub,
		cfg:    cfg.Server,
		batch:  cfg.Batch,
		stream: cfg.Stream,
		engine: cfg.Engine,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetBatchDefaults replaces the defaults of subsequent transcribe requests.
func (s *Server) SetBatchDefaults(b config.BatchConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch = b
}

// SetStreamDefaults replaces the defaults of subsequently opened streams.
func (s *Server) SetStreamDefaults(st config.StreamConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream = st
}

// defaults returns a consistent snapshot of the current defaults.
func (s *Server) defaults() (config.BatchConfig, config.StreamConfig, config.EngineConfig) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.batch, s.stream, s.engine
}

// Handler returns the routed handler, wrapped in the observability
// middleware when metrics are configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/transcribe", s.handleTranscribe)
	mux.HandleFunc("POST /v1/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsPath != "" {
		mux.Handle("GET "+s.metricsPath, promhttp.Handler())
	}

	if s.metrics == nil {
		return mux
	}
	return observe.Middleware(s.metrics)(mux)
}

// Run serves on the configured listen address until ctx is done, then
// shuts down gracefully within the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %q: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener. It takes ownership of ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", s.cfg.TLS != nil)
		var err error
		if tls := s.cfg.TLS; tls != nil {
			err = s.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = s.httpSrv.Serve(ln)
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("http server shutting down")
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
