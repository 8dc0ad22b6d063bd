// Command shoutd is the main entry point for the shoutd transcription server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/shoutd/internal/config"
	"github.com/MrWong99/shoutd/internal/health"
	"github.com/MrWong99/shoutd/internal/host"
	"github.com/MrWong99/shoutd/internal/observe"
	"github.com/MrWong99/shoutd/internal/resilience"
	"github.com/MrWong99/shoutd/internal/server"
	"github.com/MrWong99/shoutd/pkg/engine"
	"github.com/MrWong99/shoutd/pkg/engine/openai"
	"github.com/MrWong99/shoutd/pkg/engine/whispercpp"
	"github.com/MrWong99/shoutd/pkg/engine/whisperserver"
	"github.com/MrWong99/shoutd/pkg/events"
	"github.com/MrWong99/shoutd/pkg/events/kafka"
	"github.com/MrWong99/shoutd/pkg/store/postgres"
	"github.com/MrWong99/shoutd/pkg/vad"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// logLevel is shared by the default logger so that hot reloads can change
// verbosity without rebuilding the handler.
var logLevel slog.LevelVar

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "shoutd: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "shoutd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("shoutd starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"backend", cfg.Engine.Backend,
		"fallbacks", len(cfg.Engine.Fallbacks),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	fallbacks := make([]string, 0, len(cfg.Engine.Fallbacks))
	for _, fb := range cfg.Engine.Fallbacks {
		fallbacks = append(fallbacks, string(fb.Backend))
	}
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
		Backend:        string(cfg.Engine.Backend),
		Fallbacks:      fallbacks,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	batchLoader, err := reg.TranscribeFailover(cfg.Engine)
	if err != nil {
		slog.Error("failed to build engine", "err", err)
		return 1
	}
	streamLoader, err := reg.LoadFailover(cfg.Engine)
	if err != nil {
		slog.Error("failed to build stream engine", "err", err)
		return 1
	}

	// ── Event sinks ───────────────────────────────────────────────────────────
	hub := events.NewHub()
	sinks, checkers, closers, err := buildSinks(ctx, cfg, hub, metrics)
	if err != nil {
		slog.Error("failed to build event sinks", "err", err)
		return 1
	}
	defer closeAll(closers)
	defer hub.Close()

	// ── Host ──────────────────────────────────────────────────────────────────
	h := host.New(batchLoader, streamLoader,
		observe.CountingSink{Metrics: metrics, Next: sinks},
		host.WithMetrics(metrics),
		host.WithStreamBufferCap(cfg.Stream.BufferCapSamples()),
	)
	defer func() {
		if err := h.Shutdown(); err != nil {
			slog.Warn("host shutdown error", "err", err)
		}
	}()

	if err := h.Init(ctx, cfg.Engine.ModelPath, cfg.Engine.DTWPreset); err != nil {
		// Streams load their own model, so the server still starts. Readiness
		// reports the missing batch model.
		slog.Error("failed to load batch model", "model", cfg.Engine.ModelPath, "err", err)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	checkers = append([]health.Checker{health.ModelLoaded(h.Loaded)}, checkers...)
	srv := server.New(h, hub, cfg,
		server.WithHealth(health.New(checkers...)),
		server.WithMetrics(metrics, cfg.Observability.MetricsPath),
		server.WithVAD(reg.CreateVAD),
	)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(srv, config.Diff(old, new))
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("shutdown signal received, stopping…")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires all built-in engine and VAD factories into
// reg.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterBackend(config.BackendWhisperCPP, func(config.BackendConfig) (engine.Loader, error) {
		return whispercpp.NewLoader(), nil
	})

	reg.RegisterBackend(config.BackendWhisperServer, func(b config.BackendConfig) (engine.Loader, error) {
		opts := []whisperserver.Option{whisperserver.WithMultilingual(b.IsMultilingual())}
		if b.ModelPath != "" {
			opts = append(opts, whisperserver.WithModel(b.ModelPath))
		}
		if b.Timeout > 0 {
			opts = append(opts, whisperserver.WithTimeout(b.Timeout))
		}
		return whisperserver.NewLoader(b.ServerURL, opts...), nil
	})

	reg.RegisterBackend(config.BackendOpenAI, func(b config.BackendConfig) (engine.Loader, error) {
		var opts []openai.Option
		if b.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(b.BaseURL))
		}
		if b.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(b.Timeout))
		}
		apiKey := b.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return openai.NewLoader(apiKey, opts...), nil
	})

	reg.RegisterVAD(config.DefaultDetector, func(g config.GateConfig) (vad.Engine, error) {
		var opts []vad.EnergyOption
		if g.ReferenceRMS > 0 {
			opts = append(opts, vad.WithReferenceRMS(g.ReferenceRMS))
		}
		return vad.NewEnergyEngine(opts...), nil
	})

	for _, name := range reg.Backends() {
		slog.Debug("registered engine backend", "name", name)
	}
}

// buildSinks assembles the event fan-out: the WebSocket hub first, then the
// optional log, Kafka and Postgres sinks. Network-bound publishers are
// wrapped in a [resilience.PublisherSink] so they never stall inference.
// The returned closers must run after the host has stopped emitting.
func buildSinks(ctx context.Context, cfg *config.Config, hub *events.Hub, metrics *observe.Metrics) (events.Multi, []health.Checker, []io.Closer, error) {
	var (
		sinks    = events.Multi{hub}
		checkers []health.Checker
		closers  []io.Closer
	)
	sinkOpts := []resilience.PublisherSinkOption{
		resilience.WithQueueSize(cfg.Sinks.QueueSize),
		resilience.WithPublishTimeout(cfg.Sinks.PublishTimeout),
		resilience.WithSinkMetrics(metrics),
	}

	if cfg.Sinks.Log {
		sinks = append(sinks, events.LogSink{})
	}

	if k := cfg.Sinks.Kafka; k.Enabled() {
		pub, err := kafka.New(kafka.Config{
			Brokers:         k.Brokers,
			TopicPartial:    k.TopicPartial,
			TopicFinal:      k.TopicFinal,
			IncludeProgress: k.IncludeProgress,
			ClientID:        k.ClientID,
		})
		if err != nil {
			closeAll(closers)
			return nil, nil, nil, fmt.Errorf("kafka sink: %w", err)
		}
		ps := resilience.NewPublisherSink("kafka", pub, sinkOpts...)
		sinks = append(sinks, ps)
		checkers = append(checkers, health.BreakerClosed("kafka", ps.Breaker()))
		closers = append(closers, ps)
		slog.Info("event sink enabled", "sink", "kafka", "brokers", k.Brokers)
	}

	if dsn := cfg.Sinks.Postgres.DSN; dsn != "" {
		store, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			closeAll(closers)
			return nil, nil, nil, fmt.Errorf("postgres sink: %w", err)
		}
		ps := resilience.NewPublisherSink("postgres", postgres.NewArchiver(store), sinkOpts...)
		sinks = append(sinks, ps)
		checkers = append(checkers,
			health.Ping("postgres", store, true),
			health.BreakerClosed("postgres-sink", ps.Breaker()),
		)
		// The archive publisher drains before the pool goes away.
		closers = append(closers, ps, closerFunc(func() error { store.Close(); return nil }))
		slog.Info("event sink enabled", "sink", "postgres")
	}

	return sinks, checkers, closers, nil
}

// applyConfigChange applies the hot-reloadable part of d and warns about
// the rest.
func applyConfigChange(srv *server.Server, d config.ConfigDiff) {
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.BatchChanged {
		srv.SetBatchDefaults(d.NewBatch)
		slog.Info("batch defaults reloaded", "language", d.NewBatch.Language, "threads", d.NewBatch.Threads)
	}
	if d.StreamChanged {
		srv.SetStreamDefaults(d.NewStream)
		slog.Info("stream defaults reloaded, applies to new streams", "language", d.NewStream.Language)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// closeAll closes cs in order, logging failures.
func closeAll(cs []io.Closer) {
	for _, c := range cs {
		if err := c.Close(); err != nil {
			slog.Warn("close error", "err", err)
		}
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	logLevel.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &logLevel}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
