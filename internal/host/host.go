// Package host is the facade a transport binds to. It owns one batch session
// with a long-lived model and one streaming session, and exposes them as the
// small set of calls clients need: load and free the model, start and cancel
// a transcription, start and stop a stream and feed it audio.
//
// All results are reported asynchronously through the events.Sink given to
// [New]. Every method is safe for concurrent use.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/shoutd/internal/observe"
	"github.com/MrWong99/shoutd/internal/session"
	"github.com/MrWong99/shoutd/pkg/engine"
	"github.com/MrWong99/shoutd/pkg/events"
)

// Option is a functional option for [New].
type Option func(*options)

type options struct {
	metrics   *observe.Metrics
	newID     func() string
	bufferCap int
}

// WithMetrics records session metrics into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithIDs replaces the run and stream ID generator.
func WithIDs(newID func() string) Option {
	return func(o *options) { o.newID = newID }
}

// WithStreamBufferCap caps the pending stream audio at n samples. Zero keeps
// the buffer unbounded.
func WithStreamBufferCap(n int) Option {
	return func(o *options) { o.bufferCap = n }
}

// Host binds a batch session and a streaming session to one event sink.
type Host struct {
	loader engine.Loader
	batch  *session.Batch
	stream *session.Stream

	// initMu serialises Init and Free.
	initMu sync.Mutex
}

// New creates a Host. batchLoader loads the model shared by all batch runs;
// streamLoader loads a fresh model for every stream.
func New(batchLoader, streamLoader engine.Loader, sink events.Sink, opts ...Option) *Host {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var (
		batchOpts  []session.BatchOption
		streamOpts = []session.StreamOption{session.WithBufferCap(o.bufferCap)}
	)
	if o.metrics != nil {
		batchOpts = append(batchOpts, session.WithBatchMetrics(o.metrics))
		streamOpts = append(streamOpts, session.WithStreamMetrics(o.metrics))
	}
	if o.newID != nil {
		batchOpts = append(batchOpts, session.WithBatchIDs(o.newID))
		streamOpts = append(streamOpts, session.WithStreamIDs(o.newID))
	}

	return &Host{
		loader: batchLoader,
		batch:  session.NewBatch(sink, batchOpts...),
		stream: session.NewStream(streamLoader, sink, streamOpts...),
	}
}

// Init loads the batch model from modelPath unless one is already loaded.
// It waits for a batch run in progress first. An unknown non-empty DTW
// preset is logged and the model is loaded without DTW.
func (h *Host) Init(ctx context.Context, modelPath, dtwPreset string) error {
	h.initMu.Lock()
	defer h.initMu.Unlock()

	h.batch.Wait()
	if h.batch.Model() != nil {
		slog.Debug("batch model already loaded, ignoring init", "model", modelPath)
		return nil
	}

	preset, err := engine.ParseDTWPreset(dtwPreset)
	if err != nil {
		slog.Error("unknown dtw preset, loading without DTW", "preset", dtwPreset, "err", err)
	} else if preset != engine.DTWNone {
		slog.Info("using dtw preset", "preset", string(preset))
	}

	m, err := h.loader.Load(ctx, modelPath, engine.LoadOptions{DTW: preset})
	if err != nil {
		return fmt.Errorf("host: init %q: %w", modelPath, err)
	}
	if m == nil {
		return fmt.Errorf("host: init %q: loader returned no model", modelPath)
	}
	h.batch.Attach(m)

	slog.Info("batch model loaded",
		"model", modelPath,
		"multilingual", m.Multilingual(),
	)
	return nil
}

// Free waits for a batch run in progress and releases the batch model.
// Calling Free without a loaded model is a no-op.
func (h *Host) Free() error {
	h.initMu.Lock()
	defer h.initMu.Unlock()

	if err := h.batch.Teardown(); err != nil {
		return fmt.Errorf("host: free: %w", err)
	}
	return nil
}

// Loaded reports whether a batch model is loaded.
func (h *Host) Loaded() bool { return h.batch.Model() != nil }

// Transcribe starts a batch run over samples. It returns -1 when no model
// is loaded and 0 once the run has started. A run already in progress is
// waited for first.
func (h *Host) Transcribe(samples []float32, language string, threads int, translate bool, maxLen int, splitOnWord, suppressNonSpeech bool) int {
	_, err := h.Run(samples, session.BatchParams{
		Language:          language,
		Threads:           threads,
		Translate:         translate,
		MaxLen:            maxLen,
		SplitOnWord:       splitOnWord,
		SuppressNonSpeech: suppressNonSpeech,
	})
	if err != nil {
		return -1
	}
	return 0
}

// Run is Transcribe with typed parameters. It returns the handle of the
// started run or [session.ErrModelNotLoaded].
func (h *Host) Run(samples []float32, p session.BatchParams) (session.RunHandle, error) {
	handle, err := h.batch.Start(samples, p)
	if err != nil {
		if errors.Is(err, session.ErrModelNotLoaded) {
			slog.Warn("transcribe requested without a loaded model")
		}
		return session.RunHandle{}, err
	}
	return handle, nil
}

// Cancel asks the current batch run to stop. It returns 1 if a run was in
// progress and 0 otherwise.
func (h *Host) Cancel() int {
	if h.batch.Cancel() {
		return 1
	}
	return 0
}

// BatchRunning reports whether a batch run is in progress.
func (h *Host) BatchRunning() bool { return h.batch.Running() }

// StartStream loads the stream model and starts the stream loop. It fails
// with [session.ErrAlreadyRunning] while a stream runs and with
// [session.ErrModelLoadFailed] when the model cannot be loaded.
func (h *Host) StartStream(ctx context.Context, modelPath, language string, threads int, translate bool, maxTokens, audioCtx int, suppressNonSpeech bool) error {
	return h.StartStreamWith(ctx, session.StreamParams{
		ModelPath:         modelPath,
		Language:          language,
		Threads:           threads,
		Translate:         translate,
		MaxTokens:         maxTokens,
		AudioCtx:          audioCtx,
		SuppressNonSpeech: suppressNonSpeech,
	})
}

// StartStreamWith is StartStream with typed parameters.
func (h *Host) StartStreamWith(ctx context.Context, p session.StreamParams) error {
	if err := h.stream.Start(ctx, p); err != nil {
		return fmt.Errorf("host: start stream: %w", err)
	}
	return nil
}

// StopStream asks the stream loop to end. It returns immediately.
func (h *Host) StopStream() { h.stream.Stop() }

// SetStreamAudio appends mono 16 kHz samples to the stream buffer.
func (h *Host) SetStreamAudio(samples []float32) { h.stream.Append(samples) }

// StreamRunning reports whether a stream loop is active.
func (h *Host) StreamRunning() bool { return h.stream.Running() }

// StreamID returns the current or most recent stream ID.
func (h *Host) StreamID() string { return h.stream.ID() }

// StreamStatus returns the last reported stream status.
func (h *Host) StreamStatus() session.StreamStatus { return h.stream.Status() }

// WaitStream blocks until the stream loop, if any, has ended.
func (h *Host) WaitStream() { h.stream.Wait() }

// Shutdown cancels the batch run, stops the stream, waits for both workers
// and releases the batch model.
func (h *Host) Shutdown() error {
	h.batch.Cancel()
	h.stream.Stop()
	h.stream.Wait()
	return h.Free()
}
