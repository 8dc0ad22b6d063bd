package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/shoutd/internal/observe"
	"github.com/MrWong99/shoutd/pkg/abort"
	"github.com/MrWong99/shoutd/pkg/audio"
	"github.com/MrWong99/shoutd/pkg/engine"
	"github.com/MrWong99/shoutd/pkg/events"
	"github.com/MrWong99/shoutd/pkg/transcript"
)

// BatchParams are the caller-supplied options of one batch run.
type BatchParams struct {
	// Language is an ISO 639-1 code or "auto". Unsupported codes are
	// silently replaced, see engine.ResolveLanguage.
	Language string

	// Threads is the requested thread count. It is clamped with
	// engine.BatchThreads.
	Threads int

	// Translate requests translation into English.
	Translate bool

	// MaxLen caps the segment length in characters. Zero means no limit.
	MaxLen int

	// SplitOnWord makes MaxLen split on word boundaries.
	SplitOnWord bool

	// SuppressNonSpeech suppresses non-speech tokens.
	SuppressNonSpeech bool
}

// RunHandle identifies a started batch run.
type RunHandle struct {
	// ID is the run identifier stamped on every event of the run.
	ID string

	done <-chan struct{}
}

// Done returns a channel closed when the run's worker has finished and its
// terminal event has been emitted.
func (h RunHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run has finished.
func (h RunHandle) Wait() {
	if h.done != nil {
		<-h.done
	}
}

// BatchOption is a functional option for [NewBatch].
type BatchOption func(*Batch)

// WithBatchMetrics records run and inference metrics into m.
func WithBatchMetrics(m *observe.Metrics) BatchOption {
	return func(b *Batch) { b.metrics = m }
}

// WithBatchIDs replaces the run ID generator.
func WithBatchIDs(newID func() string) BatchOption {
	return func(b *Batch) { b.newID = newID }
}

// Batch runs one-shot transcriptions against an attached model. At most one
// run is active at any time: [Batch.Start] waits for the previous worker to
// finish before it starts the next one.
//
// All methods are safe for concurrent use.
type Batch struct {
	sink    events.Sink
	metrics *observe.Metrics
	newID   func() string

	// startMu serialises Start, Attach and Teardown so that joining the
	// previous worker and spawning the next happen as one step.
	startMu sync.Mutex

	mu    sync.Mutex
	model engine.Model
	done  chan struct{}
	runID string

	token   abort.Token
	running atomic.Bool
	state   atomicState
}

// NewBatch creates a Batch that reports to sink. A model must be attached
// with [Batch.Attach] before runs can start.
func NewBatch(sink events.Sink, opts ...BatchOption) *Batch {
	if sink == nil {
		sink = events.Discard
	}
	b := &Batch{sink: sink, newID: newRunID}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Attach installs m as the model for future runs. A run in progress keeps
// the model it started with; Attach waits for it to finish first. The
// previously attached model, if any, is returned to the caller unclosed.
func (b *Batch) Attach(m engine.Model) engine.Model {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	b.join()

	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.model
	b.model = m
	return prev
}

// Model returns the attached model or nil.
func (b *Batch) Model() engine.Model {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.model
}

// Start begins a transcription of samples. It fails with
// [ErrModelNotLoaded] when no model is attached. If a previous run is still
// in progress Start blocks until it has finished.
//
// The run reports progress and new segments as they are produced and ends
// with exactly one terminal event: onTranscribed, onCanceled or onFailed.
func (b *Batch) Start(samples []float32, p BatchParams) (RunHandle, error) {
	b.startMu.Lock()
	defer b.startMu.Unlock()

	b.mu.Lock()
	model := b.model
	b.mu.Unlock()
	if model == nil {
		return RunHandle{}, ErrModelNotLoaded
	}

	b.join()

	params := b.resolve(model, p)
	id := b.newID()
	done := make(chan struct{})

	// The token reset and the running flag change together under mu so that
	// a concurrent Cancel either lands on the new run or reports none.
	b.mu.Lock()
	b.done = done
	b.runID = id
	b.token.Reset()
	b.state.Store(StateRunning)
	b.running.Store(true)
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.ActiveRuns.Add(context.Background(), 1)
	}

	slog.Info("batch run starting",
		"run_id", id,
		"samples", len(samples),
		"seconds", float64(len(samples))/audio.SampleRate,
		"language", params.Language,
		"translate", params.Translate,
		"threads", params.Threads,
		"max_len", params.MaxLen,
		"split_on_word", params.SplitOnWord,
		"suppress_non_speech", params.SuppressNonSpeech,
	)

	go b.run(id, model, samples, params, done)
	return RunHandle{ID: id, done: done}, nil
}

// resolve turns caller parameters into engine parameters for model.
func (b *Batch) resolve(model engine.Model, p BatchParams) engine.Params {
	params, changed := engine.ResolveLanguage(model, engine.Params{
		Language:  p.Language,
		Translate: p.Translate,
	})
	if changed {
		slog.Info("batch language not supported by model, falling back",
			"requested", p.Language,
			"language", params.Language,
			"detect_language", params.DetectLanguage,
		)
	}
	params.Threads = engine.BatchThreads(p.Threads)
	params.TokenTimestamps = true
	params.MaxLen = p.MaxLen
	params.SplitOnWord = p.SplitOnWord
	params.SuppressNonSpeech = p.SuppressNonSpeech
	return params
}

// run is the worker body of one batch run.
func (b *Batch) run(id string, model engine.Model, samples []float32, params engine.Params, done chan struct{}) {
	defer close(done)

	ctx, span := observe.StartRunSpan(context.Background(), observe.SpanBatch,
		observe.RunIDKey.String(id), len(samples),
		observe.LanguageKey.String(params.Language),
	)
	log := observe.Logger(ctx)

	cb := engine.Callbacks{
		EncoderBegin: b.token.EncoderBegin,
		Abort:        b.token.Abort,
		NewSegments: func(r transcript.Result) {
			// Remote backends hand over every segment at once.
			for i := range r.Segments {
				b.sink.Emit(events.NewSegmentEvent(id, transcript.Encode(r, i, i+1, transcript.ModeSegment)))
			}
		},
		Progress: func(pct int) {
			b.sink.Emit(events.NewProgress(id, pct))
		},
	}

	start := time.Now()
	res, err := model.Transcribe(ctx, samples, params, cb)
	elapsed := time.Since(start)

	var (
		final   RunState
		ev      events.Event
		spanErr error
	)
	switch {
	case b.token.Canceled():
		final = StateCanceled
		ev = events.NewCanceled(id)
		log.Info("batch run canceled", "elapsed", elapsed)
	case err != nil:
		if errors.Is(err, engine.ErrAborted) {
			// The model stopped without our token being set; treat the
			// run as canceled rather than failed.
			final = StateCanceled
			ev = events.NewCanceled(id)
			log.Info("batch run aborted by backend", "elapsed", elapsed)
			break
		}
		final = StateFailed
		ev = events.NewFailed(id, err)
		spanErr = err
		log.Error("batch run failed", "err", err, "elapsed", elapsed)
	default:
		final = StateCompleted
		ev = events.NewTranscribed(id, transcript.EncodeAll(res, transcript.ModeTranscription))
		log.Info("batch run completed",
			"elapsed", elapsed,
			"segments", len(res.Segments),
			"language", res.Language,
		)
	}

	if b.metrics != nil {
		b.metrics.RecordInference(ctx, observe.ModeBatch, final.String(), elapsed)
		b.metrics.RecordRun(ctx, observe.ModeBatch, final.String())
		b.metrics.ActiveRuns.Add(ctx, -1)
	}
	observe.EndRunSpan(span, final.String(), spanErr)

	b.state.Store(final)
	b.running.Store(false)
	b.sink.Emit(ev)
}

// Cancel requests cancellation of the current run. It returns whether a run
// was in progress. The outcome is still reported asynchronously through the
// run's terminal event.
func (b *Batch) Cancel() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token.Cancel()
	if !b.running.Load() {
		return false
	}
	b.state.CompareAndSwap(StateRunning, StateCanceling)
	return true
}

// Running reports whether a run is in progress.
func (b *Batch) Running() bool { return b.running.Load() }

// State returns the state of the most recent run.
func (b *Batch) State() RunState { return b.state.Load() }

// RunID returns the ID of the most recent run or "".
func (b *Batch) RunID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runID
}

// Wait blocks until the current run, if any, has finished.
func (b *Batch) Wait() {
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Teardown waits for the current run, detaches the model and closes it.
// Calling Teardown more than once is safe.
func (b *Batch) Teardown() error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	b.join()

	b.mu.Lock()
	model := b.model
	b.model = nil
	b.mu.Unlock()

	b.state.Store(StateIdle)
	if model == nil {
		return nil
	}
	return model.Close()
}

// join waits for the previous worker. Callers must hold startMu.
func (b *Batch) join() {
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()
	if done != nil {
		<-done
	}
}
