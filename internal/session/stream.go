package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/shoutd/internal/observe"
	"github.com/MrWong99/shoutd/pkg/audio"
	"github.com/MrWong99/shoutd/pkg/engine"
	"github.com/MrWong99/shoutd/pkg/events"
	"github.com/MrWong99/shoutd/pkg/transcript"
)

// Stream loop tuning.
const (
	// MinStreamSamples is the number of pending samples that triggers an
	// inference cycle.
	MinStreamSamples = 1024

	// StreamPollInterval is the longest the loop waits for audio before it
	// re-checks whether it was stopped.
	StreamPollInterval = 10 * time.Millisecond
)

// Stream parameter defaults.
const (
	DefaultMaxTokens = 32
	DefaultAudioCtx  = 512
)

// StreamParams configure one streaming session.
type StreamParams struct {
	// ModelPath is handed to the loader.
	ModelPath string

	// DTW selects the alignment preset passed to the loader.
	DTW engine.DTWPreset

	// Language is an ISO 639-1 code or "auto". It is passed through
	// unchanged.
	Language string

	// Threads is the requested thread count, clamped with
	// engine.StreamThreads.
	Threads int

	// Translate requests translation into English.
	Translate bool

	// MaxTokens caps the tokens per cycle. Zero selects [DefaultMaxTokens].
	MaxTokens int

	// AudioCtx is the encoder audio context. Zero selects [DefaultAudioCtx].
	AudioCtx int

	// SuppressNonSpeech suppresses non-speech tokens.
	SuppressNonSpeech bool
}

// engineParams returns the streaming-tuned inference parameters.
func (p StreamParams) engineParams() engine.Params {
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	audioCtx := p.AudioCtx
	if audioCtx <= 0 {
		audioCtx = DefaultAudioCtx
	}
	lang := p.Language
	if lang == "" {
		lang = engine.LanguageAuto
	}
	return engine.Params{
		Language:          lang,
		Translate:         p.Translate,
		Threads:           engine.StreamThreads(p.Threads),
		NoContext:         true,
		SingleSegment:     true,
		NoTimestamps:      true,
		MaxTokens:         maxTokens,
		AudioCtx:          audioCtx,
		TemperatureInc:    0,
		SuppressNonSpeech: p.SuppressNonSpeech,
	}
}

// StreamOption is a functional option for [NewStream].
type StreamOption func(*Stream)

// WithStreamMetrics records cycle, inference and buffer metrics into m.
func WithStreamMetrics(m *observe.Metrics) StreamOption {
	return func(s *Stream) { s.metrics = m }
}

// WithStreamIDs replaces the stream ID generator.
func WithStreamIDs(newID func() string) StreamOption {
	return func(s *Stream) { s.newID = newID }
}

// WithBufferCap caps the pending audio at n samples, dropping the oldest
// samples when exceeded. The default is unbounded.
func WithBufferCap(n int) StreamOption {
	return func(s *Stream) { s.bufCap = n }
}

// Stream transcribes continuously arriving audio. Each stream owns its own
// model, loaded by [Stream.Start] and released when the loop ends.
//
// Status changes are reported as onStreamStatus events, each status only
// once per transition. Every successful inference cycle reports one
// onStreamTranscription event.
//
// All methods are safe for concurrent use.
type Stream struct {
	loader  engine.Loader
	status  *events.Dedup
	sink    events.Sink
	metrics *observe.Metrics
	newID   func() string
	bufCap  int
	buf     *audio.StreamBuffer

	mu   sync.Mutex
	done chan struct{}
	id   string

	running atomic.Bool
}

// NewStream creates a Stream that loads models through loader and reports
// to sink.
func NewStream(loader engine.Loader, sink events.Sink, opts ...StreamOption) *Stream {
	if sink == nil {
		sink = events.Discard
	}
	s := &Stream{
		loader: loader,
		newID:  newRunID,
	}
	for _, o := range opts {
		o(s)
	}
	s.status = &events.Dedup{Next: sink}
	s.sink = s.status
	s.buf = audio.NewStreamBuffer(audio.WithMaxSamples(s.bufCap))
	return s
}

// Start loads the model described by p and starts the consumer loop. It
// fails with [ErrAlreadyRunning] while a loop is active and with
// [ErrModelLoadFailed] when the loader fails; in both cases no worker is
// started.
func (s *Stream) Start(ctx context.Context, p StreamParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return ErrAlreadyRunning
	}

	model, err := s.loader.Load(ctx, p.ModelPath, engine.LoadOptions{DTW: p.DTW})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrModelLoadFailed, err)
	}
	if model == nil {
		return ErrModelLoadFailed
	}

	// The previous loop has already left its iteration; wait for it to
	// release its model and report stopped.
	if s.done != nil {
		<-s.done
	}
	// Audio that arrived after the previous stream stopped belongs to it.
	if n := s.buf.Len(); n > 0 {
		slog.Debug("discarding audio left from previous stream", "samples", n)
	}
	s.buf.Reset()

	id := s.newID()
	done := make(chan struct{})
	s.id = id
	s.done = done
	s.running.Store(true)

	params := p.engineParams()
	slog.Info("stream starting",
		"stream_id", id,
		"model", p.ModelPath,
		"language", params.Language,
		"translate", params.Translate,
		"threads", params.Threads,
		"max_tokens", params.MaxTokens,
		"audio_ctx", params.AudioCtx,
	)

	go s.loop(id, model, params, done)
	return nil
}

// Stop asks the loop to end. It returns immediately; the loop notices at
// its next iteration and an inference in flight is asked to abort at its
// next cooperative check.
func (s *Stream) Stop() {
	if s.running.CompareAndSwap(true, false) {
		slog.Info("stream stop requested")
	}
}

// Append adds mono 16 kHz samples to the pending buffer. Samples appended
// while no loop is running are discarded by the next [Stream.Start].
func (s *Stream) Append(samples []float32) {
	if dropped := s.buf.Append(samples); dropped > 0 && s.metrics != nil {
		s.metrics.RecordDropped(context.Background(), dropped)
	}
}

// Running reports whether the loop is active and has not been asked to
// stop.
func (s *Stream) Running() bool { return s.running.Load() }

// Status returns the last reported status, or "" before the first stream.
func (s *Stream) Status() StreamStatus { return StreamStatus(s.status.Last()) }

// ID returns the current or most recent stream ID.
func (s *Stream) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Pending returns the number of buffered samples.
func (s *Stream) Pending() int { return s.buf.Len() }

// Wait blocks until the current loop, if any, has ended.
func (s *Stream) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// setStatus reports st through the deduplicating sink.
func (s *Stream) setStatus(id string, st StreamStatus) {
	s.sink.Emit(events.NewStreamStatus(id, string(st)))
}

// loop is the consumer worker of one stream.
func (s *Stream) loop(id string, model engine.Model, params engine.Params, done chan struct{}) {
	ctx := context.Background()
	log := slog.With("stream_id", id)
	if s.metrics != nil {
		s.metrics.ActiveStreams.Add(ctx, 1)
	}

	defer func() {
		if err := model.Close(); err != nil {
			log.Warn("stream model close failed", "err", err)
		}
		s.running.Store(false)
		if s.metrics != nil {
			s.metrics.ActiveStreams.Add(ctx, -1)
		}
		s.setStatus(id, StatusStopped)
		log.Info("stream stopped")
		close(done)
	}()

	s.setStatus(id, StatusLoading)

	cb := engine.Callbacks{
		Abort: func() bool { return !s.running.Load() },
	}

	for s.running.Load() {
		s.setStatus(id, StatusWaiting)

		if !s.buf.WaitReady(ctx, MinStreamSamples, StreamPollInterval) {
			continue
		}
		samples := s.buf.DrainIfReady(MinStreamSamples)
		if samples == nil {
			continue
		}

		s.setStatus(id, StatusProcessing)
		if err := s.cycle(ctx, id, model, samples, params, cb); err != nil {
			if errors.Is(err, engine.ErrAborted) {
				log.Info("stream inference aborted by stop")
			} else {
				log.Error("stream inference failed, stopping", "err", err)
				if s.metrics != nil {
					s.metrics.RecordRun(ctx, observe.ModeStream, StateFailed.String())
				}
			}
			return
		}
	}
	if s.metrics != nil {
		s.metrics.RecordRun(ctx, observe.ModeStream, StateCompleted.String())
	}
}

// cycle runs inference over one drained chunk and reports the result.
func (s *Stream) cycle(ctx context.Context, id string, model engine.Model, samples []float32, params engine.Params, cb engine.Callbacks) error {
	ctx, span := observe.StartRunSpan(ctx, observe.SpanStreamCycle,
		observe.StreamIDKey.String(id), len(samples),
	)

	start := time.Now()
	res, err := model.Transcribe(ctx, samples, params, cb)
	elapsed := time.Since(start)

	status := "ok"
	switch {
	case errors.Is(err, engine.ErrAborted):
		status = "aborted"
	case err != nil:
		status = "error"
	case len(res.Segments) == 0:
		status = "empty"
	}
	if s.metrics != nil {
		s.metrics.RecordInference(ctx, observe.ModeStream, status, elapsed)
		s.metrics.RecordStreamCycle(ctx, status)
	}
	spanErr := err
	if status == "aborted" {
		spanErr = nil
	}
	observe.EndRunSpan(span, status, spanErr)
	if err != nil {
		return err
	}

	// Backends without single-segment decoding may split one cycle into
	// several segments; the cycle still reports them as one.
	doc := ""
	if len(res.Segments) > 0 {
		doc = transcript.EncodeAll(res.Merged(), transcript.ModeSegment)
	}
	observe.Logger(ctx).Debug("stream cycle done",
		"samples", len(samples),
		"segments", len(res.Segments),
		"elapsed", elapsed,
	)
	s.sink.Emit(events.NewStreamTranscription(id, doc))
	return nil
}
