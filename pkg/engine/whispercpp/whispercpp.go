// Package whispercpp implements engine.Model on top of the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// The model is loaded once and each Transcribe call creates a fresh
// whisper.cpp context from it, so contexts never leak state between runs.
package whispercpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/shoutd/pkg/engine"
	"github.com/MrWong99/shoutd/pkg/transcript"
)

// Compile-time assertions.
var (
	_ engine.Model  = (*Model)(nil)
	_ engine.Loader = (*Loader)(nil)
)

// Loader loads whisper.cpp model files from disk.
type Loader struct{}

// NewLoader returns a [Loader].
func NewLoader() *Loader { return &Loader{} }

// Load implements engine.Loader. path is the ggml model file.
func (l *Loader) Load(ctx context.Context, path string, opts engine.LoadOptions) (engine.Model, error) {
	return New(ctx, path, opts)
}

// Model is a whisper.cpp model loaded into memory.
type Model struct {
	model     whisperlib.Model
	path      string
	dtw       engine.DTWPreset
	languages map[string]struct{}

	closeOnce sync.Once
	closeErr  error
}

// New loads the model at path. The bindings do not expose DTW alignment
// heads, so a non-empty opts.DTW is recorded and logged but every token
// reports an absent DTW timestamp.
func New(ctx context.Context, path string, opts engine.LoadOptions) (*Model, error) {
	if path == "" {
		return nil, errors.New("whispercpp: model path must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whispercpp: load model %q: %w", path, err)
	}
	model, err := whisperlib.New(path)
	if err != nil {
		return nil, fmt.Errorf("whispercpp: load model %q: %w", path, err)
	}

	m := &Model{
		model:     model,
		path:      path,
		dtw:       opts.DTW,
		languages: make(map[string]struct{}),
	}
	for _, code := range model.Languages() {
		m.languages[code] = struct{}{}
	}
	if opts.DTW != engine.DTWNone {
		slog.Warn("whispercpp: dtw alignment is not available through the bindings, token dtw timestamps stay empty",
			"preset", string(opts.DTW),
			"path", path,
		)
	}
	slog.Info("whispercpp: model loaded",
		"path", path,
		"multilingual", model.IsMultilingual(),
		"languages", len(m.languages),
	)
	return m, nil
}

// Multilingual implements engine.Model.
func (m *Model) Multilingual() bool {
	return m.model.IsMultilingual()
}

// KnownLanguage implements engine.Model.
func (m *Model) KnownLanguage(code string) bool {
	if len(m.languages) == 0 {
		return engine.KnownLanguage(code)
	}
	_, ok := m.languages[code]
	return ok
}

// Close releases the model. Safe to call more than once.
func (m *Model) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.model.Close()
	})
	return m.closeErr
}

// Transcribe implements engine.Model.
//
// The bindings only expose the encoder-begin hook, so Callbacks.Abort is
// folded into it and honoured at the next encoder pass. A run stopped that
// way returns the segments produced so far together with engine.ErrAborted.
func (m *Model) Transcribe(ctx context.Context, samples []float32, p engine.Params, cb engine.Callbacks) (transcript.Result, error) {
	wctx, err := m.model.NewContext()
	if err != nil {
		return transcript.Result{}, fmt.Errorf("whispercpp: create context: %w", err)
	}
	if err := m.configure(wctx, p); err != nil {
		return transcript.Result{}, err
	}

	stopped := false
	encoderBegin := func() bool {
		if ctx.Err() != nil || !cb.ShouldContinue() {
			stopped = true
			return false
		}
		return true
	}

	var segments []transcript.Segment
	onSegment := func(s whisperlib.Segment) {
		seg := convertSegment(s, p.TokenTimestamps)
		segments = append(segments, seg)
		cb.EmitSegments(detected(wctx, p.Language), []transcript.Segment{seg})
	}
	onProgress := func(pct int) { cb.EmitProgress(pct) }

	if err := wctx.Process(samples, encoderBegin, onSegment, onProgress); err != nil {
		if stopped {
			return transcript.Result{Language: detected(wctx, p.Language), Segments: segments}, engine.ErrAborted
		}
		return transcript.Result{}, fmt.Errorf("whispercpp: process audio: %w", err)
	}

	// Segments not delivered through the callback are still readable.
	for {
		s, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return transcript.Result{}, fmt.Errorf("whispercpp: read segment: %w", err)
		}
		if s.Num < len(segments) {
			continue
		}
		segments = append(segments, convertSegment(s, p.TokenTimestamps))
	}

	res := transcript.Result{Language: detected(wctx, p.Language), Segments: segments}
	if stopped {
		return res, engine.ErrAborted
	}
	return res, nil
}

// configure applies p to a fresh context. Parameters the bindings do not
// expose are logged at debug level and otherwise ignored.
func (m *Model) configure(wctx whisperlib.Context, p engine.Params) error {
	lang := p.Language
	if lang == "" || p.DetectLanguage {
		lang = engine.LanguageAuto
	}
	if err := wctx.SetLanguage(lang); err != nil {
		if lang == engine.LanguageAuto {
			return fmt.Errorf("whispercpp: set language %q: %w", lang, err)
		}
		slog.Warn("whispercpp: failed to set language, using auto", "language", lang, "err", err)
		if err := wctx.SetLanguage(engine.LanguageAuto); err != nil {
			return fmt.Errorf("whispercpp: set language auto: %w", err)
		}
	}
	if m.model.IsMultilingual() {
		wctx.SetTranslate(p.Translate)
	}
	if p.Threads > 0 {
		wctx.SetThreads(uint(p.Threads))
	}
	wctx.SetTokenTimestamps(p.TokenTimestamps)
	if p.MaxLen > 0 {
		wctx.SetMaxSegmentLength(uint(p.MaxLen))
	}
	wctx.SetSplitOnWord(p.SplitOnWord)
	if p.MaxTokens > 0 {
		wctx.SetMaxTokensPerSegment(uint(p.MaxTokens))
	}
	if p.AudioCtx > 0 {
		wctx.SetAudioCtx(uint(p.AudioCtx))
	}
	if p.NoContext {
		wctx.SetMaxContext(0)
	}
	wctx.SetTemperatureFallback(p.TemperatureInc)

	if p.SingleSegment || p.NoTimestamps || p.SuppressNonSpeech {
		slog.Debug("whispercpp: parameters not exposed by the bindings",
			"single_segment", p.SingleSegment,
			"no_timestamps", p.NoTimestamps,
			"suppress_non_speech", p.SuppressNonSpeech,
		)
	}
	return nil
}

// detected returns the language the context ended up using.
func detected(wctx whisperlib.Context, requested string) string {
	if lang := wctx.DetectedLanguage(); lang != "" {
		return lang
	}
	if requested == "" {
		return engine.LanguageAuto
	}
	return requested
}

// convertSegment maps a bindings segment to a transcript segment. Token
// ranges are kept only when token timestamps were requested.
func convertSegment(s whisperlib.Segment, tokenTimestamps bool) transcript.Segment {
	seg := transcript.Segment{
		Text:   s.Text,
		T0:     transcript.Ticks(s.Start),
		T1:     transcript.Ticks(s.End),
		Tokens: make([]transcript.Token, 0, len(s.Tokens)),
	}
	for _, t := range s.Tokens {
		tok := transcript.Token{
			ID:   t.Id,
			Text: t.Text,
			P:    t.P,
			T0:   transcript.NoTime,
			T1:   transcript.NoTime,
			TDTW: transcript.NoTime,
		}
		if tokenTimestamps {
			tok.T0 = transcript.Ticks(t.Start)
			tok.T1 = transcript.Ticks(t.End)
		}
		seg.Tokens = append(seg.Tokens, tok)
	}
	seg.Tokens = slices.Clip(seg.Tokens)
	return seg
}
