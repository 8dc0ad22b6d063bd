// Package engine defines the inference collaborator behind every
// transcription run: a loaded acoustic [Model], the [Loader] that produces
// it, the per-run [Params] and the [Callbacks] a model reports through.
//
// Concrete backends live in sub-packages:
//
//   - whispercpp runs whisper.cpp in-process through its CGO bindings;
//   - whisperserver talks to a whisper.cpp server over HTTP;
//   - openai calls the OpenAI audio transcription API;
//   - mock is a scriptable test double.
//
// A Model is shared by all runs of one session but a single Model is only
// ever asked to run one inference at a time.
package engine

import (
	"context"
	"errors"

	"github.com/MrWong99/shoutd/pkg/transcript"
)

// ErrAborted is returned by [Model.Transcribe] when the run stopped because
// [Callbacks.EncoderBegin] returned false or [Callbacks.Abort] returned true.
// Backends that finish the run regardless return a nil error instead; callers
// decide cancellation from their own token, not from this error.
var ErrAborted = errors.New("engine: inference aborted")

// Params controls one inference run. The zero value is a plain transcription
// with automatic language detection and backend-chosen defaults.
type Params struct {
	// Language is an ISO 639-1 code or "auto".
	Language string

	// DetectLanguage asks the backend to detect the spoken language.
	DetectLanguage bool

	// Translate asks the backend to translate the speech into English.
	Translate bool

	// Threads is the number of CPU threads a local backend may use.
	// Zero lets the backend choose.
	Threads int

	// TokenTimestamps requests per-token start and end times.
	TokenTimestamps bool

	// MaxLen caps the segment length in characters. Zero means no limit.
	MaxLen int

	// SplitOnWord makes MaxLen split on word boundaries instead of tokens.
	SplitOnWord bool

	// SuppressNonSpeech suppresses non-speech tokens such as [MUSIC].
	SuppressNonSpeech bool

	// NoContext drops the text context carried over from earlier windows.
	NoContext bool

	// SingleSegment forces a single output segment.
	SingleSegment bool

	// NoTimestamps disables segment timestamps.
	NoTimestamps bool

	// MaxTokens caps the number of tokens per segment. Zero means no limit.
	MaxTokens int

	// AudioCtx overrides the encoder audio context size. Zero keeps the
	// model default.
	AudioCtx int

	// TemperatureInc is the temperature fallback increment. Zero disables
	// temperature fallback.
	TemperatureInc float32
}

// Callbacks are the hooks a [Model] invokes during a run. Any field may be
// nil.
type Callbacks struct {
	// EncoderBegin is consulted before every encoder pass. Returning false
	// stops the run.
	EncoderBegin func() bool

	// Abort is consulted between computation steps. Returning true stops the
	// run. Backends without step-level hooks poll it instead.
	Abort func() bool

	// NewSegments receives each batch of newly produced segments. The
	// result carries the current language and only the new segments.
	NewSegments func(transcript.Result)

	// Progress receives the completion percentage in [0, 100].
	Progress func(percent int)
}

// ShouldContinue reports whether the run may continue. It combines both
// predicates for backends that only have one point to check.
func (c Callbacks) ShouldContinue() bool {
	if c.EncoderBegin != nil && !c.EncoderBegin() {
		return false
	}
	if c.Abort != nil && c.Abort() {
		return false
	}
	return true
}

// EmitSegments calls NewSegments if set and segs is non-empty.
func (c Callbacks) EmitSegments(language string, segs []transcript.Segment) {
	if c.NewSegments != nil && len(segs) > 0 {
		c.NewSegments(transcript.Result{Language: language, Segments: segs})
	}
}

// EmitProgress calls Progress if set.
func (c Callbacks) EmitProgress(percent int) {
	if c.Progress != nil {
		c.Progress(percent)
	}
}

// Model is a loaded acoustic model.
//
// Implementations must be safe for a Transcribe call on one goroutine
// concurrent with Multilingual and KnownLanguage calls on another. Close
// must not be called while Transcribe is running.
type Model interface {
	// Multilingual reports whether the model supports languages other than
	// English.
	Multilingual() bool

	// KnownLanguage reports whether code names a language the model can
	// transcribe. "auto" is not a language.
	KnownLanguage(code string) bool

	// Transcribe runs inference over mono float32 samples at 16 kHz and
	// returns every produced segment. Callbacks are invoked synchronously on
	// the calling goroutine or on goroutines that finish before Transcribe
	// returns.
	Transcribe(ctx context.Context, samples []float32, p Params, cb Callbacks) (transcript.Result, error)

	// Close releases the model. It is safe to call more than once.
	Close() error
}

// LoadOptions configures [Loader.Load].
type LoadOptions struct {
	// DTW selects the alignment-head preset for DTW token timestamps.
	// [DTWNone] disables DTW.
	DTW DTWPreset
}

// Loader loads a [Model] from a backend-specific path or model name.
type Loader interface {
	Load(ctx context.Context, path string, opts LoadOptions) (Model, error)
}

// LoaderFunc adapts a function to [Loader].
type LoaderFunc func(ctx context.Context, path string, opts LoadOptions) (Model, error)

// Load implements [Loader].
func (f LoaderFunc) Load(ctx context.Context, path string, opts LoadOptions) (Model, error) {
	return f(ctx, path, opts)
}

var _ Loader = LoaderFunc(nil)
