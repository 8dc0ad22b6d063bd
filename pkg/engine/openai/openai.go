// Package openai implements engine.Model against the OpenAI audio API.
//
// Transcription requests use the verbose JSON response format so that
// segment boundaries survive the round trip. Translation requests go to the
// translations endpoint, which always produces English text.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/shoutd/pkg/audio"
	"github.com/MrWong99/shoutd/pkg/engine"
	"github.com/MrWong99/shoutd/pkg/transcript"
)

// DefaultModel is the transcription model used when none is configured.
const DefaultModel = string(oai.AudioModelWhisper1)

// Compile-time assertions.
var (
	_ engine.Model  = (*Model)(nil)
	_ engine.Loader = (*Loader)(nil)
)

// config holds optional configuration for the model.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option is a functional option for Model.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Any server that
// speaks the OpenAI audio API works, including local proxies.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// Model implements engine.Model using the OpenAI audio API.
type Model struct {
	client oai.Client
	model  string
}

// New constructs a Model for the given API key and model name. An empty
// model selects [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Model, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Model{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Loader produces Models sharing one API key and option set. The path given
// to Load is the model name.
type Loader struct {
	apiKey string
	opts   []Option
}

// NewLoader returns a [Loader].
func NewLoader(apiKey string, opts ...Option) *Loader {
	return &Loader{apiKey: apiKey, opts: opts}
}

// Load implements engine.Loader. DTW presets do not apply to the API and
// are ignored.
func (l *Loader) Load(ctx context.Context, path string, _ engine.LoadOptions) (engine.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("openai: load: %w", err)
	}
	return New(l.apiKey, path, l.opts...)
}

// Multilingual implements engine.Model. The hosted models all are.
func (m *Model) Multilingual() bool { return true }

// KnownLanguage implements engine.Model.
func (m *Model) KnownLanguage(code string) bool { return engine.KnownLanguage(code) }

// Close implements engine.Model. The client holds no resources.
func (m *Model) Close() error { return nil }

// Transcribe implements engine.Model. The samples are uploaded as a 16 kHz
// mono WAV file. Parameters the API does not understand (threads, segment
// length, audio context) are ignored.
func (m *Model) Transcribe(ctx context.Context, samples []float32, p engine.Params, cb engine.Callbacks) (transcript.Result, error) {
	if !cb.ShouldContinue() {
		return transcript.Result{Language: p.Language}, engine.ErrAborted
	}

	reqCtx, aborted, stop := engine.WatchAbort(ctx, cb)
	defer stop()

	cb.EmitProgress(0)
	raw, err := m.request(reqCtx, samples, p)
	if err != nil {
		if aborted() {
			return transcript.Result{Language: p.Language}, engine.ErrAborted
		}
		return transcript.Result{}, err
	}

	res, err := parseVerbose(raw, p)
	if err != nil {
		return transcript.Result{}, err
	}
	cb.EmitSegments(res.Language, res.Segments)
	cb.EmitProgress(100)
	return res, nil
}

// request sends the audio to the transcriptions or translations endpoint
// and returns the raw JSON body.
func (m *Model) request(ctx context.Context, samples []float32, p engine.Params) (string, error) {
	wav := audio.EncodeWAV(audio.Float32ToS16LE(samples), audio.SampleRate, 1)
	file := oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav")

	if p.Translate {
		resp, err := m.client.Audio.Translations.New(ctx, oai.AudioTranslationNewParams{
			File:           file,
			Model:          oai.AudioModel(m.model),
			ResponseFormat: oai.AudioTranslationNewParamsResponseFormat("verbose_json"),
			Temperature:    oai.Float(0),
		})
		if err != nil {
			return "", fmt.Errorf("openai: translate audio: %w", err)
		}
		return resp.RawJSON(), nil
	}

	params := oai.AudioTranscriptionNewParams{
		File:                   file,
		Model:                  oai.AudioModel(m.model),
		ResponseFormat:         oai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []string{"segment"},
		Temperature:            oai.Float(0),
	}
	if p.TokenTimestamps {
		params.TimestampGranularities = append(params.TimestampGranularities, "word")
	}
	if p.Language != "" && p.Language != engine.LanguageAuto && !p.DetectLanguage {
		params.Language = oai.String(p.Language)
	}
	resp, err := m.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: transcribe audio: %w", err)
	}
	return resp.RawJSON(), nil
}

// verboseResponse is the subset of the verbose JSON response that maps onto
// transcript segments.
type verboseResponse struct {
	Language string           `json:"language"`
	Text     string           `json:"text"`
	Segments []verboseSegment `json:"segments"`
	Words    []verboseWord    `json:"words"`
}

type verboseSegment struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Tokens     []int   `json:"tokens"`
	AvgLogprob float64 `json:"avg_logprob"`
}

type verboseWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// parseVerbose converts a verbose JSON body to a result. Word timings are
// attached as tokens to the segment they fall into; when the response has
// no words each token id becomes a text-less token. The API reports no
// per-token probability, so every token carries the segment's average
// probability.
func parseVerbose(raw string, p engine.Params) (transcript.Result, error) {
	var v verboseResponse
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return transcript.Result{}, fmt.Errorf("openai: parse verbose response: %w", err)
	}

	lang := v.Language
	if p.Language != "" && p.Language != engine.LanguageAuto && !p.DetectLanguage && !p.Translate {
		lang = p.Language
	}
	if lang == "" {
		lang = engine.LanguageAuto
	}

	// A plain text response with no segments still yields one segment.
	if len(v.Segments) == 0 && v.Text != "" {
		v.Segments = []verboseSegment{{Text: v.Text}}
	}

	res := transcript.Result{Language: lang, Segments: make([]transcript.Segment, 0, len(v.Segments))}
	wi := 0
	for _, s := range v.Segments {
		seg := transcript.Segment{
			Text: s.Text,
			T0:   secondsToTicks(s.Start),
			T1:   secondsToTicks(s.End),
		}
		prob := float32(math.Exp(s.AvgLogprob))

		if len(v.Words) > 0 {
			for wi < len(v.Words) && v.Words[wi].Start < s.End {
				w := v.Words[wi]
				tok := newToken(-1, w.Word, prob)
				if p.TokenTimestamps {
					tok.T0 = secondsToTicks(w.Start)
					tok.T1 = secondsToTicks(w.End)
				}
				seg.Tokens = append(seg.Tokens, tok)
				wi++
			}
		} else {
			for _, id := range s.Tokens {
				seg.Tokens = append(seg.Tokens, newToken(id, "", prob))
			}
		}
		res.Segments = append(res.Segments, seg)
	}
	return res, nil
}

func newToken(id int, text string, p float32) transcript.Token {
	return transcript.Token{
		ID:   id,
		Text: text,
		P:    p,
		T0:   transcript.NoTime,
		T1:   transcript.NoTime,
		TDTW: transcript.NoTime,
	}
}

func secondsToTicks(s float64) int64 {
	return transcript.Ticks(time.Duration(s * float64(time.Second)))
}
