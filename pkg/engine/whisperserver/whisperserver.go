// Package whisperserver implements engine.Model against a running
// whisper.cpp server (the whisper-server binary), which exposes a REST API at
// POST /inference.
//
// Each Transcribe call encodes the samples as a 16-bit WAV file, uploads it
// as multipart/form-data and parses the verbose JSON response into
// transcript segments. The server does all the inference work, so this
// backend is a good fit when the service runs on a machine without the
// whisper.cpp library or when several services share one GPU host.
//
// Usage:
//
//	m, err := whisperserver.New("http://localhost:8080",
//	    whisperserver.WithModel("base.en"),
//	)
//	res, err := m.Transcribe(ctx, samples, engine.Params{Language: "en"}, engine.Callbacks{})
package whisperserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/shoutd/pkg/audio"
	"github.com/MrWong99/shoutd/pkg/engine"
	"github.com/MrWong99/shoutd/pkg/transcript"
)

const defaultTimeout = 120 * time.Second

// Compile-time assertions.
var (
	_ engine.Model  = (*Model)(nil)
	_ engine.Loader = (*Loader)(nil)
)

// Option is a functional option for configuring a Model.
type Option func(*Model)

// WithModel sets the model identifier forwarded to the server (e.g.,
// "base.en", "small"). When empty the server uses whichever model it was
// started with. This is the default.
func WithModel(model string) Option {
	return func(m *Model) { m.model = model }
}

// WithMultilingual declares whether the server's model supports languages
// other than English. The server does not report this, so it has to be
// configured. Defaults to true.
func WithMultilingual(v bool) Option {
	return func(m *Model) { m.multilingual = v }
}

// WithHTTPClient overrides the HTTP client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Model) { m.httpClient = c }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
// Ignored when [WithHTTPClient] is also given.
func WithTimeout(d time.Duration) Option {
	return func(m *Model) { m.timeout = d }
}

// Model implements engine.Model backed by a whisper.cpp HTTP server.
// Transcribe calls are independent requests, so a Model holds no
// per-run state.
type Model struct {
	serverURL    string
	model        string
	multilingual bool
	timeout      time.Duration
	httpClient   *http.Client
}

// New creates a Model that sends requests to the whisper.cpp server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Model, error) {
	if serverURL == "" {
		return nil, errors.New("whisperserver: serverURL must not be empty")
	}
	m := &Model{
		serverURL:    strings.TrimRight(serverURL, "/"),
		multilingual: true,
		timeout:      defaultTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: m.timeout}
	}
	return m, nil
}

// Loader produces Models for one server. The path handed to Load is the
// model identifier forwarded to the server and may be empty.
type Loader struct {
	serverURL string
	opts      []Option
}

// NewLoader returns a [Loader] for the server at serverURL.
func NewLoader(serverURL string, opts ...Option) *Loader {
	return &Loader{serverURL: serverURL, opts: opts}
}

// Load implements engine.Loader. It does not contact the server; the first
// Transcribe call does. The DTW preset is configured on the server side and
// ignored here.
func (l *Loader) Load(ctx context.Context, path string, _ engine.LoadOptions) (engine.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisperserver: load: %w", err)
	}
	opts := append([]Option{WithModel(path)}, l.opts...)
	return New(l.serverURL, opts...)
}

// Multilingual implements engine.Model.
func (m *Model) Multilingual() bool { return m.multilingual }

// KnownLanguage implements engine.Model.
func (m *Model) KnownLanguage(code string) bool {
	if !m.multilingual {
		return code == "en"
	}
	return engine.KnownLanguage(code)
}

// Close implements engine.Model. It releases idle connections.
func (m *Model) Close() error {
	m.httpClient.CloseIdleConnections()
	return nil
}

// Transcribe implements engine.Model. Abort callbacks are polled while the
// request is in flight and cancel it when they ask for a stop. Progress is
// reported as 0 when the upload starts and 100 when the response is parsed.
func (m *Model) Transcribe(ctx context.Context, samples []float32, p engine.Params, cb engine.Callbacks) (transcript.Result, error) {
	if !cb.ShouldContinue() {
		return transcript.Result{Language: p.Language}, engine.ErrAborted
	}

	reqCtx, aborted, stop := engine.WatchAbort(ctx, cb)
	defer stop()

	cb.EmitProgress(0)
	resp, err := m.infer(reqCtx, samples, p)
	if err != nil {
		if aborted() {
			return transcript.Result{Language: p.Language}, engine.ErrAborted
		}
		return transcript.Result{}, err
	}

	res := resp.toResult(p)
	cb.EmitSegments(res.Language, res.Segments)
	cb.EmitProgress(100)
	return res, nil
}

// infer encodes samples as a WAV file and POSTs it to the /inference
// endpoint as multipart/form-data.
func (m *Model) infer(ctx context.Context, samples []float32, p engine.Params) (*verboseResponse, error) {
	wav := audio.EncodeWAV(audio.Float32ToS16LE(samples), audio.SampleRate, 1)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("whisperserver: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("whisperserver: write wav data: %w", err)
	}

	for _, f := range formFields(m.model, p) {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("whisperserver: write %s field: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisperserver: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.serverURL+"/inference", &body)
	if err != nil {
		return nil, fmt.Errorf("whisperserver: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisperserver: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("whisperserver: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out verboseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("whisperserver: parse JSON response: %w", err)
	}
	return &out, nil
}

// formFields maps run parameters to the server's form fields.
func formFields(model string, p engine.Params) [][2]string {
	lang := p.Language
	if lang == "" || p.DetectLanguage {
		lang = engine.LanguageAuto
	}
	fields := [][2]string{
		{"response_format", "verbose_json"},
		{"language", lang},
		{"translate", strconv.FormatBool(p.Translate)},
		{"split_on_word", strconv.FormatBool(p.SplitOnWord)},
		{"suppress_nst", strconv.FormatBool(p.SuppressNonSpeech)},
		{"no_context", strconv.FormatBool(p.NoContext)},
		{"no_timestamps", strconv.FormatBool(p.NoTimestamps)},
		{"temperature_inc", strconv.FormatFloat(float64(p.TemperatureInc), 'f', -1, 32)},
	}
	if p.Threads > 0 {
		fields = append(fields, [2]string{"threads", strconv.Itoa(p.Threads)})
	}
	if p.MaxLen > 0 {
		fields = append(fields, [2]string{"max_len", strconv.Itoa(p.MaxLen)})
	}
	if p.AudioCtx > 0 {
		fields = append(fields, [2]string{"audio_ctx", strconv.Itoa(p.AudioCtx)})
	}
	if model != "" {
		fields = append(fields, [2]string{"model", model})
	}
	return fields
}

// verboseResponse is the subset of the server's verbose_json output that
// maps onto transcript segments.
type verboseResponse struct {
	Language string           `json:"language"`
	Text     string           `json:"text"`
	Segments []verboseSegment `json:"segments"`
}

type verboseSegment struct {
	Text   string        `json:"text"`
	Start  float64       `json:"start"`
	End    float64       `json:"end"`
	Tokens []int         `json:"tokens"`
	Words  []verboseWord `json:"words"`
}

type verboseWord struct {
	Word        string   `json:"word"`
	Start       float64  `json:"start"`
	End         float64  `json:"end"`
	Probability float32  `json:"probability"`
	TDTW        *float64 `json:"t_dtw"`
}

// toResult converts the response. The server reports languages by name,
// so an explicitly requested code wins over the reported name.
func (r *verboseResponse) toResult(p engine.Params) transcript.Result {
	lang := r.Language
	if p.Language != "" && p.Language != engine.LanguageAuto && !p.DetectLanguage {
		lang = p.Language
	}
	if lang == "" {
		lang = engine.LanguageAuto
	}

	res := transcript.Result{Language: lang, Segments: make([]transcript.Segment, 0, len(r.Segments))}
	for _, s := range r.Segments {
		seg := transcript.Segment{
			Text: s.Text,
			T0:   secondsToTicks(s.Start),
			T1:   secondsToTicks(s.End),
		}
		for i, w := range s.Words {
			tok := transcript.Token{
				ID:   -1,
				Text: w.Word,
				P:    w.Probability,
				T0:   transcript.NoTime,
				T1:   transcript.NoTime,
				TDTW: transcript.NoTime,
			}
			if len(s.Tokens) == len(s.Words) {
				tok.ID = s.Tokens[i]
			}
			if p.TokenTimestamps {
				tok.T0 = secondsToTicks(w.Start)
				tok.T1 = secondsToTicks(w.End)
			}
			if w.TDTW != nil && *w.TDTW >= 0 {
				tok.TDTW = int64(*w.TDTW)
			}
			seg.Tokens = append(seg.Tokens, tok)
		}
		res.Segments = append(res.Segments, seg)
	}
	return res
}

func secondsToTicks(s float64) int64 {
	return transcript.Ticks(time.Duration(s * float64(time.Second)))
}
