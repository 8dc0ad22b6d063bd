package server

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/MrWong99/shoutd/internal/config"
	"github.com/MrWong99/shoutd/internal/session"
	"github.com/MrWong99/shoutd/pkg/audio"
)

// query reads optional typed parameters from a URL query. Parse errors are
// collected and reported together by err.
type query struct {
	v    url.Values
	errs []error
}

func (q *query) str(key string, dst *string) {
	if s := q.v.Get(key); s != "" {
		*dst = s
	}
}

func (q *query) int(key string, dst *int) {
	s := q.v.Get(key)
	if s == "" {
		return
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		q.errs = append(q.errs, fmt.Errorf("%s: want a non-negative integer, got %q", key, s))
		return
	}
	*dst = n
}

func (q *query) bool(key string, dst *bool) {
	s := q.v.Get(key)
	if s == "" {
		return
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		q.errs = append(q.errs, fmt.Errorf("%s: want a boolean, got %q", key, s))
		return
	}
	*dst = b
}

func (q *query) err() error { return errors.Join(q.errs...) }

// format reads format, sample_rate and channels on top of def.
func (q *query) format(def audio.Format) audio.Format {
	f := def
	if s := q.v.Get("format"); s != "" {
		enc, err := audio.ParseEncoding(s)
		if err != nil {
			q.errs = append(q.errs, fmt.Errorf("format: %w", err))
		} else {
			f.Encoding = enc
		}
	}
	q.int("sample_rate", &f.SampleRate)
	q.int("channels", &f.Channels)
	if err := f.Validate(); err != nil {
		q.errs = append(q.errs, err)
	}
	return f
}

// batchRequest is a parsed POST /v1/transcribe query.
type batchRequest struct {
	params session.BatchParams
	format audio.Format
}

// parseBatch applies the query of a transcribe request on top of def.
func parseBatch(v url.Values, def config.BatchConfig) (batchRequest, error) {
	q := &query{v: v}
	p := def.Params()
	q.str("language", &p.Language)
	q.int("threads", &p.Threads)
	q.bool("translate", &p.Translate)
	q.int("max_len", &p.MaxLen)
	q.bool("split_on_word", &p.SplitOnWord)
	q.bool("suppress_non_speech", &p.SuppressNonSpeech)
	f := q.format(audio.Target)
	if f.Encoding == audio.EncodingOpus {
		q.errs = append(q.errs, errors.New("format: opus is only accepted on /v1/stream"))
	}
	return batchRequest{params: p, format: f}, q.err()
}

// streamRequest is a parsed GET /v1/stream query.
type streamRequest struct {
	params session.StreamParams
	format audio.Format
	gate   config.GateConfig
}

// parseStream applies the query of a stream request on top of the stream
// defaults. The model path is not overridable by clients.
func parseStream(v url.Values, def config.StreamConfig, e config.EngineConfig) (streamRequest, error) {
	q := &query{v: v}
	p := def.Params(e)
	q.str("language", &p.Language)
	q.int("threads", &p.Threads)
	q.bool("translate", &p.Translate)
	q.int("max_tokens", &p.MaxTokens)
	q.int("audio_ctx", &p.AudioCtx)
	q.bool("suppress_non_speech", &p.SuppressNonSpeech)

	in, err := def.Input.Format()
	if err != nil {
		in = audio.Target
	}
	f := q.format(in)

	g := def.Gate
	q.bool("vad", &g.Enabled)
	return streamRequest{params: p, format: f, gate: g}, q.err()
}
