package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/shoutd/internal/gate"
	"github.com/MrWong99/shoutd/internal/session"
	"github.com/MrWong99/shoutd/pkg/audio"
	"github.com/MrWong99/shoutd/pkg/engine"
)

// Format converts the input block into an [audio.Format].
func (in InputConfig) Format() (audio.Format, error) {
	enc, err := audio.ParseEncoding(in.Encoding)
	if err != nil {
		return audio.Format{}, err
	}
	f := audio.Format{Encoding: enc, SampleRate: in.SampleRate, Channels: in.Channels}
	if err := f.Validate(); err != nil {
		return audio.Format{}, err
	}
	return f, nil
}

// Settings converts the gate block into a [gate.Config].
func (g GateConfig) Settings() gate.Config {
	return gate.Config{
		PreRoll:          time.Duration(g.PreRecordMs) * time.Millisecond,
		MaxRecord:        time.Duration(g.MaxRecordMs) * time.Millisecond,
		MinSilence:       time.Duration(g.MinSilenceMs) * time.Millisecond,
		SpeechThreshold:  g.SpeechThreshold,
		SilenceThreshold: g.SilenceThreshold,
	}
}

// Params returns the batch defaults as [session.BatchParams].
func (b BatchConfig) Params() session.BatchParams {
	return session.BatchParams{
		Language:          b.Language,
		Threads:           b.Threads,
		Translate:         b.Translate,
		MaxLen:            b.MaxLen,
		SplitOnWord:       b.SplitOnWord,
		SuppressNonSpeech: b.SuppressNonSpeech,
	}
}

// Params returns the stream defaults as [session.StreamParams]. The model
// and DTW preset fall back to the primary engine backend when the stream
// block does not override the model.
func (s StreamConfig) Params(e EngineConfig) session.StreamParams {
	modelPath := s.ModelPath
	if modelPath == "" {
		modelPath = e.ModelPath
	}
	suppress := true
	if s.SuppressNonSpeech != nil {
		suppress = *s.SuppressNonSpeech
	}
	return session.StreamParams{
		ModelPath:         modelPath,
		DTW:               e.DTW(),
		Language:          s.Language,
		Threads:           s.Threads,
		Translate:         s.Translate,
		MaxTokens:         s.MaxTokens,
		AudioCtx:          s.AudioCtx,
		SuppressNonSpeech: suppress,
	}
}

// BufferCapSamples converts BufferCapSeconds into a sample count at
// [audio.SampleRate]. Zero means unbounded.
func (s StreamConfig) BufferCapSamples() int {
	if s.BufferCapSeconds <= 0 {
		return 0
	}
	return int(s.BufferCapSeconds * audio.SampleRate)
}

// DTW parses the backend's DTW preset. An unknown preset is logged and
// disables DTW.
func (b BackendConfig) DTW() engine.DTWPreset {
	p, err := engine.ParseDTWPreset(b.DTWPreset)
	if err != nil {
		slog.Error("invalid dtw preset, continuing without DTW", "preset", b.DTWPreset, "err", err)
	}
	return p
}

// IsMultilingual reports the Multilingual setting, defaulting to true.
func (b BackendConfig) IsMultilingual() bool {
	return b.Multilingual == nil || *b.Multilingual
}
