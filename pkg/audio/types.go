// Package audio converts client audio into the mono float PCM consumed by the
// inference engine and provides the [StreamBuffer] shared between an audio
// producer and a streaming consumer loop.
package audio

import (
	"fmt"
	"strings"
)

// SampleRate is the sample rate in Hz expected by the inference engine.
const SampleRate = 16000

// Encoding identifies how samples are laid out in a byte payload.
type Encoding string

const (
	// EncodingF32LE is little-endian IEEE-754 float32 PCM in [-1, 1].
	EncodingF32LE Encoding = "f32le"

	// EncodingS16LE is little-endian signed 16-bit PCM.
	EncodingS16LE Encoding = "s16le"

	// EncodingOpus is one Opus packet per payload.
	EncodingOpus Encoding = "opus"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	switch e {
	case EncodingF32LE, EncodingS16LE, EncodingOpus:
		return true
	}
	return false
}

// ParseEncoding parses an encoding name case-insensitively. The empty string
// selects [EncodingF32LE].
func ParseEncoding(s string) (Encoding, error) {
	if s == "" {
		return EncodingF32LE, nil
	}
	e := Encoding(strings.ToLower(s))
	if !e.IsValid() {
		return "", fmt.Errorf("audio: unknown encoding %q; valid values: f32le, s16le, opus", s)
	}
	return e, nil
}

// Format describes an incoming audio payload.
type Format struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
}

// Target is the format the inference engine consumes.
var Target = Format{Encoding: EncodingF32LE, SampleRate: SampleRate, Channels: 1}

// String returns a human-readable description, e.g. "s16le 48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%s %dHz %s", f.Encoding, f.SampleRate, ch)
}

// Validate checks that f describes a decodable payload.
func (f Format) Validate() error {
	if !f.Encoding.IsValid() {
		return fmt.Errorf("audio: unknown encoding %q", f.Encoding)
	}
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: channel count must be positive, got %d", f.Channels)
	}
	if f.Encoding == EncodingOpus {
		switch f.SampleRate {
		case 8000, 12000, 16000, 24000, 48000:
		default:
			return fmt.Errorf("audio: opus does not support %d Hz", f.SampleRate)
		}
		if f.Channels > 2 {
			return fmt.Errorf("audio: opus supports at most 2 channels, got %d", f.Channels)
		}
	}
	return nil
}
