package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Converter turns payloads in a fixed source [Format] into mono float32 PCM
// at [SampleRate]. It logs a warning on the first format mismatch and on the
// first corrupt payload. Create one per stream; a Converter holding an Opus
// decoder is not safe for concurrent use.
type Converter struct {
	src  Format
	opus *opusDecoder

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// NewConverter returns a [Converter] for payloads in src.
func NewConverter(src Format) (*Converter, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	c := &Converter{src: src}
	if src.Encoding == EncodingOpus {
		dec, err := newOpusDecoder(src.SampleRate, src.Channels)
		if err != nil {
			return nil, err
		}
		c.opus = dec
	}
	return c, nil
}

// Source returns the format the converter was created for.
func (c *Converter) Source() Format { return c.src }

// Convert decodes payload and returns mono float32 samples at [SampleRate].
// A payload whose length is not a whole number of sample frames is dropped
// and yields nil with no error.
// Conversion order: decode, downmix, then resample.
func (c *Converter) Convert(payload []byte) ([]float32, error) {
	if len(payload) == 0 {
		return nil, nil
	}

	var interleaved []float32
	switch c.src.Encoding {
	case EncodingF32LE:
		if !c.aligned(payload, 4) {
			return nil, nil
		}
		interleaved = F32LEToFloat32(payload)
	case EncodingS16LE:
		if !c.aligned(payload, 2) {
			return nil, nil
		}
		interleaved = S16LEToFloat32(payload)
	case EncodingOpus:
		pcm, err := c.opus.decode(payload)
		if err != nil {
			return nil, err
		}
		interleaved = Int16ToFloat32(pcm)
	default:
		return nil, fmt.Errorf("audio: unknown encoding %q", c.src.Encoding)
	}

	if c.src.SampleRate != SampleRate || c.src.Channels != 1 {
		c.warnedMismatch.Do(func() {
			slog.Debug("audio format mismatch: converting",
				"from", c.src.String(),
				"to", Target.String(),
			)
		})
	}

	mono := DownmixMono(interleaved, c.src.Channels)
	return ResampleLinear(mono, c.src.SampleRate, SampleRate), nil
}

// aligned reports whether payload holds whole frames of width-byte samples
// and logs once if it does not.
func (c *Converter) aligned(payload []byte, width int) bool {
	frame := width * c.src.Channels
	if len(payload)%frame == 0 {
		return true
	}
	c.warnedCorrupt.Do(func() {
		slog.Warn("audio converter: payload is not a whole number of frames, dropping",
			"bytes", len(payload),
			"format", c.src.String(),
		)
	})
	return false
}

// F32LEToFloat32 reinterprets little-endian float32 bytes as samples.
// Trailing bytes that do not form a full sample are ignored.
func F32LEToFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// S16LEToFloat32 converts little-endian int16 bytes to float samples in
// [-1, 1). Trailing odd bytes are ignored.
func S16LEToFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(b[i*2:]))) / 32768
	}
	return out
}

// Int16ToFloat32 converts int16 samples to float samples in [-1, 1).
func Int16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768
	}
	return out
}

// Float32ToS16LE converts float samples to little-endian int16 bytes,
// clamping to the int16 range.
func Float32ToS16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(math.Round(float64(s) * 32767))
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// Float32ToF32LE encodes samples as little-endian float32 bytes.
func Float32ToF32LE(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// DownmixMono averages interleaved frames of the given channel count into a
// single channel. Mono input is returned unchanged; an incomplete trailing
// frame is ignored.
func DownmixMono(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += interleaved[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// ResampleLinear resamples mono samples from srcRate to dstRate using linear
// interpolation. If the rates match or either is non-positive the input is
// returned unchanged.
func ResampleLinear(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// RMS returns the root-mean-square level of samples, 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
