package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// opusMaxFrameMs is the longest frame duration an Opus packet may carry.
const opusMaxFrameMs = 120

// opusDecoder wraps a gopus decoder for a single client stream. Opus keeps
// state across consecutive packets, so each stream needs its own decoder.
type opusDecoder struct {
	dec       *gopus.Decoder
	frameSize int
}

// newOpusDecoder creates a decoder producing interleaved int16 PCM at the
// given rate and channel count.
func newOpusDecoder(sampleRate, channels int) (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &opusDecoder{
		dec:       dec,
		frameSize: sampleRate * opusMaxFrameMs / 1000,
	}, nil
}

// decode decodes one Opus packet into interleaved int16 samples.
func (d *opusDecoder) decode(packet []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return pcm, nil
}
