package transcript

import (
	"fmt"
	"strconv"
	"strings"
)

// Mode selects the shape of an encoded document.
type Mode int

const (
	// ModeTranscription encodes the segment range as a "transcription" array.
	// Used for the final result of a batch run.
	ModeTranscription Mode = iota

	// ModeSegment encodes a single "segment" object. Used for new-segment
	// notifications and streaming cycles.
	ModeSegment
)

// String returns the human-readable name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeTranscription:
		return "transcription"
	case ModeSegment:
		return "segment"
	default:
		return "unknown"
	}
}

// Encode renders the half-open segment range [from, to) of r as a document.
//
// In [ModeTranscription] every segment in the range becomes an element of the
// "transcription" array. In [ModeSegment] the first segment of the range
// becomes the "segment" object; an empty range yields an empty object.
// Out-of-range bounds are clamped to the available segments.
func Encode(r Result, from, to int, mode Mode) string {
	from = max(from, 0)
	to = min(to, len(r.Segments))

	var w docWriter
	w.startObj("")
	w.startObj("result")
	w.valueString("language", r.Language, true)
	w.endObj(false)

	if mode == ModeSegment {
		w.startObj("segment")
		if from < to {
			w.segmentBody(r.Segments[from])
		}
		w.endObj(true)
	} else {
		w.startArr("transcription")
		for i := from; i < to; i++ {
			w.startObj("")
			w.segmentBody(r.Segments[i])
			w.endObj(i == to-1)
		}
		w.endArr(true)
	}

	w.endObj(true)
	return w.String()
}

// EncodeAll renders every segment of r in the given mode.
func EncodeAll(r Result, mode Mode) string {
	return Encode(r, 0, len(r.Segments), mode)
}

// docWriter accumulates a document. Each helper takes an end flag telling it
// whether the value is the last member of its enclosing object or array, in
// which case no trailing separator is written.
type docWriter struct {
	strings.Builder
}

func (w *docWriter) startObj(name string) {
	if name != "" {
		w.key(name)
	}
	w.WriteByte('{')
}

func (w *docWriter) endObj(end bool) {
	w.WriteByte('}')
	w.sep(end)
}

func (w *docWriter) startArr(name string) {
	w.key(name)
	w.WriteByte('[')
}

func (w *docWriter) endArr(end bool) {
	w.WriteByte(']')
	w.sep(end)
}

func (w *docWriter) key(name string) {
	w.WriteByte('"')
	w.WriteString(name)
	w.WriteString(`": `)
}

func (w *docWriter) sep(end bool) {
	if !end {
		w.WriteByte(',')
	}
}

func (w *docWriter) valueString(name, val string, end bool) {
	w.key(name)
	w.WriteByte('"')
	w.WriteString(Escape(val))
	w.WriteByte('"')
	w.sep(end)
}

func (w *docWriter) valueInt(name string, val int64, end bool) {
	w.key(name)
	w.WriteString(strconv.FormatInt(val, 10))
	w.sep(end)
}

func (w *docWriter) valueFloat(name string, val float32, end bool) {
	w.key(name)
	w.WriteString(FormatProbability(val))
	w.sep(end)
}

// times writes the "timestamps" and "offsets" objects for a tick range.
func (w *docWriter) times(t0, t1 int64, end bool) {
	w.startObj("timestamps")
	w.valueString("from", FormatTimestamp(t0, true), false)
	w.valueString("to", FormatTimestamp(t1, true), true)
	w.endObj(false)
	w.startObj("offsets")
	w.valueInt("from", t0*10, false)
	w.valueInt("to", t1*10, true)
	w.endObj(end)
}

// timeSingle writes a named object carrying one timestamp and its offset.
func (w *docWriter) timeSingle(name string, t int64, end bool) {
	w.startObj(name)
	w.valueString("timestamp", FormatTimestamp(t, true), false)
	w.valueInt("offset", t*10, true)
	w.endObj(end)
}

func (w *docWriter) segmentBody(s Segment) {
	w.times(s.T0, s.T1, false)
	w.valueString("text", s.Text, false)

	w.startArr("tokens")
	for j, tok := range s.Tokens {
		w.startObj("")
		w.valueString("text", tok.Text, false)
		if tok.HasTimestamps() {
			w.times(tok.T0, tok.T1, false)
		}
		w.valueInt("id", int64(tok.ID), false)
		w.valueFloat("p", tok.P, !tok.HasDTW())
		if tok.HasDTW() {
			w.timeSingle("dtw", tok.TDTW, true)
		}
		w.endObj(j == len(s.Tokens)-1)
	}
	w.endArr(true)
}

// FormatTimestamp renders t ticks as HH:MM:SS.mmm, or HH:MM:SS,mmm when
// comma is set. Milliseconds are t*10.
//
//	 500 -> 00:00:05.000
//	6000 -> 00:01:00.000
func FormatTimestamp(t int64, comma bool) string {
	msec := t * 10
	hr := msec / (1000 * 60 * 60)
	msec -= hr * (1000 * 60 * 60)
	mins := msec / (1000 * 60)
	msec -= mins * (1000 * 60)
	sec := msec / 1000
	msec -= sec * 1000

	sep := "."
	if comma {
		sep = ","
	}
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", hr, mins, sec, sep, msec)
}

// FormatProbability renders p with six significant digits and no trailing
// zeros, e.g. 0.9 -> "0.9", 1 -> "1".
func FormatProbability(p float32) string {
	return strconv.FormatFloat(float64(p), 'g', 6, 32)
}
