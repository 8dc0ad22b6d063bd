// Package transcript defines the result types produced by a speech-to-text
// inference run and the encoder that turns them into the event document
// delivered to clients.
//
// Times are expressed in ticks of 10 ms, matching the unit used by the
// whisper.cpp inference routine. A tick value of -1 marks an absent timestamp.
//
// The document format is a hand-built JSON object rather than an
// encoding/json marshalling of the Go types: field order, optional fields and
// the formatting of probabilities are part of the wire contract and must stay
// byte-stable across releases.
package transcript

import "time"

// TickDuration is the length of one tick.
const TickDuration = 10 * time.Millisecond

// NoTime marks an absent tick value on a [Token].
const NoTime int64 = -1

// Token is the smallest recognised unit inside a [Segment]. Tokens are
// immutable once produced by inference.
type Token struct {
	// ID is the vocabulary id of the token.
	ID int

	// Text is the decoded token text.
	Text string

	// P is the token probability in [0, 1].
	P float32

	// T0 and T1 delimit the token in ticks. Both are [NoTime] when the run
	// did not request token timestamps.
	T0, T1 int64

	// TDTW is the dynamic-time-warping aligned timestamp in ticks, or
	// [NoTime] when DTW alignment is disabled.
	TDTW int64
}

// HasTimestamps reports whether both endpoints of the token range are set.
func (t Token) HasTimestamps() bool {
	return t.T0 > NoTime && t.T1 > NoTime
}

// HasDTW reports whether the token carries a DTW aligned timestamp.
func (t Token) HasDTW() bool {
	return t.TDTW > NoTime
}

// Segment is a contiguous span of recognised speech.
type Segment struct {
	// Text is the transcript of the whole segment.
	Text string

	// T0 and T1 delimit the segment in ticks.
	T0, T1 int64

	// Tokens holds the segment's tokens in decode order.
	Tokens []Token
}

// Start returns the segment start as a duration.
func (s Segment) Start() time.Duration { return time.Duration(s.T0) * TickDuration }

// End returns the segment end as a duration.
func (s Segment) End() time.Duration { return time.Duration(s.T1) * TickDuration }

// Result is the output of one inference run: one batch run or one streaming
// cycle. Streaming results are partial and carry no cross-cycle aggregation.
type Result struct {
	// Language is the language code the run used or detected.
	Language string

	// Segments holds the produced segments in order.
	Segments []Segment
}

// Text joins the text of all segments.
func (r Result) Text() string {
	n := 0
	for _, s := range r.Segments {
		n += len(s.Text)
	}
	b := make([]byte, 0, n)
	for _, s := range r.Segments {
		b = append(b, s.Text...)
	}
	return string(b)
}

// Merged returns r with all segments joined into one spanning the first
// start to the last end. Texts and tokens are concatenated in order. A
// result with at most one segment is returned unchanged.
func (r Result) Merged() Result {
	if len(r.Segments) <= 1 {
		return r
	}
	first, last := r.Segments[0], r.Segments[len(r.Segments)-1]
	seg := Segment{Text: r.Text(), T0: first.T0, T1: last.T1}
	for _, s := range r.Segments {
		seg.Tokens = append(seg.Tokens, s.Tokens...)
	}
	return Result{Language: r.Language, Segments: []Segment{seg}}
}

// Ticks converts d to ticks, truncating toward zero.
func Ticks(d time.Duration) int64 {
	return int64(d / TickDuration)
}
