package postgres

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/MrWong99/shoutd/pkg/events"
)

// Saver is the part of [Store] the archiver needs.
type Saver interface {
	Save(ctx context.Context, t Transcription) (int64, error)
}

// Archiver is an [events.Publisher] that stores onTranscribed and non-empty
// onStreamTranscription documents. Other events are ignored.
type Archiver struct {
	saver Saver
}

var _ events.Publisher = (*Archiver)(nil)

// NewArchiver creates an [Archiver] writing to saver.
func NewArchiver(saver Saver) *Archiver {
	return &Archiver{saver: saver}
}

// Publish implements [events.Publisher].
func (a *Archiver) Publish(ctx context.Context, ev events.Event) error {
	t, ok := FromEvent(ev)
	if !ok {
		return nil
	}
	_, err := a.saver.Save(ctx, t)
	return err
}

// Close implements [events.Publisher]. The store is owned by the caller and
// stays open.
func (a *Archiver) Close() error { return nil }

// FromEvent builds the archive row for ev. It reports false for events that
// are not archived.
func FromEvent(ev events.Event) (Transcription, bool) {
	var mode string
	switch ev.Name {
	case events.Transcribed:
		mode = ModeBatch
	case events.StreamTranscription:
		mode = ModeStream
	default:
		return Transcription{}, false
	}
	if ev.Document == "" {
		return Transcription{}, false
	}
	lang, text := summarize(ev.Document)
	return Transcription{
		RunID:     ev.RunID,
		Mode:      mode,
		Language:  lang,
		Document:  ev.Document,
		Text:      text,
		CreatedAt: ev.Time,
	}, true
}

// document mirrors the parts of a transcription document the archive
// indexes.
type document struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Text string `json:"text"`
	} `json:"transcription"`
	Segment struct {
		Text string `json:"text"`
	} `json:"segment"`
}

// summarize extracts the language and the joined segment text of doc. A
// document that does not parse yields empty values.
func summarize(doc string) (lang, text string) {
	var d document
	if err := json.Unmarshal([]byte(doc), &d); err != nil {
		return "", ""
	}
	var b strings.Builder
	for _, s := range d.Transcription {
		b.WriteString(s.Text)
	}
	b.WriteString(d.Segment.Text)
	return d.Result.Language, strings.TrimSpace(b.String())
}
