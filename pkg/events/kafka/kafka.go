// Package kafka publishes transcription events to Kafka topics.
//
// Partial results (new segments and stream transcriptions) go to one topic
// and terminal batch results to another, keyed by run ID so that all
// messages of a run land on the same partition in order. Progress and
// stream status events are only published when asked for.
//
// Wrap the [Publisher] in resilience.PublisherSink to use it as an
// events.Sink without blocking inference workers.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/MrWong99/shoutd/pkg/events"
	"github.com/MrWong99/shoutd/pkg/transcript"
)

// Config holds Kafka publisher configuration.
type Config struct {
	// Brokers lists the bootstrap broker addresses.
	Brokers []string

	// TopicPartial receives onNewSegment and onStreamTranscription events.
	TopicPartial string

	// TopicFinal receives onTranscribed, onCanceled and onFailed events.
	TopicFinal string

	// IncludeProgress also publishes onProgress and onStreamStatus events
	// to TopicPartial.
	IncludeProgress bool

	// ClientID identifies this producer to the brokers.
	ClientID string

	// BatchTimeout bounds how long messages wait to be batched. Default 10ms.
	BatchTimeout time.Duration

	// WriteTimeout bounds a single write. Default 10s.
	WriteTimeout time.Duration
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("kafka: at least one broker is required"))
	}
	if c.TopicPartial == "" {
		errs = append(errs, errors.New("kafka: topic_partial is required"))
	}
	if c.TopicFinal == "" {
		errs = append(errs, errors.New("kafka: topic_final is required"))
	}
	return errors.Join(errs...)
}

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Option is a functional option for [New].
type Option func(*Publisher)

// WithWriter replaces the Kafka writer, typically with a test double.
func WithWriter(w MessageWriter) Option {
	return func(p *Publisher) { p.writer = w }
}

// Publisher is an [events.Publisher] backed by a Kafka writer.
type Publisher struct {
	cfg    Config
	writer MessageWriter
}

var _ events.Publisher = (*Publisher)(nil)

// New creates a Publisher for cfg.
func New(cfg Config, opts ...Option) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	p := &Publisher{cfg: cfg}
	for _, o := range opts {
		o(p)
	}
	if p.writer == nil {
		dialer := &kafkago.Dialer{
			ClientID:  cfg.ClientID,
			Timeout:   10 * time.Second,
			DualStack: true,
		}
		// No Topic on the writer: every message names its own.
		p.writer = &kafkago.Writer{
			Addr:         kafkago.TCP(cfg.Brokers...),
			Balancer:     &kafkago.Hash{},
			BatchTimeout: cfg.BatchTimeout,
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafkago.RequireOne,
			Transport:    &kafkago.Transport{Dial: dialer.DialFunc, ClientID: cfg.ClientID},
		}
	}

	slog.Info("kafka publisher initialised",
		"brokers", cfg.Brokers,
		"topic_partial", cfg.TopicPartial,
		"topic_final", cfg.TopicFinal,
		"include_progress", cfg.IncludeProgress,
	)
	return p, nil
}

// Topic returns the topic ev is published to, or "" if it is not published.
func (p *Publisher) Topic(ev events.Event) string {
	switch ev.Name {
	case events.Transcribed, events.Canceled, events.Failed:
		return p.cfg.TopicFinal
	case events.NewSegment, events.StreamTranscription:
		return p.cfg.TopicPartial
	case events.Progress, events.StreamStatus:
		if p.cfg.IncludeProgress {
			return p.cfg.TopicPartial
		}
	}
	return ""
}

// Record is the JSON value of every published message.
type Record struct {
	RunID    string          `json:"run_id"`
	Event    string          `json:"event"`
	Time     time.Time       `json:"time"`
	Percent  *int            `json:"percent,omitempty"`
	Status   string          `json:"status,omitempty"`
	Message  string          `json:"message,omitempty"`
	Document json.RawMessage `json:"document,omitempty"`

	// Text carries a document that is not valid JSON, verbatim.
	Text string `json:"text,omitempty"`
}

// NewRecord converts ev into its message value. Documents are embedded as
// JSON when they parse; an empty stream document is omitted.
func NewRecord(ev events.Event) Record {
	r := Record{
		RunID:   ev.RunID,
		Event:   string(ev.Name),
		Time:    ev.Time.UTC(),
		Status:  ev.Status,
		Message: ev.Message,
	}
	if ev.Name == events.Progress {
		pct := ev.Percent
		r.Percent = &pct
	}
	switch {
	case ev.Document == "":
	case transcript.IsDocument(ev.Document) && json.Valid([]byte(ev.Document)):
		r.Document = json.RawMessage(ev.Document)
	default:
		r.Text = ev.Document
	}
	return r
}

// Publish implements [events.Publisher]. Events without a topic are
// skipped.
func (p *Publisher) Publish(ctx context.Context, ev events.Event) error {
	topic := p.Topic(ev)
	if topic == "" {
		return nil
	}

	value, err := json.Marshal(NewRecord(ev))
	if err != nil {
		return fmt.Errorf("kafka: marshal %s: %w", ev.Name, err)
	}

	msg := kafkago.Message{
		Topic: topic,
		Key:   []byte(ev.RunID),
		Value: value,
		Time:  ev.Time,
		Headers: []kafkago.Header{
			{Key: "event", Value: []byte(ev.Name)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write to %s: %w", topic, err)
	}
	slog.Debug("kafka event published", "topic", topic, "event", string(ev.Name), "run_id", ev.RunID)
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: close writer: %w", err)
	}
	return nil
}
