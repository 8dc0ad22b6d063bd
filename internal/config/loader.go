package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/shoutd/pkg/audio"
	"github.com/MrWong99/shoutd/pkg/engine"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultMaxUploadBytes  = 256 << 20
	DefaultShutdownTimeout = 10 * time.Second
	DefaultBatchThreads    = 4
	DefaultMaxTokens       = 32
	DefaultAudioCtx        = 512
	DefaultPreRecordMs     = 200
	DefaultMaxRecordMs     = 5000
	DefaultMinSilenceMs    = 500
	DefaultQueueSize       = 256
	DefaultPublishTimeout  = 5 * time.Second
	DefaultTopicPartial    = "shoutd.transcripts.partial"
	DefaultTopicFinal      = "shoutd.transcripts.final"
	DefaultDetector        = "energy"
	DefaultMaxFailures     = 3
	DefaultResetTimeout    = 30 * time.Second
)

// ValidBackends lists the backend names shipped with shoutd. Used by
// [Validate] to warn about unrecognised backend names.
var ValidBackends = []Backend{BackendWhisperCPP, BackendWhisperServer, BackendOpenAI}

// Load reads the YAML configuration file at path and returns a defaulted,
// validated [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Omitted sections take their defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg with its default value.
// Fields the user set explicitly are left alone.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.MaxUploadBytes == 0 {
		s.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	e := &cfg.Engine
	if e.Backend == "" {
		e.Backend = BackendWhisperCPP
	}
	if e.CircuitBreaker.MaxFailures == 0 {
		e.CircuitBreaker.MaxFailures = DefaultMaxFailures
	}
	if e.CircuitBreaker.ResetTimeout == 0 {
		e.CircuitBreaker.ResetTimeout = DefaultResetTimeout
	}

	b := &cfg.Batch
	if b.Language == "" {
		b.Language = engine.LanguageAuto
	}
	if b.Threads == 0 {
		b.Threads = DefaultBatchThreads
	}

	st := &cfg.Stream
	if st.Language == "" {
		st.Language = engine.LanguageAuto
	}
	if st.MaxTokens == 0 {
		st.MaxTokens = DefaultMaxTokens
	}
	if st.AudioCtx == 0 {
		st.AudioCtx = DefaultAudioCtx
	}
	if st.SuppressNonSpeech == nil {
		v := true
		st.SuppressNonSpeech = &v
	}
	if st.Input.Encoding == "" {
		st.Input.Encoding = string(audio.EncodingF32LE)
	}
	if st.Input.SampleRate == 0 {
		st.Input.SampleRate = audio.SampleRate
	}
	if st.Input.Channels == 0 {
		st.Input.Channels = 1
	}

	g := &st.Gate
	if g.Detector == "" {
		g.Detector = DefaultDetector
	}
	if g.PreRecordMs == 0 {
		g.PreRecordMs = DefaultPreRecordMs
	}
	if g.MaxRecordMs == 0 {
		g.MaxRecordMs = DefaultMaxRecordMs
	}
	if g.MinSilenceMs == 0 {
		g.MinSilenceMs = DefaultMinSilenceMs
	}
	if g.SpeechThreshold == 0 {
		g.SpeechThreshold = 0.5
	}
	if g.SilenceThreshold == 0 {
		g.SilenceThreshold = 0.35
	}

	k := &cfg.Sinks
	if k.QueueSize == 0 {
		k.QueueSize = DefaultQueueSize
	}
	if k.PublishTimeout == 0 {
		k.PublishTimeout = DefaultPublishTimeout
	}
	if k.Kafka.TopicPartial == "" {
		k.Kafka.TopicPartial = DefaultTopicPartial
	}
	if k.Kafka.TopicFinal == "" {
		k.Kafka.TopicFinal = DefaultTopicFinal
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "shoutd"
	}
	if cfg.Observability.MetricsPath == "" {
		cfg.Observability.MetricsPath = "/metrics"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Problems that only degrade behaviour are logged as warnings.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes must not be negative, got %d", cfg.Server.MaxUploadBytes))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Engine
	errs = append(errs, validateBackend("engine", cfg.Engine.BackendConfig)...)
	for i, fb := range cfg.Engine.Fallbacks {
		errs = append(errs, validateBackend(fmt.Sprintf("engine.fallbacks[%d]", i), fb)...)
	}
	if cfg.Engine.CircuitBreaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("engine.circuit_breaker.max_failures must not be negative, got %d", cfg.Engine.CircuitBreaker.MaxFailures))
	}

	// Batch
	validateLanguage("batch.language", cfg.Batch.Language)
	if cfg.Batch.Threads < 0 {
		errs = append(errs, fmt.Errorf("batch.threads must not be negative, got %d", cfg.Batch.Threads))
	}
	if cfg.Batch.MaxLen < 0 {
		errs = append(errs, fmt.Errorf("batch.max_len must not be negative, got %d", cfg.Batch.MaxLen))
	}

	// Stream
	st := cfg.Stream
	validateLanguage("stream.language", st.Language)
	if st.Threads < 0 {
		errs = append(errs, fmt.Errorf("stream.threads must not be negative, got %d", st.Threads))
	}
	if st.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("stream.max_tokens must not be negative, got %d", st.MaxTokens))
	}
	if st.AudioCtx < 0 {
		errs = append(errs, fmt.Errorf("stream.audio_ctx must not be negative, got %d", st.AudioCtx))
	}
	if st.BufferCapSeconds < 0 {
		errs = append(errs, fmt.Errorf("stream.buffer_cap_seconds must not be negative, got %g", st.BufferCapSeconds))
	}
	if _, err := st.Input.Format(); err != nil {
		errs = append(errs, fmt.Errorf("stream.input: %w", err))
	}
	errs = append(errs, validateGate(st.Gate)...)

	// Sinks
	if cfg.Sinks.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("sinks.queue_size must not be negative, got %d", cfg.Sinks.QueueSize))
	}
	if k := cfg.Sinks.Kafka; k.Enabled() {
		if k.TopicPartial == "" || k.TopicFinal == "" {
			errs = append(errs, errors.New("sinks.kafka requires topic_partial and topic_final"))
		}
		if slices.Contains(k.Brokers, "") {
			errs = append(errs, errors.New("sinks.kafka.brokers must not contain empty addresses"))
		}
	}

	return errors.Join(errs...)
}

// validateBackend checks one backend block. prefix is the YAML path used in
// messages.
func validateBackend(prefix string, b BackendConfig) []error {
	var errs []error
	if b.Backend == "" {
		return append(errs, fmt.Errorf("%s.backend is required", prefix))
	}
	if !slices.Contains(ValidBackends, b.Backend) {
		slog.Warn("unknown engine backend, may be a typo or third-party backend",
			"field", prefix+".backend",
			"name", b.Backend,
			"known", ValidBackends,
		)
	}
	switch b.Backend {
	case BackendWhisperCPP:
		if b.ModelPath == "" {
			errs = append(errs, fmt.Errorf("%s.model_path is required for backend %q", prefix, b.Backend))
		}
	case BackendWhisperServer:
		if b.ServerURL == "" {
			errs = append(errs, fmt.Errorf("%s.server_url is required for backend %q", prefix, b.Backend))
		}
	case BackendOpenAI:
		if b.APIKey == "" && os.Getenv("OPENAI_API_KEY") == "" {
			slog.Warn("openai backend has no api_key and OPENAI_API_KEY is unset", "field", prefix)
		}
	}
	if _, err := engine.ParseDTWPreset(b.DTWPreset); err != nil {
		// DTW is optional: an unknown preset only disables it.
		slog.Warn("unknown dtw preset, DTW timestamps will be disabled",
			"field", prefix+".dtw_preset",
			"preset", b.DTWPreset,
			"valid", engine.DTWPresets(),
		)
	}
	if b.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%s.timeout must not be negative, got %s", prefix, b.Timeout))
	}
	return errs
}

// validateGate checks the speech gate settings.
func validateGate(g GateConfig) []error {
	var errs []error
	if g.PreRecordMs < 0 || g.MaxRecordMs < 0 || g.MinSilenceMs < 0 {
		errs = append(errs, errors.New("stream.gate durations must not be negative"))
	}
	if g.MaxRecordMs > 0 && g.PreRecordMs >= g.MaxRecordMs {
		errs = append(errs, fmt.Errorf("stream.gate.pre_record_ms (%d) must be below max_record_ms (%d)", g.PreRecordMs, g.MaxRecordMs))
	}
	if g.ReferenceRMS < 0 {
		errs = append(errs, fmt.Errorf("stream.gate.reference_rms must not be negative, got %g", g.ReferenceRMS))
	}
	if g.SpeechThreshold < 0 || g.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("stream.gate.speech_threshold %.2f is out of range [0, 1]", g.SpeechThreshold))
	}
	if g.SilenceThreshold < 0 || g.SilenceThreshold > g.SpeechThreshold {
		errs = append(errs, fmt.Errorf("stream.gate.silence_threshold %.2f must be in [0, speech_threshold]", g.SilenceThreshold))
	}
	return errs
}

// validateLanguage logs a warning when code is neither "auto" nor a known
// language. Unknown languages fall back to automatic detection at run time.
func validateLanguage(field, code string) {
	if code == "" || code == engine.LanguageAuto || engine.KnownLanguage(code) {
		return
	}
	slog.Warn("unknown language, runs will fall back to auto detection",
		"field", field,
		"language", code,
	)
}
