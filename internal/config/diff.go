package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Batch and stream defaults and the log level are applied on the fly; any
// other change is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// BatchChanged is true when the batch defaults differ. New runs use
	// NewBatch.
	BatchChanged bool
	NewBatch     BatchConfig

	// StreamChanged is true when the stream defaults differ, including the
	// gate. Streams started afterwards use NewStream.
	StreamChanged bool
	NewStream     StreamConfig

	// RestartRequired names the top-level sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.BatchChanged && !d.StreamChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Batch != new.Batch {
		d.BatchChanged = true
		d.NewBatch = new.Batch
	}

	if !reflect.DeepEqual(old.Stream, new.Stream) {
		d.StreamChanged = true
		d.NewStream = new.Stream
	}

	// Everything below is wired once at startup.
	if old.Stream.BufferCapSeconds != new.Stream.BufferCapSeconds {
		d.RestartRequired = append(d.RestartRequired, "stream.buffer_cap_seconds")
	}
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Engine, new.Engine) {
		d.RestartRequired = append(d.RestartRequired, "engine")
	}
	if !reflect.DeepEqual(old.Sinks, new.Sinks) {
		d.RestartRequired = append(d.RestartRequired, "sinks")
	}
	if old.Observability != new.Observability {
		d.RestartRequired = append(d.RestartRequired, "observability")
	}

	return d
}
