package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only the recording form defaults and the log level are applied live; any
// other change is listed in RestartRequired.
type ConfigDiff struct {
	RecordingChanged bool
	NewRecording     RecordingConfig

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Recording.Options() != new.Recording.Options() {
		d.RecordingChanged = true
		d.NewRecording = new.Recording
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !analysisEqual(old.Analysis, new.Analysis) {
		d.RestartRequired = append(d.RestartRequired, "analysis")
	}
	if !deviceEqual(old.Recording, new.Recording) {
		d.RestartRequired = append(d.RestartRequired, "recording.device")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	if old.Diagnostics != new.Diagnostics {
		d.RestartRequired = append(d.RestartRequired, "diagnostics")
	}

	return d
}

func analysisEqual(a, b AnalysisConfig) bool {
	return a.BaseURL == b.BaseURL &&
		slices.Equal(a.FallbackURLs, b.FallbackURLs) &&
		a.Timeout == b.Timeout &&
		a.FallbackMode == b.FallbackMode &&
		a.CircuitBreaker == b.CircuitBreaker
}

func deviceEqual(a, b RecordingConfig) bool {
	return a.Device == b.Device &&
		slices.Equal(a.Command, b.Command) &&
		a.InputFile == b.InputFile &&
		a.Realtime == b.Realtime &&
		a.ChunkSize == b.ChunkSize &&
		a.SampleRate == b.SampleRate &&
		a.Channels == b.Channels
}
