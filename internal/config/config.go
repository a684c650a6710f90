// Package config provides the configuration schema, loader, hot-reload
// watcher and input device registry for Clinivox.
package config

import (
	"time"

	"github.com/clinivox/clinivox/internal/analysis"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Analysis    AnalysisConfig    `yaml:"analysis"`
	Recording   RecordingConfig   `yaml:"recording"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
}

// ServerConfig holds network and logging settings for the dashboard server.
type ServerConfig struct {
	// ListenAddr is the TCP address the dashboard listens on (e.g., ":8090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins are extra websocket origin patterns.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AnalysisConfig locates the remote analysis service.
type AnalysisConfig struct {
	// BaseURL is the primary service endpoint, e.g. "http://localhost:5000".
	BaseURL string `yaml:"base_url"`

	// FallbackURLs are tried in order when the primary fails.
	FallbackURLs []string `yaml:"fallback_urls"`

	// Timeout bounds one analysis request including the upload.
	Timeout time.Duration `yaml:"timeout"`

	// FallbackMode is one of embed, defer or off.
	FallbackMode analysis.FallbackMode `yaml:"fallback_mode"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the per-endpoint circuit breakers.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// Device kinds understood by the default [Registry].
const (
	DeviceExec = "exec"
	DeviceFile = "file"
)

// RecordingConfig holds the recording form defaults and the input device.
// The form defaults are hot-reloadable; the device settings are not.
type RecordingConfig struct {
	Model          string           `yaml:"model"`
	Diarization    *bool            `yaml:"diarization"`
	PatientSpeaker analysis.Speaker `yaml:"patient_speaker"`

	// Device selects the input device factory, see [Registry].
	Device string `yaml:"device"`

	// Command is the capture command for the exec device. Empty means the
	// built-in ffmpeg command.
	Command []string `yaml:"command"`

	// InputFile is the recording replayed by the file device.
	InputFile string `yaml:"input_file"`

	// Realtime paces the file device like a live microphone.
	Realtime bool `yaml:"realtime"`

	ChunkSize  int `yaml:"chunk_size"`
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// Options returns the recording defaults as analysis options.
func (r RecordingConfig) Options() analysis.Options {
	opts := analysis.DefaultOptions()
	if r.Model != "" {
		opts.Model = r.Model
	}
	if r.Diarization != nil {
		opts.Diarization = *r.Diarization
	}
	if r.PatientSpeaker != "" {
		opts.PatientSpeaker = r.PatientSpeaker
	}
	return opts
}

// TelemetryConfig sets the UI refresh cadences.
type TelemetryConfig struct {
	WaveformInterval  time.Duration `yaml:"waveform_interval"`
	EstimatorInterval time.Duration `yaml:"estimator_interval"`
}

// DiagnosticsConfig enables the per-journey debug dump.
type DiagnosticsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8090"
	DefaultBaseURL           = "http://localhost:5000"
	DefaultTimeout           = 300 * time.Second
	DefaultChunkSize         = 3200
	DefaultSampleRate        = 16000
	DefaultChannels          = 1
	DefaultWaveformInterval  = 16 * time.Millisecond
	DefaultEstimatorInterval = 500 * time.Millisecond
	DefaultDiagnosticsDir    = "debug_logs"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Analysis
	if a.BaseURL == "" {
		a.BaseURL = DefaultBaseURL
	}
	if a.Timeout == 0 {
		a.Timeout = DefaultTimeout
	}
	if a.FallbackMode == "" {
		a.FallbackMode = analysis.FallbackEmbed
	}
	if a.CircuitBreaker.MaxFailures == 0 {
		a.CircuitBreaker.MaxFailures = 5
	}
	if a.CircuitBreaker.ResetTimeout == 0 {
		a.CircuitBreaker.ResetTimeout = 30 * time.Second
	}
	if a.CircuitBreaker.HalfOpenMax == 0 {
		a.CircuitBreaker.HalfOpenMax = 1
	}

	r := &cfg.Recording
	if r.Model == "" {
		r.Model = analysis.DefaultOptions().Model
	}
	if r.Diarization == nil {
		on := true
		r.Diarization = &on
	}
	if r.PatientSpeaker == "" {
		r.PatientSpeaker = analysis.SpeakerOne
	}
	if r.Device == "" {
		r.Device = DeviceExec
		if r.InputFile != "" {
			r.Device = DeviceFile
		}
	}
	if r.ChunkSize == 0 {
		r.ChunkSize = DefaultChunkSize
	}
	if r.SampleRate == 0 {
		r.SampleRate = DefaultSampleRate
	}
	if r.Channels == 0 {
		r.Channels = DefaultChannels
	}

	if cfg.Telemetry.WaveformInterval == 0 {
		cfg.Telemetry.WaveformInterval = DefaultWaveformInterval
	}
	if cfg.Telemetry.EstimatorInterval == 0 {
		cfg.Telemetry.EstimatorInterval = DefaultEstimatorInterval
	}

	if cfg.Diagnostics.Enabled && cfg.Diagnostics.Dir == "" {
		cfg.Diagnostics.Dir = DefaultDiagnosticsDir
	}
}
