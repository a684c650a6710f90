package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/clinivox/clinivox/internal/analysis"
)

// Environment variables that override the file.
const (
	EnvBaseURL  = "CLINIVOX_ANALYSIS_BASE_URL"
	EnvLogLevel = "CLINIVOX_LOG_LEVEL"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, applies environment
// overrides and defaults, and validates the result. An empty document yields
// the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.Getenv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=value pairs from the given .env files into the
// process environment without overriding variables that are already set.
// Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", p, err)
		}
		slog.Debug("environment file loaded", "path", p)
	}
	return nil
}

// ApplyEnv copies recognised environment overrides into cfg. getenv is
// usually [os.Getenv].
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvBaseURL)); v != "" {
		cfg.Analysis.BaseURL = v
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Analysis
	if err := validateURL(cfg.Analysis.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("analysis.base_url: %w", err))
	}
	for i, u := range cfg.Analysis.FallbackURLs {
		if err := validateURL(u); err != nil {
			errs = append(errs, fmt.Errorf("analysis.fallback_urls[%d]: %w", i, err))
		}
	}
	if cfg.Analysis.Timeout < 0 {
		errs = append(errs, fmt.Errorf("analysis.timeout %s must not be negative", cfg.Analysis.Timeout))
	}
	if cfg.Analysis.FallbackMode != "" {
		if _, err := analysis.ParseFallbackMode(string(cfg.Analysis.FallbackMode)); err != nil {
			errs = append(errs, fmt.Errorf("analysis.fallback_mode: %w", err))
		}
	}
	cb := cfg.Analysis.CircuitBreaker
	if cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("analysis.circuit_breaker values must not be negative"))
	}

	// Recording
	r := cfg.Recording
	if err := r.Options().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("recording: %w", err))
	}
	switch r.Device {
	case "", DeviceExec:
	case DeviceFile:
		if r.InputFile == "" {
			errs = append(errs, errors.New("recording.input_file is required when device is file"))
		}
	default:
		slog.Warn("unknown recording device; it must be registered before start", "device", r.Device)
	}
	if r.ChunkSize < 0 || r.SampleRate < 0 || r.Channels < 0 {
		errs = append(errs, errors.New("recording.chunk_size, sample_rate and channels must not be negative"))
	}
	if r.Channels > 2 {
		errs = append(errs, fmt.Errorf("recording.channels %d is out of range [1, 2]", r.Channels))
	}

	// Telemetry
	if cfg.Telemetry.WaveformInterval < 0 || cfg.Telemetry.EstimatorInterval < 0 {
		errs = append(errs, errors.New("telemetry intervals must not be negative"))
	}

	return errors.Join(errs...)
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}
