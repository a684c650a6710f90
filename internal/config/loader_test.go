package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clinivox/clinivox/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "bad log level",
			yaml: "server:\n  log_level: bananas\n",
			want: []string{"server.log_level"},
		},
		{
			name: "bad base url scheme",
			yaml: "analysis:\n  base_url: ftp://example.com\n",
			want: []string{"analysis.base_url", "http or https"},
		},
		{
			name: "bad fallback url",
			yaml: "analysis:\n  fallback_urls: [\"http://\"]\n",
			want: []string{"analysis.fallback_urls[0]", "no host"},
		},
		{
			name: "bad fallback mode",
			yaml: "analysis:\n  fallback_mode: sometimes\n",
			want: []string{"analysis.fallback_mode"},
		},
		{
			name: "bad speaker",
			yaml: "recording:\n  patient_speaker: speaker7\n",
			want: []string{"recording:", "speaker7"},
		},
		{
			name: "file device without input",
			yaml: "recording:\n  device: file\n",
			want: []string{"recording.input_file is required"},
		},
		{
			name: "too many channels",
			yaml: "recording:\n  channels: 6\n",
			want: []string{"recording.channels 6"},
		},
		{
			name: "negative timeout",
			yaml: "analysis:\n  timeout: -1s\n",
			want: []string{"analysis.timeout"},
		},
		{
			name: "multiple errors joined",
			yaml: "server:\n  log_level: loud\nanalysis:\n  fallback_mode: never\n",
			want: []string{"server.log_level", "analysis.fallback_mode"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q should mention %q", err, w)
				}
			}
		})
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("analysis:\n  base_uri: http://x\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "base_uri") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clinivox.yaml")
	if err := os.WriteFile(path, []byte("recording:\n  model: small\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Recording.Model != "small" {
		t.Errorf("model = %q, want small", cfg.Recording.Model)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		config.EnvBaseURL:  " http://env.local:5000 ",
		config.EnvLogLevel: "WARN",
	}
	cfg := config.Default()
	config.ApplyEnv(cfg, func(k string) string { return env[k] })

	if cfg.Analysis.BaseURL != "http://env.local:5000" {
		t.Errorf("base_url = %q", cfg.Analysis.BaseURL)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
}

func TestLoadFromReader_EnvOverridesFile(t *testing.T) {
	t.Setenv(config.EnvBaseURL, "http://override.local:5000")
	cfg, err := config.LoadFromReader(strings.NewReader("analysis:\n  base_url: http://file.local:5000\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Analysis.BaseURL != "http://override.local:5000" {
		t.Errorf("base_url = %q, want env override", cfg.Analysis.BaseURL)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("CLINIVOX_TEST_DOTENV=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CLINIVOX_TEST_DOTENV", "")
	os.Unsetenv("CLINIVOX_TEST_DOTENV")

	if err := config.LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("CLINIVOX_TEST_DOTENV"); got != "from-file" {
		t.Errorf("CLINIVOX_TEST_DOTENV = %q, want from-file", got)
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("CLINIVOX_TEST_KEEP=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CLINIVOX_TEST_KEEP", "from-shell")

	if err := config.LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("CLINIVOX_TEST_KEEP"); got != "from-shell" {
		t.Errorf("CLINIVOX_TEST_KEEP = %q, want from-shell", got)
	}
}
