// Command clinivox records a clinical conversation, submits it to the
// adverse-event analysis service and serves a local dashboard for the
// recording workflow.
//
// Modes:
//
//	clinivox -config clinivox.yaml                 serve the dashboard
//	clinivox -input visit.wav -out result.json     analyse one recording and exit
//	clinivox -duration 2m                          record from the microphone for 2m and exit
//	clinivox -transcript notes.txt                 analyse a written conversation and exit
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clinivox/clinivox/internal/app"
	"github.com/clinivox/clinivox/internal/config"
	"github.com/clinivox/clinivox/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "clinivox.yaml", "path to the YAML configuration file (optional)")
	envFile := flag.String("env-file", ".env", "path to a .env file with environment overrides (optional)")
	baseURL := flag.String("base-url", "", "analysis service base URL (overrides config)")
	input := flag.String("input", "", "analyse this audio file instead of the microphone and exit")
	transcript := flag.String("transcript", "", "analyse this text file (\"-\" for stdin) and exit")
	outPath := flag.String("out", "", "write the one-shot result as JSON to this file instead of stdout")
	duration := flag.Duration("duration", 0, "record from the input device for this long and exit")
	model := flag.String("model", "", "transcription model for one-shot runs")
	watch := flag.Bool("watch", true, "reload recording defaults when the config file changes")
	flag.Parse()

	// ── Environment + configuration ───────────────────────────────────────────
	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "clinivox: %v\n", err)
		return 1
	}

	cfg, fromFile, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clinivox: %v\n", err)
		return 1
	}
	if *baseURL != "" {
		cfg.Analysis.BaseURL = *baseURL
	}
	if *input != "" {
		cfg.Recording.Device = config.DeviceFile
		cfg.Recording.InputFile = *input
	}
	if *model != "" {
		cfg.Recording.Model = *model
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "clinivox: invalid configuration:\n%v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("clinivox starting",
		"version", version,
		"config", *configPath,
		"analysis", cfg.Analysis.BaseURL,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:      "clinivox",
		ServiceVersion:   version,
		AnalysisEndpoint: cfg.Analysis.BaseURL,
		RecordingDevice:  cfg.Recording.Device,
		FallbackMode:     string(cfg.Analysis.FallbackMode),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	application, err := app.New(ctx, cfg, app.WithLogLevel(&level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer shutdown(application)

	// ── One-shot modes ────────────────────────────────────────────────────────
	switch {
	case *transcript != "":
		return analyseTranscript(ctx, application, *transcript, *outPath)
	case *input != "" || *duration > 0:
		if *model != "" && !checkModel(ctx, application, *model) {
			return 1
		}
		return recordOnce(ctx, application, *input, *duration, *outPath)
	}

	// ── Dashboard mode ────────────────────────────────────────────────────────
	if fromFile && *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	printStartupSummary(cfg)
	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("shutdown signal received, stopping")
	return 0
}

// loadConfig reads path, or falls back to the defaults plus environment
// overrides when the file does not exist.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	cfg = &config.Config{}
	config.ApplyEnv(cfg, os.Getenv)
	config.ApplyDefaults(cfg)
	return cfg, false, nil
}

func shutdown(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
}

// ── One-shot helpers ──────────────────────────────────────────────────────────

// recordOnce records one journey. Without -duration a file input gets a
// short grace period, which an unpaced replay needs to deliver the file.
func recordOnce(ctx context.Context, a *app.App, input string, d time.Duration, outPath string) int {
	if d <= 0 {
		d = fileDuration(input)
	}
	slog.Info("recording", "duration", d, "input", input)

	h, err := a.RecordOnce(ctx, a.Defaults(), d)
	if err != nil {
		slog.Error("analysis failed", "err", err)
		return 1
	}
	if h.UsedFallback {
		slog.Warn(h.Warning)
	}
	out := struct {
		JourneyID    string `json:"journey_id"`
		UsedFallback bool   `json:"used_fallback"`
		Results      any    `json:"results"`
	}{h.JourneyID, h.UsedFallback, h.Results}
	return writeResult(out, outPath)
}

// checkModel rejects an unknown -model before anything is recorded. The
// built-in list is used when the service cannot be reached.
func checkModel(ctx context.Context, a *app.App, id string) bool {
	a.RefreshCatalog(ctx)
	info, _, err := a.Catalog().Resolve(id)
	if err != nil {
		slog.Error("invalid model", "err", err)
		return false
	}
	slog.Debug("model selected", "model", info.ID, "name", info.Name)
	return true
}

func analyseTranscript(ctx context.Context, a *app.App, path, outPath string) int {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		slog.Error("failed to read transcript", "path", path, "err", err)
		return 1
	}
	res, err := a.AnalyzeTranscript(ctx, string(data))
	if err != nil {
		slog.Error("analysis failed", "err", err)
		return 1
	}
	return writeResult(res, outPath)
}

// fileDuration is the recording length used when -duration is not set.
func fileDuration(input string) time.Duration {
	if input == "" {
		return 10 * time.Second
	}
	return 500 * time.Millisecond
}

func writeResult(v any, outPath string) int {
	w := io.Writer(os.Stdout)
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			slog.Error("failed to create output file", "path", outPath, "err", err)
			return 1
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Error("failed to write result", "err", err)
		return 1
	}
	if outPath != "" {
		slog.Info("result written", "path", outPath)
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Clinivox: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Analysis", cfg.Analysis.BaseURL)
	printRow("Fallbacks", fmt.Sprintf("%d", len(cfg.Analysis.FallbackURLs)))
	printRow("Fallback mode", string(cfg.Analysis.FallbackMode))
	printRow("Device", cfg.Recording.Device)
	printRow("Model", cfg.Recording.Model)
	if cfg.Diagnostics.Enabled {
		printRow("Diagnostics", cfg.Diagnostics.Dir)
	} else {
		printRow("Diagnostics", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}
