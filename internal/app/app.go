// Package app wires all Clinivox subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the dashboard until the context ends, and Shutdown
// tears everything down in order.
//
// For testing, inject test doubles via functional options (WithDevice,
// WithAnalyzer, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/clinivox/clinivox/internal/analysis"
	"github.com/clinivox/clinivox/internal/catalog"
	"github.com/clinivox/clinivox/internal/config"
	"github.com/clinivox/clinivox/internal/dashboard"
	"github.com/clinivox/clinivox/internal/diagnostics"
	"github.com/clinivox/clinivox/internal/health"
	"github.com/clinivox/clinivox/internal/notify"
	"github.com/clinivox/clinivox/internal/observe"
	"github.com/clinivox/clinivox/internal/pipeline"
	"github.com/clinivox/clinivox/internal/resilience"
	"github.com/clinivox/clinivox/pkg/audio"
)

// serverShutdownTimeout bounds the graceful HTTP shutdown in Run.
const serverShutdownTimeout = 5 * time.Second

// TextAnalyzer analyses an already transcribed conversation.
type TextAnalyzer interface {
	AnalyzeText(ctx context.Context, conversation string) (*analysis.Result, error)
}

// App owns all subsystem lifetimes.
type App struct {
	cfg            *config.Config
	registry       *config.Registry
	clock          clockwork.Clock
	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar

	// Collaborators, injected or built from cfg.
	device   audio.Device
	analyzer analysis.Analyzer
	lister   catalog.Lister
	texter   TextAnalyzer
	breakers *resilience.AnalyzerFallback

	defaults atomic.Pointer[analysis.Options]

	// Subsystems, initialised in New and torn down in Shutdown.
	bus     *notify.Bus
	orch    *analysis.Orchestrator
	dumper  *diagnostics.Dumper
	machine *pipeline.Machine
	catalog *catalog.Catalog
	health  *health.Handler
	dash    *dashboard.Server
	server  *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevice injects the input device instead of creating one from config.
func WithDevice(d audio.Device) Option {
	return func(a *App) { a.device = d }
}

// WithAnalyzer injects the analysis backend instead of building HTTP clients
// and their circuit breakers from config. If a also implements
// [catalog.Lister] or [TextAnalyzer] it serves those roles too.
func WithAnalyzer(an analysis.Analyzer) Option {
	return func(a *App) { a.analyzer = an }
}

// WithModelLister injects the model catalog source.
func WithModelLister(l catalog.Lister) Option {
	return func(a *App) { a.lister = l }
}

// WithRegistry replaces the device registry. Default: [config.DefaultRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithClock sets the clock driving timers throughout the pipeline.
func WithClock(c clockwork.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. Default: promhttp.Handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets configuration reloads adjust the log level.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing is started:
// the input device is only opened when a recording starts and the model
// catalog is fetched by Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = config.DefaultRegistry()
	}
	if a.clock == nil {
		a.clock = clockwork.NewRealClock()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}
	defaults := cfg.Recording.Options()
	a.defaults.Store(&defaults)

	// ── 1. Input device ──────────────────────────────────────────────────
	if err := a.initDevice(); err != nil {
		return nil, fmt.Errorf("app: init device: %w", err)
	}

	// ── 2. Analysis backend ──────────────────────────────────────────────
	if err := a.initAnalysis(); err != nil {
		return nil, fmt.Errorf("app: init analysis: %w", err)
	}

	// ── 3. Notifications + diagnostics ───────────────────────────────────
	a.bus = notify.NewBus(notify.WithClock(a.clock))
	if cfg.Diagnostics.Enabled {
		d, err := diagnostics.NewDumper(cfg.Diagnostics.Dir)
		if err != nil {
			return nil, fmt.Errorf("app: init diagnostics: %w", err)
		}
		a.dumper = d
		slog.Info("diagnostics enabled", "dir", d.Dir())
	}

	// ── 4. Pipeline ──────────────────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 5. Model catalog ─────────────────────────────────────────────────
	a.catalog = catalog.New(a.lister, catalog.WithMetrics(a.metrics))

	// ── 6. Health + dashboard ────────────────────────────────────────────
	a.health = health.New(a.checkers()...)
	if err := a.initDashboard(); err != nil {
		return nil, fmt.Errorf("app: init dashboard: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initDevice() error {
	if a.device != nil {
		return nil
	}
	dev, err := a.registry.CreateDevice(a.cfg.Recording)
	if err != nil {
		return err
	}
	a.device = dev
	slog.Info("input device configured", "device", a.cfg.Recording.Device)
	return nil
}

// initAnalysis builds one HTTP client per configured endpoint behind a
// circuit-breaking fallback group, unless an analyzer was injected.
func (a *App) initAnalysis() error {
	if a.analyzer != nil {
		if a.lister == nil {
			a.lister, _ = a.analyzer.(catalog.Lister)
		}
		if a.texter == nil {
			a.texter, _ = a.analyzer.(TextAnalyzer)
		}
		return nil
	}

	ac := a.cfg.Analysis
	primary, err := analysis.NewClient(ac.BaseURL, analysis.WithMetrics(a.metrics))
	if err != nil {
		return err
	}

	cb := resilience.CircuitBreakerConfig{
		MaxFailures:  ac.CircuitBreaker.MaxFailures,
		ResetTimeout: ac.CircuitBreaker.ResetTimeout,
		HalfOpenMax:  ac.CircuitBreaker.HalfOpenMax,
		Clock:        a.clock,
	}
	group := resilience.NewAnalyzerFallback(primary, primary.BaseURL(), resilience.FallbackConfig{CircuitBreaker: cb})
	for _, u := range ac.FallbackURLs {
		c, err := analysis.NewClient(u, analysis.WithMetrics(a.metrics))
		if err != nil {
			return fmt.Errorf("fallback %q: %w", u, err)
		}
		group.AddFallback(c.BaseURL(), c)
	}

	a.analyzer = group
	a.breakers = group
	if a.lister == nil {
		a.lister = primary
	}
	a.texter = primary
	slog.Info("analysis service configured",
		"base_url", primary.BaseURL(),
		"fallbacks", len(ac.FallbackURLs),
		"fallback_mode", ac.FallbackMode,
	)
	return nil
}

func (a *App) initPipeline() error {
	a.orch = analysis.NewOrchestrator(a.analyzer,
		analysis.WithTimeout(a.cfg.Analysis.Timeout),
		analysis.WithFallbackMode(a.cfg.Analysis.FallbackMode),
		analysis.WithOrchestratorMetrics(a.metrics),
	)

	m, err := pipeline.New(pipeline.Config{
		Device:            a.device,
		Orchestrator:      a.orch,
		Clock:             a.clock,
		Notifier:          a.bus,
		Metrics:           a.metrics,
		Hooks:             pipeline.Hooks{OnFinish: a.onFinish},
		EstimatorInterval: a.cfg.Telemetry.EstimatorInterval,
		WaveformInterval:  a.cfg.Telemetry.WaveformInterval,
		// The analysis service transcribes 16 kHz mono.
		CaptureOptions: []audio.CaptureOption{
			audio.WithTargetFormat(config.DefaultSampleRate, config.DefaultChannels),
		},
	})
	if err != nil {
		return err
	}
	a.machine = m
	a.closers = append(a.closers, m.Close)
	return nil
}

func (a *App) initDashboard() error {
	d, err := dashboard.New(dashboard.Config{
		Recorder:       a.machine,
		Catalog:        a.catalog,
		Notifications:  a.bus,
		Defaults:       a.Defaults,
		Health:         a.health,
		Metrics:        a.metrics,
		MetricsHandler: a.metricsHandler,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
	})
	if err != nil {
		return err
	}
	a.dash = d
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// checkers lists the readiness probes. Neither is critical: a recording can
// always be made, and a failed analysis falls back according to the
// configured mode.
func (a *App) checkers() []health.Checker {
	var cs []health.Checker
	if a.lister != nil {
		cs = append(cs, health.Checker{
			Name: "analysis",
			Check: func(ctx context.Context) error {
				_, err := a.lister.Models(ctx)
				return err
			},
		})
	}
	if a.breakers != nil {
		cs = append(cs, health.Checker{
			Name: "circuit_breakers",
			Check: func(context.Context) error {
				states := a.breakers.States()
				for _, s := range states {
					if s != resilience.StateOpen {
						return nil
					}
				}
				return fmt.Errorf("all %d analysis endpoints are open", len(states))
			},
		})
	}
	return cs
}

// onFinish writes the diagnostics dump for a finished journey.
func (a *App) onFinish(ctx context.Context, r pipeline.Record) {
	if a.dumper == nil {
		return
	}
	files, err := a.dumper.Dump(diagnostics.Entry{
		JourneyID:  r.JourneyID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Options:    r.Options,
		Artifact:   r.Artifact,
		Outcome:    r.Outcome,
		Err:        r.Err,
	})
	if err != nil {
		observe.Logger(ctx).Warn("diagnostics dump failed", "err", err)
		return
	}
	observe.Logger(ctx).Debug("diagnostics written", "files", files)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Machine returns the pipeline state machine.
func (a *App) Machine() *pipeline.Machine { return a.machine }

// Catalog returns the model catalog.
func (a *App) Catalog() *catalog.Catalog { return a.catalog }

// Notifications returns the notification bus.
func (a *App) Notifications() *notify.Bus { return a.bus }

// Handler returns the dashboard's root HTTP handler.
func (a *App) Handler() http.Handler { return a.dash.Handler() }

// Defaults returns the current recording form defaults.
func (a *App) Defaults() analysis.Options { return *a.defaults.Load() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the dashboard and loads the model catalog in the background. It
// blocks until ctx is cancelled or the server fails, and returns ctx.Err()
// on a normal stop.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// The catalog is best-effort: recording works with the built-in list.
	g.Go(func() error {
		a.RefreshCatalog(gctx)
		return nil
	})

	g.Go(func() error {
		slog.Info("dashboard listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve dashboard: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			return fmt.Errorf("app: shutdown dashboard: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// RefreshCatalog fetches the model list. On failure the previous list stays
// in effect and a warning notification is published.
func (a *App) RefreshCatalog(ctx context.Context) {
	if err := a.catalog.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("model catalog unavailable", "err", err)
		a.bus.Notify(notify.LevelWarning, catalog.UnavailableMessage, "")
		return
	}
	slog.Info("model catalog loaded", "models", len(a.catalog.Models()))
}

// ─── One-shot journeys ───────────────────────────────────────────────────────

// RecordOnce runs a complete journey without the dashboard: it records for d,
// submits the recording and hands the result over. A journey that fails
// returns its error and leaves the machine Idle.
func (a *App) RecordOnce(ctx context.Context, opts analysis.Options, d time.Duration) (pipeline.Handoff, error) {
	if err := a.machine.Start(ctx, opts); err != nil {
		return pipeline.Handoff{}, err
	}

	select {
	case <-a.clock.After(d):
	case <-ctx.Done():
	}

	// Stop even when ctx ended so the device is released.
	if err := a.machine.Stop(context.WithoutCancel(ctx)); err != nil {
		return pipeline.Handoff{}, err
	}
	if err := ctx.Err(); err != nil {
		return pipeline.Handoff{}, err
	}
	if _, err := a.machine.Wait(ctx); err != nil {
		return pipeline.Handoff{}, err
	}
	return a.machine.TakeHandoff()
}

// AnalyzeTranscript sends an already transcribed conversation for analysis.
func (a *App) AnalyzeTranscript(ctx context.Context, conversation string) (*analysis.Result, error) {
	if a.texter == nil {
		return nil, errors.New("app: text analysis is not available for this backend")
	}
	return a.texter.AnalyzeText(ctx, conversation)
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a changed configuration.
// It matches the callback signature of [config.NewWatcher]. A new recording
// default only affects journeys started afterwards.
func (a *App) ApplyConfig(old, cur *config.Config) {
	d := config.Diff(old, cur)
	if d.RecordingChanged {
		opts := d.NewRecording.Options()
		a.defaults.Store(&opts)
		slog.Info("recording defaults updated", "model", opts.Model, "diarization", opts.Diarization)
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level updated", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a configured log level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = err
				return
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
	})
	return shutdownErr
}
