package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clinivox/clinivox/internal/observe"
	"github.com/clinivox/clinivox/internal/progress"
	"github.com/clinivox/clinivox/pkg/audio"
)

// DefaultTimeout is the deadline applied to each analysis request.
const DefaultTimeout = 300 * time.Second

// Outcome is what a submitted recording resolved to.
type Outcome struct {
	// Result holds the findings. Nil only when UsedFallback is set under
	// [FallbackDefer].
	Result *Result

	// UsedFallback reports that the remote service failed and the result (or
	// its absence) stands in for real findings.
	UsedFallback bool

	// Warning is the user-facing notice accompanying a fallback.
	Warning string

	// Cause is the remote failure that triggered the fallback.
	Cause error
}

// OrchestratorOption configures an [Orchestrator].
type OrchestratorOption func(*Orchestrator)

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithFallbackMode sets the remote-failure policy. Defaults to
// [FallbackEmbed].
func WithFallbackMode(m FallbackMode) OrchestratorOption {
	return func(o *Orchestrator) {
		if m != "" {
			o.mode = m
		}
	}
}

// WithOrchestratorMetrics sets the metrics sink.
func WithOrchestratorMetrics(m *observe.Metrics) OrchestratorOption {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// Orchestrator submits recordings to an [Analyzer] and applies the deadline
// and fallback policy. It holds no per-journey state; the pipeline guarantees
// at most one Submit per journey.
type Orchestrator struct {
	analyzer Analyzer
	timeout  time.Duration
	mode     FallbackMode
	metrics  *observe.Metrics
}

// NewOrchestrator creates an Orchestrator around analyzer.
func NewOrchestrator(analyzer Analyzer, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		analyzer: analyzer,
		timeout:  DefaultTimeout,
		mode:     FallbackEmbed,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// Mode returns the configured fallback mode.
func (o *Orchestrator) Mode() FallbackMode { return o.mode }

// Submit sends art for analysis and blocks until it resolves. Upload
// progress is reported to sink, mapped onto [0, progress.UploadCeiling].
//
// A remote failure (including expiry of the request deadline) resolves per
// the fallback mode: with a substituted Outcome under embed and defer, or
// with an error wrapping [ErrRemoteAnalysis] under off. Local failures return
// an error wrapping [ErrLocalProcessing]. Cancellation of ctx itself returns
// ctx's error.
func (o *Orchestrator) Submit(ctx context.Context, art *audio.Artifact, opts Options, sink progress.Sink) (Outcome, error) {
	if art == nil {
		return Outcome{}, fmt.Errorf("%w: no recording to submit", ErrLocalProcessing)
	}
	if sink == nil {
		sink = progress.Discard
	}
	log := observe.Logger(ctx)

	reqCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	res, err := o.analyzer.Analyze(reqCtx, art, opts, func(sent, total int64) {
		sink.ReportUpload(progress.UploadPercent(sent, total))
	})
	o.metrics.AnalysisDuration.Record(ctx, time.Since(start).Seconds())

	switch {
	case err == nil && res != nil:
		log.Info("analysis complete",
			"medicines", len(res.ExtractedMedicines),
			"adverse_events", len(res.AdverseEvents),
			"duration", time.Since(start),
		)
		return Outcome{Result: res}, nil

	case err == nil:
		err = fmt.Errorf("%w: empty response", ErrRemoteAnalysis)

	case errors.Is(err, ErrLocalProcessing):
		log.Error("analysis request could not be built", "err", err)
		return Outcome{}, err

	case ctx.Err() != nil:
		return Outcome{}, fmt.Errorf("analysis: submit canceled: %w", ctx.Err())

	case !errors.Is(err, ErrRemoteAnalysis):
		err = fmt.Errorf("%w: %w", ErrRemoteAnalysis, err)
	}

	return o.fallback(ctx, err)
}

func (o *Orchestrator) fallback(ctx context.Context, cause error) (Outcome, error) {
	log := observe.Logger(ctx)
	switch o.mode {
	case FallbackOff:
		log.Error("analysis failed", "err", cause)
		return Outcome{}, cause
	case FallbackDefer:
		log.Warn("analysis failed, deferring fallback to results consumer", "err", cause)
		o.metrics.RecordFallback(ctx, string(FallbackDefer))
		return Outcome{UsedFallback: true, Warning: FallbackWarning, Cause: cause}, nil
	default:
		log.Warn("analysis failed, using fallback dataset", "err", cause)
		o.metrics.RecordFallback(ctx, string(FallbackEmbed))
		return Outcome{Result: FallbackResult(), UsedFallback: true, Warning: FallbackWarning, Cause: cause}, nil
	}
}
