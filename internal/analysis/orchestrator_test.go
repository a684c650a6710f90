package analysis_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/clinivox/clinivox/internal/analysis"
	"github.com/clinivox/clinivox/internal/analysis/mock"
	"github.com/clinivox/clinivox/internal/observe"
	"github.com/clinivox/clinivox/internal/progress"
	"github.com/clinivox/clinivox/pkg/audio"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func artifact() *audio.Artifact {
	return &audio.Artifact{Data: []byte("pcm"), ContentType: audio.ContentTypeWAV, Duration: 3 * time.Second}
}

// recordingSink stores every upload report.
type recordingSink struct {
	mu      sync.Mutex
	reports []float64
}

func (s *recordingSink) ReportUpload(p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, p)
}

func TestOrchestrator_Success(t *testing.T) {
	t.Parallel()
	want := &analysis.Result{ExtractedMedicines: []string{"Metformin"}}
	a := &mock.Analyzer{Result: want, UploadSteps: [][2]int64{{10, 100}, {50, 100}, {100, 100}}}
	o := analysis.NewOrchestrator(a, analysis.WithOrchestratorMetrics(testMetrics(t)))

	sink := &recordingSink{}
	opts := analysis.Options{Model: "medium", Diarization: true, PatientSpeaker: analysis.SpeakerAuto}
	out, err := o.Submit(context.Background(), artifact(), opts, sink)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.UsedFallback || out.Result != want {
		t.Errorf("Outcome = %+v, want the analyzer's result without fallback", out)
	}

	wantReports := []float64{5, 25, 45}
	if len(sink.reports) != len(wantReports) {
		t.Fatalf("reports = %v, want %v", sink.reports, wantReports)
	}
	for i := range wantReports {
		if sink.reports[i] != wantReports[i] {
			t.Errorf("report %d = %v, want %v", i, sink.reports[i], wantReports[i])
		}
	}

	call, _ := a.LastCall()
	if call.Options != opts {
		t.Errorf("analyzer got options %+v, want %+v", call.Options, opts)
	}
}

func TestOrchestrator_RemoteFailureModes(t *testing.T) {
	t.Parallel()
	remote := &analysis.RemoteError{StatusCode: 500, Message: "boom"}

	t.Run("embed", func(t *testing.T) {
		t.Parallel()
		o := analysis.NewOrchestrator(&mock.Analyzer{Error: remote}, analysis.WithOrchestratorMetrics(testMetrics(t)))
		out, err := o.Submit(context.Background(), artifact(), analysis.DefaultOptions(), nil)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if !out.UsedFallback || out.Result == nil {
			t.Fatalf("Outcome = %+v, want embedded fallback", out)
		}
		if out.Warning != analysis.FallbackWarning {
			t.Errorf("Warning = %q", out.Warning)
		}
		if len(out.Result.AdverseEvents) != 2 {
			t.Errorf("fallback adverse events = %d, want 2", len(out.Result.AdverseEvents))
		}
		if !errors.Is(out.Cause, analysis.ErrRemoteAnalysis) {
			t.Errorf("Cause = %v, want ErrRemoteAnalysis", out.Cause)
		}
	})

	t.Run("defer", func(t *testing.T) {
		t.Parallel()
		o := analysis.NewOrchestrator(&mock.Analyzer{Error: remote},
			analysis.WithFallbackMode(analysis.FallbackDefer),
			analysis.WithOrchestratorMetrics(testMetrics(t)),
		)
		out, err := o.Submit(context.Background(), artifact(), analysis.DefaultOptions(), nil)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if !out.UsedFallback || out.Result != nil {
			t.Errorf("Outcome = %+v, want deferred fallback with nil result", out)
		}
	})

	t.Run("off", func(t *testing.T) {
		t.Parallel()
		o := analysis.NewOrchestrator(&mock.Analyzer{Error: remote},
			analysis.WithFallbackMode(analysis.FallbackOff),
			analysis.WithOrchestratorMetrics(testMetrics(t)),
		)
		_, err := o.Submit(context.Background(), artifact(), analysis.DefaultOptions(), nil)
		if !errors.Is(err, analysis.ErrRemoteAnalysis) {
			t.Errorf("err = %v, want ErrRemoteAnalysis", err)
		}
	})
}

func TestOrchestrator_UnclassifiedErrorIsRemote(t *testing.T) {
	t.Parallel()
	o := analysis.NewOrchestrator(&mock.Analyzer{Error: errors.New("connection reset")},
		analysis.WithFallbackMode(analysis.FallbackOff),
		analysis.WithOrchestratorMetrics(testMetrics(t)),
	)
	_, err := o.Submit(context.Background(), artifact(), analysis.DefaultOptions(), nil)
	if !errors.Is(err, analysis.ErrRemoteAnalysis) {
		t.Errorf("err = %v, want ErrRemoteAnalysis", err)
	}
}

func TestOrchestrator_DeadlineIsRemoteFailure(t *testing.T) {
	t.Parallel()
	a := &mock.Analyzer{Block: make(chan struct{}), Result: &analysis.Result{}}
	o := analysis.NewOrchestrator(a,
		analysis.WithTimeout(20*time.Millisecond),
		analysis.WithOrchestratorMetrics(testMetrics(t)),
	)
	out, err := o.Submit(context.Background(), artifact(), analysis.DefaultOptions(), nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !out.UsedFallback {
		t.Error("deadline expiry did not resolve with fallback")
	}
	if !errors.Is(out.Cause, context.DeadlineExceeded) {
		t.Errorf("Cause = %v, want DeadlineExceeded", out.Cause)
	}
}

func TestOrchestrator_LocalFailureNeverSubstituted(t *testing.T) {
	t.Parallel()
	o := analysis.NewOrchestrator(&mock.Analyzer{}, analysis.WithOrchestratorMetrics(testMetrics(t)))
	_, err := o.Submit(context.Background(), nil, analysis.DefaultOptions(), nil)
	if !errors.Is(err, analysis.ErrLocalProcessing) {
		t.Errorf("nil artifact err = %v, want ErrLocalProcessing", err)
	}

	local := &mock.Analyzer{Error: errors.Join(analysis.ErrLocalProcessing, errors.New("bad form"))}
	o = analysis.NewOrchestrator(local, analysis.WithOrchestratorMetrics(testMetrics(t)))
	out, err := o.Submit(context.Background(), artifact(), analysis.DefaultOptions(), nil)
	if !errors.Is(err, analysis.ErrLocalProcessing) {
		t.Errorf("err = %v, want ErrLocalProcessing", err)
	}
	if out.UsedFallback {
		t.Error("local failure was substituted with fallback data")
	}
}

func TestOrchestrator_CanceledContext(t *testing.T) {
	t.Parallel()
	a := &mock.Analyzer{Block: make(chan struct{})}
	o := analysis.NewOrchestrator(a, analysis.WithOrchestratorMetrics(testMetrics(t)))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	out, err := o.Submit(ctx, artifact(), analysis.DefaultOptions(), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if out.UsedFallback {
		t.Error("cancellation resolved with fallback")
	}
}

var _ progress.Sink = (*recordingSink)(nil)
