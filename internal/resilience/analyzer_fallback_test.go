package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/clinivox/clinivox/internal/analysis"
	"github.com/clinivox/clinivox/internal/analysis/mock"
	"github.com/clinivox/clinivox/internal/resilience"
	"github.com/clinivox/clinivox/pkg/audio"
)

func testArtifact() *audio.Artifact {
	return &audio.Artifact{Data: []byte("RIFF"), ContentType: audio.ContentTypeWAV}
}

func newFallback(primary, secondary *mock.Analyzer) *resilience.AnalyzerFallback {
	f := resilience.NewAnalyzerFallback(primary, "primary", resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 1, Clock: clockwork.NewFakeClock()},
	})
	f.AddFallback("secondary", secondary)
	return f
}

func TestAnalyzerFallback_FailsOverOnRemoteError(t *testing.T) {
	t.Parallel()
	want := &analysis.Result{Transcription: analysis.Transcription{Text: "from secondary"}}
	primary := &mock.Analyzer{Error: &analysis.RemoteError{StatusCode: 502, Message: "Bad Gateway"}}
	secondary := &mock.Analyzer{Result: want}
	f := newFallback(primary, secondary)

	got, err := f.Analyze(context.Background(), testArtifact(), analysis.DefaultOptions(), nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if got != want {
		t.Fatalf("result = %+v, want secondary's", got)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", primary.CallCount(), secondary.CallCount())
	}
	if s := f.States()["primary"]; s != resilience.StateOpen {
		t.Fatalf("primary breaker = %v, want open", s)
	}
}

func TestAnalyzerFallback_AllRemoteFailures(t *testing.T) {
	t.Parallel()
	primary := &mock.Analyzer{Error: analysis.ErrRemoteAnalysis}
	secondary := &mock.Analyzer{Error: errors.New("connection refused")}
	f := newFallback(primary, secondary)

	_, err := f.Analyze(context.Background(), testArtifact(), analysis.DefaultOptions(), nil)
	if !errors.Is(err, resilience.ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, analysis.ErrRemoteAnalysis) {
		t.Fatalf("err = %v, want ErrRemoteAnalysis", err)
	}
}

func TestAnalyzerFallback_LocalErrorNotRetried(t *testing.T) {
	t.Parallel()
	primary := &mock.Analyzer{Error: analysis.ErrLocalProcessing}
	secondary := &mock.Analyzer{Result: &analysis.Result{}}
	f := newFallback(primary, secondary)

	_, err := f.Analyze(context.Background(), testArtifact(), analysis.DefaultOptions(), nil)
	if !errors.Is(err, analysis.ErrLocalProcessing) {
		t.Fatalf("err = %v, want ErrLocalProcessing", err)
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
	if s := f.States()["primary"]; s != resilience.StateClosed {
		t.Fatalf("primary breaker = %v, want closed", s)
	}
}

func TestAnalyzerFallback_CanceledNotRetried(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	primary := &mock.Analyzer{Result: &analysis.Result{}}
	secondary := &mock.Analyzer{Result: &analysis.Result{}}
	f := newFallback(primary, secondary)

	_, err := f.Analyze(ctx, testArtifact(), analysis.DefaultOptions(), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if primary.CallCount() != 0 || secondary.CallCount() != 0 {
		t.Fatalf("calls = %d/%d, want 0/0", primary.CallCount(), secondary.CallCount())
	}
}

func TestAnalyzerFallback_DeadlineLeavesBackupHealthy(t *testing.T) {
	t.Parallel()
	primary := &mock.Analyzer{Block: make(chan struct{})}
	secondary := &mock.Analyzer{Result: &analysis.Result{Transcription: analysis.Transcription{Text: "from secondary"}}}
	f := newFallback(primary, secondary)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Analyze(ctx, testArtifact(), analysis.DefaultOptions(), nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if errors.Is(err, resilience.ErrAllFailed) {
		t.Fatalf("err = %v, an expired deadline is not an endpoint failure", err)
	}
	if n := secondary.CallCount(); n != 0 {
		t.Fatalf("secondary called %d times after the deadline, want 0", n)
	}
	states := f.States()
	if states["primary"] != resilience.StateClosed || states["secondary"] != resilience.StateClosed {
		t.Fatalf("states = %v, want both closed", states)
	}

	// The next journey without a deadline problem still reaches an endpoint.
	close(primary.Block)
	if _, err := f.Analyze(context.Background(), testArtifact(), analysis.DefaultOptions(), nil); err != nil {
		t.Fatalf("Analyze after deadline: %v", err)
	}
}
