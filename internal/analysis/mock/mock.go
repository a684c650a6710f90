// Package mock provides a configurable [analysis.Analyzer] for tests.
//
// Typical usage:
//
//	a := &mock.Analyzer{Result: analysis.FallbackResult()}
//	orch := analysis.NewOrchestrator(a)
package mock

import (
	"context"
	"sync"

	"github.com/clinivox/clinivox/internal/analysis"
	"github.com/clinivox/clinivox/pkg/audio"
)

// Compile-time interface assertion.
var _ analysis.Analyzer = (*Analyzer)(nil)

// AnalyzeCall records the arguments of one Analyze call.
type AnalyzeCall struct {
	Artifact *audio.Artifact
	Options  analysis.Options
}

// Analyzer is a mock implementation of [analysis.Analyzer].
//
// When AnalyzeFunc is set it takes precedence over Result/Error. Otherwise
// UploadSteps (if any) are replayed through the upload callback before
// returning. When Block is non-nil Analyze waits for it to be closed or for
// ctx to end.
type Analyzer struct {
	mu sync.Mutex

	// Result is returned by Analyze.
	Result *analysis.Result

	// Error is returned by Analyze.
	Error error

	// UploadSteps are reported to the upload callback as (sent, total) pairs.
	UploadSteps [][2]int64

	// Block, when non-nil, delays the response until closed.
	Block chan struct{}

	// AnalyzeFunc, when non-nil, replaces the canned behaviour.
	AnalyzeFunc func(ctx context.Context, art *audio.Artifact, opts analysis.Options, onUpload analysis.UploadFunc) (*analysis.Result, error)

	// Calls records every Analyze call in order.
	Calls []AnalyzeCall
}

// Analyze implements [analysis.Analyzer].
func (a *Analyzer) Analyze(ctx context.Context, art *audio.Artifact, opts analysis.Options, onUpload analysis.UploadFunc) (*analysis.Result, error) {
	a.mu.Lock()
	a.Calls = append(a.Calls, AnalyzeCall{Artifact: art, Options: opts})
	fn := a.AnalyzeFunc
	res, err, steps, block := a.Result, a.Error, a.UploadSteps, a.Block
	a.mu.Unlock()

	if fn != nil {
		return fn(ctx, art, opts, onUpload)
	}
	if onUpload != nil {
		for _, s := range steps {
			onUpload(s[0], s[1])
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CallCount returns the number of Analyze calls so far.
func (a *Analyzer) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Calls)
}

// LastCall returns the most recent call. ok is false if there was none.
func (a *Analyzer) LastCall() (call AnalyzeCall, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.Calls) == 0 {
		return AnalyzeCall{}, false
	}
	return a.Calls[len(a.Calls)-1], true
}
