package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/clinivox/clinivox/internal/analysis"
	"github.com/clinivox/clinivox/pkg/audio"
)

// AnalyzerFallback implements [analysis.Analyzer] across several analysis
// endpoints, each behind its own circuit breaker. Only remote failures count
// against a breaker and trigger failover; local failures and cancellation of
// the caller's context are returned unchanged.
type AnalyzerFallback struct {
	group *FallbackGroup[analysis.Analyzer]
}

// Compile-time interface assertion.
var _ analysis.Analyzer = (*AnalyzerFallback)(nil)

// NewAnalyzerFallback creates an AnalyzerFallback with primary as the
// preferred endpoint. cfg.CircuitBreaker.IsFailure is replaced.
func NewAnalyzerFallback(primary analysis.Analyzer, primaryName string, cfg FallbackConfig) *AnalyzerFallback {
	cfg.CircuitBreaker.IsFailure = isRemoteFailure
	return &AnalyzerFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another endpoint, tried after the earlier ones.
func (f *AnalyzerFallback) AddFallback(name string, a analysis.Analyzer) {
	f.group.AddFallback(name, a)
}

// States reports each endpoint's breaker state keyed by name.
func (f *AnalyzerFallback) States() map[string]State {
	return f.group.States()
}

// Analyze implements [analysis.Analyzer]. Upload progress restarts from zero
// for each endpoint tried; the pipeline keeps progress monotonic. When every
// endpoint fails the error matches both [ErrAllFailed] and
// [analysis.ErrRemoteAnalysis].
//
// Once ctx is done no further endpoint is tried, and the error that ended
// the attempt counts against no breaker: an expired request deadline says
// nothing about the endpoint that was being called when it expired.
func (f *AnalyzerFallback) Analyze(ctx context.Context, art *audio.Artifact, opts analysis.Options, onUpload analysis.UploadFunc) (*analysis.Result, error) {
	res, err := ExecuteWithResult(f.group, func(a analysis.Analyzer) (*analysis.Result, error) {
		if err := ctx.Err(); err != nil {
			return nil, &callerDoneError{err: err}
		}
		res, err := a.Analyze(ctx, art, opts, onUpload)
		if err != nil && ctx.Err() != nil {
			return nil, &callerDoneError{err: err}
		}
		return res, err
	})
	if err == nil {
		return res, nil
	}
	var done *callerDoneError
	if errors.As(err, &done) {
		return nil, done.err
	}
	if errors.Is(err, ErrAllFailed) && !errors.Is(err, analysis.ErrRemoteAnalysis) {
		err = fmt.Errorf("%w: %w", analysis.ErrRemoteAnalysis, err)
	}
	return nil, err
}

// callerDoneError marks an attempt that ended because the caller's context
// was cancelled or its deadline expired.
type callerDoneError struct {
	err error
}

func (e *callerDoneError) Error() string { return e.err.Error() }
func (e *callerDoneError) Unwrap() error { return e.err }

// isRemoteFailure counts everything except local processing errors and
// attempts ended by the caller's context.
func isRemoteFailure(err error) bool {
	var done *callerDoneError
	switch {
	case err == nil:
		return false
	case errors.As(err, &done):
		return false
	case errors.Is(err, analysis.ErrLocalProcessing):
		return false
	case errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}
