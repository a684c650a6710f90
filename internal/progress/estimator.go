package progress

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultInterval is the estimator tick period.
	DefaultInterval = 500 * time.Millisecond

	// maxStep is the largest increment applied per tick.
	maxStep = 10.0
)

// ErrEstimatorRunning is returned by [Estimator.Start] on a running estimator.
var ErrEstimatorRunning = errors.New("progress: estimator already running")

// EstimatorTarget is the state the estimator drives. The pipeline state
// machine implements it; a component receiving genuine server-side progress
// could replace the estimator by calling the same methods.
type EstimatorTarget interface {
	// Progress returns the current progress value.
	Progress() float64

	// AdvanceSynthetic proposes a new progress value.
	AdvanceSynthetic(v float64)

	// PromoteToAnalyzing requests the automatic transition from transcribing
	// to analyzing, resetting progress to [AnalyzingFloor].
	PromoteToAnalyzing()
}

// EstimatorOption configures an [Estimator].
type EstimatorOption func(*Estimator)

// WithClock sets the clock that drives the tick.
func WithClock(c clockwork.Clock) EstimatorOption {
	return func(e *Estimator) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithInterval sets the tick period. Defaults to [DefaultInterval].
func WithInterval(d time.Duration) EstimatorOption {
	return func(e *Estimator) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithRandom sets the source of increments. fn must return values in [0, 1).
func WithRandom(fn func() float64) EstimatorOption {
	return func(e *Estimator) {
		if fn != nil {
			e.random = fn
		}
	}
}

// Estimator advances a target's progress by a random step on every tick,
// never beyond [EstimatorCeiling]. The first time the proposed value passes
// [AnalyzingFloor] it asks the target to move to the analyzing phase instead.
//
// An Estimator runs once per journey: Start it on entering transcription and
// Stop it before the journey resolves.
type Estimator struct {
	target   EstimatorTarget
	clock    clockwork.Clock
	interval time.Duration
	random   func() float64

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	promoted bool
}

// NewEstimator creates a stopped Estimator for target.
func NewEstimator(target EstimatorTarget, opts ...EstimatorOption) *Estimator {
	e := &Estimator{
		target:   target,
		clock:    clockwork.NewRealClock(),
		interval: DefaultInterval,
		random:   rand.Float64,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start begins ticking until Stop is called or ctx is cancelled.
func (e *Estimator) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return ErrEstimatorRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	ticker := e.clock.NewTicker(e.interval)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.promoted = false

	go e.run(runCtx, ticker, e.done)
	return nil
}

// Stop cancels the tick and waits until no further call into the target can
// happen. Safe to call on a stopped estimator.
func (e *Estimator) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (e *Estimator) run(ctx context.Context, ticker clockwork.Ticker, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			// A tick racing with Stop must not reach the target.
			if ctx.Err() != nil {
				return
			}
			e.step()
		}
	}
}

func (e *Estimator) step() {
	next := Next(e.target.Progress(), e.random())
	if !e.promoted && next > AnalyzingFloor {
		e.promoted = true
		e.target.PromoteToAnalyzing()
		return
	}
	e.target.AdvanceSynthetic(next)
}

// Next returns the estimator's successor of cur for the random draw r in
// [0, 1).
func Next(cur, r float64) float64 {
	return min(cur+r*maxStep, EstimatorCeiling)
}
