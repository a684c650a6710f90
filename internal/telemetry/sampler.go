// Package telemetry produces the live recording indicators shown while a
// consultation is being captured: a whole-second elapsed counter and a
// cosmetic waveform amplitude.
//
// The amplitude is a smooth synthetic oscillation, not a measurement of the
// input signal. Nothing downstream depends on it; the elapsed counter is the
// source of the recording's reported duration.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const (
	// Baseline is the amplitude shown whenever the sampler is not running.
	Baseline = 20.0

	// swing is the peak deviation of the synthetic waveform from Baseline.
	swing = 15.0

	// period is the divisor applied to wall-clock time before taking the sine.
	period = 500 * time.Millisecond

	// DefaultWaveformInterval approximates one display frame.
	DefaultWaveformInterval = 16 * time.Millisecond
)

// ErrRunning is returned by [Sampler.Start] when the sampler is already
// running.
var ErrRunning = errors.New("telemetry: sampler already running")

// Sample is a point-in-time copy of the sampler's values.
type Sample struct {
	Elapsed   int
	Amplitude float64
	Running   bool
}

// Option is a functional option for [New].
type Option func(*Sampler)

// WithClock sets the clock driving both tickers. Defaults to the real clock.
func WithClock(c clockwork.Clock) Option {
	return func(s *Sampler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithWaveformInterval sets the waveform refresh interval.
func WithWaveformInterval(d time.Duration) Option {
	return func(s *Sampler) {
		if d > 0 {
			s.waveformInterval = d
		}
	}
}

// Sampler runs the elapsed and waveform sequences for one recording at a
// time. It can be restarted after [Sampler.Stop]. All methods are safe for
// concurrent use.
type Sampler struct {
	clock            clockwork.Clock
	waveformInterval time.Duration

	mu        sync.Mutex
	elapsed   int
	amplitude float64
	running   bool
	cancel    context.CancelFunc
	group     *errgroup.Group
	observers []func(Sample)
}

// New creates a stopped Sampler showing the baseline amplitude.
func New(opts ...Option) *Sampler {
	s := &Sampler{
		clock:            clockwork.NewRealClock(),
		waveformInterval: DefaultWaveformInterval,
		amplitude:        Baseline,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnChange registers fn to be called with a fresh [Sample] after every tick
// and after Start/Stop. fn runs on the ticking goroutine and must not block.
func (s *Sampler) OnChange(fn func(Sample)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Start resets the elapsed counter to zero and launches both sequences. They
// run until Stop is called or ctx is cancelled.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	elapsedTicker := s.clock.NewTicker(time.Second)
	waveTicker := s.clock.NewTicker(s.waveformInterval)

	s.elapsed = 0
	s.amplitude = Baseline
	s.running = true
	s.cancel = cancel
	s.group = g
	s.mu.Unlock()

	g.Go(func() error {
		defer elapsedTicker.Stop()
		return s.loop(gctx, elapsedTicker.Chan(), s.tickElapsed)
	})
	g.Go(func() error {
		defer waveTicker.Stop()
		return s.loop(gctx, waveTicker.Chan(), s.tickWaveform)
	})

	s.notify()
	return nil
}

// Stop cancels both sequences and waits for them to exit. The elapsed counter
// keeps its final value; the amplitude returns to [Baseline]. Stopping a
// stopped sampler is a no-op.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, g := s.cancel, s.group
	s.cancel, s.group = nil, nil
	s.mu.Unlock()

	cancel()
	_ = g.Wait()

	s.mu.Lock()
	s.running = false
	s.amplitude = Baseline
	s.mu.Unlock()

	s.notify()
}

// Reset clears the elapsed counter of a stopped sampler.
func (s *Sampler) Reset() {
	s.mu.Lock()
	if !s.running {
		s.elapsed = 0
	}
	s.mu.Unlock()
}

// Elapsed returns the whole seconds counted since the last Start.
func (s *Sampler) Elapsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsed
}

// Amplitude returns the current display amplitude.
func (s *Sampler) Amplitude() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amplitude
}

// Running reports whether the sequences are active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Sample returns a consistent copy of all values.
func (s *Sampler) Sample() Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleLocked()
}

func (s *Sampler) sampleLocked() Sample {
	return Sample{Elapsed: s.elapsed, Amplitude: s.amplitude, Running: s.running}
}

func (s *Sampler) loop(ctx context.Context, ticks <-chan time.Time, tick func(time.Time) bool) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticks:
			if tick(now) {
				s.notify()
			}
		}
	}
}

func (s *Sampler) tickElapsed(time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.elapsed++
	return true
}

func (s *Sampler) tickWaveform(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.amplitude = Amplitude(now)
	return true
}

func (s *Sampler) notify() {
	s.mu.Lock()
	obs := s.observers
	sample := s.sampleLocked()
	s.mu.Unlock()
	for _, fn := range obs {
		fn(sample)
	}
}

// Amplitude returns the synthetic waveform value at t, always within
// [Baseline-15, Baseline+15].
func Amplitude(t time.Time) float64 {
	phase := float64(t.UnixMilli()) / float64(period.Milliseconds())
	return Baseline + math.Sin(phase)*swing
}

// FormatElapsed renders seconds as zero-padded "mm:ss". Minutes are not
// wrapped at 60.
func FormatElapsed(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
