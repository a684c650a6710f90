// Package pipeline owns the recording journey: capture, telemetry, hand-off
// to the analysis service and progress, sequenced by one state machine.
//
// The [Machine] is the single source of truth for the current [Phase]. Start
// and Stop are the only entry points that open or release the input device,
// and both are gated on the phase, so at most one capture session and one
// analysis request exist at any time.
//
//	Idle ──Start──▶ Recording ──Stop──▶ Transcribing ──(progress > 50)──▶ Analyzing
//	                                          │                              │
//	                                          └──────(resolved)──────────────┴──▶ Complete ──TakeHandoff──▶ Idle
//
// Any unrecoverable local failure returns the machine to Idle with an error
// notification. Recurring tasks (elapsed counter, waveform, progress
// estimator) are bound to contexts cancelled exactly when their phase ends,
// and callbacks belonging to an earlier journey are discarded by journey id.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/clinivox/clinivox/internal/analysis"
	"github.com/clinivox/clinivox/internal/notify"
	"github.com/clinivox/clinivox/internal/observe"
	"github.com/clinivox/clinivox/internal/progress"
	"github.com/clinivox/clinivox/internal/telemetry"
	"github.com/clinivox/clinivox/pkg/audio"
)

var (
	// ErrInvalidPhase is returned when an operation is not allowed in the
	// current phase. The machine state is unchanged.
	ErrInvalidPhase = errors.New("pipeline: operation not allowed in current phase")

	// ErrClosed is returned by operations on a closed Machine.
	ErrClosed = errors.New("pipeline: machine closed")

	// ErrNoJourney is returned by Wait before the first Start.
	ErrNoJourney = errors.New("pipeline: no journey started")
)

// Submitter resolves a finished recording. [analysis.Orchestrator]
// implements it.
type Submitter interface {
	Submit(ctx context.Context, art *audio.Artifact, opts analysis.Options, sink progress.Sink) (analysis.Outcome, error)
}

// Handoff is what the results stage receives when a journey completes.
type Handoff struct {
	// Results holds the findings. Nil tells the consumer to substitute its
	// own fallback dataset.
	Results *analysis.Result

	// Audio is the recording that was analysed.
	Audio *audio.Artifact

	// UsedFallback reports that Results (or its absence) stands in for a
	// failed analysis.
	UsedFallback bool

	// Warning accompanies a fallback.
	Warning string

	JourneyID string
}

// Record describes a finished journey for [Hooks.OnFinish].
type Record struct {
	JourneyID  string
	Options    analysis.Options
	StartedAt  time.Time
	FinishedAt time.Time
	Artifact   *audio.Artifact
	Outcome    *analysis.Outcome
	Err        error
}

// Hooks are optional callbacks. They run on the goroutine that resolved the
// journey, after the phase change has been published.
type Hooks struct {
	OnFinish func(ctx context.Context, r Record)
}

// Snapshot is a consistent view of the machine for display.
type Snapshot struct {
	Phase        Phase   `json:"phase"`
	Status       string  `json:"status"`
	Progress     float64 `json:"progress"`
	Elapsed      int     `json:"elapsed"`
	ElapsedText  string  `json:"elapsed_text"`
	Amplitude    float64 `json:"amplitude"`
	JourneyID    string  `json:"journey_id,omitempty"`
	UsedFallback bool    `json:"used_fallback"`
}

// Config holds the dependencies of a [Machine]. Device and Orchestrator are
// required.
type Config struct {
	Device       audio.Device
	Orchestrator Submitter

	// Clock drives telemetry, the estimator and artifact timestamps.
	// Default: the real clock.
	Clock clockwork.Clock

	// Notifier receives user-facing messages. Default: [notify.Discard].
	Notifier notify.Notifier

	// Metrics records journey metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	Hooks Hooks

	// Random feeds the progress estimator. Default: math/rand/v2.
	Random func() float64

	// EstimatorInterval defaults to [progress.DefaultInterval].
	EstimatorInterval time.Duration

	// WaveformInterval defaults to [telemetry.DefaultWaveformInterval].
	WaveformInterval time.Duration

	// CaptureOptions are applied to every capture session.
	CaptureOptions []audio.CaptureOption
}

// journey is the state of one start-to-resolution run.
type journey struct {
	id        string
	opts      analysis.Options
	ctx       context.Context
	cancel    context.CancelFunc
	capture   *audio.CaptureSession
	estimator *progress.Estimator
	startedAt time.Time

	// Written before done is closed.
	handoff Handoff
	err     error
	done    chan struct{}
}

// Machine is the pipeline state machine. All methods are safe for
// concurrent use.
type Machine struct {
	dev         audio.Device
	orch        Submitter
	clock       clockwork.Clock
	notifier    notify.Notifier
	metrics     *observe.Metrics
	hooks       Hooks
	random      func() float64
	estInterval time.Duration
	captureOpts []audio.CaptureOption
	sampler     *telemetry.Sampler

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	phase    Phase
	progress float64
	busy     bool // a Start or Stop is between its two critical sections
	closed   bool
	current  *journey
	last     *journey
	subs     map[int]func(Snapshot)
	nextSub  int
}

// New creates an idle Machine.
func New(cfg Config) (*Machine, error) {
	if cfg.Device == nil {
		return nil, errors.New("pipeline: config requires a device")
	}
	if cfg.Orchestrator == nil {
		return nil, errors.New("pipeline: config requires an orchestrator")
	}
	m := &Machine{
		dev:         cfg.Device,
		orch:        cfg.Orchestrator,
		clock:       cfg.Clock,
		notifier:    cfg.Notifier,
		metrics:     cfg.Metrics,
		hooks:       cfg.Hooks,
		random:      cfg.Random,
		estInterval: cfg.EstimatorInterval,
		captureOpts: cfg.CaptureOptions,
		subs:        make(map[int]func(Snapshot)),
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.notifier == nil {
		m.notifier = notify.Discard
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	m.sampler = telemetry.New(
		telemetry.WithClock(m.clock),
		telemetry.WithWaveformInterval(cfg.WaveformInterval),
	)
	m.sampler.OnChange(func(telemetry.Sample) { m.broadcast() })
	m.baseCtx, m.baseCancel = context.WithCancel(context.Background())
	return m, nil
}

// ─── Start ───────────────────────────────────────────────────────────────────

// Start begins a new journey with opts, which are fixed until the journey
// ends. It fails with [ErrInvalidPhase] unless the machine is Idle. When the
// input device cannot be opened the machine stays Idle, an error
// notification is emitted and the returned error wraps
// [audio.ErrDeviceUnavailable].
func (m *Machine) Start(ctx context.Context, opts analysis.Options) error {
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("pipeline: invalid recording options: %w", err)
	}

	m.mu.Lock()
	if err := m.gateLocked(Idle); err != nil {
		m.mu.Unlock()
		return err
	}
	m.busy = true
	m.mu.Unlock()

	j := m.newJourney(opts)
	log := observe.Logger(j.ctx)

	if err := j.capture.Start(ctx); err != nil {
		j.cancel()
		m.mu.Lock()
		m.busy = false
		m.mu.Unlock()

		m.metrics.DeviceErrors.Add(j.ctx, 1)
		log.Error("could not open input device", "err", err)
		m.notifier.Notify(notify.LevelError, MsgDeviceUnavailable, j.id)
		return err
	}
	if err := m.sampler.Start(j.ctx); err != nil {
		log.Warn("telemetry not started", "err", err)
	}

	m.mu.Lock()
	m.busy = false
	if m.closed {
		m.mu.Unlock()
		m.abandonRecording(j)
		return ErrClosed
	}
	m.current = j
	m.setPhaseLocked(j.ctx, Recording)
	m.progress = 0
	m.mu.Unlock()

	m.metrics.JourneysStarted.Add(j.ctx, 1)
	m.metrics.ActiveRecordings.Add(j.ctx, 1)
	log.Info("recording started",
		"model", opts.Model,
		"diarization", opts.Diarization,
		"patient_speaker", string(opts.Effective().PatientSpeaker),
	)
	m.notifier.Notify(notify.LevelInfo, MsgRecordingStarted, j.id)
	m.broadcast()
	return nil
}

func (m *Machine) newJourney(opts analysis.Options) *journey {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(observe.WithJourney(m.baseCtx, id))
	capOpts := append([]audio.CaptureOption{audio.WithNow(m.clock.Now)}, m.captureOpts...)
	return &journey{
		id:        id,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		capture:   audio.NewCaptureSession(m.dev, capOpts...),
		startedAt: m.clock.Now(),
		done:      make(chan struct{}),
	}
}

// ─── Stop ────────────────────────────────────────────────────────────────────

// Stop ends the recording. Telemetry stops first so the elapsed counter
// freezes, then the input device is released and the artifact finalised, and
// only then is the artifact submitted for analysis in the background. It
// fails with [ErrInvalidPhase] unless the machine is Recording.
//
// A failure to finalise the artifact ends the journey: the machine returns
// to Idle, an error notification is emitted and the error is returned.
func (m *Machine) Stop(ctx context.Context) error {
	m.mu.Lock()
	if err := m.gateLocked(Recording); err != nil {
		m.mu.Unlock()
		return err
	}
	m.busy = true
	j := m.current
	m.mu.Unlock()

	m.sampler.Stop()
	elapsed := m.sampler.Elapsed()
	art, capErr := j.capture.Stop(time.Duration(elapsed) * time.Second)

	m.metrics.ActiveRecordings.Add(j.ctx, -1)
	m.metrics.RecordingDuration.Record(j.ctx, float64(elapsed))
	log := observe.Logger(j.ctx)

	m.mu.Lock()
	m.busy = false
	if m.closed {
		m.failLocked(j, ErrClosed)
		m.mu.Unlock()
		j.cancel()
		return ErrClosed
	}
	m.setPhaseLocked(j.ctx, Transcribing)
	m.progress = 0
	if capErr != nil {
		err := fmt.Errorf("%w: %w", analysis.ErrLocalProcessing, capErr)
		m.failLocked(j, err)
		m.mu.Unlock()

		log.Error("could not finalise recording", "err", capErr)
		m.notifier.Notify(notify.LevelError, msgProcessFailed+capErr.Error(), j.id)
		m.metrics.RecordJourneyCompleted(j.ctx, observe.OutcomeError)
		m.broadcast()
		m.finish(j, nil, nil, err)
		return err
	}
	j.estimator = progress.NewEstimator(&estimatorTarget{m: m, id: j.id}, m.estimatorOptions()...)
	m.mu.Unlock()

	log.Info("recording stopped", "elapsed", elapsed, "bytes", art.Size())
	m.notifier.Notify(notify.LevelInfo, MsgProcessing, j.id)
	m.broadcast()

	if err := j.estimator.Start(j.ctx); err != nil {
		log.Warn("progress estimator not started", "err", err)
	}
	m.wg.Add(1)
	go m.submit(j, art)
	return nil
}

func (m *Machine) estimatorOptions() []progress.EstimatorOption {
	opts := []progress.EstimatorOption{progress.WithClock(m.clock)}
	if m.estInterval > 0 {
		opts = append(opts, progress.WithInterval(m.estInterval))
	}
	if m.random != nil {
		opts = append(opts, progress.WithRandom(m.random))
	}
	return opts
}

// ─── Resolution ──────────────────────────────────────────────────────────────

func (m *Machine) submit(j *journey, art *audio.Artifact) {
	defer m.wg.Done()

	sink := progress.SinkFunc(func(p float64) { m.advance(j.id, p, progress.UploadCeiling) })
	out, err := m.orch.Submit(j.ctx, art, j.opts, sink)

	// No estimator tick may land after the outcome is applied.
	j.estimator.Stop()
	m.resolve(j, art, out, err)
}

func (m *Machine) resolve(j *journey, art *audio.Artifact, out analysis.Outcome, err error) {
	log := observe.Logger(j.ctx)

	m.mu.Lock()
	if m.current != j {
		m.mu.Unlock()
		log.Debug("discarding result of stale journey")
		return
	}
	if err != nil {
		m.failLocked(j, err)
		m.mu.Unlock()

		outcome := observe.OutcomeError
		if errors.Is(err, context.Canceled) {
			outcome = observe.OutcomeCanceled
			log.Info("journey canceled")
		} else {
			m.notifier.Notify(notify.LevelError, failureMessage(err), j.id)
		}
		m.metrics.RecordJourneyCompleted(j.ctx, outcome)
		m.broadcast()
		m.finish(j, art, nil, err)
		return
	}

	j.handoff = Handoff{
		Results:      out.Result,
		Audio:        art,
		UsedFallback: out.UsedFallback,
		Warning:      out.Warning,
		JourneyID:    j.id,
	}
	m.setPhaseLocked(j.ctx, Complete)
	m.progress = progress.Complete
	m.current = nil
	m.last = j
	close(j.done)
	m.mu.Unlock()

	outcome := observe.OutcomeSuccess
	if out.UsedFallback {
		outcome = observe.OutcomeFallback
		m.notifier.Notify(notify.LevelWarning, out.Warning, j.id)
	}
	m.metrics.RecordJourneyCompleted(j.ctx, outcome)
	log.Info("journey complete", "fallback", out.UsedFallback)
	m.broadcast()
	m.finish(j, art, &out, nil)
}

// failLocked ends j with err and returns the machine to Idle. Must be called
// with m.mu held.
func (m *Machine) failLocked(j *journey, err error) {
	j.err = err
	m.setPhaseLocked(j.ctx, Idle)
	m.progress = 0
	m.current = nil
	m.last = j
	close(j.done)
}

func (m *Machine) finish(j *journey, art *audio.Artifact, out *analysis.Outcome, err error) {
	if m.hooks.OnFinish != nil {
		m.hooks.OnFinish(j.ctx, Record{
			JourneyID:  j.id,
			Options:    j.opts,
			StartedAt:  j.startedAt,
			FinishedAt: m.clock.Now(),
			Artifact:   art,
			Outcome:    out,
			Err:        err,
		})
	}
	j.cancel()
}

// failureMessage renders err for the user without exposing transport detail.
func failureMessage(err error) string {
	var remote *analysis.RemoteError
	switch {
	case errors.As(err, &remote) && remote.Message != "":
		return msgProcessFailed + remote.Message
	case errors.Is(err, context.DeadlineExceeded):
		return msgProcessFailed + "analysis timed out"
	case errors.Is(err, analysis.ErrRemoteAnalysis):
		return msgProcessFailed + "analysis service unavailable"
	default:
		return msgProcessFailed + err.Error()
	}
}

// ─── Progress ────────────────────────────────────────────────────────────────

// advance raises progress to v, capped at ceiling, if id is still the active
// journey and the phase is Transcribing or Analyzing.
func (m *Machine) advance(id string, v, ceiling float64) {
	m.mu.Lock()
	if m.current == nil || m.current.id != id || !m.phase.processing() {
		m.mu.Unlock()
		return
	}
	v = min(max(v, 0), ceiling)
	if v <= m.progress {
		m.mu.Unlock()
		return
	}
	m.progress = v
	m.mu.Unlock()
	m.broadcast()
}

// promote performs the automatic Transcribing → Analyzing transition.
func (m *Machine) promote(id string) {
	m.mu.Lock()
	if m.current == nil || m.current.id != id || m.phase != Transcribing {
		m.mu.Unlock()
		return
	}
	m.setPhaseLocked(m.current.ctx, Analyzing)
	m.progress = progress.AnalyzingFloor
	m.mu.Unlock()
	m.broadcast()
}

// estimatorTarget binds the estimator to one journey.
type estimatorTarget struct {
	m  *Machine
	id string
}

func (t *estimatorTarget) Progress() float64 { return t.m.Progress() }

func (t *estimatorTarget) AdvanceSynthetic(v float64) {
	t.m.advance(t.id, v, progress.EstimatorCeiling)
}

func (t *estimatorTarget) PromoteToAnalyzing() { t.m.promote(t.id) }

// ─── Exit from Complete ──────────────────────────────────────────────────────

// Wait blocks until the current journey, or the last one when none is
// active, resolves. It returns the handoff of a completed journey or the
// error that sent it back to Idle.
func (m *Machine) Wait(ctx context.Context) (Handoff, error) {
	m.mu.Lock()
	j := m.current
	if j == nil {
		j = m.last
	}
	m.mu.Unlock()
	if j == nil {
		return Handoff{}, ErrNoJourney
	}
	select {
	case <-j.done:
		return j.handoff, j.err
	case <-ctx.Done():
		return Handoff{}, ctx.Err()
	}
}

// Handoff returns the pending handoff while the machine is Complete.
func (m *Machine) Handoff() (Handoff, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != Complete || m.last == nil {
		return Handoff{}, false
	}
	return m.last.handoff, true
}

// TakeHandoff leaves Complete: it returns the handoff and discards the
// journey's state, making the machine Idle again. It fails with
// [ErrInvalidPhase] in any other phase.
func (m *Machine) TakeHandoff() (Handoff, error) {
	m.mu.Lock()
	if err := m.gateLocked(Complete); err != nil {
		m.mu.Unlock()
		return Handoff{}, err
	}
	h := m.last.handoff
	m.setPhaseLocked(m.baseCtx, Idle)
	m.progress = 0
	m.sampler.Reset()
	m.mu.Unlock()

	m.broadcast()
	return h, nil
}

// ─── Queries ─────────────────────────────────────────────────────────────────

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Progress returns the current progress value in [0, 100].
func (m *Machine) Progress() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

// Snapshot returns a consistent view of phase, progress and telemetry.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	sample := m.sampler.Sample()
	s := Snapshot{
		Phase:       m.phase,
		Status:      m.phase.StatusText(),
		Progress:    m.progress,
		Elapsed:     sample.Elapsed,
		ElapsedText: telemetry.FormatElapsed(sample.Elapsed),
		Amplitude:   sample.Amplitude,
	}
	switch {
	case m.current != nil:
		s.JourneyID = m.current.id
	case m.phase == Complete && m.last != nil:
		s.JourneyID = m.last.id
		s.UsedFallback = m.last.handoff.UsedFallback
	}
	return s
}

// Subscribe registers fn to receive a fresh Snapshot after every change. fn
// runs on the goroutine that made the change and must not block or call
// Start, Stop or TakeHandoff. The returned func removes the subscription.
func (m *Machine) Subscribe(fn func(Snapshot)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

func (m *Machine) broadcast() {
	m.mu.Lock()
	if len(m.subs) == 0 {
		m.mu.Unlock()
		return
	}
	snap := m.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Close cancels any in-flight journey, releasing the input device and
// stopping every timer, and waits for background work to finish. The machine
// cannot be used afterwards.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	j := m.current
	recording := m.phase == Recording && !m.busy
	if recording {
		// Take ownership of the teardown from Stop.
		m.busy = true
	}
	m.mu.Unlock()

	m.baseCancel()
	if recording && j != nil {
		m.abandonRecording(j)
		m.metrics.ActiveRecordings.Add(context.Background(), -1)
		m.mu.Lock()
		m.failLocked(j, ErrClosed)
		m.busy = false
		m.mu.Unlock()
		m.metrics.RecordJourneyCompleted(context.Background(), observe.OutcomeCanceled)
		m.broadcast()
	}
	m.wg.Wait()
	return nil
}

// abandonRecording releases the device of a journey that will not be
// submitted.
func (m *Machine) abandonRecording(j *journey) {
	m.sampler.Stop()
	if _, err := j.capture.Stop(0); err != nil && !errors.Is(err, audio.ErrNoActiveSession) {
		observe.Logger(j.ctx).Warn("release input device", "err", err)
	}
	j.cancel()
}

// gateLocked returns nil when the machine is in want and no Start or Stop is
// in flight. Must be called with m.mu held.
func (m *Machine) gateLocked(want Phase) error {
	switch {
	case m.closed:
		return ErrClosed
	case m.busy || m.phase != want:
		return fmt.Errorf("%w: %s", ErrInvalidPhase, m.phase)
	default:
		return nil
	}
}

// setPhaseLocked records a transition. Must be called with m.mu held.
func (m *Machine) setPhaseLocked(ctx context.Context, p Phase) {
	if m.phase == p {
		return
	}
	m.metrics.RecordTransition(ctx, m.phase.String(), p.String())
	m.phase = p
}
