// Package engine is the control surface of the player. An Engine owns the
// Local and Streaming pipelines, the equalizer coordinator, the transition
// controller and the analyzers, and reports to observers.
//
// Every asynchronous completion (a load, a prepared successor, a pipeline
// event) carries the generation that was current when it was issued and
// is dropped if the generation has moved on since.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crossdeck/analysis"
	"crossdeck/eq"
	"crossdeck/logger"
	"crossdeck/output"
	"crossdeck/pipeline"
	"crossdeck/track"
	"crossdeck/transition"
)

// ErrFadeDuration is returned by EnableCrossfade for a duration outside
// transition.FadeDurations.
var ErrFadeDuration = errors.New("unsupported crossfade duration")

// Options configures an Engine.
type Options struct {
	Pipeline   pipeline.Options
	Stream     pipeline.StreamOptions
	Transition transition.Settings
	Equalizer  eq.State
	// Volume is the initial linear output volume in [0, 1].
	Volume       float64
	SpectrumMode analysis.Mode

	// TickInterval is how often the transition controller runs.
	TickInterval time.Duration
	// AnalysisInterval is the spectrum frame period.
	AnalysisInterval time.Duration
	TempoInterval    time.Duration
	KeyInterval      time.Duration

	// Fallback returns the device to move to after DeviceLost. The default
	// is the system speaker.
	Fallback func() output.Device
	// Now is the wall clock.
	Now func() time.Time
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Pipeline: pipeline.DefaultOptions(),
		Stream:   pipeline.DefaultStreamOptions(),
		Transition: transition.Settings{
			Gapless:      true,
			FadeDuration: 5 * time.Second,
			PreRoll:      3 * time.Second,
		},
		Volume:           1,
		SpectrumMode:     analysis.Accurate,
		TickInterval:     50 * time.Millisecond,
		AnalysisInterval: time.Second / 60,
		TempoInterval:    time.Second,
		KeyInterval:      5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TickInterval <= 0 {
		o.TickInterval = d.TickInterval
	}
	if o.AnalysisInterval <= 0 {
		o.AnalysisInterval = d.AnalysisInterval
	}
	if o.TempoInterval <= 0 {
		o.TempoInterval = d.TempoInterval
	}
	if o.KeyInterval <= 0 {
		o.KeyInterval = d.KeyInterval
	}
	if o.Transition.FadeDuration <= 0 {
		o.Transition.FadeDuration = d.Transition.FadeDuration
	}
	if o.Fallback == nil {
		o.Fallback = func() output.Device { return output.NewSpeaker() }
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.Volume = min(max(o.Volume, 0), 1)
	return o
}

// Engine is the player. All methods are safe for concurrent use.
type Engine struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	counter  *transition.Counter
	ctrl     *transition.Controller
	eq       *eq.Coordinator
	events   chan pipeline.Event
	dispatch *dispatcher
	an       *analyzer

	mu            sync.Mutex
	closed        bool
	device        output.Device
	ownsDevice    bool
	local         *pipeline.Local
	streaming     *pipeline.Streaming
	active        pipeline.Pipeline
	session       Session
	autoplay      bool
	queue         []track.Reference
	volume        float64
	clock         *clock
	cancelLoad    context.CancelFunc
	cancelPrepare context.CancelFunc
	// prepareSeq identifies the latest prepare so a superseded one does
	// not clear cancelPrepare.
	prepareSeq uint64
	// analysisReset tells the analysis loop that the track changed.
	analysisReset bool
}

// New creates an engine bound to dev. A nil dev means the system speaker.
// The Streaming pipeline is created on the first remote track.
func New(opts Options, dev output.Device) (*Engine, error) {
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:     opts,
		logger:   logger.WithComponent("engine"),
		ctx:      ctx,
		cancel:   cancel,
		counter:  &transition.Counter{},
		eq:       eq.NewCoordinator(opts.Equalizer),
		events:   make(chan pipeline.Event, 64),
		dispatch: newDispatcher(),
		device:   dev,
		volume:   opts.Volume,
		clock:    newClock(opts.Now),
	}
	if e.device == nil {
		e.device = output.NewSpeaker()
		e.ownsDevice = true
	}
	e.opts.Pipeline.Events = e.events
	e.ctrl = transition.NewController(e.counter, opts.Transition)
	e.an = newAnalyzer(opts)

	e.local = pipeline.NewLocal(e.opts.Pipeline)
	if err := e.attach(e.local); err != nil {
		e.local.Close()
		e.dispatch.close()
		cancel()
		return nil, err
	}

	e.logger.Info("Engine created",
		slog.String("device", e.device.Name()),
		slog.Int("sample_rate", int(e.opts.Pipeline.SampleRate)))
	return e, nil
}

// attach wires a new pipeline to the shared equalizer, the volume and the
// output device.
func (e *Engine) attach(p pipeline.Pipeline) error {
	e.eq.Attach(p.Equalizer())
	p.SetVolume(e.volume)
	if err := p.Bind(e.device); err != nil {
		e.eq.Detach(p.Equalizer())
		return err
	}
	return nil
}

// pipelineFor returns the pipeline for kind, creating the Streaming
// pipeline on first use. Callers hold e.mu.
func (e *Engine) pipelineFor(kind track.Kind) (pipeline.Pipeline, error) {
	if kind == track.Local {
		return e.local, nil
	}
	if e.streaming == nil {
		s := pipeline.NewStreaming(e.opts.Pipeline, e.opts.Stream)
		if err := e.attach(s); err != nil {
			s.Close()
			return nil, err
		}
		e.streaming = s
		e.logger.Info("Streaming pipeline created")
	}
	return e.streaming, nil
}

// pipelines returns the live pipelines. Callers hold e.mu.
func (e *Engine) pipelines() []pipeline.Pipeline {
	ps := []pipeline.Pipeline{e.local}
	if e.streaming != nil {
		ps = append(ps, e.streaming)
	}
	return ps
}

// decks returns the active pipeline as the controller sees it, or nil.
func (e *Engine) decks() transition.Decks {
	if e.active == nil {
		return nil
	}
	return e.active
}

// Subscribe registers o and returns a function that removes it.
func (e *Engine) Subscribe(o Observer) (unsubscribe func()) {
	return e.dispatch.subscribe(o)
}

func (e *Engine) publishSession() {
	s := e.session
	e.dispatch.publish(func(o Observer) { o.SessionChanged(s) }, false)
}

func (e *Engine) publishTrack(ev TrackEvent) {
	e.dispatch.publish(func(o Observer) { o.TrackEvent(ev) }, false)
}

func (e *Engine) setState(s State) {
	e.session.State = s
	e.clock.run(s.audible())
	e.publishSession()
}

// Load replaces the session with ref. The track starts playing once it is
// ready if the previous session was playing or Play is called meanwhile.
func (e *Engine) Load(ref track.Reference) error {
	if ref.IsZero() {
		return errors.New("empty track reference")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return pipeline.ErrClosed
	}
	autoplay := e.session.State.audible() || (e.session.State == Loading && e.autoplay)
	return e.load(ref, autoplay)
}

// load starts opening ref in the background. Callers hold e.mu.
func (e *Engine) load(ref track.Reference, autoplay bool) error {
	p, err := e.pipelineFor(ref.Kind)
	if err != nil {
		return err
	}
	e.ctrl.Reset(e.decks())
	e.cancelPending()
	gen := e.counter.Next()

	ctx, cancel := context.WithCancel(e.ctx)
	e.cancelLoad = cancel
	e.autoplay = autoplay
	e.session = Session{Ref: ref, Pipeline: ref.Kind, Generation: gen}
	e.setState(Loading)

	e.logger.Info("Loading track",
		slog.String("track", ref.String()),
		slog.String("pipeline", ref.Kind.String()),
		slog.Uint64("generation", gen))

	go func() {
		src, err := p.Load(ctx, ref)
		e.loaded(gen, p, src, err)
	}()
	return nil
}

// loaded completes a load started with generation gen.
func (e *Engine) loaded(gen uint64, p pipeline.Pipeline, src *pipeline.Source, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || !e.counter.IsCurrent(gen) {
		if src != nil {
			go src.Close()
		}
		e.logger.Debug("Dropped stale load", slog.Uint64("generation", gen), slog.Any("reason", pipeline.ErrStale))
		return
	}
	if e.cancelLoad != nil {
		e.cancelLoad()
		e.cancelLoad = nil
	}
	ref := e.session.Ref
	if err != nil {
		e.logger.Warn("Failed to load track", slog.String("track", ref.String()), slog.Any("error", err))
		e.failed(ref, err)
		return
	}

	if e.active != nil && e.active != p {
		e.active.Stop()
	}
	p.Arm(src, gen)
	e.active = p
	e.analysisReset = true

	if e.autoplay {
		p.Play()
		e.setState(Playing)
	} else {
		p.Pause()
		e.setState(Paused)
	}
	e.logger.Info("Track ready",
		slog.String("track", ref.String()),
		slog.Duration("duration", src.Duration()),
		slog.Uint64("generation", gen))
}

// failed reports a user-visible failure and moves on to the next track.
func (e *Engine) failed(ref track.Reference, err error) {
	e.publishTrack(TrackEvent{Kind: TrackFailed, Ref: ref, Err: err})
	e.advance()
}

// advance hard-cuts to the head of the queue, or stops when it is empty.
func (e *Engine) advance() {
	for len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		err := e.load(next, true)
		if err == nil {
			return
		}
		e.logger.Warn("Failed to start track", slog.String("track", next.String()), slog.Any("error", err))
		e.publishTrack(TrackEvent{Kind: TrackFailed, Ref: next, Err: err})
	}
	e.stop()
}

// cancelPending cancels in-flight loads and prepares.
func (e *Engine) cancelPending() {
	if e.cancelLoad != nil {
		e.cancelLoad()
		e.cancelLoad = nil
	}
	if e.cancelPrepare != nil {
		e.cancelPrepare()
		e.cancelPrepare = nil
	}
}

// Play starts or resumes playback. With nothing loaded it starts the head
// of the queue.
func (e *Engine) Play() {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.session.State {
	case Loading:
		e.autoplay = true
	case Paused:
		e.active.Play()
		if e.ctrl.Crossfading() {
			e.setState(Crossfading)
		} else {
			e.setState(Playing)
		}
	case Idle:
		if len(e.queue) > 0 {
			e.advance()
		}
	}
}

// Pause pauses playback. A running crossfade is frozen, not cancelled.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.session.State {
	case Loading:
		e.autoplay = false
	case Playing, Crossfading:
		e.active.Pause()
		e.setState(Paused)
	}
}

// Stop ends the session. The queue is kept.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.State == Idle {
		return
	}
	e.stop()
}

func (e *Engine) stop() {
	e.ctrl.Reset(e.decks())
	e.cancelPending()
	gen := e.counter.Next()
	e.setState(Stopping)
	for _, p := range e.pipelines() {
		p.Stop()
	}
	e.active = nil
	e.session = Session{Generation: gen}
	e.setState(Idle)
	e.logger.Info("Playback stopped", slog.Uint64("generation", gen))
}

// Seek moves the current track to pos. A transition in progress is
// cancelled first.
func (e *Engine) Seek(pos time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.session.State {
	case Playing, Paused, Crossfading:
	default:
		return pipeline.ErrNoSource
	}
	e.ctrl.Cancel(e.active)
	if e.cancelPrepare != nil {
		e.cancelPrepare()
		e.cancelPrepare = nil
	}
	gen := e.counter.Next()
	e.session.Generation = gen
	state := e.session.State
	if state == Crossfading {
		state = Playing
	}
	err := e.active.Seek(pos, gen)
	if err != nil {
		e.active.Retag(gen)
	}
	e.setState(state)
	if err != nil {
		return fmt.Errorf("seek %s: %w", e.session.Ref, err)
	}
	e.logger.Debug("Seeked", slog.Duration("position", pos), slog.Uint64("generation", gen))
	return nil
}

// Skip hard-cuts to the next queued track, cancelling any transition.
func (e *Engine) Skip() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	autoplay := e.session.State.audible() || (e.session.State == Loading && e.autoplay)
	e.ctrl.Cancel(e.decks())
	if len(e.queue) == 0 {
		if e.session.State != Idle {
			e.stop()
		}
		return
	}
	next := e.queue[0]
	e.queue = e.queue[1:]
	if err := e.load(next, autoplay); err != nil {
		e.failed(next, err)
	}
}

// SetPreamp sets the preamp gain on every pipeline and returns the
// clamped value.
func (e *Engine) SetPreamp(db float64) float64 {
	return e.eq.SetPreamp(db)
}

// SetEQBand sets band i on every pipeline and returns the clamped value.
func (e *Engine) SetEQBand(i int, db float64) (float64, error) {
	return e.eq.SetBand(i, db)
}

// LoadEqualizer replaces the whole equalizer state, e.g. from a preset.
func (e *Engine) LoadEqualizer(s eq.State) {
	e.eq.Load(s)
}

// Equalizer returns the equalizer state.
func (e *Engine) Equalizer() eq.State {
	return e.eq.State()
}

// EnableGapless turns gapless scheduling on or off.
func (e *Engine) EnableGapless(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctrl.SetGapless(on, e.decks())
}

// EnableCrossfade turns crossfading on or off. dur must be one of
// transition.FadeDurations when turning it on.
func (e *Engine) EnableCrossfade(on bool, dur time.Duration) error {
	if on && !transition.ValidFadeDuration(dur) {
		return fmt.Errorf("%w: %s", ErrFadeDuration, dur)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.apply(e.ctrl.SetCrossfade(on, dur, e.decks()))
	return nil
}

// SetFadeDisablePolicy sets what disabling crossfade does to a running
// fade.
func (e *Engine) SetFadeDisablePolicy(p transition.DisablePolicy) {
	e.ctrl.SetDisablePolicy(p)
}

// SetCasting toggles casting. No transitions are planned while casting.
func (e *Engine) SetCasting(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctrl.SetCasting(on, e.decks())
}

// SetVolume sets the linear output volume of both pipelines.
func (e *Engine) SetVolume(v float64) {
	v = min(max(v, 0), 1)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.volume = v
	for _, p := range e.pipelines() {
		p.SetVolume(v)
	}
}

// SetSpectrumMode switches the spectrum normalization mode.
func (e *Engine) SetSpectrumMode(m analysis.Mode) {
	e.an.spectrum.SetMode(m)
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		Session:    e.session,
		Volume:     e.volume,
		Equalizer:  e.eq.State(),
		Transition: e.ctrl.State(),
		Queued:     len(e.queue),
		Spectrum:   e.an.spectrum.Mode(),
		Device:     e.device.Name(),
		Pending:    e.cancelLoad != nil || e.cancelPrepare != nil,
	}
	if e.active != nil {
		st.Position = e.active.Position()
		st.Duration = e.active.Duration()
	}
	return st
}

// Close stops playback and releases both pipelines. It is safe to call
// more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.ctrl.Reset(e.decks())
	e.cancelPending()
	e.cancel()

	var errs []error
	for _, p := range e.pipelines() {
		e.eq.Detach(p.Equalizer())
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.active = nil
	if e.ownsDevice {
		e.device.Close()
	}
	e.mu.Unlock()

	e.dispatch.close()
	e.logger.Info("Engine closed")
	return errors.Join(errs...)
}
