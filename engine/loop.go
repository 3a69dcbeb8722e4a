package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"crossdeck/pipeline"
	"crossdeck/transition"
)

// Run drives the engine until ctx is done or the engine is closed: it
// handles pipeline events, runs the transition controller and feeds the
// analyzers.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.eventLoop(ctx) })
	g.Go(func() error { return e.every(ctx, e.opts.TickInterval, e.tick) })
	g.Go(func() error { return e.every(ctx, e.opts.AnalysisInterval, e.analyze) })

	e.logger.Info("Engine running",
		slog.Duration("tick", e.opts.TickInterval),
		slog.Duration("analysis", e.opts.AnalysisInterval))
	err := g.Wait()
	e.logger.Info("Engine stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) every(ctx context.Context, d time.Duration, fn func()) error {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) eventLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-e.events:
			e.handleEvent(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Step handles every pending pipeline event and runs the transition
// controller once. It drives an engine without Run, e.g. one rendering
// offline to an output.Manual.
func (e *Engine) Step() {
	for {
		select {
		case ev := <-e.events:
			e.handleEvent(ev)
		default:
			e.tick()
			return
		}
	}
}

// handleEvent applies a completion signal from a render thread.
func (e *Engine) handleEvent(ev pipeline.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	// A fade ends with the outgoing source running out; whatever its
	// generation, that is not the end of the session.
	if ev.Kind == pipeline.Finished && e.ctrl.Crossfading() {
		e.logger.Debug("Ignored finish during crossfade", slog.String("track", ev.Ref.String()))
		return
	}
	if !e.counter.IsCurrent(ev.Gen) {
		e.logger.Debug("Dropped stale event",
			slog.String("event", ev.Kind.String()),
			slog.Uint64("generation", ev.Gen),
			slog.Any("reason", pipeline.ErrStale))
		return
	}
	if e.active == nil || ev.Pipeline != e.active.Kind() {
		return
	}

	switch ev.Kind {
	case pipeline.Advanced:
		prev := e.session.Ref
		e.ctrl.Advanced()
		e.dequeue(ev.Ref.ID)
		e.publishTrack(TrackEvent{Kind: TrackFinished, Ref: prev})
		e.session.Ref = ev.Ref
		e.session.Pipeline = ev.Ref.Kind
		e.analysisReset = true
		e.publishSession()
		e.logger.Info("Continued without a gap", slog.String("track", ev.Ref.String()))
	case pipeline.Finished:
		e.logger.Info("Track finished", slog.String("track", e.session.Ref.String()))
		e.publishTrack(TrackEvent{Kind: TrackFinished, Ref: e.session.Ref})
		e.advance()
	case pipeline.Failed:
		e.logger.Warn("Track failed", slog.String("track", ev.Ref.String()), slog.Any("error", ev.Err))
		e.failed(ev.Ref, ev.Err)
	}
}

// tick runs the transition controller once.
func (e *Engine) tick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.active == nil {
		return
	}

	st := transition.Status{
		Playing:   e.session.State.audible(),
		Current:   e.session.Ref,
		Remaining: -1,
	}
	if d := e.active.Duration(); d > 0 {
		st.Remaining = max(d-e.active.Position(), 0)
	}
	if len(e.queue) > 0 {
		st.Next = e.queue[0]
		st.HasNext = true
	}
	e.apply(e.ctrl.Tick(e.clock.read(), st, e.active))
}

// apply carries out a controller action. Callers hold e.mu.
func (e *Engine) apply(act transition.Action) {
	switch act.Kind {
	case transition.Prepare:
		p := e.active
		ctx, cancel := context.WithCancel(e.ctx)
		if e.cancelPrepare != nil {
			e.cancelPrepare()
		}
		e.cancelPrepare = cancel
		e.prepareSeq++
		seq := e.prepareSeq
		go func() {
			src, err := p.Open(ctx, act.Ref)
			e.prepared(seq, p, act, src, err)
		}()
	case transition.CrossfadeStarted:
		e.session.Generation = act.Gen
		if e.session.State.audible() {
			e.setState(Crossfading)
		} else {
			e.publishSession()
		}
	case transition.CrossfadeDone:
		prev := e.session.Ref
		e.dequeue(act.Ref.ID)
		e.publishTrack(TrackEvent{Kind: TrackFinished, Ref: prev})
		state := e.session.State
		if state == Crossfading {
			state = Playing
		}
		e.session = Session{Ref: act.Ref, Pipeline: act.Ref.Kind, Generation: act.Gen}
		e.analysisReset = true
		e.setState(state)
	}
}

// prepared hands a successor opened for act to the controller.
func (e *Engine) prepared(seq uint64, p pipeline.Pipeline, act transition.Action, src *pipeline.Source, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if seq == e.prepareSeq && e.cancelPrepare != nil {
		e.cancelPrepare()
		e.cancelPrepare = nil
	}

	if err != nil {
		e.logger.Warn("Failed to prepare next track",
			slog.String("track", act.Ref.String()),
			slog.Any("error", err))
		e.ctrl.PrepareFailed(act.Gen)
		return
	}
	if e.closed || p != e.active || !e.ctrl.Prepared(src, act.Gen, p) {
		go src.Close()
		return
	}
	e.logger.Debug("Next track prepared",
		slog.String("track", act.Ref.String()),
		slog.String("transition", act.Plan.String()))
}

// clock is the time base of crossfades. It only advances while the
// session is audible, so a paused fade resumes where it stopped.
type clock struct {
	now     func() time.Time
	elapsed time.Duration
	since   time.Time
	running bool
}

func newClock(now func() time.Time) *clock {
	return &clock{now: now}
}

func (c *clock) run(on bool) {
	switch {
	case on && !c.running:
		c.since = c.now()
		c.running = true
	case !on && c.running:
		c.elapsed += c.now().Sub(c.since)
		c.running = false
	}
}

func (c *clock) read() time.Time {
	d := c.elapsed
	if c.running {
		d += c.now().Sub(c.since)
	}
	return time.Time{}.Add(d)
}
