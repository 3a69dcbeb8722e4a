// Package transition decides when and how one track hands over to the
// next: gapless pre-scheduling or an equal-power crossfade, with a hard
// cut as the fallback.
package transition

import (
	"log/slog"
	"sync"
	"time"

	"crossdeck/pipeline"
	"crossdeck/track"
)

// State is the controller state.
type State int

const (
	Idle State = iota
	Playing
	PreparingGapless
	ApproachingCrossfade
	GaplessArmed
	Crossfading
	Cancelling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Playing:
		return "playing"
	case PreparingGapless:
		return "preparing-gapless"
	case ApproachingCrossfade:
		return "approaching-crossfade"
	case GaplessArmed:
		return "gapless-armed"
	case Crossfading:
		return "crossfading"
	case Cancelling:
		return "cancelling"
	default:
		return "unknown"
	}
}

// DisablePolicy decides what turning crossfade off does to a running fade.
type DisablePolicy int

const (
	// Complete lets the running fade finish.
	Complete DisablePolicy = iota
	// Cut jumps straight to the incoming track at full gain.
	Cut
)

// Settings are the user-facing transition options.
type Settings struct {
	Gapless      bool
	Crossfade    bool
	FadeDuration time.Duration
	Casting      bool
	// PreRoll is how long before the end of a track the next source is
	// opened.
	PreRoll       time.Duration
	DisablePolicy DisablePolicy
}

// Decks is the part of a pipeline the controller drives.
type Decks interface {
	Kind() track.Kind
	ScheduleNext(src *pipeline.Source)
	ClearNext()
	StartIncoming(src *pipeline.Source, gen uint64)
	SetGains(out, in float64)
	Promote()
	AbortIncoming(gen uint64)
}

// Status is what the engine knows about the current track at a tick.
type Status struct {
	Playing bool
	Current track.Reference
	// Remaining is the time left on the current track, negative when
	// unknown.
	Remaining time.Duration
	Next      track.Reference
	HasNext   bool
}

// ActionKind tells the engine what to do after a call into the controller.
type ActionKind int

const (
	NoAction ActionKind = iota
	// Prepare: open Action.Ref on the current pipeline and report back
	// with Prepared or PrepareFailed.
	Prepare
	// CrossfadeStarted: the session is now crossfading into Action.Ref.
	CrossfadeStarted
	// CrossfadeDone: Action.Ref is now primary.
	CrossfadeDone
)

// Action is a request from the controller to the engine.
type Action struct {
	Kind ActionKind
	Plan Kind
	Ref  track.Reference
	Gen  uint64
}

// Controller is the transition state machine. It never blocks on I/O:
// opening sources is left to the engine, which reports back.
type Controller struct {
	counter *Counter
	logger  *slog.Logger

	mu       sync.Mutex
	settings Settings
	state    State
	plan     *Plan
	pending  *pipeline.Source
	// skip is the id of a next track already found unsuitable for a
	// transition, so it is not re-planned every tick.
	skip string
}

// NewController creates a controller sharing counter with the engine.
func NewController(counter *Counter, settings Settings) *Controller {
	if settings.PreRoll <= 0 {
		settings.PreRoll = 3 * time.Second
	}
	return &Controller{
		counter:  counter,
		settings: settings,
		logger:   slog.With("component", "transition"),
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Crossfading reports whether a fade is running.
func (c *Controller) Crossfading() bool { return c.State() == Crossfading }

// Plan returns a copy of the active plan.
func (c *Controller) Plan() (Plan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plan == nil {
		return Plan{}, false
	}
	return *c.plan, true
}

// Settings returns the current settings.
func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Tick advances the state machine to now.
func (c *Controller) Tick(now time.Time, st Status, d Decks) Action {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Idle, Cancelling:
		if !st.Playing {
			return Action{}
		}
		c.state = Playing
		fallthrough
	case Playing:
		return c.planNext(st, d)
	case ApproachingCrossfade:
		// A paused session starts its fade once it is resumed.
		if !st.Playing || c.pending == nil || st.Remaining < 0 || st.Remaining > c.settings.FadeDuration {
			return Action{}
		}
		return c.startCrossfade(now, st, d)
	case Crossfading:
		return c.fade(now, d)
	}
	return Action{}
}

func (c *Controller) planNext(st Status, d Decks) Action {
	if !st.Playing || !st.HasNext || st.Remaining < 0 || st.Next.ID == c.skip {
		return Action{}
	}
	kind := c.mode()
	if kind == None {
		return Action{}
	}
	if err := c.compatible(kind, st.Current, st.Next, d); err != nil {
		c.conflict(st.Next, err)
		return Action{}
	}

	window := c.settings.PreRoll
	if kind == Crossfade {
		window += c.settings.FadeDuration
	}
	if st.Remaining > window {
		return Action{}
	}

	c.plan = &Plan{
		Kind:     kind,
		Outgoing: st.Current,
		Incoming: st.Next,
		Gen:      c.counter.Current(),
	}
	if kind == Gapless {
		c.state = PreparingGapless
	} else {
		c.state = ApproachingCrossfade
		c.plan.Duration = c.settings.FadeDuration
	}
	c.logger.Debug("Preparing transition",
		slog.String("kind", kind.String()),
		slog.String("next", st.Next.String()),
		slog.Duration("remaining", st.Remaining))
	return Action{Kind: Prepare, Plan: kind, Ref: st.Next, Gen: c.plan.Gen}
}

// mode returns the transition strategy the settings allow. Gapless and
// crossfade are never both active.
func (c *Controller) mode() Kind {
	switch {
	case c.settings.Casting:
		return None
	case c.settings.Crossfade:
		return Crossfade
	case c.settings.Gapless:
		return Gapless
	default:
		return None
	}
}

func (c *Controller) compatible(kind Kind, cur, next track.Reference, d Decks) error {
	if next.Kind != cur.Kind || next.Kind != d.Kind() {
		return &ConflictError{Reason: "pipeline kinds differ"}
	}
	if kind == Crossfade && next.Duration > 0 && next.Duration < 2*c.settings.FadeDuration {
		return &ConflictError{Reason: "next track shorter than twice the fade"}
	}
	return nil
}

func (c *Controller) conflict(next track.Reference, err error) {
	c.skip = next.ID
	c.logger.Debug("Transition downgraded to hard cut", slog.String("next", next.String()), slog.Any("reason", err))
}

// Prepared hands over the source opened for a Prepare action. It returns
// false if the source is not wanted anymore; the caller then closes it.
func (c *Controller) Prepared(src *pipeline.Source, gen uint64, d Decks) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.plan == nil || c.plan.cancelled || c.plan.Gen != gen || c.plan.Incoming.ID != src.Ref().ID {
		return false
	}
	switch c.state {
	case PreparingGapless:
		d.ScheduleNext(src)
		c.state = GaplessArmed
		return true
	case ApproachingCrossfade:
		if c.pending != nil {
			return false
		}
		length := src.Duration()
		if length <= 0 || length < 2*c.plan.Duration {
			c.conflict(c.plan.Incoming, &ConflictError{Reason: "next track duration unknown or shorter than twice the fade"})
			c.plan = nil
			c.state = Playing
			return false
		}
		c.pending = src
		return true
	}
	return false
}

// PrepareFailed drops the plan for gen; the track change becomes a hard
// cut.
func (c *Controller) PrepareFailed(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plan == nil || c.plan.Gen != gen {
		return
	}
	c.skip = c.plan.Incoming.ID
	c.plan = nil
	c.state = Playing
}

func (c *Controller) startCrossfade(now time.Time, st Status, d Decks) Action {
	gen := c.counter.Next()
	c.plan.Gen = gen
	c.plan.started = now
	c.plan.Duration = min(c.plan.Duration, st.Remaining)
	d.StartIncoming(c.pending, gen)
	c.pending = nil
	c.state = Crossfading
	c.logger.Info("Crossfade started",
		slog.String("from", c.plan.Outgoing.String()),
		slog.String("to", c.plan.Incoming.String()),
		slog.Duration("duration", c.plan.Duration),
		slog.Uint64("generation", gen))
	return Action{Kind: CrossfadeStarted, Plan: Crossfade, Ref: c.plan.Incoming, Gen: gen}
}

func (c *Controller) fade(now time.Time, d Decks) Action {
	p := c.plan.progress(now)
	out, in := EqualPower(p)
	d.SetGains(out, in)
	if p < 1 {
		return Action{}
	}
	return c.finish(d)
}

func (c *Controller) finish(d Decks) Action {
	d.Promote()
	plan := c.plan
	c.plan = nil
	c.state = Playing
	c.logger.Info("Crossfade completed", slog.String("track", plan.Incoming.String()))
	return Action{Kind: CrossfadeDone, Plan: Crossfade, Ref: plan.Incoming, Gen: plan.Gen}
}

// Advanced records that the pipeline continued into the scheduled track.
func (c *Controller) Advanced() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plan = nil
	c.state = Playing
}

// Cancel aborts any transition in progress. A running crossfade restores
// the outgoing gain to 1, drops the incoming source and takes a new
// generation. It reports whether anything was cancelled.
func (c *Controller) Cancel(d Decks) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel(d)
}

func (c *Controller) cancel(d Decks) bool {
	prev := c.state
	c.state = Cancelling
	switch prev {
	case Crossfading:
		gen := c.counter.Next()
		if d != nil {
			d.AbortIncoming(gen)
		}
		c.logger.Info("Crossfade cancelled", slog.Uint64("generation", gen))
	case GaplessArmed:
		if d != nil {
			d.ClearNext()
		}
	case ApproachingCrossfade:
		if c.pending != nil {
			go c.pending.Close()
			c.pending = nil
		}
	case PreparingGapless:
	default:
		c.state = prev
		return false
	}
	if c.plan != nil {
		c.plan.cancelled = true
		c.plan = nil
	}
	c.state = Idle
	return true
}

// Reset forgets the skipped track and returns to Idle after a hard cut or
// load. Any transition is cancelled first.
func (c *Controller) Reset(d Decks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel(d)
	c.skip = ""
	c.state = Idle
}

// SetGapless toggles gapless playback. Turning it off disarms a scheduled
// successor.
func (c *Controller) SetGapless(on bool, d Decks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.Gapless = on
	if !on && (c.state == GaplessArmed || c.state == PreparingGapless) {
		c.cancel(d)
	}
	c.skip = ""
}

// SetCrossfade toggles crossfading. Turning it on disarms gapless
// scheduling. Turning it off mid-fade follows the disable policy.
func (c *Controller) SetCrossfade(on bool, dur time.Duration, d Decks) Action {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.settings.Crossfade = on
	if dur > 0 {
		c.settings.FadeDuration = dur
	}
	c.skip = ""

	switch {
	case on && (c.state == GaplessArmed || c.state == PreparingGapless):
		c.cancel(d)
	case !on && c.state == ApproachingCrossfade:
		c.cancel(d)
	case !on && c.state == Crossfading && c.settings.DisablePolicy == Cut && d != nil:
		d.SetGains(0, 1)
		return c.finish(d)
	}
	return Action{}
}

// SetCasting toggles casting. While casting nothing is planned, and
// anything not yet audible is cancelled.
func (c *Controller) SetCasting(on bool, d Decks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.Casting = on
	if on && c.state != Crossfading {
		c.cancel(d)
	}
}

// SetDisablePolicy sets what disabling crossfade does to a running fade.
func (c *Controller) SetDisablePolicy(p DisablePolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.DisablePolicy = p
}
