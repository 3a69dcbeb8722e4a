package pipeline

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"

	"crossdeck/eq"
	"crossdeck/output"
	"crossdeck/track"
)

// maxCompensation caps the gain applied to post-volume tap samples.
const maxCompensation = 20.0

// graph is the render graph shared by both pipeline kinds. Control
// methods serialize on mu; anything the render thread reads is changed
// with the device locked or through atomics.
type graph struct {
	kind   track.Kind
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	device  output.Device
	decks   [2]*deck
	primary int
	closed  bool

	eq      *eq.Equalizer
	limiter *Limiter
	tap     *Tap
	vol     *effects.Volume
	volume  param
	ctrl    *beep.Ctrl

	// suppressFinished, when set, drops Finished events.
	suppressFinished func() bool
}

// newGraph builds the render chain. With tapAfterVolume the tap sits
// after the volume stage and compensates for it.
func newGraph(name string, kind track.Kind, opts Options, tapAfterVolume bool) *graph {
	opts = opts.withDefaults()
	g := &graph{
		kind:   kind,
		opts:   opts,
		logger: slog.With("component", "pipeline."+name),
		eq:     eq.New(),
	}
	g.volume.Store(1)
	g.decks[0] = newDeck(g)
	g.decks[1] = newDeck(g)

	mixer := &beep.Mixer{}
	mixer.Add(g.decks[0], g.decks[1])

	g.limiter = NewLimiter(g.eq.Wrap(mixer, opts.SampleRate), opts.SampleRate,
		opts.LimiterThreshold, opts.LimiterRelease.Seconds())

	var out beep.Streamer
	if tapAfterVolume {
		g.vol = &effects.Volume{Streamer: g.limiter, Base: 2}
		g.tap = NewTap(g.vol, opts.TapSize, g.compensation)
		out = g.tap
	} else {
		g.tap = NewTap(g.limiter, opts.TapSize, nil)
		g.vol = &effects.Volume{Streamer: g.tap, Base: 2}
		out = g.vol
	}
	g.ctrl = &beep.Ctrl{Streamer: out, Paused: true}
	return g
}

// compensation undoes the output volume on tapped samples, capped at
// maxCompensation.
func (g *graph) compensation() float64 {
	v := g.volume.Load()
	if v <= 1/maxCompensation {
		return maxCompensation
	}
	return 1 / v
}

func (g *graph) emit(ev Event) {
	if g.opts.Events == nil {
		return
	}
	if ev.Kind == Finished && g.suppressFinished != nil && g.suppressFinished() {
		return
	}
	ev.Pipeline = g.kind
	select {
	case g.opts.Events <- ev:
	default:
	}
}

// locked runs fn with the device locked. Callers hold g.mu.
func (g *graph) locked(fn func()) {
	if g.device != nil {
		g.device.Lock()
		defer g.device.Unlock()
	}
	fn()
}

func (g *graph) Kind() track.Kind { return g.kind }

func (g *graph) Arm(src *Source, gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		src.Close()
		return
	}
	g.locked(func() {
		g.decks[1-g.primary].reset()
		g.decks[1-g.primary].gain.Store(1)
		g.decks[g.primary].set(src, gen, 1)
	})
	g.logger.Debug("Source armed", slog.String("track", src.ref.String()), slog.Uint64("generation", gen))
}

func (g *graph) ScheduleNext(src *Source) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		src.Close()
		return
	}
	g.locked(func() {
		d := g.decks[g.primary]
		d.clearNext()
		d.next = src
	})
	g.logger.Debug("Next source scheduled", slog.String("track", src.ref.String()))
}

func (g *graph) ClearNext() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locked(func() { g.decks[g.primary].clearNext() })
}

func (g *graph) StartIncoming(src *Source, gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		src.Close()
		return
	}
	g.locked(func() {
		g.decks[g.primary].clearNext()
		g.decks[1-g.primary].set(src, gen, 0)
	})
}

func (g *graph) SetGains(out, in float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.decks[g.primary].gain.Store(out)
	g.decks[1-g.primary].gain.Store(in)
}

func (g *graph) Gains() (out, in float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.decks[g.primary].gain.Load(), g.decks[1-g.primary].gain.Load()
}

func (g *graph) Promote() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locked(func() {
		g.decks[g.primary].reset()
		g.decks[g.primary].gain.Store(1)
		g.primary = 1 - g.primary
		g.decks[g.primary].gain.Store(1)
	})
}

func (g *graph) AbortIncoming(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locked(func() {
		in := g.decks[1-g.primary]
		in.reset()
		in.gain.Store(1)
		in.applied = 1
		g.decks[g.primary].gain.Store(1)
		g.decks[g.primary].gen.Store(gen)
	})
}

func (g *graph) Retag(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.decks[g.primary].gen.Store(gen)
}

func (g *graph) Play() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locked(func() { g.ctrl.Paused = false })
}

func (g *graph) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locked(func() { g.ctrl.Paused = true })
}

// Stop pauses the graph and discards every source.
func (g *graph) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locked(func() {
		g.ctrl.Paused = true
		for _, d := range g.decks {
			d.reset()
			d.gain.Store(1)
			d.applied = 1
		}
	})
}

// Paused reports whether the graph is paused.
func (g *graph) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	paused := true
	g.locked(func() { paused = g.ctrl.Paused })
	return paused
}

func (g *graph) Current() (track.Reference, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if src := g.decks[g.primary].playing.Load(); src != nil {
		return src.ref, true
	}
	return track.Reference{}, false
}

func (g *graph) Position() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.decks[g.primary].position(g.opts.SampleRate)
}

func (g *graph) Duration() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.decks[g.primary].duration()
}

func (g *graph) Volume() float64 { return g.volume.Load() }

// SetVolume sets the linear output volume, clamped to [0, 1].
func (g *graph) SetVolume(v float64) {
	v = min(max(v, 0), 1)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.volume.Store(v)
	g.locked(func() {
		g.vol.Silent = v == 0
		if v > 0 {
			g.vol.Volume = math.Log2(v)
		}
	})
}

func (g *graph) Tap() *Tap { return g.tap }

func (g *graph) Equalizer() *eq.Equalizer { return g.eq }

// Bind attaches the graph to dev. On error the graph stays detached.
func (g *graph) Bind(dev output.Device) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	if g.device == dev {
		return nil
	}
	if err := dev.Init(g.opts.SampleRate, g.opts.BufferSize); err != nil {
		return &DeviceError{Device: dev.Name(), Err: err}
	}
	g.device = dev
	dev.Play(g.ctrl)
	g.logger.Info("Bound to output device", slog.String("device", dev.Name()))
	return nil
}

// Unbind forgets the current device without touching it. It is used when
// the device has gone away.
func (g *graph) Unbind() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.device = nil
}

func (g *graph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	g.locked(func() {
		g.ctrl.Paused = true
		g.ctrl.Streamer = nil
		for _, d := range g.decks {
			d.reset()
		}
	})
	g.device = nil
	return nil
}

