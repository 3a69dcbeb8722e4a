package engine

import (
	"time"

	"crossdeck/analysis"
	"crossdeck/pipeline"
)

// analyzer holds the analysis state. It is only touched by the analysis
// loop, except for the spectrum mode which is atomic.
type analyzer struct {
	spectrum *analysis.Spectrum
	tempo    *analysis.Tempo
	key      *analysis.KeyDetector

	keyEvery time.Duration
	window   []float64
	scratch  []float64

	tap      *pipeline.Tap
	cursor   uint64
	lastKey  time.Time
	shownKey analysis.Key
}

func newAnalyzer(opts Options) *analyzer {
	sr := opts.Pipeline.SampleRate
	if sr <= 0 {
		sr = pipeline.DefaultOptions().SampleRate
	}
	size := opts.Pipeline.TapSize
	if size <= 0 {
		size = pipeline.DefaultOptions().TapSize
	}
	return &analyzer{
		spectrum: analysis.NewSpectrum(sr, opts.SpectrumMode),
		tempo:    analysis.NewTempo(sr, opts.TempoInterval),
		key:      analysis.NewKeyDetector(sr),
		keyEvery: opts.KeyInterval,
		window:   make([]float64, analysis.FFTSize),
		scratch:  make([]float64, size),
		shownKey: analysis.Silence,
	}
}

// reset starts over on tap, e.g. after a track change.
func (a *analyzer) reset(tap *pipeline.Tap) {
	a.tap = tap
	a.cursor = tap.Written()
	a.tempo.Reset()
	a.key.Reset()
	a.lastKey = time.Time{}
	a.shownKey = analysis.Silence
}

// analyze runs one analysis cycle on the active pipeline's tap and
// publishes the results. Frames are dropped if observers fall behind.
func (e *Engine) analyze() {
	e.mu.Lock()
	p := e.active
	audible := e.session.State.audible()
	changed := e.analysisReset
	e.analysisReset = false
	e.mu.Unlock()

	if p == nil || !audible {
		return
	}
	a := e.an
	tap := p.Tap()
	if changed || tap != a.tap {
		a.reset(tap)
	}
	now := e.opts.Now()

	tap.Latest(a.window)
	frame := a.spectrum.Process(a.window, now)
	e.dispatch.publish(func(o Observer) { o.Spectrum(frame) }, true)

	n, cursor := tap.ReadSince(a.cursor, a.scratch)
	a.cursor = cursor
	if n == 0 {
		return
	}
	samples := a.scratch[:n]
	if est, ok := a.tempo.Process(samples, now); ok {
		e.dispatch.publish(func(o Observer) { o.Tempo(est) }, true)
	}
	a.key.Feed(samples)

	if a.lastKey.IsZero() {
		a.lastKey = now
	}
	if now.Sub(a.lastKey) < a.keyEvery {
		return
	}
	a.lastKey = now
	if est := a.key.Estimate(now); est.Key != a.shownKey {
		a.shownKey = est.Key
		e.dispatch.publish(func(o Observer) { o.Key(est) }, true)
	}
}
