package eq

import (
	"math"
	"sync/atomic"

	"github.com/gopxl/beep/v2"
)

// bandQ is the quality factor of every peaking filter.
const bandQ = 1.4

type param struct{ bits atomic.Uint64 }

func (p *param) Load() float64   { return math.Float64frombits(p.bits.Load()) }
func (p *param) Store(v float64) { p.bits.Store(math.Float64bits(v)) }

// Equalizer is one pipeline's equalizer instance. Parameters are written
// by the control thread and read by the render thread without locks.
type Equalizer struct {
	preamp param
	gains  [Bands]param
}

// New returns a flat equalizer.
func New() *Equalizer {
	return &Equalizer{}
}

// Apply sets every parameter from s.
func (e *Equalizer) Apply(s State) {
	s = s.Clamped()
	e.preamp.Store(s.Preamp)
	for i, g := range s.Gains {
		e.gains[i].Store(g)
	}
}

func (e *Equalizer) SetPreamp(db float64) { e.preamp.Store(Clamp(db)) }

func (e *Equalizer) SetBand(i int, db float64) {
	if i < 0 || i >= Bands {
		return
	}
	e.gains[i].Store(Clamp(db))
}

func (e *Equalizer) Preamp() float64 { return e.preamp.Load() }

func (e *Equalizer) Band(i int) float64 {
	if i < 0 || i >= Bands {
		return 0
	}
	return e.gains[i].Load()
}

// State reads the instance back.
func (e *Equalizer) State() State {
	s := State{Preamp: e.Preamp()}
	for i := range s.Gains {
		s.Gains[i] = e.Band(i)
	}
	return s
}

// Wrap inserts the equalizer after s in a render graph running at sr.
func (e *Equalizer) Wrap(s beep.Streamer, sr beep.SampleRate) beep.Streamer {
	f := &filter{s: s, eq: e}
	for i := range f.bands {
		f.bands[i] = biquad{freq: Frequencies[i], sr: float64(sr)}
	}
	return f
}

// filter is the render-side half of an Equalizer: a preamp stage followed
// by ten peaking biquads (Audio EQ Cookbook).
type filter struct {
	s     beep.Streamer
	eq    *Equalizer
	bands [Bands]biquad
}

func (f *filter) Stream(samples [][2]float64) (int, bool) {
	n, ok := f.s.Stream(samples)
	buf := samples[:n]

	if pre := f.eq.Preamp(); pre != 0 {
		g := math.Pow(10, pre/20)
		for i := range buf {
			buf[i][0] *= g
			buf[i][1] *= g
		}
	}
	for i := range f.bands {
		f.bands[i].process(buf, f.eq.Band(i))
	}
	return n, ok
}

func (f *filter) Err() error { return f.s.Err() }

type biquad struct {
	freq, sr float64

	x1, x2 [2]float64
	y1, y2 [2]float64

	gain               float64
	b0, b1, b2, a1, a2 float64
	ready              bool
}

func (b *biquad) coeffs(dB float64) {
	if b.ready && dB == b.gain {
		return
	}
	b.gain = dB
	b.ready = true

	a := math.Pow(10, dB/40)
	w0 := 2 * math.Pi * b.freq / b.sr
	sinW0, cosW0 := math.Sin(w0), math.Cos(w0)
	alpha := sinW0 / (2 * bandQ)

	a0 := 1 + alpha/a
	b.b0 = (1 + alpha*a) / a0
	b.b1 = (-2 * cosW0) / a0
	b.b2 = (1 - alpha*a) / a0
	b.a1 = (-2 * cosW0) / a0
	b.a2 = (1 - alpha/a) / a0
}

func (b *biquad) process(buf [][2]float64, dB float64) {
	// A band at (almost) 0 dB is an identity filter; keep the history
	// rolling so re-enabling it does not click.
	if dB > -0.01 && dB < 0.01 {
		for i := range buf {
			for ch := range 2 {
				x := buf[i][ch]
				b.x2[ch], b.x1[ch] = b.x1[ch], x
				b.y2[ch], b.y1[ch] = b.y1[ch], x
			}
		}
		return
	}
	if b.freq >= b.sr/2 {
		return
	}
	b.coeffs(dB)
	for i := range buf {
		for ch := range 2 {
			x := buf[i][ch]
			y := b.b0*x + b.b1*b.x1[ch] + b.b2*b.x2[ch] - b.a1*b.y1[ch] - b.a2*b.y2[ch]
			b.x2[ch], b.x1[ch] = b.x1[ch], x
			b.y2[ch], b.y1[ch] = b.y1[ch], y
			buf[i][ch] = y
		}
	}
}
