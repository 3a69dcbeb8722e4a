package analysis

import (
	"math"
	"math/cmplx"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep/v2"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

const (
	// FFTSize is the analysis window length in samples.
	FFTSize = 2048

	minFreq = 20.0
	maxFreq = 20000.0

	// Accurate maps this many dB below full scale to 0.
	dbRange = 40.0

	decay = 0.9

	riseRate     = 0.08
	fallRate     = 0.005
	noiseGate    = 1e-3
	minReference = 2e-3
)

// Dynamic mode regions: bass, mid and treble.
var regions = [3][2]int{{0, 25}, {25, 50}, {50, NumBands}}

type band struct {
	lo, hi, center, width float64
	// bins inside [lo, hi); empty when the band is narrower than a bin.
	first, last int
	// low-frequency de-emphasis for Adaptive and Dynamic
	tilt float64
}

// tracker follows the loudest band value: quick to rise, slow to fall.
type tracker struct{ level float64 }

func (t *tracker) update(peak float64) float64 {
	if peak > t.level {
		t.level += (peak - t.level) * riseRate
	} else {
		t.level -= t.level * fallRate
	}
	return max(t.level, minReference)
}

// Spectrum computes 75 logarithmic bands from a 2048-sample window.
// Process is meant to be called from a single analysis goroutine;
// SetMode may be called from anywhere.
type Spectrum struct {
	mode atomic.Int32

	sr     float64
	fft    *fourier.FFT
	window []float64
	buf    []float64
	coeffs []complex128
	mags   []float64

	bands   [NumBands]band
	raw     [NumBands]float64
	display [NumBands]float64

	global  tracker
	regions [3]tracker
}

// NewSpectrum creates an analyzer for audio at sr.
func NewSpectrum(sr beep.SampleRate, mode Mode) *Spectrum {
	ones := make([]float64, FFTSize)
	for i := range ones {
		ones[i] = 1
	}
	s := &Spectrum{
		sr:     float64(sr),
		fft:    fourier.NewFFT(FFTSize),
		window: window.Hann(ones),
		buf:    make([]float64, FFTSize),
		coeffs: make([]complex128, FFTSize/2+1),
		mags:   make([]float64, FFTSize/2+1),
	}
	s.mode.Store(int32(mode))

	binWidth := s.sr / FFTSize
	for i := range s.bands {
		b := &s.bands[i]
		b.lo = minFreq * math.Pow(maxFreq/minFreq, float64(i)/NumBands)
		b.hi = minFreq * math.Pow(maxFreq/minFreq, float64(i+1)/NumBands)
		b.center = math.Sqrt(b.lo * b.hi)
		b.width = b.hi - b.lo
		b.first = int(math.Ceil(b.lo / binWidth))
		b.last = min(int(math.Ceil(b.hi/binWidth))-1, FFTSize/2)
		switch {
		case b.center < 40:
			b.tilt = 0.7
		case b.center < 100:
			b.tilt = 0.85
		case b.center < 300:
			b.tilt = 0.92
		default:
			b.tilt = 1
		}
	}
	return s
}

// Mode returns the active normalization mode.
func (s *Spectrum) Mode() Mode { return Mode(s.mode.Load()) }

// SetMode switches the normalization mode.
func (s *Spectrum) SetMode(m Mode) { s.mode.Store(int32(m)) }

// Reset clears the display and the reference levels.
func (s *Spectrum) Reset() {
	s.display = [NumBands]float64{}
	s.global = tracker{}
	s.regions = [3]tracker{}
}

// Process analyzes the last FFTSize samples of mono (zero-padded at the
// front when shorter) and returns the smoothed frame.
func (s *Spectrum) Process(mono []float64, now time.Time) SpectrumFrame {
	if len(mono) >= FFTSize {
		copy(s.buf, mono[len(mono)-FFTSize:])
	} else {
		pad := FFTSize - len(mono)
		clear(s.buf[:pad])
		copy(s.buf[pad:], mono)
	}
	for i := range s.buf {
		s.buf[i] *= s.window[i]
	}
	s.coeffs = s.fft.Coefficients(s.coeffs, s.buf)

	// A full-scale sine peaks at N/4 under a Hann window.
	norm := 4.0 / FFTSize
	for i, c := range s.coeffs {
		s.mags[i] = cmplx.Abs(c) * norm
	}

	mode := s.Mode()
	switch mode {
	case Accurate:
		s.accurate()
	case Adaptive:
		s.interpolated()
		s.normalize(&s.global, 0, NumBands)
	case Dynamic:
		s.interpolated()
		for r, span := range regions {
			s.normalize(&s.regions[r], span[0], span[1])
		}
	}

	frame := SpectrumFrame{Mode: mode, Time: now}
	for i, v := range s.raw {
		s.display[i] = smooth(s.display[i], v)
	}
	frame.Bands = s.display
	return frame
}

// smooth applies the display ballistics: instant attack, slow decay.
func smooth(displayed, v float64) float64 {
	if v > displayed {
		return v
	}
	return displayed*decay + v*(1-decay)
}

// accurate: RMS over the bins of each band, bandwidth compensation, and a
// fixed dB scale.
func (s *Spectrum) accurate() {
	for i := range s.bands {
		b := &s.bands[i]
		var level float64
		if b.first <= b.last {
			var sum float64
			for k := b.first; k <= b.last; k++ {
				sum += s.mags[k] * s.mags[k]
			}
			level = math.Sqrt(sum / float64(b.last-b.first+1))
		} else {
			level = s.mags[s.nearestBin(b.center)]
		}
		level *= math.Pow(b.width/20, 0.6)
		if level <= 0 {
			s.raw[i] = 0
			continue
		}
		db := 20 * math.Log10(level)
		s.raw[i] = min(max((db+dbRange)/dbRange, 0), 1)
	}
}

// interpolated: one interpolated bin at the band center with bandwidth
// compensation, low-frequency de-emphasis and a noise gate.
func (s *Spectrum) interpolated() {
	binWidth := s.sr / FFTSize
	for i := range s.bands {
		b := &s.bands[i]
		pos := b.center / binWidth
		k := min(int(pos), len(s.mags)-2)
		frac := pos - float64(k)
		level := s.mags[k]*(1-frac) + s.mags[k+1]*frac
		level *= math.Sqrt(b.width/100) * b.tilt
		if level < noiseGate {
			level = 0
		}
		s.raw[i] = level
	}
}

// normalize scales raw[from:to] against t and applies a square root.
func (s *Spectrum) normalize(t *tracker, from, to int) {
	var peak float64
	for _, v := range s.raw[from:to] {
		peak = max(peak, v)
	}
	ref := t.update(peak)
	for i := from; i < to; i++ {
		s.raw[i] = math.Sqrt(min(s.raw[i]/ref, 1))
	}
}

func (s *Spectrum) nearestBin(freq float64) int {
	k := int(math.Round(freq * FFTSize / s.sr))
	return min(max(k, 0), len(s.mags)-1)
}
