package analysis

import (
	"math"
	"slices"
	"time"

	"github.com/gopxl/beep/v2"
	"gonum.org/v1/gonum/stat"
)

const (
	// HopSize is the tempo detector's analysis step in samples.
	HopSize = 512

	minBPM      = 60.0
	maxBPM      = 180.0
	historySecs = 6.0
	medianOf    = 10
)

// Tempo estimates BPM from an onset envelope: log-energy rises per hop,
// autocorrelated over the lags of 60 to 180 BPM.
type Tempo struct {
	hopRate  float64
	interval time.Duration

	pending []float64
	prev    float64
	onsets  []float64
	size    int

	minLag, maxLag int
	acf            []float64

	readings   []float64
	confidence float64
	lastEmit   time.Time
}

// NewTempo creates a detector for audio at sr that publishes at most once
// per interval.
func NewTempo(sr beep.SampleRate, interval time.Duration) *Tempo {
	hopRate := float64(sr) / HopSize
	t := &Tempo{
		hopRate:  hopRate,
		interval: interval,
		size:     int(historySecs * hopRate),
		minLag:   int(math.Floor(60 / maxBPM * hopRate)),
		maxLag:   int(math.Ceil(60 / minBPM * hopRate)),
	}
	t.acf = make([]float64, t.maxLag+2)
	return t
}

// Reset forgets all history, e.g. after a track change.
func (t *Tempo) Reset() {
	t.pending = t.pending[:0]
	t.prev = 0
	t.onsets = t.onsets[:0]
	t.readings = t.readings[:0]
	t.confidence = 0
}

// Confidence returns the confidence of the latest raw reading.
func (t *Tempo) Confidence() float64 { return t.confidence }

// Process consumes new mono samples. It returns an estimate when one is
// due and usable.
func (t *Tempo) Process(mono []float64, now time.Time) (TempoEstimate, bool) {
	t.pending = append(t.pending, mono...)
	hops := 0
	for len(t.pending) >= HopSize {
		t.hop(t.pending[:HopSize])
		t.pending = t.pending[HopSize:]
		hops++
	}
	// keep pending from growing an ever larger backing array
	t.pending = append(t.pending[:0:0], t.pending...)

	if hops == 0 || len(t.readings) == 0 || t.confidence <= MinConfidence {
		return TempoEstimate{}, false
	}
	if !t.lastEmit.IsZero() && now.Sub(t.lastEmit) < t.interval {
		return TempoEstimate{}, false
	}
	t.lastEmit = now

	sorted := slices.Clone(t.readings)
	slices.Sort(sorted)
	return TempoEstimate{
		BPM:        stat.Quantile(0.5, stat.Empirical, sorted, nil),
		Confidence: t.confidence,
		Time:       now,
	}, true
}

func (t *Tempo) hop(samples []float64) {
	var energy float64
	for _, v := range samples {
		energy += v * v
	}
	level := math.Log1p(1000 * energy / HopSize)
	onset := max(level-t.prev, 0)
	t.prev = level

	t.onsets = append(t.onsets, onset)
	if len(t.onsets) > t.size {
		t.onsets = t.onsets[len(t.onsets)-t.size:]
	}
	if len(t.onsets) < 2*t.maxLag {
		return
	}

	bpm, conf := t.track()
	t.confidence = conf
	if conf <= MinConfidence {
		return
	}
	t.readings = append(t.readings, bpm)
	if len(t.readings) > medianOf {
		t.readings = t.readings[len(t.readings)-medianOf:]
	}
}

// track autocorrelates the mean-removed onset envelope and returns the
// best tempo and its normalized correlation.
func (t *Tempo) track() (bpm, confidence float64) {
	mean := stat.Mean(t.onsets, nil)
	n := len(t.onsets)
	for lag := 0; lag <= t.maxLag+1; lag++ {
		if lag != 0 && lag < t.minLag-1 {
			continue
		}
		var sum float64
		for i := 0; i+lag < n; i++ {
			sum += (t.onsets[i] - mean) * (t.onsets[i+lag] - mean)
		}
		t.acf[lag] = sum
	}
	if t.acf[0] <= 1e-12 {
		return 0, 0
	}

	best, bestScore := -1, math.Inf(-1)
	for lag := t.minLag; lag <= t.maxLag; lag++ {
		score := t.acf[lag] * prior(60*t.hopRate/float64(lag))
		if score > bestScore {
			best, bestScore = lag, score
		}
	}
	if best < 0 || t.acf[best] <= 0 {
		return 0, 0
	}

	// parabolic refinement of the peak
	lag := float64(best)
	if best > 0 && best < len(t.acf)-1 {
		a, b, c := t.acf[best-1], t.acf[best], t.acf[best+1]
		if d := a - 2*b + c; d < 0 {
			lag += 0.5 * (a - c) / d
		}
	}
	return 60 * t.hopRate / lag, min(t.acf[best]/t.acf[0], 1)
}

// prior mildly favors tempos around 120 BPM so that half and double
// tempo lose ties.
func prior(bpm float64) float64 {
	x := math.Log2(bpm / 120)
	return math.Exp(-0.5 * x * x)
}
