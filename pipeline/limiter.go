package pipeline

import (
	"math"

	"github.com/gopxl/beep/v2"
)

// Limiter is a peak limiter placed after the equalizer to absorb boost.
// Signal below the threshold passes through unchanged.
type Limiter struct {
	s         beep.Streamer
	threshold float64
	release   float64
	gain      float64
}

// NewLimiter wraps s. thresholdDB is in dBFS, release is the time constant
// in seconds.
func NewLimiter(s beep.Streamer, sr beep.SampleRate, thresholdDB, release float64) *Limiter {
	return &Limiter{
		s:         s,
		threshold: math.Pow(10, thresholdDB/20),
		release:   1 - math.Exp(-1/(release*float64(sr))),
		gain:      1,
	}
}

func (l *Limiter) Stream(samples [][2]float64) (int, bool) {
	n, ok := l.s.Stream(samples)
	for i := range n {
		peak := max(math.Abs(samples[i][0]), math.Abs(samples[i][1]))
		want := 1.0
		if peak > l.threshold {
			want = l.threshold / peak
		}
		if want < l.gain {
			l.gain = want
		} else if l.gain < 1 {
			l.gain += (want - l.gain) * l.release
			if l.gain > 0.99999 {
				l.gain = 1
			}
		}
		if l.gain != 1 {
			samples[i][0] *= l.gain
			samples[i][1] *= l.gain
		}
	}
	return n, ok
}

func (l *Limiter) Err() error { return l.s.Err() }

// Gain returns the current gain reduction factor (1 = none).
func (l *Limiter) Gain() float64 { return l.gain }
