// Package analysis turns the mono sample stream of a pipeline tap into
// spectrum frames, tempo estimates and a musical key estimate.
package analysis

import (
	"fmt"
	"strings"
	"time"
)

// NumBands is the number of spectrum bands.
const NumBands = 75

// Mode selects how FFT magnitudes become display values.
type Mode int

const (
	// Accurate shows true levels on a fixed 40 dB scale.
	Accurate Mode = iota
	// Adaptive normalizes every band against one global reference.
	Adaptive
	// Dynamic normalizes bass, mid and treble independently.
	Dynamic
)

func (m Mode) String() string {
	switch m {
	case Accurate:
		return "accurate"
	case Adaptive:
		return "adaptive"
	case Dynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accurate":
		return Accurate, nil
	case "adaptive":
		return Adaptive, nil
	case "dynamic":
		return Dynamic, nil
	}
	return 0, fmt.Errorf("unknown analysis mode %q", s)
}

// SpectrumFrame is one analysis cycle. Every frame is complete; it is
// never updated in place after it is published.
type SpectrumFrame struct {
	Bands [NumBands]float64
	Mode  Mode
	Time  time.Time
}

// TempoEstimate is a smoothed tempo reading. A confidence at or below
// MinConfidence means no usable tempo.
type TempoEstimate struct {
	BPM        float64
	Confidence float64
	Time       time.Time
}

// MinConfidence is the confidence a tempo reading must exceed to be
// published.
const MinConfidence = 0.1

// Usable reports whether the estimate can be shown.
func (e TempoEstimate) Usable() bool { return e.Confidence > MinConfidence }
