// Package eq holds the equalizer state and the per-pipeline equalizer
// instances that mirror it.
package eq

import "fmt"

// Bands is the number of equalizer bands.
const Bands = 10

// Gain limits in dB, shared by the preamp and every band.
const (
	MinGain = -12.0
	MaxGain = 12.0
)

// Frequencies are the band center frequencies in Hz.
var Frequencies = [Bands]float64{60, 170, 310, 600, 1000, 3000, 6000, 12000, 14000, 16000}

// State is the logical equalizer: a preamp and one gain per band, all in dB.
type State struct {
	Preamp float64
	Gains  [Bands]float64
}

// Clamp limits a gain to [MinGain, MaxGain].
func Clamp(db float64) float64 {
	return max(min(db, MaxGain), MinGain)
}

// Clamped returns s with every value clamped.
func (s State) Clamped() State {
	s.Preamp = Clamp(s.Preamp)
	for i := range s.Gains {
		s.Gains[i] = Clamp(s.Gains[i])
	}
	return s
}

// Flat reports whether s leaves the signal untouched.
func (s State) Flat() bool {
	if s.Preamp != 0 {
		return false
	}
	for _, g := range s.Gains {
		if g != 0 {
			return false
		}
	}
	return true
}

// BandError reports an out of range band index.
type BandError struct {
	Index int
}

func (e *BandError) Error() string {
	return fmt.Sprintf("equalizer band %d out of range [0,%d)", e.Index, Bands)
}
