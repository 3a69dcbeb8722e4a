package transition

import (
	"math"
	"slices"
	"time"

	"crossdeck/track"
)

// FadeDurations are the crossfade lengths that can be selected.
var FadeDurations = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	3 * time.Second,
	5 * time.Second,
	7 * time.Second,
	10 * time.Second,
}

// ValidFadeDuration reports whether d is one of FadeDurations.
func ValidFadeDuration(d time.Duration) bool {
	return slices.Contains(FadeDurations, d)
}

// Kind is the type of transition between two tracks.
type Kind int

const (
	None Kind = iota
	Gapless
	Crossfade
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Gapless:
		return "gapless"
	case Crossfade:
		return "crossfade"
	default:
		return "unknown"
	}
}

// Plan is a transition from the outgoing to the incoming track. Gen is the
// generation that was current when the plan was made; the plan is void
// once that generation is superseded by anything but its own start.
type Plan struct {
	Kind     Kind
	Duration time.Duration
	Outgoing track.Reference
	Incoming track.Reference
	Gen      uint64

	started   time.Time
	cancelled bool
}

// Cancelled reports whether the plan was cancelled.
func (p *Plan) Cancelled() bool { return p.cancelled }

// progress returns the fraction of the fade elapsed at now, in [0, 1].
func (p *Plan) progress(now time.Time) float64 {
	if p.Duration <= 0 {
		return 1
	}
	return min(max(float64(now.Sub(p.started))/float64(p.Duration), 0), 1)
}

// EqualPower returns the outgoing and incoming gains at progress in
// [0, 1]: cos and sin of an angle sweeping 0 to π/2, so out²+in² = 1.
func EqualPower(progress float64) (out, in float64) {
	theta := min(max(progress, 0), 1) * math.Pi / 2
	return math.Cos(theta), math.Sin(theta)
}

// ConflictError explains why a transition was downgraded to a hard cut.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return "transition conflict: " + e.Reason
}
