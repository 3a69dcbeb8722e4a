package engine

import (
	"time"

	"crossdeck/analysis"
	"crossdeck/eq"
	"crossdeck/track"
	"crossdeck/transition"
)

// State is the state of the playback session.
type State int

const (
	Idle State = iota
	Loading
	Playing
	Paused
	Stopping
	Crossfading
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	case Crossfading:
		return "crossfading"
	default:
		return "unknown"
	}
}

// audible reports whether the session is producing sound.
func (s State) audible() bool { return s == Playing || s == Crossfading }

// Session is the track being played. It is created by Load, replaced by
// the next Load and destroyed by Stop; only the engine changes it.
type Session struct {
	Ref        track.Reference
	Pipeline   track.Kind
	Generation uint64
	State      State
}

// TrackEventKind is the outcome of a track.
type TrackEventKind int

const (
	TrackFinished TrackEventKind = iota
	TrackFailed
)

func (k TrackEventKind) String() string {
	if k == TrackFailed {
		return "failed"
	}
	return "finished"
}

// TrackEvent is the terminal event of one track. Err is set for
// TrackFailed and is a *decode.DecodeError, *pipeline.NetworkError or
// *pipeline.DeviceError.
type TrackEvent struct {
	Kind TrackEventKind
	Ref  track.Reference
	Err  error
}

// Status is a snapshot of the engine.
type Status struct {
	Session    Session
	Position   time.Duration
	Duration   time.Duration
	Volume     float64
	Equalizer  eq.State
	Transition transition.State
	Queued     int
	Spectrum   analysis.Mode
	Device     string

	// Pending is set while a load or a successor prepare is in flight.
	Pending bool
}
