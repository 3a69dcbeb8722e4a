package pipeline

import "crossdeck/track"

// EventKind is the type of a pipeline completion signal.
type EventKind int

const (
	// Finished: the primary source ran out and nothing was scheduled.
	Finished EventKind = iota
	// Advanced: the primary source ran out and playback continued into
	// the scheduled source without a gap.
	Advanced
	// Failed: the source stopped with an error.
	Failed
)

func (k EventKind) String() string {
	switch k {
	case Finished:
		return "finished"
	case Advanced:
		return "advanced"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is a completion signal raised from a render thread. Gen is the
// generation the source was tagged with; receivers drop events whose
// generation is not current.
type Event struct {
	Kind     EventKind
	Pipeline track.Kind
	Gen      uint64
	Ref      track.Reference
	Err      error
}
