package engine

import (
	"slices"

	"crossdeck/track"
	"crossdeck/transition"
)

// Enqueue appends refs to the play queue.
func (e *Engine) Enqueue(refs ...track.Reference) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ref := range refs {
		if !ref.IsZero() {
			e.queue = append(e.queue, ref)
		}
	}
}

// ClearQueue empties the play queue. A transition that is not audible
// yet is cancelled; a running crossfade completes.
func (e *Engine) ClearQueue() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = nil
	switch e.ctrl.State() {
	case transition.PreparingGapless, transition.GaplessArmed, transition.ApproachingCrossfade:
		e.ctrl.Cancel(e.decks())
		if e.cancelPrepare != nil {
			e.cancelPrepare()
			e.cancelPrepare = nil
		}
	}
}

// Queue returns a copy of the play queue.
func (e *Engine) Queue() []track.Reference {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.queue)
}

// dequeue removes the head of the queue if it is the track with id.
func (e *Engine) dequeue(id string) {
	if len(e.queue) > 0 && e.queue[0].ID == id {
		e.queue = e.queue[1:]
	}
}
