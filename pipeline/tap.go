package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/gopxl/beep/v2"
)

// Tap copies a mono mix of the audio passing through it into a ring
// buffer for the analysis thread. The render side never waits: if the
// reader holds the buffer, the block is dropped from the analysis stream.
type Tap struct {
	s     beep.Streamer
	scale func() float64

	mu      sync.Mutex
	buf     []float64
	written uint64

	dropped atomic.Uint64
}

// NewTap wraps s with a ring buffer of size mono samples. scale, when not
// nil, is applied to the copied samples only.
func NewTap(s beep.Streamer, size int, scale func() float64) *Tap {
	return &Tap{
		s:     s,
		scale: scale,
		buf:   make([]float64, size),
	}
}

func (t *Tap) Stream(samples [][2]float64) (int, bool) {
	n, ok := t.s.Stream(samples)
	if n == 0 {
		return n, ok
	}
	if !t.mu.TryLock() {
		t.dropped.Add(uint64(n))
		return n, ok
	}
	k := 0.5
	if t.scale != nil {
		k *= t.scale()
	}
	size := uint64(len(t.buf))
	for i := range n {
		t.buf[(t.written+uint64(i))%size] = (samples[i][0] + samples[i][1]) * k
	}
	t.written += uint64(n)
	t.mu.Unlock()
	return n, ok
}

func (t *Tap) Err() error { return t.s.Err() }

// Written returns the number of samples copied so far. It is the cursor
// to pass to ReadSince to start reading from "now".
func (t *Tap) Written() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written
}

// Dropped returns the number of samples skipped because the reader held
// the buffer.
func (t *Tap) Dropped() uint64 { return t.dropped.Load() }

// Latest copies the most recent len(dst) samples into dst in
// chronological order, zero-padding the front if fewer were written.
func (t *Tap) Latest(dst []float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := uint64(len(t.buf))
	n := min(uint64(len(dst)), size, t.written)
	pad := uint64(len(dst)) - n
	clear(dst[:pad])
	start := t.written - n
	for i := range n {
		dst[pad+i] = t.buf[(start+i)%size]
	}
}

// ReadSince copies samples written after cursor into dst and returns the
// count and the new cursor. A cursor that fell behind the ring is moved to
// the oldest sample still held.
func (t *Tap) ReadSince(cursor uint64, dst []float64) (int, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := uint64(len(t.buf))
	if cursor > t.written {
		cursor = t.written
	}
	if t.written-cursor > size {
		cursor = t.written - size
	}
	n := min(t.written-cursor, uint64(len(dst)))
	for i := range n {
		dst[i] = t.buf[(cursor+i)%size]
	}
	return int(n), cursor + n
}
