package pipeline

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep/v2"
)

type param struct{ bits atomic.Uint64 }

func (p *param) Load() float64   { return math.Float64frombits(p.bits.Load()) }
func (p *param) Store(v float64) { p.bits.Store(math.Float64bits(v)) }

// deck is one of the two source slots of a render graph. It renders its
// current source and, when that runs out, continues into the scheduled
// next source inside the same buffer. A deck never drains: without a
// source it renders silence.
//
// cur and next are owned by the render thread and only touched by the
// control side with the device locked.
type deck struct {
	g *graph

	gen     atomic.Uint64
	gain    param
	applied float64

	cur, next *Source

	playing atomic.Pointer[Source]
	played  atomic.Int64
}

func newDeck(g *graph) *deck {
	d := &deck{g: g, applied: 1}
	d.gain.Store(1)
	return d
}

func (d *deck) Stream(samples [][2]float64) (int, bool) {
	filled := 0
	for filled < len(samples) && d.cur != nil {
		n, ok := d.cur.Stream(samples[filled:])
		filled += n
		d.played.Add(int64(n))
		if ok && n > 0 {
			continue
		}
		if ok {
			// nothing available right now but not finished
			break
		}
		d.exhausted()
	}
	clear(samples[filled:])
	d.applyGain(samples)
	return len(samples), true
}

func (d *deck) Err() error { return nil }

// exhausted runs on the render thread when the current source ran out.
func (d *deck) exhausted() {
	old := d.cur
	err := old.Err()
	gen := d.gen.Load()
	go old.Close()

	if err == nil && d.next != nil {
		d.cur, d.next = d.next, nil
		d.played.Store(0)
		d.playing.Store(d.cur)
		d.g.emit(Event{Kind: Advanced, Gen: gen, Ref: d.cur.ref})
		return
	}

	d.cur = nil
	d.playing.Store(nil)
	if err != nil {
		d.g.emit(Event{Kind: Failed, Gen: gen, Ref: old.ref, Err: err})
		return
	}
	d.g.emit(Event{Kind: Finished, Gen: gen, Ref: old.ref})
}

// applyGain ramps linearly from the last applied gain to the target over
// the buffer.
func (d *deck) applyGain(samples [][2]float64) {
	target := d.gain.Load()
	if target == 1 && d.applied == 1 {
		return
	}
	step := (target - d.applied) / float64(len(samples))
	g := d.applied
	for i := range samples {
		g += step
		samples[i][0] *= g
		samples[i][1] *= g
	}
	d.applied = target
}

// set replaces everything on the deck with src. Device must be locked.
func (d *deck) set(src *Source, gen uint64, gain float64) {
	d.reset()
	d.cur = src
	d.gen.Store(gen)
	d.gain.Store(gain)
	d.applied = gain
	d.played.Store(0)
	d.playing.Store(src)
}

// reset closes and drops both sources. Device must be locked.
func (d *deck) reset() {
	if d.cur != nil {
		go d.cur.Close()
	}
	d.clearNext()
	d.cur = nil
	d.playing.Store(nil)
	d.played.Store(0)
}

func (d *deck) clearNext() {
	if d.next != nil {
		go d.next.Close()
		d.next = nil
	}
}

func (d *deck) position(sr beep.SampleRate) time.Duration {
	src := d.playing.Load()
	if src == nil {
		return 0
	}
	return src.offset + sr.D(int(d.played.Load()))
}

func (d *deck) duration() time.Duration {
	if src := d.playing.Load(); src != nil {
		return src.length
	}
	return 0
}
