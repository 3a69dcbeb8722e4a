package machine

import (
	"fmt"
	"time"

	"crossdeck/engine"
	"crossdeck/output"
)

// FrameClock returns a clock that advances with the frames rendered by
// dev instead of wall time. An engine rendering offline uses it so that
// fades last as long in the output as they would live.
func FrameClock(dev *output.Manual) func() time.Time {
	epoch := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		sr := dev.SampleRate()
		if sr <= 0 {
			return epoch
		}
		return epoch.Add(sr.D(dev.Rendered()))
	}
}

// Offline is a beep.Streamer that renders an engine on a manual device,
// stepping the engine between blocks. It ends when the session goes idle
// or is paused.
type Offline struct {
	engine *engine.Engine
	device *output.Manual
	block  int

	// Patience bounds how long a single load may take.
	Patience time.Duration

	started bool
	done    bool
	err     error
}

// NewOffline renders e on dev, block frames at a time.
func NewOffline(e *engine.Engine, dev *output.Manual, block int) *Offline {
	return &Offline{
		engine:   e,
		device:   dev,
		block:    max(block, 1),
		Patience: 30 * time.Second,
	}
}

// Stream fills samples with the engine output.
func (o *Offline) Stream(samples [][2]float64) (n int, ok bool) {
	var waiting time.Time
	for n < len(samples) && !o.done {
		o.engine.Step()
		st := o.engine.Status()

		if st.Pending || st.Session.State == engine.Loading {
			if waiting.IsZero() {
				waiting = time.Now()
			} else if time.Since(waiting) > o.Patience {
				o.err = fmt.Errorf("track %s: still loading after %s", st.Session.Ref, o.Patience)
				o.done = true
				break
			}
			time.Sleep(time.Millisecond)
			continue
		}
		waiting = time.Time{}

		switch st.Session.State {
		case engine.Idle:
			if o.started || st.Queued == 0 {
				o.done = true
				continue
			}
			o.engine.Play()
			continue
		case engine.Paused:
			o.done = true
			continue
		}
		o.started = true

		k := min(o.block, len(samples)-n)
		o.device.RenderInto(samples[n : n+k])
		n += k
	}
	return n, n > 0
}

func (o *Offline) Err() error {
	return o.err
}
