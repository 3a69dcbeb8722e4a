package output

import (
	"sync"

	"github.com/gopxl/beep/v2"
)

// Manual is a device without a clock: audio is produced only when Render
// is called. It is used for offline rendering and for driving the render
// graphs deterministically.
type Manual struct {
	name string

	// InitErr, when set, is returned by Init.
	InitErr error

	mu        sync.Mutex
	sr        beep.SampleRate
	streamers []beep.Streamer
	scratch   [][2]float64
	rendered  int
	closed    bool
}

var _ Device = (*Manual)(nil)

// NewManual creates a pull-driven device.
func NewManual(name string) *Manual {
	return &Manual{name: name}
}

func (m *Manual) Name() string { return m.name }

func (m *Manual) Init(sr beep.SampleRate, _ int) error {
	if m.InitErr != nil {
		return m.InitErr
	}
	m.mu.Lock()
	m.sr = sr
	m.closed = false
	m.mu.Unlock()
	return nil
}

func (m *Manual) Play(s ...beep.Streamer) {
	m.mu.Lock()
	m.streamers = append(m.streamers, s...)
	m.mu.Unlock()
}

func (m *Manual) Lock()   { m.mu.Lock() }
func (m *Manual) Unlock() { m.mu.Unlock() }

func (m *Manual) Clear() {
	m.mu.Lock()
	m.streamers = nil
	m.mu.Unlock()
}

func (m *Manual) Close() {
	m.mu.Lock()
	m.streamers = nil
	m.closed = true
	m.mu.Unlock()
}

// Closed reports whether Close was called since the last Init.
func (m *Manual) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Active returns the number of streamers attached to the device.
func (m *Manual) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streamers)
}

// Rendered returns the number of frames rendered so far.
func (m *Manual) Rendered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rendered
}

// Render mixes n frames from every attached streamer. Drained streamers are
// detached, like the speaker does.
func (m *Manual) Render(n int) [][2]float64 {
	out := make([][2]float64, n)
	m.RenderInto(out)
	return out
}

// RenderInto fills out with the next len(out) frames.
func (m *Manual) RenderInto(out [][2]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(out)
	if len(m.scratch) < len(out) {
		m.scratch = make([][2]float64, len(out))
	}
	tmp := m.scratch[:len(out)]

	live := m.streamers[:0]
	for _, s := range m.streamers {
		sn, ok := s.Stream(tmp)
		for i := range sn {
			out[i][0] += tmp[i][0]
			out[i][1] += tmp[i][1]
		}
		if ok {
			live = append(live, s)
		}
	}
	m.streamers = live
	m.rendered += len(out)
}

// SampleRate returns the rate the device was initialized with.
func (m *Manual) SampleRate() beep.SampleRate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sr
}
