package output

import (
	"errors"
	"testing"

	"github.com/gopxl/beep/v2"
)

type constStreamer struct {
	value float64
	left  int
}

func (c *constStreamer) Stream(samples [][2]float64) (int, bool) {
	if c.left <= 0 {
		return 0, false
	}
	n := min(len(samples), c.left)
	for i := range n {
		samples[i] = [2]float64{c.value, c.value}
	}
	c.left -= n
	return n, true
}

func (c *constStreamer) Err() error { return nil }

func TestManualMixesAndDetaches(t *testing.T) {
	m := NewManual("test")
	if err := m.Init(beep.SampleRate(44100), 512); err != nil {
		t.Fatal(err)
	}
	m.Play(&constStreamer{value: 0.25, left: 4}, &constStreamer{value: 0.5, left: 100})

	out := m.Render(8)
	if out[0][0] != 0.75 {
		t.Errorf("mixed sample = %v, want 0.75", out[0][0])
	}
	if out[5][0] != 0.5 {
		t.Errorf("sample after first streamer drained = %v, want 0.5", out[5][0])
	}

	m.Render(8)
	if got := m.Active(); got != 1 {
		t.Errorf("Active() = %d, want 1", got)
	}
	if got := m.Rendered(); got != 16 {
		t.Errorf("Rendered() = %d, want 16", got)
	}
}

func TestManualInitError(t *testing.T) {
	m := NewManual("broken")
	m.InitErr = errors.New("device unplugged")
	if err := m.Init(beep.SampleRate(44100), 512); err == nil {
		t.Error("Init() error = nil, want error")
	}
}
