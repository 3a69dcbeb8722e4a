package pipeline

import (
	"math"
	"testing"

	"crossdeck/audiotest"
)

func TestTapLatestAndReadSince(t *testing.T) {
	frames := audiotest.Ramp(100, 0.1)
	tap := NewTap(&audiotest.Slice{Frames: frames}, 64, nil)

	buf := make([][2]float64, 40)
	tap.Stream(buf)

	latest := make([]float64, 50)
	tap.Latest(latest)
	for i := range 10 {
		if latest[i] != 0 {
			t.Fatalf("latest[%d] = %v, want zero padding", i, latest[i])
		}
	}
	if latest[49] != frames[39][0] {
		t.Errorf("latest[49] = %v, want %v", latest[49], frames[39][0])
	}

	tap.Stream(buf)
	dst := make([]float64, 128)
	n, next := tap.ReadSince(0, dst)
	// 80 written into a ring of 64: the oldest 16 are gone.
	if n != 64 || next != 80 {
		t.Fatalf("ReadSince(0) = %d, %d, want 64, 80", n, next)
	}
	if dst[0] != frames[16][0] {
		t.Errorf("oldest sample = %v, want %v", dst[0], frames[16][0])
	}
	if n, _ := tap.ReadSince(next, dst); n != 0 {
		t.Errorf("ReadSince(current) = %d, want 0", n)
	}
}

func TestTapDropsWhileReaderHoldsBuffer(t *testing.T) {
	tap := NewTap(&audiotest.Slice{Frames: audiotest.Constant(0.2, 100)}, 64, nil)
	tap.mu.Lock()
	buf := make([][2]float64, 30)
	n, ok := tap.Stream(buf)
	tap.mu.Unlock()

	if n != 30 || !ok || buf[0][0] != 0.2 {
		t.Fatalf("Stream() = %d, %v; audio must pass while the tap is busy", n, ok)
	}
	if tap.Dropped() != 30 || tap.Written() != 0 {
		t.Errorf("Dropped() = %d, Written() = %d, want 30, 0", tap.Dropped(), tap.Written())
	}
}

func TestTapScale(t *testing.T) {
	tap := NewTap(&audiotest.Slice{Frames: audiotest.Constant(0.1, 10)}, 16, func() float64 { return 4 })
	buf := make([][2]float64, 10)
	tap.Stream(buf)

	if buf[0][0] != 0.1 {
		t.Errorf("audio = %v, scale must only apply to the copy", buf[0][0])
	}
	got := make([]float64, 1)
	tap.Latest(got)
	if math.Abs(got[0]-0.4) > 1e-12 {
		t.Errorf("tapped = %v, want 0.4", got[0])
	}
}

func TestCompensation(t *testing.T) {
	g := newGraph("test", 0, DefaultOptions(), true)
	tests := []struct {
		volume float64
		want   float64
	}{
		{1, 1},
		{0.5, 2},
		{0.1, 10},
		{0.05, 20},
		{0.01, 20},
		{0, 20},
	}
	for _, tt := range tests {
		g.volume.Store(tt.volume)
		if got := g.compensation(); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("compensation(%v) = %v, want %v", tt.volume, got, tt.want)
		}
	}
}

func TestLimiter(t *testing.T) {
	sr := audiotest.Format.SampleRate

	quiet := audiotest.Sine(sr, 440, 0.8, 4096)
	in := append([][2]float64(nil), quiet...)
	l := NewLimiter(&audiotest.Slice{Frames: in}, sr, -1, 0.05)
	out := make([][2]float64, len(in))
	l.Stream(out)
	for i := range out {
		if out[i] != quiet[i] {
			t.Fatalf("frame %d changed below threshold: %v != %v", i, out[i], quiet[i])
		}
	}

	loud := audiotest.Sine(sr, 440, 1.6, 4096)
	l = NewLimiter(&audiotest.Slice{Frames: loud}, sr, -1, 0.05)
	l.Stream(out)
	ceiling := math.Pow(10, -1.0/20)
	for i := range out {
		if math.Abs(out[i][0]) > ceiling+1e-9 {
			t.Fatalf("frame %d = %v exceeds ceiling %v", i, out[i][0], ceiling)
		}
	}
	if l.Gain() >= 1 {
		t.Errorf("Gain() = %v, want reduction", l.Gain())
	}
}
