package eq

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"crossdeck/audiotest"
)

func TestClamp(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{-12, -12},
		{12, 12},
		{13.5, 12},
		{-40, -12},
		{6.25, 6.25},
	}
	for _, tt := range tests {
		if got := Clamp(tt.in); got != tt.want {
			t.Errorf("Clamp(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCoordinatorMirrorsPreampAndBand(t *testing.T) {
	c := NewCoordinator(State{})
	local, streaming := New(), New()
	c.Attach(local)
	c.Attach(streaming)

	c.SetPreamp(6)
	if _, err := c.SetBand(0, -3); err != nil {
		t.Fatal(err)
	}

	for name, e := range map[string]*Equalizer{"local": local, "streaming": streaming} {
		if got := e.Preamp(); got != 6 {
			t.Errorf("%s preamp = %v, want 6", name, got)
		}
		if got := e.Band(0); got != -3 {
			t.Errorf("%s band0 = %v, want -3", name, got)
		}
	}
}

func TestCoordinatorMirrorsEveryBand(t *testing.T) {
	c := NewCoordinator(State{})
	a, b := New(), New()
	c.Attach(a)
	c.Attach(b)

	rng := rand.New(rand.NewSource(1))
	for range 500 {
		i := rng.Intn(Bands)
		g := rng.Float64()*30 - 15
		applied, err := c.SetBand(i, g)
		if err != nil {
			t.Fatal(err)
		}
		want := Clamp(g)
		if applied != want {
			t.Fatalf("SetBand(%d, %v) applied %v, want %v", i, g, applied, want)
		}
		if a.Band(i) != want || b.Band(i) != want {
			t.Fatalf("band %d: instances report %v and %v, want %v", i, a.Band(i), b.Band(i), want)
		}
	}
	if a.State() != b.State() || a.State() != c.State() {
		t.Error("instances diverged from the coordinator state")
	}
}

func TestCoordinatorLateAttachAdoptsState(t *testing.T) {
	c := NewCoordinator(State{})
	first := New()
	c.Attach(first)
	c.SetPreamp(-4)
	c.SetBand(9, 20)

	late := New()
	c.Attach(late)
	if got := late.State(); got != c.State() {
		t.Errorf("late instance state = %+v, want %+v", got, c.State())
	}
	if late.Band(9) != 12 {
		t.Errorf("late band9 = %v, want 12", late.Band(9))
	}
}

func TestCoordinatorDetach(t *testing.T) {
	c := NewCoordinator(State{})
	e := New()
	c.Attach(e)
	c.Detach(e)
	c.SetPreamp(3)
	if e.Preamp() != 0 {
		t.Errorf("detached instance preamp = %v, want 0", e.Preamp())
	}
}

func TestSetBandOutOfRange(t *testing.T) {
	c := NewCoordinator(State{})
	for _, i := range []int{-1, Bands} {
		_, err := c.SetBand(i, 1)
		var be *BandError
		if !errors.As(err, &be) {
			t.Errorf("SetBand(%d) error = %v, want *BandError", i, err)
		}
	}
}

func rms(frames [][2]float64) float64 {
	var sum float64
	for _, f := range frames {
		sum += f[0] * f[0]
	}
	return math.Sqrt(sum / float64(len(frames)))
}

func TestFilterFlatIsIdentity(t *testing.T) {
	in := audiotest.Sine(44100, 1000, 0.5, 4096)
	e := New()
	s := e.Wrap(&audiotest.Slice{Frames: append([][2]float64(nil), in...)}, 44100)

	out := make([][2]float64, len(in))
	n, _ := s.Stream(out)
	if n != len(in) {
		t.Fatalf("streamed %d frames, want %d", n, len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("frame %d = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestFilterBoostAndCut(t *testing.T) {
	tests := []struct {
		name string
		band int
		gain float64
		want float64 // expected rms ratio, roughly 10^(gain/20)
	}{
		{name: "boost 1k", band: 4, gain: 6, want: math.Pow(10, 6.0/20)},
		{name: "cut 1k", band: 4, gain: -6, want: math.Pow(10, -6.0/20)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := audiotest.Sine(44100, Frequencies[tt.band], 0.25, 44100)
			e := New()
			e.SetBand(tt.band, tt.gain)
			s := e.Wrap(&audiotest.Slice{Frames: append([][2]float64(nil), in...)}, 44100)

			out := make([][2]float64, len(in))
			s.Stream(out)
			// Skip the filter's settling time.
			ratio := rms(out[4410:]) / rms(in[4410:])
			if math.Abs(ratio-tt.want) > 0.05*tt.want {
				t.Errorf("rms ratio = %.3f, want ≈%.3f", ratio, tt.want)
			}
		})
	}
}

func TestFilterPreamp(t *testing.T) {
	in := audiotest.Constant(0.1, 256)
	e := New()
	e.SetPreamp(6)
	s := e.Wrap(&audiotest.Slice{Frames: append([][2]float64(nil), in...)}, 44100)
	out := make([][2]float64, len(in))
	s.Stream(out)
	want := 0.1 * math.Pow(10, 6.0/20)
	if math.Abs(out[100][0]-want) > 1e-9 {
		t.Errorf("preamp output = %v, want %v", out[100][0], want)
	}
}
