package analysis

import (
	"math"
	"testing"
	"time"

	"crossdeck/audiotest"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const sr = 44100

func tone(freq, amp float64, n int) []float64 {
	return audiotest.Mono(audiotest.Sine(sr, freq, amp, n))
}

func mix(signals ...[]float64) []float64 {
	out := make([]float64, len(signals[0]))
	for _, s := range signals {
		for i, v := range s {
			out[i] += v
		}
	}
	return out
}

func argmax(bands [NumBands]float64) int {
	best := 0
	for i, v := range bands {
		if v > bands[best] {
			best = i
		}
	}
	return best
}

func maxOf(bands []float64) float64 {
	m := 0.0
	for _, v := range bands {
		m = max(m, v)
	}
	return m
}

func TestBandEdges(t *testing.T) {
	s := NewSpectrum(sr, Accurate)
	if got := s.bands[0].lo; math.Abs(got-20) > 1e-9 {
		t.Errorf("band 0 low edge = %v, want 20", got)
	}
	if got := s.bands[NumBands-1].hi; math.Abs(got-20000) > 1e-6 {
		t.Errorf("band 74 high edge = %v, want 20000", got)
	}
	for i := 1; i < NumBands; i++ {
		if s.bands[i].lo != s.bands[i-1].hi {
			t.Fatalf("band %d does not start where band %d ends", i, i-1)
		}
	}
}

func TestAccurateToneIsMonotonicInAmplitude(t *testing.T) {
	const want = 42 // 957 Hz to 1050 Hz
	prev := -1.0
	for _, amp := range []float64{0.01, 0.02, 0.04, 0.08, 0.16} {
		s := NewSpectrum(sr, Accurate)
		var frame SpectrumFrame
		for range 3 {
			frame = s.Process(tone(1000, amp, FFTSize), t0)
		}
		if got := argmax(frame.Bands); got != want {
			t.Fatalf("amplitude %v: dominant band = %d, want %d", amp, got, want)
		}
		v := frame.Bands[want]
		if v <= prev {
			t.Errorf("amplitude %v: band value %v not above %v", amp, v, prev)
		}
		prev = v
	}
}

func TestAccurateRisingAmplitudeSameAnalyzer(t *testing.T) {
	s := NewSpectrum(sr, Accurate)
	prev := -1.0
	for _, amp := range []float64{0.01, 0.02, 0.04, 0.08, 0.16} {
		v := s.Process(tone(1000, amp, FFTSize), t0).Bands[42]
		if v <= prev {
			t.Errorf("amplitude %v: %v not above %v", amp, v, prev)
		}
		prev = v
	}
}

func TestDynamicRegionsNormalizeIndependently(t *testing.T) {
	s := NewSpectrum(sr, Dynamic)
	var frame SpectrumFrame
	for range 100 {
		frame = s.Process(tone(60, 0.5, FFTSize), t0)
	}
	if bass := maxOf(frame.Bands[:25]); bass < 0.9 {
		t.Errorf("bass max = %v, want near full scale", bass)
	}
	if rest := maxOf(frame.Bands[25:]); rest > 0.05 {
		t.Errorf("mid/treble max = %v, want near zero", rest)
	}
}

func TestAdaptiveGlobalReferenceSuppressesQuietBass(t *testing.T) {
	signal := mix(tone(60, 0.05, FFTSize), tone(3000, 0.8, FFTSize))

	adaptive := NewSpectrum(sr, Adaptive)
	dynamic := NewSpectrum(sr, Dynamic)
	var a, d SpectrumFrame
	for range 200 {
		a = adaptive.Process(signal, t0)
		d = dynamic.Process(signal, t0)
	}
	if bass := maxOf(a.Bands[:25]); bass > 0.5 {
		t.Errorf("adaptive bass = %v, want suppressed by the treble peak", bass)
	}
	if bass := maxOf(d.Bands[:25]); bass < 0.9 {
		t.Errorf("dynamic bass = %v, want full scale", bass)
	}
}

func TestSmoothingDecayLaw(t *testing.T) {
	for _, mode := range []Mode{Accurate, Adaptive, Dynamic} {
		t.Run(mode.String(), func(t *testing.T) {
			s := NewSpectrum(sr, mode)
			loud := s.Process(tone(1000, 0.5, FFTSize), t0)
			quiet := s.Process(make([]float64, FFTSize), t0)
			for i := range loud.Bands {
				if want := loud.Bands[i] * 0.9; math.Abs(quiet.Bands[i]-want) > 1e-12 {
					t.Fatalf("band %d = %v, want %v", i, quiet.Bands[i], want)
				}
			}
		})
	}
}

func TestSmooth(t *testing.T) {
	tests := []struct {
		displayed, next, want float64
	}{
		{0.5, 0.8, 0.8},
		{0.8, 0.5, 0.8*0.9 + 0.5*0.1},
		{0.3, 0, 0.27},
		{0, 0, 0},
	}
	for _, tt := range tests {
		if got := smooth(tt.displayed, tt.next); math.Abs(got-tt.want) > 1e-15 {
			t.Errorf("smooth(%v, %v) = %v, want %v", tt.displayed, tt.next, got, tt.want)
		}
	}
}

func TestFrameIsACopy(t *testing.T) {
	s := NewSpectrum(sr, Accurate)
	first := s.Process(tone(1000, 0.5, FFTSize), t0)
	snapshot := first.Bands
	s.Process(make([]float64, FFTSize), t0)
	if first.Bands != snapshot {
		t.Error("published frame changed after the next cycle")
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{Accurate, Adaptive, Dynamic} {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseMode(%q) = %v, %v", m.String(), got, err)
		}
	}
	if _, err := ParseMode("loud"); err == nil {
		t.Error("ParseMode(loud) succeeded")
	}
}

func clickTrain(bpm float64, seconds float64) []float64 {
	n := int(seconds * sr)
	out := make([]float64, n)
	period := int(60 / bpm * sr)
	click := tone(2000, 0.8, 256)
	for start := 0; start < n; start += period {
		copy(out[start:min(start+len(click), n)], click)
	}
	return out
}

func feedTempo(tp *Tempo, signal []float64) []TempoEstimate {
	var out []TempoEstimate
	const block = 1024
	for i := 0; i < len(signal); i += block {
		end := min(i+block, len(signal))
		now := t0.Add(time.Duration(float64(end) / sr * float64(time.Second)))
		if est, ok := tp.Process(signal[i:end], now); ok {
			out = append(out, est)
		}
	}
	return out
}

func TestTempoClickTrain(t *testing.T) {
	for _, bpm := range []float64{90, 120, 150} {
		tp := NewTempo(sr, time.Second)
		ests := feedTempo(tp, clickTrain(bpm, 10))
		if len(ests) == 0 {
			t.Fatalf("%v BPM: no estimate", bpm)
		}
		last := ests[len(ests)-1]
		if math.Abs(last.BPM-bpm) > 3 {
			t.Errorf("%v BPM: estimated %v", bpm, last.BPM)
		}
		if !last.Usable() {
			t.Errorf("%v BPM: confidence %v", bpm, last.Confidence)
		}
		for i := 1; i < len(ests); i++ {
			if ests[i].Time.Sub(ests[i-1].Time) < time.Second {
				t.Fatalf("estimates %v apart, want at most one per second", ests[i].Time.Sub(ests[i-1].Time))
			}
		}
	}
}

func TestTempoSilence(t *testing.T) {
	tp := NewTempo(sr, time.Second)
	if ests := feedTempo(tp, make([]float64, 20*sr)); len(ests) != 0 {
		t.Errorf("silence produced %d estimates", len(ests))
	}
	if c := tp.Confidence(); c > MinConfidence {
		t.Errorf("Confidence() = %v on silence", c)
	}
}

func TestKeyDetector(t *testing.T) {
	k := NewKeyDetector(sr)
	if got := k.Estimate(t0).Key; got != Silence {
		t.Errorf("empty detector key = %v, want silence", got)
	}

	n := 4 * sr
	triad := mix(tone(440, 0.3, n), tone(554.37, 0.3, n), tone(659.26, 0.3, n))
	k.Feed(triad)
	if got := k.Estimate(t0); got.Key != AMajor {
		t.Errorf("A major triad detected as %v", got.Key)
	}

	k.Reset()
	k.Feed(make([]float64, n))
	if got := k.Estimate(t0).Key; got != Silence {
		t.Errorf("silence detected as %v", got)
	}
}

func TestKeyString(t *testing.T) {
	tests := map[Key]string{
		AMajor:     "A major",
		AMinor:     "A minor",
		DFlatMajor: "Db major",
		AFlatMinor: "Ab minor",
		Silence:    "silence",
	}
	for k, want := range tests {
		if got := k.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(k), got, want)
		}
	}
}
