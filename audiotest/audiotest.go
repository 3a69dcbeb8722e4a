// Package audiotest provides signal generators and fixtures for tests.
package audiotest

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"
)

// Format is the format fixtures are written in.
var Format = beep.Format{SampleRate: 44100, NumChannels: 2, Precision: 2}

// Sine returns n mono-identical stereo frames of a sine wave.
func Sine(sr beep.SampleRate, freq, amp float64, n int) [][2]float64 {
	out := make([][2]float64, n)
	for i := range out {
		v := amp * math.Sin(2*math.Pi*freq*float64(i)/float64(sr))
		out[i] = [2]float64{v, v}
	}
	return out
}

// Ramp returns n frames whose value encodes the frame index, so ordering
// can be checked after a round trip through 16-bit PCM. Values stay in
// (0, 0.5].
func Ramp(n int, start float64) [][2]float64 {
	out := make([][2]float64, n)
	for i := range out {
		v := start + float64(i)/float64(n)*0.25
		out[i] = [2]float64{v, v}
	}
	return out
}

// Constant returns n frames of value v.
func Constant(v float64, n int) [][2]float64 {
	out := make([][2]float64, n)
	for i := range out {
		out[i] = [2]float64{v, v}
	}
	return out
}

// Mono mixes frames to mono.
func Mono(frames [][2]float64) []float64 {
	out := make([]float64, len(frames))
	for i, f := range frames {
		out[i] = (f[0] + f[1]) / 2
	}
	return out
}

// Slice streams a fixed set of frames.
type Slice struct {
	Frames [][2]float64
	pos    int
}

func (s *Slice) Stream(samples [][2]float64) (int, bool) {
	if s.pos >= len(s.Frames) {
		return 0, false
	}
	n := copy(samples, s.Frames[s.pos:])
	s.pos += n
	return n, true
}

func (s *Slice) Err() error { return nil }

// WriteWAV writes frames to dir/name as a 16-bit stereo WAV file and
// returns its path.
func WriteWAV(t testing.TB, dir, name string, frames [][2]float64) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := wav.Encode(f, &Slice{Frames: frames}, Format); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
	return path
}

// Seconds returns the frame count of d seconds at the fixture rate.
func Seconds(d float64) int {
	return int(d * float64(Format.SampleRate))
}
