package analysis

import (
	"math"
	"math/cmplx"
	"time"

	"github.com/gopxl/beep/v2"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/stat"
)

// Key is a musical key. Values alternate major and minor starting at A.
type Key int

const (
	AMajor Key = iota
	AMinor
	BFlatMajor
	BFlatMinor
	BMajor
	BMinor
	CMajor
	CMinor
	DFlatMajor
	DFlatMinor
	DMajor
	DMinor
	EFlatMajor
	EFlatMinor
	EMajor
	EMinor
	FMajor
	FMinor
	GFlatMajor
	GFlatMinor
	GMajor
	GMinor
	AFlatMajor
	AFlatMinor
	Silence
)

var tonics = [12]string{"A", "Bb", "B", "C", "Db", "D", "Eb", "E", "F", "Gb", "G", "Ab"}

func (k Key) String() string {
	if k < 0 || k >= Silence {
		return "silence"
	}
	if k%2 == 0 {
		return tonics[k/2] + " major"
	}
	return tonics[k/2] + " minor"
}

// KeyEstimate is the progressive key of the current track.
type KeyEstimate struct {
	Key        Key
	Confidence float64
	Time       time.Time
}

const (
	keyChunk   = 16384
	keyMinFreq = 65.0
	keyMaxFreq = 2100.0
)

// Krumhansl-Kessler key profiles, tonic first.
var (
	majorProfile = []float64{6.35, 2.23, 3.48, 2.33, 4.38, 4.09, 2.52, 5.19, 2.39, 3.66, 2.29, 2.88}
	minorProfile = []float64{6.33, 2.68, 3.52, 5.38, 2.60, 3.53, 2.54, 4.75, 3.98, 2.69, 3.34, 3.17}
)

// KeyDetector accumulates a chromagram over fixed chunks of audio and
// matches it against the 24 major and minor key profiles.
type KeyDetector struct {
	sr     float64
	fft    *fourier.FFT
	window []float64
	buf    []float64
	coeffs []complex128
	// pitch class of each FFT bin relative to A, -1 outside the range
	class []int

	pending []float64
	chroma  [12]float64
	chunks  int
}

// NewKeyDetector creates a detector for audio at sr.
func NewKeyDetector(sr beep.SampleRate) *KeyDetector {
	ones := make([]float64, keyChunk)
	for i := range ones {
		ones[i] = 1
	}
	k := &KeyDetector{
		sr:     float64(sr),
		fft:    fourier.NewFFT(keyChunk),
		window: window.Hann(ones),
		buf:    make([]float64, keyChunk),
		coeffs: make([]complex128, keyChunk/2+1),
		class:  make([]int, keyChunk/2+1),
	}
	for i := range k.class {
		f := float64(i) * k.sr / keyChunk
		if f < keyMinFreq || f > keyMaxFreq {
			k.class[i] = -1
			continue
		}
		semis := int(math.Round(12 * math.Log2(f/440)))
		k.class[i] = ((semis % 12) + 12) % 12
	}
	return k
}

// Reset forgets the chromagram.
func (k *KeyDetector) Reset() {
	k.pending = k.pending[:0]
	k.chroma = [12]float64{}
	k.chunks = 0
}

// Feed adds mono samples. Complete chunks are folded into the chromagram.
func (k *KeyDetector) Feed(mono []float64) {
	k.pending = append(k.pending, mono...)
	for len(k.pending) >= keyChunk {
		k.chunk(k.pending[:keyChunk])
		k.pending = k.pending[keyChunk:]
	}
	k.pending = append(k.pending[:0:0], k.pending...)
}

func (k *KeyDetector) chunk(samples []float64) {
	for i, v := range samples {
		k.buf[i] = v * k.window[i]
	}
	k.coeffs = k.fft.Coefficients(k.coeffs, k.buf)
	for i, c := range k.coeffs {
		if pc := k.class[i]; pc >= 0 {
			m := cmplx.Abs(c)
			k.chroma[pc] += m * m
		}
	}
	k.chunks++
}

// Estimate returns the best matching key. It reports Silence before the
// first chunk or when the chromagram carries no energy.
func (k *KeyDetector) Estimate(now time.Time) KeyEstimate {
	var total float64
	for _, v := range k.chroma {
		total += v
	}
	if k.chunks == 0 || total < 1e-9 {
		return KeyEstimate{Key: Silence, Time: now}
	}

	chroma := make([]float64, 12)
	best, bestScore := Silence, math.Inf(-1)
	for tonic := range 12 {
		for i := range chroma {
			chroma[i] = k.chroma[(tonic+i)%12]
		}
		for mode, profile := range [][]float64{majorProfile, minorProfile} {
			score := stat.Correlation(chroma, profile, nil)
			if score > bestScore {
				best, bestScore = Key(2*tonic+mode), score
			}
		}
	}
	return KeyEstimate{Key: best, Confidence: max(bestScore, 0), Time: now}
}
