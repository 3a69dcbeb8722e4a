package pipeline

import (
	"io"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"

	"crossdeck/track"
)

// Source is an opened track, decoded and resampled to the engine rate,
// that is ready to be armed on a deck. A Source that is never armed must
// be closed by whoever opened it.
type Source struct {
	ref    track.Reference
	length time.Duration
	offset time.Duration

	s beep.Streamer
	// seek repositions the source; it runs with the device locked and may
	// replace s. nil when the source cannot seek in place.
	seek func(pos time.Duration) error

	closeOnce sync.Once
	close     func() error
	err       error

	// streaming metadata, used to reopen at a byte offset
	format        string
	contentLength int64
	ranges        bool
}

// NewSource wraps a streamer that already runs at the engine rate. If s
// is an io.Closer it is closed with the source.
func NewSource(ref track.Reference, s beep.Streamer, length time.Duration) *Source {
	src := &Source{ref: ref, s: s, length: length}
	if c, ok := s.(io.Closer); ok {
		src.close = c.Close
	}
	return src
}

// Ref returns the track the source was opened for.
func (s *Source) Ref() track.Reference { return s.ref }

// Duration returns the total length, or 0 when unknown.
func (s *Source) Duration() time.Duration { return s.length }

// Offset returns the position the source started at.
func (s *Source) Offset() time.Duration { return s.offset }

// Close releases the decoder and any connection behind it. It is safe to
// call more than once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		if s.close != nil {
			s.err = s.close()
		}
	})
	return s.err
}

// rangeSeekable reports whether the source can be reopened at a byte
// offset proportional to a position. Only constant-framed MP3 resyncs
// from an arbitrary offset.
func (s *Source) rangeSeekable() bool {
	return s.format == "mp3" && s.ranges && s.contentLength > 0 && s.length > 0
}

func (s *Source) Stream(samples [][2]float64) (int, bool) { return s.s.Stream(samples) }

func (s *Source) Err() error { return s.s.Err() }
