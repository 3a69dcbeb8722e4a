// Package output abstracts the sink the render graphs are attached to.
package output

import (
	"fmt"
	"sync"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
)

// Device is an output sink. Streamers passed to Play are pulled from the
// device's render thread; Lock/Unlock exclude that thread while the graph
// is rewired.
type Device interface {
	Name() string
	Init(sr beep.SampleRate, bufferSize int) error
	Play(s ...beep.Streamer)
	Lock()
	Unlock()
	Clear()
	Close()
}

// Speaker is the system default device, backed by the beep speaker.
type Speaker struct {
	mu     sync.Mutex
	inited bool
	sr     beep.SampleRate
	buf    int
}

var _ Device = (*Speaker)(nil)

// NewSpeaker returns the default output device. It is initialized lazily
// by the first pipeline that binds to it.
func NewSpeaker() *Speaker {
	return &Speaker{}
}

func (s *Speaker) Name() string { return "default" }

// Init initializes the speaker. Repeated calls with the same parameters
// are no-ops.
func (s *Speaker) Init(sr beep.SampleRate, bufferSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inited && s.sr == sr && s.buf == bufferSize {
		return nil
	}
	if err := speaker.Init(sr, bufferSize); err != nil {
		return fmt.Errorf("failed to initialize speaker: %w", err)
	}
	s.inited = true
	s.sr = sr
	s.buf = bufferSize
	return nil
}

func (s *Speaker) Play(streamers ...beep.Streamer) { speaker.Play(streamers...) }
func (s *Speaker) Lock()                           { speaker.Lock() }
func (s *Speaker) Unlock()                         { speaker.Unlock() }
func (s *Speaker) Clear()                          { speaker.Clear() }

// Close releases the audio device.
func (s *Speaker) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inited {
		speaker.Close()
		s.inited = false
	}
}
