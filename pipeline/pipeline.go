// Package pipeline implements the two render graphs of the engine: the
// Local pipeline for decodable files and the Streaming pipeline for
// network media. Both share one graph layout:
//
//	deck A ─┐
//	        ├─ mixer ─ equalizer ─ limiter ─ tap/volume ─ ctrl ─ device
//	deck B ─┘
//
// Each deck holds a current source and an optional gapless successor.
// The second deck only carries audio during a crossfade.
package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/gopxl/beep/v2"

	"crossdeck/decode"
	"crossdeck/eq"
	"crossdeck/output"
	"crossdeck/track"
)

// Pipeline is the control surface shared by Local and Streaming.
//
// Generations are assigned by the caller. Every event raised by a deck
// carries the generation the deck was last tagged with.
type Pipeline interface {
	Kind() track.Kind

	// Load opens ref for replacing the current source. It may block on
	// I/O and must not be called with engine locks held.
	Load(ctx context.Context, ref track.Reference) (*Source, error)
	// Open opens ref for scheduling or crossfading.
	Open(ctx context.Context, ref track.Reference) (*Source, error)

	// Arm makes src the current source of the primary deck, discarding
	// everything else on both decks.
	Arm(src *Source, gen uint64)
	// ScheduleNext queues src to follow the primary source without a gap.
	ScheduleNext(src *Source)
	ClearNext()
	// StartIncoming starts src on the secondary deck at gain 0.
	StartIncoming(src *Source, gen uint64)
	// SetGains sets the outgoing (primary) and incoming gains.
	SetGains(out, in float64)
	Gains() (out, in float64)
	// Promote stops the outgoing deck and makes the incoming one primary
	// at full gain.
	Promote()
	// AbortIncoming stops the incoming deck, restores the outgoing gain
	// to 1 and retags the outgoing deck with gen.
	AbortIncoming(gen uint64)
	Retag(gen uint64)

	Play()
	Pause()
	Stop()
	Seek(pos time.Duration, gen uint64) error

	Current() (track.Reference, bool)
	Position() time.Duration
	Duration() time.Duration
	Volume() float64
	SetVolume(v float64)
	Tap() *Tap
	Equalizer() *eq.Equalizer

	// Bind attaches the graph to dev, detaching it from any previous
	// device.
	Bind(dev output.Device) error
	// Unbind forgets the device without touching it.
	Unbind()
	Close() error
}

// Options configures a pipeline.
type Options struct {
	SampleRate beep.SampleRate
	// BufferSize is the device buffer in frames.
	BufferSize int
	// TapSize is the analysis ring size in mono samples.
	TapSize int
	// Events receives completion signals. Sends never block; a full
	// channel drops the event.
	Events chan<- Event
	Decode decode.Options
	// LimiterThreshold in dBFS.
	LimiterThreshold float64
	LimiterRelease   time.Duration
}

// StreamOptions configures the network side of the Streaming pipeline.
type StreamOptions struct {
	Client         *http.Client
	UserAgent      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	// Prefill is the amount of decoded audio buffered before a source
	// counts as ready.
	Prefill time.Duration
	// Buffer bounds the decoded audio held ahead of the render thread.
	Buffer time.Duration
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	sr := beep.SampleRate(44100)
	return Options{
		SampleRate:       sr,
		BufferSize:       sr.N(50 * time.Millisecond),
		TapSize:          8192,
		LimiterThreshold: -1,
		LimiterRelease:   50 * time.Millisecond,
	}
}

// DefaultStreamOptions returns conservative network settings.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		UserAgent:      "crossdeck/1.0",
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    15 * time.Second,
		MaxRetries:     3,
		RetryDelay:     2 * time.Second,
		Prefill:        500 * time.Millisecond,
		Buffer:         5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SampleRate <= 0 {
		o.SampleRate = d.SampleRate
	}
	if o.BufferSize <= 0 {
		o.BufferSize = o.SampleRate.N(50 * time.Millisecond)
	}
	if o.TapSize <= 0 {
		o.TapSize = d.TapSize
	}
	if o.LimiterThreshold == 0 {
		o.LimiterThreshold = d.LimiterThreshold
	}
	if o.LimiterRelease <= 0 {
		o.LimiterRelease = d.LimiterRelease
	}
	if o.Decode.SampleRate <= 0 {
		o.Decode.SampleRate = o.SampleRate
	}
	return o
}
