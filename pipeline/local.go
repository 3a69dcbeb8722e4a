package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gopxl/beep/v2"

	"crossdeck/decode"
	"crossdeck/track"
)

// Local renders tracks decoded from the local filesystem. Its tap sits
// before the volume stage.
type Local struct {
	*graph
}

var _ Pipeline = (*Local)(nil)

// NewLocal creates an unbound local pipeline.
func NewLocal(opts Options) *Local {
	return &Local{graph: newGraph("local", track.Local, opts, false)}
}

// Load opens ref. The file is decoded lazily; only the header is read here.
func (l *Local) Load(ctx context.Context, ref track.Reference) (*Source, error) {
	return l.Open(ctx, ref)
}

func (l *Local) Open(ctx context.Context, ref track.Reference) (*Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := strings.TrimPrefix(ref.URI, "file://")
	raw, format, err := decode.File(path, ref.Format, l.opts.Decode)
	if err != nil {
		l.logger.Warn("Failed to open track", slog.String("track", ref.String()), slog.Any("error", err))
		return nil, err
	}

	sr := l.opts.SampleRate
	src := &Source{
		ref:    ref,
		length: ref.Duration,
		close:  raw.Close,
	}
	if raw.Len() > 0 {
		src.length = format.SampleRate.D(raw.Len())
	}
	src.s = resample(raw, format.SampleRate, sr)
	src.seek = func(pos time.Duration) error {
		n := max(format.SampleRate.N(pos), 0)
		if raw.Len() > 0 {
			n = min(n, raw.Len())
		}
		if err := raw.Seek(n); err != nil {
			return err
		}
		// The resampler buffers input, so it restarts with the source.
		src.s = resample(raw, format.SampleRate, sr)
		src.offset = format.SampleRate.D(n)
		return nil
	}
	if err := ctx.Err(); err != nil {
		src.Close()
		return nil, err
	}
	return src, nil
}

// Seek repositions the primary source, drops the scheduled successor and
// retags the deck with gen.
func (l *Local) Seek(pos time.Duration, gen uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	d := l.decks[l.primary]
	var err error
	l.locked(func() {
		switch {
		case d.cur == nil:
			err = ErrNoSource
		case d.cur.seek == nil:
			err = ErrNotSeekable
		default:
			if err = d.cur.seek(pos); err != nil {
				return
			}
			d.clearNext()
			d.played.Store(0)
			d.gen.Store(gen)
		}
	})
	if err != nil {
		return err
	}
	l.logger.Debug("Seeked", slog.Duration("position", pos), slog.Uint64("generation", gen))
	return nil
}

func resample(s beep.Streamer, from, to beep.SampleRate) beep.Streamer {
	if from == to {
		return s
	}
	return beep.Resample(4, from, to, s)
}
