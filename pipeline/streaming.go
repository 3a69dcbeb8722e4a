package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep/v2"

	"crossdeck/decode"
	"crossdeck/track"
)

// Streaming renders tracks fetched over HTTP(S) with progressive decode.
// Its tap sits after the volume stage and is compensated for it.
type Streaming struct {
	*graph
	sopts  StreamOptions
	client *http.Client

	// Track-switch guard: loads in flight, and a loaded source that was
	// not armed yet.
	loading atomic.Int32
	unarmed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

var _ Pipeline = (*Streaming)(nil)

// NewStreaming creates an unbound streaming pipeline.
func NewStreaming(opts Options, sopts StreamOptions) *Streaming {
	d := DefaultStreamOptions()
	if sopts.ConnectTimeout <= 0 {
		sopts.ConnectTimeout = d.ConnectTimeout
	}
	if sopts.ReadTimeout <= 0 {
		sopts.ReadTimeout = d.ReadTimeout
	}
	if sopts.MaxRetries < 0 {
		sopts.MaxRetries = 0
	}
	if sopts.RetryDelay <= 0 {
		sopts.RetryDelay = d.RetryDelay
	}
	if sopts.Prefill <= 0 {
		sopts.Prefill = d.Prefill
	}
	if sopts.Buffer < sopts.Prefill {
		sopts.Buffer = max(d.Buffer, 2*sopts.Prefill)
	}
	if sopts.UserAgent == "" {
		sopts.UserAgent = d.UserAgent
	}

	client := sopts.Client
	if client == nil {
		client = &http.Client{
			// No overall timeout: streams are long-lived.
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout: sopts.ConnectTimeout,
				}).DialContext,
				TLSHandshakeTimeout:   sopts.ConnectTimeout,
				ResponseHeaderTimeout: sopts.ConnectTimeout,
				MaxIdleConns:          10,
				IdleConnTimeout:       90 * time.Second,
				DisableCompression:    true,
			},
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Streaming{
		graph:  newGraph("streaming", track.Remote, opts, true),
		sopts:  sopts,
		client: client,
		ctx:    ctx,
		cancel: cancel,
	}
	p.suppressFinished = p.switching
	return p
}

func (p *Streaming) switching() bool {
	return p.loading.Load() > 0 || p.unarmed.Load()
}

// Load opens ref to replace the current source. Until the result is armed,
// Finished events from the current source are suppressed.
func (p *Streaming) Load(ctx context.Context, ref track.Reference) (*Source, error) {
	p.loading.Add(1)
	defer p.loading.Add(-1)
	src, err := p.open(ctx, ref, 0, 0)
	if err == nil {
		p.unarmed.Store(true)
	}
	return src, err
}

func (p *Streaming) Open(ctx context.Context, ref track.Reference) (*Source, error) {
	return p.open(ctx, ref, 0, 0)
}

func (p *Streaming) Arm(src *Source, gen uint64) {
	p.graph.Arm(src, gen)
	p.unarmed.Store(false)
}

func (p *Streaming) Stop() {
	p.unarmed.Store(false)
	p.graph.Stop()
}

// Seek reopens the stream at a byte offset proportional to pos. It needs
// an MP3 stream from a server that accepts ranges, with a known length
// and duration. The deck is retagged immediately; the reopened source
// replaces the current one only if nothing retagged it since.
func (p *Streaming) Seek(pos time.Duration, gen uint64) error {
	p.mu.Lock()
	d := p.decks[p.primary]
	src := d.playing.Load()
	switch {
	case src == nil:
		p.mu.Unlock()
		return ErrNoSource
	case !src.rangeSeekable():
		p.mu.Unlock()
		return ErrNotSeekable
	}
	pos = min(max(pos, 0), src.length)
	d.gen.Store(gen)
	p.mu.Unlock()

	offset := int64(float64(src.contentLength) * (pos.Seconds() / src.length.Seconds()))
	go func() {
		next, err := p.open(p.ctx, src.ref, pos, offset)
		if err != nil {
			if p.ctx.Err() == nil {
				p.emit(Event{Kind: Failed, Gen: gen, Ref: src.ref, Err: err})
			}
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed || p.decks[p.primary] != d || d.gen.Load() != gen {
			next.Close()
			return
		}
		p.locked(func() {
			if d.cur != nil {
				go d.cur.Close()
			}
			d.clearNext()
			d.cur = next
			d.played.Store(0)
			d.playing.Store(next)
		})
		p.logger.Debug("Seeked", slog.Duration("position", pos), slog.Uint64("generation", gen))
	}()
	return nil
}

func (p *Streaming) Close() error {
	p.cancel()
	return p.graph.Close()
}

// connection is one HTTP response feeding a decoder.
type connection struct {
	body   *idleReader
	start  int64
	length int64
	ranges bool
	format string
}

// open connects, starts the fetch goroutine and waits until the prefill
// is buffered. ctx bounds only the wait; the fetch runs until the source
// is closed.
func (p *Streaming) open(ctx context.Context, ref track.Reference, at time.Duration, offset int64) (*Source, error) {
	fctx, cancel := context.WithCancel(p.ctx)
	stop := context.AfterFunc(ctx, cancel)

	conn, s, err := p.dial(fctx, ref, offset)
	if err != nil {
		stop()
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	sr := p.opts.SampleRate
	ns := newNetSource(sr.N(p.sopts.Buffer))
	fetchDone := make(chan struct{})
	go func() {
		defer close(fetchDone)
		p.fetch(fctx, ref, ns, conn, s)
	}()

	src := &Source{
		ref:           ref,
		length:        ref.Duration,
		offset:        at,
		s:             ns,
		format:        conn.format,
		contentLength: conn.length,
		ranges:        conn.ranges,
		close: func() error {
			cancel()
			<-fetchDone
			return nil
		},
	}

	select {
	case <-ns.ready:
	case <-ctx.Done():
	}
	stop()
	if err := ctx.Err(); err != nil {
		src.Close()
		return nil, err
	}
	if err := ns.Err(); err != nil && ns.buffered.Load() == 0 {
		src.Close()
		return nil, err
	}
	p.logger.Debug("Stream ready",
		slog.String("track", ref.String()),
		slog.String("format", conn.format),
		slog.Int64("length", conn.length),
		slog.Bool("ranges", conn.ranges))
	return src, nil
}

func (p *Streaming) decoder(ctx context.Context, ref track.Reference, conn *connection) (beep.Streamer, error) {
	stop := context.AfterFunc(ctx, func() { conn.body.Close() })
	dec, f, err := decode.Stream(ref.URI, conn.body, conn.format, p.opts.Decode)
	stop()
	if err != nil {
		return nil, err
	}
	return &closingStreamer{
		Streamer: resample(dec, f.SampleRate, p.opts.SampleRate),
		close:    dec.Close,
	}, nil
}

// fetch pumps decoded audio into ns until the stream ends, reconnecting
// after transport failures. MP3 streams that accept ranges resume at the
// byte offset reached, other streams with a known length restart and skip
// the frames already decoded, and live streams resume wherever the server
// is now.
func (p *Streaming) fetch(ctx context.Context, ref track.Reference, ns *netSource, conn *connection, s beep.Streamer) {
	prefill := int64(p.opts.SampleRate.N(p.sopts.Prefill))
	var filled int64

	for {
		stop := context.AfterFunc(ctx, func() { conn.body.Close() })
		err := p.pump(ctx, ns, s, prefill, &filled)
		stop()
		if c, ok := s.(io.Closer); ok {
			c.Close()
		}
		if err == nil || ctx.Err() != nil {
			ns.finish(nil)
			return
		}

		consumed := conn.start + conn.body.read.Load()
		resumable := conn.format == "mp3" && conn.ranges && conn.length > 0
		if resumable && consumed >= conn.length {
			ns.finish(nil)
			return
		}
		if conn.body.failure() == nil {
			ns.finish(&decode.DecodeError{URI: ref.URI, Err: err})
			return
		}

		var from, skip int64
		switch {
		case resumable:
			from = consumed
		case conn.length > 0:
			skip = filled
		}

		p.logger.Warn("Stream interrupted, reconnecting",
			slog.String("track", ref.String()),
			slog.Int64("offset", from),
			slog.Int64("skip_frames", skip),
			slog.Any("error", err))
		conn, s, err = p.dial(ctx, ref, from)
		if err == nil && skip > 0 {
			err = skipFrames(s, skip)
			if err != nil {
				s.(io.Closer).Close()
				err = &NetworkError{URI: ref.URI, Attempts: 1, Err: err}
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				err = nil
			}
			ns.finish(err)
			return
		}
	}
}

// skipFrames decodes and discards n frames.
func skipFrames(s beep.Streamer, n int64) error {
	buf := make([][2]float64, chunkFrames)
	for n > 0 {
		k, ok := s.Stream(buf[:min(int64(len(buf)), n)])
		n -= int64(k)
		if !ok {
			if err := s.Err(); err != nil {
				return err
			}
			if n > 0 {
				return io.ErrUnexpectedEOF
			}
		}
	}
	return nil
}

func (p *Streaming) pump(ctx context.Context, ns *netSource, s beep.Streamer, prefill int64, filled *int64) error {
	for {
		c := ns.chunk()
		n, ok := s.Stream(c)
		if n > 0 {
			select {
			case ns.chunks <- c[:n]:
			case <-ctx.Done():
				return nil
			}
			ns.buffered.Add(int64(n))
			*filled += int64(n)
			if *filled >= prefill {
				ns.markReady()
			}
		}
		if !ok {
			return s.Err()
		}
	}
}

// dial connects and reads far enough to set up the decoder, retrying
// with exponential backoff. A stream that stalls or drops while the
// decoder reads its header is retried like a failed connect; a header the
// decoder rejects is not.
func (p *Streaming) dial(ctx context.Context, ref track.Reference, from int64) (*connection, beep.Streamer, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= p.sopts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.sopts.RetryDelay << (attempt - 1)
			p.logger.Warn("Stream connect failed, retrying",
				slog.String("track", ref.String()),
				slog.Int("attempt", attempt),
				slog.Int("max_retries", p.sopts.MaxRetries),
				slog.Duration("delay", delay),
				slog.Any("error", lastErr))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}
		attempts++
		conn, err := p.request(ctx, ref, from)
		if err == nil {
			var s beep.Streamer
			s, err = p.decoder(ctx, ref, conn)
			if err == nil {
				return conn, s, nil
			}
			failure := conn.body.failure()
			if failure == nil && ctx.Err() == nil {
				return nil, nil, err
			}
			if failure != nil {
				err = fmt.Errorf("failed to read stream header: %w", failure)
			}
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		lastErr = err
		if isNonRetryable(err) {
			break
		}
	}
	return nil, nil, &NetworkError{URI: ref.URI, Attempts: attempts, Err: lastErr}
}

func (p *Streaming) request(ctx context.Context, ref track.Reference, from int64) (*connection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", p.sopts.UserAgent)
	if from > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", from))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stream: %w", err)
	}

	conn := &connection{
		ranges: resp.Header.Get("Accept-Ranges") == "bytes",
		format: decode.Normalize(ref.Format),
	}
	if conn.format == "" {
		conn.format = decode.FormatFromContentType(resp.Header.Get("Content-Type"))
	}
	if conn.format == "" {
		conn.format = "mp3"
	}

	switch resp.StatusCode {
	case http.StatusOK:
		conn.length = resp.ContentLength
		if from > 0 {
			// Range ignored; skip ahead by hand.
			if _, err := io.CopyN(io.Discard, resp.Body, from); err != nil {
				resp.Body.Close()
				return nil, fmt.Errorf("failed to skip to offset %d: %w", from, err)
			}
			conn.start = from
		}
	case http.StatusPartialContent:
		conn.ranges = true
		conn.start = from
		conn.length = totalLength(resp.Header.Get("Content-Range"))
	default:
		resp.Body.Close()
		return nil, &httpStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	conn.body = newIdleReader(resp.Body, p.sopts.ReadTimeout)
	return conn, nil
}

// totalLength parses the complete length from "bytes a-b/total".
func totalLength(contentRange string) int64 {
	_, total, ok := strings.Cut(contentRange, "/")
	if !ok || total == "*" {
		return -1
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// closingStreamer pairs a resampled streamer with the decoder under it.
type closingStreamer struct {
	beep.Streamer
	close func() error
}

func (s *closingStreamer) Close() error { return s.close() }

// IsNetworkError reports whether err is an exhausted network failure.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
