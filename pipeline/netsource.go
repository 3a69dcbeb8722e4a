package pipeline

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const chunkFrames = 1024

var errReadTimeout = errors.New("read timeout")

// netSource is the render side of a network stream: decoded chunks come
// in from the fetch goroutine over a bounded channel. Stream never waits;
// when the buffer runs dry it plays silence until more data arrives.
type netSource struct {
	chunks chan [][2]float64
	free   chan [][2]float64
	cur    [][2]float64
	pos    int
	done   bool

	ready     chan struct{}
	readyOnce sync.Once
	buffered  atomic.Int64
	underruns atomic.Int64

	err atomic.Pointer[error]
}

func newNetSource(bufferFrames int) *netSource {
	n := max(bufferFrames/chunkFrames, 2)
	return &netSource{
		chunks: make(chan [][2]float64, n),
		free:   make(chan [][2]float64, n),
		ready:  make(chan struct{}),
	}
}

func (s *netSource) Stream(samples [][2]float64) (n int, ok bool) {
	if s.done {
		return 0, false
	}
	for n < len(samples) {
		if s.pos >= len(s.cur) {
			s.recycle()
			select {
			case c, open := <-s.chunks:
				if !open {
					s.done = true
					return n, n > 0
				}
				s.cur, s.pos = c, 0
			default:
				s.underruns.Add(1)
				clear(samples[n:])
				return len(samples), true
			}
		}
		k := copy(samples[n:], s.cur[s.pos:])
		n += k
		s.pos += k
		s.buffered.Add(-int64(k))
	}
	return n, true
}

func (s *netSource) recycle() {
	if s.cur == nil {
		return
	}
	select {
	case s.free <- s.cur[:cap(s.cur)]:
	default:
	}
	s.cur = nil
}

func (s *netSource) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

// chunk returns an empty chunk for the fetch side.
func (s *netSource) chunk() [][2]float64 {
	select {
	case c := <-s.free:
		return c
	default:
		return make([][2]float64, chunkFrames)
	}
}

func (s *netSource) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// finish ends the stream. It must be called exactly once, by the fetch
// goroutine.
func (s *netSource) finish(err error) {
	if err != nil {
		s.err.Store(&err)
	}
	close(s.chunks)
	s.markReady()
}

// idleReader fails reads once no data arrived for timeout by closing the
// underlying body. It remembers the first transport failure so callers
// can tell a dropped connection from a corrupt stream.
type idleReader struct {
	rc       io.ReadCloser
	timeout  time.Duration
	timer    *time.Timer
	timedOut atomic.Bool
	read     atomic.Int64

	mu     sync.Mutex
	failed error
}

func newIdleReader(rc io.ReadCloser, timeout time.Duration) *idleReader {
	r := &idleReader{rc: rc, timeout: timeout}
	r.timer = time.AfterFunc(timeout, func() {
		r.timedOut.Store(true)
		rc.Close()
	})
	return r
}

func (r *idleReader) Read(p []byte) (int, error) {
	r.timer.Reset(r.timeout)
	n, err := r.rc.Read(p)
	r.read.Add(int64(n))
	if err != nil && r.timedOut.Load() {
		err = errReadTimeout
	}
	if err != nil && err != io.EOF {
		r.mu.Lock()
		if r.failed == nil {
			r.failed = err
		}
		r.mu.Unlock()
	}
	return n, err
}

// failure returns the first read error other than io.EOF, if any.
func (r *idleReader) failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

func (r *idleReader) Close() error {
	r.timer.Stop()
	return r.rc.Close()
}
