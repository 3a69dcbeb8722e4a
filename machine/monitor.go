package machine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"crossdeck/engine"
	"crossdeck/logger"
)

// ErrStalled is the cause passed to DeviceLost when the output stopped
// pulling audio.
var ErrStalled = errors.New("output stalled")

// Watched is the part of the engine the stall monitor needs.
type Watched interface {
	Status() engine.Status
	DeviceLost(cause error)
}

// StallMonitor reports the output device as lost when the playback
// position stands still while the session is audible.
type StallMonitor struct {
	target      Watched
	timeout     time.Duration
	interval    time.Duration
	logger      *slog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	wg          *sync.WaitGroup
	stopChannel chan struct{}
	stopOnce    sync.Once

	gen   uint64
	pos   time.Duration
	since time.Time
}

// NewStallMonitor creates a new StallMonitor instance
func NewStallMonitor(target Watched, timeout time.Duration, wg *sync.WaitGroup) *StallMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	return &StallMonitor{
		target:      target,
		timeout:     timeout,
		interval:    max(timeout/4, 10*time.Millisecond),
		logger:      logger.WithComponent("stall-monitor"),
		ctx:         ctx,
		cancel:      cancel,
		wg:          wg,
		stopChannel: make(chan struct{}),
	}
}

// Start begins polling the engine
func (s *StallMonitor) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.logger.Debug("Starting stall monitoring", slog.Duration("timeout", s.timeout))

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				s.check(now)
			case <-s.ctx.Done():
				s.logger.Debug("Stall monitoring stopped")
				return
			case <-s.stopChannel:
				s.logger.Debug("Stall monitoring stopped via stop channel")
				return
			}
		}
	}()
}

// check compares the position with the last poll. It returns true when
// the device was reported lost.
func (s *StallMonitor) check(now time.Time) bool {
	st := s.target.Status()
	audible := st.Session.State == engine.Playing || st.Session.State == engine.Crossfading
	if !audible || st.Pending || st.Session.Generation != s.gen || st.Position != s.pos {
		s.gen = st.Session.Generation
		s.pos = st.Position
		s.since = now
		return false
	}
	if now.Sub(s.since) < s.timeout {
		return false
	}

	s.logger.Warn("Playback position stalled",
		slog.String("device", st.Device),
		slog.Duration("position", st.Position),
		slog.Duration("stalled", now.Sub(s.since)))
	s.target.DeviceLost(ErrStalled)
	s.since = now
	return true
}

// Stop stops stall monitoring
func (s *StallMonitor) Stop() {
	s.cancel()
	s.stopOnce.Do(func() { close(s.stopChannel) })
}

// SetContext updates the context for cancellation
func (s *StallMonitor) SetContext(ctx context.Context) {
	s.cancel() // Cancel the old context
	s.ctx, s.cancel = context.WithCancel(ctx)
}
