// Package machine runs an engine for the command line. It builds the
// engine from the configuration, drives it, watches the output for stalls
// and forwards now-playing notifications.
package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"crossdeck/config"
	"crossdeck/engine"
	"crossdeck/logger"
	"crossdeck/output"
	"crossdeck/track"
)

// Machine represents the main application state
type Machine struct {
	config    *config.Config
	device    output.Device
	configure []func(*engine.Options)

	engine  *engine.Engine
	monitor *StallMonitor
	webhook *WebhookNotifier
	logger  *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	errorChan chan error
	done      chan struct{}
	doneOnce  sync.Once
}

// New creates a new Machine instance. A nil dev plays on the system
// speaker. configure may adjust the engine options derived from cfg.
func New(cfg *config.Config, dev output.Device, configure ...func(*engine.Options)) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		config:    cfg,
		device:    dev,
		configure: configure,
		logger:    logger.WithComponent("machine"),
		ctx:       ctx,
		cancel:    cancel,
		errorChan: make(chan error, 10),
		done:      make(chan struct{}),
	}
}

// Initialize creates the engine
func (m *Machine) Initialize() error {
	m.logger.Info("Initializing machine...")

	opts, err := m.config.Engine()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for _, fn := range m.configure {
		fn(&opts)
	}

	e, err := engine.New(opts, m.device)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	m.engine = e
	m.engine.Subscribe(&sessionLog{machine: m})

	if m.config.Audio.StallTimeout > 0 {
		m.monitor = NewStallMonitor(e, m.config.Audio.StallTimeout, &m.wg)
	}
	if url := m.config.Notify.WebhookURL; url != "" {
		m.webhook = NewWebhookNotifier(url, m.config.Notify.Timeout, &m.wg)
		m.engine.Subscribe(m.webhook)
	}

	m.logger.Info("Machine initialized successfully")
	return nil
}

// Start begins driving the engine
func (m *Machine) Start() error {
	if m.engine == nil {
		return errors.New("machine is not initialized")
	}
	m.logger.Info("Starting machine operations...")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.engine.Run(m.ctx); err != nil {
			m.logger.Error("Engine stopped with error", slog.Any("error", err))
			select {
			case m.errorChan <- err:
			default:
			}
		}
	}()

	if m.monitor != nil {
		m.monitor.SetContext(m.ctx)
		m.monitor.Start()
	}
	if m.webhook != nil {
		m.webhook.Start(m.ctx)
	}

	m.logger.Info("Machine started successfully")
	return nil
}

// Stop gracefully shuts down the machine
func (m *Machine) Stop() error {
	m.logger.Info("Stopping machine...")

	m.cancel()
	if m.monitor != nil {
		m.monitor.Stop()
	}

	var err error
	if m.engine != nil {
		err = m.engine.Close()
	}
	m.wg.Wait()

	m.logger.Info("Machine stopped")
	return err
}

// Engine returns the engine created by Initialize.
func (m *Machine) Engine() *engine.Engine {
	return m.engine
}

// Play queues refs and starts playback.
func (m *Machine) Play(refs ...track.Reference) error {
	if m.engine == nil {
		return errors.New("machine is not initialized")
	}
	if len(refs) == 0 {
		return errors.New("nothing to play")
	}
	m.engine.Enqueue(refs...)
	m.engine.Play()
	return nil
}

// Error returns the error channel for monitoring errors
func (m *Machine) Error() <-chan error {
	return m.errorChan
}

// Done is closed once playback ran out of tracks or was stopped.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// sessionLog logs track changes and failures, and closes done when the
// session ends with nothing left to play.
type sessionLog struct {
	engine.NopObserver
	machine *Machine
	started bool
	current string
}

func (s *sessionLog) SessionChanged(sess engine.Session) {
	m := s.machine
	switch sess.State {
	case engine.Loading:
		s.started = true
	case engine.Playing:
		if sess.Ref.ID != s.current {
			s.current = sess.Ref.ID
			m.logger.Info("Now playing",
				slog.String("track", sess.Ref.String()),
				slog.String("pipeline", sess.Pipeline.String()))
		}
	case engine.Idle:
		s.current = ""
		if s.started && m.engine.Status().Queued == 0 {
			m.doneOnce.Do(func() { close(m.done) })
		}
	}
}

func (s *sessionLog) TrackEvent(ev engine.TrackEvent) {
	if ev.Kind == engine.TrackFailed {
		s.machine.logger.Warn("Track failed",
			slog.String("track", ev.Ref.String()),
			slog.Any("error", ev.Err))
	}
}
