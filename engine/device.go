package engine

import (
	"errors"
	"log/slog"

	"crossdeck/output"
	"crossdeck/pipeline"
)

// SetOutputDevice moves both render graphs to dev. On failure they are
// moved back and the *pipeline.DeviceError is returned.
func (e *Engine) SetOutputDevice(dev output.Device) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return pipeline.ErrClosed
	}
	if dev == e.device {
		return nil
	}

	old := e.device
	old.Clear()
	if err := e.rebind(dev); err != nil {
		e.logger.Error("Failed to switch output device",
			slog.String("device", dev.Name()),
			slog.Any("error", err))
		if rerr := e.rebind(old); rerr != nil {
			e.logger.Error("Failed to restore output device", slog.Any("error", rerr))
		}
		return err
	}
	e.device = dev
	e.ownsDevice = false
	e.logger.Info("Output device changed", slog.String("device", dev.Name()))
	return nil
}

// DeviceLost is called when the current output device disappeared. The
// graphs move to the fallback device and carry on from where they were.
// If that fails too, playback is paused and observers receive a
// *pipeline.DeviceError.
func (e *Engine) DeviceLost(cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	lost := e.device
	e.logger.Warn("Output device lost", slog.String("device", lost.Name()), slog.Any("error", cause))
	lost.Clear()

	fallback := e.opts.Fallback()
	if err := e.rebind(fallback); err != nil {
		var derr *pipeline.DeviceError
		if !errors.As(err, &derr) {
			derr = &pipeline.DeviceError{Device: fallback.Name(), Err: err}
		}
		e.logger.Error("Failed to reconnect output", slog.Any("error", derr))
		if e.session.State.audible() {
			e.active.Pause()
			e.setState(Paused)
		}
		e.publishTrack(TrackEvent{Kind: TrackFailed, Ref: e.session.Ref, Err: derr})
		return
	}
	e.device = fallback
	e.ownsDevice = true

	attrs := []any{slog.String("device", fallback.Name())}
	if e.active != nil {
		attrs = append(attrs, slog.Duration("position", e.active.Position()))
	}
	e.logger.Info("Playback moved to fallback device", attrs...)
}

// rebind detaches every pipeline from its device and binds it to dev.
// Callers hold e.mu.
func (e *Engine) rebind(dev output.Device) error {
	for _, p := range e.pipelines() {
		p.Unbind()
		if err := p.Bind(dev); err != nil {
			return err
		}
	}
	return nil
}
