package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrStale marks a completion whose generation is no longer current.
	// It is never surfaced to observers.
	ErrStale = errors.New("stale generation")
	// ErrNotSeekable is returned by Seek when the source cannot seek.
	ErrNotSeekable = errors.New("source is not seekable")
	// ErrNoSource is returned by control calls on an empty pipeline.
	ErrNoSource = errors.New("no source loaded")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pipeline is closed")
)

// NetworkError reports a connect/read failure on the streaming pipeline
// after its retries were exhausted.
type NetworkError struct {
	URI      string
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network %s (after %d attempts): %v", e.URI, e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// DeviceError reports an output device that could not be (re)opened.
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return "output device " + e.Device + ": " + e.Err.Error()
}

func (e *DeviceError) Unwrap() error { return e.Err }

// httpStatusError is a non-200 answer from a stream server.
type httpStatusError struct {
	StatusCode int
	Status     string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("stream returned status %d: %s", e.StatusCode, e.Status)
}

func isNonRetryable(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case 401, 403, 404, 410:
			return true
		}
	}
	return false
}
