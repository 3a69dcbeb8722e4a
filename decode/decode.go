// Package decode turns audio containers into beep streamers.
//
// MP3, WAV, FLAC and Ogg Vorbis are decoded natively. Everything else (AAC,
// ALAC, M4A, AIFF, ...) goes through an ffmpeg process.
package decode

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"slices"
	"strings"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
)

// DecodeError reports an unsupported or corrupt container. It is never
// retried.
type DecodeError struct {
	URI string
	Err error
}

func (e *DecodeError) Error() string {
	return "decode " + e.URI + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ErrUnsupported is wrapped by DecodeError when no decoder handles a format.
var ErrUnsupported = errors.New("unsupported format")

// Options configure decoding.
type Options struct {
	// SampleRate is the rate ffmpeg resamples to. Native decoders keep the
	// file's rate; callers resample.
	SampleRate beep.SampleRate
	// FFmpeg is the ffmpeg executable. Empty means "ffmpeg" on PATH.
	FFmpeg string
	// DisableFFmpeg turns the fallback decoder off.
	DisableFFmpeg bool
}

// NativeFormats are the formats decoded without ffmpeg.
var NativeFormats = []string{"mp3", "wav", "flac", "ogg"}

// Native reports whether format is decoded without ffmpeg.
func Native(format string) bool {
	return slices.Contains(NativeFormats, Normalize(format))
}

// Normalize maps file extensions and aliases to a canonical format name.
func Normalize(format string) string {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "mp3", "mpeg", "mpga":
		return "mp3"
	case "wav", "wave":
		return "wav"
	case "flac":
		return "flac"
	case "ogg", "oga", "vorbis":
		return "ogg"
	case "aac", "aacp", "adts":
		return "aac"
	case "m4a", "mp4", "alac":
		return "m4a"
	case "aif", "aiff", "aifc":
		return "aiff"
	default:
		return strings.ToLower(format)
	}
}

// FormatFromContentType maps an HTTP Content-Type to a format name.
func FormatFromContentType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	switch mt {
	case "audio/mpeg", "audio/mp3", "audio/mpeg3":
		return "mp3"
	case "audio/ogg", "application/ogg", "audio/vorbis":
		return "ogg"
	case "audio/aac", "audio/aacp", "audio/x-aac":
		return "aac"
	case "audio/flac", "audio/x-flac":
		return "flac"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	}
	return ""
}

// File opens and decodes a local file. The returned streamer owns the file.
func File(path, format string, opts Options) (beep.StreamSeekCloser, beep.Format, error) {
	format = Normalize(format)
	if !Native(format) {
		if opts.DisableFFmpeg {
			return nil, beep.Format{}, &DecodeError{URI: path, Err: fmt.Errorf("%w: %s", ErrUnsupported, format)}
		}
		s, f, err := newFFmpegFile(path, opts)
		if err != nil {
			return nil, beep.Format{}, &DecodeError{URI: path, Err: err}
		}
		return s, f, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, beep.Format{}, &DecodeError{URI: path, Err: err}
	}
	s, sf, err := native(f, format)
	if err != nil {
		f.Close()
		return nil, beep.Format{}, &DecodeError{URI: path, Err: err}
	}
	return &fileStreamer{StreamSeekCloser: s, f: f}, sf, nil
}

// Stream decodes a non-seekable byte stream, e.g. an HTTP body. The
// returned streamer owns rc.
func Stream(uri string, rc io.ReadCloser, format string, opts Options) (beep.StreamCloser, beep.Format, error) {
	format = Normalize(format)
	if format == "wav" {
		rc = fullReader{rc}
	}
	if Native(format) {
		s, f, err := native(rc, format)
		if err != nil {
			rc.Close()
			return nil, beep.Format{}, &DecodeError{URI: uri, Err: err}
		}
		return s, f, nil
	}
	if opts.DisableFFmpeg {
		rc.Close()
		return nil, beep.Format{}, &DecodeError{URI: uri, Err: fmt.Errorf("%w: %s", ErrUnsupported, format)}
	}
	s, f, err := newFFmpegReader(rc, opts)
	if err != nil {
		rc.Close()
		return nil, beep.Format{}, &DecodeError{URI: uri, Err: err}
	}
	return s, f, nil
}

func native(rc io.ReadCloser, format string) (beep.StreamSeekCloser, beep.Format, error) {
	switch format {
	case "mp3":
		return mp3.Decode(rc)
	case "wav":
		return wav.Decode(rc)
	case "flac":
		return flac.Decode(rc)
	case "ogg":
		return vorbis.Decode(rc)
	}
	return nil, beep.Format{}, fmt.Errorf("%w: %s", ErrUnsupported, format)
}

// fullReader fills every read unless the stream ends or fails. The wav
// decoder drops the tail of a read that splits a frame.
type fullReader struct {
	io.ReadCloser
}

func (r fullReader) Read(p []byte) (int, error) {
	return io.ReadFull(r.ReadCloser, p)
}

// fileStreamer closes the backing file together with the decoder.
type fileStreamer struct {
	beep.StreamSeekCloser
	f *os.File
}

func (s *fileStreamer) Close() error {
	err := s.StreamSeekCloser.Close()
	if cerr := s.f.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) && err == nil {
		err = cerr
	}
	return err
}
