package decode

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/ffmpeg-audio"
	"github.com/gopxl/beep/v2"
)

const bytesPerFrame = 4 // s16le stereo

// ffmpegStreamer decodes through an ffmpeg child process writing s16le
// stereo PCM to stdout. Local files are seekable by restarting ffmpeg at
// an offset; piped input is not.
type ffmpegStreamer struct {
	cfg    *ffmpeg.Config
	path   string    // empty for piped input
	input  io.Reader // piped input
	format beep.Format

	inputCloser io.Closer

	mu     sync.Mutex
	cmd    *exec.Cmd
	pipe   io.ReadCloser
	reader *bufio.Reader
	stderr *limitedBuffer
	buf    []byte
	pos    int
	err    error
	closed bool
}

func ffmpegConfig(opts Options) *ffmpeg.Config {
	sr := opts.SampleRate
	if sr == 0 {
		sr = 44100
	}
	cfg := ffmpeg.DefaultConfig()
	cfg.Apply([]ffmpeg.ConfigOpt{
		ffmpeg.WithChannels(2),
		ffmpeg.WithSampleRate(int(sr)),
	})
	if opts.FFmpeg != "" {
		cfg.Exec = opts.FFmpeg
	}
	return cfg
}

func newFFmpegFile(path string, opts Options) (*ffmpegStreamer, beep.Format, error) {
	cfg := ffmpegConfig(opts)
	s := &ffmpegStreamer{
		cfg:    cfg,
		path:   path,
		format: beep.Format{SampleRate: beep.SampleRate(cfg.SampleRate), NumChannels: 2, Precision: 2},
	}
	if err := s.start(0); err != nil {
		return nil, beep.Format{}, err
	}
	return s, s.format, nil
}

func newFFmpegReader(r io.Reader, opts Options) (*ffmpegStreamer, beep.Format, error) {
	cfg := ffmpegConfig(opts)
	s := &ffmpegStreamer{
		cfg:    cfg,
		input:  r,
		format: beep.Format{SampleRate: beep.SampleRate(cfg.SampleRate), NumChannels: 2, Precision: 2},
	}
	if rc, ok := r.(io.Closer); ok {
		s.inputCloser = rc
	}
	if err := s.start(0); err != nil {
		return nil, beep.Format{}, err
	}
	return s, s.format, nil
}

func (s *ffmpegStreamer) args(offset time.Duration) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if s.path != "" {
		if offset > 0 {
			args = append(args, "-ss", strconv.FormatFloat(offset.Seconds(), 'f', 3, 64))
		}
		args = append(args, "-i", s.path)
	} else {
		args = args[:len(args)-1] // stdin is the input
		args = append(args, "-i", "pipe:0")
	}
	return append(args,
		"-vn",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(s.cfg.SampleRate),
		"-ac", strconv.Itoa(s.cfg.Channels),
		"pipe:1",
	)
}

// start launches ffmpeg at the given frame offset and waits for the first
// bytes of output, so a container ffmpeg cannot open fails here rather
// than in the render thread.
func (s *ffmpegStreamer) start(frame int) error {
	cmd := exec.Command(s.cfg.Exec, s.args(s.format.SampleRate.D(frame))...)
	if s.input != nil {
		cmd.Stdin = s.input
	}
	stderr := &limitedBuffer{max: 4096}
	cmd.Stderr = stderr

	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	reader := bufio.NewReaderSize(pipe, s.cfg.BufferSize)
	if _, err := reader.Peek(bytesPerFrame); err != nil {
		if s.inputCloser != nil {
			_ = s.inputCloser.Close()
		}
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("ffmpeg produced no audio: %s", msg)
	}

	s.cmd = cmd
	s.pipe = pipe
	s.reader = reader
	s.stderr = stderr
	s.pos = frame
	s.err = nil
	return nil
}

func (s *ffmpegStreamer) stop() {
	if s.cmd == nil {
		return
	}
	// Unblocks the stdin copier so Wait can return.
	if s.inputCloser != nil {
		_ = s.inputCloser.Close()
	}
	_ = s.pipe.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	s.cmd = nil
}

func (s *ffmpegStreamer) Stream(samples [][2]float64) (n int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.reader == nil || s.err != nil {
		return 0, false
	}
	need := len(samples) * bytesPerFrame
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	buf := s.buf[:need]

	read, err := io.ReadFull(s.reader, buf)
	frames := read / bytesPerFrame
	for i := range frames {
		l := int16(uint16(buf[i*4]) | uint16(buf[i*4+1])<<8)
		r := int16(uint16(buf[i*4+2]) | uint16(buf[i*4+3])<<8)
		samples[i][0] = float64(l) / 32768
		samples[i][1] = float64(r) / 32768
	}
	s.pos += frames

	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		s.err = err
	}
	return frames, frames > 0
}

func (s *ffmpegStreamer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Len is unknown for ffmpeg output; the caller falls back to duration hints.
func (s *ffmpegStreamer) Len() int { return 0 }

func (s *ffmpegStreamer) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *ffmpegStreamer) Seek(p int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return errors.New("ffmpeg: piped input is not seekable")
	}
	s.stop()
	return s.start(p)
}

func (s *ffmpegStreamer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stop()
	return nil
}

// limitedBuffer keeps the first max bytes of ffmpeg's stderr.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		b.buf.Write(p[:min(len(p), room)])
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
