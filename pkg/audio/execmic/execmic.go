// Package execmic provides an [audio.Device] backed by an external capture
// command that writes raw 16-bit PCM to stdout (ffmpeg, arecord, pw-record…).
//
// The command is started on Open and killed on Close, which releases the
// hardware device and switches off the system's input indicator. A command
// that cannot be started, or that exits during the start-up grace period
// (typically: permission denied, no such device), is reported as
// [audio.ErrDeviceUnavailable] together with its stderr output.
//
// Usage:
//
//	dev := execmic.New(execmic.WithCommand("arecord", "-q", "-f", "S16_LE", "-r", "16000", "-c", "1", "-t", "raw"))
//	sess := audio.NewCaptureSession(dev)
package execmic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/clinivox/clinivox/pkg/audio"
)

const (
	defaultChunkSize    = 3200
	defaultSampleRate   = 16000
	defaultChannels     = 1
	defaultStartupGrace = 250 * time.Millisecond

	// stopTimeout bounds how long Close waits after an interrupt before the
	// process is killed.
	stopTimeout = 2 * time.Second
)

// DefaultCommand captures the default ALSA input as 16 kHz mono PCM.
var DefaultCommand = []string{
	"ffmpeg", "-hide_banner", "-loglevel", "error",
	"-f", "alsa", "-i", "default",
	"-ac", "1", "-ar", "16000",
	"-f", "s16le", "-",
}

// Compile-time interface assertion.
var _ audio.Device = (*Device)(nil)

// Option is a functional option for configuring a Device.
type Option func(*Device)

// WithCommand replaces the capture command. The command must write headerless
// 16-bit little-endian PCM to stdout in the format given by WithFormat.
func WithCommand(name string, args ...string) Option {
	return func(d *Device) {
		d.command = append([]string{name}, args...)
	}
}

// WithFormat declares the sample rate and channel count the command emits.
func WithFormat(sampleRate, channels int) Option {
	return func(d *Device) {
		if sampleRate > 0 {
			d.sampleRate = sampleRate
		}
		if channels > 0 {
			d.channels = channels
		}
	}
}

// WithChunkSize sets the read size per chunk. Defaults to 3200 bytes.
func WithChunkSize(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.chunkSize = n
		}
	}
}

// WithStartupGrace sets how long Open waits for an early exit before it
// considers the device open. Defaults to 250 ms.
func WithStartupGrace(d time.Duration) Option {
	return func(dev *Device) {
		if d >= 0 {
			dev.startupGrace = d
		}
	}
}

// Device spawns one capture process per Open.
type Device struct {
	command      []string
	sampleRate   int
	channels     int
	chunkSize    int
	startupGrace time.Duration
}

// New creates a Device running [DefaultCommand] unless overridden.
func New(opts ...Option) *Device {
	d := &Device{
		command:      append([]string(nil), DefaultCommand...),
		sampleRate:   defaultSampleRate,
		channels:     defaultChannels,
		chunkSize:    defaultChunkSize,
		startupGrace: defaultStartupGrace,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Open implements [audio.Device].
func (d *Device) Open(ctx context.Context) (audio.Stream, error) {
	if len(d.command) == 0 {
		return nil, fmt.Errorf("execmic: empty capture command: %w", audio.ErrDeviceUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("execmic: %w", err)
	}

	// The process outlives ctx: it runs until Close.
	cmd := exec.Command(d.command[0], d.command[1:]...)
	cmd.WaitDelay = stopTimeout
	pr, pw := io.Pipe()
	var stderr bytes.Buffer
	cmd.Stdout = pw
	cmd.Stderr = &lockedBuffer{buf: &stderr}

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("execmic: start %q: %w: %w", d.command[0], audio.ErrDeviceUnavailable, err)
	}

	s := &stream{
		cmd:    cmd,
		stdout: pr,
		stderr: cmd.Stderr.(*lockedBuffer),
		chunks: make(chan []byte, 16),
		exited: make(chan struct{}),
		format: audio.Format{
			ContentType: audio.ContentTypeWAV,
			SampleRate:  d.sampleRate,
			Channels:    d.channels,
			RawPCM:      true,
		},
	}

	go func() {
		s.waitErr = cmd.Wait()
		_ = pw.Close()
		close(s.exited)
	}()

	if d.startupGrace > 0 {
		timer := time.NewTimer(d.startupGrace)
		defer timer.Stop()
		select {
		case <-s.exited:
			msg := strings.TrimSpace(s.stderr.String())
			return nil, fmt.Errorf("execmic: %q exited during start-up (%v: %s): %w",
				d.command[0], s.waitErr, msg, audio.ErrDeviceUnavailable)
		case <-ctx.Done():
			_ = s.Close()
			return nil, fmt.Errorf("execmic: %w", ctx.Err())
		case <-timer.C:
		}
	}

	s.readers.Add(1)
	go s.read(d.chunkSize)

	slog.Debug("capture command started", "command", d.command[0], "pid", cmd.Process.Pid)
	return s, nil
}

// ---- stream -----------------------------------------------------------------

type stream struct {
	cmd     *exec.Cmd
	stdout  *io.PipeReader
	stderr  *lockedBuffer
	format  audio.Format
	chunks  chan []byte
	exited  chan struct{}
	waitErr error
	readers sync.WaitGroup
	once    sync.Once
}

func (s *stream) Chunks() <-chan []byte { return s.chunks }

func (s *stream) Format() audio.Format { return s.format }

// Close interrupts the capture process, escalating to a kill if it does not
// exit within stopTimeout, then waits for the reader to drain.
func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		select {
		case <-s.exited:
		default:
			if sigErr := s.cmd.Process.Signal(os.Interrupt); sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
				_ = s.cmd.Process.Kill()
			}
			select {
			case <-s.exited:
			case <-time.After(stopTimeout):
				if killErr := s.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
					err = fmt.Errorf("execmic: kill capture process: %w", killErr)
				}
				<-s.exited
			}
		}
		s.readers.Wait()
	})
	return err
}

func (s *stream) read(chunkSize int) {
	defer s.readers.Done()
	defer close(s.chunks)

	buf := make([]byte, chunkSize)
	for {
		n, err := io.ReadFull(s.stdout, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.chunks <- chunk
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.ErrClosedPipe) {
				slog.Warn("capture read failed", "err", err)
			}
			return
		}
	}
}

// lockedBuffer serialises writes from the exec copier goroutine with reads
// from Open.
type lockedBuffer struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
