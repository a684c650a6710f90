package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CaptureOption configures a [CaptureSession].
type CaptureOption func(*CaptureSession)

// WithNow overrides the clock used to stamp [Artifact.CreatedAt].
func WithNow(now func() time.Time) CaptureOption {
	return func(s *CaptureSession) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTargetFormat converts raw PCM recordings to the given sample rate and
// channel count before they are wrapped in a WAV container. Zero values keep
// the device's native setting.
func WithTargetFormat(sampleRate, channels int) CaptureOption {
	return func(s *CaptureSession) {
		s.target = Format{SampleRate: sampleRate, Channels: channels}
	}
}

// CaptureSession owns one device stream and its incremental chunk buffer.
//
// A session may be started and stopped repeatedly; every Start/Stop pair
// produces exactly one [Artifact]. All methods are safe for concurrent use.
type CaptureSession struct {
	dev    Device
	now    func() time.Time
	target Format

	mu     sync.Mutex
	active bool
	stream Stream
	format Format
	chunks [][]byte
	bytes  int64
	done   chan struct{}
}

// NewCaptureSession creates an inactive session reading from dev.
func NewCaptureSession(dev Device, opts ...CaptureOption) *CaptureSession {
	s := &CaptureSession{
		dev: dev,
		now: time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start opens the device and begins accumulating chunks in the background.
// It returns as soon as the device is open.
//
// Returns [ErrSessionActive] if capture is already running, and an error
// wrapping [ErrDeviceUnavailable] if the device cannot be opened; in both
// cases the session state is unchanged.
func (s *CaptureSession) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return ErrSessionActive
	}

	stream, err := s.dev.Open(ctx)
	if err != nil {
		if !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		return fmt.Errorf("audio: open device: %w", err)
	}

	s.active = true
	s.stream = stream
	s.format = stream.Format()
	s.chunks = nil
	s.bytes = 0
	s.done = make(chan struct{})

	go s.accumulate(stream.Chunks(), s.done)
	return nil
}

// accumulate appends every chunk from ch until the stream ends.
func (s *CaptureSession) accumulate(ch <-chan []byte, done chan<- struct{}) {
	defer close(done)
	for chunk := range ch {
		if len(chunk) == 0 {
			continue
		}
		c := make([]byte, len(chunk))
		copy(c, chunk)

		s.mu.Lock()
		s.chunks = append(s.chunks, c)
		s.bytes += int64(len(c))
		s.mu.Unlock()
	}
}

// Stop halts capture, releases the device, and returns the finished
// recording. elapsed is the externally measured recording length stored in
// [Artifact.Duration].
//
// The device is released and every pending chunk has been collected before
// Stop returns. A second Stop for the same Start returns [ErrNoActiveSession].
// Stopping before any chunk arrived yields an artifact with an empty payload.
func (s *CaptureSession) Stop(elapsed time.Duration) (*Artifact, error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil, ErrNoActiveSession
	}
	s.active = false
	stream := s.stream
	done := s.done
	s.stream = nil
	s.mu.Unlock()

	closeErr := stream.Close()
	<-done

	s.mu.Lock()
	chunks := s.chunks
	total := s.bytes
	format := s.format
	s.chunks = nil
	s.bytes = 0
	s.mu.Unlock()

	if closeErr != nil {
		return nil, fmt.Errorf("audio: release device: %w", closeErr)
	}

	var buf bytes.Buffer
	buf.Grow(int(total))
	for _, c := range chunks {
		buf.Write(c)
	}
	data := buf.Bytes()

	contentType := format.ContentType
	if format.RawPCM {
		// An empty recording stays empty rather than becoming a bare header.
		if len(data) > 0 {
			out := format
			if s.target.SampleRate > 0 {
				out.SampleRate = s.target.SampleRate
			}
			if s.target.Channels > 0 {
				out.Channels = s.target.Channels
			}
			data = EncodeWAV(ConvertPCM(data, format, out), out.SampleRate, out.Channels)
		}
		contentType = ContentTypeWAV
	}
	if contentType == "" {
		contentType = ContentTypeWAV
	}

	slog.Debug("capture stopped",
		"chunks", len(chunks),
		"bytes", len(data),
		"content_type", contentType,
		"elapsed", elapsed,
	)

	return &Artifact{
		Data:        data,
		ContentType: contentType,
		Duration:    elapsed,
		CreatedAt:   s.now(),
	}, nil
}

// Active reports whether the session is currently capturing.
func (s *CaptureSession) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ChunkCount returns the number of chunks accumulated so far.
func (s *CaptureSession) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// Bytes returns the number of payload bytes accumulated so far.
func (s *CaptureSession) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}
