// Package mock provides in-memory mock implementations of the [audio.Device]
// and [audio.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(audio.Format{ContentType: audio.ContentTypeWAV})
//	dev := &mock.Device{OpenResult: stream}
//	sess := audio.NewCaptureSession(dev)
//	_ = sess.Start(ctx)
//	stream.Push([]byte{1, 2, 3})
//	artifact, _ := sess.Stop(3 * time.Second)
package mock

import (
	"context"
	"sync"

	"github.com/clinivox/clinivox/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. Chunks are injected with
// [Stream.Push]; Close closes the chunk channel exactly once.
type Stream struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool

	// FormatResult is returned by [Stream.Format].
	FormatResult audio.Format

	// CloseError is returned by [Stream.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream returns an open Stream reporting format f.
func NewStream(f audio.Format) *Stream {
	return &Stream{
		ch:           make(chan []byte, 64),
		FormatResult: f,
	}
}

// Chunks implements [audio.Stream].
func (s *Stream) Chunks() <-chan []byte {
	return s.ch
}

// Format implements [audio.Stream]. Returns FormatResult.
func (s *Stream) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FormatResult
}

// Push delivers chunk to the consumer. It reports false if the stream is
// already closed.
func (s *Stream) Push(chunk []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.ch <- chunk
	return true
}

// Close implements [audio.Stream]. The chunk channel is closed on the first
// call; CloseError is returned on every call.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return s.CloseError
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
//
// When OpenFunc is set it takes precedence over OpenResult/OpenError, which
// lets tests hand out a fresh [Stream] per journey.
type Device struct {
	mu sync.Mutex

	// OpenResult is the stream returned by Open.
	OpenResult audio.Stream

	// OpenError is the error returned by Open.
	OpenError error

	// OpenFunc, when non-nil, is called instead of returning OpenResult.
	OpenFunc func(ctx context.Context) (audio.Stream, error)

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

// Open implements [audio.Device].
func (d *Device) Open(ctx context.Context) (audio.Stream, error) {
	d.mu.Lock()
	d.CallCountOpen++
	fn := d.OpenFunc
	res, err := d.OpenResult, d.OpenError
	d.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Opens returns the number of Open calls so far.
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountOpen
}
