// Package audio defines the capture abstractions used by Clinivox to record a
// clinical conversation from a local input device.
//
// The two primary abstractions are:
//
//   - [Device] requests exclusive access to an input device and returns a
//     live [Stream].
//   - [Stream] is an open capture delivering audio chunks until it is closed.
//
// A [CaptureSession] sits on top of a Device: it accumulates the chunks in the
// background and, on stop, releases the device and concatenates everything
// into one immutable [Artifact].
//
// Device implementations live in sub-packages (audio/execmic, audio/filesrc)
// and a test double in audio/mock. This package lives under pkg/ because
// third-party device adapters are expected to implement [Device] and [Stream].
package audio

import (
	"context"
	"errors"
)

// ErrDeviceUnavailable is returned when microphone access is denied or no
// input device exists. Device implementations should wrap it; [CaptureSession]
// wraps any other open failure with it as well.
var ErrDeviceUnavailable = errors.New("audio: input device unavailable")

// ErrSessionActive is returned by [CaptureSession.Start] when the session is
// already capturing.
var ErrSessionActive = errors.New("audio: capture session already active")

// ErrNoActiveSession is returned by [CaptureSession.Stop] when no capture is
// in progress (including a second Stop for the same Start).
var ErrNoActiveSession = errors.New("audio: no active capture session")

// Stream is an open capture on an input device.
//
// Implementations must be safe for concurrent use.
type Stream interface {
	// Chunks returns the channel on which captured audio chunks are delivered
	// in capture order. The channel is closed once the stream has ended, either
	// because Close was called or because the underlying source terminated.
	Chunks() <-chan []byte

	// Format describes the encoding of the delivered chunks.
	Format() Format

	// Close stops the underlying hardware capture and releases the device so
	// that any input indicator is turned off. After Close returns no further
	// chunks are produced and the Chunks channel is (or will shortly be)
	// closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Device is the entry point for an audio input source.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Open requests exclusive access to the input device and starts capture.
	// The supplied ctx governs the open attempt only; the returned Stream stays
	// alive until [Stream.Close] is called.
	//
	// Errors meaning "permission denied" or "no device" should wrap
	// [ErrDeviceUnavailable].
	Open(ctx context.Context) (Stream, error)
}
