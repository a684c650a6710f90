package audio

import (
	"bytes"
	"mime"
	"strings"
	"time"
)

// Common content types produced by the built-in devices.
const (
	ContentTypeWAV  = "audio/wav"
	ContentTypePCM  = "audio/L16"
	ContentTypeWebM = "audio/webm"
	ContentTypeOgg  = "audio/ogg"
)

// Format describes the encoding of the chunks a [Stream] delivers.
type Format struct {
	// ContentType is the MIME type of the finished recording (e.g. "audio/wav").
	ContentType string

	// SampleRate in Hz. Only meaningful for raw PCM streams.
	SampleRate int

	// Channels is the channel count. Only meaningful for raw PCM streams.
	Channels int

	// RawPCM marks streams that deliver headerless 16-bit little-endian PCM.
	// A [CaptureSession] wraps such recordings in a WAV container on stop.
	RawPCM bool
}

// Artifact is a finalised recording. It is created exactly once per capture
// session, when capture stops, and must not be modified afterwards; ownership
// moves from the capture session to whoever submits it for analysis.
type Artifact struct {
	// Data is the complete encoded recording. May be empty.
	Data []byte

	// ContentType is the MIME type of Data.
	ContentType string

	// Duration is the recording length as measured by the elapsed-time
	// counter, independent of the byte count.
	Duration time.Duration

	// CreatedAt is the moment capture stopped.
	CreatedAt time.Time
}

// Size returns the payload length in bytes.
func (a *Artifact) Size() int64 {
	if a == nil {
		return 0
	}
	return int64(len(a.Data))
}

// Reader returns a fresh reader over the payload.
func (a *Artifact) Reader() *bytes.Reader {
	return bytes.NewReader(a.Data)
}

// Filename returns the upload filename hint "recording.<ext>", with the
// extension derived from the content type.
func (a *Artifact) Filename() string {
	return "recording." + Extension(a.ContentType)
}

// Extension maps a MIME content type to a file extension. Unknown types map
// to "bin".
func Extension(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mediaType {
	case "audio/wav", "audio/wave", "audio/x-wav", "audio/vnd.wave":
		return "wav"
	case "audio/webm":
		return "webm"
	case "audio/ogg", "audio/opus":
		return "ogg"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/l16":
		return "pcm"
	default:
		return "bin"
	}
}
