package pipeline

import "fmt"

// Phase is the single authoritative stage of a recording journey.
type Phase int

const (
	// Idle: ready to record. Failed journeys return here.
	Idle Phase = iota

	// Recording: the capture session holds the input device.
	Recording

	// Transcribing: the recording was handed to the analysis service.
	Transcribing

	// Analyzing: entered automatically once progress passes 50.
	Analyzing

	// Complete: the journey resolved and its [Handoff] is waiting to be
	// taken.
	Complete
)

var phaseNames = [...]string{"idle", "recording", "transcribing", "analyzing", "complete"}

// String returns the lower-case phase name.
func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// StatusText returns the status line shown to the user for p.
func (p Phase) StatusText() string {
	switch p {
	case Idle:
		return "Ready to record"
	case Recording:
		return "Recording in progress"
	case Transcribing:
		return "Transcribing audio"
	case Analyzing:
		return "Analyzing for adverse events"
	case Complete:
		return "Analysis complete"
	default:
		return "Ready"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (p *Phase) UnmarshalText(b []byte) error {
	for i, n := range phaseNames {
		if n == string(b) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("pipeline: unknown phase %q", b)
}

// processing reports whether p is one of the two phases in which progress is
// meaningful.
func (p Phase) processing() bool {
	return p == Transcribing || p == Analyzing
}

// User-facing notification messages.
const (
	MsgRecordingStarted  = "Recording started. Speak clearly for best results."
	MsgDeviceUnavailable = "Could not access microphone. Please check permissions."
	MsgProcessing        = "Processing audio. Please wait..."
	msgProcessFailed     = "Failed to process audio: "
)
