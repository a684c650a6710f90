package analysis

import (
	"errors"
	"fmt"
)

// ErrRemoteAnalysis classifies failures of the remote service: transport
// errors, non-2xx responses, undecodable bodies and deadline expiry. The
// orchestrator answers them with its fallback policy.
var ErrRemoteAnalysis = errors.New("analysis: remote analysis failed")

// ErrLocalProcessing classifies failures that happen before anything is sent,
// such as a missing recording or a request that cannot be built. These are
// never substituted with fallback data.
var ErrLocalProcessing = errors.New("analysis: local processing failed")

// RemoteError is returned for non-2xx responses. It matches
// [ErrRemoteAnalysis] with errors.Is.
type RemoteError struct {
	StatusCode int

	// Message is the server's {"error": "..."} text, or the HTTP status text
	// when the body carries none.
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("analysis: server returned %d: %s", e.StatusCode, e.Message)
}

// Is reports whether target is [ErrRemoteAnalysis].
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemoteAnalysis
}
