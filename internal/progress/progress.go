// Package progress turns the two signals available during analysis into one
// 0–100 progress value: the real upload fraction of the outbound request and
// a synthetic estimator that keeps the indicator moving while the server is
// working.
package progress

// Progress bounds.
const (
	// UploadCeiling caps the share of the bar attributed to the upload.
	UploadCeiling = 45.0

	// EstimatorCeiling is the highest value the synthetic estimator reaches;
	// only a resolved request moves progress to Complete.
	EstimatorCeiling = 95.0

	// AnalyzingFloor is the value progress is reset to when transcription is
	// assumed to be over.
	AnalyzingFloor = 50.0

	// Complete is the value reported once a result has been obtained.
	Complete = 100.0
)

// Sink receives real upload progress for the journey it was issued for.
type Sink interface {
	// ReportUpload is called with a percentage in [0, UploadCeiling] each
	// time more of the request body has been sent.
	ReportUpload(percent float64)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(percent float64)

// ReportUpload implements [Sink].
func (f SinkFunc) ReportUpload(percent float64) { f(percent) }

// Discard is a Sink that ignores every report.
var Discard Sink = SinkFunc(func(float64) {})

// UploadPercent maps sent/total bytes onto the first half of the progress
// bar, capped at [UploadCeiling]. An unknown or zero total yields 0.
func UploadPercent(sent, total int64) float64 {
	if total <= 0 || sent <= 0 {
		return 0
	}
	pct := float64(sent) / float64(total) * 100 / 2
	return min(pct, UploadCeiling)
}
