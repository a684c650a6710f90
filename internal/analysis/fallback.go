package analysis

import (
	"fmt"
	"strings"
	"time"
)

// FallbackWarning is shown to the user when a journey resolves with the
// fallback dataset.
const FallbackWarning = "Backend server error. Using demo data for preview purposes."

// FallbackMode decides what a remote failure resolves to.
type FallbackMode string

const (
	// FallbackEmbed resolves with [FallbackResult]. This is the default.
	FallbackEmbed FallbackMode = "embed"

	// FallbackDefer resolves with a nil result and leaves substitution to
	// the results consumer.
	FallbackDefer FallbackMode = "defer"

	// FallbackOff surfaces remote failures as errors.
	FallbackOff FallbackMode = "off"
)

// ParseFallbackMode validates s. The empty string maps to [FallbackEmbed].
func ParseFallbackMode(s string) (FallbackMode, error) {
	switch m := FallbackMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return FallbackEmbed, nil
	case FallbackEmbed, FallbackDefer, FallbackOff:
		return m, nil
	default:
		return "", fmt.Errorf("analysis: unknown fallback mode %q (want embed, defer or off)", s)
	}
}

const fallbackTranscript = `Doctor: Hello, how are you feeling today?
Patient: Not great. I've been taking Lisinopril for my blood pressure, but I've been having this persistent dry cough.
Doctor: How long have you been experiencing this cough?
Patient: About two weeks now. It's worse at night.
Doctor: That's a common side effect of Lisinopril. Are you experiencing any other symptoms?
Patient: I've also been feeling a bit dizzy sometimes, especially when I stand up quickly.
Doctor: I see. Have you been taking any other medications?
Patient: Just a low-dose Aspirin daily, as you recommended.
Doctor: And have you had any headaches recently?
Patient: Yes, occasionally. Usually in the afternoon.`

// FallbackResult returns a fresh copy of the predetermined demo findings,
// stamped with the current time. Callers may modify the copy freely.
func FallbackResult() *Result {
	return FallbackResultAt(time.Now())
}

// FallbackResultAt is [FallbackResult] with an explicit timestamp.
func FallbackResultAt(now time.Time) *Result {
	return &Result{
		ExtractedMedicines: []string{"Lisinopril", "Aspirin"},
		ExtractedSymptoms:  []string{"dry cough", "dizziness", "headache"},
		AdverseEvents: []AdverseEvent{
			{
				Medicine:            "Lisinopril",
				MatchedDrug:         "lisinopril",
				DrugMatchConfidence: 0.95,
				Severity:            SeverityNeedsAttention,
				MatchedSymptoms: []SymptomMatch{
					{Symptom: "dry cough", MatchedReaction: "cough", PredictionConfidence: 0.89, PredictedSeverity: SeverityNeedsAttention},
					{Symptom: "dizziness", MatchedReaction: "dizziness", PredictionConfidence: 0.78, PredictedSeverity: SeverityNearCritical},
				},
			},
			{
				Medicine:            "Aspirin",
				MatchedDrug:         "aspirin",
				DrugMatchConfidence: 0.92,
				Severity:            SeverityNeedsAttention,
				MatchedSymptoms: []SymptomMatch{
					{Symptom: "headache", MatchedReaction: "headache", PredictionConfidence: 0.65, PredictedSeverity: SeverityNeedsAttention},
				},
			},
		},
		Transcription: Transcription{
			Text:               fallbackTranscript,
			Model:              "base",
			DiarizationEnabled: true,
		},
		ProcessingTime: 3.45,
		Timestamp:      float64(now.UnixMilli()) / 1000,
	}
}
