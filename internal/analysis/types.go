// Package analysis talks to the remote transcription and adverse-event
// analysis service and decides what a finished recording resolves to.
//
// [Client] performs the HTTP calls. [Orchestrator] submits one recording per
// journey, applies the request deadline, forwards upload progress and, when
// the service fails, substitutes the predetermined dataset returned by
// [FallbackResult] according to the configured [FallbackMode].
package analysis

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Speaker selects which diarized speaker is the patient.
type Speaker string

// Known speaker selectors.
const (
	SpeakerOne  Speaker = "speaker1"
	SpeakerTwo  Speaker = "speaker2"
	SpeakerAuto Speaker = "auto"
)

// ParseSpeaker validates s. The empty string maps to [SpeakerOne].
func ParseSpeaker(s string) (Speaker, error) {
	switch sp := Speaker(strings.ToLower(strings.TrimSpace(s))); sp {
	case "":
		return SpeakerOne, nil
	case SpeakerOne, SpeakerTwo, SpeakerAuto:
		return sp, nil
	default:
		return "", fmt.Errorf("analysis: unknown patient speaker %q (want speaker1, speaker2 or auto)", s)
	}
}

// Options are the user's recording choices, captured once when recording
// starts and never changed for that journey.
type Options struct {
	// Model is the transcription model identifier, e.g. "base".
	Model string

	// Diarization requests speaker separation.
	Diarization bool

	// PatientSpeaker selects the patient among diarized speakers. Ignored
	// when Diarization is false.
	PatientSpeaker Speaker
}

// DefaultOptions mirrors the recording form's initial state.
func DefaultOptions() Options {
	return Options{Model: "base", Diarization: true, PatientSpeaker: SpeakerOne}
}

// Effective returns a copy of o in which fields that have no meaning for the
// current combination are cleared: without diarization there is no patient
// speaker.
func (o Options) Effective() Options {
	if !o.Diarization {
		o.PatientSpeaker = ""
	}
	return o
}

// Validate reports every problem with o.
func (o Options) Validate() error {
	var errs []error
	if strings.TrimSpace(o.Model) == "" {
		errs = append(errs, errors.New("analysis: model is required"))
	}
	if o.Diarization {
		if _, err := ParseSpeaker(string(o.PatientSpeaker)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// wireSpeaker is the patient_speaker form value. The field is always sent;
// an unset selector goes out as speaker1.
func (o Options) wireSpeaker() string {
	if o.PatientSpeaker == "" {
		return string(SpeakerOne)
	}
	return string(o.PatientSpeaker)
}

// Severity labels used by the analysis service.
const (
	SeverityNeedsAttention = "Needs Attention"
	SeverityNearCritical   = "Near-Critical"
	SeverityCritical       = "Critical"
)

// Result is the analysis service's response. The pipeline treats it as
// opaque and never modifies it after creation.
type Result struct {
	ExtractedMedicines []string       `json:"extracted_medicines"`
	ExtractedSymptoms  []string       `json:"extracted_symptoms"`
	AdverseEvents      []AdverseEvent `json:"adverse_events"`
	Transcription      Transcription  `json:"transcription"`
	ProcessingTime     float64        `json:"processing_time"`
	Timestamp          float64        `json:"timestamp,omitempty"`
}

// AdverseEvent links a mentioned medicine to symptoms that match known
// reactions to it.
type AdverseEvent struct {
	Medicine            string         `json:"medicine"`
	MatchedDrug         string         `json:"matched_drug"`
	DrugMatchConfidence float64        `json:"drug_match_confidence"`
	Severity            string         `json:"severity"`
	MatchedSymptoms     []SymptomMatch `json:"matched_symptoms"`
}

// SymptomMatch is one symptom matched to a known reaction.
type SymptomMatch struct {
	Symptom              string  `json:"symptom"`
	MatchedReaction      string  `json:"matched_reaction"`
	PredictionConfidence float64 `json:"prediction_confidence"`
	PredictedSeverity    string  `json:"predicted_severity"`
}

// Transcription is the recognised text of the recording.
type Transcription struct {
	Text               string `json:"text"`
	Model              string `json:"model"`
	DiarizationEnabled bool   `json:"diarization_enabled"`
}

// Clone returns a deep copy of r.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	c.ExtractedMedicines = slices.Clone(r.ExtractedMedicines)
	c.ExtractedSymptoms = slices.Clone(r.ExtractedSymptoms)
	c.AdverseEvents = slices.Clone(r.AdverseEvents)
	for i := range c.AdverseEvents {
		c.AdverseEvents[i].MatchedSymptoms = slices.Clone(c.AdverseEvents[i].MatchedSymptoms)
	}
	return &c
}

// ModelInfo describes one selectable transcription model.
type ModelInfo struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	ProcessingSpeed string `json:"processing_speed"`
	Description     string `json:"description,omitempty"`
	Accuracy        string `json:"accuracy,omitempty"`
	Languages       string `json:"languages,omitempty"`
}
