// Package diagnostics implements the opt-in debug side-channel: for every
// finished journey it writes the submitted audio and a short text report to
// a directory so a recording that analysed badly can be replayed later.
//
// Nothing is written unless a [Dumper] is explicitly configured.
package diagnostics

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/clinivox/clinivox/internal/analysis"
	"github.com/clinivox/clinivox/pkg/audio"
)

// Entry is everything known about one finished journey.
type Entry struct {
	JourneyID  string
	StartedAt  time.Time
	FinishedAt time.Time
	Options    analysis.Options
	Artifact   *audio.Artifact
	Outcome    *analysis.Outcome
	Err        error
}

// Dumper writes [Entry] values below a directory.
type Dumper struct {
	dir       string
	mkdirAll  func(string, os.FileMode) error
	writeFile func(string, []byte, os.FileMode) error
}

// NewDumper creates a Dumper writing to dir. The directory is created on
// first use.
func NewDumper(dir string) (*Dumper, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("diagnostics: empty directory")
	}
	return &Dumper{
		dir:       dir,
		mkdirAll:  os.MkdirAll,
		writeFile: os.WriteFile,
	}, nil
}

// Dir returns the output directory.
func (d *Dumper) Dir() string { return d.dir }

// Dump writes <journey>.<ext> with the artifact bytes (when there is an
// artifact) and <journey>.txt with the report. It returns the paths written.
func (d *Dumper) Dump(e Entry) ([]string, error) {
	if e.JourneyID == "" {
		return nil, errors.New("diagnostics: entry without journey id")
	}
	if err := d.mkdirAll(d.dir, 0o755); err != nil {
		return nil, fmt.Errorf("diagnostics: create %q: %w", d.dir, err)
	}

	var written []string
	if e.Artifact != nil && len(e.Artifact.Data) > 0 {
		p := filepath.Join(d.dir, e.JourneyID+"."+audio.Extension(e.Artifact.ContentType))
		if err := d.writeFile(p, e.Artifact.Data, 0o600); err != nil {
			return written, fmt.Errorf("diagnostics: write audio: %w", err)
		}
		written = append(written, p)
	}

	p := filepath.Join(d.dir, e.JourneyID+".txt")
	if err := d.writeFile(p, []byte(Report(e)), 0o600); err != nil {
		return written, fmt.Errorf("diagnostics: write report: %w", err)
	}
	return append(written, p), nil
}

// Report renders the human-readable debug text for e.
func Report(e Entry) string {
	var b strings.Builder
	opts := e.Options.Effective()

	fmt.Fprintf(&b, "journey:        %s\n", e.JourneyID)
	if !e.StartedAt.IsZero() {
		fmt.Fprintf(&b, "started:        %s\n", e.StartedAt.UTC().Format(time.RFC3339))
	}
	if !e.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "finished:       %s\n", e.FinishedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "model:          %s\n", opts.Model)
	fmt.Fprintf(&b, "diarization:    %t\n", opts.Diarization)
	if opts.Diarization {
		fmt.Fprintf(&b, "patient:        %s\n", opts.PatientSpeaker)
	}

	if a := e.Artifact; a != nil {
		fmt.Fprintf(&b, "audio:          %s, %d bytes, %s\n", a.ContentType, a.Size(), a.Duration)
	} else {
		b.WriteString("audio:          none\n")
	}

	switch {
	case e.Err != nil:
		fmt.Fprintf(&b, "outcome:        error: %v\n", e.Err)
	case e.Outcome != nil && e.Outcome.UsedFallback:
		fmt.Fprintf(&b, "outcome:        fallback (%v)\n", e.Outcome.Cause)
	case e.Outcome != nil:
		b.WriteString("outcome:        success\n")
	default:
		b.WriteString("outcome:        unknown\n")
	}

	if e.Outcome != nil && e.Outcome.Result != nil {
		r := e.Outcome.Result
		fmt.Fprintf(&b, "medicines:      %s\n", strings.Join(r.ExtractedMedicines, ", "))
		fmt.Fprintf(&b, "symptoms:       %s\n", strings.Join(r.ExtractedSymptoms, ", "))
		fmt.Fprintf(&b, "adverse events: %d\n", len(r.AdverseEvents))
		fmt.Fprintf(&b, "processing:     %.2fs\n", r.ProcessingTime)
		b.WriteString("\n--- transcription ---\n")
		b.WriteString(r.Transcription.Text)
		if !strings.HasSuffix(r.Transcription.Text, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}
