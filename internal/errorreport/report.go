// Package errorreport holds the raw error reports filed against a speaker's
// transcriptions. Reports are the input behind every performance snapshot:
// [Aggregate] folds a speaker's reports into the counters, averages and
// frequencies a [bucket.PerformanceParams] is built from.
//
// When a report arrives without categories, a [Categorizer] suggests them
// from the original and corrected text.
package errorreport

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tan-res-space/rag-interface/pkg/apperr"
)

// Category classifies what went wrong in a reported span.
type Category string

const (
	CategoryPronunciation Category = "pronunciation"
	CategoryTerminology   Category = "terminology"
	CategoryPunctuation   Category = "punctuation"
	CategoryFormatting    Category = "formatting"
	CategoryGrammar       Category = "grammar"
	CategoryOmission      Category = "omission"
	CategoryInsertion     Category = "insertion"
	CategoryOther         Category = "other"
)

// IsValid reports whether c is a recognised category.
func (c Category) IsValid() bool {
	switch c {
	case CategoryPronunciation, CategoryTerminology, CategoryPunctuation, CategoryFormatting,
		CategoryGrammar, CategoryOmission, CategoryInsertion, CategoryOther:
		return true
	}
	return false
}

// Severity ranks the impact of an error.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid reports whether s is a recognised severity.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Status is the lifecycle state of a report.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRectified Status = "rectified"
	StatusRejected  Status = "rejected"
)

// IsValid reports whether s is a recognised status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRectified, StatusRejected:
		return true
	}
	return false
}

// Report is one error filed against a transcription job.
type Report struct {
	ID            string     `json:"id"`
	JobID         string     `json:"job_id"`
	SpeakerID     string     `json:"speaker_id"`
	ReportedBy    string     `json:"reported_by"`
	OriginalText  string     `json:"original_text"`
	CorrectedText string     `json:"corrected_text"`
	Categories    []Category `json:"categories"`
	Severity      Severity   `json:"severity"`
	StartPosition int        `json:"start_position"`
	EndPosition   int        `json:"end_position"`
	ContextNotes  string     `json:"context_notes,omitempty"`
	Status        Status     `json:"status"`

	// Optional audio signals reported by the reviewer.
	AudioQuality         *float64 `json:"audio_quality,omitempty"`
	ClarityScore         *float64 `json:"clarity_score,omitempty"`
	SpecializedKnowledge bool     `json:"specialized_knowledge"`
	OverlappingSpeech    bool     `json:"overlapping_speech"`

	ReportedAt  time.Time  `json:"reported_at"`
	RectifiedAt *time.Time `json:"rectified_at,omitempty"`
}

// Validate checks a [Report] for required fields and ranges.
//
// Rules:
//   - ID, JobID, SpeakerID and ReportedBy must be non-empty.
//   - OriginalText and CorrectedText must not be blank.
//   - Positions must be non-negative with EndPosition > StartPosition.
//   - Categories must be a non-empty list of recognised, distinct values.
//   - AudioQuality, when set, must be in [1, 3]; ClarityScore in [1, 4].
//   - A rectified report must carry RectifiedAt.
func (r Report) Validate() error {
	var errs []error

	for _, f := range []struct{ name, v string }{
		{"id", r.ID},
		{"job_id", r.JobID},
		{"speaker_id", r.SpeakerID},
		{"reported_by", r.ReportedBy},
	} {
		if f.v == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", f.name))
		}
	}
	if strings.TrimSpace(r.OriginalText) == "" {
		errs = append(errs, errors.New("original_text must not be blank"))
	}
	if strings.TrimSpace(r.CorrectedText) == "" {
		errs = append(errs, errors.New("corrected_text must not be blank"))
	}
	if r.StartPosition < 0 || r.EndPosition < 0 {
		errs = append(errs, fmt.Errorf("positions must be >= 0, got start=%d end=%d", r.StartPosition, r.EndPosition))
	} else if r.EndPosition <= r.StartPosition {
		errs = append(errs, fmt.Errorf("end_position (%d) must be greater than start_position (%d)", r.EndPosition, r.StartPosition))
	}

	if len(r.Categories) == 0 {
		errs = append(errs, errors.New("categories must not be empty"))
	}
	seen := make(map[Category]bool, len(r.Categories))
	for i, c := range r.Categories {
		if !c.IsValid() {
			errs = append(errs, fmt.Errorf("categories[%d]: %q is not a recognised category", i, c))
		}
		if seen[c] {
			errs = append(errs, fmt.Errorf("categories[%d]: duplicate %q", i, c))
		}
		seen[c] = true
	}

	if !r.Severity.IsValid() {
		errs = append(errs, fmt.Errorf("severity %q is not a recognised severity", r.Severity))
	}
	if !r.Status.IsValid() {
		errs = append(errs, fmt.Errorf("status %q is not a recognised status", r.Status))
	}
	if r.AudioQuality != nil && (*r.AudioQuality < 1 || *r.AudioQuality > 3) {
		errs = append(errs, fmt.Errorf("audio_quality must be in [1, 3], got %g", *r.AudioQuality))
	}
	if r.ClarityScore != nil && (*r.ClarityScore < 1 || *r.ClarityScore > 4) {
		errs = append(errs, fmt.Errorf("clarity_score must be in [1, 4], got %g", *r.ClarityScore))
	}
	if r.ReportedAt.IsZero() {
		errs = append(errs, errors.New("reported_at must be set"))
	}
	if r.Status == StatusRectified && r.RectifiedAt == nil {
		errs = append(errs, errors.New("rectified_at must be set for a rectified report"))
	}

	return apperr.Validation("error report", errs...)
}

// HasCategory reports whether c is among the report's categories.
func (r Report) HasCategory(c Category) bool {
	return slices.Contains(r.Categories, c)
}

// WithStatus returns a copy of r moved to status at the given time.
//
// Pending reports can be rectified or rejected, and rejected reports can be
// reopened. Rectified is final.
func (r Report) WithStatus(status Status, at time.Time) (Report, error) {
	if !status.IsValid() {
		return Report{}, apperr.Invalid("error report", "status %q is not a recognised status", status)
	}
	allowed := map[Status][]Status{
		StatusPending:  {StatusRectified, StatusRejected},
		StatusRejected: {StatusPending},
	}
	if !slices.Contains(allowed[r.Status], status) {
		return Report{}, apperr.Transition("error report", "mark "+string(status), string(r.Status), fromStates(status)...)
	}

	out := r
	out.Categories = slices.Clone(r.Categories)
	out.Status = status
	out.RectifiedAt = nil
	if status == StatusRectified {
		out.RectifiedAt = &at
	}
	return out, nil
}

// fromStates lists the states from which target can be reached.
func fromStates(target Status) []string {
	switch target {
	case StatusRectified, StatusRejected:
		return []string{string(StatusPending)}
	case StatusPending:
		return []string{string(StatusRejected)}
	}
	return nil
}
