package bucket

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tan-res-space/rag-interface/pkg/apperr"
)

// MaxReasonLength is the maximum length, in characters, of an assignment
// reason.
const MaxReasonLength = 500

// HighConfidence is the confidence score from which an assignment counts as
// high confidence.
const HighConfidence = 0.8

// Transition classifies a history entry relative to its previous bucket.
type Transition string

const (
	TransitionInitial   Transition = "initial"
	TransitionUpgrade   Transition = "upgrade"
	TransitionDowngrade Transition = "downgrade"
	TransitionLateral   Transition = "lateral"
)

// HistoryParams carries the raw fields of a [History] entry.
type HistoryParams struct {
	ID        string `json:"id"`
	SpeakerID string `json:"speaker_id"`

	// BucketType is the newly assigned tier.
	BucketType BucketType `json:"bucket_type"`

	// PreviousBucket is empty for a speaker's first assignment.
	PreviousBucket BucketType `json:"previous_bucket,omitempty"`

	AssignedBy       string         `json:"assigned_by"`
	AssignmentReason string         `json:"assignment_reason"`
	AssignmentType   AssignmentType `json:"assignment_type"`
	AssignedDate     time.Time      `json:"assigned_date"`

	// Snapshot at assignment time.
	ErrorCountAtAssignment        int      `json:"error_count_at_assignment"`
	RectificationRateAtAssignment *float64 `json:"rectification_rate_at_assignment,omitempty"`
	QualityScoreAtAssignment      *float64 `json:"quality_score_at_assignment,omitempty"`
	ConfidenceScore               *float64 `json:"confidence_score,omitempty"`
}

// History is one immutable entry of a speaker's bucket ledger.
type History struct {
	p HistoryParams
}

// NewHistory validates p and returns the ledger entry.
func NewHistory(p HistoryParams) (History, error) {
	var errs []error

	if p.ID == "" {
		errs = append(errs, errors.New("id must not be empty"))
	}
	if p.SpeakerID == "" {
		errs = append(errs, errors.New("speaker_id must not be empty"))
	}
	if p.AssignedBy == "" {
		errs = append(errs, errors.New("assigned_by must not be empty"))
	}
	if !p.BucketType.IsValid() {
		errs = append(errs, fmt.Errorf("bucket_type %q is not a known bucket", p.BucketType))
	}
	if p.PreviousBucket != "" && !p.PreviousBucket.IsValid() {
		errs = append(errs, fmt.Errorf("previous_bucket %q is not a known bucket", p.PreviousBucket))
	}
	if strings.TrimSpace(p.AssignmentReason) == "" {
		errs = append(errs, errors.New("assignment_reason must not be blank"))
	} else if n := utf8.RuneCountInString(p.AssignmentReason); n > MaxReasonLength {
		errs = append(errs, fmt.Errorf("assignment_reason must be at most %d characters, got %d", MaxReasonLength, n))
	}
	if !p.AssignmentType.IsValid() {
		errs = append(errs, fmt.Errorf("assignment_type %q is not a known assignment type", p.AssignmentType))
	}
	if p.AssignedDate.IsZero() {
		errs = append(errs, errors.New("assigned_date must be set"))
	}
	if p.ErrorCountAtAssignment < 0 {
		errs = append(errs, fmt.Errorf("error_count_at_assignment must be >= 0, got %d", p.ErrorCountAtAssignment))
	}
	errs = appendOptional(errs, "rectification_rate_at_assignment", p.RectificationRateAtAssignment, 0, 1)
	errs = appendOptional(errs, "quality_score_at_assignment", p.QualityScoreAtAssignment, 0, MaxScore)
	errs = appendOptional(errs, "confidence_score", p.ConfidenceScore, 0, 1)

	if err := apperr.Validation("bucket history", errs...); err != nil {
		return History{}, err
	}
	p.RectificationRateAtAssignment = cloneFloat(p.RectificationRateAtAssignment)
	p.QualityScoreAtAssignment = cloneFloat(p.QualityScoreAtAssignment)
	p.ConfidenceScore = cloneFloat(p.ConfidenceScore)
	return History{p: p}, nil
}

func (h History) ID() string                     { return h.p.ID }
func (h History) SpeakerID() string              { return h.p.SpeakerID }
func (h History) BucketType() BucketType         { return h.p.BucketType }
func (h History) AssignedBy() string             { return h.p.AssignedBy }
func (h History) AssignmentReason() string       { return h.p.AssignmentReason }
func (h History) AssignmentType() AssignmentType { return h.p.AssignmentType }
func (h History) AssignedDate() time.Time        { return h.p.AssignedDate }
func (h History) ErrorCountAtAssignment() int    { return h.p.ErrorCountAtAssignment }

// PreviousBucket returns the bucket before this assignment and false for an
// initial assignment.
func (h History) PreviousBucket() (BucketType, bool) {
	return h.p.PreviousBucket, h.p.PreviousBucket != ""
}

func (h History) RectificationRateAtAssignment() (float64, bool) {
	return optional(h.p.RectificationRateAtAssignment)
}

func (h History) QualityScoreAtAssignment() (float64, bool) {
	return optional(h.p.QualityScoreAtAssignment)
}

func (h History) ConfidenceScore() (float64, bool) {
	return optional(h.p.ConfidenceScore)
}

// Params returns a deep copy of the raw fields.
func (h History) Params() HistoryParams {
	p := h.p
	p.RectificationRateAtAssignment = cloneFloat(p.RectificationRateAtAssignment)
	p.QualityScoreAtAssignment = cloneFloat(p.QualityScoreAtAssignment)
	p.ConfidenceScore = cloneFloat(p.ConfidenceScore)
	return p
}

// IsInitialAssignment reports whether this is the speaker's first entry.
func (h History) IsInitialAssignment() bool { return h.p.PreviousBucket == "" }

// IsBucketUpgrade reports whether the new bucket ranks above the previous one.
func (h History) IsBucketUpgrade() bool {
	return !h.IsInitialAssignment() && h.p.BucketType.Rank() > h.p.PreviousBucket.Rank()
}

// IsBucketDowngrade reports whether the new bucket ranks below the previous one.
func (h History) IsBucketDowngrade() bool {
	return !h.IsInitialAssignment() && h.p.BucketType.Rank() < h.p.PreviousBucket.Rank()
}

// Transition classifies the entry. Checks run in the order initial, upgrade,
// downgrade; anything else is lateral.
func (h History) Transition() Transition {
	switch {
	case h.IsInitialAssignment():
		return TransitionInitial
	case h.IsBucketUpgrade():
		return TransitionUpgrade
	case h.IsBucketDowngrade():
		return TransitionDowngrade
	default:
		return TransitionLateral
	}
}

// TransitionDescription returns a human-readable label for the entry.
func (h History) TransitionDescription() string {
	switch h.Transition() {
	case TransitionInitial:
		return fmt.Sprintf("Initial assignment to %s", h.p.BucketType)
	case TransitionUpgrade:
		return fmt.Sprintf("Upgraded from %s to %s", h.p.PreviousBucket, h.p.BucketType)
	case TransitionDowngrade:
		return fmt.Sprintf("Downgraded from %s to %s", h.p.PreviousBucket, h.p.BucketType)
	default:
		return fmt.Sprintf("Reassigned within %s", h.p.BucketType)
	}
}

// HasHighConfidence reports whether a confidence score is present and at
// least [HighConfidence].
func (h History) HasHighConfidence() bool {
	c, ok := h.ConfidenceScore()
	return ok && c >= HighConfidence
}

// MarshalJSON encodes the entry with its transition classification.
func (h History) MarshalJSON() ([]byte, error) {
	type wire struct {
		HistoryParams
		Transition  Transition `json:"transition"`
		Description string     `json:"transition_description"`
	}
	return json.Marshal(wire{
		HistoryParams: h.p,
		Transition:    h.Transition(),
		Description:   h.TransitionDescription(),
	})
}

// UnmarshalJSON decodes and re-validates a serialised entry.
func (h *History) UnmarshalJSON(data []byte) error {
	var p HistoryParams
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("bucket: decode history: %w", err)
	}
	v, err := NewHistory(p)
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// ConfidencePolicy supplies the default confidence of a new assignment.
type ConfidencePolicy struct {
	Manual    float64 `yaml:"manual" json:"manual"`
	Automatic float64 `yaml:"automatic" json:"automatic"`
}

// DefaultConfidencePolicy returns the stock policy: 0.95 for manual and 0.75
// for automatic assignments.
func DefaultConfidencePolicy() ConfidencePolicy {
	return ConfidencePolicy{Manual: 0.95, Automatic: 0.75}
}

// Validate checks that both defaults are in [0, 1].
func (c ConfidencePolicy) Validate() error {
	var errs []error
	if !inRange(c.Manual, 0, 1) {
		errs = append(errs, fmt.Errorf("manual confidence must be in [0, 1], got %g", c.Manual))
	}
	if !inRange(c.Automatic, 0, 1) {
		errs = append(errs, fmt.Errorf("automatic confidence must be in [0, 1], got %g", c.Automatic))
	}
	return apperr.Validation("confidence policy", errs...)
}

// Resolve returns override when set, otherwise the default for t. System
// assignments use the automatic default.
func (c ConfidencePolicy) Resolve(t AssignmentType, override *float64) float64 {
	if override != nil {
		return *override
	}
	if t == AssignmentManual {
		return c.Manual
	}
	return c.Automatic
}
