package review

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tan-res-space/rag-interface/pkg/apperr"
	"github.com/tan-res-space/rag-interface/pkg/ser"
)

// Text limits, in characters.
const (
	MaxTextLength    = 50_000
	MaxCommentLength = 5_000
)

const (
	MinRating = 1
	MaxRating = 5
)

// Assessment is the reviewer's verdict on a correction.
type Assessment string

const (
	AssessmentSignificant Assessment = "significant"
	AssessmentModerate    Assessment = "moderate"
	AssessmentMinimal     Assessment = "minimal"
	AssessmentNone        Assessment = "none"
	AssessmentWorse       Assessment = "worse"
)

// IsValid reports whether a is a known assessment.
func (a Assessment) IsValid() bool {
	switch a {
	case AssessmentSignificant, AssessmentModerate, AssessmentMinimal, AssessmentNone, AssessmentWorse:
		return true
	}
	return false
}

// FeedbackParams carries the fields of a [Feedback].
type FeedbackParams struct {
	ID               string `json:"id"`
	SessionID        string `json:"session_id"`
	HistoricalDataID string `json:"historical_data_id"`
	MTUserID         string `json:"mt_user_id,omitempty"`

	OriginalASRText    string `json:"original_asr_text"`
	RAGCorrectedText   string `json:"rag_corrected_text"`
	FinalReferenceText string `json:"final_reference_text"`

	Rating                     int        `json:"mt_feedback_rating"`
	ImprovementAssessment      Assessment `json:"improvement_assessment"`
	RecommendedForBucketChange bool       `json:"recommended_for_bucket_change"`
	Comments                   string     `json:"mt_comments,omitempty"`

	// SER is the comparison computed when the feedback was submitted.
	SER *ser.Comparison `json:"ser_comparison"`

	CreatedAt time.Time `json:"created_at"`
}

// Feedback is one reviewer verdict on one test item. It is immutable; a
// correction is a new Feedback.
type Feedback struct {
	p FeedbackParams
}

// NewFeedback validates p and returns the feedback.
func NewFeedback(p FeedbackParams) (Feedback, error) {
	var errs []error

	for _, f := range []struct{ name, v string }{
		{"id", p.ID},
		{"session_id", p.SessionID},
		{"historical_data_id", p.HistoricalDataID},
	} {
		if f.v == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", f.name))
		}
	}
	errs = appendText(errs, "original_asr_text", p.OriginalASRText)
	errs = appendText(errs, "rag_corrected_text", p.RAGCorrectedText)
	errs = appendText(errs, "final_reference_text", p.FinalReferenceText)

	if p.Rating < MinRating || p.Rating > MaxRating {
		errs = append(errs, fmt.Errorf("mt_feedback_rating must be in [%d, %d], got %d", MinRating, MaxRating, p.Rating))
	}
	if !p.ImprovementAssessment.IsValid() {
		errs = append(errs, fmt.Errorf("improvement_assessment %q is not a known assessment", p.ImprovementAssessment))
	}
	if n := utf8.RuneCountInString(p.Comments); n > MaxCommentLength {
		errs = append(errs, fmt.Errorf("mt_comments must be at most %d characters, got %d", MaxCommentLength, n))
	}
	if p.SER == nil {
		errs = append(errs, errors.New("ser_comparison is required"))
	}

	if err := apperr.Validation("feedback", errs...); err != nil {
		return Feedback{}, err
	}
	c := *p.SER
	p.SER = &c
	return Feedback{p: p}, nil
}

func appendText(errs []error, name, v string) []error {
	if strings.TrimSpace(v) == "" {
		return append(errs, fmt.Errorf("%s must not be blank", name))
	}
	if n := utf8.RuneCountInString(v); n > MaxTextLength {
		return append(errs, fmt.Errorf("%s must be at most %d characters, got %d", name, MaxTextLength, n))
	}
	return errs
}

func (f Feedback) ID() string                        { return f.p.ID }
func (f Feedback) SessionID() string                 { return f.p.SessionID }
func (f Feedback) HistoricalDataID() string          { return f.p.HistoricalDataID }
func (f Feedback) MTUserID() string                  { return f.p.MTUserID }
func (f Feedback) OriginalASRText() string           { return f.p.OriginalASRText }
func (f Feedback) RAGCorrectedText() string          { return f.p.RAGCorrectedText }
func (f Feedback) FinalReferenceText() string        { return f.p.FinalReferenceText }
func (f Feedback) Rating() int                       { return f.p.Rating }
func (f Feedback) ImprovementAssessment() Assessment { return f.p.ImprovementAssessment }
func (f Feedback) RecommendedForBucketChange() bool  { return f.p.RecommendedForBucketChange }
func (f Feedback) Comments() string                  { return f.p.Comments }
func (f Feedback) CreatedAt() time.Time              { return f.p.CreatedAt }

// SER returns the comparison recorded with the feedback.
func (f Feedback) SER() ser.Comparison {
	if f.p.SER == nil {
		return ser.Comparison{}
	}
	return *f.p.SER
}

// Params returns a copy of the fields.
func (f Feedback) Params() FeedbackParams {
	p := f.p
	if p.SER != nil {
		c := *p.SER
		p.SER = &c
	}
	return p
}

// MarshalJSON encodes the feedback fields.
func (f Feedback) MarshalJSON() ([]byte, error) { return json.Marshal(f.p) }

// UnmarshalJSON decodes and re-validates a serialised feedback.
func (f *Feedback) UnmarshalJSON(data []byte) error {
	var p FeedbackParams
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("review: decode feedback: %w", err)
	}
	v, err := NewFeedback(p)
	if err != nil {
		return err
	}
	*f = v
	return nil
}
