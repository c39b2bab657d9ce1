package bucket

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tan-res-space/rag-interface/pkg/apperr"
)

const (
	// DefaultMinErrors is the report count below which a speaker is scored
	// as neutral.
	DefaultMinErrors = 5

	// DefaultReassessDays is the age, in days, after which an assessment is
	// considered stale.
	DefaultReassessDays = 30

	// NeutralScore is returned by [PerformanceMetrics.PerformanceScore] when
	// there is not enough data.
	NeutralScore = 5.0

	// MaxScore caps [PerformanceMetrics.PerformanceScore].
	MaxScore = 10.0

	// consistencyMinErrors is the report count from which the consistency
	// bonus applies.
	consistencyMinErrors = 20

	// TrendDelta is the minimum change in rectification rate between two
	// snapshots that [TrendBetween] treats as a direction.
	TrendDelta = 0.05
)

// Recommendation thresholds on the performance score.
const (
	NoTouchScore     = 8.5
	LowTouchScore    = 7.0
	MediumTouchScore = 5.0
)

// PerformanceParams carries the raw fields of a [PerformanceMetrics]. Optional
// quality signals are nil when unknown.
type PerformanceParams struct {
	ID                  string     `json:"id"`
	SpeakerID           string     `json:"speaker_id"`
	CurrentBucket       BucketType `json:"current_bucket"`
	TotalErrorsReported int        `json:"total_errors_reported"`
	ErrorsRectified     int        `json:"errors_rectified"`
	ErrorsPending       int        `json:"errors_pending"`
	RectificationRate   float64    `json:"rectification_rate"`

	AverageAudioQuality           *float64 `json:"average_audio_quality,omitempty"`
	AverageClarityScore           *float64 `json:"average_clarity_score,omitempty"`
	SpecializedKnowledgeFrequency *float64 `json:"specialized_knowledge_frequency,omitempty"`
	OverlappingSpeechFrequency    *float64 `json:"overlapping_speech_frequency,omitempty"`

	QualityTrend       QualityTrend `json:"quality_trend,omitempty"`
	LastAssessmentDate *time.Time   `json:"last_assessment_date,omitempty"`
	NextAssessmentDate *time.Time   `json:"next_assessment_date,omitempty"`

	// Version increases by one with every persisted snapshot of the speaker.
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PerformanceMetrics is an immutable snapshot of one speaker's error
// counters and quality signals.
type PerformanceMetrics struct {
	p PerformanceParams
}

// NewPerformanceMetrics validates p and returns the snapshot.
func NewPerformanceMetrics(p PerformanceParams) (PerformanceMetrics, error) {
	var errs []error

	if p.ID == "" {
		errs = append(errs, errors.New("id must not be empty"))
	}
	if p.SpeakerID == "" {
		errs = append(errs, errors.New("speaker_id must not be empty"))
	}
	if !p.CurrentBucket.IsValid() {
		errs = append(errs, fmt.Errorf("current_bucket %q is not a known bucket", p.CurrentBucket))
	}
	if p.TotalErrorsReported < 0 || p.ErrorsRectified < 0 || p.ErrorsPending < 0 {
		errs = append(errs, fmt.Errorf("error counters must be >= 0, got total=%d rectified=%d pending=%d",
			p.TotalErrorsReported, p.ErrorsRectified, p.ErrorsPending))
	}
	if p.ErrorsRectified > p.TotalErrorsReported {
		errs = append(errs, fmt.Errorf("errors_rectified (%d) exceeds total_errors_reported (%d)",
			p.ErrorsRectified, p.TotalErrorsReported))
	}
	if p.ErrorsRectified+p.ErrorsPending > p.TotalErrorsReported {
		errs = append(errs, fmt.Errorf("errors_rectified + errors_pending (%d) exceeds total_errors_reported (%d)",
			p.ErrorsRectified+p.ErrorsPending, p.TotalErrorsReported))
	}
	if !inRange(p.RectificationRate, 0, 1) {
		errs = append(errs, fmt.Errorf("rectification_rate must be in [0, 1], got %g", p.RectificationRate))
	}
	errs = appendOptional(errs, "average_audio_quality", p.AverageAudioQuality, 1, 3)
	errs = appendOptional(errs, "average_clarity_score", p.AverageClarityScore, 1, 4)
	errs = appendOptional(errs, "specialized_knowledge_frequency", p.SpecializedKnowledgeFrequency, 0, 1)
	errs = appendOptional(errs, "overlapping_speech_frequency", p.OverlappingSpeechFrequency, 0, 1)
	if !p.QualityTrend.IsValid() {
		errs = append(errs, fmt.Errorf("quality_trend %q is not a known trend", p.QualityTrend))
	}
	if p.Version < 0 {
		errs = append(errs, fmt.Errorf("version must be >= 0, got %d", p.Version))
	}

	if err := apperr.Validation("performance metrics", errs...); err != nil {
		return PerformanceMetrics{}, err
	}
	return PerformanceMetrics{p: clonePerformance(p)}, nil
}

func inRange(v, lo, hi float64) bool {
	return !math.IsNaN(v) && v >= lo && v <= hi
}

func appendOptional(errs []error, name string, v *float64, lo, hi float64) []error {
	if v != nil && !inRange(*v, lo, hi) {
		return append(errs, fmt.Errorf("%s must be in [%g, %g], got %g", name, lo, hi, *v))
	}
	return errs
}

func clonePerformance(p PerformanceParams) PerformanceParams {
	p.AverageAudioQuality = cloneFloat(p.AverageAudioQuality)
	p.AverageClarityScore = cloneFloat(p.AverageClarityScore)
	p.SpecializedKnowledgeFrequency = cloneFloat(p.SpecializedKnowledgeFrequency)
	p.OverlappingSpeechFrequency = cloneFloat(p.OverlappingSpeechFrequency)
	p.LastAssessmentDate = cloneTime(p.LastAssessmentDate)
	p.NextAssessmentDate = cloneTime(p.NextAssessmentDate)
	return p
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func optional[T any](v *T) (T, bool) {
	if v == nil {
		var zero T
		return zero, false
	}
	return *v, true
}

func (m PerformanceMetrics) ID() string                { return m.p.ID }
func (m PerformanceMetrics) SpeakerID() string         { return m.p.SpeakerID }
func (m PerformanceMetrics) CurrentBucket() BucketType { return m.p.CurrentBucket }
func (m PerformanceMetrics) TotalErrorsReported() int  { return m.p.TotalErrorsReported }
func (m PerformanceMetrics) ErrorsRectified() int      { return m.p.ErrorsRectified }
func (m PerformanceMetrics) ErrorsPending() int        { return m.p.ErrorsPending }
func (m PerformanceMetrics) RectificationRate() float64 {
	return m.p.RectificationRate
}
func (m PerformanceMetrics) QualityTrend() QualityTrend { return m.p.QualityTrend }
func (m PerformanceMetrics) Version() int               { return m.p.Version }
func (m PerformanceMetrics) CreatedAt() time.Time       { return m.p.CreatedAt }
func (m PerformanceMetrics) UpdatedAt() time.Time       { return m.p.UpdatedAt }

// AverageAudioQuality returns the mean audio quality (1..3) and whether it
// is known.
func (m PerformanceMetrics) AverageAudioQuality() (float64, bool) {
	return optional(m.p.AverageAudioQuality)
}

// AverageClarityScore returns the mean clarity score (1..4) and whether it
// is known.
func (m PerformanceMetrics) AverageClarityScore() (float64, bool) {
	return optional(m.p.AverageClarityScore)
}

func (m PerformanceMetrics) SpecializedKnowledgeFrequency() (float64, bool) {
	return optional(m.p.SpecializedKnowledgeFrequency)
}

func (m PerformanceMetrics) OverlappingSpeechFrequency() (float64, bool) {
	return optional(m.p.OverlappingSpeechFrequency)
}

// LastAssessmentDate returns when the speaker was last assessed, if ever.
func (m PerformanceMetrics) LastAssessmentDate() (time.Time, bool) {
	return optional(m.p.LastAssessmentDate)
}

// NextAssessmentDate returns when the next assessment is scheduled, if set.
func (m PerformanceMetrics) NextAssessmentDate() (time.Time, bool) {
	return optional(m.p.NextAssessmentDate)
}

// Params returns a deep copy of the raw fields.
func (m PerformanceMetrics) Params() PerformanceParams { return clonePerformance(m.p) }

// IsZero reports whether m is the zero value.
func (m PerformanceMetrics) IsZero() bool { return m.p.ID == "" }

// HasSufficientData reports whether at least minErrors reports back the
// snapshot.
func (m PerformanceMetrics) HasSufficientData(minErrors int) bool {
	return m.p.TotalErrorsReported >= minErrors
}

// PerformanceScore rates the speaker on a 0..10 scale.
//
// With fewer than [DefaultMinErrors] reports the score is [NeutralScore].
// Otherwise it is the sum of:
//
//   - rectification rate × 4
//   - trend: improving 3, stable or unset 2, declining 1
//   - audio quality ((avg - 1) / 2) × 2, when known
//   - consistency min(total/100, 1), when total >= 20
//
// capped at [MaxScore].
func (m PerformanceMetrics) PerformanceScore() float64 {
	if !m.HasSufficientData(DefaultMinErrors) {
		return NeutralScore
	}

	score := m.p.RectificationRate * 4.0

	switch m.p.QualityTrend {
	case TrendImproving:
		score += 3.0
	case TrendDeclining:
		score += 1.0
	default:
		score += 2.0
	}

	if a, ok := m.AverageAudioQuality(); ok {
		score += (a - 1) / 2 * 2.0
	}

	if m.p.TotalErrorsReported >= consistencyMinErrors {
		score += math.Min(float64(m.p.TotalErrorsReported)/100, 1.0)
	}

	return math.Max(0, math.Min(score, MaxScore))
}

// BucketRecommendation maps [PerformanceMetrics.PerformanceScore] onto a tier.
func (m PerformanceMetrics) BucketRecommendation() BucketType {
	return RecommendBucket(m.PerformanceScore())
}

// RecommendBucket maps a performance score onto a tier. It is monotonic
// non-decreasing in score.
func RecommendBucket(score float64) BucketType {
	switch {
	case score >= NoTouchScore:
		return NoTouch
	case score >= LowTouchScore:
		return LowTouch
	case score >= MediumTouchScore:
		return MediumTouch
	default:
		return HighTouch
	}
}

// ShouldReassessBucket reports whether the bucket should be reviewed at now.
// That is the case when the speaker was never assessed, the last assessment
// is at least daysThreshold days old, the recommendation differs from the
// current bucket, or the trend is declining.
func (m PerformanceMetrics) ShouldReassessBucket(now time.Time, daysThreshold int) bool {
	last, ok := m.LastAssessmentDate()
	if !ok {
		return true
	}
	if now.Sub(last) >= time.Duration(daysThreshold)*24*time.Hour {
		return true
	}
	if m.BucketRecommendation() != m.p.CurrentBucket {
		return true
	}
	return m.p.QualityTrend == TrendDeclining
}

// NeedsAttention flags speakers whose errors are not being fixed: a
// rectification rate below 0.5, a declining trend, or at least 20 reports
// with a rate below 0.7.
func (m PerformanceMetrics) NeedsAttention() bool {
	switch {
	case m.p.RectificationRate < 0.5:
		return true
	case m.p.QualityTrend == TrendDeclining:
		return true
	case m.p.TotalErrorsReported >= consistencyMinErrors && m.p.RectificationRate < 0.7:
		return true
	}
	return false
}

// WithCurrentBucket returns the next snapshot of the speaker with bucket b.
// The version is incremented and UpdatedAt set to at.
func (m PerformanceMetrics) WithCurrentBucket(b BucketType, at time.Time) (PerformanceMetrics, error) {
	p := m.Params()
	p.CurrentBucket = b
	p.Version++
	p.UpdatedAt = at
	return NewPerformanceMetrics(p)
}

// WithAssessment returns a copy of m stamped with the given assessment
// dates. The version is left unchanged.
func (m PerformanceMetrics) WithAssessment(last, next time.Time) PerformanceMetrics {
	p := m.Params()
	p.LastAssessmentDate = &last
	p.NextAssessmentDate = &next
	return PerformanceMetrics{p: p}
}

// MarshalJSON encodes the snapshot with its derived score and recommendation.
func (m PerformanceMetrics) MarshalJSON() ([]byte, error) {
	type wire struct {
		PerformanceParams
		PerformanceScore     float64    `json:"performance_score"`
		BucketRecommendation BucketType `json:"bucket_recommendation"`
		NeedsAttention       bool       `json:"needs_attention"`
	}
	return json.Marshal(wire{
		PerformanceParams:    m.p,
		PerformanceScore:     math.Round(m.PerformanceScore()*100) / 100,
		BucketRecommendation: m.BucketRecommendation(),
		NeedsAttention:       m.NeedsAttention(),
	})
}

// UnmarshalJSON decodes and re-validates a serialised snapshot.
func (m *PerformanceMetrics) UnmarshalJSON(data []byte) error {
	var p PerformanceParams
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("bucket: decode performance metrics: %w", err)
	}
	v, err := NewPerformanceMetrics(p)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// TrendBetween derives the quality trend from two consecutive rectification
// rates. A rise of at least [TrendDelta] is improving, a fall of at least
// TrendDelta is declining, anything in between is stable.
func TrendBetween(previousRate, currentRate float64) QualityTrend {
	d := currentRate - previousRate
	switch {
	case d >= TrendDelta-1e-9:
		return TrendImproving
	case d <= -TrendDelta+1e-9:
		return TrendDeclining
	default:
		return TrendStable
	}
}
