package ser

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/tan-res-space/rag-interface/pkg/apperr"
)

// Quality level thresholds on the SER score, in percentage points.
const (
	HighQualityThreshold   = 5.0
	MediumQualityThreshold = 20.0
)

// qualityTolerance bounds the allowed drift between QualityScore and
// 100 - SERScore.
const qualityTolerance = 0.01

// QualityLevel is a coarse classification of a SER score.
type QualityLevel string

const (
	QualityHigh   QualityLevel = "high"
	QualityMedium QualityLevel = "medium"
	QualityLow    QualityLevel = "low"
)

// Rank orders quality levels from worst (0) to best (2).
func (q QualityLevel) Rank() int {
	switch q {
	case QualityHigh:
		return 2
	case QualityMedium:
		return 1
	default:
		return 0
	}
}

// ClassifyQuality maps a SER score onto a [QualityLevel]:
// high below 5, medium from 5 up to (excluding) 20, low otherwise.
func ClassifyQuality(serScore float64) QualityLevel {
	switch {
	case serScore < HighQualityThreshold:
		return QualityHigh
	case serScore < MediumQualityThreshold:
		return QualityMedium
	default:
		return QualityLow
	}
}

// ErrorType names the edit operation that dominates a comparison.
type ErrorType string

const (
	ErrorTypeNone      ErrorType = "none"
	ErrorTypeInsertion ErrorType = "insertions"
	ErrorTypeDeletion  ErrorType = "deletions"
	ErrorTypeMove      ErrorType = "moves"
)

// MetricsParams carries the raw fields of a [Metrics] value. It is the
// construction input for [NewMetrics] and the serialised form of a Metrics.
type MetricsParams struct {
	SERScore         float64 `json:"ser_score"`
	InsertPercentage float64 `json:"insert_percentage"`
	DeletePercentage float64 `json:"delete_percentage"`
	MovePercentage   float64 `json:"move_percentage"`
	EditDistance     int     `json:"edit_distance"`
	ReferenceLength  int     `json:"reference_length"`
	HypothesisLength int     `json:"hypothesis_length"`
	QualityScore     float64 `json:"quality_score"`
}

// Metrics is the immutable quality record of a single hypothesis/reference
// comparison. Values can only be obtained from [NewMetrics] or an [Engine],
// both of which reject invalid field combinations.
type Metrics struct {
	p MetricsParams
}

// NewMetrics validates p and returns the corresponding [Metrics].
func NewMetrics(p MetricsParams) (Metrics, error) {
	var errs []error

	if p.SERScore < 0 || math.IsNaN(p.SERScore) || math.IsInf(p.SERScore, 0) {
		errs = append(errs, fmt.Errorf("ser_score must be a finite value >= 0, got %g", p.SERScore))
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"insert_percentage", p.InsertPercentage},
		{"delete_percentage", p.DeletePercentage},
		{"move_percentage", p.MovePercentage},
	} {
		if f.v < 0 || math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			errs = append(errs, fmt.Errorf("%s must be a finite value >= 0, got %g", f.name, f.v))
		}
	}
	if p.EditDistance < 0 {
		errs = append(errs, fmt.Errorf("edit_distance must be >= 0, got %d", p.EditDistance))
	}
	if p.ReferenceLength < 1 {
		errs = append(errs, fmt.Errorf("reference_length must be >= 1, got %d", p.ReferenceLength))
	}
	if p.HypothesisLength < 1 {
		errs = append(errs, fmt.Errorf("hypothesis_length must be >= 1, got %d", p.HypothesisLength))
	}
	if p.QualityScore < 0 || p.QualityScore > 100 {
		errs = append(errs, fmt.Errorf("quality_score must be in [0, 100], got %g", p.QualityScore))
	}
	if want := qualityFor(p.SERScore); math.Abs(p.QualityScore-want) > qualityTolerance {
		errs = append(errs, fmt.Errorf("quality_score %g is inconsistent with ser_score %g (want %g)", p.QualityScore, p.SERScore, want))
	}

	if err := apperr.Validation("ser metrics", errs...); err != nil {
		return Metrics{}, err
	}
	return Metrics{p: p}, nil
}

// qualityFor derives the quality score for a SER score: 100 - ser, floored at 0.
func qualityFor(serScore float64) float64 {
	return math.Max(0, 100-serScore)
}

// SERScore is the edit distance as a percentage of the reference length. It
// may exceed 100 when the hypothesis is much longer than the reference.
func (m Metrics) SERScore() float64 { return m.p.SERScore }

// EditPercentage is an alias view of [Metrics.SERScore].
func (m Metrics) EditPercentage() float64 { return m.p.SERScore }

// InsertPercentage is the share of reference length attributable to insertions.
func (m Metrics) InsertPercentage() float64 { return m.p.InsertPercentage }

// DeletePercentage is the share of hypothesis length attributable to deletions.
func (m Metrics) DeletePercentage() float64 { return m.p.DeletePercentage }

// MovePercentage is the share of reference length attributable to moves.
func (m Metrics) MovePercentage() float64 { return m.p.MovePercentage }

// EditDistance is the raw token-level edit distance.
func (m Metrics) EditDistance() int { return m.p.EditDistance }

// ReferenceLength is the reference token count (minimum 1).
func (m Metrics) ReferenceLength() int { return m.p.ReferenceLength }

// HypothesisLength is the hypothesis token count (minimum 1).
func (m Metrics) HypothesisLength() int { return m.p.HypothesisLength }

// QualityScore is 100 - SERScore, floored at 0.
func (m Metrics) QualityScore() float64 { return m.p.QualityScore }

// QualityLevel classifies the SER score. See [ClassifyQuality].
func (m Metrics) QualityLevel() QualityLevel { return ClassifyQuality(m.p.SERScore) }

// IsHighQuality reports whether the comparison is classified [QualityHigh].
func (m Metrics) IsHighQuality() bool { return m.QualityLevel() == QualityHigh }

// DominantErrorType returns the operation with the largest percentage. Ties
// resolve in the order insertions, deletions, moves. When every percentage
// is zero the result is [ErrorTypeNone].
func (m Metrics) DominantErrorType() ErrorType {
	best, kind := 0.0, ErrorTypeNone
	for _, c := range []struct {
		v float64
		t ErrorType
	}{
		{m.p.InsertPercentage, ErrorTypeInsertion},
		{m.p.DeletePercentage, ErrorTypeDeletion},
		{m.p.MovePercentage, ErrorTypeMove},
	} {
		if c.v > best {
			best, kind = c.v, c.t
		}
	}
	return kind
}

// Params returns a copy of the raw fields, suitable for persistence.
func (m Metrics) Params() MetricsParams { return m.p }

// IsZero reports whether m is the zero value (never produced by NewMetrics).
func (m Metrics) IsZero() bool { return m.p.ReferenceLength == 0 }

// MarshalJSON encodes the metrics together with the derived classification.
func (m Metrics) MarshalJSON() ([]byte, error) {
	type wire struct {
		MetricsParams
		QualityLevel      QualityLevel `json:"quality_level"`
		DominantErrorType ErrorType    `json:"dominant_error_type"`
	}
	return json.Marshal(wire{
		MetricsParams:     m.p,
		QualityLevel:      m.QualityLevel(),
		DominantErrorType: m.DominantErrorType(),
	})
}

// UnmarshalJSON decodes and re-validates a serialised [Metrics].
func (m *Metrics) UnmarshalJSON(data []byte) error {
	var p MetricsParams
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("ser: decode metrics: %w", err)
	}
	v, err := NewMetrics(p)
	if err != nil {
		return err
	}
	*m = v
	return nil
}
