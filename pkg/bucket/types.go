// Package bucket models per-speaker performance snapshots and the append-only
// ledger of bucket (workload tier) assignments derived from them.
//
// A bucket says how much human review a speaker's output requires. The four
// tiers are ordered from most to least intervention:
//
//	high_touch < medium_touch < low_touch < no_touch
//
// Moving to a tier with a higher [BucketType.Rank] is an upgrade (the speaker
// needs less review); moving down is a downgrade.
//
// [PerformanceMetrics] and [History] are immutable. Every change produces a
// new value; the ledger is never edited in place.
package bucket

import "fmt"

// BucketType is a workload tier.
type BucketType string

const (
	// HighTouch requires the most human review.
	HighTouch BucketType = "high_touch"

	// MediumTouch requires regular review.
	MediumTouch BucketType = "medium_touch"

	// LowTouch requires occasional review.
	LowTouch BucketType = "low_touch"

	// NoTouch requires no routine review.
	NoTouch BucketType = "no_touch"
)

// Tiers lists every bucket in ascending rank order.
var Tiers = []BucketType{HighTouch, MediumTouch, LowTouch, NoTouch}

// Rank returns the index of b in [Tiers], or -1 for an unknown bucket.
func (b BucketType) Rank() int {
	for i, t := range Tiers {
		if t == b {
			return i
		}
	}
	return -1
}

// IsValid reports whether b is one of the four known tiers.
func (b BucketType) IsValid() bool { return b.Rank() >= 0 }

// ParseBucketType converts s into a [BucketType].
func ParseBucketType(s string) (BucketType, error) {
	b := BucketType(s)
	if !b.IsValid() {
		return "", fmt.Errorf("bucket: unknown bucket type %q", s)
	}
	return b, nil
}

// AssignmentType records who or what initiated a bucket assignment.
type AssignmentType string

const (
	AssignmentManual    AssignmentType = "manual"
	AssignmentAutomatic AssignmentType = "automatic"
	AssignmentSystem    AssignmentType = "system"
)

// IsValid reports whether t is a recognised assignment type.
func (t AssignmentType) IsValid() bool {
	switch t {
	case AssignmentManual, AssignmentAutomatic, AssignmentSystem:
		return true
	}
	return false
}

// QualityTrend is the direction of a speaker's performance over time. The
// zero value means the trend is not known yet.
type QualityTrend string

const (
	TrendUnset     QualityTrend = ""
	TrendImproving QualityTrend = "improving"
	TrendStable    QualityTrend = "stable"
	TrendDeclining QualityTrend = "declining"
)

// IsValid reports whether t is a known trend or unset.
func (t QualityTrend) IsValid() bool {
	switch t {
	case TrendUnset, TrendImproving, TrendStable, TrendDeclining:
		return true
	}
	return false
}
