package bucket

import (
	"slices"
	"time"
)

// trendWindow is the number of most recent non-initial transitions that
// [TrendFromHistory] looks at.
const trendWindow = 3

// Distribution counts the current bucket of every speaker in entries. A
// speaker's current bucket is the one of its latest entry. Every tier is
// present in the result, possibly with a zero count.
func Distribution(entries []History) map[BucketType]int {
	latest := make(map[string]History)
	for _, e := range entries {
		cur, ok := latest[e.SpeakerID()]
		if !ok || !e.AssignedDate().Before(cur.AssignedDate()) {
			latest[e.SpeakerID()] = e
		}
	}

	dist := make(map[BucketType]int, len(Tiers))
	for _, t := range Tiers {
		dist[t] = 0
	}
	for _, e := range latest {
		dist[e.BucketType()]++
	}
	return dist
}

// TransitionSummary aggregates a set of ledger entries.
type TransitionSummary struct {
	Total      int `json:"total"`
	Initial    int `json:"initial"`
	Upgrades   int `json:"upgrades"`
	Downgrades int `json:"downgrades"`
	Lateral    int `json:"lateral"`

	ByAssignmentType map[AssignmentType]int `json:"by_assignment_type"`

	// AverageConfidence is the mean over entries that carry a confidence
	// score, and zero when none do.
	AverageConfidence float64 `json:"average_confidence"`
	HighConfidence    int     `json:"high_confidence"`
}

// SummarizeTransitions classifies every entry and counts the outcome.
func SummarizeTransitions(entries []History) TransitionSummary {
	s := TransitionSummary{ByAssignmentType: make(map[AssignmentType]int)}

	var sum float64
	var n int
	for _, e := range entries {
		s.Total++
		switch e.Transition() {
		case TransitionInitial:
			s.Initial++
		case TransitionUpgrade:
			s.Upgrades++
		case TransitionDowngrade:
			s.Downgrades++
		default:
			s.Lateral++
		}
		s.ByAssignmentType[e.AssignmentType()]++

		if c, ok := e.ConfidenceScore(); ok {
			sum += c
			n++
		}
		if e.HasHighConfidence() {
			s.HighConfidence++
		}
	}
	if n > 0 {
		s.AverageConfidence = sum / float64(n)
	}
	return s
}

// Timeline returns the entries of speakerID in ascending assigned date order.
// Entries with equal dates keep their input order.
func Timeline(entries []History, speakerID string) []History {
	var out []History
	for _, e := range entries {
		if e.SpeakerID() == speakerID {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b History) int {
		return a.AssignedDate().Compare(b.AssignedDate())
	})
	return out
}

// TrendFromHistory derives a quality trend from one speaker's ledger. It
// looks at the latest non-initial transitions: net upgrades mean improving,
// net downgrades mean declining, anything else is stable. An empty ledger
// yields [TrendUnset].
func TrendFromHistory(entries []History) QualityTrend {
	if len(entries) == 0 {
		return TrendUnset
	}
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b History) int {
		return a.AssignedDate().Compare(b.AssignedDate())
	})

	net, seen := 0, 0
	for i := len(sorted) - 1; i >= 0 && seen < trendWindow; i-- {
		switch sorted[i].Transition() {
		case TransitionInitial:
			continue
		case TransitionUpgrade:
			net++
		case TransitionDowngrade:
			net--
		}
		seen++
	}

	switch {
	case net > 0:
		return TrendImproving
	case net < 0:
		return TrendDeclining
	default:
		return TrendStable
	}
}

// Since returns the entries assigned at or after t.
func Since(entries []History, t time.Time) []History {
	var out []History
	for _, e := range entries {
		if !e.AssignedDate().Before(t) {
			out = append(out, e)
		}
	}
	return out
}
