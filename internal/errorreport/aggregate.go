package errorreport

import "time"

// Summary is the fold of a speaker's reports.
type Summary struct {
	Total     int `json:"total"`
	Rectified int `json:"rectified"`
	Pending   int `json:"pending"`
	Rejected  int `json:"rejected"`

	// RectificationRate is Rectified/Total, zero without reports.
	RectificationRate float64 `json:"rectification_rate"`

	// Averages are nil when no report carries the signal.
	AverageAudioQuality *float64 `json:"average_audio_quality,omitempty"`
	AverageClarityScore *float64 `json:"average_clarity_score,omitempty"`

	// Frequencies are nil without reports.
	SpecializedKnowledgeFrequency *float64 `json:"specialized_knowledge_frequency,omitempty"`
	OverlappingSpeechFrequency    *float64 `json:"overlapping_speech_frequency,omitempty"`

	ByCategory map[Category]int `json:"by_category"`
	BySeverity map[Severity]int `json:"by_severity"`

	// LatestReportAt is the zero time without reports.
	LatestReportAt time.Time `json:"latest_report_at"`
}

// Aggregate folds reports into a [Summary].
func Aggregate(reports []Report) Summary {
	s := Summary{
		ByCategory: make(map[Category]int),
		BySeverity: make(map[Severity]int),
	}

	var audioSum, claritySum float64
	var audioN, clarityN, specialized, overlapping int

	for _, r := range reports {
		s.Total++
		switch r.Status {
		case StatusRectified:
			s.Rectified++
		case StatusPending:
			s.Pending++
		case StatusRejected:
			s.Rejected++
		}
		if r.AudioQuality != nil {
			audioSum += *r.AudioQuality
			audioN++
		}
		if r.ClarityScore != nil {
			claritySum += *r.ClarityScore
			clarityN++
		}
		if r.SpecializedKnowledge {
			specialized++
		}
		if r.OverlappingSpeech {
			overlapping++
		}
		for _, c := range r.Categories {
			s.ByCategory[c]++
		}
		s.BySeverity[r.Severity]++
		if r.ReportedAt.After(s.LatestReportAt) {
			s.LatestReportAt = r.ReportedAt
		}
	}

	if s.Total == 0 {
		return s
	}
	s.RectificationRate = float64(s.Rectified) / float64(s.Total)
	if audioN > 0 {
		s.AverageAudioQuality = ratio(audioSum, audioN)
	}
	if clarityN > 0 {
		s.AverageClarityScore = ratio(claritySum, clarityN)
	}
	s.SpecializedKnowledgeFrequency = ratio(float64(specialized), s.Total)
	s.OverlappingSpeechFrequency = ratio(float64(overlapping), s.Total)
	return s
}

func ratio(sum float64, n int) *float64 {
	v := sum / float64(n)
	return &v
}
