package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tan-res-space/rag-interface/internal/events"
	"github.com/tan-res-space/rag-interface/internal/observe"
	"github.com/tan-res-space/rag-interface/pkg/apperr"
	"github.com/tan-res-space/rag-interface/pkg/review"
	"github.com/tan-res-space/rag-interface/pkg/ser"
)

// FeedbackRequest is the input of [Service.SubmitFeedback].
type FeedbackRequest struct {
	SessionID                  string            `json:"session_id"`
	TestItemID                 string            `json:"historical_data_id"`
	MTUserID                   string            `json:"mt_user_id,omitempty"`
	Rating                     int               `json:"mt_feedback_rating"`
	Assessment                 review.Assessment `json:"improvement_assessment"`
	RecommendedForBucketChange bool              `json:"recommended_for_bucket_change"`
	Comments                   string            `json:"mt_comments,omitempty"`

	// FinalReferenceText replaces the item's stored reference when the
	// reviewer corrected it during review.
	FinalReferenceText string `json:"final_reference_text,omitempty"`
}

// SubmitFeedback scores the item's original and corrected texts against the
// reference and records the reviewer's verdict together with the
// comparison.
func (s *Service) SubmitFeedback(ctx context.Context, req FeedbackRequest) (fb review.Feedback, err error) {
	ctx, span := observe.StartSpan(ctx, "workflow.SubmitFeedback",
		trace.WithAttributes(
			observe.SessionIDKey.String(req.SessionID),
			attribute.String("test_item_id", req.TestItemID),
		))
	defer func() { observe.EndSpan(span, err) }()

	// Held across the status check and the insert.
	release, err := s.lockSession(ctx, req.SessionID)
	if err != nil {
		return review.Feedback{}, err
	}
	defer release()

	sess, err := s.GetSession(ctx, req.SessionID)
	if err != nil {
		return review.Feedback{}, err
	}
	if sess.Status() != review.StatusInProgress {
		return review.Feedback{}, apperr.Transition(sessionEntity, "submit feedback",
			string(sess.Status()), string(review.StatusInProgress))
	}
	item, err := s.store.GetTestItem(ctx, req.TestItemID)
	if err != nil {
		return review.Feedback{}, fmt.Errorf("workflow: get test item: %w", err)
	}
	if item.SessionID != sess.ID() {
		return review.Feedback{}, apperr.Invalid("feedback", "test item %q is not part of session %q",
			req.TestItemID, sess.ID())
	}

	reference := item.FinalReferenceText
	if strings.TrimSpace(req.FinalReferenceText) != "" {
		reference = req.FinalReferenceText
	}
	cmp, err := s.compare(ctx, item.OriginalASRText, item.RAGCorrectedText, reference)
	if err != nil {
		return review.Feedback{}, err
	}

	mtUser := req.MTUserID
	if mtUser == "" {
		mtUser = sess.MTUserID()
	}
	fb, err = review.NewFeedback(review.FeedbackParams{
		ID:                         uuid.NewString(),
		SessionID:                  sess.ID(),
		HistoricalDataID:           item.ID,
		MTUserID:                   mtUser,
		OriginalASRText:            item.OriginalASRText,
		RAGCorrectedText:           item.RAGCorrectedText,
		FinalReferenceText:         reference,
		Rating:                     req.Rating,
		ImprovementAssessment:      req.Assessment,
		RecommendedForBucketChange: req.RecommendedForBucketChange,
		Comments:                   req.Comments,
		SER:                        &cmp,
		CreatedAt:                  s.now(),
	})
	if err != nil {
		return review.Feedback{}, err
	}
	if err := s.store.CreateFeedback(ctx, fb); err != nil {
		return review.Feedback{}, fmt.Errorf("workflow: create feedback: %w", err)
	}

	s.rec.RecordFeedback(ctx, string(fb.ImprovementAssessment()))
	s.events.Emit(ctx, events.Event{
		Type:      events.FeedbackSubmitted,
		SpeakerID: sess.SpeakerID(),
		SessionID: sess.ID(),
		Data: map[string]any{
			"feedback_id":                   fb.ID(),
			"historical_data_id":            item.ID,
			"rating":                        fb.Rating(),
			"improvement_assessment":        string(fb.ImprovementAssessment()),
			"ser_improvement":               ser.Round2(cmp.Improvement),
			"recommended_for_bucket_change": fb.RecommendedForBucketChange(),
		},
	})
	observe.Logger(ctx).Info("feedback submitted",
		"session_id", sess.ID(),
		"test_item_id", item.ID,
		"rating", fb.Rating(),
		"ser_improvement", ser.Round2(cmp.Improvement),
	)
	return fb, nil
}

func (s *Service) compare(ctx context.Context, original, corrected, reference string) (ser.Comparison, error) {
	orig, err := s.engine.CalculateContext(ctx, original, reference)
	if err != nil {
		return ser.Comparison{}, fmt.Errorf("workflow: score original: %w", err)
	}
	corr, err := s.engine.CalculateContext(ctx, corrected, reference)
	if err != nil {
		return ser.Comparison{}, fmt.Errorf("workflow: score corrected: %w", err)
	}
	return s.engine.Compare(orig, corr), nil
}

// SessionFeedback returns the session's feedback, oldest first.
func (s *Service) SessionFeedback(ctx context.Context, sessionID string) ([]review.Feedback, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	fb, err := s.store.ListFeedbackBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("workflow: list feedback: %w", err)
	}
	return fb, nil
}

// ── summary ─────────────────────────────────────────────────────────────────

// Summary aggregates the feedback of one session.
type Summary struct {
	FeedbackCount               int                       `json:"feedback_count"`
	ItemsReviewed               int                       `json:"items_reviewed"`
	AverageRating               float64                   `json:"average_rating"`
	AverageSERImprovement       float64                   `json:"average_ser_improvement"`
	SignificantImprovements     int                       `json:"significant_improvements"`
	BucketChangeRecommendations int                       `json:"bucket_change_recommendations"`
	Assessments                 map[review.Assessment]int `json:"assessments"`
}

// Summarize aggregates fb. Averages are rounded to two decimals and zero for
// an empty slice.
func Summarize(fb []review.Feedback) Summary {
	sum := Summary{
		FeedbackCount: len(fb),
		Assessments:   make(map[review.Assessment]int),
	}
	if len(fb) == 0 {
		return sum
	}
	items := make(map[string]struct{}, len(fb))
	var rating, improvement float64
	for _, f := range fb {
		items[f.HistoricalDataID()] = struct{}{}
		rating += float64(f.Rating())
		c := f.SER()
		improvement += c.Improvement
		if c.IsSignificantImprovement {
			sum.SignificantImprovements++
		}
		if f.RecommendedForBucketChange() {
			sum.BucketChangeRecommendations++
		}
		sum.Assessments[f.ImprovementAssessment()]++
	}
	n := float64(len(fb))
	sum.ItemsReviewed = len(items)
	sum.AverageRating = ser.Round2(rating / n)
	sum.AverageSERImprovement = ser.Round2(improvement / n)
	return sum
}

// metadata renders the summary as plain JSON-compatible values for the
// session metadata.
func (sum Summary) metadata() map[string]any {
	assessments := make(map[string]any, len(sum.Assessments))
	for k, v := range sum.Assessments {
		assessments[string(k)] = v
	}
	return map[string]any{
		"feedback_count":                sum.FeedbackCount,
		"items_reviewed":                sum.ItemsReviewed,
		"average_rating":                sum.AverageRating,
		"average_ser_improvement":       sum.AverageSERImprovement,
		"significant_improvements":      sum.SignificantImprovements,
		"bucket_change_recommendations": sum.BucketChangeRecommendations,
		"assessments":                   assessments,
	}
}

// ── SER comparison ──────────────────────────────────────────────────────────

// Recommendation tiers of [Comparison].
const (
	TierStrong   = "strong_improvement"
	TierModerate = "moderate_improvement"
	TierSlight   = "slight_improvement"
	TierMinimal  = "minimal_improvement"
)

// Confidence labels of [Comparison].
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// ItemComparison is the SER outcome of one test item.
type ItemComparison struct {
	TestItemID   string  `json:"historical_data_id"`
	OriginalSER  float64 `json:"original_ser"`
	CorrectedSER float64 `json:"corrected_ser"`
	Improvement  float64 `json:"improvement"`
	Significant  bool    `json:"is_significant_improvement"`
}

// Comparison is the SER outcome of a set of items of one speaker.
type Comparison struct {
	SpeakerID               string           `json:"speaker_id"`
	Items                   []ItemComparison `json:"items"`
	AverageOriginalSER      float64          `json:"average_original_ser"`
	AverageCorrectedSER     float64          `json:"average_corrected_ser"`
	OverallImprovementPct   float64          `json:"overall_improvement_percentage"`
	SignificantImprovements int              `json:"significant_improvements"`
	Recommendation          string           `json:"recommendation"`
	Confidence              string           `json:"confidence"`
}

// GetSERComparison scores the given items of one speaker and maps the
// overall relative improvement onto a recommendation tier. Every item must
// belong to the speaker; repeated ids are scored once.
func (s *Service) GetSERComparison(ctx context.Context, speakerID string, itemIDs []string) (out Comparison, err error) {
	ctx, span := observe.StartSpan(ctx, "workflow.GetSERComparison",
		trace.WithAttributes(
			observe.SpeakerIDKey.String(speakerID),
			attribute.Int("items", len(itemIDs)),
		))
	defer func() { observe.EndSpan(span, err) }()

	if speakerID == "" {
		return Comparison{}, apperr.Invalid("ser comparison", "speaker_id must not be empty")
	}
	if len(itemIDs) == 0 {
		return Comparison{}, apperr.Invalid("ser comparison", "at least one test item is required")
	}

	if len(itemIDs) > review.MaxTestDataCount {
		return Comparison{}, apperr.Invalid("ser comparison", "at most %d test items, got %d",
			review.MaxTestDataCount, len(itemIDs))
	}

	seen := make(map[string]bool, len(itemIDs))
	items := make([]review.TestItem, 0, len(itemIDs))
	pairs := make([]ser.Pair, 0, 2*len(itemIDs))
	for _, id := range itemIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		it, err := s.store.GetTestItem(ctx, id)
		if err != nil {
			return Comparison{}, fmt.Errorf("workflow: get test item: %w", err)
		}
		if it.SpeakerID != speakerID {
			return Comparison{}, apperr.Invalid("ser comparison", "test item %q belongs to speaker %q, not %q",
				id, it.SpeakerID, speakerID)
		}
		items = append(items, it)
		pairs = append(pairs,
			ser.Pair{Hypothesis: it.OriginalASRText, Reference: it.FinalReferenceText},
			ser.Pair{Hypothesis: it.RAGCorrectedText, Reference: it.FinalReferenceText},
		)
	}

	scores, err := s.engine.CalculateBatch(ctx, pairs)
	if err != nil {
		return Comparison{}, fmt.Errorf("workflow: score items: %w", err)
	}

	out = Comparison{SpeakerID: speakerID, Items: make([]ItemComparison, len(items))}
	var origSum, corrSum float64
	for i, it := range items {
		c := s.engine.Compare(scores[2*i], scores[2*i+1])
		origSum += c.Original.SERScore()
		corrSum += c.Corrected.SERScore()
		if c.IsSignificantImprovement {
			out.SignificantImprovements++
		}
		out.Items[i] = ItemComparison{
			TestItemID:   it.ID,
			OriginalSER:  ser.Round2(c.Original.SERScore()),
			CorrectedSER: ser.Round2(c.Corrected.SERScore()),
			Improvement:  ser.Round2(c.Improvement),
			Significant:  c.IsSignificantImprovement,
		}
	}

	n := float64(len(items))
	avgOrig, avgCorr := origSum/n, corrSum/n
	var pct float64
	if avgOrig > 0 {
		pct = (avgOrig - avgCorr) / avgOrig * 100
	}
	out.AverageOriginalSER = ser.Round2(avgOrig)
	out.AverageCorrectedSER = ser.Round2(avgCorr)
	out.OverallImprovementPct = ser.Round2(pct)
	out.Recommendation, out.Confidence = Recommend(pct)
	return out, nil
}

// Recommend maps an overall improvement percentage onto a recommendation
// tier and a confidence label.
func Recommend(pct float64) (tier, confidence string) {
	switch {
	case pct >= 20:
		tier = TierStrong
	case pct >= 10:
		tier = TierModerate
	case pct >= 5:
		tier = TierSlight
	default:
		tier = TierMinimal
	}
	switch {
	case pct >= 15:
		confidence = ConfidenceHigh
	case pct >= 5:
		confidence = ConfidenceMedium
	default:
		confidence = ConfidenceLow
	}
	return tier, confidence
}
