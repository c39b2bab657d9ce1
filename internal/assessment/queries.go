package assessment

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tan-res-space/rag-interface/internal/errorreport"
	"github.com/tan-res-space/rag-interface/internal/observe"
	"github.com/tan-res-space/rag-interface/pkg/apperr"
	"github.com/tan-res-space/rag-interface/pkg/bucket"
)

// History returns the speaker's bucket ledger, oldest first.
func (s *Service) History(ctx context.Context, speakerID string) ([]bucket.History, error) {
	h, err := s.store.ListHistory(ctx, speakerID)
	if err != nil {
		return nil, fmt.Errorf("assessment: list history: %w", err)
	}
	return h, nil
}

// Statistics summarises the bucket ledger.
type Statistics struct {
	// Distribution counts speakers by their current bucket.
	Distribution map[bucket.BucketType]int `json:"distribution"`

	// Transitions covers the entries assigned at or after Since.
	Transitions bucket.TransitionSummary `json:"transitions"`

	Since time.Time `json:"since"`
}

// Statistics returns the current bucket distribution and the transitions
// recorded since the given time. A zero since covers the whole ledger.
func (s *Service) Statistics(ctx context.Context, since time.Time) (Statistics, error) {
	all, err := s.store.ListHistorySince(ctx, time.Time{})
	if err != nil {
		return Statistics{}, fmt.Errorf("assessment: list history: %w", err)
	}
	return Statistics{
		Distribution: bucket.Distribution(all),
		Transitions:  bucket.SummarizeTransitions(bucket.Since(all, since)),
		Since:        since,
	}, nil
}

// SpeakersNeedingAttention returns the snapshots flagged by
// [bucket.PerformanceMetrics.NeedsAttention], lowest rectification rate
// first.
func (s *Service) SpeakersNeedingAttention(ctx context.Context) ([]bucket.PerformanceMetrics, error) {
	all, err := s.store.ListMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("assessment: list metrics: %w", err)
	}
	var out []bucket.PerformanceMetrics
	for _, m := range all {
		if m.NeedsAttention() {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b bucket.PerformanceMetrics) int {
		return cmp.Or(
			cmp.Compare(a.RectificationRate(), b.RectificationRate()),
			cmp.Compare(a.SpeakerID(), b.SpeakerID()),
		)
	})
	return out, nil
}

// SweepSummary is the outcome of [Service.ReassessDue].
type SweepSummary struct {
	Speakers   int `json:"speakers"`
	Assessed   int `json:"assessed"`
	Reassigned int `json:"reassigned"`
	Failed     int `json:"failed"`
}

// ReassessDue assesses every reported speaker that is due: never assessed,
// reports changed since the last snapshot, or the bucket review is stale.
// Failures of individual speakers are logged and joined into the returned
// error; they do not stop the sweep.
func (s *Service) ReassessDue(ctx context.Context) (SweepSummary, error) {
	speakers, err := s.store.ListReportedSpeakers(ctx)
	if err != nil {
		return SweepSummary{}, fmt.Errorf("assessment: list speakers: %w", err)
	}

	var (
		mu   sync.Mutex
		sum  = SweepSummary{Speakers: len(speakers)}
		errs []error
	)
	fail := func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		sum.Failed++
		errs = append(errs, fmt.Errorf("speaker %q: %w", id, err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range speakers {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			due, err := s.due(gctx, id)
			if err != nil {
				fail(id, err)
				return nil
			}
			if !due {
				return nil
			}
			res, err := s.AssessSpeaker(gctx, id)
			if err != nil {
				observe.Logger(gctx).Warn("reassessment failed", "speaker_id", id, "error", err)
				fail(id, err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			sum.Assessed++
			if res.Outcome == OutcomeReassigned {
				sum.Reassigned++
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	observe.Logger(ctx).Info("reassessment sweep finished",
		"speakers", sum.Speakers,
		"assessed", sum.Assessed,
		"reassigned", sum.Reassigned,
		"failed", sum.Failed,
	)
	return sum, errors.Join(errs...)
}

// due reports whether the speaker needs a new assessment.
func (s *Service) due(ctx context.Context, speakerID string) (bool, error) {
	m, err := s.store.GetMetrics(ctx, speakerID)
	if errors.Is(err, apperr.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	reports, err := s.store.ListReportsBySpeaker(ctx, speakerID)
	if err != nil {
		return false, err
	}
	sum := errorreport.Aggregate(reports)
	if sum.Total != m.TotalErrorsReported() || sum.Rectified != m.ErrorsRectified() || sum.Pending != m.ErrorsPending() {
		return true, nil
	}
	if !m.HasSufficientData(s.cfg.MinErrors) {
		return false, nil
	}
	return m.ShouldReassessBucket(s.now(), s.cfg.ReassessDays), nil
}
