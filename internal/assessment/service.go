// Package assessment turns a speaker's error reports into performance
// snapshots and manages the speaker's bucket ledger.
//
// Every write for a speaker runs under a per-speaker [lock.Locker], so
// assessments and manual assignments of the same speaker never interleave.
// The store adds two guards on top: metrics snapshots are versioned and the
// bucket ledger only accepts entries strictly after the latest one. Both
// surface as [apperr.ErrConflict].
package assessment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/tan-res-space/rag-interface/internal/cache"
	"github.com/tan-res-space/rag-interface/internal/errorreport"
	"github.com/tan-res-space/rag-interface/internal/events"
	"github.com/tan-res-space/rag-interface/internal/lock"
	"github.com/tan-res-space/rag-interface/internal/observe"
	"github.com/tan-res-space/rag-interface/internal/store"
	"github.com/tan-res-space/rag-interface/pkg/apperr"
	"github.com/tan-res-space/rag-interface/pkg/bucket"
)

// SystemAssigner is recorded as AssignedBy on automatic assignments.
const SystemAssigner = "system:assessment"

// Assessment outcomes reported to the [Recorder].
const (
	OutcomeReassigned       = "reassigned"
	OutcomeConfirmed        = "confirmed"
	OutcomeInsufficientData = "insufficient_data"
	OutcomeNotDue           = "not_due"
)

// Store is the persistence the service needs.
type Store interface {
	store.ErrorReports
	store.PerformanceMetrics
	store.BucketHistory
}

// Recorder observes assessment activity. *observe.Metrics implements it.
type Recorder interface {
	RecordAssessment(ctx context.Context, outcome string)
	RecordBucketTransition(ctx context.Context, transition, assignmentType string)
	RecordCacheLookup(ctx context.Context, result string)
}

type nopRecorder struct{}

func (nopRecorder) RecordAssessment(context.Context, string)               {}
func (nopRecorder) RecordBucketTransition(context.Context, string, string) {}
func (nopRecorder) RecordCacheLookup(context.Context, string)              {}

// Config tunes the service.
type Config struct {
	// MinErrors is the report count from which automatic reassignment is
	// allowed.
	MinErrors int

	// ReassessDays is the age after which the bucket is reviewed again.
	ReassessDays int

	// DefaultBucket is the bucket of a speaker without history.
	DefaultBucket bucket.BucketType

	Confidence bucket.ConfidencePolicy

	// Concurrency bounds parallel assessments in [Service.ReassessDue].
	Concurrency int
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		MinErrors:     bucket.DefaultMinErrors,
		ReassessDays:  bucket.DefaultReassessDays,
		DefaultBucket: bucket.HighTouch,
		Confidence:    bucket.DefaultConfidencePolicy(),
		Concurrency:   4,
	}
}

// Option is a functional option for [New].
type Option func(*Service)

// WithLocker sets the per-speaker lock. Defaults to an in-process
// [lock.KeyedMutex].
func WithLocker(l lock.Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithCache sets the performance snapshot cache. Defaults to [cache.Nop].
func WithCache(c cache.PerformanceCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithEmitter sets the domain event emitter. Without one no events are sent.
func WithEmitter(e *events.Emitter) Option {
	return func(s *Service) { s.events = e }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.rec = r
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCategorizer sets the categorizer used for reports filed without
// categories.
func WithCategorizer(c *errorreport.Categorizer) Option {
	return func(s *Service) { s.categorizer = c }
}

// Service implements the performance and bucket use cases.
type Service struct {
	store       Store
	cfg         Config
	locker      lock.Locker
	cache       cache.PerformanceCache
	events      *events.Emitter
	rec         Recorder
	now         func() time.Time
	categorizer *errorreport.Categorizer
	reads       singleflight.Group
}

// New creates a [Service]. Zero fields of cfg take their defaults.
func New(st Store, cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.MinErrors <= 0 {
		cfg.MinErrors = def.MinErrors
	}
	if cfg.ReassessDays <= 0 {
		cfg.ReassessDays = def.ReassessDays
	}
	if !cfg.DefaultBucket.IsValid() {
		cfg.DefaultBucket = def.DefaultBucket
	}
	if cfg.Confidence == (bucket.ConfidencePolicy{}) {
		cfg.Confidence = def.Confidence
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}

	s := &Service{
		store:       st,
		cfg:         cfg,
		locker:      lock.NewKeyedMutex(),
		cache:       cache.Nop{},
		rec:         nopRecorder{},
		now:         func() time.Time { return time.Now().UTC() },
		categorizer: errorreport.NewCategorizer(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Result is the outcome of [Service.AssessSpeaker].
type Result struct {
	Metrics        bucket.PerformanceMetrics `json:"metrics"`
	Score          float64                   `json:"performance_score"`
	Recommendation bucket.BucketType         `json:"recommended_bucket"`
	Outcome        string                    `json:"outcome"`

	// Assignment is set when the assessment appended a ledger entry.
	Assignment *bucket.History `json:"assignment,omitempty"`
}

// AssessSpeaker recomputes the speaker's performance snapshot from the error
// reports and, when the speaker has enough data and is due for review,
// moves the speaker to the recommended bucket.
func (s *Service) AssessSpeaker(ctx context.Context, speakerID string) (res Result, err error) {
	if speakerID == "" {
		return Result{}, apperr.Invalid("assessment", "speaker_id must not be empty")
	}
	ctx, span := observe.StartSpan(ctx, "assessment.AssessSpeaker",
		trace.WithAttributes(observe.SpeakerIDKey.String(speakerID)))
	defer func() { observe.EndSpan(span, err) }()

	release, err := s.locker.Acquire(ctx, speakerID)
	if err != nil {
		return Result{}, fmt.Errorf("assessment: lock %q: %w", speakerID, err)
	}
	defer release()

	reports, err := s.store.ListReportsBySpeaker(ctx, speakerID)
	if err != nil {
		return Result{}, fmt.Errorf("assessment: list reports: %w", err)
	}
	summary := errorreport.Aggregate(reports)

	prev, err := s.store.GetMetrics(ctx, speakerID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return Result{}, fmt.Errorf("assessment: get metrics: %w", err)
	}
	latest, hasHistory, err := s.store.LatestHistory(ctx, speakerID)
	if err != nil {
		return Result{}, fmt.Errorf("assessment: latest history: %w", err)
	}

	now := s.now()
	current := s.cfg.DefaultBucket
	if hasHistory {
		current = latest.BucketType()
	}

	// A first snapshot has no previous rate to compare against; fall back to
	// the direction of earlier manual assignments.
	trend := bucket.TrendUnset
	if prev.IsZero() && hasHistory {
		entries, err := s.store.ListHistory(ctx, speakerID)
		if err != nil {
			return Result{}, fmt.Errorf("assessment: list history: %w", err)
		}
		trend = bucket.TrendFromHistory(entries)
	}

	candidate, err := s.snapshot(speakerID, prev, summary, current, trend, now)
	if err != nil {
		return Result{}, err
	}

	res = Result{
		Score:          candidate.PerformanceScore(),
		Recommendation: candidate.BucketRecommendation(),
	}

	review := candidate.HasSufficientData(s.cfg.MinErrors) &&
		candidate.ShouldReassessBucket(now, s.cfg.ReassessDays)
	switch {
	case !candidate.HasSufficientData(s.cfg.MinErrors):
		res.Outcome = OutcomeInsufficientData
	case !review:
		res.Outcome = OutcomeNotDue
	case res.Recommendation != current || !hasHistory:
		res.Outcome = OutcomeReassigned
	default:
		res.Outcome = OutcomeConfirmed
	}
	if review {
		candidate = candidate.WithAssessment(now, now.AddDate(0, 0, s.cfg.ReassessDays))
	}

	if err := s.store.SaveMetrics(ctx, candidate); err != nil {
		return Result{}, fmt.Errorf("assessment: save metrics: %w", err)
	}
	final := candidate

	if res.Outcome == OutcomeReassigned {
		var previous bucket.BucketType
		if hasHistory {
			previous = current
		}
		confidence := s.cfg.Confidence.Resolve(bucket.AssignmentAutomatic, nil)
		entry, err := s.newEntry(speakerID, candidate, res.Recommendation, previous, bucket.AssignmentAutomatic,
			SystemAssigner,
			fmt.Sprintf("performance score %.2f recommends %s", res.Score, res.Recommendation),
			&res.Score, confidence, now)
		if err != nil {
			return Result{}, err
		}
		if err := s.store.AppendHistory(ctx, entry); err != nil {
			return Result{}, fmt.Errorf("assessment: append history: %w", err)
		}
		final, err = candidate.WithCurrentBucket(res.Recommendation, now)
		if err != nil {
			return Result{}, fmt.Errorf("assessment: advance metrics: %w", err)
		}
		if err := s.store.SaveMetrics(ctx, final); err != nil {
			return Result{}, fmt.Errorf("assessment: save metrics: %w", err)
		}
		res.Assignment = &entry
		s.assigned(ctx, entry)
	}
	res.Metrics = final

	s.refreshCache(ctx, final)
	s.rec.RecordAssessment(ctx, res.Outcome)
	s.events.Emit(ctx, events.Event{
		Type:      events.MetricsUpdated,
		SpeakerID: speakerID,
		Data: map[string]any{
			"version":            final.Version(),
			"rectification_rate": final.RectificationRate(),
			"performance_score":  res.Score,
			"outcome":            res.Outcome,
		},
	})
	observe.Logger(ctx).Info("speaker assessed",
		"speaker_id", speakerID,
		"outcome", res.Outcome,
		"score", res.Score,
		"bucket", final.CurrentBucket(),
		"version", final.Version(),
	)
	return res, nil
}

// snapshot builds the next version of the speaker's performance metrics. The
// last assessment date is carried over from prev; the caller stamps a new one
// when the bucket is reviewed. trend applies only when prev is zero.
func (s *Service) snapshot(speakerID string, prev bucket.PerformanceMetrics, sum errorreport.Summary, current bucket.BucketType, trend bucket.QualityTrend, now time.Time) (bucket.PerformanceMetrics, error) {
	p := bucket.PerformanceParams{
		ID:                            uuid.NewString(),
		SpeakerID:                     speakerID,
		CurrentBucket:                 current,
		TotalErrorsReported:           sum.Total,
		ErrorsRectified:               sum.Rectified,
		ErrorsPending:                 sum.Pending,
		RectificationRate:             sum.RectificationRate,
		AverageAudioQuality:           sum.AverageAudioQuality,
		AverageClarityScore:           sum.AverageClarityScore,
		SpecializedKnowledgeFrequency: sum.SpecializedKnowledgeFrequency,
		OverlappingSpeechFrequency:    sum.OverlappingSpeechFrequency,
		QualityTrend:                  trend,
		Version:                       1,
		CreatedAt:                     now,
		UpdatedAt:                     now,
	}
	if !prev.IsZero() {
		pp := prev.Params()
		p.ID = pp.ID
		p.Version = pp.Version + 1
		p.CreatedAt = pp.CreatedAt
		p.LastAssessmentDate = pp.LastAssessmentDate
		p.NextAssessmentDate = pp.NextAssessmentDate
		p.QualityTrend = bucket.TrendBetween(pp.RectificationRate, sum.RectificationRate)
	}
	m, err := bucket.NewPerformanceMetrics(p)
	if err != nil {
		return bucket.PerformanceMetrics{}, fmt.Errorf("assessment: build metrics for %q: %w", speakerID, err)
	}
	return m, nil
}

// newEntry builds a ledger entry for speakerID carrying the counters of m,
// when m is set.
func (s *Service) newEntry(speakerID string, m bucket.PerformanceMetrics, to, from bucket.BucketType, typ bucket.AssignmentType,
	by, reason string, score *float64, confidence float64, at time.Time) (bucket.History, error) {
	p := bucket.HistoryParams{
		ID:               uuid.NewString(),
		SpeakerID:        speakerID,
		BucketType:       to,
		PreviousBucket:   from,
		AssignedBy:       by,
		AssignmentReason: reason,
		AssignmentType:   typ,
		AssignedDate:     at,
		ConfidenceScore:  &confidence,
	}
	if !m.IsZero() {
		rate := m.RectificationRate()
		p.ErrorCountAtAssignment = m.TotalErrorsReported()
		p.RectificationRateAtAssignment = &rate
	}
	if score != nil {
		p.QualityScoreAtAssignment = score
	}
	return bucket.NewHistory(p)
}

// AssignRequest is the input of [Service.AssignBucket].
type AssignRequest struct {
	SpeakerID  string                `json:"speaker_id"`
	Bucket     bucket.BucketType     `json:"bucket_type"`
	AssignedBy string                `json:"assigned_by"`
	Reason     string                `json:"assignment_reason"`
	Type       bucket.AssignmentType `json:"assignment_type,omitempty"`

	// Confidence overrides the policy default when set.
	Confidence *float64 `json:"confidence_score,omitempty"`
}

// AssignBucket records a manual or system assignment. The previous bucket is
// read from the speaker's latest ledger entry. An empty Type means manual.
func (s *Service) AssignBucket(ctx context.Context, req AssignRequest) (entry bucket.History, err error) {
	if req.Type == "" {
		req.Type = bucket.AssignmentManual
	}
	if req.SpeakerID == "" {
		return bucket.History{}, apperr.Invalid("bucket assignment", "speaker_id must not be empty")
	}
	ctx, span := observe.StartSpan(ctx, "assessment.AssignBucket",
		trace.WithAttributes(
			observe.SpeakerIDKey.String(req.SpeakerID),
			attribute.String("bucket", string(req.Bucket)),
		))
	defer func() { observe.EndSpan(span, err) }()

	release, err := s.locker.Acquire(ctx, req.SpeakerID)
	if err != nil {
		return bucket.History{}, fmt.Errorf("assessment: lock %q: %w", req.SpeakerID, err)
	}
	defer release()

	latest, hasHistory, err := s.store.LatestHistory(ctx, req.SpeakerID)
	if err != nil {
		return bucket.History{}, fmt.Errorf("assessment: latest history: %w", err)
	}
	m, err := s.store.GetMetrics(ctx, req.SpeakerID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return bucket.History{}, fmt.Errorf("assessment: get metrics: %w", err)
	}

	var previous bucket.BucketType
	if hasHistory {
		previous = latest.BucketType()
	}
	now := s.now()
	confidence := s.cfg.Confidence.Resolve(req.Type, req.Confidence)

	var score *float64
	if !m.IsZero() {
		v := m.PerformanceScore()
		score = &v
	}
	entry, err = s.newEntry(req.SpeakerID, m, req.Bucket, previous, req.Type, req.AssignedBy, req.Reason, score, confidence, now)
	if err != nil {
		return bucket.History{}, err
	}
	if err := s.store.AppendHistory(ctx, entry); err != nil {
		return bucket.History{}, fmt.Errorf("assessment: append history: %w", err)
	}

	if !m.IsZero() {
		next, err := m.WithCurrentBucket(req.Bucket, now)
		if err != nil {
			return bucket.History{}, fmt.Errorf("assessment: advance metrics: %w", err)
		}
		if err := s.store.SaveMetrics(ctx, next); err != nil {
			return bucket.History{}, fmt.Errorf("assessment: save metrics: %w", err)
		}
		s.refreshCache(ctx, next)
	}

	s.assigned(ctx, entry)
	observe.Logger(ctx).Info("bucket assigned",
		"speaker_id", req.SpeakerID,
		"bucket", entry.BucketType(),
		"previous", previous,
		"type", entry.AssignmentType(),
		"assigned_by", entry.AssignedBy(),
	)
	return entry, nil
}

// assigned reports a new ledger entry to metrics and subscribers.
func (s *Service) assigned(ctx context.Context, h bucket.History) {
	s.rec.RecordBucketTransition(ctx, string(h.Transition()), string(h.AssignmentType()))
	data := map[string]any{
		"history_id":      h.ID(),
		"bucket_type":     string(h.BucketType()),
		"assignment_type": string(h.AssignmentType()),
		"transition":      string(h.Transition()),
		"assigned_by":     h.AssignedBy(),
	}
	if prev, ok := h.PreviousBucket(); ok {
		data["previous_bucket"] = string(prev)
	}
	s.events.Emit(ctx, events.Event{
		Type:       events.BucketAssigned,
		SpeakerID:  h.SpeakerID(),
		OccurredAt: h.AssignedDate(),
		Data:       data,
	})
}

func (s *Service) refreshCache(ctx context.Context, m bucket.PerformanceMetrics) {
	if err := s.cache.Set(ctx, m); err != nil {
		observe.Logger(ctx).Debug("performance cache not refreshed", "speaker_id", m.SpeakerID(), "error", err)
	}
}

// CurrentMetrics returns the speaker's latest snapshot, served from the cache
// when possible. Concurrent misses for the same speaker share one store read.
func (s *Service) CurrentMetrics(ctx context.Context, speakerID string) (bucket.PerformanceMetrics, error) {
	m, ok, err := s.cache.Get(ctx, speakerID)
	switch {
	case err != nil:
		s.rec.RecordCacheLookup(ctx, "error")
		observe.Logger(ctx).Debug("performance cache unavailable", "speaker_id", speakerID, "error", err)
	case ok:
		s.rec.RecordCacheLookup(ctx, "hit")
		return m, nil
	default:
		s.rec.RecordCacheLookup(ctx, "miss")
	}

	v, err, _ := s.reads.Do(speakerID, func() (any, error) {
		m, err := s.store.GetMetrics(ctx, speakerID)
		if err != nil {
			return bucket.PerformanceMetrics{}, err
		}
		s.refreshCache(ctx, m)
		return m, nil
	})
	if err != nil {
		return bucket.PerformanceMetrics{}, fmt.Errorf("assessment: current metrics: %w", err)
	}
	return v.(bucket.PerformanceMetrics), nil
}
