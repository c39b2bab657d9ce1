// Package workflow runs the MT validation loop: a reviewer opens a session
// over a speaker's historical test items, submits one piece of feedback per
// item and completes the session, which aggregates the feedback into a
// summary.
//
// Every piece of feedback carries the SER comparison between the original
// and the corrected text, computed against the reference when the feedback
// is submitted.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/tan-res-space/rag-interface/internal/events"
	"github.com/tan-res-space/rag-interface/internal/lock"
	"github.com/tan-res-space/rag-interface/internal/observe"
	"github.com/tan-res-space/rag-interface/internal/store"
	"github.com/tan-res-space/rag-interface/pkg/apperr"
	"github.com/tan-res-space/rag-interface/pkg/review"
	"github.com/tan-res-space/rag-interface/pkg/ser"
)

const (
	sessionEntity = "validation session"

	// sessionLockPrefix keeps session keys apart from the speaker keys the
	// assessment service takes on a shared locker.
	sessionLockPrefix = "session:"
)

// Store is the persistence the workflow needs.
type Store interface {
	store.Sessions
	store.Feedback
	store.TestItems
}

// Recorder observes workflow activity. *observe.Metrics implements it.
type Recorder interface {
	RecordSessionTransition(ctx context.Context, status string, wasActive bool)
	RecordFeedback(ctx context.Context, assessment string)
}

type nopRecorder struct{}

func (nopRecorder) RecordSessionTransition(context.Context, string, bool) {}
func (nopRecorder) RecordFeedback(context.Context, string)                {}

// Config tunes the workflow.
type Config struct {
	// MaxSessionDuration marks an in-progress session as overdue.
	MaxSessionDuration time.Duration

	// DefaultMaxItems bounds the items picked when a start request names
	// neither items nor a maximum.
	DefaultMaxItems int
}

// Option is a functional option for [New].
type Option func(*Service)

// WithEmitter sets the domain event emitter.
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

// WithLocker sets the lock that serialises writers of one session.
// Default: an in-process [lock.KeyedMutex].
func WithLocker(l lock.Locker) Option {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service implements the validation use cases.
type Service struct {
	store  Store
	engine *ser.Engine
	cfg    Config
	locker lock.Locker
	events *events.Emitter
	rec    Recorder
	now    func() time.Time
}

// New creates a [Service]. A nil engine gets a default [ser.Engine].
func New(st Store, engine *ser.Engine, cfg Config, opts ...Option) *Service {
	if engine == nil {
		engine = ser.NewEngine()
	}
	if cfg.MaxSessionDuration <= 0 {
		cfg.MaxSessionDuration = review.DefaultMaxSessionDuration
	}
	if cfg.DefaultMaxItems <= 0 {
		cfg.DefaultMaxItems = 10
	}
	s := &Service{
		store:  st,
		engine: engine,
		cfg:    cfg,
		locker: lock.NewKeyedMutex(),
		rec:    nopRecorder{},
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ── sessions ────────────────────────────────────────────────────────────────

// StartRequest is the input of [Service.StartSession].
type StartRequest struct {
	SpeakerID string `json:"speaker_id"`
	MTUserID  string `json:"mt_user_id"`
	Name      string `json:"session_name,omitempty"`

	// TestItemIDs selects the items explicitly. When empty, the speaker's
	// most recent MaxItems items are used.
	TestItemIDs []string       `json:"test_item_ids,omitempty"`
	MaxItems    int            `json:"max_items,omitempty"`
	Metadata    map[string]any `json:"session_metadata,omitempty"`
}

// StartSession opens a session for the request's test items and hands it to
// the reviewer right away.
func (s *Service) StartSession(ctx context.Context, req StartRequest) (sess *review.Session, err error) {
	ctx, span := observe.StartSpan(ctx, "workflow.StartSession",
		trace.WithAttributes(observe.SpeakerIDKey.String(req.SpeakerID)))
	defer func() { observe.EndSpan(span, err) }()

	if req.SpeakerID == "" {
		return nil, apperr.Invalid(sessionEntity, "speaker_id must not be empty")
	}
	if strings.TrimSpace(req.MTUserID) == "" {
		return nil, apperr.Invalid(sessionEntity, "mt_user_id must not be empty")
	}

	items, err := s.resolveItems(ctx, req)
	if err != nil {
		return nil, err
	}

	now := s.now()
	sess, err = review.NewSession(review.SessionParams{
		ID:            uuid.NewString(),
		SpeakerID:     req.SpeakerID,
		Name:          req.Name,
		TestDataCount: len(items),
		Metadata:      req.Metadata,
		CreatedAt:     now,
	})
	if err != nil {
		return nil, err
	}
	if err := sess.StartAt(req.MTUserID, now); err != nil {
		return nil, err
	}

	// Items are claimed before the session row exists; they count as held
	// from that moment on.
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	if err := s.store.LinkTestItems(ctx, sess.ID(), ids); err != nil {
		return nil, fmt.Errorf("workflow: link test items: %w", err)
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		if uerr := s.store.UnlinkTestItems(ctx, sess.ID()); uerr != nil {
			observe.Logger(ctx).Warn("failed to release test items", "session_id", sess.ID(), "err", uerr)
		}
		return nil, fmt.Errorf("workflow: create session: %w", err)
	}

	s.rec.RecordSessionTransition(ctx, string(review.StatusInProgress), false)
	s.events.Emit(ctx, events.Event{
		Type:      events.SessionStarted,
		SpeakerID: sess.SpeakerID(),
		SessionID: sess.ID(),
		Data: map[string]any{
			"mt_user_id":      sess.MTUserID(),
			"test_data_count": sess.TestDataCount(),
		},
	})
	observe.Logger(ctx).Info("validation session started",
		"session_id", sess.ID(),
		"speaker_id", sess.SpeakerID(),
		"mt_user_id", sess.MTUserID(),
		"items", len(items),
	)
	return sess, nil
}

// resolveItems returns the test items a new session covers. Items another
// open session holds are never picked.
func (s *Service) resolveItems(ctx context.Context, req StartRequest) ([]review.TestItem, error) {
	if len(req.TestItemIDs) == 0 {
		limit := req.MaxItems
		if limit <= 0 {
			limit = s.cfg.DefaultMaxItems
		}
		items, err := s.store.ListAvailableTestItems(ctx, req.SpeakerID, limit)
		if err != nil {
			return nil, fmt.Errorf("workflow: list test items: %w", err)
		}
		if len(items) == 0 {
			return nil, apperr.Invalid(sessionEntity, "no test data available for speaker %q", req.SpeakerID)
		}
		return items, nil
	}

	if len(req.TestItemIDs) > review.MaxTestDataCount {
		return nil, apperr.Invalid(sessionEntity, "at most %d test items per session, got %d",
			review.MaxTestDataCount, len(req.TestItemIDs))
	}
	seen := make(map[string]bool, len(req.TestItemIDs))
	var items []review.TestItem
	for _, id := range req.TestItemIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		it, err := s.store.GetTestItem(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("workflow: get test item: %w", err)
		}
		if it.SpeakerID != req.SpeakerID {
			return nil, apperr.Invalid(sessionEntity, "test item %q belongs to speaker %q, not %q",
				id, it.SpeakerID, req.SpeakerID)
		}
		if err := s.checkUnheld(ctx, it); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

// checkUnheld rejects an item linked to an open session. A link to a
// session that is not stored yet is left for LinkTestItems to refuse.
func (s *Service) checkUnheld(ctx context.Context, it review.TestItem) error {
	if it.SessionID == "" {
		return nil
	}
	owner, err := s.store.GetSession(ctx, it.SessionID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("workflow: get session: %w", err)
	case !owner.IsTerminal():
		return apperr.Invalid(sessionEntity, "test item %q is held by open session %q", it.ID, owner.ID())
	}
	return nil
}

// lockSession serialises the read-modify-write of one session.
func (s *Service) lockSession(ctx context.Context, id string) (func(), error) {
	release, err := s.locker.Acquire(ctx, sessionLockPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("workflow: lock session %q: %w", id, err)
	}
	return release, nil
}

// GetSession returns one session.
func (s *Service) GetSession(ctx context.Context, id string) (*review.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("workflow: get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the speaker's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, speakerID string) ([]*review.Session, error) {
	out, err := s.store.ListSessionsBySpeaker(ctx, speakerID)
	if err != nil {
		return nil, fmt.Errorf("workflow: list sessions: %w", err)
	}
	return out, nil
}

// CompleteSession aggregates the session's feedback, stores the summary and
// the reviewer's notes in the metadata, and completes the session.
func (s *Service) CompleteSession(ctx context.Context, id, notes string) (sess *review.Session, sum Summary, err error) {
	ctx, span := observe.StartSpan(ctx, "workflow.CompleteSession",
		trace.WithAttributes(observe.SessionIDKey.String(id)))
	defer func() { observe.EndSpan(span, err) }()

	release, err := s.lockSession(ctx, id)
	if err != nil {
		return nil, Summary{}, err
	}
	defer release()

	sess, err = s.GetSession(ctx, id)
	if err != nil {
		return nil, Summary{}, err
	}
	if sess.Status() != review.StatusInProgress {
		return nil, Summary{}, apperr.Transition(sessionEntity, "complete", string(sess.Status()), string(review.StatusInProgress))
	}

	fb, err := s.store.ListFeedbackBySession(ctx, id)
	if err != nil {
		return nil, Summary{}, fmt.Errorf("workflow: list feedback: %w", err)
	}
	sum = Summarize(fb)

	if notes = strings.TrimSpace(notes); notes != "" {
		if err := sess.SetMetadata(review.MetaCompletionNotes, notes); err != nil {
			return nil, Summary{}, err
		}
	}
	if err := sess.SetMetadata(review.MetaCompletionSummary, sum.metadata()); err != nil {
		return nil, Summary{}, err
	}
	if err := sess.CompleteAt(s.now()); err != nil {
		return nil, Summary{}, err
	}
	if err := s.store.UpdateSession(ctx, sess, review.StatusInProgress); err != nil {
		return nil, Summary{}, fmt.Errorf("workflow: update session: %w", err)
	}

	s.rec.RecordSessionTransition(ctx, string(review.StatusCompleted), true)
	s.events.Emit(ctx, events.Event{
		Type:      events.SessionCompleted,
		SpeakerID: sess.SpeakerID(),
		SessionID: sess.ID(),
		Data:      sum.metadata(),
	})
	observe.Logger(ctx).Info("validation session completed",
		"session_id", id,
		"feedback", sum.FeedbackCount,
		"average_ser_improvement", sum.AverageSERImprovement,
		"bucket_change_recommendations", sum.BucketChangeRecommendations,
	)
	return sess, sum, nil
}

// CancelSession cancels an open session. Cancelling a completed or
// cancelled session fails with [apperr.ErrInvalidTransition].
func (s *Service) CancelSession(ctx context.Context, id, reason string) (sess *review.Session, err error) {
	ctx, span := observe.StartSpan(ctx, "workflow.CancelSession",
		trace.WithAttributes(observe.SessionIDKey.String(id)))
	defer func() { observe.EndSpan(span, err) }()

	release, err := s.lockSession(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err = s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	from := sess.Status()
	if err := sess.CancelAt(reason, s.now()); err != nil {
		return nil, err
	}
	if err := s.store.UpdateSession(ctx, sess, from); err != nil {
		return nil, fmt.Errorf("workflow: update session: %w", err)
	}

	s.rec.RecordSessionTransition(ctx, string(review.StatusCancelled), from == review.StatusInProgress)
	s.events.Emit(ctx, events.Event{
		Type:      events.SessionCancelled,
		SpeakerID: sess.SpeakerID(),
		SessionID: sess.ID(),
		Data:      map[string]any{"reason": reason},
	})
	observe.Logger(ctx).Info("validation session cancelled", "session_id", id, "reason", reason)
	return sess, nil
}

// Progress describes how far a session has come.
type Progress struct {
	SessionID     string         `json:"session_id"`
	Status        review.Status  `json:"status"`
	TotalItems    int            `json:"total_items"`
	ItemsReviewed int            `json:"items_reviewed"`
	FeedbackCount int            `json:"feedback_count"`
	Percentage    float64        `json:"progress_percentage"`
	Duration      *float64       `json:"duration_minutes,omitempty"`
	Overdue       bool           `json:"is_overdue"`
	Metadata      map[string]any `json:"session_metadata,omitempty"`
}

// Progress reports the session's completion. Items with several pieces of
// feedback count once.
func (s *Service) Progress(ctx context.Context, id string) (Progress, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return Progress{}, err
	}
	fb, err := s.store.ListFeedbackBySession(ctx, id)
	if err != nil {
		return Progress{}, fmt.Errorf("workflow: list feedback: %w", err)
	}
	reviewed := make(map[string]struct{}, len(fb))
	for _, f := range fb {
		reviewed[f.HistoricalDataID()] = struct{}{}
	}

	now := s.now()
	p := Progress{
		SessionID:     sess.ID(),
		Status:        sess.Status(),
		TotalItems:    sess.TestDataCount(),
		ItemsReviewed: len(reviewed),
		FeedbackCount: len(fb),
		Percentage:    sess.ProgressPercentage(len(reviewed)),
		Overdue:       sess.IsOverdue(now, s.cfg.MaxSessionDuration),
		Metadata:      sess.Metadata(),
	}
	if d, ok := sess.DurationMinutes(now); ok {
		d = ser.Round2(d)
		p.Duration = &d
	}
	return p, nil
}

// SessionItems returns the test items linked to a session.
func (s *Service) SessionItems(ctx context.Context, id string) ([]review.TestItem, error) {
	if _, err := s.GetSession(ctx, id); err != nil {
		return nil, err
	}
	items, err := s.store.ListTestItemsBySession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("workflow: list session items: %w", err)
	}
	return items, nil
}

// ── test items ──────────────────────────────────────────────────────────────

// AddTestItem registers a historical item for later review. ID and CreatedAt
// are filled in when missing; a session link in the input is ignored.
func (s *Service) AddTestItem(ctx context.Context, item review.TestItem) (review.TestItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	item.SessionID = ""
	if err := item.Validate(); err != nil {
		return review.TestItem{}, err
	}
	if err := s.store.SaveTestItem(ctx, item); err != nil {
		return review.TestItem{}, fmt.Errorf("workflow: save test item: %w", err)
	}
	return item, nil
}

// ListTestItems returns up to limit of the speaker's items, newest first.
func (s *Service) ListTestItems(ctx context.Context, speakerID string, limit int) ([]review.TestItem, error) {
	items, err := s.store.ListTestItemsBySpeaker(ctx, speakerID, limit)
	if err != nil {
		return nil, fmt.Errorf("workflow: list test items: %w", err)
	}
	return items, nil
}
