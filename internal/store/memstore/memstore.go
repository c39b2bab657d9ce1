// Package memstore is an in-memory implementation of [store.Store]. It is
// suitable for tests and single-process deployments; nothing survives a
// restart.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/tan-res-space/rag-interface/internal/errorreport"
	"github.com/tan-res-space/rag-interface/internal/store"
	"github.com/tan-res-space/rag-interface/pkg/apperr"
	"github.com/tan-res-space/rag-interface/pkg/bucket"
	"github.com/tan-res-space/rag-interface/pkg/review"
)

// Compile-time assertion that Store satisfies the store.Store interface.
var _ store.Store = (*Store)(nil)

// Store is a thread-safe, in-memory [store.Store].
type Store struct {
	mu sync.RWMutex

	reports  map[string]errorreport.Report
	metrics  map[string]bucket.PerformanceMetrics // by speaker
	history  map[string][]bucket.History          // by speaker, ascending
	sessions map[string]review.SessionParams
	feedback map[string][]review.Feedback // by session
	items    map[string]review.TestItem
}

// New returns an empty [Store].
func New() *Store {
	return &Store{
		reports:  make(map[string]errorreport.Report),
		metrics:  make(map[string]bucket.PerformanceMetrics),
		history:  make(map[string][]bucket.History),
		sessions: make(map[string]review.SessionParams),
		feedback: make(map[string][]review.Feedback),
		items:    make(map[string]review.TestItem),
	}
}

// Ping implements [store.Store.Ping]. It always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close implements [store.Store.Close]. It is a no-op.
func (s *Store) Close() {}

// ── error reports ────────────────────────────────────────────────────────────

// CreateReport implements [store.ErrorReports.CreateReport].
func (s *Store) CreateReport(_ context.Context, r errorreport.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.reports[r.ID]; exists {
		return apperr.Conflict("error report %q already exists", r.ID)
	}
	r.Categories = slices.Clone(r.Categories)
	s.reports[r.ID] = r
	return nil
}

// UpdateReport implements [store.ErrorReports.UpdateReport].
func (s *Store) UpdateReport(_ context.Context, r errorreport.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reports[r.ID]; !ok {
		return apperr.NotFound("error report", r.ID)
	}
	r.Categories = slices.Clone(r.Categories)
	s.reports[r.ID] = r
	return nil
}

// GetReport implements [store.ErrorReports.GetReport].
func (s *Store) GetReport(_ context.Context, id string) (errorreport.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reports[id]
	if !ok {
		return errorreport.Report{}, apperr.NotFound("error report", id)
	}
	r.Categories = slices.Clone(r.Categories)
	return r, nil
}

// ListReportsBySpeaker implements [store.ErrorReports.ListReportsBySpeaker].
func (s *Store) ListReportsBySpeaker(_ context.Context, speakerID string) ([]errorreport.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []errorreport.Report
	for _, r := range s.reports {
		if r.SpeakerID == speakerID {
			r.Categories = slices.Clone(r.Categories)
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b errorreport.Report) int {
		return cmp.Or(a.ReportedAt.Compare(b.ReportedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// ListReportedSpeakers implements [store.ErrorReports.ListReportedSpeakers].
func (s *Store) ListReportedSpeakers(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, r := range s.reports {
		seen[r.SpeakerID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

// ── performance metrics ─────────────────────────────────────────────────────

// SaveMetrics implements [store.PerformanceMetrics.SaveMetrics].
func (s *Store) SaveMetrics(_ context.Context, m bucket.PerformanceMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.metrics[m.SpeakerID()]
	switch {
	case !exists && m.Version() != 1:
		return apperr.Conflict("performance metrics for speaker %q: first version must be 1, got %d", m.SpeakerID(), m.Version())
	case exists && m.Version() != cur.Version()+1:
		return apperr.Conflict("performance metrics for speaker %q: stale version %d (stored %d)", m.SpeakerID(), m.Version(), cur.Version())
	}
	s.metrics[m.SpeakerID()] = m
	return nil
}

// GetMetrics implements [store.PerformanceMetrics.GetMetrics].
func (s *Store) GetMetrics(_ context.Context, speakerID string) (bucket.PerformanceMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.metrics[speakerID]
	if !ok {
		return bucket.PerformanceMetrics{}, apperr.NotFound("performance metrics", speakerID)
	}
	return m, nil
}

// ListMetrics implements [store.PerformanceMetrics.ListMetrics].
func (s *Store) ListMetrics(context.Context) ([]bucket.PerformanceMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]bucket.PerformanceMetrics, 0, len(s.metrics))
	for _, m := range s.metrics {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b bucket.PerformanceMetrics) int {
		return cmp.Compare(a.SpeakerID(), b.SpeakerID())
	})
	return out, nil
}

// ── bucket history ──────────────────────────────────────────────────────────

// AppendHistory implements [store.BucketHistory.AppendHistory].
func (s *Store) AppendHistory(_ context.Context, h bucket.History) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.history[h.SpeakerID()]
	if n := len(entries); n > 0 && !h.AssignedDate().After(entries[n-1].AssignedDate()) {
		return apperr.Conflict("bucket history for speaker %q: assigned date %s is not after latest %s",
			h.SpeakerID(), h.AssignedDate().Format(time.RFC3339Nano), entries[n-1].AssignedDate().Format(time.RFC3339Nano))
	}
	for _, e := range entries {
		if e.ID() == h.ID() {
			return apperr.Conflict("bucket history entry %q already exists", h.ID())
		}
	}
	s.history[h.SpeakerID()] = append(entries, h)
	return nil
}

// LatestHistory implements [store.BucketHistory.LatestHistory].
func (s *Store) LatestHistory(_ context.Context, speakerID string) (bucket.History, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[speakerID]
	if len(entries) == 0 {
		return bucket.History{}, false, nil
	}
	return entries[len(entries)-1], true, nil
}

// ListHistory implements [store.BucketHistory.ListHistory].
func (s *Store) ListHistory(_ context.Context, speakerID string) ([]bucket.History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.history[speakerID]), nil
}

// ListHistorySince implements [store.BucketHistory.ListHistorySince].
func (s *Store) ListHistorySince(_ context.Context, since time.Time) ([]bucket.History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []bucket.History
	for _, entries := range s.history {
		out = append(out, bucket.Since(entries, since)...)
	}
	slices.SortStableFunc(out, func(a, b bucket.History) int {
		return cmp.Or(a.AssignedDate().Compare(b.AssignedDate()), cmp.Compare(a.ID(), b.ID()))
	})
	return out, nil
}

// ── sessions ────────────────────────────────────────────────────────────────

// CreateSession implements [store.Sessions.CreateSession].
func (s *Store) CreateSession(_ context.Context, sess *review.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID()]; exists {
		return apperr.Conflict("session %q already exists", sess.ID())
	}
	s.sessions[sess.ID()] = sess.Params()
	return nil
}

// UpdateSession implements [store.Sessions.UpdateSession].
func (s *Store) UpdateSession(_ context.Context, sess *review.Session, from review.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sessions[sess.ID()]
	if !ok {
		return apperr.NotFound("session", sess.ID())
	}
	if cur.Status != from {
		return apperr.Conflict("session %q is %s, expected %s", sess.ID(), cur.Status, from)
	}
	s.sessions[sess.ID()] = sess.Params()
	return nil
}

// GetSession implements [store.Sessions.GetSession].
func (s *Store) GetSession(_ context.Context, id string) (*review.Session, error) {
	s.mu.RLock()
	p, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return nil, apperr.NotFound("session", id)
	}
	return review.RestoreSession(p)
}

// ListSessionsBySpeaker implements [store.Sessions.ListSessionsBySpeaker].
func (s *Store) ListSessionsBySpeaker(_ context.Context, speakerID string) ([]*review.Session, error) {
	s.mu.RLock()
	var params []review.SessionParams
	for _, p := range s.sessions {
		if p.SpeakerID == speakerID {
			params = append(params, p)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(params, func(a, b review.SessionParams) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	out := make([]*review.Session, 0, len(params))
	for _, p := range params {
		sess, err := review.RestoreSession(p)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// ── feedback ────────────────────────────────────────────────────────────────

// CreateFeedback implements [store.Feedback.CreateFeedback].
func (s *Store) CreateFeedback(_ context.Context, f review.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.feedback[f.SessionID()] {
		if existing.ID() == f.ID() {
			return apperr.Conflict("feedback %q already exists", f.ID())
		}
	}
	s.feedback[f.SessionID()] = append(s.feedback[f.SessionID()], f)
	return nil
}

// ListFeedbackBySession implements [store.Feedback.ListFeedbackBySession].
func (s *Store) ListFeedbackBySession(_ context.Context, sessionID string) ([]review.Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.feedback[sessionID]), nil
}

// ── test items ──────────────────────────────────────────────────────────────

// SaveTestItem implements [store.TestItems.SaveTestItem].
func (s *Store) SaveTestItem(_ context.Context, item review.TestItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
	return nil
}

// GetTestItem implements [store.TestItems.GetTestItem].
func (s *Store) GetTestItem(_ context.Context, id string) (review.TestItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return review.TestItem{}, apperr.NotFound("test item", id)
	}
	return item, nil
}

// ListTestItemsBySpeaker implements [store.TestItems.ListTestItemsBySpeaker].
func (s *Store) ListTestItemsBySpeaker(_ context.Context, speakerID string, limit int) ([]review.TestItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []review.TestItem
	for _, item := range s.items {
		if item.SpeakerID == speakerID {
			out = append(out, item)
		}
	}
	slices.SortFunc(out, func(a, b review.TestItem) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListTestItemsBySession implements [store.TestItems.ListTestItemsBySession].
func (s *Store) ListTestItemsBySession(_ context.Context, sessionID string) ([]review.TestItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []review.TestItem
	for _, item := range s.items {
		if item.SessionID == sessionID {
			out = append(out, item)
		}
	}
	slices.SortFunc(out, func(a, b review.TestItem) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// ListAvailableTestItems implements [store.TestItems.ListAvailableTestItems].
func (s *Store) ListAvailableTestItems(_ context.Context, speakerID string, limit int) ([]review.TestItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []review.TestItem
	for _, item := range s.items {
		if item.SpeakerID == speakerID && !s.heldLocked(item, "") {
			out = append(out, item)
		}
	}
	slices.SortFunc(out, func(a, b review.TestItem) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LinkTestItems implements [store.TestItems.LinkTestItems].
func (s *Store) LinkTestItems(_ context.Context, sessionID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		item, ok := s.items[id]
		if !ok {
			return apperr.NotFound("test item", id)
		}
		if s.heldLocked(item, sessionID) {
			return apperr.Conflict("test item %q is held by session %q", id, item.SessionID)
		}
	}
	for _, id := range ids {
		s.items[id] = s.items[id].InSession(sessionID)
	}
	return nil
}

// UnlinkTestItems implements [store.TestItems.UnlinkTestItems].
func (s *Store) UnlinkTestItems(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, item := range s.items {
		if item.SessionID == sessionID {
			s.items[id] = item.InSession("")
		}
	}
	return nil
}

// heldLocked reports whether a session other than sessionID keeps item. The
// caller holds s.mu.
func (s *Store) heldLocked(item review.TestItem, sessionID string) bool {
	if item.SessionID == "" || item.SessionID == sessionID {
		return false
	}
	p, ok := s.sessions[item.SessionID]
	return !ok || !p.Status.IsTerminal()
}
