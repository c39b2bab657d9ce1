// Package store declares the persistence boundary of the service.
//
// Two implementations exist: [memstore] for tests and single-process
// deployments, and [postgres] for production. Both honour the same contract:
//
//   - Lookups of missing entities return an error matching
//     [apperr.ErrNotFound].
//   - Bucket history is append-only. [BucketHistory.AppendHistory] rejects an
//     entry whose assigned date is not strictly after the speaker's latest
//     entry with an error matching [apperr.ErrConflict].
//   - Performance snapshots are versioned. The first snapshot of a speaker
//     has version 1 and every later one must carry the stored version + 1;
//     anything else fails with [apperr.ErrConflict].
//
// All implementations must be safe for concurrent use.
package store

import (
	"context"
	"time"

	"github.com/tan-res-space/rag-interface/internal/errorreport"
	"github.com/tan-res-space/rag-interface/pkg/bucket"
	"github.com/tan-res-space/rag-interface/pkg/review"
)

// ErrorReports persists raw error reports.
type ErrorReports interface {
	// CreateReport inserts r. Returns [apperr.ErrConflict] if the ID exists.
	CreateReport(ctx context.Context, r errorreport.Report) error

	// UpdateReport replaces an existing report.
	UpdateReport(ctx context.Context, r errorreport.Report) error

	GetReport(ctx context.Context, id string) (errorreport.Report, error)

	// ListReportsBySpeaker returns the speaker's reports, oldest first.
	ListReportsBySpeaker(ctx context.Context, speakerID string) ([]errorreport.Report, error)

	// ListReportedSpeakers returns every speaker with at least one report.
	ListReportedSpeakers(ctx context.Context) ([]string, error)
}

// PerformanceMetrics persists the current performance snapshot per speaker.
type PerformanceMetrics interface {
	// SaveMetrics stores m as the speaker's current snapshot, subject to the
	// version check described in the package documentation.
	SaveMetrics(ctx context.Context, m bucket.PerformanceMetrics) error

	GetMetrics(ctx context.Context, speakerID string) (bucket.PerformanceMetrics, error)

	ListMetrics(ctx context.Context) ([]bucket.PerformanceMetrics, error)
}

// BucketHistory is the append-only bucket ledger.
type BucketHistory interface {
	AppendHistory(ctx context.Context, h bucket.History) error

	// LatestHistory returns the speaker's newest entry. ok is false when the
	// speaker has no history.
	LatestHistory(ctx context.Context, speakerID string) (h bucket.History, ok bool, err error)

	// ListHistory returns the speaker's entries in ascending assigned date.
	ListHistory(ctx context.Context, speakerID string) ([]bucket.History, error)

	// ListHistorySince returns every entry assigned at or after since, in
	// ascending assigned date. A zero since returns the whole ledger.
	ListHistorySince(ctx context.Context, since time.Time) ([]bucket.History, error)
}

// Sessions persists validation sessions.
type Sessions interface {
	CreateSession(ctx context.Context, s *review.Session) error

	// UpdateSession replaces the stored session only while its stored
	// status is still from. A session that moved on in the meantime yields
	// apperr.ErrConflict.
	UpdateSession(ctx context.Context, s *review.Session, from review.Status) error

	GetSession(ctx context.Context, id string) (*review.Session, error)

	// ListSessionsBySpeaker returns the speaker's sessions, newest first.
	ListSessionsBySpeaker(ctx context.Context, speakerID string) ([]*review.Session, error)
}

// Feedback persists reviewer feedback. Records are never updated.
type Feedback interface {
	CreateFeedback(ctx context.Context, f review.Feedback) error

	// ListFeedbackBySession returns the session's feedback, oldest first.
	ListFeedbackBySession(ctx context.Context, sessionID string) ([]review.Feedback, error)
}

// TestItems persists historical items available for review.
type TestItems interface {
	// SaveTestItem inserts or replaces item.
	SaveTestItem(ctx context.Context, item review.TestItem) error

	GetTestItem(ctx context.Context, id string) (review.TestItem, error)

	// ListTestItemsBySpeaker returns up to limit of the speaker's items,
	// newest first. limit <= 0 means no limit.
	ListTestItemsBySpeaker(ctx context.Context, speakerID string, limit int) ([]review.TestItem, error)

	// ListTestItemsBySession returns the items linked to a session.
	ListTestItemsBySession(ctx context.Context, sessionID string) ([]review.TestItem, error)

	// ListAvailableTestItems is ListTestItemsBySpeaker restricted to items
	// no open session holds.
	ListAvailableTestItems(ctx context.Context, speakerID string, limit int) ([]review.TestItem, error)

	// LinkTestItems assigns every item in ids to sessionID. An item is
	// free when it is unlinked or its session has reached a terminal state;
	// a link to a session that does not exist yet counts as held. Either
	// every item is linked or none: a missing item yields
	// apperr.ErrNotFound, a held one apperr.ErrConflict.
	LinkTestItems(ctx context.Context, sessionID string, ids []string) error

	// UnlinkTestItems releases every item linked to sessionID.
	UnlinkTestItems(ctx context.Context, sessionID string) error
}

// Store bundles every repository of the service.
type Store interface {
	ErrorReports
	PerformanceMetrics
	BucketHistory
	Sessions
	Feedback
	TestItems

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close()
}
