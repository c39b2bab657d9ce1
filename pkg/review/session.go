// Package review implements the human validation loop: a reviewer (MT) works
// through a [Session] of historical test items, compares the original and
// corrected transcriptions and records one [Feedback] per item.
//
// Session is a small state machine:
//
//	pending ──Start──▶ in_progress ──Complete──▶ completed
//	   │                    │
//	   └──────Cancel────────┴──────────────────▶ cancelled
//
// completed and cancelled are terminal. Every illegal transition returns an
// [*apperr.TransitionError] naming the attempted operation and the current
// state. Session is not safe for concurrent use; callers serialise access
// through their store.
package review

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"strings"
	"time"

	"github.com/tan-res-space/rag-interface/pkg/apperr"
)

const (
	// MaxTestDataCount bounds the number of items in one session.
	MaxTestDataCount = 1000

	// DefaultMaxSessionDuration is the age after which an in-progress
	// session is overdue.
	DefaultMaxSessionDuration = 8 * time.Hour
)

// Well-known metadata keys.
const (
	MetaCancellationReason = "cancellation_reason"
	MetaCancelledAt        = "cancelled_at"
	MetaCompletionNotes    = "completion_notes"
	MetaCompletionSummary  = "completion_summary"
)

const sessionEntity = "validation session"

// Status is the lifecycle state of a [Session].
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// SessionParams carries the persisted fields of a [Session].
type SessionParams struct {
	ID            string         `json:"id"`
	SpeakerID     string         `json:"speaker_id"`
	Name          string         `json:"session_name,omitempty"`
	TestDataCount int            `json:"test_data_count"`
	Status        Status         `json:"status"`
	MTUserID      string         `json:"mt_user_id,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Metadata      map[string]any `json:"session_metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Session is a validation test session.
type Session struct {
	p SessionParams
}

// NewSession validates p and returns a pending session. Status, MTUserID,
// StartedAt and CompletedAt in p are ignored.
func NewSession(p SessionParams) (*Session, error) {
	p.Status = StatusPending
	p.MTUserID = ""
	p.StartedAt = nil
	p.CompletedAt = nil
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	if err := validateSession(p); err != nil {
		return nil, err
	}
	p.Metadata = maps.Clone(p.Metadata)
	return &Session{p: p}, nil
}

// RestoreSession rehydrates a session in any state, typically from storage.
func RestoreSession(p SessionParams) (*Session, error) {
	if err := validateSession(p); err != nil {
		return nil, err
	}
	p.Metadata = maps.Clone(p.Metadata)
	p.StartedAt = cloneTime(p.StartedAt)
	p.CompletedAt = cloneTime(p.CompletedAt)
	return &Session{p: p}, nil
}

func validateSession(p SessionParams) error {
	var errs []error
	if p.ID == "" {
		errs = append(errs, errors.New("id must not be empty"))
	}
	if p.SpeakerID == "" {
		errs = append(errs, errors.New("speaker_id must not be empty"))
	}
	if p.TestDataCount < 1 || p.TestDataCount > MaxTestDataCount {
		errs = append(errs, fmt.Errorf("test_data_count must be in [1, %d], got %d", MaxTestDataCount, p.TestDataCount))
	}
	if !p.Status.IsValid() {
		errs = append(errs, fmt.Errorf("status %q is not a known session status", p.Status))
	}
	if p.CreatedAt.IsZero() {
		errs = append(errs, errors.New("created_at must be set"))
	}
	if (p.Status == StatusInProgress || p.Status == StatusCompleted) && p.StartedAt == nil {
		errs = append(errs, fmt.Errorf("started_at must be set in status %q", p.Status))
	}
	if p.Status == StatusCompleted && p.CompletedAt == nil {
		errs = append(errs, errors.New("completed_at must be set in status \"completed\""))
	}
	return apperr.Validation(sessionEntity, errs...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (s *Session) ID() string         { return s.p.ID }
func (s *Session) SpeakerID() string  { return s.p.SpeakerID }
func (s *Session) Name() string       { return s.p.Name }
func (s *Session) TestDataCount() int { return s.p.TestDataCount }
func (s *Session) Status() Status     { return s.p.Status }
func (s *Session) MTUserID() string   { return s.p.MTUserID }
func (s *Session) CreatedAt() time.Time {
	return s.p.CreatedAt
}
func (s *Session) UpdatedAt() time.Time { return s.p.UpdatedAt }

// StartedAt returns when the session was started, if it was.
func (s *Session) StartedAt() (time.Time, bool) {
	if s.p.StartedAt == nil {
		return time.Time{}, false
	}
	return *s.p.StartedAt, true
}

// CompletedAt returns when the session was completed, if it was.
func (s *Session) CompletedAt() (time.Time, bool) {
	if s.p.CompletedAt == nil {
		return time.Time{}, false
	}
	return *s.p.CompletedAt, true
}

// IsTerminal reports whether the session is completed or cancelled.
func (s *Session) IsTerminal() bool { return s.p.Status.IsTerminal() }

// Metadata returns a copy of the session metadata.
func (s *Session) Metadata() map[string]any { return maps.Clone(s.p.Metadata) }

// Params returns a copy of the persisted fields.
func (s *Session) Params() SessionParams {
	p := s.p
	p.Metadata = maps.Clone(p.Metadata)
	p.StartedAt = cloneTime(p.StartedAt)
	p.CompletedAt = cloneTime(p.CompletedAt)
	return p
}

// Start assigns the session to mtUserID and moves it to in_progress.
func (s *Session) Start(mtUserID string) error { return s.StartAt(mtUserID, time.Now().UTC()) }

// StartAt is [Session.Start] with an explicit clock.
func (s *Session) StartAt(mtUserID string, at time.Time) error {
	if s.p.Status != StatusPending {
		return apperr.Transition(sessionEntity, "start", string(s.p.Status), string(StatusPending))
	}
	if strings.TrimSpace(mtUserID) == "" {
		return apperr.Invalid(sessionEntity, "mt_user_id must not be empty")
	}
	s.p.Status = StatusInProgress
	s.p.MTUserID = mtUserID
	if s.p.StartedAt == nil {
		s.p.StartedAt = &at
	}
	s.p.UpdatedAt = at
	return nil
}

// Complete moves an in-progress session to completed.
func (s *Session) Complete() error { return s.CompleteAt(time.Now().UTC()) }

// CompleteAt is [Session.Complete] with an explicit clock.
func (s *Session) CompleteAt(at time.Time) error {
	if s.p.Status != StatusInProgress {
		return apperr.Transition(sessionEntity, "complete", string(s.p.Status), string(StatusInProgress))
	}
	s.p.Status = StatusCompleted
	if s.p.CompletedAt == nil {
		s.p.CompletedAt = &at
	}
	s.p.UpdatedAt = at
	return nil
}

// Cancel moves an open session to cancelled and records reason and time in
// the metadata.
func (s *Session) Cancel(reason string) error { return s.CancelAt(reason, time.Now().UTC()) }

// CancelAt is [Session.Cancel] with an explicit clock.
func (s *Session) CancelAt(reason string, at time.Time) error {
	if s.p.Status.IsTerminal() {
		return apperr.Transition(sessionEntity, "cancel", string(s.p.Status),
			string(StatusPending), string(StatusInProgress))
	}
	s.setMeta(MetaCancellationReason, reason)
	s.setMeta(MetaCancelledAt, at.Format(time.RFC3339))
	s.p.Status = StatusCancelled
	s.p.UpdatedAt = at
	return nil
}

// SetMetadata stores key=value. Metadata is only writable while the session
// is open.
func (s *Session) SetMetadata(key string, value any) error {
	if s.p.Status.IsTerminal() {
		return apperr.Transition(sessionEntity, "set metadata", string(s.p.Status),
			string(StatusPending), string(StatusInProgress))
	}
	if key == "" {
		return apperr.Invalid(sessionEntity, "metadata key must not be empty")
	}
	s.setMeta(key, value)
	return nil
}

func (s *Session) setMeta(key string, value any) {
	if s.p.Metadata == nil {
		s.p.Metadata = make(map[string]any)
	}
	s.p.Metadata[key] = value
}

// ProgressPercentage returns completed/TestDataCount as a percentage, capped
// at 100 and rounded to two decimals.
func (s *Session) ProgressPercentage(completed int) float64 {
	if s.p.TestDataCount == 0 {
		return 100
	}
	ratio := math.Min(float64(max(completed, 0))/float64(s.p.TestDataCount), 1.0)
	return math.Round(ratio*100*100) / 100
}

// DurationMinutes returns the minutes between start and completion, or
// between start and now for an unfinished session. The second result is
// false when the session never started.
func (s *Session) DurationMinutes(now time.Time) (float64, bool) {
	if s.p.StartedAt == nil {
		return 0, false
	}
	end := now
	if s.p.CompletedAt != nil {
		end = *s.p.CompletedAt
	}
	return end.Sub(*s.p.StartedAt).Minutes(), true
}

// IsOverdue reports whether an in-progress session has been running longer
// than maxDuration.
func (s *Session) IsOverdue(now time.Time, maxDuration time.Duration) bool {
	if s.p.Status != StatusInProgress || s.p.StartedAt == nil {
		return false
	}
	return now.Sub(*s.p.StartedAt) > maxDuration
}

// MarshalJSON encodes the persisted fields.
func (s *Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.p)
}
