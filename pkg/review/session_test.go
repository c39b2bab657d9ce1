package review

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/tan-res-space/rag-interface/pkg/apperr"
)

var created = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

func newTestSession(t *testing.T, count int) *Session {
	t.Helper()
	s, err := NewSession(SessionParams{
		ID:            "session-1",
		SpeakerID:     "speaker-1",
		TestDataCount: count,
		CreatedAt:     created,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestNewSession_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		p    SessionParams
	}{
		{"zero items", SessionParams{ID: "s", SpeakerID: "sp", TestDataCount: 0, CreatedAt: created}},
		{"too many items", SessionParams{ID: "s", SpeakerID: "sp", TestDataCount: 1001, CreatedAt: created}},
		{"no speaker", SessionParams{ID: "s", TestDataCount: 3, CreatedAt: created}},
		{"no id", SessionParams{SpeakerID: "sp", TestDataCount: 3, CreatedAt: created}},
		{"no creation time", SessionParams{ID: "s", SpeakerID: "sp", TestDataCount: 3}},
	}
	for _, tc := range tests {
		if _, err := NewSession(tc.p); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("%s: err = %v, want ErrValidation", tc.name, err)
		}
	}
}

func TestNewSession_AlwaysPending(t *testing.T) {
	t.Parallel()
	s, err := NewSession(SessionParams{
		ID: "s", SpeakerID: "sp", TestDataCount: 1000, CreatedAt: created,
		Status: StatusCompleted, MTUserID: "mt",
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if s.Status() != StatusPending || s.MTUserID() != "" {
		t.Errorf("status = %q, mt = %q; want pending and no reviewer", s.Status(), s.MTUserID())
	}
}

func TestSession_FullLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestSession(t, 5)

	startAt := created.Add(time.Hour)
	if err := s.StartAt("mt-42", startAt); err != nil {
		t.Fatalf("StartAt: %v", err)
	}
	if s.Status() != StatusInProgress || s.MTUserID() != "mt-42" {
		t.Fatalf("after start: status %q mt %q", s.Status(), s.MTUserID())
	}
	if got := s.ProgressPercentage(0); got != 0 {
		t.Errorf("ProgressPercentage(0) = %v, want 0", got)
	}
	if got := s.ProgressPercentage(3); got != 60 {
		t.Errorf("ProgressPercentage(3) = %v, want 60", got)
	}

	doneAt := startAt.Add(90 * time.Minute)
	if err := s.CompleteAt(doneAt); err != nil {
		t.Fatalf("CompleteAt: %v", err)
	}
	if s.Status() != StatusCompleted {
		t.Errorf("status = %q, want completed", s.Status())
	}
	at, ok := s.CompletedAt()
	if !ok || !at.Equal(doneAt) {
		t.Errorf("CompletedAt = %v, %v; want %v", at, ok, doneAt)
	}
	if d, ok := s.DurationMinutes(doneAt.Add(time.Hour)); !ok || d != 90 {
		t.Errorf("DurationMinutes = %v, %v; want 90, true", d, ok)
	}
}

func TestSession_IllegalTransitions(t *testing.T) {
	t.Parallel()

	completed := func(t *testing.T) *Session {
		s := newTestSession(t, 2)
		if err := s.StartAt("mt", created); err != nil {
			t.Fatal(err)
		}
		if err := s.CompleteAt(created.Add(time.Minute)); err != nil {
			t.Fatal(err)
		}
		return s
	}

	tests := []struct {
		name     string
		session  func(*testing.T) *Session
		op       func(*Session) error
		wantOp   string
		wantFrom Status
	}{
		{"start from completed", completed, func(s *Session) error { return s.Start("mt") }, "start", StatusCompleted},
		{"complete from pending", func(t *testing.T) *Session { return newTestSession(t, 2) },
			func(s *Session) error { return s.Complete() }, "complete", StatusPending},
		{"cancel from completed", completed, func(s *Session) error { return s.Cancel("late") }, "cancel", StatusCompleted},
		{"start twice", func(t *testing.T) *Session {
			s := newTestSession(t, 2)
			if err := s.Start("mt"); err != nil {
				t.Fatal(err)
			}
			return s
		}, func(s *Session) error { return s.Start("other") }, "start", StatusInProgress},
		{"cancel twice", func(t *testing.T) *Session {
			s := newTestSession(t, 2)
			if err := s.Cancel("first"); err != nil {
				t.Fatal(err)
			}
			return s
		}, func(s *Session) error { return s.Cancel("second") }, "cancel", StatusCancelled},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := tc.session(t)
			before := s.Status()
			err := tc.op(s)

			var te *apperr.TransitionError
			if !errors.As(err, &te) {
				t.Fatalf("err = %v, want *apperr.TransitionError", err)
			}
			if !errors.Is(err, apperr.ErrInvalidTransition) {
				t.Error("error does not match ErrInvalidTransition")
			}
			if te.Op != tc.wantOp || te.From != string(tc.wantFrom) {
				t.Errorf("TransitionError op=%q from=%q, want %q from %q", te.Op, te.From, tc.wantOp, tc.wantFrom)
			}
			if s.Status() != before {
				t.Errorf("status changed to %q after failed transition", s.Status())
			}
		})
	}
}

func TestSession_StartRequiresReviewer(t *testing.T) {
	t.Parallel()
	s := newTestSession(t, 2)
	if err := s.Start("  "); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if s.Status() != StatusPending {
		t.Errorf("status = %q, want pending", s.Status())
	}
}

func TestSession_CancelRecordsMetadata(t *testing.T) {
	t.Parallel()
	s := newTestSession(t, 2)
	at := created.Add(2 * time.Hour)

	if err := s.CancelAt("reviewer unavailable", at); err != nil {
		t.Fatalf("CancelAt: %v", err)
	}
	md := s.Metadata()
	if md[MetaCancellationReason] != "reviewer unavailable" {
		t.Errorf("reason = %v", md[MetaCancellationReason])
	}
	if md[MetaCancelledAt] != at.Format(time.RFC3339) {
		t.Errorf("cancelled_at = %v", md[MetaCancelledAt])
	}

	if err := s.SetMetadata("note", "x"); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("SetMetadata on cancelled session err = %v, want ErrInvalidTransition", err)
	}
}

func TestSession_MetadataIsCopied(t *testing.T) {
	t.Parallel()
	s := newTestSession(t, 2)
	if err := s.SetMetadata("k", "v"); err != nil {
		t.Fatal(err)
	}
	md := s.Metadata()
	md["k"] = "changed"
	if s.Metadata()["k"] != "v" {
		t.Error("mutating the returned map changed the session")
	}
}

func TestSession_StartedAtNotOverwritten(t *testing.T) {
	t.Parallel()
	early := created.Add(-time.Hour)
	s, err := RestoreSession(SessionParams{
		ID: "s", SpeakerID: "sp", TestDataCount: 1, CreatedAt: created,
		Status: StatusPending, StartedAt: &early,
	})
	if err != nil {
		t.Fatalf("RestoreSession: %v", err)
	}
	if err := s.StartAt("mt", created.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.StartedAt(); !got.Equal(early) {
		t.Errorf("StartedAt = %v, want preserved %v", got, early)
	}
}

func TestSession_ProgressAndDuration(t *testing.T) {
	t.Parallel()
	s := newTestSession(t, 3)

	if _, ok := s.DurationMinutes(created); ok {
		t.Error("DurationMinutes ok before start")
	}
	if got := s.ProgressPercentage(1); math.Abs(got-33.33) > 1e-9 {
		t.Errorf("ProgressPercentage(1) = %v, want 33.33", got)
	}
	if got := s.ProgressPercentage(10); got != 100 {
		t.Errorf("ProgressPercentage(10) = %v, want 100", got)
	}

	if err := s.StartAt("mt", created); err != nil {
		t.Fatal(err)
	}
	if d, _ := s.DurationMinutes(created.Add(45 * time.Minute)); d != 45 {
		t.Errorf("DurationMinutes = %v, want 45", d)
	}
	if s.IsOverdue(created.Add(8*time.Hour), DefaultMaxSessionDuration) {
		t.Error("overdue at exactly the limit")
	}
	if !s.IsOverdue(created.Add(8*time.Hour+time.Second), DefaultMaxSessionDuration) {
		t.Error("not overdue past the limit")
	}
}

func TestRestoreSession_RejectsInconsistentState(t *testing.T) {
	t.Parallel()
	_, err := RestoreSession(SessionParams{
		ID: "s", SpeakerID: "sp", TestDataCount: 1, CreatedAt: created,
		Status: StatusCompleted,
	})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}
