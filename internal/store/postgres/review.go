package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tan-res-space/rag-interface/pkg/apperr"
	"github.com/tan-res-space/rag-interface/pkg/review"
)

// ── sessions ────────────────────────────────────────────────────────────────

const sessionColumns = `
	id, speaker_id, session_name, test_data_count, status, mt_user_id,
	started_at, completed_at, session_metadata, created_at, updated_at`

func scanSession(row scanner) (*review.Session, error) {
	var (
		p                  review.SessionParams
		status             string
		started, completed *time.Time
		metaJSON           []byte
	)
	err := row.Scan(
		&p.ID, &p.SpeakerID, &p.Name, &p.TestDataCount, &status, &p.MTUserID,
		&started, &completed, &metaJSON, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = review.Status(status)
	p.StartedAt, p.CompletedAt = started, completed
	if err := json.Unmarshal(metaJSON, &p.Metadata); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal session_metadata: %w", err)
	}

	sess, err := review.RestoreSession(p)
	if err != nil {
		return nil, fmt.Errorf("postgres: stored session %q: %w", p.ID, err)
	}
	return sess, nil
}

func sessionArgs(sess *review.Session) ([]any, error) {
	p := sess.Params()
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal session_metadata: %w", err)
	}
	return []any{
		p.ID, p.SpeakerID, p.Name, p.TestDataCount, string(p.Status), p.MTUserID,
		p.StartedAt, p.CompletedAt, meta, p.CreatedAt, p.UpdatedAt,
	}, nil
}

// CreateSession implements [store.Sessions.CreateSession].
func (s *Store) CreateSession(ctx context.Context, sess *review.Session) error {
	args, err := sessionArgs(sess)
	if err != nil {
		return err
	}
	const query = `INSERT INTO validation_sessions (` + sessionColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		if isDuplicateKeyError(err) {
			return apperr.Conflict("session %q already exists", sess.ID())
		}
		return fmt.Errorf("postgres: create session: %w", err)
	}
	return nil
}

// UpdateSession implements [store.Sessions.UpdateSession].
func (s *Store) UpdateSession(ctx context.Context, sess *review.Session, from review.Status) error {
	args, err := sessionArgs(sess)
	if err != nil {
		return err
	}
	const query = `
		UPDATE validation_sessions SET
			speaker_id = $2, session_name = $3, test_data_count = $4, status = $5,
			mt_user_id = $6, started_at = $7, completed_at = $8, session_metadata = $9,
			created_at = $10, updated_at = $11
		WHERE id = $1 AND status = $12`
	tag, err := s.db.Exec(ctx, query, append(args, string(from))...)
	if err != nil {
		return fmt.Errorf("postgres: update session: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRow(ctx, `SELECT status FROM validation_sessions WHERE id = $1`, sess.ID()).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return apperr.NotFound("session", sess.ID())
	case err != nil:
		return fmt.Errorf("postgres: update session: %w", err)
	}
	return apperr.Conflict("session %q is %s, expected %s", sess.ID(), status, from)
}

// GetSession implements [store.Sessions.GetSession].
func (s *Store) GetSession(ctx context.Context, id string) (*review.Session, error) {
	const query = `SELECT ` + sessionColumns + ` FROM validation_sessions WHERE id = $1`
	sess, err := scanSession(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("session", id)
		}
		return nil, fmt.Errorf("postgres: get session %q: %w", id, err)
	}
	return sess, nil
}

// ListSessionsBySpeaker implements [store.Sessions.ListSessionsBySpeaker].
func (s *Store) ListSessionsBySpeaker(ctx context.Context, speakerID string) ([]*review.Session, error) {
	const query = `SELECT ` + sessionColumns + `
		FROM validation_sessions
		WHERE speaker_id = $1
		ORDER BY created_at DESC, id`
	rows, err := s.db.Query(ctx, query, speakerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*review.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list sessions scan: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	return out, nil
}

// ── feedback ────────────────────────────────────────────────────────────────

// CreateFeedback implements [store.Feedback.CreateFeedback].
func (s *Store) CreateFeedback(ctx context.Context, f review.Feedback) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("postgres: marshal feedback: %w", err)
	}
	const query = `
		INSERT INTO validation_feedback (id, session_id, payload, created_at)
		VALUES ($1, $2, $3, $4)`
	if _, err := s.db.Exec(ctx, query, f.ID(), f.SessionID(), payload, f.CreatedAt()); err != nil {
		if isDuplicateKeyError(err) {
			return apperr.Conflict("feedback %q already exists", f.ID())
		}
		return fmt.Errorf("postgres: create feedback: %w", err)
	}
	return nil
}

// ListFeedbackBySession implements [store.Feedback.ListFeedbackBySession].
func (s *Store) ListFeedbackBySession(ctx context.Context, sessionID string) ([]review.Feedback, error) {
	const query = `
		SELECT payload FROM validation_feedback
		WHERE session_id = $1
		ORDER BY created_at, id`
	rows, err := s.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list feedback: %w", err)
	}
	defer rows.Close()

	var out []review.Feedback
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres: list feedback scan: %w", err)
		}
		var f review.Feedback
		if err := json.Unmarshal(payload, &f); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal feedback: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list feedback: %w", err)
	}
	return out, nil
}

// ── test items ──────────────────────────────────────────────────────────────

const itemColumns = `
	id, speaker_id, job_id, original_asr_text, rag_corrected_text,
	final_reference_text, session_id, created_at`

func scanItem(row scanner) (review.TestItem, error) {
	var it review.TestItem
	err := row.Scan(
		&it.ID, &it.SpeakerID, &it.JobID, &it.OriginalASRText, &it.RAGCorrectedText,
		&it.FinalReferenceText, &it.SessionID, &it.CreatedAt,
	)
	return it, err
}

// SaveTestItem implements [store.TestItems.SaveTestItem].
func (s *Store) SaveTestItem(ctx context.Context, item review.TestItem) error {
	const query = `
		INSERT INTO validation_test_items (` + itemColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			speaker_id = EXCLUDED.speaker_id,
			job_id = EXCLUDED.job_id,
			original_asr_text = EXCLUDED.original_asr_text,
			rag_corrected_text = EXCLUDED.rag_corrected_text,
			final_reference_text = EXCLUDED.final_reference_text,
			session_id = EXCLUDED.session_id,
			created_at = EXCLUDED.created_at`
	_, err := s.db.Exec(ctx, query,
		item.ID, item.SpeakerID, item.JobID, item.OriginalASRText, item.RAGCorrectedText,
		item.FinalReferenceText, item.SessionID, item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save test item: %w", err)
	}
	return nil
}

// GetTestItem implements [store.TestItems.GetTestItem].
func (s *Store) GetTestItem(ctx context.Context, id string) (review.TestItem, error) {
	const query = `SELECT ` + itemColumns + ` FROM validation_test_items WHERE id = $1`
	it, err := scanItem(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return review.TestItem{}, apperr.NotFound("test item", id)
		}
		return review.TestItem{}, fmt.Errorf("postgres: get test item %q: %w", id, err)
	}
	return it, nil
}

// ListTestItemsBySpeaker implements [store.TestItems.ListTestItemsBySpeaker].
func (s *Store) ListTestItemsBySpeaker(ctx context.Context, speakerID string, limit int) ([]review.TestItem, error) {
	// LIMIT ALL is spelled as a NULL limit.
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	const query = `SELECT ` + itemColumns + `
		FROM validation_test_items
		WHERE speaker_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2`
	return s.queryItems(ctx, query, speakerID, lim)
}

// ListTestItemsBySession implements [store.TestItems.ListTestItemsBySession].
func (s *Store) ListTestItemsBySession(ctx context.Context, sessionID string) ([]review.TestItem, error) {
	const query = `SELECT ` + itemColumns + `
		FROM validation_test_items
		WHERE session_id = $1
		ORDER BY id`
	return s.queryItems(ctx, query, sessionID)
}

// freeItem matches items no open session holds. A link to a session row
// that does not exist yet counts as held.
const freeItem = `(t.session_id = '' OR EXISTS (
		SELECT 1 FROM validation_sessions v
		WHERE v.id = t.session_id AND v.status IN ('completed', 'cancelled')))`

// ListAvailableTestItems implements [store.TestItems.ListAvailableTestItems].
func (s *Store) ListAvailableTestItems(ctx context.Context, speakerID string, limit int) ([]review.TestItem, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	const query = `SELECT ` + itemColumns + `
		FROM validation_test_items t
		WHERE t.speaker_id = $1 AND ` + freeItem + `
		ORDER BY created_at DESC, id
		LIMIT $2`
	return s.queryItems(ctx, query, speakerID, lim)
}

func (s *Store) queryItems(ctx context.Context, query string, args ...any) ([]review.TestItem, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list test items: %w", err)
	}
	defer rows.Close()

	var out []review.TestItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list test items scan: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list test items: %w", err)
	}
	return out, nil
}

// LinkTestItems implements [store.TestItems.LinkTestItems]. The claim is a
// single conditional update; when it cannot take every item, the items it
// did take are released again.
func (s *Store) LinkTestItems(ctx context.Context, sessionID string, ids []string) error {
	unique := slices.Compact(slices.Sorted(slices.Values(ids)))
	if len(unique) == 0 {
		return nil
	}
	const claim = `
		UPDATE validation_test_items t SET session_id = $1
		WHERE t.id = ANY($2::text[]) AND (t.session_id = $1 OR ` + freeItem + `)
		RETURNING t.id`
	rows, err := s.db.Query(ctx, claim, sessionID, unique)
	if err != nil {
		return fmt.Errorf("postgres: link test items: %w", err)
	}
	claimed := 0
	for rows.Next() {
		claimed++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: link test items: %w", err)
	}
	if claimed == len(unique) {
		return nil
	}

	const release = `
		UPDATE validation_test_items SET session_id = ''
		WHERE session_id = $1 AND id = ANY($2::text[])`
	if _, err := s.db.Exec(ctx, release, sessionID, unique); err != nil {
		return fmt.Errorf("postgres: release test items: %w", err)
	}
	var existing int
	const count = `SELECT count(*) FROM validation_test_items WHERE id = ANY($1::text[])`
	if err := s.db.QueryRow(ctx, count, unique).Scan(&existing); err != nil {
		return fmt.Errorf("postgres: link test items: %w", err)
	}
	if existing != len(unique) {
		return apperr.NotFound("test item", fmt.Sprintf("one of %v", unique))
	}
	return apperr.Conflict("test items %v are held by another open session", unique)
}

// UnlinkTestItems implements [store.TestItems.UnlinkTestItems].
func (s *Store) UnlinkTestItems(ctx context.Context, sessionID string) error {
	const query = `UPDATE validation_test_items SET session_id = '' WHERE session_id = $1`
	if _, err := s.db.Exec(ctx, query, sessionID); err != nil {
		return fmt.Errorf("postgres: unlink test items: %w", err)
	}
	return nil
}
