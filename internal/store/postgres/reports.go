package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tan-res-space/rag-interface/internal/errorreport"
	"github.com/tan-res-space/rag-interface/pkg/apperr"
)

const reportColumns = `
	id, job_id, speaker_id, reported_by, original_text, corrected_text,
	categories, severity, start_position, end_position, context_notes, status,
	audio_quality, clarity_score, specialized_knowledge, overlapping_speech,
	reported_at, rectified_at`

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanReport(row scanner) (errorreport.Report, error) {
	var (
		r                     errorreport.Report
		catsJSON              []byte
		severity, status      string
		audio, clarity        *float64
		rectifiedAt           *time.Time
		specialized, overlaps bool
	)
	err := row.Scan(
		&r.ID, &r.JobID, &r.SpeakerID, &r.ReportedBy, &r.OriginalText, &r.CorrectedText,
		&catsJSON, &severity, &r.StartPosition, &r.EndPosition, &r.ContextNotes, &status,
		&audio, &clarity, &specialized, &overlaps,
		&r.ReportedAt, &rectifiedAt,
	)
	if err != nil {
		return errorreport.Report{}, err
	}
	if err := json.Unmarshal(catsJSON, &r.Categories); err != nil {
		return errorreport.Report{}, fmt.Errorf("postgres: unmarshal categories: %w", err)
	}
	r.Severity = errorreport.Severity(severity)
	r.Status = errorreport.Status(status)
	r.AudioQuality, r.ClarityScore = audio, clarity
	r.SpecializedKnowledge, r.OverlappingSpeech = specialized, overlaps
	r.RectifiedAt = rectifiedAt
	return r, nil
}

func reportArgs(r errorreport.Report) ([]any, error) {
	cats, err := json.Marshal(emptyStrings(r.Categories))
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal categories: %w", err)
	}
	return []any{
		r.ID, r.JobID, r.SpeakerID, r.ReportedBy, r.OriginalText, r.CorrectedText,
		cats, string(r.Severity), r.StartPosition, r.EndPosition, r.ContextNotes, string(r.Status),
		r.AudioQuality, r.ClarityScore, r.SpecializedKnowledge, r.OverlappingSpeech,
		r.ReportedAt, r.RectifiedAt,
	}, nil
}

// CreateReport implements [store.ErrorReports.CreateReport].
func (s *Store) CreateReport(ctx context.Context, r errorreport.Report) error {
	args, err := reportArgs(r)
	if err != nil {
		return err
	}
	const query = `INSERT INTO error_reports (` + reportColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		if isDuplicateKeyError(err) {
			return apperr.Conflict("error report %q already exists", r.ID)
		}
		return fmt.Errorf("postgres: create report: %w", err)
	}
	return nil
}

// UpdateReport implements [store.ErrorReports.UpdateReport].
func (s *Store) UpdateReport(ctx context.Context, r errorreport.Report) error {
	args, err := reportArgs(r)
	if err != nil {
		return err
	}
	const query = `
		UPDATE error_reports SET
			job_id = $2, speaker_id = $3, reported_by = $4, original_text = $5,
			corrected_text = $6, categories = $7, severity = $8, start_position = $9,
			end_position = $10, context_notes = $11, status = $12, audio_quality = $13,
			clarity_score = $14, specialized_knowledge = $15, overlapping_speech = $16,
			reported_at = $17, rectified_at = $18
		WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: update report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("error report", r.ID)
	}
	return nil
}

// GetReport implements [store.ErrorReports.GetReport].
func (s *Store) GetReport(ctx context.Context, id string) (errorreport.Report, error) {
	const query = `SELECT ` + reportColumns + ` FROM error_reports WHERE id = $1`
	r, err := scanReport(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errorreport.Report{}, apperr.NotFound("error report", id)
		}
		return errorreport.Report{}, fmt.Errorf("postgres: get report %q: %w", id, err)
	}
	return r, nil
}

// ListReportsBySpeaker implements [store.ErrorReports.ListReportsBySpeaker].
func (s *Store) ListReportsBySpeaker(ctx context.Context, speakerID string) ([]errorreport.Report, error) {
	const query = `SELECT ` + reportColumns + `
		FROM error_reports
		WHERE speaker_id = $1
		ORDER BY reported_at, id`
	rows, err := s.db.Query(ctx, query, speakerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list reports: %w", err)
	}
	defer rows.Close()

	var out []errorreport.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list reports scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list reports: %w", err)
	}
	return out, nil
}

// ListReportedSpeakers implements [store.ErrorReports.ListReportedSpeakers].
func (s *Store) ListReportedSpeakers(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT speaker_id FROM error_reports ORDER BY speaker_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list speakers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: list speakers scan: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list speakers: %w", err)
	}
	return out, nil
}
