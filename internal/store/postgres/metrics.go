package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tan-res-space/rag-interface/pkg/apperr"
	"github.com/tan-res-space/rag-interface/pkg/bucket"
)

const metricsColumns = `
	id, speaker_id, current_bucket, total_errors_reported, errors_rectified,
	errors_pending, rectification_rate, average_audio_quality, average_clarity_score,
	specialized_knowledge_frequency, overlapping_speech_frequency, quality_trend,
	last_assessment_date, next_assessment_date, version, created_at, updated_at`

func scanMetrics(row scanner) (bucket.PerformanceMetrics, error) {
	var (
		p             bucket.PerformanceParams
		current       string
		trend         string
		audio, clar   *float64
		spec, overlap *float64
		last, next    *time.Time
	)
	err := row.Scan(
		&p.ID, &p.SpeakerID, &current, &p.TotalErrorsReported, &p.ErrorsRectified,
		&p.ErrorsPending, &p.RectificationRate, &audio, &clar,
		&spec, &overlap, &trend,
		&last, &next, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return bucket.PerformanceMetrics{}, err
	}
	p.CurrentBucket = bucket.BucketType(current)
	p.QualityTrend = bucket.QualityTrend(trend)
	p.AverageAudioQuality, p.AverageClarityScore = audio, clar
	p.SpecializedKnowledgeFrequency, p.OverlappingSpeechFrequency = spec, overlap
	p.LastAssessmentDate, p.NextAssessmentDate = last, next

	m, err := bucket.NewPerformanceMetrics(p)
	if err != nil {
		return bucket.PerformanceMetrics{}, fmt.Errorf("postgres: stored metrics for %q: %w", p.SpeakerID, err)
	}
	return m, nil
}

// SaveMetrics implements [store.PerformanceMetrics.SaveMetrics].
func (s *Store) SaveMetrics(ctx context.Context, m bucket.PerformanceMetrics) error {
	p := m.Params()
	args := []any{
		p.ID, p.SpeakerID, string(p.CurrentBucket), p.TotalErrorsReported, p.ErrorsRectified,
		p.ErrorsPending, p.RectificationRate, p.AverageAudioQuality, p.AverageClarityScore,
		p.SpecializedKnowledgeFrequency, p.OverlappingSpeechFrequency, string(p.QualityTrend),
		p.LastAssessmentDate, p.NextAssessmentDate, p.Version, p.CreatedAt, p.UpdatedAt,
	}

	var query string
	if p.Version == 1 {
		query = `INSERT INTO speaker_performance_metrics (` + metricsColumns + `)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
			ON CONFLICT (speaker_id) DO NOTHING`
	} else {
		query = `
			UPDATE speaker_performance_metrics SET
				id = $1, current_bucket = $3, total_errors_reported = $4,
				errors_rectified = $5, errors_pending = $6, rectification_rate = $7,
				average_audio_quality = $8, average_clarity_score = $9,
				specialized_knowledge_frequency = $10, overlapping_speech_frequency = $11,
				quality_trend = $12, last_assessment_date = $13, next_assessment_date = $14,
				version = $15, created_at = $16, updated_at = $17
			WHERE speaker_id = $2 AND version = $15 - 1`
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: save metrics: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("performance metrics for speaker %q: version %d does not follow the stored snapshot", p.SpeakerID, p.Version)
	}
	return nil
}

// GetMetrics implements [store.PerformanceMetrics.GetMetrics].
func (s *Store) GetMetrics(ctx context.Context, speakerID string) (bucket.PerformanceMetrics, error) {
	const query = `SELECT ` + metricsColumns + ` FROM speaker_performance_metrics WHERE speaker_id = $1`
	m, err := scanMetrics(s.db.QueryRow(ctx, query, speakerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return bucket.PerformanceMetrics{}, apperr.NotFound("performance metrics", speakerID)
		}
		return bucket.PerformanceMetrics{}, fmt.Errorf("postgres: get metrics %q: %w", speakerID, err)
	}
	return m, nil
}

// ListMetrics implements [store.PerformanceMetrics.ListMetrics].
func (s *Store) ListMetrics(ctx context.Context) ([]bucket.PerformanceMetrics, error) {
	const query = `SELECT ` + metricsColumns + ` FROM speaker_performance_metrics ORDER BY speaker_id`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list metrics: %w", err)
	}
	defer rows.Close()

	var out []bucket.PerformanceMetrics
	for rows.Next() {
		m, err := scanMetrics(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list metrics scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list metrics: %w", err)
	}
	return out, nil
}

// ── bucket history ──────────────────────────────────────────────────────────

const historyColumns = `
	id, speaker_id, bucket_type, previous_bucket, assigned_by, assignment_reason,
	assignment_type, assigned_date, error_count_at_assignment,
	rectification_rate_at_assignment, quality_score_at_assignment, confidence_score`

func scanHistory(row scanner) (bucket.History, error) {
	var (
		p                   bucket.HistoryParams
		bt, prev, kind      string
		rate, quality, conf *float64
	)
	err := row.Scan(
		&p.ID, &p.SpeakerID, &bt, &prev, &p.AssignedBy, &p.AssignmentReason,
		&kind, &p.AssignedDate, &p.ErrorCountAtAssignment,
		&rate, &quality, &conf,
	)
	if err != nil {
		return bucket.History{}, err
	}
	p.BucketType = bucket.BucketType(bt)
	p.PreviousBucket = bucket.BucketType(prev)
	p.AssignmentType = bucket.AssignmentType(kind)
	p.RectificationRateAtAssignment, p.QualityScoreAtAssignment, p.ConfidenceScore = rate, quality, conf

	h, err := bucket.NewHistory(p)
	if err != nil {
		return bucket.History{}, fmt.Errorf("postgres: stored history %q: %w", p.ID, err)
	}
	return h, nil
}

// AppendHistory implements [store.BucketHistory.AppendHistory]. The insert is
// conditional on no entry of the speaker being at or after the new date.
func (s *Store) AppendHistory(ctx context.Context, h bucket.History) error {
	p := h.Params()
	const query = `
		INSERT INTO speaker_bucket_history (` + historyColumns + `)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::text, $6::text,
		       $7::text, $8::timestamptz, $9::integer,
		       $10::double precision, $11::double precision, $12::double precision
		WHERE NOT EXISTS (
			SELECT 1 FROM speaker_bucket_history
			WHERE speaker_id = $2 AND assigned_date >= $8
		)`

	tag, err := s.db.Exec(ctx, query,
		p.ID, p.SpeakerID, string(p.BucketType), string(p.PreviousBucket), p.AssignedBy, p.AssignmentReason,
		string(p.AssignmentType), p.AssignedDate, p.ErrorCountAtAssignment,
		p.RectificationRateAtAssignment, p.QualityScoreAtAssignment, p.ConfidenceScore,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return apperr.Conflict("bucket history entry %q already exists", p.ID)
		}
		return fmt.Errorf("postgres: append history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("bucket history for speaker %q: assigned date %s is not after latest",
			p.SpeakerID, p.AssignedDate.Format(time.RFC3339Nano))
	}
	return nil
}

// LatestHistory implements [store.BucketHistory.LatestHistory].
func (s *Store) LatestHistory(ctx context.Context, speakerID string) (bucket.History, bool, error) {
	const query = `SELECT ` + historyColumns + `
		FROM speaker_bucket_history
		WHERE speaker_id = $1
		ORDER BY assigned_date DESC
		LIMIT 1`
	h, err := scanHistory(s.db.QueryRow(ctx, query, speakerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return bucket.History{}, false, nil
		}
		return bucket.History{}, false, fmt.Errorf("postgres: latest history %q: %w", speakerID, err)
	}
	return h, true, nil
}

// ListHistory implements [store.BucketHistory.ListHistory].
func (s *Store) ListHistory(ctx context.Context, speakerID string) ([]bucket.History, error) {
	const query = `SELECT ` + historyColumns + `
		FROM speaker_bucket_history
		WHERE speaker_id = $1
		ORDER BY assigned_date`
	return s.queryHistory(ctx, query, speakerID)
}

// ListHistorySince implements [store.BucketHistory.ListHistorySince].
func (s *Store) ListHistorySince(ctx context.Context, since time.Time) ([]bucket.History, error) {
	const query = `SELECT ` + historyColumns + `
		FROM speaker_bucket_history
		WHERE assigned_date >= $1
		ORDER BY assigned_date, id`
	return s.queryHistory(ctx, query, since)
}

func (s *Store) queryHistory(ctx context.Context, query string, args ...any) ([]bucket.History, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history: %w", err)
	}
	defer rows.Close()

	var out []bucket.History
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list history scan: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list history: %w", err)
	}
	return out, nil
}
