package postgres

// Schema is the SQL DDL for every table of the service. Execute it via
// [Store.Migrate] or apply it manually during deployment.
//
// Feedback rows store the whole record as JSONB because the nested SER
// comparison is only ever read back as a unit.
const Schema = `
CREATE TABLE IF NOT EXISTS error_reports (
    id                    TEXT PRIMARY KEY,
    job_id                TEXT NOT NULL,
    speaker_id            TEXT NOT NULL,
    reported_by           TEXT NOT NULL,
    original_text         TEXT NOT NULL,
    corrected_text        TEXT NOT NULL,
    categories            JSONB NOT NULL DEFAULT '[]',
    severity              TEXT NOT NULL,
    start_position        INTEGER NOT NULL CHECK (start_position >= 0),
    end_position          INTEGER NOT NULL CHECK (end_position > start_position),
    context_notes         TEXT NOT NULL DEFAULT '',
    status                TEXT NOT NULL DEFAULT 'pending',
    audio_quality         DOUBLE PRECISION,
    clarity_score         DOUBLE PRECISION,
    specialized_knowledge BOOLEAN NOT NULL DEFAULT false,
    overlapping_speech    BOOLEAN NOT NULL DEFAULT false,
    reported_at           TIMESTAMPTZ NOT NULL,
    rectified_at          TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_error_reports_speaker ON error_reports(speaker_id, reported_at);

CREATE TABLE IF NOT EXISTS speaker_performance_metrics (
    speaker_id                      TEXT PRIMARY KEY,
    id                              TEXT NOT NULL,
    current_bucket                  TEXT NOT NULL,
    total_errors_reported           INTEGER NOT NULL DEFAULT 0,
    errors_rectified                INTEGER NOT NULL DEFAULT 0,
    errors_pending                  INTEGER NOT NULL DEFAULT 0,
    rectification_rate              DOUBLE PRECISION NOT NULL DEFAULT 0,
    average_audio_quality           DOUBLE PRECISION,
    average_clarity_score           DOUBLE PRECISION,
    specialized_knowledge_frequency DOUBLE PRECISION,
    overlapping_speech_frequency    DOUBLE PRECISION,
    quality_trend                   TEXT NOT NULL DEFAULT '',
    last_assessment_date            TIMESTAMPTZ,
    next_assessment_date            TIMESTAMPTZ,
    version                         INTEGER NOT NULL,
    created_at                      TIMESTAMPTZ NOT NULL,
    updated_at                      TIMESTAMPTZ NOT NULL,
    CHECK (errors_rectified + errors_pending <= total_errors_reported)
);

CREATE TABLE IF NOT EXISTS speaker_bucket_history (
    id                               TEXT PRIMARY KEY,
    speaker_id                       TEXT NOT NULL,
    bucket_type                      TEXT NOT NULL,
    previous_bucket                  TEXT NOT NULL DEFAULT '',
    assigned_by                      TEXT NOT NULL,
    assignment_reason                TEXT NOT NULL CHECK (char_length(assignment_reason) BETWEEN 1 AND 500),
    assignment_type                  TEXT NOT NULL,
    assigned_date                    TIMESTAMPTZ NOT NULL,
    error_count_at_assignment        INTEGER NOT NULL DEFAULT 0,
    rectification_rate_at_assignment DOUBLE PRECISION,
    quality_score_at_assignment      DOUBLE PRECISION,
    confidence_score                 DOUBLE PRECISION,
    UNIQUE (speaker_id, assigned_date)
);
CREATE INDEX IF NOT EXISTS idx_bucket_history_assigned ON speaker_bucket_history(assigned_date);

CREATE TABLE IF NOT EXISTS validation_sessions (
    id               TEXT PRIMARY KEY,
    speaker_id       TEXT NOT NULL,
    session_name     TEXT NOT NULL DEFAULT '',
    test_data_count  INTEGER NOT NULL CHECK (test_data_count BETWEEN 1 AND 1000),
    status           TEXT NOT NULL,
    mt_user_id       TEXT NOT NULL DEFAULT '',
    started_at       TIMESTAMPTZ,
    completed_at     TIMESTAMPTZ,
    session_metadata JSONB NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_validation_sessions_speaker ON validation_sessions(speaker_id, created_at);

CREATE TABLE IF NOT EXISTS validation_feedback (
    id         TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES validation_sessions(id),
    payload    JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_validation_feedback_session ON validation_feedback(session_id, created_at);

CREATE TABLE IF NOT EXISTS validation_test_items (
    id                   TEXT PRIMARY KEY,
    speaker_id           TEXT NOT NULL,
    job_id               TEXT NOT NULL DEFAULT '',
    original_asr_text    TEXT NOT NULL,
    rag_corrected_text   TEXT NOT NULL,
    final_reference_text TEXT NOT NULL,
    session_id           TEXT NOT NULL DEFAULT '',
    created_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_validation_test_items_speaker ON validation_test_items(speaker_id, created_at);
CREATE INDEX IF NOT EXISTS idx_validation_test_items_session ON validation_test_items(session_id);
`
