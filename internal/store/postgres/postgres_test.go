package postgres

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tan-res-space/rag-interface/internal/errorreport"
	"github.com/tan-res-space/rag-interface/pkg/apperr"
	"github.com/tan-res-space/rag-interface/pkg/bucket"
	"github.com/tan-res-space/rag-interface/pkg/review"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

// assign copies row values into scan destinations. A nil value zeroes the
// destination, mirroring a SQL NULL scanned into a pointer.
func assign(row []any, dest []any) error {
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		dv := reflect.ValueOf(dest[i])
		if dv.Kind() != reflect.Pointer {
			return fmt.Errorf("scan: destination %d is not a pointer", i)
		}
		target := dv.Elem()
		if v == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		vv := reflect.ValueOf(v)
		if !vv.Type().AssignableTo(target.Type()) {
			return fmt.Errorf("scan: column %d: cannot assign %T to %s", i, v, target.Type())
		}
		target.Set(vv)
	}
	return nil
}

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

func rowOf(values ...any) *mockRow {
	return &mockRow{scanFunc: func(dest ...any) error { return assign(values, dest) }}
}

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error { return assign(r.data[r.idx-1], dest) }

type execCall struct {
	sql  string
	args []any
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)

	execs []execCall
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.execs = append(m.execs, execCall{sql: sql, args: args})
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func affected(n int) func(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", n)), nil
	}
}

var (
	ts      = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	dupeErr = &pgconn.PgError{Code: "23505", Message: "duplicate key value"}
)

func testMetrics(t *testing.T, version int) bucket.PerformanceMetrics {
	t.Helper()
	m, err := bucket.NewPerformanceMetrics(bucket.PerformanceParams{
		ID:                  "m-1",
		SpeakerID:           "spk-1",
		CurrentBucket:       bucket.LowTouch,
		TotalErrorsReported: 10,
		ErrorsRectified:     8,
		ErrorsPending:       1,
		RectificationRate:   0.8,
		Version:             version,
		CreatedAt:           ts,
		UpdatedAt:           ts,
	})
	if err != nil {
		t.Fatalf("NewPerformanceMetrics: %v", err)
	}
	return m
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestMigrate(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	if err := New(db).Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(db.execs) != 1 || db.execs[0].sql != Schema {
		t.Errorf("Migrate did not execute Schema")
	}

	failing := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("boom")
	}}
	if err := New(failing).Migrate(context.Background()); err == nil || !strings.Contains(err.Error(), "postgres: migrate") {
		t.Errorf("Migrate error = %v", err)
	}
}

func TestSaveMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("first version inserts", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{execFunc: affected(1)}
		if err := New(db).SaveMetrics(ctx, testMetrics(t, 1)); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(db.execs[0].sql, "ON CONFLICT (speaker_id) DO NOTHING") {
			t.Errorf("expected conditional insert, got %s", db.execs[0].sql)
		}
	})

	t.Run("existing speaker on version 1 conflicts", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{execFunc: affected(0)}
		if err := New(db).SaveMetrics(ctx, testMetrics(t, 1)); !errors.Is(err, apperr.ErrConflict) {
			t.Errorf("err = %v, want ErrConflict", err)
		}
	})

	t.Run("later version updates previous", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{execFunc: affected(1)}
		if err := New(db).SaveMetrics(ctx, testMetrics(t, 4)); err != nil {
			t.Fatal(err)
		}
		call := db.execs[0]
		if !strings.Contains(call.sql, "version = $15 - 1") {
			t.Errorf("expected version predicate, got %s", call.sql)
		}
		if call.args[14] != 4 || call.args[2] != "low_touch" {
			t.Errorf("args = %v", call.args)
		}
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{execFunc: affected(0)}
		if err := New(db).SaveMetrics(ctx, testMetrics(t, 4)); !errors.Is(err, apperr.ErrConflict) {
			t.Errorf("err = %v, want ErrConflict", err)
		}
	})
}

func TestGetMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clarity := 3.5

	db := &mockDB{queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
		if args[0] != "spk-1" {
			return &mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
		}
		return rowOf(
			"m-1", "spk-1", "medium_touch", 20, 15, 2,
			0.75, nil, &clarity,
			nil, nil, "improving",
			nil, nil, 7, ts, ts,
		)
	}}
	s := New(db)

	m, err := s.GetMetrics(ctx, "spk-1")
	if err != nil {
		t.Fatal(err)
	}
	if m.CurrentBucket() != bucket.MediumTouch || m.Version() != 7 || m.QualityTrend() != bucket.TrendImproving {
		t.Errorf("metrics = %+v", m.Params())
	}
	if got, ok := m.AverageClarityScore(); !ok || got != 3.5 {
		t.Errorf("AverageClarityScore = %v, %v", got, ok)
	}
	if _, ok := m.AverageAudioQuality(); ok {
		t.Error("AverageAudioQuality should be unset")
	}

	if _, err := s.GetMetrics(ctx, "ghost"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetMetrics(ghost) err = %v, want ErrNotFound", err)
	}
}

func TestGetMetrics_CorruptRowIsRejected(t *testing.T) {
	t.Parallel()
	db := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
		return rowOf(
			"m-1", "spk-1", "platinum", 1, 0, 0,
			0.0, nil, nil,
			nil, nil, "",
			nil, nil, 1, ts, ts,
		)
	}}
	if _, err := New(db).GetMetrics(context.Background(), "spk-1"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestAppendHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	conf := 0.9
	h, err := bucket.NewHistory(bucket.HistoryParams{
		ID:               "h-1",
		SpeakerID:        "spk-1",
		BucketType:       bucket.LowTouch,
		PreviousBucket:   bucket.MediumTouch,
		AssignedBy:       "system",
		AssignmentReason: "score improved",
		AssignmentType:   bucket.AssignmentAutomatic,
		AssignedDate:     ts,
		ConfidenceScore:  &conf,
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		exec    func(context.Context, string, ...any) (pgconn.CommandTag, error)
		wantErr error
	}{
		{"inserted", affected(1), nil},
		{"newer entry exists", affected(0), apperr.ErrConflict},
		{"duplicate id", func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, dupeErr
		}, apperr.ErrConflict},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			db := &mockDB{execFunc: tc.exec}
			err := New(db).AppendHistory(ctx, h)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			call := db.execs[0]
			if !strings.Contains(call.sql, "assigned_date >= $8") {
				t.Errorf("missing ordering guard in %s", call.sql)
			}
			if call.args[3] != "medium_touch" || call.args[6] != "automatic" {
				t.Errorf("args = %v", call.args)
			}
		})
	}
}

func TestLatestHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := &mockDB{}
	if _, ok, err := New(db).LatestHistory(ctx, "spk-1"); ok || err != nil {
		t.Errorf("empty LatestHistory = %v, %v", ok, err)
	}

	db.queryRowFunc = func(context.Context, string, ...any) pgx.Row {
		return rowOf("h-2", "spk-1", "no_touch", "", "admin", "manual override",
			"manual", ts, 3, nil, nil, nil)
	}
	h, ok, err := New(db).LatestHistory(ctx, "spk-1")
	if err != nil || !ok {
		t.Fatalf("LatestHistory = %v, %v", ok, err)
	}
	if !h.IsInitialAssignment() || h.BucketType() != bucket.NoTouch {
		t.Errorf("history = %+v", h.Params())
	}
}

func TestReports(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	audio := 2.0
	r := errorreport.Report{
		ID: "r-1", JobID: "j-1", SpeakerID: "spk-1", ReportedBy: "qa",
		OriginalText: "diabetis", CorrectedText: "diabetes",
		Categories: []errorreport.Category{errorreport.CategoryPronunciation},
		Severity:   errorreport.SeverityHigh, StartPosition: 0, EndPosition: 8,
		Status: errorreport.StatusPending, AudioQuality: &audio, ReportedAt: ts,
	}

	db := &mockDB{}
	s := New(db)
	if err := s.CreateReport(ctx, r); err != nil {
		t.Fatal(err)
	}
	if got := string(db.execs[0].args[6].([]byte)); got != `["pronunciation"]` {
		t.Errorf("categories arg = %s", got)
	}

	db.execFunc = func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, dupeErr
	}
	if err := s.CreateReport(ctx, r); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("duplicate err = %v, want ErrConflict", err)
	}

	db.execFunc = affected(0)
	if err := s.UpdateReport(ctx, r); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("UpdateReport(missing) err = %v, want ErrNotFound", err)
	}

	rows := &mockRows{data: [][]any{
		{"r-1", "j-1", "spk-1", "qa", "diabetis", "diabetes",
			[]byte(`["pronunciation","terminology"]`), "high", 0, 8, "", "rectified",
			&audio, nil, true, false, ts, &ts},
	}}
	db.queryFunc = func(context.Context, string, ...any) (pgx.Rows, error) { return rows, nil }
	list, err := s.ListReportsBySpeaker(ctx, "spk-1")
	if err != nil {
		t.Fatal(err)
	}
	if !rows.closed {
		t.Error("rows not closed")
	}
	if len(list) != 1 {
		t.Fatalf("got %d reports", len(list))
	}
	got := list[0]
	if got.Status != errorreport.StatusRectified || got.RectifiedAt == nil || !got.SpecializedKnowledge {
		t.Errorf("report = %+v", got)
	}
	if !got.HasCategory(errorreport.CategoryTerminology) || got.ClarityScore != nil {
		t.Errorf("report = %+v", got)
	}
}

func TestSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sess, err := review.NewSession(review.SessionParams{ID: "s-1", SpeakerID: "spk-1", TestDataCount: 3, CreatedAt: ts})
	if err != nil {
		t.Fatal(err)
	}

	db := &mockDB{}
	s := New(db)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if got := string(db.execs[0].args[8].([]byte)); got != "{}" {
		t.Errorf("metadata arg = %s, want {}", got)
	}

	db.execFunc = affected(0)
	if err := s.UpdateSession(ctx, sess, review.StatusPending); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("UpdateSession(missing) err = %v, want ErrNotFound", err)
	}
	if got := db.execs[len(db.execs)-1].args[11]; got != "pending" {
		t.Errorf("expected status arg = %v, want pending", got)
	}

	db.queryRowFunc = func(context.Context, string, ...any) pgx.Row { return rowOf("completed") }
	if err := s.UpdateSession(ctx, sess, review.StatusPending); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("UpdateSession(moved on) err = %v, want ErrConflict", err)
	}

	db.execFunc = affected(1)
	if err := s.UpdateSession(ctx, sess, review.StatusPending); err != nil {
		t.Errorf("UpdateSession err = %v", err)
	}

	db.queryRowFunc = func(context.Context, string, ...any) pgx.Row {
		return rowOf("s-1", "spk-1", "", 3, "in_progress", "mt-1",
			&ts, nil, []byte(`{"note":"x"}`), ts, ts)
	}
	got, err := s.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status() != review.StatusInProgress || got.Metadata()["note"] != "x" {
		t.Errorf("session = %+v", got.Params())
	}

	// A completed session without completed_at violates the lifecycle.
	db.queryRowFunc = func(context.Context, string, ...any) pgx.Row {
		return rowOf("s-1", "spk-1", "", 3, "completed", "mt-1",
			&ts, nil, []byte(`{}`), ts, ts)
	}
	if _, err := s.GetSession(ctx, "s-1"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("corrupt session err = %v, want ErrValidation", err)
	}
}

func TestTestItems(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var gotArgs []any
	db := &mockDB{queryFunc: func(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
		gotArgs = args
		return &mockRows{data: [][]any{
			{"i-2", "spk-1", "j", "a", "b", "c", "", ts},
		}}, nil
	}}
	s := New(db)

	items, err := s.ListTestItemsBySpeaker(ctx, "spk-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != "i-2" {
		t.Errorf("items = %v", items)
	}
	if lim, ok := gotArgs[1].(*int); !ok || lim != nil {
		t.Errorf("limit arg = %v, want nil *int", gotArgs[1])
	}

	if _, err := s.ListTestItemsBySpeaker(ctx, "spk-1", 5); err != nil {
		t.Fatal(err)
	}
	if lim := gotArgs[1].(*int); lim == nil || *lim != 5 {
		t.Errorf("limit arg = %v, want 5", gotArgs[1])
	}

	if _, err := s.GetTestItem(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetTestItem(missing) err = %v, want ErrNotFound", err)
	}
}

func TestLinkTestItems(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	claimed := [][]any{{"a"}, {"b"}}
	var claimArgs []any
	db := &mockDB{queryFunc: func(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
		if !strings.Contains(sql, "RETURNING") {
			t.Errorf("unexpected query %q", sql)
		}
		claimArgs = args
		return &mockRows{data: claimed}, nil
	}}
	s := New(db)
	if err := s.LinkTestItems(ctx, "s-1", []string{"b", "a", "b"}); err != nil {
		t.Fatal(err)
	}
	if ids := claimArgs[1].([]string); !reflect.DeepEqual(ids, []string{"a", "b"}) {
		t.Errorf("ids = %v", ids)
	}
	if len(db.execs) != 0 {
		t.Errorf("full claim released items: %v", db.execs)
	}

	// One item is held by an open session: the partial claim is released.
	claimed = [][]any{{"a"}}
	db.queryRowFunc = func(context.Context, string, ...any) pgx.Row { return rowOf(2) }
	if err := s.LinkTestItems(ctx, "s-1", []string{"a", "b"}); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("held err = %v, want ErrConflict", err)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0].sql, "session_id = ''") || db.execs[0].args[0] != "s-1" {
		t.Errorf("release = %+v", db.execs)
	}

	db.queryRowFunc = func(context.Context, string, ...any) pgx.Row { return rowOf(1) }
	if err := s.LinkTestItems(ctx, "s-1", []string{"a", "ghost"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing err = %v, want ErrNotFound", err)
	}

	db.execs = nil
	if err := s.LinkTestItems(ctx, "s-1", nil); err != nil || len(db.execs) != 0 {
		t.Errorf("empty link = %v, %d execs", err, len(db.execs))
	}

	if err := s.UnlinkTestItems(ctx, "s-1"); err != nil || db.execs[0].args[0] != "s-1" {
		t.Errorf("unlink = %v, %+v", err, db.execs)
	}
}

func TestListAvailableTestItems(t *testing.T) {
	t.Parallel()

	var gotSQL string
	db := &mockDB{queryFunc: func(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
		gotSQL = sql
		return &mockRows{data: [][]any{{"i-1", "spk-1", "", "a", "b", "c", "", ts}}}, nil
	}}
	items, err := New(db).ListAvailableTestItems(context.Background(), "spk-1", 3)
	if err != nil || len(items) != 1 {
		t.Fatalf("items = %v, err = %v", items, err)
	}
	if !strings.Contains(gotSQL, "'completed', 'cancelled'") {
		t.Errorf("query does not filter held items: %s", gotSQL)
	}
}
