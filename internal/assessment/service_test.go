package assessment_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/tan-res-space/rag-interface/internal/assessment"
	"github.com/tan-res-space/rag-interface/internal/errorreport"
	"github.com/tan-res-space/rag-interface/internal/events"
	"github.com/tan-res-space/rag-interface/internal/store/memstore"
	"github.com/tan-res-space/rag-interface/pkg/apperr"
	"github.com/tan-res-space/rag-interface/pkg/bucket"
)

// ── helpers ──────────────────────────────────────────────────────────────────

// tickingClock advances by step on every read so consecutive ledger entries
// never share an assigned date.
type tickingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newClock(step time.Duration) *tickingClock {
	return &tickingClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), step: step}
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

type recorder struct {
	mu          sync.Mutex
	outcomes    []string
	transitions []string
	lookups     []string
}

func (r *recorder) RecordAssessment(_ context.Context, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recorder) RecordBucketTransition(_ context.Context, transition, typ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, transition+"/"+typ)
}

func (r *recorder) RecordCacheLookup(_ context.Context, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups = append(r.lookups, result)
}

type fixture struct {
	svc    *assessment.Service
	store  *memstore.Store
	events *events.Memory
	rec    *recorder
}

func newFixture(t *testing.T, opts ...assessment.Option) *fixture {
	t.Helper()
	f := &fixture{store: memstore.New(), events: &events.Memory{}, rec: &recorder{}}
	base := []assessment.Option{
		assessment.WithClock(newClock(time.Minute).Now),
		assessment.WithEmitter(events.NewEmitter(f.events, nil)),
		assessment.WithRecorder(f.rec),
	}
	f.svc = assessment.New(f.store, assessment.DefaultConfig(), append(base, opts...)...)
	return f
}

// file records n reports for speakerID. The first `rectified` of them are
// marked rectified, the rest stay pending.
func (f *fixture) file(t *testing.T, speakerID string, n, rectified int) []errorreport.Report {
	t.Helper()
	ctx := context.Background()
	var out []errorreport.Report
	for i := range n {
		r, err := f.svc.RecordErrorReport(ctx, errorreport.Report{
			JobID:         fmt.Sprintf("job-%d", i),
			SpeakerID:     speakerID,
			ReportedBy:    "qa-1",
			OriginalText:  "the patient has hypertension",
			CorrectedText: "the patient has hypotension",
			Categories:    []errorreport.Category{errorreport.CategoryTerminology},
			Severity:      errorreport.SeverityMedium,
			StartPosition: 16,
			EndPosition:   28,
		})
		if err != nil {
			t.Fatalf("RecordErrorReport: %v", err)
		}
		if i < rectified {
			if r, err = f.svc.SetReportStatus(ctx, r.ID, errorreport.StatusRectified); err != nil {
				t.Fatalf("SetReportStatus: %v", err)
			}
		}
		out = append(out, r)
	}
	return out
}

// ── error reports ─────────────────────────────────────────────────────────────

func TestRecordErrorReport_FillsDefaults(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	r, err := f.svc.RecordErrorReport(context.Background(), errorreport.Report{
		JobID:         "job-1",
		SpeakerID:     "spk-1",
		ReportedBy:    "qa-1",
		OriginalText:  "hello world",
		CorrectedText: "hello, world",
		Severity:      errorreport.SeverityLow,
		StartPosition: 0,
		EndPosition:   11,
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.ID == "" || r.Status != errorreport.StatusPending || r.ReportedAt.IsZero() {
		t.Errorf("defaults not applied: %+v", r)
	}
	if !slices.Equal(r.Categories, []errorreport.Category{errorreport.CategoryPunctuation}) {
		t.Errorf("suggested categories = %v, want [punctuation]", r.Categories)
	}
	if n := len(f.events.OfType(events.ReportRecorded)); n != 1 {
		t.Errorf("report events = %d, want 1", n)
	}

	got, err := f.svc.GetReport(context.Background(), r.ID)
	if err != nil || got.ID != r.ID {
		t.Errorf("GetReport = %+v, %v", got, err)
	}
}

func TestRecordErrorReport_Invalid(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.svc.RecordErrorReport(context.Background(), errorreport.Report{SpeakerID: "spk-1"})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if len(f.events.Events()) != 0 {
		t.Error("event published for rejected report")
	}
}

func TestSetReportStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	r := f.file(t, "spk-1", 1, 1)[0]
	if r.Status != errorreport.StatusRectified || r.RectifiedAt == nil {
		t.Fatalf("report = %+v", r)
	}

	_, err := f.svc.SetReportStatus(ctx, r.ID, errorreport.StatusPending)
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("reopening rectified: err = %v, want ErrInvalidTransition", err)
	}
	if _, err := f.svc.SetReportStatus(ctx, "missing", errorreport.StatusRejected); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing report: err = %v, want ErrNotFound", err)
	}

	reports, sum, err := f.svc.SpeakerReports(ctx, "spk-1")
	if err != nil || len(reports) != 1 || sum.Rectified != 1 {
		t.Errorf("SpeakerReports = %d reports, %+v, %v", len(reports), sum, err)
	}
}

// ── assessment ────────────────────────────────────────────────────────────────

func TestAssessSpeaker_InitialAssignment(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.file(t, "spk-1", 10, 9)

	res, err := f.svc.AssessSpeaker(ctx, "spk-1")
	if err != nil {
		t.Fatal(err)
	}
	// 0.9 × 4 + 2 (trend unknown) = 5.6
	if res.Score < 5.59 || res.Score > 5.61 {
		t.Errorf("score = %v, want 5.6", res.Score)
	}
	if res.Outcome != assessment.OutcomeReassigned || res.Recommendation != bucket.MediumTouch {
		t.Errorf("outcome = %s/%s", res.Outcome, res.Recommendation)
	}
	if res.Assignment == nil || !res.Assignment.IsInitialAssignment() {
		t.Fatalf("assignment = %+v, want initial entry", res.Assignment)
	}
	if c, _ := res.Assignment.ConfidenceScore(); c != 0.75 {
		t.Errorf("confidence = %v, want automatic default 0.75", c)
	}
	if res.Assignment.ErrorCountAtAssignment() != 10 {
		t.Errorf("error count at assignment = %d", res.Assignment.ErrorCountAtAssignment())
	}

	m := res.Metrics
	if m.CurrentBucket() != bucket.MediumTouch || m.Version() != 2 {
		t.Errorf("metrics bucket/version = %s/%d, want medium_touch/2", m.CurrentBucket(), m.Version())
	}
	if m.TotalErrorsReported() != 10 || m.ErrorsRectified() != 9 || m.ErrorsPending() != 1 {
		t.Errorf("counters = %d/%d/%d", m.TotalErrorsReported(), m.ErrorsRectified(), m.ErrorsPending())
	}
	if _, ok := m.LastAssessmentDate(); !ok {
		t.Error("last assessment date not stamped")
	}

	stored, err := f.store.GetMetrics(ctx, "spk-1")
	if err != nil || stored.Version() != 2 {
		t.Errorf("stored version = %d, %v", stored.Version(), err)
	}
	if n := len(f.events.OfType(events.BucketAssigned)); n != 1 {
		t.Errorf("bucket events = %d, want 1", n)
	}
	if !slices.Equal(f.rec.transitions, []string{"initial/automatic"}) {
		t.Errorf("transitions = %v", f.rec.transitions)
	}
}

func TestAssessSpeaker_NotDueThenUpgrade(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	reports := f.file(t, "spk-1", 10, 9)

	if _, err := f.svc.AssessSpeaker(ctx, "spk-1"); err != nil {
		t.Fatal(err)
	}

	res, err := f.svc.AssessSpeaker(ctx, "spk-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != assessment.OutcomeNotDue || res.Assignment != nil {
		t.Errorf("second assessment outcome = %s, assignment = %v", res.Outcome, res.Assignment)
	}
	if res.Metrics.Version() != 3 || res.Metrics.QualityTrend() != bucket.TrendStable {
		t.Errorf("version/trend = %d/%s, want 3/stable", res.Metrics.Version(), res.Metrics.QualityTrend())
	}

	// Rectifying the last pending report lifts the rate to 1.0: improving.
	if _, err := f.svc.SetReportStatus(ctx, reports[9].ID, errorreport.StatusRectified); err != nil {
		t.Fatal(err)
	}
	res, err = f.svc.AssessSpeaker(ctx, "spk-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != assessment.OutcomeReassigned || res.Recommendation != bucket.LowTouch {
		t.Fatalf("outcome = %s/%s, want reassigned/low_touch", res.Outcome, res.Recommendation)
	}
	if !res.Assignment.IsBucketUpgrade() {
		t.Errorf("transition = %s, want upgrade", res.Assignment.Transition())
	}
	if prev, _ := res.Assignment.PreviousBucket(); prev != bucket.MediumTouch {
		t.Errorf("previous bucket = %s", prev)
	}

	h, err := f.svc.History(ctx, "spk-1")
	if err != nil || len(h) != 2 {
		t.Fatalf("history = %d entries, %v", len(h), err)
	}
	if !h[0].AssignedDate().Before(h[1].AssignedDate()) {
		t.Error("history not in ascending assigned date")
	}
}

func TestAssessSpeaker_InsufficientData(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.file(t, "spk-1", 3, 0)

	res, err := f.svc.AssessSpeaker(context.Background(), "spk-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != assessment.OutcomeInsufficientData || res.Assignment != nil {
		t.Errorf("outcome = %s, assignment = %v", res.Outcome, res.Assignment)
	}
	if res.Metrics.CurrentBucket() != bucket.HighTouch || res.Metrics.Version() != 1 {
		t.Errorf("bucket/version = %s/%d, want high_touch/1", res.Metrics.CurrentBucket(), res.Metrics.Version())
	}
	if res.Score != bucket.NeutralScore {
		t.Errorf("score = %v, want neutral", res.Score)
	}
	if !slices.Equal(f.rec.outcomes, []string{assessment.OutcomeInsufficientData}) {
		t.Errorf("outcomes = %v", f.rec.outcomes)
	}
}

func TestAssessSpeaker_FirstSnapshotTrendFromLedger(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	for _, b := range []bucket.BucketType{bucket.HighTouch, bucket.MediumTouch} {
		if _, err := f.svc.AssignBucket(ctx, assessment.AssignRequest{
			SpeakerID: "spk-1", Bucket: b, AssignedBy: "lead-1", Reason: "review",
		}); err != nil {
			t.Fatal(err)
		}
	}
	f.file(t, "spk-1", 2, 1)

	res, err := f.svc.AssessSpeaker(ctx, "spk-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Metrics.QualityTrend() != bucket.TrendImproving {
		t.Errorf("trend = %q, want improving", res.Metrics.QualityTrend())
	}
	if res.Metrics.CurrentBucket() != bucket.MediumTouch {
		t.Errorf("bucket = %s, want medium_touch", res.Metrics.CurrentBucket())
	}
}

func TestAssessSpeaker_ConfiguredDefaultBucket(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	cfg := assessment.DefaultConfig()
	cfg.DefaultBucket = bucket.LowTouch
	svc := assessment.New(st, cfg, assessment.WithClock(newClock(time.Second).Now))

	res, err := svc.AssessSpeaker(context.Background(), "spk-new")
	if err != nil {
		t.Fatal(err)
	}
	if res.Metrics.CurrentBucket() != bucket.LowTouch {
		t.Errorf("bucket = %s, want configured default low_touch", res.Metrics.CurrentBucket())
	}
}

func TestAssessSpeaker_EmptyID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if _, err := f.svc.AssessSpeaker(context.Background(), ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

// ── manual assignment ─────────────────────────────────────────────────────────

func TestAssignBucket(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.file(t, "spk-1", 10, 9)
	if _, err := f.svc.AssessSpeaker(ctx, "spk-1"); err != nil {
		t.Fatal(err)
	}

	entry, err := f.svc.AssignBucket(ctx, assessment.AssignRequest{
		SpeakerID:  "spk-1",
		Bucket:     bucket.NoTouch,
		AssignedBy: "lead-1",
		Reason:     "consistently accurate dictation",
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry.AssignmentType() != bucket.AssignmentManual || !entry.IsBucketUpgrade() {
		t.Errorf("entry type/transition = %s/%s", entry.AssignmentType(), entry.Transition())
	}
	if c, _ := entry.ConfidenceScore(); c != 0.95 {
		t.Errorf("confidence = %v, want manual default 0.95", c)
	}
	if prev, _ := entry.PreviousBucket(); prev != bucket.MediumTouch {
		t.Errorf("previous = %s", prev)
	}

	m, err := f.svc.CurrentMetrics(ctx, "spk-1")
	if err != nil || m.CurrentBucket() != bucket.NoTouch {
		t.Errorf("current bucket = %s, %v", m.CurrentBucket(), err)
	}

	override := 0.4
	entry, err = f.svc.AssignBucket(ctx, assessment.AssignRequest{
		SpeakerID: "spk-1", Bucket: bucket.HighTouch, AssignedBy: "ops",
		Reason: "audit", Type: bucket.AssignmentSystem, Confidence: &override,
	})
	if err != nil {
		t.Fatal(err)
	}
	if c, _ := entry.ConfidenceScore(); c != 0.4 || !entry.IsBucketDowngrade() {
		t.Errorf("override entry = %v/%s", c, entry.Transition())
	}
}

// versionLog records the version of every accepted metrics write.
type versionLog struct {
	*memstore.Store
	mu       sync.Mutex
	versions []int
}

func (v *versionLog) SaveMetrics(ctx context.Context, m bucket.PerformanceMetrics) error {
	if err := v.Store.SaveMetrics(ctx, m); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.versions = append(v.versions, m.Version())
	return nil
}

func TestAssessAndAssign_ConcurrentSameSpeaker(t *testing.T) {
	t.Parallel()
	st := &versionLog{Store: memstore.New()}
	f := &fixture{store: st.Store, events: &events.Memory{}, rec: &recorder{}}
	f.svc = assessment.New(st, assessment.DefaultConfig(),
		assessment.WithClock(newClock(time.Minute).Now),
		assessment.WithEmitter(events.NewEmitter(f.events, nil)),
		assessment.WithRecorder(f.rec),
	)
	ctx := context.Background()
	f.file(t, "spk-1", 10, 9)

	buckets := []bucket.BucketType{bucket.HighTouch, bucket.MediumTouch, bucket.LowTouch, bucket.NoTouch}
	const workers = 12
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.svc.AssessSpeaker(ctx, "spk-1")
			} else {
				_, err = f.svc.AssignBucket(ctx, assessment.AssignRequest{
					SpeakerID:  "spk-1",
					Bucket:     buckets[i%len(buckets)],
					AssignedBy: "lead-1",
					Reason:     fmt.Sprintf("review %d", i),
				})
			}
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	ledger, err := f.svc.History(ctx, "spk-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ledger) == 0 {
		t.Fatal("empty ledger")
	}
	for i, h := range ledger {
		prev, ok := h.PreviousBucket()
		if i == 0 {
			if ok {
				t.Errorf("first entry has previous bucket %s", prev)
			}
			continue
		}
		if !h.AssignedDate().After(ledger[i-1].AssignedDate()) {
			t.Errorf("entry %d not strictly after entry %d", i, i-1)
		}
		if !ok || prev != ledger[i-1].BucketType() {
			t.Errorf("entry %d previous = %s, want %s", i, prev, ledger[i-1].BucketType())
		}
	}

	st.mu.Lock()
	versions := slices.Sorted(slices.Values(st.versions))
	st.mu.Unlock()
	for i, v := range versions {
		if v != i+1 {
			t.Fatalf("metrics versions = %v, want 1..%d without gaps", versions, len(versions))
		}
	}
	m, err := f.store.GetMetrics(ctx, "spk-1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Version() != len(versions) || m.CurrentBucket() != ledger[len(ledger)-1].BucketType() {
		t.Errorf("metrics = v%d/%s, ledger ends at %s after %d writes",
			m.Version(), m.CurrentBucket(), ledger[len(ledger)-1].BucketType(), len(versions))
	}
}

func TestAssignBucket_WithoutMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	entry, err := f.svc.AssignBucket(context.Background(), assessment.AssignRequest{
		SpeakerID: "spk-9", Bucket: bucket.LowTouch, AssignedBy: "lead-1", Reason: "onboarding",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !entry.IsInitialAssignment() || entry.ErrorCountAtAssignment() != 0 {
		t.Errorf("entry = %+v", entry.Params())
	}
	if _, err := f.store.GetMetrics(context.Background(), "spk-9"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("metrics created by manual assignment: %v", err)
	}
}

func TestAssignBucket_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	frozen := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, assessment.WithClock(func() time.Time { return frozen }))

	req := assessment.AssignRequest{SpeakerID: "spk-1", Bucket: bucket.LowTouch, AssignedBy: "lead", Reason: "ok"}
	if _, err := f.svc.AssignBucket(ctx, req); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.AssignBucket(ctx, req); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("same-instant assignment: err = %v, want ErrConflict", err)
	}

	tooHigh := 1.5
	tests := []struct {
		name string
		req  assessment.AssignRequest
	}{
		{"empty speaker", assessment.AssignRequest{Bucket: bucket.LowTouch, AssignedBy: "x", Reason: "r"}},
		{"unknown bucket", assessment.AssignRequest{SpeakerID: "s", Bucket: "gold", AssignedBy: "x", Reason: "r"}},
		{"blank reason", assessment.AssignRequest{SpeakerID: "s", Bucket: bucket.LowTouch, AssignedBy: "x", Reason: "  "}},
		{"confidence out of range", assessment.AssignRequest{SpeakerID: "s", Bucket: bucket.LowTouch, AssignedBy: "x", Reason: "r", Confidence: &tooHigh}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.AssignBucket(ctx, tt.req); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

// ── reads ─────────────────────────────────────────────────────────────────────

type mapCache struct {
	mu   sync.Mutex
	m    map[string]bucket.PerformanceMetrics
	err  error
	sets int
}

func (c *mapCache) Get(_ context.Context, id string) (bucket.PerformanceMetrics, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return bucket.PerformanceMetrics{}, false, c.err
	}
	m, ok := c.m[id]
	return m, ok, nil
}

func (c *mapCache) Set(_ context.Context, m bucket.PerformanceMetrics) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.m[m.SpeakerID()] = m
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, id)
	return nil
}

func TestCurrentMetrics_Cache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := &mapCache{m: map[string]bucket.PerformanceMetrics{}}
	f := newFixture(t, assessment.WithCache(c))
	f.file(t, "spk-1", 2, 1)
	if _, err := f.svc.AssessSpeaker(ctx, "spk-1"); err != nil {
		t.Fatal(err)
	}

	// The assessment refreshed the cache, so the first read is a hit.
	if _, err := f.svc.CurrentMetrics(ctx, "spk-1"); err != nil {
		t.Fatal(err)
	}
	_ = c.Invalidate(ctx, "spk-1")
	m, err := f.svc.CurrentMetrics(ctx, "spk-1")
	if err != nil || m.TotalErrorsReported() != 2 {
		t.Fatalf("CurrentMetrics = %+v, %v", m.Params(), err)
	}
	c.err = errors.New("redis down")
	if _, err := f.svc.CurrentMetrics(ctx, "spk-1"); err != nil {
		t.Fatalf("cache outage surfaced: %v", err)
	}
	if !slices.Equal(f.rec.lookups, []string{"hit", "miss", "error"}) {
		t.Errorf("lookups = %v", f.rec.lookups)
	}

	if _, err := f.svc.CurrentMetrics(ctx, "nobody"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown speaker: err = %v, want ErrNotFound", err)
	}
}

func TestStatisticsAndAttention(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.file(t, "good", 10, 9)
	f.file(t, "poor", 10, 2)
	for _, id := range []string{"good", "poor"} {
		if _, err := f.svc.AssessSpeaker(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := f.svc.Statistics(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	// poor: 0.2 × 4 + 2 = 2.8 → high_touch; good: 5.6 → medium_touch.
	if stats.Distribution[bucket.MediumTouch] != 1 || stats.Distribution[bucket.HighTouch] != 1 {
		t.Errorf("distribution = %v", stats.Distribution)
	}
	if stats.Transitions.Total != 2 || stats.Transitions.Initial != 2 {
		t.Errorf("transitions = %+v", stats.Transitions)
	}

	later, err := f.svc.Statistics(ctx, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil || later.Transitions.Total != 0 {
		t.Errorf("future window = %+v, %v", later.Transitions, err)
	}

	att, err := f.svc.SpeakersNeedingAttention(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(att) != 1 || att[0].SpeakerID() != "poor" {
		t.Errorf("attention = %d entries", len(att))
	}
}

func TestReassessDue(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.file(t, "spk-a", 10, 9)
	f.file(t, "spk-b", 2, 0)
	f.file(t, "spk-c", 6, 6)

	sum, err := f.svc.ReassessDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Speakers != 3 || sum.Assessed != 3 || sum.Reassigned != 2 || sum.Failed != 0 {
		t.Errorf("first sweep = %+v", sum)
	}

	sum, err = f.svc.ReassessDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Assessed != 0 {
		t.Errorf("second sweep assessed %d speakers, want 0", sum.Assessed)
	}

	// A new report makes the speaker due again.
	f.file(t, "spk-b", 1, 0)
	sum, err = f.svc.ReassessDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Assessed != 1 {
		t.Errorf("third sweep assessed %d speakers, want 1", sum.Assessed)
	}
}

func TestReassessDue_Cancelled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.file(t, "spk-a", 1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.svc.ReassessDue(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
