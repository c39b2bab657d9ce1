package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the value of the int64 sum data point carrying key=value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordSERCalculation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSERCalculation(ctx, 3, "high")
	m.RecordSERCalculation(ctx, 4, "high")
	m.RecordSERCalculation(ctx, 25, "low")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "raginterface.ser.calculations", "quality_level", "high"); got != 2 {
		t.Errorf("high calculations = %d, want 2", got)
	}

	met := findMetric(rm, "raginterface.ser.score")
	if met == nil {
		t.Fatal("score histogram not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatal("score metric is not a populated histogram")
	}
	if got := hist.DataPoints[0].Count; got != 3 {
		t.Errorf("score sample count = %d, want 3", got)
	}
}

func TestRecordSERBatch(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSERBatch(ctx, 40, 20*time.Millisecond)
	m.RecordSERBatch(ctx, 2, time.Millisecond)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "raginterface.ser.batch.pairs", "", ""); got != 42 {
		t.Errorf("batch pairs = %d, want 42", got)
	}
	hist, ok := findMetric(rm, "raginterface.ser.batch.duration").Data.(metricdata.Histogram[float64])
	if !ok || hist.DataPoints[0].Count != 2 {
		t.Errorf("batch duration histogram = %+v", hist)
	}
}

func TestDomainCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAssessment(ctx, "assigned")
	m.RecordAssessment(ctx, "unchanged")
	m.RecordAssessment(ctx, "unchanged")
	m.RecordBucketTransition(ctx, "upgrade", "automatic")
	m.RecordCacheLookup(ctx, "hit")
	m.RecordFeedback(ctx, "significant")
	m.RecordEventError(ctx, "session.started")

	rm := collect(t, reader)
	tests := []struct {
		metric, key, value string
		want               int64
	}{
		{"raginterface.assessments", "outcome", "unchanged", 2},
		{"raginterface.assessments", "outcome", "assigned", 1},
		{"raginterface.bucket.transitions", "transition", "upgrade", 1},
		{"raginterface.cache.lookups", "result", "hit", 1},
		{"raginterface.feedback.submitted", "assessment", "significant", 1},
		{"raginterface.event.errors", "event", "session.started", 1},
	}
	for _, tc := range tests {
		if got := sumFor(t, rm, tc.metric, tc.key, tc.value); got != tc.want {
			t.Errorf("%s{%s=%s} = %d, want %d", tc.metric, tc.key, tc.value, got, tc.want)
		}
	}
}

func TestRecordSessionTransition_TracksActiveSessions(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionTransition(ctx, "in_progress", false)
	m.RecordSessionTransition(ctx, "in_progress", false)
	m.RecordSessionTransition(ctx, "completed", true)
	// A pending session cancelled before starting never counted as active.
	m.RecordSessionTransition(ctx, "cancelled", false)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "raginterface.active_sessions", "", ""); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
	if got := sumFor(t, rm, "raginterface.session.transitions", "status", "in_progress"); got != 2 {
		t.Errorf("in_progress transitions = %d, want 2", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
