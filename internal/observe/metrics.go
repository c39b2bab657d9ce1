// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, distributed tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tan-res-space/rag-interface/pkg/ser"
)

// meterName is the instrumentation scope name used for all service metrics.
const meterName = "github.com/tan-res-space/rag-interface"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- SER engine ---

	// SERCalculations counts scored pairs. Use with attribute:
	//   attribute.String("quality_level", ...)
	SERCalculations metric.Int64Counter

	// SERScore records the distribution of SER percentages.
	SERScore metric.Float64Histogram

	// SERBatchDuration tracks wall time of batch scoring.
	SERBatchDuration metric.Float64Histogram

	// SERBatchPairs counts pairs submitted through batch scoring.
	SERBatchPairs metric.Int64Counter

	// --- Assessment ---

	// Assessments counts speaker assessments. Use with attribute:
	//   attribute.String("outcome", ...)
	Assessments metric.Int64Counter

	// BucketTransitions counts appended history entries. Use with attributes:
	//   attribute.String("transition", ...), attribute.String("assignment_type", ...)
	BucketTransitions metric.Int64Counter

	// CacheLookups counts performance cache reads by result (hit, miss, error).
	CacheLookups metric.Int64Counter

	// --- Validation workflow ---

	// SessionTransitions counts session state changes. Use with attribute:
	//   attribute.String("status", ...)
	SessionTransitions metric.Int64Counter

	// ActiveSessions tracks sessions currently in progress.
	ActiveSessions metric.Int64UpDownCounter

	// FeedbackSubmitted counts reviewer feedback. Use with attribute:
	//   attribute.String("assessment", ...)
	FeedbackSubmitted metric.Int64Counter

	// --- Plumbing ---

	// EventErrors counts events that could not be delivered. Use with
	// attribute:
	//   attribute.String("event", ...)
	EventErrors metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

var _ ser.Recorder = (*Metrics)(nil)

// latencyBuckets defines histogram bucket boundaries (in seconds) for batch
// scoring and request handling.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// serBuckets cover the 0-100 SER percentage range along the quality level
// thresholds. Scores above 100 land in the overflow bucket.
var serBuckets = []float64{0, 5, 10, 15, 20, 30, 50, 75, 100}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SERCalculations, err = m.Int64Counter("raginterface.ser.calculations",
		metric.WithDescription("Total SER calculations by quality level."),
	); err != nil {
		return nil, err
	}
	if met.SERScore, err = m.Float64Histogram("raginterface.ser.score",
		metric.WithDescription("Distribution of sentence edit rates."),
		metric.WithUnit("%"),
		metric.WithExplicitBucketBoundaries(serBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SERBatchDuration, err = m.Float64Histogram("raginterface.ser.batch.duration",
		metric.WithDescription("Latency of batch SER scoring."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SERBatchPairs, err = m.Int64Counter("raginterface.ser.batch.pairs",
		metric.WithDescription("Total pairs scored through batch requests."),
	); err != nil {
		return nil, err
	}

	if met.Assessments, err = m.Int64Counter("raginterface.assessments",
		metric.WithDescription("Total speaker assessments by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BucketTransitions, err = m.Int64Counter("raginterface.bucket.transitions",
		metric.WithDescription("Total bucket history entries by transition and assignment type."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("raginterface.cache.lookups",
		metric.WithDescription("Performance cache lookups by result."),
	); err != nil {
		return nil, err
	}

	if met.SessionTransitions, err = m.Int64Counter("raginterface.session.transitions",
		metric.WithDescription("Validation session state changes by target status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("raginterface.active_sessions",
		metric.WithDescription("Number of validation sessions in progress."),
	); err != nil {
		return nil, err
	}
	if met.FeedbackSubmitted, err = m.Int64Counter("raginterface.feedback.submitted",
		metric.WithDescription("Total reviewer feedback by improvement assessment."),
	); err != nil {
		return nil, err
	}

	if met.EventErrors, err = m.Int64Counter("raginterface.event.errors",
		metric.WithDescription("Domain events that could not be published."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("raginterface.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route, and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSERCalculation implements [ser.Recorder].
func (m *Metrics) RecordSERCalculation(ctx context.Context, serScore float64, level string) {
	m.SERCalculations.Add(ctx, 1, metric.WithAttributes(Attr("quality_level", level)))
	m.SERScore.Record(ctx, serScore)
}

// RecordSERBatch implements [ser.Recorder].
func (m *Metrics) RecordSERBatch(ctx context.Context, size int, d time.Duration) {
	m.SERBatchPairs.Add(ctx, int64(size))
	m.SERBatchDuration.Record(ctx, d.Seconds())
}

// RecordAssessment counts one speaker assessment.
func (m *Metrics) RecordAssessment(ctx context.Context, outcome string) {
	m.Assessments.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordBucketTransition counts one appended history entry.
func (m *Metrics) RecordBucketTransition(ctx context.Context, transition, assignmentType string) {
	m.BucketTransitions.Add(ctx, 1,
		metric.WithAttributes(
			Attr("transition", transition),
			Attr("assignment_type", assignmentType),
		),
	)
}

// RecordCacheLookup counts one cache read.
func (m *Metrics) RecordCacheLookup(ctx context.Context, result string) {
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(Attr("result", result)))
}

// RecordSessionTransition counts a session reaching status and keeps the
// active-session gauge in step: entering in_progress increments it, leaving
// it for a terminal status decrements it.
func (m *Metrics) RecordSessionTransition(ctx context.Context, status string, wasActive bool) {
	m.SessionTransitions.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
	switch {
	case status == "in_progress" && !wasActive:
		m.ActiveSessions.Add(ctx, 1)
	case status != "in_progress" && wasActive:
		m.ActiveSessions.Add(ctx, -1)
	}
}

// RecordFeedback counts one feedback submission.
func (m *Metrics) RecordFeedback(ctx context.Context, assessment string) {
	m.FeedbackSubmitted.Add(ctx, 1, metric.WithAttributes(Attr("assessment", assessment)))
}

// RecordEventError counts an event that could not be delivered.
func (m *Metrics) RecordEventError(ctx context.Context, event string) {
	m.EventErrors.Add(ctx, 1, metric.WithAttributes(Attr("event", event)))
}
