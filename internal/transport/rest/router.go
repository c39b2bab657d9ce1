// Package rest exposes the scoring, assessment and validation use cases over
// HTTP/JSON.
//
// Failures are reported as {"error": ..., "category": ...} with the status
// derived from the error category: validation 400, not_found 404, state and
// conflict 409, computation 422, anything else 500.
package rest

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tan-res-space/rag-interface/internal/assessment"
	"github.com/tan-res-space/rag-interface/internal/health"
	"github.com/tan-res-space/rag-interface/internal/observe"
	"github.com/tan-res-space/rag-interface/internal/workflow"
	"github.com/tan-res-space/rag-interface/pkg/ser"
)

// Container holds the router's dependencies. Health and Metrics are
// optional.
type Container struct {
	Engine     *ser.Engine
	Assessment *assessment.Service
	Workflow   *workflow.Service
	Health     *health.Handler
	Metrics    *observe.Metrics

	// MetricsPath mounts the Prometheus handler. Empty disables it.
	MetricsPath string
}

// NewRouter builds the API router.
func NewRouter(c *Container) http.Handler {
	r := mux.NewRouter()
	if c.Metrics != nil {
		r.Use(observe.Middleware(c.Metrics))
	}
	if c.Health != nil {
		c.Health.Register(r)
	}
	if c.MetricsPath != "" {
		r.Handle(c.MetricsPath, promhttp.Handler()).Methods(http.MethodGet)
	}

	serH := &serHandler{engine: c.Engine}
	asH := &assessmentHandler{svc: c.Assessment}
	wfH := &workflowHandler{svc: c.Workflow}

	v1 := r.PathPrefix("/v1").Subrouter()

	// SER scoring
	v1.HandleFunc("/ser/calculate", serH.Calculate).Methods(http.MethodPost)
	v1.HandleFunc("/ser/compare", serH.Compare).Methods(http.MethodPost)
	v1.HandleFunc("/ser/batch", serH.Batch).Methods(http.MethodPost)

	// Error reports
	v1.HandleFunc("/reports", asH.RecordReport).Methods(http.MethodPost)
	v1.HandleFunc("/reports/{id}", asH.GetReport).Methods(http.MethodGet)
	v1.HandleFunc("/reports/{id}/status", asH.SetReportStatus).Methods(http.MethodPut)

	// Speakers, performance and buckets
	v1.HandleFunc("/speakers/attention", asH.NeedingAttention).Methods(http.MethodGet)
	v1.HandleFunc("/speakers/{speakerID}/reports", asH.SpeakerReports).Methods(http.MethodGet)
	v1.HandleFunc("/speakers/{speakerID}/metrics", asH.Metrics).Methods(http.MethodGet)
	v1.HandleFunc("/speakers/{speakerID}/assess", asH.Assess).Methods(http.MethodPost)
	v1.HandleFunc("/speakers/{speakerID}/bucket", asH.AssignBucket).Methods(http.MethodPost)
	v1.HandleFunc("/speakers/{speakerID}/history", asH.History).Methods(http.MethodGet)
	v1.HandleFunc("/buckets/statistics", asH.Statistics).Methods(http.MethodGet)
	v1.HandleFunc("/assessments/sweep", asH.Sweep).Methods(http.MethodPost)

	// Test items
	v1.HandleFunc("/test-items", wfH.AddTestItem).Methods(http.MethodPost)
	v1.HandleFunc("/speakers/{speakerID}/test-items", wfH.ListTestItems).Methods(http.MethodGet)
	v1.HandleFunc("/speakers/{speakerID}/ser-comparison", wfH.SERComparison).Methods(http.MethodPost)

	// Validation sessions
	v1.HandleFunc("/sessions", wfH.Start).Methods(http.MethodPost)
	v1.HandleFunc("/speakers/{speakerID}/sessions", wfH.ListSessions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", wfH.Get).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/progress", wfH.Progress).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/items", wfH.Items).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/feedback", wfH.SubmitFeedback).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/feedback", wfH.ListFeedback).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/complete", wfH.Complete).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/cancel", wfH.Cancel).Methods(http.MethodPost)

	return r
}
