package rest

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tan-res-space/rag-interface/internal/assessment"
	"github.com/tan-res-space/rag-interface/internal/errorreport"
	"github.com/tan-res-space/rag-interface/pkg/apperr"
)

type assessmentHandler struct {
	svc *assessment.Service
}

// RecordReport handles POST /v1/reports.
func (h *assessmentHandler) RecordReport(w http.ResponseWriter, r *http.Request) {
	var rep errorreport.Report
	if err := decode(w, r, &rep); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.svc.RecordErrorReport(r.Context(), rep)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// GetReport handles GET /v1/reports/{id}.
func (h *assessmentHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.GetReport(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type statusRequest struct {
	Status errorreport.Status `json:"status"`
}

// SetReportStatus handles PUT /v1/reports/{id}/status.
func (h *assessmentHandler) SetReportStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rep, err := h.svc.SetReportStatus(r.Context(), mux.Vars(r)["id"], req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// SpeakerReports handles GET /v1/speakers/{speakerID}/reports.
func (h *assessmentHandler) SpeakerReports(w http.ResponseWriter, r *http.Request) {
	reports, sum, err := h.svc.SpeakerReports(r.Context(), mux.Vars(r)["speakerID"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if reports == nil {
		reports = []errorreport.Report{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports, "summary": sum})
}

// Metrics handles GET /v1/speakers/{speakerID}/metrics.
func (h *assessmentHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.CurrentMetrics(r.Context(), mux.Vars(r)["speakerID"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Assess handles POST /v1/speakers/{speakerID}/assess.
func (h *assessmentHandler) Assess(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.AssessSpeaker(r.Context(), mux.Vars(r)["speakerID"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AssignBucket handles POST /v1/speakers/{speakerID}/bucket. The speaker in
// the path wins over one in the body.
func (h *assessmentHandler) AssignBucket(w http.ResponseWriter, r *http.Request) {
	var req assessment.AssignRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.SpeakerID = mux.Vars(r)["speakerID"]
	entry, err := h.svc.AssignBucket(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// History handles GET /v1/speakers/{speakerID}/history.
func (h *assessmentHandler) History(w http.ResponseWriter, r *http.Request) {
	hist, err := h.svc.History(r.Context(), mux.Vars(r)["speakerID"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": hist, "count": len(hist)})
}

// NeedingAttention handles GET /v1/speakers/attention.
func (h *assessmentHandler) NeedingAttention(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.SpeakersNeedingAttention(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"speakers": out, "count": len(out)})
}

// Statistics handles GET /v1/buckets/statistics. The optional since query
// parameter is an RFC 3339 timestamp; days=N is a shorthand for the last N
// days.
func (h *assessmentHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, r, apperr.Invalid("request", "since must be an RFC 3339 timestamp, got %q", s))
			return
		}
		since = t
	} else {
		days, err := intQuery(r, "days", 0)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if days > 0 {
			since = time.Now().UTC().AddDate(0, 0, -days)
		}
	}
	stats, err := h.svc.Statistics(r.Context(), since)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Sweep handles POST /v1/assessments/sweep. Per-speaker failures are
// reported in the summary; the request itself succeeds.
func (h *assessmentHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.ReassessDue(r.Context())
	if err != nil && sum.Speakers == 0 {
		writeError(w, r, err)
		return
	}
	body := map[string]any{"summary": sum}
	if err != nil {
		body["errors"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}
