package rest

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tan-res-space/rag-interface/internal/workflow"
	"github.com/tan-res-space/rag-interface/pkg/review"
)

type workflowHandler struct {
	svc *workflow.Service
}

// AddTestItem handles POST /v1/test-items.
func (h *workflowHandler) AddTestItem(w http.ResponseWriter, r *http.Request) {
	var item review.TestItem
	if err := decode(w, r, &item); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.svc.AddTestItem(r.Context(), item)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// ListTestItems handles GET /v1/speakers/{speakerID}/test-items?limit=N.
func (h *workflowHandler) ListTestItems(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items, err := h.svc.ListTestItems(r.Context(), mux.Vars(r)["speakerID"], limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []review.TestItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

type comparisonRequest struct {
	TestItemIDs []string `json:"test_item_ids"`
}

// SERComparison handles POST /v1/speakers/{speakerID}/ser-comparison.
func (h *workflowHandler) SERComparison(w http.ResponseWriter, r *http.Request) {
	var req comparisonRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.svc.GetSERComparison(r.Context(), mux.Vars(r)["speakerID"], req.TestItemIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Start handles POST /v1/sessions.
func (h *workflowHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req workflow.StartRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := h.svc.StartSession(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// ListSessions handles GET /v1/speakers/{speakerID}/sessions.
func (h *workflowHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ListSessions(r.Context(), mux.Vars(r)["speakerID"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if out == nil {
		out = []*review.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out, "count": len(out)})
}

// Get handles GET /v1/sessions/{id}.
func (h *workflowHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.GetSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Progress handles GET /v1/sessions/{id}/progress.
func (h *workflowHandler) Progress(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Progress(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Items handles GET /v1/sessions/{id}/items.
func (h *workflowHandler) Items(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.SessionItems(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []review.TestItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// SubmitFeedback handles POST /v1/sessions/{id}/feedback.
func (h *workflowHandler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var req workflow.FeedbackRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.SessionID = mux.Vars(r)["id"]
	fb, err := h.svc.SubmitFeedback(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fb)
}

// ListFeedback handles GET /v1/sessions/{id}/feedback.
func (h *workflowHandler) ListFeedback(w http.ResponseWriter, r *http.Request) {
	fb, err := h.svc.SessionFeedback(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if fb == nil {
		fb = []review.Feedback{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"feedback": fb, "summary": workflow.Summarize(fb)})
}

type completeRequest struct {
	Notes string `json:"completion_notes,omitempty"`
}

// Complete handles POST /v1/sessions/{id}/complete. The body is optional.
func (h *workflowHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	sess, sum, err := h.svc.CompleteSession(r.Context(), mux.Vars(r)["id"], req.Notes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "summary": sum})
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Cancel handles POST /v1/sessions/{id}/cancel. The body is optional.
func (h *workflowHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	sess, err := h.svc.CancelSession(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
