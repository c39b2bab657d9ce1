package rest

import (
	"net/http"

	"github.com/tan-res-space/rag-interface/pkg/apperr"
	"github.com/tan-res-space/rag-interface/pkg/ser"
)

// maxBatch bounds the pairs of one batch request.
const maxBatch = 1000

type serHandler struct {
	engine *ser.Engine
}

type calculateRequest struct {
	Hypothesis string `json:"hypothesis"`
	Reference  string `json:"reference"`
}

// Calculate handles POST /v1/ser/calculate.
func (h *serHandler) Calculate(w http.ResponseWriter, r *http.Request) {
	var req calculateRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := h.engine.CalculateContext(r.Context(), req.Hypothesis, req.Reference)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type compareRequest struct {
	Original  string `json:"original_text"`
	Corrected string `json:"corrected_text"`
	Reference string `json:"reference_text"`
}

// Compare handles POST /v1/ser/compare: both texts are scored against the
// reference and compared.
func (h *serHandler) Compare(w http.ResponseWriter, r *http.Request) {
	var req compareRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	orig, err := h.engine.CalculateContext(r.Context(), req.Original, req.Reference)
	if err != nil {
		writeError(w, r, err)
		return
	}
	corr, err := h.engine.CalculateContext(r.Context(), req.Corrected, req.Reference)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Compare(orig, corr))
}

type batchRequest struct {
	Pairs []ser.Pair `json:"pairs"`
}

// Batch handles POST /v1/ser/batch.
func (h *serHandler) Batch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Pairs) == 0 || len(req.Pairs) > maxBatch {
		writeError(w, r, apperr.Invalid("ser batch", "pairs must hold 1 to %d entries, got %d", maxBatch, len(req.Pairs)))
		return
	}
	res, err := h.engine.CalculateBatch(r.Context(), req.Pairs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": res})
}
