package rest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/tan-res-space/rag-interface/internal/observe"
	"github.com/tan-res-space/rag-interface/pkg/apperr"
)

// maxBody bounds request bodies. Texts are capped at 50k characters each, so
// a feedback or report body stays well below this.
const maxBody = 1 << 20

// errorBody is the JSON shape of every failed response.
type errorBody struct {
	Error    string `json:"error"`
	Category string `json:"category"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error category onto an HTTP status.
func statusFor(category string) int {
	switch category {
	case apperr.CategoryValidation:
		return http.StatusBadRequest
	case apperr.CategoryNotFound:
		return http.StatusNotFound
	case apperr.CategoryConflict, apperr.CategoryState:
		return http.StatusConflict
	case apperr.CategoryComputation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err with its category. Internal errors are logged and
// hidden from the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	category := apperr.Category(err)
	status := statusFor(category)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: msg, Category: category})
}

// decode reads a JSON body into v. Unknown fields and trailing data are
// rejected as validation errors.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Invalid("request", "body must not be empty")
		}
		return apperr.Invalid("request", "malformed JSON: %v", err)
	}
	if dec.More() {
		return apperr.Invalid("request", "body must contain a single JSON object")
	}
	return nil
}

// intQuery parses an optional integer query parameter.
func intQuery(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, apperr.Invalid("request", "%s must be an integer, got %q", name, s)
	}
	return n, nil
}
