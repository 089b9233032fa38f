// Package httpapi exposes the JSON control surface for jobs, sources,
// schedules and the content cache.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ragfactory/ingest/internal/data"
	"github.com/ragfactory/ingest/internal/domain/model"
)

// DecodeJSON decodes JSON from the request body into the destination.
// Returns false if decoding failed (the error response is already written).
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_json", Err: err})
		return false
	}

	return true
}

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := buf.WriteTo(w); err != nil {
		// Client disconnects are not recoverable here.
		return
	}
}

// ErrorParams groups parameters for WriteError.
type ErrorParams struct {
	Code    int
	ErrCode string
	Err     error
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, p ErrorParams) {
	WriteJSON(w, p.Code, map[string]string{"error": p.ErrCode, "message": p.Err.Error()})
}

// WriteServiceError maps service-layer sentinel errors onto HTTP statuses,
// defaulting to 400 for anything unrecognised.
func WriteServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, data.ErrJobNotFound),
		errors.Is(err, data.ErrSourceNotFound),
		errors.Is(err, data.ErrScheduleNotFound):
		WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "not_found", Err: err})
	case errors.Is(err, data.ErrJobNotRestartable),
		errors.Is(err, data.ErrJobNotDeletable):
		WriteError(w, ErrorParams{Code: http.StatusConflict, ErrCode: "invalid_state", Err: err})
	case errors.Is(err, data.ErrSourceNameTaken):
		WriteError(w, ErrorParams{Code: http.StatusConflict, ErrCode: "name_taken", Err: err})
	case errors.Is(err, model.ErrInvalidScheduleSpec):
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_spec", Err: err})
	default:
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "request_failed", Err: err})
	}
}
