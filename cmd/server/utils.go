package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/hotdata-dev/rivetdb"
)

// errorEnvelope is the wire shape of every error response.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// statusOf maps error categories to HTTP status codes. This is the only
// layer that attaches status semantics to errors.
func statusOf(err *rivetdb.Error) int {
	switch err.Type {
	case rivetdb.ErrorTypeValidation:
		return http.StatusBadRequest
	case rivetdb.ErrorTypeNotFound:
		return http.StatusNotFound
	case rivetdb.ErrorTypeConflict:
		return http.StatusConflict
	case rivetdb.ErrorTypeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err in the standard envelope
func writeError(w http.ResponseWriter, err error) {
	if typed, ok := rivetdb.AsError(err); ok {
		writeJSON(w, statusOf(typed), errorEnvelope{
			Error: errorBody{Code: typed.Code, Message: typed.Message},
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorEnvelope{
		Error: errorBody{Code: rivetdb.ErrCodeInternalServerError, Message: err.Error()},
	})
}

// readJSONBody decodes the request body into v. An empty body leaves v at
// its zero value.
func readJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return rivetdb.NewValidationError("invalid json body: %v", err)
	}
	return nil
}
