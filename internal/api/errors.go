package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/canopyhq/canopy-agent/internal/entity"
)

// errorResponse is the uniform error body: {"error": "<message>"}.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes the uniform error body with the given status.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, message)
}

// writeStoreError maps entity store errors onto HTTP statuses: unknown
// entities are 404, every other rejection is an invalid request.
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, entity.ErrUnknownEntity) {
		writeNotFound(w, err.Error())
		return
	}
	writeBadRequest(w, err.Error())
}

// readBody reads the request body, translating the size cap into a 413.
// Writes the error response itself when reading fails.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		writeBadRequest(w, "reading request body: "+err.Error())
		return nil, false
	}
	return body, true
}
