package api

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
)

// handleGetTwin returns the whole twin document of an entity.
func (s *Server) handleGetTwin(w http.ResponseWriter, r *http.Request) {
	id, err := topicIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid topic id: "+err.Error())
		return
	}

	e, err := s.store.Get(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if e.Twin == nil {
		e.Twin = map[string]json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, e.Twin)
}

// handleReplaceTwin replaces the whole twin document. Keys absent from the
// body are cleared; unchanged values are not republished.
func (s *Server) handleReplaceTwin(w http.ResponseWriter, r *http.Request) {
	id, err := topicIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid topic id: "+err.Error())
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var fragments map[string]json.RawMessage
	if err := json.Unmarshal(body, &fragments); err != nil {
		writeBadRequest(w, "twin document must be a JSON object: "+err.Error())
		return
	}

	if err := s.store.ReplaceTwin(id, fragments); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClearTwin removes every twin fragment of an entity.
func (s *Server) handleClearTwin(w http.ResponseWriter, r *http.Request) {
	id, err := topicIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid topic id: "+err.Error())
		return
	}

	if err := s.store.ReplaceTwin(id, nil); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// twinKeyParam decodes the twin fragment key route parameter.
func twinKeyParam(r *http.Request) (string, error) {
	return url.PathUnescape(chi.URLParam(r, "key"))
}

// handleGetTwinKey returns one twin fragment value.
func (s *Server) handleGetTwinKey(w http.ResponseWriter, r *http.Request) {
	id, err := topicIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid topic id: "+err.Error())
		return
	}
	key, err := twinKeyParam(r)
	if err != nil {
		writeBadRequest(w, "invalid twin key: "+err.Error())
		return
	}

	e, err := s.store.Get(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	value, ok := e.Twin[key]
	if !ok {
		writeNotFound(w, "twin key "+key+" not set")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(value) //nolint:errcheck // Best-effort write to response
}

// handleSetTwinKey sets one twin fragment. The body is the raw JSON value.
func (s *Server) handleSetTwinKey(w http.ResponseWriter, r *http.Request) {
	id, err := topicIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid topic id: "+err.Error())
		return
	}
	key, err := twinKeyParam(r)
	if err != nil {
		writeBadRequest(w, "invalid twin key: "+err.Error())
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}

	if err := s.store.SetTwinKey(id, key, body); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClearTwinKey removes one twin fragment. Clearing an absent key is
// a no-op, mirroring the bus semantics of an empty retained payload.
func (s *Server) handleClearTwinKey(w http.ResponseWriter, r *http.Request) {
	id, err := topicIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid topic id: "+err.Error())
		return
	}
	key, err := twinKeyParam(r)
	if err != nil {
		writeBadRequest(w, "invalid twin key: "+err.Error())
		return
	}

	if err := s.store.ClearTwinKey(id, key); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
