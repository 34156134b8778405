package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/canopyhq/canopy-agent/internal/history"
)

// commandFilter builds a history filter from the shared query parameters.
func commandFilter(r *http.Request) (history.Filter, error) {
	q := r.URL.Query()
	f := history.Filter{
		CmdType: q.Get("cmd_type"),
		CmdID:   q.Get("cmd_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return history.Filter{}, errors.New("limit must be a non-negative integer")
		}
		f.Limit = limit
	}
	return f, nil
}

// handleListCommands returns recorded command transitions, newest first.
// Supports cmd_type, cmd_id and limit query filters.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	filter, err := commandFilter(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	entries, err := s.history.List(r.Context(), filter)
	if err != nil {
		writeInternalError(w, "querying command history: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleListCommandsForEntity returns transitions for one target entity.
func (s *Server) handleListCommandsForEntity(w http.ResponseWriter, r *http.Request) {
	id, err := topicIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid topic id: "+err.Error())
		return
	}

	filter, err := commandFilter(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	filter.Target = string(id)

	entries, err := s.history.List(r.Context(), filter)
	if err != nil {
		writeInternalError(w, "querying command history: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
