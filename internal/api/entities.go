package api

import (
	"encoding/json"
	"net/http"

	"github.com/canopyhq/canopy-agent/internal/entity"
)

// handleListEntities returns entities matching the optional root, parent
// and type query filters, in registration order.
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	var filter entity.Filter

	q := r.URL.Query()
	if root := q.Get("root"); root != "" {
		id, err := entity.ParseTopicID(root)
		if err != nil {
			writeBadRequest(w, "invalid root filter: "+err.Error())
			return
		}
		filter.Root = id
	}
	if parent := q.Get("parent"); parent != "" {
		id, err := entity.ParseTopicID(parent)
		if err != nil {
			writeBadRequest(w, "invalid parent filter: "+err.Error())
			return
		}
		filter.Parent = id
	}
	if typ := q.Get("type"); typ != "" {
		parsed, err := entity.ParseType(typ)
		if err != nil {
			writeBadRequest(w, "invalid type filter: "+err.Error())
			return
		}
		filter.Type = parsed
	}

	writeJSON(w, http.StatusOK, s.store.List(filter))
}

// registerRequest is the POST /entities body: the registration payload
// plus the topic identifier, which on the bus is carried by the topic.
type registerRequest struct {
	TopicID        entity.TopicID `json:"topic_id"`
	Type           entity.Type    `json:"@type"`
	Parent         entity.TopicID `json:"@parent"`
	HealthEndpoint entity.TopicID `json:"@health"`
}

// handleRegisterEntity registers a new entity (or re-registers an
// identical one, which is a no-op).
func (s *Server) handleRegisterEntity(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var req registerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.TopicID == "" {
		writeBadRequest(w, "topic_id is required")
		return
	}

	e, err := s.store.Register(entity.Registration{
		TopicID:        req.TopicID,
		Type:           req.Type,
		Parent:         req.Parent,
		HealthEndpoint: req.HealthEndpoint,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, e)
}

// handleGetEntity returns one entity by topic identifier.
func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, http.StatusOK, e)
}

// handleUpdateEntity patches an entity's mutable attributes. Only @parent
// and @health can change after registration; the type and topic identifier
// are fixed.
func (s *Server) handleUpdateEntity(w http.ResponseWriter, r *http.Request) {
	id, err := topicIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid topic id: "+err.Error())
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var patch map[string]json.RawMessage
	if err := json.Unmarshal(body, &patch); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if len(patch) == 0 {
		writeBadRequest(w, "empty patch")
		return
	}

	var updated *entity.Entity
	for key, raw := range patch {
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			writeBadRequest(w, key+" must be a string")
			return
		}

		switch key {
		case "@parent":
			updated, err = s.store.UpdateParent(id, entity.TopicID(value))
		case "@health":
			updated, err = s.store.UpdateHealthEndpoint(id, entity.TopicID(value))
		default:
			writeBadRequest(w, "unsupported attribute "+key+", only @parent and @health are mutable")
			return
		}
		if err != nil {
			writeStoreError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, updated)
}

// handleDeleteEntity deregisters an entity and its whole subtree.
func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	id, err := topicIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid topic id: "+err.Error())
		return
	}

	deleted, err := s.store.Deregister(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if len(deleted) == 0 {
		writeNotFound(w, "unknown entity "+string(id))
		return
	}

	removed := make([]entity.TopicID, 0, len(deleted))
	for _, e := range deleted {
		removed = append(removed, e.TopicID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": removed})
}
