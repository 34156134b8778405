package api

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/canopyhq/canopy-agent/internal/entity"
)

// buildRouter creates the HTTP router with all routes and middleware.
//
// Entity topic identifiers contain slashes, so they travel URL-encoded as
// a single path segment (device%2Fchild0%2F%2F). chi matches on the raw
// path, which keeps the encoded identifier in one route parameter.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "unknown endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	// Agent liveness
	r.Get("/health", s.handleHealth)

	// Entity tree
	r.Route("/entities", func(r chi.Router) {
		r.Get("/", s.handleListEntities)
		r.Post("/", s.handleRegisterEntity)

		r.Route("/{topicID}", func(r chi.Router) {
			r.Get("/", s.handleGetEntity)
			r.Patch("/", s.handleUpdateEntity)
			r.Delete("/", s.handleDeleteEntity)

			r.Route("/twin", func(r chi.Router) {
				r.Get("/", s.handleGetTwin)
				r.Put("/", s.handleReplaceTwin)
				r.Delete("/", s.handleClearTwin)

				r.Route("/{key}", func(r chi.Router) {
					r.Get("/", s.handleGetTwinKey)
					r.Put("/", s.handleSetTwinKey)
					r.Delete("/", s.handleClearTwinKey)
				})
			})
		})
	})

	// Command transition history
	r.Route("/commands", func(r chi.Router) {
		r.Get("/", s.handleListCommands)
		r.Get("/{topicID}", s.handleListCommandsForEntity)
	})

	// File store
	r.Route("/files", func(r chi.Router) {
		r.Get("/*", s.handleGetFile)
		r.Put("/*", s.handlePutFile)
		r.Delete("/*", s.handleDeleteFile)
	})

	return r
}

// handleHealth returns the agent liveness status and entity counts.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	devices, services := s.store.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"entities": map[string]int{
			"devices":  devices,
			"services": services,
		},
	})
}

// topicIDParam decodes and validates the topic identifier route parameter.
func topicIDParam(r *http.Request) (entity.TopicID, error) {
	raw := chi.URLParam(r, "topicID")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", err
	}
	return entity.ParseTopicID(decoded)
}
