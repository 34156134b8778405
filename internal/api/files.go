package api

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
)

// filePathParam resolves the wildcard route parameter to a path inside the
// file store, rejecting anything that would escape it.
func (s *Server) filePathParam(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "*")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", err
	}
	if decoded == "" {
		return "", errors.New("file path is required")
	}

	rel := filepath.Clean(decoded)
	if !filepath.IsLocal(rel) {
		return "", errors.New("file path escapes the file store")
	}
	return filepath.Join(s.filesDir, rel), nil
}

// handlePutFile stores the request body as an opaque file.
func (s *Server) handlePutFile(w http.ResponseWriter, r *http.Request) {
	path, err := s.filePathParam(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		writeInternalError(w, "creating file store directory: "+err.Error())
		return
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		writeInternalError(w, "writing file: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// handleGetFile streams a stored file back.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	path, err := s.filePathParam(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			writeNotFound(w, "no such file")
			return
		}
		writeInternalError(w, "opening file: "+err.Error())
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeNotFound(w, "no such file")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f) //nolint:errcheck // Best-effort write to response
}

// handleDeleteFile removes a stored file.
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	path, err := s.filePathParam(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			writeNotFound(w, "no such file")
			return
		}
		writeInternalError(w, "removing file: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
