package server

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/ChuLiYu/tapis-jobs/internal/command"
	"github.com/ChuLiYu/tapis-jobs/internal/storage"
)

// apiError is the body of every error response.
type apiError struct {
	Title      string `json:"title"`
	ID         string `json:"id"`
	Instance   string `json:"instance,omitempty"`
	StatusCode int    `json:"status_code"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Debug("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, id, title string) {
	writeJSON(w, code, &apiError{Title: title, ID: id, Instance: r.URL.Path, StatusCode: code})
}

// writeServiceError maps controller errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrJobNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "Job not found")
	case errors.Is(err, storage.ErrDuplicateJob):
		writeError(w, r, http.StatusConflict, "duplicate_job", err.Error())
	case errors.Is(err, command.ErrJobTerminal),
		errors.Is(err, command.ErrNotSuspended),
		errors.Is(err, command.ErrAlreadyQueued):
		writeError(w, r, http.StatusConflict, "invalid_state", err.Error())
	default:
		logger.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
		writeError(w, r, http.StatusInternalServerError, "server_error", "Internal server error")
	}
}
