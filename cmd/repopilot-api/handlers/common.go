// Package handlers provides HTTP handlers for the RepoPilot API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/repopilot-ai/repopilot/internal/observability"
	"github.com/repopilot-ai/repopilot/internal/repo"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, logger *observability.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repo.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, repo.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repo.ErrClone):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}
