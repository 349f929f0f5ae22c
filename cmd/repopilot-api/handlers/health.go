package handlers

import (
	"net/http"

	"github.com/repopilot-ai/repopilot/internal/llm"
)

// Version is the API version reported by the health endpoint.
const Version = "1.0.0"

// HealthHandler reports service liveness and provider mode.
type HealthHandler struct {
	chat *llm.Service
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(chat *llm.Service) *HealthHandler {
	return &HealthHandler{chat: chat}
}

// Health responds to GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   Version,
		"mock_mode": h.chat.MockMode(),
	})
}
