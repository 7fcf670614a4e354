package handler

import (
	"net/http"

	"github.com/capitalize-ai/support-engine/internal/assistant"
	"github.com/capitalize-ai/support-engine/internal/middleware"
	"github.com/capitalize-ai/support-engine/pkg/logger"
)

// AssistantHandler fronts the automated assistant.
type AssistantHandler struct {
	assistant *assistant.Service
	logger    *logger.Logger
}

// NewAssistantHandler creates a new assistant handler.
func NewAssistantHandler(svc *assistant.Service, log *logger.Logger) *AssistantHandler {
	return &AssistantHandler{
		assistant: svc,
		logger:    log,
	}
}

// Ask handles POST /api/v1/support/assistant
func (h *AssistantHandler) Ask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := middleware.RequestLogger(ctx, h.logger)
	caller, _ := middleware.GetIdentity(ctx)

	var req assistant.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, log, err)
		return
	}

	answer, err := h.assistant.Ask(ctx, caller, &req)
	if err != nil {
		writeError(w, log, err)
		return
	}

	writeJSON(w, http.StatusOK, answer)
}
