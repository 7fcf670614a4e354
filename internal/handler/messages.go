package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/support-engine/internal/middleware"
	"github.com/capitalize-ai/support-engine/internal/model"
	"github.com/capitalize-ai/support-engine/internal/service"
	"github.com/capitalize-ai/support-engine/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	messageService *service.MessageService
	logger         *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(msgSvc *service.MessageService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		messageService: msgSvc,
		logger:         log,
	}
}

// Send handles POST /api/v1/support/conversations/{id}/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := middleware.RequestLogger(ctx, h.logger)
	caller, _ := middleware.GetIdentity(ctx)

	var req model.SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, log, err)
		return
	}

	conv, msg, err := h.messageService.Send(ctx, caller, chi.URLParam(r, "id"), &req)
	if err != nil {
		writeError(w, log, err)
		return
	}

	writeJSON(w, http.StatusCreated, &model.SendMessageResponse{
		Conversation: conv,
		Message:      msg,
	})
}
