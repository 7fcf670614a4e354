// Package handler provides HTTP handlers for the support API.
package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-engine/internal/middleware"
	"github.com/capitalize-ai/support-engine/internal/model"
	"github.com/capitalize-ai/support-engine/internal/service"
	"github.com/capitalize-ai/support-engine/pkg/logger"
)

// ActivityReader reads the collaborator activity feed for a ticket.
type ActivityReader interface {
	Recent(ctx context.Context, conversationID string, limit int) ([]model.ActivityRecord, error)
}

// ActivityResponse lists recent activity records for a ticket.
type ActivityResponse struct {
	ConversationID string                 `json:"conversation_id"`
	Activity       []model.ActivityRecord `json:"activity"`
}

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service  *service.ConversationService
	activity ActivityReader
	logger   *logger.Logger
}

// NewConversationHandler creates a new conversation handler. activity may
// be nil when the activity feed is disabled.
func NewConversationHandler(svc *service.ConversationService, activity ActivityReader, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service:  svc,
		activity: activity,
		logger:   log,
	}
}

// Create handles POST /api/v1/support/conversations
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := middleware.RequestLogger(ctx, h.logger)
	caller, _ := middleware.GetIdentity(ctx)

	var req model.CreateConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, log, err)
		return
	}

	conv, created, err := h.service.CreateOrContinue(ctx, caller, &req)
	if err != nil {
		writeError(w, log, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conv)
}

// List handles GET /api/v1/support/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := middleware.GetIdentity(ctx)
	limit, offset := pagination(r)

	resp, err := h.service.ListOwn(ctx, caller, limit, offset)
	if err != nil {
		writeError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/support/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := middleware.GetIdentity(ctx)

	conv, err := h.service.Get(ctx, caller, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// MarkRead handles POST /api/v1/support/conversations/{id}/read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := middleware.GetIdentity(ctx)

	conv, err := h.service.MarkRead(ctx, caller, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// ListAll handles GET /api/v1/support/admin/conversations
func (h *ConversationHandler) ListAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := middleware.GetIdentity(ctx)
	limit, offset := pagination(r)

	q := r.URL.Query()
	filter := model.ConversationFilter{
		Status:     model.Status(q.Get("status")),
		AssignedTo: q.Get("assigned_to"),
		Priority:   model.Priority(q.Get("priority")),
		Limit:      limit,
		Offset:     offset,
	}

	resp, err := h.service.ListAll(ctx, caller, filter)
	if err != nil {
		writeError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Update handles PATCH /api/v1/support/admin/conversations/{id}
func (h *ConversationHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := middleware.RequestLogger(ctx, h.logger)
	caller, _ := middleware.GetIdentity(ctx)

	var req model.UpdateConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, log, err)
		return
	}

	conv, err := h.service.Update(ctx, caller, chi.URLParam(r, "id"), &req)
	if err != nil {
		writeError(w, log, err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Activity handles GET /api/v1/support/admin/conversations/{id}/activity
func (h *ConversationHandler) Activity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := middleware.RequestLogger(ctx, h.logger)
	caller, _ := middleware.GetIdentity(ctx)
	id := chi.URLParam(r, "id")

	if h.activity == nil {
		writeError(w, log, model.Errorf(model.KindNotFound, "activity feed is not enabled"))
		return
	}
	if !caller.IsStaff() {
		writeError(w, log, model.Errorf(model.KindForbidden, "staff access required"))
		return
	}
	if _, err := h.service.Peek(ctx, caller, id); err != nil {
		writeError(w, log, err)
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	records, err := h.activity.Recent(ctx, id, limit)
	if err != nil {
		log.Warn("failed to read activity feed", zap.String("conversation_id", id), zap.Error(err))
		writeError(w, log, model.ErrUnavailable)
		return
	}
	if records == nil {
		records = []model.ActivityRecord{}
	}

	writeJSON(w, http.StatusOK, &ActivityResponse{ConversationID: id, Activity: records})
}
