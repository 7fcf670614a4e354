package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-engine/internal/broker"
	"github.com/capitalize-ai/support-engine/internal/middleware"
	"github.com/capitalize-ai/support-engine/internal/model"
	"github.com/capitalize-ai/support-engine/internal/service"
	"github.com/capitalize-ai/support-engine/pkg/logger"
	"github.com/capitalize-ai/support-engine/pkg/metrics"
)

// DefaultHeartbeat is how often idle streams receive a heartbeat event.
const DefaultHeartbeat = 30 * time.Second

// StreamHandler serves a conversation room as server-sent events for
// clients that cannot hold a websocket.
type StreamHandler struct {
	messageService *service.MessageService
	broker         broker.Broker
	heartbeat      time.Duration
	logger         *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(msgSvc *service.MessageService, b broker.Broker, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &StreamHandler{
		messageService: msgSvc,
		broker:         b,
		heartbeat:      heartbeat,
		logger:         log,
	}
}

// Stream handles GET /api/v1/support/conversations/{id}/stream
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := middleware.RequestLogger(ctx, h.logger)
	caller, _ := middleware.GetIdentity(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := h.messageService.Authorize(ctx, caller, conversationID); err != nil {
		writeError(w, log, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, log, fmt.Errorf("streaming not supported"))
		return
	}

	socketID := "sse-" + uuid.NewString()
	events := h.broker.Connect(socketID)
	defer h.broker.Disconnect(socketID)
	if err := h.broker.Join(socketID, broker.RoomForConversation(conversationID)); err != nil {
		writeError(w, log, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"conversation_id": conversationID,
	})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected", zap.String("conversation_id", conversationID))
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, flusher, string(ev.Type), ev.Payload); err != nil {
				log.Debug("SSE write failed", zap.String("conversation_id", conversationID), zap.Error(err))
				return
			}

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return writeSSE(w, flusher, event, jsonData)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
