package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/capitalize-ai/support-engine/internal/broker"
	"github.com/capitalize-ai/support-engine/internal/middleware"
	"github.com/capitalize-ai/support-engine/internal/model"
	"github.com/capitalize-ai/support-engine/internal/service"
	"github.com/capitalize-ai/support-engine/pkg/logger"
)

const (
	maxCommandBytes = 8 * 1024
	writeTimeout    = 10 * time.Second
)

// SocketConfig tunes the realtime socket.
type SocketConfig struct {
	// AllowedOrigins are host patterns accepted for cross-origin upgrades.
	AllowedOrigins []string
	Heartbeat      time.Duration
	// RateLimit commands are allowed per RateWindow; zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// SocketHandler upgrades authenticated requests to a websocket that joins
// rooms on command and forwards room events.
type SocketHandler struct {
	messageService *service.MessageService
	broker         broker.Broker
	cfg            SocketConfig
	logger         *logger.Logger
}

// NewSocketHandler creates a new socket handler.
func NewSocketHandler(msgSvc *service.MessageService, b broker.Broker, cfg SocketConfig, log *logger.Logger) *SocketHandler {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	return &SocketHandler{
		messageService: msgSvc,
		broker:         b,
		cfg:            cfg,
		logger:         log,
	}
}

// Serve handles GET /api/v1/support/ws
func (h *SocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.GetIdentity(r.Context())
	log := middleware.RequestLogger(r.Context(), h.logger)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: OriginPatterns(h.cfg.AllowedOrigins),
	})
	if err != nil {
		log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxCommandBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := &socket{
		id:      uuid.NewString(),
		caller:  caller,
		conn:    conn,
		handler: h,
		typing:  make(map[string]bool),
		logger:  log,
	}
	if h.cfg.RateLimit > 0 && h.cfg.RateWindow > 0 {
		s.limiter = rate.NewLimiter(rate.Every(h.cfg.RateWindow/time.Duration(h.cfg.RateLimit)), h.cfg.RateLimit)
	}

	events := h.broker.Connect(s.id)
	defer h.broker.Disconnect(s.id)
	defer s.clearTyping(ctx)

	log.Debug("socket connected", zap.String("socket_id", s.id))

	go func() {
		defer cancel()
		s.writeLoop(ctx, events)
	}()
	s.readLoop(ctx)

	conn.Close(websocket.StatusNormalClosure, "")
	log.Debug("socket disconnected", zap.String("socket_id", s.id))
}

// OriginPatterns turns configured CORS origins into the host patterns the
// websocket upgrader matches against.
func OriginPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			out = append(out, o)
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, strings.TrimSuffix(o, "/"))
	}
	return out
}

// socket is one connected client.
type socket struct {
	id      string
	caller  model.Identity
	conn    *websocket.Conn
	handler *SocketHandler
	limiter *rate.Limiter
	logger  *logger.Logger

	mu     sync.Mutex
	typing map[string]bool
}

func (s *socket) readLoop(ctx context.Context) {
	for {
		var cmd model.Command
		if err := wsjson.Read(ctx, s.conn, &cmd); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if ctx.Err() == nil {
					s.logger.Debug("socket read failed", zap.String("socket_id", s.id), zap.Error(err))
				}
			}
			return
		}

		if s.limiter != nil && !s.limiter.Allow() {
			retry := s.limiter.Reserve()
			delay := retry.Delay()
			retry.Cancel()
			s.sendError(ctx, &model.ErrorEvent{
				Code:       "rate_limited",
				Message:    "too many commands, slow down",
				RetryAfter: int(math.Ceil(delay.Seconds())),
			})
			continue
		}

		if err := s.handle(ctx, cmd); err != nil {
			s.sendError(ctx, errorEvent(err))
		}
	}
}

func (s *socket) writeLoop(ctx context.Context, events <-chan broker.Event) {
	heartbeat := time.NewTicker(s.handler.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.write(ctx, ev); err != nil {
				s.logger.Debug("socket write failed", zap.String("socket_id", s.id), zap.Error(err))
				return
			}
		case <-heartbeat.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Debug("socket heartbeat failed", zap.String("socket_id", s.id), zap.Error(err))
				return
			}
		}
	}
}

func (s *socket) handle(ctx context.Context, cmd model.Command) error {
	b := s.handler.broker

	switch cmd.Type {
	case model.CommandJoinConversationRoom:
		var p model.JoinConversationCommand
		if err := decodePayload(cmd.Payload, &p); err != nil {
			return err
		}
		if err := s.handler.messageService.Authorize(ctx, s.caller, p.ConversationID); err != nil {
			return err
		}
		return b.Join(s.id, broker.RoomForConversation(p.ConversationID))

	case model.CommandJoinStaffRoom:
		if !s.caller.IsStaff() {
			return model.Errorf(model.KindForbidden, "staff access required")
		}
		return b.Join(s.id, broker.StaffRoom)

	case model.CommandLeaveRoom:
		var p model.LeaveRoomCommand
		if err := decodePayload(cmd.Payload, &p); err != nil {
			return err
		}
		room := p.Room
		if p.ConversationID != "" {
			room = broker.RoomForConversation(p.ConversationID)
		}
		if room == "" {
			return model.Errorf(model.KindValidation, "room is required")
		}
		b.Leave(s.id, room)
		if id, ok := broker.ConversationFromRoom(room); ok {
			s.stopTyping(ctx, id)
		}
		return nil

	case model.CommandTyping:
		var p model.TypingCommand
		if err := decodePayload(cmd.Payload, &p); err != nil {
			return err
		}
		if err := s.handler.messageService.Typing(ctx, s.caller, p.ConversationID, p.IsTyping); err != nil {
			return err
		}
		s.mu.Lock()
		if p.IsTyping {
			s.typing[p.ConversationID] = true
		} else {
			delete(s.typing, p.ConversationID)
		}
		s.mu.Unlock()
		return nil
	}
	return model.Errorf(model.KindValidation, "unknown command %q", cmd.Type)
}

// clearTyping withdraws typing signals left asserted by a socket that
// went away.
func (s *socket) clearTyping(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.typing))
	for id := range s.typing {
		ids = append(ids, id)
	}
	s.typing = map[string]bool{}
	s.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	for _, id := range ids {
		if err := s.handler.messageService.Typing(cctx, s.caller, id, false); err != nil {
			s.logger.Debug("failed to clear typing", zap.String("conversation_id", id), zap.Error(err))
		}
	}
}

// stopTyping withdraws the socket's typing signal on one conversation, if
// it asserted one.
func (s *socket) stopTyping(ctx context.Context, conversationID string) {
	s.mu.Lock()
	typing := s.typing[conversationID]
	delete(s.typing, conversationID)
	s.mu.Unlock()
	if !typing {
		return
	}
	if err := s.handler.messageService.Typing(ctx, s.caller, conversationID, false); err != nil {
		s.logger.Debug("failed to clear typing", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func (s *socket) write(ctx context.Context, ev broker.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.conn, ev)
}

func (s *socket) sendError(ctx context.Context, e *model.ErrorEvent) {
	ev, err := broker.NewEvent(model.EventError, e)
	if err != nil {
		return
	}
	if err := s.write(ctx, ev); err != nil {
		s.logger.Debug("failed to send socket error", zap.String("socket_id", s.id), zap.Error(err))
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return model.Errorf(model.KindValidation, "payload is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return model.Errorf(model.KindValidation, "invalid payload")
	}
	return nil
}

func errorEvent(err error) *model.ErrorEvent {
	var e *model.Error
	if errors.As(err, &e) {
		return &model.ErrorEvent{Code: string(e.Kind), Message: e.Error()}
	}
	return &model.ErrorEvent{Code: "internal", Message: "command failed"}
}
