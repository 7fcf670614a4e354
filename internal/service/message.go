package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-engine/internal/model"
	"github.com/capitalize-ai/support-engine/internal/store"
	"github.com/capitalize-ai/support-engine/pkg/logger"
	"github.com/capitalize-ai/support-engine/pkg/metrics"
	"github.com/capitalize-ai/support-engine/pkg/tracing"
)

// maxClientKeyLength bounds the idempotency key a client may attach.
const maxClientKeyLength = 128

// MessageService runs the message pipeline: validate, authorize, append
// with state side effects, then publish.
type MessageService struct {
	store     *store.Conversations
	notifier  *Notifier
	directory *Directory
	timeout   time.Duration
	logger    *logger.Logger
}

// NewMessageService creates a new message service.
func NewMessageService(st *store.Conversations, notifier *Notifier, dir *Directory, timeout time.Duration, log *logger.Logger) *MessageService {
	if dir == nil {
		dir = NewDirectory()
	}
	return &MessageService{
		store:     st,
		notifier:  notifier,
		directory: dir,
		timeout:   timeout,
		logger:    log,
	}
}

// Send appends a message from caller to the conversation. Staff post as
// agents. A resend carrying a client key that is already stored returns
// the stored message without publishing it again.
func (s *MessageService) Send(ctx context.Context, caller model.Identity, conversationID string, req *model.SendMessageRequest) (*model.Conversation, *model.Message, error) {
	if err := requireIdentity(caller); err != nil {
		return nil, nil, err
	}
	body, err := NormalizeBody(req.Body)
	if err != nil {
		return nil, nil, err
	}
	if len(req.ClientKey) > maxClientKeyLength {
		return nil, nil, model.Errorf(model.KindValidation, "client_key exceeds %d bytes", maxClientKeyLength)
	}

	ctx, span := tracing.Start(ctx, "MessageService.Send",
		attribute.String("conversation_id", conversationID),
		attribute.String("sender_role", string(caller.SenderRole())))
	conv, msg, err := s.send(ctx, caller, conversationID, body, req.ClientKey)
	tracing.End(span, err)
	return conv, msg, err
}

func (s *MessageService) send(ctx context.Context, caller model.Identity, conversationID, body, clientKey string) (*model.Conversation, *model.Message, error) {
	conv, err := storeCall(ctx, s.timeout, s.logger, "get", func(ctx context.Context) (*model.Conversation, error) {
		return s.store.Get(ctx, conversationID)
	})
	if err != nil {
		return nil, nil, err
	}
	if !canView(conv, caller) {
		return nil, nil, model.ErrForbidden
	}
	if conv.Status == model.StatusClosed {
		return nil, nil, model.ErrConversationClosed
	}
	s.directory.Observe(caller)

	res, err := storeCall(ctx, s.timeout, s.logger, "append_message", func(ctx context.Context) (*store.Result, error) {
		return s.store.AppendMessage(ctx, conversationID, store.NewMessage(caller, body, clientKey))
	})
	if err != nil {
		return nil, nil, err
	}

	conv = res.Conversation
	if !res.Duplicate {
		metrics.MessagesTotal.WithLabelValues(string(res.Message.SenderRole)).Inc()
		s.notifier.MessageSent(ctx, conv, res.Message, false)
		if res.StatusChanged() {
			metrics.RecordTransition(string(res.PreviousStatus), string(conv.Status))
			s.notifier.ConversationUpdated(ctx, conv, caller)
		}
	} else {
		s.logger.Debug("duplicate message ignored",
			zap.String("conversation_id", conversationID),
			zap.String("message_id", res.Message.ID))
	}

	conv.UnreadCount = conv.CountUnread(caller.ID)
	return conv, res.Message, nil
}

// Typing relays a typing signal from caller to the conversation room. The
// sender role comes from the caller's identity, never from the client.
func (s *MessageService) Typing(ctx context.Context, caller model.Identity, conversationID string, isTyping bool) error {
	if err := s.Authorize(ctx, caller, conversationID); err != nil {
		return err
	}
	s.notifier.Typing(ctx, conversationID, isTyping, caller.SenderRole())
	return nil
}

// Authorize checks that caller may join the conversation's room.
func (s *MessageService) Authorize(ctx context.Context, caller model.Identity, conversationID string) error {
	if err := requireIdentity(caller); err != nil {
		return err
	}
	conv, err := storeCall(ctx, s.timeout, s.logger, "get", func(ctx context.Context) (*model.Conversation, error) {
		return s.store.Get(ctx, conversationID)
	})
	if err != nil {
		return err
	}
	if !canView(conv, caller) {
		return model.ErrForbidden
	}
	return nil
}
