package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-engine/internal/broker"
	"github.com/capitalize-ai/support-engine/internal/model"
	"github.com/capitalize-ai/support-engine/pkg/logger"
	"github.com/capitalize-ai/support-engine/pkg/metrics"
)

const publishTimeout = 2 * time.Second

// ActivityPublisher receives ticket activity for collaborators outside the
// realtime rooms.
type ActivityPublisher interface {
	PublishActivity(ctx context.Context, rec *model.ActivityRecord) (uint64, error)
}

// Notifier publishes the effects of committed writes. Publishing is best
// effort: failures are logged and counted and never undo the write.
type Notifier struct {
	broker   broker.Broker
	activity ActivityPublisher
	logger   *logger.Logger
	now      func() time.Time
}

// NewNotifier creates a notifier. activity may be nil.
func NewNotifier(b broker.Broker, activity ActivityPublisher, log *logger.Logger) *Notifier {
	if log == nil {
		log = logger.Global()
	}
	return &Notifier{
		broker:   b,
		activity: activity,
		logger:   log.With(zap.String("component", "notifier")),
		now:      time.Now,
	}
}

// MessageSent announces a new message to the ticket room and the staff
// room, and records the activity.
func (n *Notifier) MessageSent(ctx context.Context, conv *model.Conversation, msg *model.Message, created bool) {
	ctx, cancel := detached(ctx)
	defer cancel()

	n.publish(ctx, broker.RoomForConversation(conv.ID), model.EventSupportMessage, model.SupportMessageEvent{
		ConversationID: conv.ID,
		Message:        *msg,
	})

	kind := model.ActivityMessageSent
	if created {
		kind = model.ActivityConversationCreated
	}
	n.publish(ctx, broker.StaffRoom, model.EventNewSupportActivity, model.SupportActivityEvent{
		ConversationID: conv.ID,
		Kind:           kind,
		Status:         conv.Status,
	})
	n.record(ctx, kind, conv, msg.SenderID, msg.SenderRole)
}

// ConversationCreated announces a ticket that was opened without a message.
func (n *Notifier) ConversationCreated(ctx context.Context, conv *model.Conversation, actor model.Identity) {
	ctx, cancel := detached(ctx)
	defer cancel()

	n.publish(ctx, broker.StaffRoom, model.EventNewSupportActivity, model.SupportActivityEvent{
		ConversationID: conv.ID,
		Kind:           model.ActivityConversationCreated,
		Status:         conv.Status,
	})
	n.record(ctx, model.ActivityConversationCreated, conv, actor.ID, actor.SenderRole())
}

// ConversationUpdated sends the updated ticket to both rooms.
func (n *Notifier) ConversationUpdated(ctx context.Context, conv *model.Conversation, actor model.Identity) {
	ctx, cancel := detached(ctx)
	defer cancel()

	payload := model.ConversationUpdatedEvent{Conversation: *conv}
	n.publish(ctx, broker.RoomForConversation(conv.ID), model.EventConversationUpdated, payload)
	n.publish(ctx, broker.StaffRoom, model.EventConversationUpdated, payload)
	n.record(ctx, model.ActivityConversationUpdated, conv, actor.ID, actor.SenderRole())
}

// Typing relays a typing signal to the ticket room.
func (n *Notifier) Typing(ctx context.Context, conversationID string, isTyping bool, role model.Role) {
	n.publish(ctx, broker.RoomForConversation(conversationID), model.EventTyping, model.TypingEvent{
		ConversationID: conversationID,
		IsTyping:       isTyping,
		SenderRole:     role,
	})
}

func (n *Notifier) publish(ctx context.Context, room string, t model.EventType, payload any) {
	if n.broker == nil {
		return
	}
	ev, err := broker.NewEvent(t, payload)
	if err == nil {
		err = n.broker.Publish(ctx, room, ev)
	}
	if err != nil {
		metrics.PublishFailures.WithLabelValues("room").Inc()
		n.logger.Warn("failed to publish event",
			zap.String("room", room),
			zap.String("type", string(t)),
			zap.Error(err))
	}
}

func (n *Notifier) record(ctx context.Context, kind model.ActivityKind, conv *model.Conversation, actorID string, role model.Role) {
	if n.activity == nil {
		return
	}
	rec := &model.ActivityRecord{
		ID:             uuid.Must(uuid.NewV7()).String(),
		Kind:           kind,
		ConversationID: conv.ID,
		OwnerID:        conv.OwnerID,
		ActorID:        actorID,
		ActorRole:      role,
		Status:         conv.Status,
		CreatedAt:      n.now(),
	}
	if _, err := n.activity.PublishActivity(ctx, rec); err != nil {
		metrics.PublishFailures.WithLabelValues("activity").Inc()
		n.logger.Warn("failed to publish activity",
			zap.String("conversation_id", conv.ID),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}

// detached keeps publishing alive when the request that caused the write
// has already been cancelled.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
}
