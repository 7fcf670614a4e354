package session

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-engine/internal/broker"
	"github.com/capitalize-ai/support-engine/internal/model"
	"github.com/capitalize-ai/support-engine/pkg/logger"
)

// OwnerSession is the customer or provider side of a support chat.
type OwnerSession struct {
	api     API
	rt      Realtime
	logger  *logger.Logger
	changes chan struct{}
	view    *view
}

// NewOwnerSession creates a session for identity.
func NewOwnerSession(api API, rt Realtime, identity model.Identity, cfg Config, log *logger.Logger) *OwnerSession {
	if log == nil {
		log = logger.Global()
	}
	s := &OwnerSession{
		api:     api,
		rt:      rt,
		logger:  log.With(zap.String("component", "owner_session"), zap.String("user_id", identity.ID)),
		changes: make(chan struct{}, 1),
	}
	s.view = newView(api, rt, identity, cfg.withDefaults(), s.logger, s.notify)
	return s
}

// Open fetches or creates the owner's active conversation and joins its
// room. An initial message is sent with the request.
func (s *OwnerSession) Open(ctx context.Context, subject, initialMessage string) (*model.Conversation, error) {
	req := &model.CreateConversationRequest{
		Subject:        subject,
		InitialMessage: initialMessage,
	}
	if strings.TrimSpace(initialMessage) != "" {
		req.ClientKey = uuid.NewString()
	}

	conv, err := s.api.CreateOrContinue(ctx, req)
	if err != nil {
		return nil, err
	}

	if prev := s.view.id(); prev != "" && prev != conv.ID {
		if err := leaveConversation(ctx, s.rt, prev); err != nil {
			s.logger.Debug("failed to leave previous room", zap.String("conversation_id", prev), zap.Error(err))
		}
	}
	if err := joinConversation(ctx, s.rt, conv.ID); err != nil {
		// History is already loaded; the next reconnect joins again.
		s.logger.Warn("failed to join conversation room", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
	s.view.load(conv)
	return conv, nil
}

// Conversation returns the open conversation without its messages.
func (s *OwnerSession) Conversation() (model.Conversation, bool) {
	return s.view.snapshot()
}

// Entries returns the rendered message timeline.
func (s *OwnerSession) Entries() []Entry {
	return s.view.timeline.Entries()
}

// Send posts body optimistically. The returned client key identifies the
// placeholder; on failure it stays visible as unconfirmed.
func (s *OwnerSession) Send(ctx context.Context, body string) (string, error) {
	return s.view.send(ctx, body)
}

// Resend retries an unconfirmed message.
func (s *OwnerSession) Resend(ctx context.Context, clientKey string) error {
	return s.view.resend(ctx, clientKey)
}

// Keystroke records local typing.
func (s *OwnerSession) Keystroke() {
	s.view.typing.Keystroke()
}

// RemoteTyping reports whether staff is shown as typing.
func (s *OwnerSession) RemoteTyping() bool {
	return s.view.remote.Typing()
}

// Changes signals whenever the rendered state changed.
func (s *OwnerSession) Changes() <-chan struct{} {
	return s.changes
}

// HandleEvent applies a realtime event.
func (s *OwnerSession) HandleEvent(_ context.Context, ev broker.Event) error {
	_, err := s.view.handle(ev)
	return err
}

// Resync re-joins the room and re-fetches the conversation.
func (s *OwnerSession) Resync(ctx context.Context) error {
	id := s.view.id()
	if id == "" {
		return nil
	}
	if err := joinConversation(ctx, s.rt, id); err != nil {
		return err
	}
	return s.view.refresh(ctx)
}

// Run applies realtime events until ctx ends.
func (s *OwnerSession) Run(ctx context.Context) error {
	return run(ctx, s.rt, s.logger, s.HandleEvent, s.Resync)
}

// Close clears typing and leaves the room.
func (s *OwnerSession) Close(ctx context.Context) error {
	s.view.typing.Stop()
	if id := s.view.id(); id != "" {
		return leaveConversation(ctx, s.rt, id)
	}
	return nil
}

func (s *OwnerSession) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
