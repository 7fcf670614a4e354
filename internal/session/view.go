package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-engine/internal/broker"
	"github.com/capitalize-ai/support-engine/internal/model"
	"github.com/capitalize-ai/support-engine/pkg/logger"
)

const commandTimeout = 5 * time.Second

// view is the detail state of the one conversation a session has open.
type view struct {
	api      API
	rt       Realtime
	identity model.Identity
	cfg      Config
	logger   *logger.Logger
	changed  func()
	now      func() time.Time

	timeline *Timeline
	typing   *TypingDebouncer
	remote   *TypingIndicator

	mu     sync.Mutex
	header *model.Conversation
}

func newView(api API, rt Realtime, identity model.Identity, cfg Config, log *logger.Logger, changed func()) *view {
	v := &view{
		api:      api,
		rt:       rt,
		identity: identity,
		cfg:      cfg,
		logger:   log,
		changed:  changed,
		now:      time.Now,
		timeline: NewTimeline(cfg.MatchWindow),
	}
	v.typing = NewTypingDebouncer(cfg.TypingIdle, cfg.TypingRenew, v.emitTyping)
	v.remote = NewTypingIndicator(cfg.TypingExpiry, func(bool) { changed() })
	return v
}

// load replaces the view with a fresh server copy.
func (v *view) load(conv *model.Conversation) {
	v.setHeader(conv)
	v.timeline.Reset(conv.Messages)
	v.changed()
}

func (v *view) id() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.header == nil {
		return ""
	}
	return v.header.ID
}

func (v *view) snapshot() (model.Conversation, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.header == nil {
		return model.Conversation{}, false
	}
	return *v.header.Clone(), true
}

func (v *view) setHeader(conv *model.Conversation) {
	h := conv.Clone()
	h.Messages = nil
	v.mu.Lock()
	v.header = h
	v.mu.Unlock()
}

func (v *view) setStatus(s model.Status) {
	v.mu.Lock()
	if v.header != nil {
		v.header.Status = s
	}
	v.mu.Unlock()
}

func (v *view) send(ctx context.Context, body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", model.Errorf(model.KindValidation, "message body is required")
	}
	id := v.id()
	if id == "" {
		return "", model.Errorf(model.KindValidation, "no conversation is open")
	}

	key := uuid.NewString()
	v.typing.Stop()
	v.timeline.AddPending(model.Message{
		SenderID:   v.identity.ID,
		SenderName: v.identity.Name(),
		SenderRole: v.identity.SenderRole(),
		Body:       body,
		CreatedAt:  v.now().UTC(),
		ClientKey:  key,
	})
	v.changed()

	return key, v.deliver(ctx, id, key, body)
}

// resend retries an unconfirmed message under its original client key, so
// a send that did reach the server is not stored twice.
func (v *view) resend(ctx context.Context, clientKey string) error {
	e, ok := v.timeline.Local(clientKey)
	if !ok {
		return model.Errorf(model.KindNotFound, "no local message %s", clientKey)
	}
	if e.Delivery != Unconfirmed {
		return model.Errorf(model.KindValidation, "message is %s, not awaiting resend", e.Delivery)
	}
	id := v.id()
	if id == "" {
		return model.Errorf(model.KindValidation, "no conversation is open")
	}
	v.timeline.MarkPending(clientKey)
	v.changed()
	return v.deliver(ctx, id, clientKey, e.Message.Body)
}

func (v *view) deliver(ctx context.Context, id, key, body string) error {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.ConfirmTimeout)
	resp, err := v.api.Send(ctx, id, &model.SendMessageRequest{Body: body, ClientKey: key})
	cancel()
	if err != nil {
		v.timeline.MarkUnconfirmed(key, err)
		if model.KindOf(err) == model.KindConversationClosed {
			v.setStatus(model.StatusClosed)
		}
		v.changed()
		v.logger.Debug("message unconfirmed", zap.String("conversation_id", id), zap.String("client_key", key), zap.Error(err))
		return err
	}
	if resp.Message != nil {
		v.timeline.Confirm(*resp.Message)
	}
	if resp.Conversation != nil {
		v.setHeader(resp.Conversation)
	}
	v.changed()
	return nil
}

// handle applies a room event to the view. It reports whether the event
// concerned the open conversation.
func (v *view) handle(ev broker.Event) (bool, error) {
	id := v.id()
	if id == "" {
		return false, nil
	}

	switch ev.Type {
	case model.EventSupportMessage:
		var p model.SupportMessageEvent
		if err := ev.Decode(&p); err != nil {
			return false, err
		}
		if p.ConversationID != id {
			return false, nil
		}
		if p.Message.SenderRole != v.identity.SenderRole() {
			v.remote.Set(false)
		}
		if v.timeline.Confirm(p.Message) {
			v.changed()
		}
		return true, nil

	case model.EventTyping:
		var p model.TypingEvent
		if err := ev.Decode(&p); err != nil {
			return false, err
		}
		if p.ConversationID != id {
			return false, nil
		}
		// Our own role's signals are echoes.
		if p.SenderRole != v.identity.SenderRole() {
			v.remote.Set(p.IsTyping)
		}
		return true, nil

	case model.EventConversationUpdated:
		var p model.ConversationUpdatedEvent
		if err := ev.Decode(&p); err != nil {
			return false, err
		}
		if p.Conversation.ID != id {
			return false, nil
		}
		v.setHeader(&p.Conversation)
		if p.Conversation.Messages != nil {
			v.timeline.Reset(p.Conversation.Messages)
		}
		v.changed()
		return true, nil
	}
	return false, nil
}

func (v *view) refresh(ctx context.Context) error {
	id := v.id()
	if id == "" {
		return nil
	}
	conv, err := v.api.Get(ctx, id)
	if err != nil {
		return err
	}
	v.load(conv)
	return nil
}

func (v *view) emitTyping(isTyping bool) {
	id := v.id()
	if id == "" {
		return
	}
	cmd, err := NewCommand(model.CommandTyping, model.TypingCommand{ConversationID: id, IsTyping: isTyping})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := v.rt.Command(ctx, cmd); err != nil {
		v.logger.Debug("failed to send typing signal", zap.String("conversation_id", id), zap.Error(err))
	}
}
