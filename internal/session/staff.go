package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-engine/internal/broker"
	"github.com/capitalize-ai/support-engine/internal/model"
	"github.com/capitalize-ai/support-engine/pkg/logger"
)

// StaffSession is the staff side: a ticket queue kept fresh by activity
// events and at most one open ticket.
type StaffSession struct {
	api      API
	rt       Realtime
	identity model.Identity
	logger   *logger.Logger
	changes  chan struct{}
	detail   *view

	mu     sync.Mutex
	filter model.ConversationFilter
	queue  model.ListConversationsResponse
}

// NewStaffSession creates a session for a staff identity.
func NewStaffSession(api API, rt Realtime, identity model.Identity, cfg Config, log *logger.Logger) *StaffSession {
	if log == nil {
		log = logger.Global()
	}
	s := &StaffSession{
		api:      api,
		rt:       rt,
		identity: identity,
		logger:   log.With(zap.String("component", "staff_session"), zap.String("user_id", identity.ID)),
		changes:  make(chan struct{}, 1),
	}
	s.detail = newView(api, rt, identity, cfg.withDefaults(), s.logger, s.notify)
	return s
}

// Load joins the staff room and fetches the queue.
func (s *StaffSession) Load(ctx context.Context, filter model.ConversationFilter) error {
	if !s.identity.IsStaff() {
		return model.Errorf(model.KindForbidden, "staff access required")
	}
	s.mu.Lock()
	s.filter = filter
	s.mu.Unlock()

	if err := joinStaffRoom(ctx, s.rt); err != nil {
		s.logger.Warn("failed to join staff room", zap.Error(err))
	}
	return s.refreshQueue(ctx)
}

// Queue returns the last fetched ticket list.
func (s *StaffSession) Queue() model.ListConversationsResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	q.Conversations = append([]model.Conversation(nil), s.queue.Conversations...)
	return q
}

// Open shows ticket id in the detail view, leaving the previous ticket's
// room.
func (s *StaffSession) Open(ctx context.Context, id string) (*model.Conversation, error) {
	conv, err := s.api.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev := s.detail.id(); prev != "" && prev != id {
		s.detail.typing.Stop()
		if err := leaveConversation(ctx, s.rt, prev); err != nil {
			s.logger.Debug("failed to leave previous room", zap.String("conversation_id", prev), zap.Error(err))
		}
	}
	if err := joinConversation(ctx, s.rt, id); err != nil {
		s.logger.Warn("failed to join conversation room", zap.String("conversation_id", id), zap.Error(err))
	}
	s.detail.load(conv)
	return conv, nil
}

// Detail returns the open ticket header and its timeline.
func (s *StaffSession) Detail() (model.Conversation, []Entry, bool) {
	conv, ok := s.detail.snapshot()
	if !ok {
		return model.Conversation{}, nil, false
	}
	return conv, s.detail.timeline.Entries(), true
}

// Send replies on the open ticket.
func (s *StaffSession) Send(ctx context.Context, body string) (string, error) {
	return s.detail.send(ctx, body)
}

// Resend retries an unconfirmed reply.
func (s *StaffSession) Resend(ctx context.Context, clientKey string) error {
	return s.detail.resend(ctx, clientKey)
}

// Keystroke records local typing on the open ticket.
func (s *StaffSession) Keystroke() {
	s.detail.typing.Keystroke()
}

// RemoteTyping reports whether the ticket owner is shown as typing.
func (s *StaffSession) RemoteTyping() bool {
	return s.detail.remote.Typing()
}

// Assign assigns the open ticket to staffID.
func (s *StaffSession) Assign(ctx context.Context, staffID string) (*model.Conversation, error) {
	return s.update(ctx, &model.UpdateConversationRequest{AssignedTo: &staffID})
}

// SetStatus resolves or closes the open ticket.
func (s *StaffSession) SetStatus(ctx context.Context, status model.Status) (*model.Conversation, error) {
	return s.update(ctx, &model.UpdateConversationRequest{Status: &status})
}

// SetPriority changes the open ticket's priority.
func (s *StaffSession) SetPriority(ctx context.Context, p model.Priority) (*model.Conversation, error) {
	return s.update(ctx, &model.UpdateConversationRequest{Priority: &p})
}

func (s *StaffSession) update(ctx context.Context, req *model.UpdateConversationRequest) (*model.Conversation, error) {
	id := s.detail.id()
	if id == "" {
		return nil, model.Errorf(model.KindValidation, "no conversation is open")
	}
	conv, err := s.api.Update(ctx, id, req)
	if err != nil {
		return nil, err
	}
	s.detail.load(conv)
	if err := s.refreshQueue(ctx); err != nil {
		s.logger.Debug("failed to refresh queue", zap.Error(err))
	}
	return conv, nil
}

// Changes signals whenever the queue or detail view changed.
func (s *StaffSession) Changes() <-chan struct{} {
	return s.changes
}

// HandleEvent applies a realtime event. The queue re-fetches its summaries
// while the detail view applies the exact change.
func (s *StaffSession) HandleEvent(ctx context.Context, ev broker.Event) error {
	switch ev.Type {
	case model.EventNewSupportActivity:
		return s.refreshQueue(ctx)
	case model.EventConversationUpdated:
		if _, err := s.detail.handle(ev); err != nil {
			return err
		}
		return s.refreshQueue(ctx)
	}
	_, err := s.detail.handle(ev)
	return err
}

// Resync re-joins every room and re-fetches the queue and open ticket.
func (s *StaffSession) Resync(ctx context.Context) error {
	if err := joinStaffRoom(ctx, s.rt); err != nil {
		return err
	}
	if id := s.detail.id(); id != "" {
		if err := joinConversation(ctx, s.rt, id); err != nil {
			return err
		}
		if err := s.detail.refresh(ctx); err != nil {
			return err
		}
	}
	return s.refreshQueue(ctx)
}

// Run applies realtime events until ctx ends.
func (s *StaffSession) Run(ctx context.Context) error {
	return run(ctx, s.rt, s.logger, s.HandleEvent, s.Resync)
}

// Close clears typing and leaves the open ticket's room.
func (s *StaffSession) Close(ctx context.Context) error {
	s.detail.typing.Stop()
	if id := s.detail.id(); id != "" {
		return leaveConversation(ctx, s.rt, id)
	}
	return nil
}

func (s *StaffSession) refreshQueue(ctx context.Context) error {
	s.mu.Lock()
	filter := s.filter
	s.mu.Unlock()

	resp, err := s.api.ListAll(ctx, filter)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.queue = *resp
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *StaffSession) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
