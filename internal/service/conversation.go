package service

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-engine/internal/model"
	"github.com/capitalize-ai/support-engine/internal/store"
	"github.com/capitalize-ai/support-engine/pkg/logger"
	"github.com/capitalize-ai/support-engine/pkg/metrics"
	"github.com/capitalize-ai/support-engine/pkg/tracing"
)

// ConversationService handles support ticket operations.
type ConversationService struct {
	store     *store.Conversations
	notifier  *Notifier
	directory *Directory
	timeout   time.Duration
	logger    *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(st *store.Conversations, notifier *Notifier, dir *Directory, timeout time.Duration, log *logger.Logger) *ConversationService {
	if dir == nil {
		dir = NewDirectory()
	}
	return &ConversationService{
		store:     st,
		notifier:  notifier,
		directory: dir,
		timeout:   timeout,
		logger:    log,
	}
}

// Directory returns the identity directory shared with other services.
func (s *ConversationService) Directory() *Directory {
	return s.directory
}

// CreateOrContinue returns the caller's active ticket, reopening a resolved
// one or starting a new one as needed. The initial message, if any, is
// appended to whichever ticket is returned. The bool reports whether a new
// ticket was created.
func (s *ConversationService) CreateOrContinue(ctx context.Context, caller model.Identity, req *model.CreateConversationRequest) (*model.Conversation, bool, error) {
	if err := requireIdentity(caller); err != nil {
		return nil, false, err
	}
	if caller.Role != model.RoleCustomer && caller.Role != model.RoleProvider {
		return nil, false, model.Errorf(model.KindForbidden, "only customers and providers can open support conversations")
	}

	subject, err := NormalizeSubject(req.Subject)
	if err != nil {
		return nil, false, err
	}
	var body string
	if strings.TrimSpace(req.InitialMessage) != "" {
		if body, err = NormalizeBody(req.InitialMessage); err != nil {
			return nil, false, err
		}
	}

	ctx, span := tracing.Start(ctx, "ConversationService.CreateOrContinue", attribute.String("owner_id", caller.ID))
	s.directory.Observe(caller)

	res, err := storeCall(ctx, s.timeout, s.logger, "create_or_append", func(ctx context.Context) (*store.Result, error) {
		return s.store.CreateOrAppend(ctx, caller, subject, body, req.ClientKey)
	})
	tracing.End(span, err)
	if err != nil {
		return nil, false, err
	}

	conv := res.Conversation
	if res.Created {
		metrics.ConversationsTotal.WithLabelValues(string(caller.Role)).Inc()
		s.logger.Info("support conversation created",
			zap.String("conversation_id", conv.ID),
			zap.String("owner_id", caller.ID))
	}

	switch {
	case res.Message != nil && !res.Duplicate:
		metrics.MessagesTotal.WithLabelValues(string(res.Message.SenderRole)).Inc()
		s.notifier.MessageSent(ctx, conv, res.Message, res.Created)
	case res.Created:
		s.notifier.ConversationCreated(ctx, conv, caller)
	}
	if res.StatusChanged() {
		metrics.RecordTransition(string(res.PreviousStatus), string(conv.Status))
		s.notifier.ConversationUpdated(ctx, conv, caller)
	}

	conv.UnreadCount = conv.CountUnread(caller.ID)
	return conv, res.Created, nil
}

// ListOwn returns the caller's tickets, most recent activity first.
func (s *ConversationService) ListOwn(ctx context.Context, caller model.Identity, limit, offset int) (*model.ListConversationsResponse, error) {
	if err := requireIdentity(caller); err != nil {
		return nil, err
	}

	type page struct {
		convs []*model.Conversation
		total int
	}
	p, err := storeCall(ctx, s.timeout, s.logger, "list_for_owner", func(ctx context.Context) (page, error) {
		convs, total, err := s.store.ListForOwner(ctx, caller.ID, limit, offset)
		return page{convs, total}, err
	})
	if err != nil {
		return nil, err
	}
	return listResponse(p.convs, p.total, offset, caller.ID), nil
}

// Get returns a ticket visible to caller and marks its messages read by
// the caller. The assigned staff name is refreshed when a newer one is
// known.
func (s *ConversationService) Get(ctx context.Context, caller model.Identity, id string) (*model.Conversation, error) {
	conv, err := s.load(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	s.directory.Observe(caller)

	if conv.CountUnread(caller.ID) > 0 {
		conv, err = s.markRead(ctx, caller, id)
		if err != nil {
			return nil, err
		}
	}

	if name := s.assigneeName(conv, caller); name != "" && name != conv.AssignedStaffDisplayName {
		refreshed, err := storeCall(ctx, s.timeout, s.logger, "refresh_staff_name", func(ctx context.Context) (*model.Conversation, error) {
			return s.store.RefreshStaffName(ctx, id, conv.AssignedStaffID, name)
		})
		if err != nil {
			// The stale name is still correct enough to display.
			s.logger.Debug("failed to refresh staff name", zap.String("conversation_id", id), zap.Error(err))
		} else {
			conv = refreshed
		}
	}

	conv.UnreadCount = conv.CountUnread(caller.ID)
	return conv, nil
}

// Peek returns a ticket visible to caller without touching its read state.
func (s *ConversationService) Peek(ctx context.Context, caller model.Identity, id string) (*model.Conversation, error) {
	conv, err := s.load(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	conv.UnreadCount = conv.CountUnread(caller.ID)
	return conv, nil
}

// MarkRead marks every message the caller did not author as read by them.
func (s *ConversationService) MarkRead(ctx context.Context, caller model.Identity, id string) (*model.Conversation, error) {
	if _, err := s.load(ctx, caller, id); err != nil {
		return nil, err
	}
	conv, err := s.markRead(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	conv.UnreadCount = 0
	return conv, nil
}

// ListAll returns the staff queue.
func (s *ConversationService) ListAll(ctx context.Context, caller model.Identity, filter model.ConversationFilter) (*model.ListConversationsResponse, error) {
	if err := requireIdentity(caller); err != nil {
		return nil, err
	}
	if !caller.IsStaff() {
		return nil, model.Errorf(model.KindForbidden, "staff access required")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, model.Errorf(model.KindValidation, "unknown status %q", filter.Status)
	}
	if filter.Priority != "" && !filter.Priority.Valid() {
		return nil, model.Errorf(model.KindValidation, "unknown priority %q", filter.Priority)
	}

	type page struct {
		convs []*model.Conversation
		total int
	}
	p, err := storeCall(ctx, s.timeout, s.logger, "list_all", func(ctx context.Context) (page, error) {
		convs, total, err := s.store.ListAll(ctx, filter)
		return page{convs, total}, err
	})
	if err != nil {
		return nil, err
	}
	return listResponse(p.convs, p.total, filter.Offset, caller.ID), nil
}

// Update applies a staff change to assignment, status or priority.
func (s *ConversationService) Update(ctx context.Context, caller model.Identity, id string, req *model.UpdateConversationRequest) (*model.Conversation, error) {
	if err := requireIdentity(caller); err != nil {
		return nil, err
	}
	if !caller.IsStaff() {
		return nil, model.Errorf(model.KindForbidden, "staff access required")
	}
	if req.Status == nil && req.AssignedTo == nil && req.Priority == nil {
		return nil, model.Errorf(model.KindValidation, "nothing to update")
	}
	s.directory.Observe(caller)

	var ch store.Change
	if req.AssignedTo != nil {
		assignee, err := s.resolveAssignee(caller, strings.TrimSpace(*req.AssignedTo))
		if err != nil {
			return nil, err
		}
		ch.Assignee = &assignee
	}
	ch.Status = req.Status
	ch.Priority = req.Priority

	ctx, span := tracing.Start(ctx, "ConversationService.Update", attribute.String("conversation_id", id))
	res, err := storeCall(ctx, s.timeout, s.logger, "update", func(ctx context.Context) (*store.Result, error) {
		return s.store.Update(ctx, id, caller, ch)
	})
	tracing.End(span, err)
	if err != nil {
		return nil, err
	}

	conv := res.Conversation
	if res.StatusChanged() {
		metrics.RecordTransition(string(res.PreviousStatus), string(conv.Status))
		s.logger.Info("support conversation status changed",
			zap.String("conversation_id", id),
			zap.String("from", string(res.PreviousStatus)),
			zap.String("to", string(conv.Status)),
			zap.String("staff_id", caller.ID))
	}
	s.notifier.ConversationUpdated(ctx, conv, caller)

	conv.UnreadCount = conv.CountUnread(caller.ID)
	return conv, nil
}

// load fetches a ticket and checks that caller may see it.
func (s *ConversationService) load(ctx context.Context, caller model.Identity, id string) (*model.Conversation, error) {
	if err := requireIdentity(caller); err != nil {
		return nil, err
	}
	conv, err := storeCall(ctx, s.timeout, s.logger, "get", func(ctx context.Context) (*model.Conversation, error) {
		return s.store.Get(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if !canView(conv, caller) {
		return nil, model.ErrForbidden
	}
	return conv, nil
}

func (s *ConversationService) markRead(ctx context.Context, caller model.Identity, id string) (*model.Conversation, error) {
	return storeCall(ctx, s.timeout, s.logger, "mark_read", func(ctx context.Context) (*model.Conversation, error) {
		conv, _, err := s.store.MarkReadForViewer(ctx, id, caller.ID)
		return conv, err
	})
}

func (s *ConversationService) assigneeName(conv *model.Conversation, caller model.Identity) string {
	if conv.AssignedStaffID == "" {
		return ""
	}
	if caller.ID == conv.AssignedStaffID {
		return caller.DisplayName
	}
	return s.directory.DisplayName(conv.AssignedStaffID)
}

func (s *ConversationService) resolveAssignee(caller model.Identity, staffID string) (store.Assignee, error) {
	if staffID == "" {
		return store.Assignee{}, model.Errorf(model.KindValidation, "assigned_to must name a staff member")
	}
	if staffID == caller.ID {
		return store.Assignee{ID: caller.ID, DisplayName: caller.Name()}, nil
	}
	known, ok := s.directory.Lookup(staffID)
	if ok && !known.IsStaff() {
		return store.Assignee{}, model.Errorf(model.KindValidation, "%s is not a staff member", staffID)
	}
	return store.Assignee{ID: staffID, DisplayName: known.DisplayName}, nil
}

func listResponse(convs []*model.Conversation, total, offset int, viewerID string) *model.ListConversationsResponse {
	out := make([]model.Conversation, 0, len(convs))
	for _, c := range convs {
		c.UnreadCount = c.CountUnread(viewerID)
		out = append(out, *c)
	}
	if offset < 0 {
		offset = 0
	}
	return &model.ListConversationsResponse{
		Conversations: out,
		Total:         total,
		HasMore:       offset+len(out) < total,
	}
}
