package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/support-engine/internal/lifecycle"
	"github.com/capitalize-ai/support-engine/internal/model"
)

// maxCreateAttempts bounds how often CreateOrAppend re-reads an owner's
// tickets after losing a race with a concurrent writer.
const maxCreateAttempts = 3

// Result describes the outcome of a write.
type Result struct {
	Conversation   *model.Conversation
	Message        *model.Message
	PreviousStatus model.Status
	// Created is set when a new conversation record was inserted.
	Created bool
	// Duplicate is set when the message's client key was already present
	// and nothing was appended.
	Duplicate bool
}

// StatusChanged reports whether the write moved the ticket's status.
func (r *Result) StatusChanged() bool {
	return !r.Created && r.Conversation != nil && r.PreviousStatus != r.Conversation.Status
}

// Assignee identifies the staff member a ticket is assigned to.
type Assignee struct {
	ID          string
	DisplayName string
}

// Change is a staff-initiated update. Nil fields are left unchanged.
type Change struct {
	Assignee *Assignee
	Priority *model.Priority
	Status   *model.Status
}

// Conversations enforces the support ticket rules on top of a Backend.
type Conversations struct {
	backend Backend
	owners  *keyLock
	now     func() time.Time
}

// NewConversations creates the ticket store over backend.
func NewConversations(backend Backend) *Conversations {
	return &Conversations{
		backend: backend,
		owners:  newKeyLock(),
		now:     time.Now,
	}
}

// Backend returns the underlying persistence backend.
func (s *Conversations) Backend() Backend {
	return s.backend
}

// NewMessage builds an unsent message authored by author. Its timestamp is
// assigned on append, in server receipt order.
func NewMessage(author model.Identity, body, clientKey string) model.Message {
	return model.Message{
		ID:         uuid.Must(uuid.NewV7()).String(),
		SenderID:   author.ID,
		SenderName: author.Name(),
		SenderRole: author.SenderRole(),
		Body:       body,
		ClientKey:  clientKey,
	}
}

// Get returns a conversation by id.
func (s *Conversations) Get(ctx context.Context, id string) (*model.Conversation, error) {
	return s.backend.Get(ctx, id)
}

// FindActiveForOwner returns the owner's most recently active open,
// assigned or in_progress conversation, or nil.
func (s *Conversations) FindActiveForOwner(ctx context.Context, ownerID string) (*model.Conversation, error) {
	return s.backend.LatestForOwner(ctx, ownerID, ByLastActivity, model.ActiveStatuses...)
}

// FindMostRecentForOwner returns the owner's newest conversation in any
// status, or nil.
func (s *Conversations) FindMostRecentForOwner(ctx context.Context, ownerID string) (*model.Conversation, error) {
	return s.backend.LatestForOwner(ctx, ownerID, ByCreation)
}

// CreateOrAppend keeps at most one active conversation per owner. An
// active conversation receives body as a new message; a resolved most
// recent conversation is reopened by it; otherwise, including when the most
// recent is closed, a new conversation is created. An empty body records no
// message.
func (s *Conversations) CreateOrAppend(ctx context.Context, owner model.Identity, subject, body, clientKey string) (*Result, error) {
	unlock := s.owners.Lock(owner.ID)
	defer unlock()

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		target, err := s.FindActiveForOwner(ctx, owner.ID)
		if err != nil {
			return nil, err
		}
		if target == nil {
			recent, err := s.FindMostRecentForOwner(ctx, owner.ID)
			if err != nil {
				return nil, err
			}
			if recent != nil && recent.Status == model.StatusResolved {
				target = recent
			}
		}

		if target != nil {
			if body == "" {
				return &Result{Conversation: target, PreviousStatus: target.Status}, nil
			}
			res, err := s.appendMessage(ctx, target.ID, NewMessage(owner, body, clientKey))
			if errors.Is(err, model.ErrConversationClosed) || errors.Is(err, ErrOwnerConflict) {
				continue
			}
			return res, err
		}

		conv := s.newConversation(owner, subject)
		var msg *model.Message
		if body != "" {
			m := NewMessage(owner, body, clientKey)
			m.CreatedAt = conv.CreatedAt
			conv.Messages = append(conv.Messages, m)
			msg = &m
		}
		if err := s.backend.Insert(ctx, conv); err != nil {
			if errors.Is(err, ErrOwnerConflict) {
				continue
			}
			return nil, err
		}
		return &Result{Conversation: conv, Message: msg, Created: true, PreviousStatus: conv.Status}, nil
	}
	return nil, model.Errorf(model.KindUnavailable, "conversation for owner %s changed concurrently", owner.ID)
}

// AppendMessage appends msg to the conversation and applies the status
// side effects of a reply. Closed conversations reject every message;
// replying to a resolved one reopens it. A message whose client key is
// already in the log is not appended again.
func (s *Conversations) AppendMessage(ctx context.Context, id string, msg model.Message) (*Result, error) {
	res, err := s.appendMessage(ctx, id, msg)
	if errors.Is(err, ErrOwnerConflict) {
		return nil, model.Errorf(model.KindIllegalTransition, "owner already has another active conversation")
	}
	return res, err
}

func (s *Conversations) appendMessage(ctx context.Context, id string, msg model.Message) (*Result, error) {
	res := &Result{}
	conv, err := s.backend.Update(ctx, id, func(c *model.Conversation) error {
		res.PreviousStatus = c.Status
		if existing, ok := c.FindByClientKey(msg.ClientKey); ok {
			m := existing.Clone()
			res.Message = &m
			res.Duplicate = true
			return nil
		}

		next, err := lifecycle.OnMessage(c.Status, msg.SenderRole == model.RoleAgent)
		if err != nil {
			return err
		}

		now := s.now()
		if last := c.LastMessage(); last != nil && now.Before(last.CreatedAt) {
			now = last.CreatedAt
		}
		msg.CreatedAt = now
		msg.Read = false
		msg.ReadBy = nil
		c.Messages = append(c.Messages, msg)

		c.Status = next
		if next.Active() {
			c.ResolvedAt = nil
		}
		c.LastMessageAt = now
		c.UpdatedAt = now
		if msg.SenderRole == model.RoleAgent && c.AssignedStaffID == msg.SenderID && msg.SenderName != "" {
			c.AssignedStaffDisplayName = msg.SenderName
		}

		stored := msg.Clone()
		res.Message = &stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Conversation = conv
	return res, nil
}

// Update applies a staff change atomically: assignment first, then
// priority, then status. Setting the status a ticket already has is a
// no-op.
func (s *Conversations) Update(ctx context.Context, id string, actor model.Identity, ch Change) (*Result, error) {
	if !actor.IsStaff() {
		return nil, model.Errorf(model.KindForbidden, "only staff may update conversations")
	}

	res := &Result{}
	conv, err := s.backend.Update(ctx, id, func(c *model.Conversation) error {
		res.PreviousStatus = c.Status
		now := s.now()

		if ch.Assignee != nil {
			if strings.TrimSpace(ch.Assignee.ID) == "" {
				return model.Errorf(model.KindValidation, "assignee is required")
			}
			next, err := lifecycle.Assign(c.Status, actor)
			if err != nil {
				return err
			}
			c.AssignedStaffID = ch.Assignee.ID
			c.AssignedStaffDisplayName = ch.Assignee.DisplayName
			c.Status = next
		}

		if ch.Priority != nil {
			if !ch.Priority.Valid() {
				return model.Errorf(model.KindValidation, "unknown priority %q", *ch.Priority)
			}
			if lifecycle.Terminal(c.Status) {
				return model.Errorf(model.KindIllegalTransition, "cannot change a closed conversation")
			}
			c.Priority = *ch.Priority
		}

		if ch.Status != nil && *ch.Status != c.Status {
			if err := lifecycle.SetStatus(c.Status, *ch.Status, actor); err != nil {
				return err
			}
			c.Status = *ch.Status
			if lifecycle.StampsResolution(c.Status) {
				resolved := now
				c.ResolvedAt = &resolved
			}
		}

		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Conversation = conv
	return res, nil
}

// Assign assigns the conversation to a staff member, advancing an open
// ticket to assigned.
func (s *Conversations) Assign(ctx context.Context, id string, actor model.Identity, assignee Assignee) (*Result, error) {
	return s.Update(ctx, id, actor, Change{Assignee: &assignee})
}

// SetStatus moves the conversation to status if the transition is legal
// for actor. Entering resolved or closed stamps resolved_at.
func (s *Conversations) SetStatus(ctx context.Context, id string, status model.Status, actor model.Identity) (*Result, error) {
	return s.Update(ctx, id, actor, Change{Status: &status})
}

// MarkReadForViewer marks every message not authored by viewerID as seen
// by viewerID. It returns the number of messages that changed.
func (s *Conversations) MarkReadForViewer(ctx context.Context, id, viewerID string) (*model.Conversation, int, error) {
	changed := 0
	conv, err := s.backend.Update(ctx, id, func(c *model.Conversation) error {
		for i := range c.Messages {
			if c.Messages[i].MarkRead(viewerID) {
				changed++
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return conv, changed, nil
}

// RefreshStaffName updates the denormalized assignee name when staffID is
// still the assignee and the name changed.
func (s *Conversations) RefreshStaffName(ctx context.Context, id, staffID, name string) (*model.Conversation, error) {
	return s.backend.Update(ctx, id, func(c *model.Conversation) error {
		if name != "" && c.AssignedStaffID == staffID {
			c.AssignedStaffDisplayName = name
		}
		return nil
	})
}

// ListForOwner returns the owner's conversations, most recent activity
// first.
func (s *Conversations) ListForOwner(ctx context.Context, ownerID string, limit, offset int) ([]*model.Conversation, int, error) {
	return s.backend.List(ctx, Query{OwnerID: ownerID, Limit: limit, Offset: offset})
}

// ListAll returns the staff queue filtered by status, assignee and
// priority.
func (s *Conversations) ListAll(ctx context.Context, filter model.ConversationFilter) ([]*model.Conversation, int, error) {
	return s.backend.List(ctx, Query{
		Status:     filter.Status,
		AssignedTo: filter.AssignedTo,
		Priority:   filter.Priority,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
	})
}

func (s *Conversations) newConversation(owner model.Identity, subject string) *model.Conversation {
	now := s.now()
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = model.DefaultSubject
	}
	return &model.Conversation{
		ID:               uuid.Must(uuid.NewV7()).String(),
		OwnerID:          owner.ID,
		OwnerDisplayName: owner.Name(),
		OwnerEmail:       owner.Email,
		OwnerRole:        owner.Role,
		Subject:          subject,
		Status:           model.StatusOpen,
		Priority:         model.PriorityNormal,
		Messages:         []model.Message{},
		LastMessageAt:    now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
