// Package model defines data structures for the support conversation engine.
package model

import (
	"time"
)

// DefaultSubject is used when a conversation is opened without a subject.
const DefaultSubject = "General Inquiry"

// MaxSubjectLength bounds the subject of a conversation, in runes.
const MaxSubjectLength = 200

// Status is the lifecycle state of a support conversation.
type Status string

const (
	StatusOpen       Status = "open"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
)

// ActiveStatuses are the non-terminal statuses. An owner has at most one
// conversation in any of them.
var ActiveStatuses = []Status{StatusOpen, StatusAssigned, StatusInProgress}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAssigned, StatusInProgress, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Active reports whether s is open, assigned or in_progress.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusAssigned || s == StatusInProgress
}

// Priority is the triage urgency of a conversation.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Conversation is a support ticket together with its message log.
type Conversation struct {
	ID               string `json:"id"`
	OwnerID          string `json:"owner_id"`
	OwnerDisplayName string `json:"owner_display_name"`
	OwnerEmail       string `json:"owner_email,omitempty"`
	OwnerRole        Role   `json:"owner_role"`

	Subject  string   `json:"subject"`
	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`

	AssignedStaffID          string `json:"assigned_staff_id,omitempty"`
	AssignedStaffDisplayName string `json:"assigned_staff_display_name,omitempty"`

	Messages []Message `json:"messages"`

	LastMessageAt time.Time  `json:"last_message_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`

	// UnreadCount is derived per viewer for list views and never stored.
	UnreadCount int `json:"unread_count,omitempty"`
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	out.Messages = make([]Message, len(c.Messages))
	for i := range c.Messages {
		out.Messages[i] = c.Messages[i].Clone()
	}
	return &out
}

// IsOwner reports whether userID owns the conversation.
func (c *Conversation) IsOwner(userID string) bool {
	return userID != "" && c.OwnerID == userID
}

// FindByClientKey returns the message carrying the given client key.
func (c *Conversation) FindByClientKey(key string) (*Message, bool) {
	if key == "" {
		return nil, false
	}
	for i := range c.Messages {
		if c.Messages[i].ClientKey == key {
			return &c.Messages[i], true
		}
	}
	return nil, false
}

// CountUnread returns the number of messages viewerID has not seen.
func (c *Conversation) CountUnread(viewerID string) int {
	n := 0
	for i := range c.Messages {
		if c.Messages[i].SenderID != viewerID && !c.Messages[i].ReadByViewer(viewerID) {
			n++
		}
	}
	return n
}

// LastMessage returns the newest message, if any.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// CreateConversationRequest is the body of create-or-continue.
type CreateConversationRequest struct {
	Subject        string `json:"subject,omitempty"`
	InitialMessage string `json:"initial_message,omitempty"`
	ClientKey      string `json:"client_key,omitempty"`
}

// UpdateConversationRequest is the staff-only update body. Nil fields are
// left unchanged.
type UpdateConversationRequest struct {
	Status     *Status   `json:"status,omitempty"`
	AssignedTo *string   `json:"assigned_to,omitempty"`
	Priority   *Priority `json:"priority,omitempty"`
}

// ConversationFilter narrows the staff queue.
type ConversationFilter struct {
	Status     Status
	AssignedTo string
	Priority   Priority
	Limit      int
	Offset     int
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	HasMore       bool           `json:"has_more"`
}
