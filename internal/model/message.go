package model

import (
	"slices"
	"time"
)

// MaxMessageLength bounds a message body, in runes.
const MaxMessageLength = 10000

// Role is the role an identity holds on the platform.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleProvider Role = "provider"
	RoleStaff    Role = "staff"
	// RoleAgent is the sender role recorded for any staff author.
	RoleAgent Role = "agent"
)

// Valid reports whether r can be held by an authenticated identity.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleProvider || r == RoleStaff
}

// Message is one entry in a conversation log. Messages are immutable once
// appended except for their read set.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	SenderRole Role      `json:"sender_role"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`

	// Read is true once anyone other than the sender has seen the message.
	Read   bool     `json:"read"`
	ReadBy []string `json:"read_by,omitempty"`

	// ClientKey is the sender's idempotency key, echoed back unchanged.
	ClientKey string `json:"client_key,omitempty"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	m.ReadBy = slices.Clone(m.ReadBy)
	return m
}

// ReadByViewer reports whether viewerID has seen the message.
func (m *Message) ReadByViewer(viewerID string) bool {
	return slices.Contains(m.ReadBy, viewerID)
}

// MarkRead records that viewerID has seen the message. It returns false
// when nothing changed.
func (m *Message) MarkRead(viewerID string) bool {
	if viewerID == "" || viewerID == m.SenderID || m.ReadByViewer(viewerID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, viewerID)
	m.Read = true
	return true
}

// SendMessageRequest is the body of send-message.
type SendMessageRequest struct {
	Body      string `json:"body"`
	ClientKey string `json:"client_key,omitempty"`
}

// SendMessageResponse returns the conversation after the append together
// with the stored message, so a client can reconcile its optimistic copy.
type SendMessageResponse struct {
	Conversation *Conversation `json:"conversation"`
	Message      *Message      `json:"message"`
}
