// Package store provides durable storage for support conversations.
//
// A Backend persists whole conversation documents and guarantees that
// Update applies its mutation atomically per conversation. Conversations
// layers the ticket rules (one active ticket per owner, reopen on reply,
// closed tickets are immutable) on top of any Backend.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/capitalize-ai/support-engine/internal/model"
)

// ErrOwnerConflict is returned by a backend when a write would leave an
// owner with more than one active conversation.
var ErrOwnerConflict = errors.New("store: owner already has an active conversation")

// errNotAppendOnly guards the message log against rewrites.
var errNotAppendOnly = errors.New("store: message log is append-only")

// MutateFunc changes a conversation in place. Returning an error aborts
// the update and leaves the stored document untouched.
type MutateFunc func(c *model.Conversation) error

// Order selects which timestamp ranks an owner's conversations.
type Order int

const (
	// ByLastActivity ranks by last_message_at.
	ByLastActivity Order = iota
	// ByCreation ranks by created_at.
	ByCreation
)

// Query filters a listing. Zero fields match everything.
type Query struct {
	OwnerID    string
	Status     model.Status
	AssignedTo string
	Priority   model.Priority
	Limit      int
	Offset     int
}

// Backend is the persistence interface for conversation documents.
type Backend interface {
	// Insert stores a new conversation.
	Insert(ctx context.Context, c *model.Conversation) error
	// Get returns the conversation with its messages, or model.ErrNotFound.
	Get(ctx context.Context, id string) (*model.Conversation, error)
	// Update loads, mutates and writes back one conversation atomically.
	Update(ctx context.Context, id string, fn MutateFunc) (*model.Conversation, error)
	// LatestForOwner returns the owner's highest ranked conversation whose
	// status is one of statuses (any status when empty), or nil.
	LatestForOwner(ctx context.Context, ownerID string, order Order, statuses ...model.Status) (*model.Conversation, error)
	// List returns conversations newest activity first, and the total
	// number matching before pagination.
	List(ctx context.Context, q Query) ([]*model.Conversation, int, error)
	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases the backend.
	Close() error
}

// checkAppendOnly verifies after was produced from before by appending
// messages and flipping read sets only.
func checkAppendOnly(before, after *model.Conversation) error {
	if len(after.Messages) < len(before.Messages) {
		return errNotAppendOnly
	}
	for i := range before.Messages {
		b, a := &before.Messages[i], &after.Messages[i]
		if a.ID != b.ID || a.Body != b.Body || a.SenderID != b.SenderID || !a.CreatedAt.Equal(b.CreatedAt) {
			return errNotAppendOnly
		}
	}
	if after.ID != before.ID || after.OwnerID != before.OwnerID {
		return errors.New("store: conversation identity is immutable")
	}
	return nil
}

// statusIn reports whether s is one of statuses; an empty set matches all.
func statusIn(s model.Status, statuses []model.Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

func rankTime(c *model.Conversation, order Order) time.Time {
	if order == ByCreation {
		return c.CreatedAt
	}
	return c.LastMessageAt
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
