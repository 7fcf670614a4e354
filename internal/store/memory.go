package store

import (
	"context"
	"sort"
	"sync"

	"github.com/capitalize-ai/support-engine/internal/model"
)

// MemoryBackend is an in-process Backend. A single lock serializes writes,
// which makes every Update atomic. Callers always receive copies.
type MemoryBackend struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		conversations: make(map[string]*model.Conversation),
	}
}

// Insert stores a new conversation.
func (m *MemoryBackend) Insert(ctx context.Context, c *model.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c.Status.Active() && m.otherActiveLocked(c.OwnerID, c.ID) {
		return ErrOwnerConflict
	}
	m.conversations[c.ID] = c.Clone()
	return nil
}

// Get retrieves a conversation by ID.
func (m *MemoryBackend) Get(ctx context.Context, id string) (*model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return c.Clone(), nil
}

// Update applies fn to a copy and swaps it in if fn succeeds.
func (m *MemoryBackend) Update(ctx context.Context, id string, fn MutateFunc) (*model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.conversations[id]
	if !ok {
		return nil, model.ErrNotFound
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := checkAppendOnly(current, next); err != nil {
		return nil, err
	}
	if next.Status.Active() && !current.Status.Active() && m.otherActiveLocked(next.OwnerID, next.ID) {
		return nil, ErrOwnerConflict
	}

	m.conversations[id] = next
	return next.Clone(), nil
}

// LatestForOwner returns the owner's top-ranked conversation.
func (m *MemoryBackend) LatestForOwner(ctx context.Context, ownerID string, order Order, statuses ...model.Status) (*model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *model.Conversation
	for _, c := range m.conversations {
		if c.OwnerID != ownerID || !statusIn(c.Status, statuses) {
			continue
		}
		if best == nil || ranksAbove(c, best, order) {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.Clone(), nil
}

// List returns matching conversations, most recent activity first.
func (m *MemoryBackend) List(ctx context.Context, q Query) ([]*model.Conversation, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	m.mu.RLock()
	var matched []*model.Conversation
	for _, c := range m.conversations {
		if q.OwnerID != "" && c.OwnerID != q.OwnerID {
			continue
		}
		if q.Status != "" && c.Status != q.Status {
			continue
		}
		if q.AssignedTo != "" && c.AssignedStaffID != q.AssignedTo {
			continue
		}
		if q.Priority != "" && c.Priority != q.Priority {
			continue
		}
		matched = append(matched, c.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return ranksAbove(matched[i], matched[j], ByLastActivity)
	})

	total := len(matched)
	start := q.Offset
	if start > total {
		start = total
	}
	end := start + normalizeLimit(q.Limit)
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// Ping always succeeds.
func (m *MemoryBackend) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (m *MemoryBackend) Close() error {
	return nil
}

func (m *MemoryBackend) otherActiveLocked(ownerID, exceptID string) bool {
	for id, c := range m.conversations {
		if id != exceptID && c.OwnerID == ownerID && c.Status.Active() {
			return true
		}
	}
	return false
}

// ranksAbove orders by the chosen timestamp, then by id. Ids are UUIDv7 so
// the tiebreak follows creation order.
func ranksAbove(a, b *model.Conversation, order Order) bool {
	ta, tb := rankTime(a, order), rankTime(b, order)
	if !ta.Equal(tb) {
		return ta.After(tb)
	}
	return a.ID > b.ID
}
