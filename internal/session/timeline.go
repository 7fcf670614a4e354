package session

import (
	"slices"
	"sync"
	"time"

	"github.com/capitalize-ai/support-engine/internal/model"
)

// Delivery is the local delivery state of a timeline entry.
type Delivery int

const (
	// Confirmed entries carry a server-stored message.
	Confirmed Delivery = iota
	// Pending entries were sent and are awaiting confirmation.
	Pending
	// Unconfirmed entries were not confirmed in time and may be resent.
	Unconfirmed
)

func (d Delivery) String() string {
	switch d {
	case Confirmed:
		return "confirmed"
	case Pending:
		return "pending"
	case Unconfirmed:
		return "unconfirmed"
	}
	return "unknown"
}

// Entry is one rendered message.
type Entry struct {
	Message  model.Message
	Delivery Delivery
	// Err is the last send failure of an unconfirmed entry.
	Err error
}

// Timeline is the locally rendered message log of one conversation:
// server-confirmed messages in store order followed by local placeholders.
type Timeline struct {
	window time.Duration

	mu        sync.Mutex
	confirmed []model.Message
	local     []Entry
}

// NewTimeline creates an empty timeline. window bounds the timestamp
// distance accepted by heuristic matching.
func NewTimeline(window time.Duration) *Timeline {
	return &Timeline{window: window}
}

// Reset replaces the confirmed messages with a fresh server copy and drops
// placeholders the copy already contains.
func (t *Timeline) Reset(msgs []model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.confirmed = make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		t.confirmed = append(t.confirmed, m.Clone())
	}
	t.local = slices.DeleteFunc(t.local, func(e Entry) bool {
		for _, m := range msgs {
			if t.matches(e.Message, m) {
				return true
			}
		}
		return false
	})
}

// AddPending appends an optimistic placeholder.
func (t *Timeline) AddPending(msg model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = append(t.local, Entry{Message: msg, Delivery: Pending})
}

// Confirm reconciles a server-confirmed message into the timeline. A
// matching placeholder is replaced; an already known message is ignored.
// It reports whether the timeline changed.
func (t *Timeline) Confirm(msg model.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, m := range t.confirmed {
		if m.ID == msg.ID {
			return false
		}
	}
	if i := t.findLocal(msg); i >= 0 {
		t.local = slices.Delete(t.local, i, i+1)
	}
	t.confirmed = append(t.confirmed, msg.Clone())
	return true
}

// MarkUnconfirmed flags the placeholder with clientKey as unconfirmed.
func (t *Timeline) MarkUnconfirmed(clientKey string, err error) bool {
	return t.setLocal(clientKey, Unconfirmed, err)
}

// MarkPending moves an unconfirmed placeholder back to pending for resend.
func (t *Timeline) MarkPending(clientKey string) bool {
	return t.setLocal(clientKey, Pending, nil)
}

// Local returns the placeholder with clientKey.
func (t *Timeline) Local(clientKey string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.local {
		if e.Message.ClientKey == clientKey {
			return e, true
		}
	}
	return Entry{}, false
}

// Entries returns the rendered timeline.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.confirmed)+len(t.local))
	for _, m := range t.confirmed {
		out = append(out, Entry{Message: m.Clone(), Delivery: Confirmed})
	}
	for _, e := range t.local {
		e.Message = e.Message.Clone()
		out = append(out, e)
	}
	return out
}

func (t *Timeline) setLocal(clientKey string, d Delivery, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.local {
		if t.local[i].Message.ClientKey == clientKey {
			t.local[i].Delivery = d
			t.local[i].Err = err
			return true
		}
	}
	return false
}

// findLocal returns the index of the placeholder msg confirms, preferring
// an exact client key match over the body, sender and time heuristic.
func (t *Timeline) findLocal(msg model.Message) int {
	if msg.ClientKey != "" {
		for i, e := range t.local {
			if e.Message.ClientKey == msg.ClientKey {
				return i
			}
		}
	}
	for i, e := range t.local {
		if t.similar(e.Message, msg) {
			return i
		}
	}
	return -1
}

func (t *Timeline) matches(placeholder, msg model.Message) bool {
	if msg.ClientKey != "" && placeholder.ClientKey == msg.ClientKey {
		return true
	}
	return t.similar(placeholder, msg)
}

// similar is the fallback for servers that do not echo client keys.
func (t *Timeline) similar(placeholder, msg model.Message) bool {
	if msg.ClientKey != "" && placeholder.ClientKey != "" {
		return false
	}
	if placeholder.SenderID != msg.SenderID || placeholder.Body != msg.Body {
		return false
	}
	d := msg.CreatedAt.Sub(placeholder.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= t.window
}
