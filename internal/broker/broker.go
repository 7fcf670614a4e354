// Package broker delivers realtime events to sockets grouped into rooms.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/capitalize-ai/support-engine/internal/model"
)

const (
	// StaffRoom is joined by every connected staff member.
	StaffRoom = "admin_support"

	conversationRoomPrefix = "support_"

	// socketBufferSize is the per-socket event buffer. Events for a socket
	// whose buffer is full are dropped.
	socketBufferSize = 64
)

// RoomForConversation returns the room for a single ticket.
func RoomForConversation(conversationID string) string {
	return conversationRoomPrefix + conversationID
}

// ConversationFromRoom returns the ticket id of a ticket room.
func ConversationFromRoom(room string) (string, bool) {
	if !strings.HasPrefix(room, conversationRoomPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(room, conversationRoomPrefix)
	return id, id != ""
}

// Event is the envelope delivered to sockets.
type Event struct {
	Type    model.EventType `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent encodes payload into an event of type t.
func NewEvent(t model.EventType, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return Event{Type: t, Payload: data}, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Broker tracks room membership and fans events out to joined sockets.
// Delivery is at most once: a socket that is not joined at publish time, or
// whose buffer is full, does not receive the event.
type Broker interface {
	// Connect registers a socket and returns the channel its events are
	// delivered on. The channel is closed by Disconnect.
	Connect(socketID string) <-chan Event
	// Join adds the socket to room. Joining twice has no further effect.
	Join(socketID, room string) error
	// Leave removes the socket from room.
	Leave(socketID, room string)
	// Disconnect removes the socket from every room.
	Disconnect(socketID string)
	// Publish delivers ev to the sockets currently in room.
	Publish(ctx context.Context, room string, ev Event) error
	// Members returns the number of sockets in room.
	Members(room string) int
}
