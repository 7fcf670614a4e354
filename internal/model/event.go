package model

import (
	"encoding/json"
	"time"
)

// EventType names a realtime event delivered to room members.
type EventType string

const (
	EventSupportMessage      EventType = "support_message"
	EventNewSupportActivity  EventType = "new_support_activity"
	EventTyping              EventType = "typing"
	EventConversationUpdated EventType = "conversation_updated"
	EventError               EventType = "error"
)

// CommandType names a realtime command sent by a client socket.
type CommandType string

const (
	CommandJoinConversationRoom CommandType = "join_conversation_room"
	CommandJoinStaffRoom        CommandType = "join_staff_room"
	CommandLeaveRoom            CommandType = "leave_room"
	CommandTyping               CommandType = "typing"
)

// Command is a client-to-server frame on the realtime socket.
type Command struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinConversationCommand asks to join a ticket's room.
type JoinConversationCommand struct {
	ConversationID string `json:"conversation_id"`
}

// LeaveRoomCommand leaves a room by ticket id or by room name.
type LeaveRoomCommand struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Room           string `json:"room,omitempty"`
}

// TypingCommand asserts or clears the sender's typing state.
type TypingCommand struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// ActivityKind describes what happened on a ticket for staff list views and
// the collaborator activity feed.
type ActivityKind string

const (
	ActivityConversationCreated ActivityKind = "conversation_created"
	ActivityMessageSent         ActivityKind = "message_sent"
	ActivityConversationUpdated ActivityKind = "conversation_updated"
)

// SupportMessageEvent carries a newly appended message.
type SupportMessageEvent struct {
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
}

// SupportActivityEvent tells staff that a ticket changed.
type SupportActivityEvent struct {
	ConversationID string       `json:"conversation_id"`
	Kind           ActivityKind `json:"kind"`
	Status         Status       `json:"status,omitempty"`
}

// TypingEvent is the soft, self-expiring typing signal.
type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
	SenderRole     Role   `json:"sender_role"`
}

// ConversationUpdatedEvent carries the conversation after a staff update.
type ConversationUpdatedEvent struct {
	Conversation Conversation `json:"conversation"`
}

// ErrorEvent reports a rejected command back to a socket.
type ErrorEvent struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// HeartbeatEvent keeps idle streams alive.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// ActivityRecord is published to the collaborator activity feed.
type ActivityRecord struct {
	ID             string       `json:"id"`
	Kind           ActivityKind `json:"kind"`
	ConversationID string       `json:"conversation_id"`
	OwnerID        string       `json:"owner_id"`
	ActorID        string       `json:"actor_id"`
	ActorRole      Role         `json:"actor_role"`
	Status         Status       `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
}
