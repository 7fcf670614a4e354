// Package session implements the client side of a support conversation:
// joining rooms, rendering optimistic local state and reconciling it with
// what the server confirms.
//
// The server is the source of truth. Realtime events only prompt a
// re-render, and every reconnect re-fetches state from the API.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-engine/internal/broker"
	"github.com/capitalize-ai/support-engine/internal/model"
	"github.com/capitalize-ai/support-engine/pkg/logger"
)

// API is the request/response half of the transport.
type API interface {
	CreateOrContinue(ctx context.Context, req *model.CreateConversationRequest) (*model.Conversation, error)
	ListOwn(ctx context.Context, limit, offset int) (*model.ListConversationsResponse, error)
	Get(ctx context.Context, id string) (*model.Conversation, error)
	Send(ctx context.Context, id string, req *model.SendMessageRequest) (*model.SendMessageResponse, error)
	ListAll(ctx context.Context, filter model.ConversationFilter) (*model.ListConversationsResponse, error)
	Update(ctx context.Context, id string, req *model.UpdateConversationRequest) (*model.Conversation, error)
}

// Realtime is the socket half of the transport.
type Realtime interface {
	// Command sends a command frame to the server.
	Command(ctx context.Context, cmd model.Command) error
	// Events delivers room events until the transport is closed.
	Events() <-chan broker.Event
	// Reconnects fires after the socket was re-established. Rooms must be
	// re-joined and state re-fetched.
	Reconnects() <-chan struct{}
}

// Config tunes the client behaviour.
type Config struct {
	// TypingIdle clears the local typing signal after this much inactivity.
	TypingIdle time.Duration
	// TypingExpiry hides a remote typing signal that was not renewed.
	TypingExpiry time.Duration
	// TypingRenew re-asserts the local typing signal while input continues,
	// so the other side's indicator does not expire. Defaults to half of
	// TypingExpiry.
	TypingRenew time.Duration
	// ConfirmTimeout bounds how long a sent message may stay pending
	// before it is shown as unconfirmed and offered for manual resend.
	ConfirmTimeout time.Duration
	// MatchWindow is the clock skew tolerated when matching a confirmed
	// message without a client key to a pending one.
	MatchWindow time.Duration
}

// DefaultConfig returns the default client settings.
func DefaultConfig() Config {
	return Config{
		TypingIdle:     2 * time.Second,
		TypingExpiry:   3 * time.Second,
		TypingRenew:    1500 * time.Millisecond,
		ConfirmTimeout: 10 * time.Second,
		MatchWindow:    30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TypingIdle <= 0 {
		c.TypingIdle = d.TypingIdle
	}
	if c.TypingExpiry <= 0 {
		c.TypingExpiry = d.TypingExpiry
	}
	if c.TypingRenew <= 0 {
		c.TypingRenew = c.TypingExpiry / 2
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = d.ConfirmTimeout
	}
	if c.MatchWindow <= 0 {
		c.MatchWindow = d.MatchWindow
	}
	return c
}

// NewCommand encodes payload into a command frame.
func NewCommand(t model.CommandType, payload any) (model.Command, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return model.Command{}, fmt.Errorf("failed to marshal %s command: %w", t, err)
	}
	return model.Command{Type: t, Payload: raw}, nil
}

func joinConversation(ctx context.Context, rt Realtime, id string) error {
	cmd, err := NewCommand(model.CommandJoinConversationRoom, model.JoinConversationCommand{ConversationID: id})
	if err != nil {
		return err
	}
	return rt.Command(ctx, cmd)
}

func leaveConversation(ctx context.Context, rt Realtime, id string) error {
	cmd, err := NewCommand(model.CommandLeaveRoom, model.LeaveRoomCommand{ConversationID: id})
	if err != nil {
		return err
	}
	return rt.Command(ctx, cmd)
}

func joinStaffRoom(ctx context.Context, rt Realtime) error {
	cmd, err := NewCommand(model.CommandJoinStaffRoom, struct{}{})
	if err != nil {
		return err
	}
	return rt.Command(ctx, cmd)
}

// run drives a session from rt until ctx ends or the event stream closes.
// Handler failures are logged; the next event or reconnect retries.
func run(ctx context.Context, rt Realtime, log *logger.Logger, onEvent func(context.Context, broker.Event) error, onReconnect func(context.Context) error) error {
	events := rt.Events()
	reconnects := rt.Reconnects()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := onEvent(ctx, ev); err != nil {
				log.Warn("failed to apply event", zap.String("type", string(ev.Type)), zap.Error(err))
			}
		case _, ok := <-reconnects:
			if !ok {
				reconnects = nil
				continue
			}
			if err := onReconnect(ctx); err != nil {
				log.Warn("failed to resync after reconnect", zap.Error(err))
			}
		}
	}
}
