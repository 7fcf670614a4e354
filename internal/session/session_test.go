package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-engine/internal/broker"
	"github.com/capitalize-ai/support-engine/internal/model"
	"github.com/capitalize-ai/support-engine/internal/service"
	"github.com/capitalize-ai/support-engine/internal/store"
	"github.com/capitalize-ai/support-engine/pkg/logger"
)

var (
	customer = model.Identity{ID: "cust-1", Role: model.RoleCustomer, DisplayName: "Cleo"}
	agent    = model.Identity{ID: "staff-1", Role: model.RoleStaff, DisplayName: "Sam"}
)

// backend is an in-process server: real services over a memory store and
// a local hub.
type backend struct {
	hub   *broker.Hub
	convs *service.ConversationService
	msgs  *service.MessageService
}

func newBackend() *backend {
	log := logger.Nop()
	st := store.NewConversations(store.NewMemoryBackend())
	hub := broker.NewHub(log)
	notifier := service.NewNotifier(hub, nil, log)
	dir := service.NewDirectory()
	return &backend{
		hub:   hub,
		convs: service.NewConversationService(st, notifier, dir, time.Second, log),
		msgs:  service.NewMessageService(st, notifier, dir, time.Second, log),
	}
}

// transport is an API and Realtime bound to one caller.
type transport struct {
	b      *backend
	caller model.Identity

	socketID   string
	events     <-chan broker.Event
	reconnects chan struct{}

	mu       sync.Mutex
	commands []model.Command
}

func (b *backend) connect(caller model.Identity) *transport {
	id := uuid.NewString()
	return &transport{
		b:          b,
		caller:     caller,
		socketID:   id,
		events:     b.hub.Connect(id),
		reconnects: make(chan struct{}, 1),
	}
}

func (t *transport) CreateOrContinue(ctx context.Context, req *model.CreateConversationRequest) (*model.Conversation, error) {
	conv, _, err := t.b.convs.CreateOrContinue(ctx, t.caller, req)
	return conv, err
}

func (t *transport) ListOwn(ctx context.Context, limit, offset int) (*model.ListConversationsResponse, error) {
	return t.b.convs.ListOwn(ctx, t.caller, limit, offset)
}

func (t *transport) Get(ctx context.Context, id string) (*model.Conversation, error) {
	return t.b.convs.Get(ctx, t.caller, id)
}

func (t *transport) Send(ctx context.Context, id string, req *model.SendMessageRequest) (*model.SendMessageResponse, error) {
	conv, msg, err := t.b.msgs.Send(ctx, t.caller, id, req)
	if err != nil {
		return nil, err
	}
	return &model.SendMessageResponse{Conversation: conv, Message: msg}, nil
}

func (t *transport) ListAll(ctx context.Context, filter model.ConversationFilter) (*model.ListConversationsResponse, error) {
	return t.b.convs.ListAll(ctx, t.caller, filter)
}

func (t *transport) Update(ctx context.Context, id string, req *model.UpdateConversationRequest) (*model.Conversation, error) {
	return t.b.convs.Update(ctx, t.caller, id, req)
}

func (t *transport) Command(ctx context.Context, cmd model.Command) error {
	t.mu.Lock()
	t.commands = append(t.commands, cmd)
	t.mu.Unlock()

	switch cmd.Type {
	case model.CommandJoinConversationRoom:
		var p model.JoinConversationCommand
		if err := (broker.Event{Payload: cmd.Payload}).Decode(&p); err != nil {
			return err
		}
		if err := t.b.msgs.Authorize(ctx, t.caller, p.ConversationID); err != nil {
			return err
		}
		return t.b.hub.Join(t.socketID, broker.RoomForConversation(p.ConversationID))
	case model.CommandJoinStaffRoom:
		return t.b.hub.Join(t.socketID, broker.StaffRoom)
	case model.CommandLeaveRoom:
		var p model.LeaveRoomCommand
		if err := (broker.Event{Payload: cmd.Payload}).Decode(&p); err != nil {
			return err
		}
		t.b.hub.Leave(t.socketID, broker.RoomForConversation(p.ConversationID))
		return nil
	case model.CommandTyping:
		var p model.TypingCommand
		if err := (broker.Event{Payload: cmd.Payload}).Decode(&p); err != nil {
			return err
		}
		return t.b.msgs.Typing(ctx, t.caller, p.ConversationID, p.IsTyping)
	}
	return errors.New("unknown command")
}

func (t *transport) Events() <-chan broker.Event { return t.events }

func (t *transport) Reconnects() <-chan struct{} { return t.reconnects }

// drop simulates a lost socket: the server forgets every room.
func (t *transport) drop() {
	t.b.hub.Disconnect(t.socketID)
}

// restore reconnects under a fresh socket.
func (t *transport) restore() {
	t.socketID = uuid.NewString()
	t.events = t.b.hub.Connect(t.socketID)
}

func (t *transport) typingCommands() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []bool
	for _, c := range t.commands {
		if c.Type == model.CommandTyping {
			var p model.TypingCommand
			_ = (broker.Event{Payload: c.Payload}).Decode(&p)
			out = append(out, p.IsTyping)
		}
	}
	return out
}

// lossyAPI stores sends but reports them failed, like a response lost in
// transit.
type lossyAPI struct {
	API
	lose atomic.Int32
}

func (l *lossyAPI) Send(ctx context.Context, id string, req *model.SendMessageRequest) (*model.SendMessageResponse, error) {
	resp, err := l.API.Send(ctx, id, req)
	if err == nil && l.lose.Add(-1) >= 0 {
		return nil, model.ErrUnavailable
	}
	return resp, err
}

func testConfig() Config {
	return Config{
		TypingIdle:     50 * time.Millisecond,
		TypingExpiry:   50 * time.Millisecond,
		ConfirmTimeout: time.Second,
		MatchWindow:    time.Minute,
	}
}

func runSession(t *testing.T, fn func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func bodies(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message.Body)
	}
	return out
}

func TestOwnerSession_OpenAndSend(t *testing.T) {
	b := newBackend()
	tr := b.connect(customer)
	s := NewOwnerSession(tr, tr, customer, testConfig(), logger.Nop())
	ctx := context.Background()

	conv, err := s.Open(ctx, "Billing", "Hello")
	require.NoError(t, err)
	assert.Equal(t, 1, b.hub.Members(broker.RoomForConversation(conv.ID)))

	key, err := s.Send(ctx, "  Where is my payout?  ")
	require.NoError(t, err)

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, []string{"Hello", "Where is my payout?"}, bodies(entries))
	assert.Equal(t, Confirmed, entries[1].Delivery)
	assert.Equal(t, key, entries[1].Message.ClientKey)
	assert.NotEmpty(t, entries[1].Message.ID)

	_, err = s.Send(ctx, "   ")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestOwnerSession_ReceivesStaffReplyOnce(t *testing.T) {
	b := newBackend()
	owner := b.connect(customer)
	s := NewOwnerSession(owner, owner, customer, testConfig(), logger.Nop())
	conv, err := s.Open(context.Background(), "", "Hello")
	require.NoError(t, err)
	runSession(t, s.Run)

	staff := b.connect(agent)
	_, err = staff.Send(context.Background(), conv.ID, &model.SendMessageRequest{Body: "Hi, Sam here"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(s.Entries()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.RoleAgent, s.Entries()[1].Message.SenderRole)
}

func TestOwnerSession_UnconfirmedThenResend(t *testing.T) {
	b := newBackend()
	tr := b.connect(customer)
	api := &lossyAPI{API: tr}
	api.lose.Store(1)
	s := NewOwnerSession(api, tr, customer, testConfig(), logger.Nop())
	ctx := context.Background()

	conv, err := s.Open(ctx, "", "Hello")
	require.NoError(t, err)

	key, err := s.Send(ctx, "are you there?")
	require.Error(t, err)
	assert.True(t, model.IsRetryable(err))

	e, ok := s.view.timeline.Local(key)
	require.True(t, ok)
	assert.Equal(t, Unconfirmed, e.Delivery)

	require.NoError(t, s.Resend(ctx, key))
	_, ok = s.view.timeline.Local(key)
	assert.False(t, ok)

	stored, err := tr.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 2, "resend reuses the client key")

	assert.ErrorIs(t, s.Resend(ctx, key), model.ErrNotFound)
}

func TestOwnerSession_ClosedConversation(t *testing.T) {
	b := newBackend()
	tr := b.connect(customer)
	s := NewOwnerSession(tr, tr, customer, testConfig(), logger.Nop())
	ctx := context.Background()

	first, err := s.Open(ctx, "", "Hello")
	require.NoError(t, err)

	closed := model.StatusClosed
	_, err = b.convs.Update(ctx, agent, first.ID, &model.UpdateConversationRequest{Status: &closed})
	require.NoError(t, err)

	key, err := s.Send(ctx, "one more thing")
	assert.ErrorIs(t, err, model.ErrConversationClosed)
	conv, _ := s.Conversation()
	assert.Equal(t, model.StatusClosed, conv.Status)
	e, ok := s.view.timeline.Local(key)
	require.True(t, ok)
	assert.Equal(t, Unconfirmed, e.Delivery)

	second, err := s.Open(ctx, "", "New problem")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Zero(t, b.hub.Members(broker.RoomForConversation(first.ID)))
	assert.Equal(t, 1, b.hub.Members(broker.RoomForConversation(second.ID)))
}

func TestOwnerSession_TypingSignals(t *testing.T) {
	b := newBackend()
	owner := b.connect(customer)
	s := NewOwnerSession(owner, owner, customer, testConfig(), logger.Nop())
	conv, err := s.Open(context.Background(), "", "Hello")
	require.NoError(t, err)
	runSession(t, s.Run)

	s.Keystroke()
	s.Keystroke()
	require.Eventually(t, func() bool { return len(owner.typingCommands()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, owner.typingCommands())

	// Own echoes are ignored; staff typing shows and expires.
	assert.False(t, s.RemoteTyping())
	require.NoError(t, b.msgs.Typing(context.Background(), agent, conv.ID, true))
	require.Eventually(t, s.RemoteTyping, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !s.RemoteTyping() }, time.Second, 5*time.Millisecond)
}

func TestOwnerSession_SendClearsTyping(t *testing.T) {
	b := newBackend()
	tr := b.connect(customer)
	cfg := testConfig()
	cfg.TypingIdle = time.Hour
	s := NewOwnerSession(tr, tr, customer, cfg, logger.Nop())
	_, err := s.Open(context.Background(), "", "Hello")
	require.NoError(t, err)

	s.Keystroke()
	_, err = s.Send(context.Background(), "done typing")
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, tr.typingCommands())
}

func TestOwnerSession_ReconnectRefetches(t *testing.T) {
	b := newBackend()
	owner := b.connect(customer)
	s := NewOwnerSession(owner, owner, customer, testConfig(), logger.Nop())
	ctx := context.Background()
	conv, err := s.Open(ctx, "", "Hello")
	require.NoError(t, err)

	owner.drop()
	_, _, err = b.msgs.Send(ctx, agent, conv.ID, &model.SendMessageRequest{Body: "missed while offline"})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hello"}, bodies(s.Entries()))

	owner.restore()
	require.NoError(t, s.Resync(ctx))

	assert.Equal(t, []string{"Hello", "missed while offline"}, bodies(s.Entries()))
	assert.Equal(t, 1, b.hub.Members(broker.RoomForConversation(conv.ID)))
}

func TestRun_ResyncsOnReconnect(t *testing.T) {
	b := newBackend()
	owner := b.connect(customer)
	s := NewOwnerSession(owner, owner, customer, testConfig(), logger.Nop())
	ctx := context.Background()
	conv, err := s.Open(ctx, "", "Hello")
	require.NoError(t, err)

	_, _, err = b.msgs.Send(ctx, agent, conv.ID, &model.SendMessageRequest{Body: "first reply"})
	require.NoError(t, err)
	<-owner.events

	// Run sees only the reconnect signal, never the event above.
	runSession(t, s.Run)
	owner.reconnects <- struct{}{}
	require.Eventually(t, func() bool { return len(s.Entries()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestStaffSession(t *testing.T) {
	b := newBackend()
	ctx := context.Background()

	ownerTr := b.connect(customer)
	owner := NewOwnerSession(ownerTr, ownerTr, customer, testConfig(), logger.Nop())
	conv, err := owner.Open(ctx, "Payout", "Hello")
	require.NoError(t, err)

	staffTr := b.connect(agent)
	s := NewStaffSession(staffTr, staffTr, agent, testConfig(), logger.Nop())
	require.NoError(t, s.Load(ctx, model.ConversationFilter{}))
	assert.Equal(t, 1, s.Queue().Total)
	assert.Equal(t, 1, b.hub.Members(broker.StaffRoom))
	runSession(t, s.Run)

	_, err = s.Open(ctx, conv.ID)
	require.NoError(t, err)

	updated, err := s.Assign(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAssigned, updated.Status)

	// A new ticket from someone else refreshes the queue.
	other := model.Identity{ID: "prov-9", Role: model.RoleProvider, DisplayName: "Pia"}
	_, _, err = b.convs.CreateOrContinue(ctx, other, &model.CreateConversationRequest{InitialMessage: "Help"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Queue().Total == 2 }, time.Second, 5*time.Millisecond)

	// The owner's reply lands in the detail view and moves the ticket on.
	_, err = owner.Send(ctx, "Thanks")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, entries, _ := s.Detail()
		return len(entries) == 2
	}, time.Second, 5*time.Millisecond)

	key, err := s.Send(ctx, "Resolved on our side")
	require.NoError(t, err)
	_, entries, ok := s.Detail()
	require.True(t, ok)
	assert.Equal(t, key, entries[len(entries)-1].Message.ClientKey)

	resolved, err := s.SetStatus(ctx, model.StatusResolved)
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, resolved.Status)

	_, err = s.SetStatus(ctx, model.StatusOpen)
	assert.ErrorIs(t, err, model.ErrIllegalTransition)
}

func TestStaffSession_RequiresStaff(t *testing.T) {
	b := newBackend()
	tr := b.connect(customer)
	s := NewStaffSession(tr, tr, customer, testConfig(), logger.Nop())
	assert.ErrorIs(t, s.Load(context.Background(), model.ConversationFilter{}), model.ErrForbidden)
}

func TestStaffSession_SwitchesRooms(t *testing.T) {
	b := newBackend()
	ctx := context.Background()
	a, _, err := b.convs.CreateOrContinue(ctx, customer, &model.CreateConversationRequest{InitialMessage: "a"})
	require.NoError(t, err)
	other := model.Identity{ID: "cust-2", Role: model.RoleCustomer}
	c, _, err := b.convs.CreateOrContinue(ctx, other, &model.CreateConversationRequest{InitialMessage: "c"})
	require.NoError(t, err)

	tr := b.connect(agent)
	s := NewStaffSession(tr, tr, agent, testConfig(), logger.Nop())
	_, err = s.Open(ctx, a.ID)
	require.NoError(t, err)
	_, err = s.Open(ctx, c.ID)
	require.NoError(t, err)

	assert.Zero(t, b.hub.Members(broker.RoomForConversation(a.ID)))
	assert.Equal(t, 1, b.hub.Members(broker.RoomForConversation(c.ID)))
}
