package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-engine/internal/broker"
	"github.com/capitalize-ai/support-engine/internal/model"
	"github.com/capitalize-ai/support-engine/internal/store"
	"github.com/capitalize-ai/support-engine/pkg/logger"
)

var (
	customer = model.Identity{ID: "cust-1", Role: model.RoleCustomer, DisplayName: "Cleo", Email: "cleo@example.com"}
	provider = model.Identity{ID: "prov-1", Role: model.RoleProvider, DisplayName: "Pat"}
	agent    = model.Identity{ID: "staff-1", Role: model.RoleStaff, DisplayName: "Sam"}
)

type recordingActivity struct {
	mu      sync.Mutex
	records []model.ActivityRecord
	err     error
}

func (r *recordingActivity) PublishActivity(_ context.Context, rec *model.ActivityRecord) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	r.records = append(r.records, *rec)
	return uint64(len(r.records)), nil
}

func (r *recordingActivity) kinds() []model.ActivityKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ActivityKind, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Kind)
	}
	return out
}

type failingBroker struct {
	*broker.Hub
}

func (failingBroker) Publish(context.Context, string, broker.Event) error {
	return errors.New("broker down")
}

// slowBackend delays every read until the context gives up.
type slowBackend struct {
	store.Backend
}

func (slowBackend) Get(ctx context.Context, _ string) (*model.Conversation, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fixture struct {
	hub           *broker.Hub
	activity      *recordingActivity
	conversations *ConversationService
	messages      *MessageService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := broker.NewHub(logger.Global())
	return newFixtureWith(t, store.NewMemoryBackend(), hub, hub)
}

func newFixtureWith(t *testing.T, backend store.Backend, hub *broker.Hub, b broker.Broker) *fixture {
	t.Helper()
	activity := &recordingActivity{}
	st := store.NewConversations(backend)
	notifier := NewNotifier(b, activity, logger.Global())
	dir := NewDirectory()
	return &fixture{
		hub:           hub,
		activity:      activity,
		conversations: NewConversationService(st, notifier, dir, time.Second, logger.Global()),
		messages:      NewMessageService(st, notifier, dir, time.Second, logger.Global()),
	}
}

func (f *fixture) join(t *testing.T, socketID string, rooms ...string) <-chan broker.Event {
	t.Helper()
	ch := f.hub.Connect(socketID)
	for _, r := range rooms {
		require.NoError(t, f.hub.Join(socketID, r))
	}
	return ch
}

func nextEvent(t *testing.T, ch <-chan broker.Event) broker.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return broker.Event{}
	}
}

func drain(ch <-chan broker.Event) []broker.Event {
	var out []broker.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(evs []broker.Event) []model.EventType {
	out := make([]model.EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func statusPtr(s model.Status) *model.Status { return &s }

func stringPtr(s string) *string { return &s }

func TestCreateOrContinue_FirstContactOpensTicket(t *testing.T) {
	f := newFixture(t)
	staffRoom := f.join(t, "staff-socket", broker.StaffRoom)

	conv, created, err := f.conversations.CreateOrContinue(context.Background(), customer, &model.CreateConversationRequest{
		InitialMessage: "Hello",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.StatusOpen, conv.Status)
	assert.Equal(t, model.RoleCustomer, conv.OwnerRole)
	require.Len(t, conv.Messages, 1)

	ev := nextEvent(t, staffRoom)
	assert.Equal(t, model.EventNewSupportActivity, ev.Type)
	var activity model.SupportActivityEvent
	require.NoError(t, ev.Decode(&activity))
	assert.Equal(t, conv.ID, activity.ConversationID)
	assert.Equal(t, model.ActivityConversationCreated, activity.Kind)
	assert.Equal(t, []model.ActivityKind{model.ActivityConversationCreated}, f.activity.kinds())
}

func TestCreateOrContinue_AppendsBeforeStaffReplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _, err := f.conversations.CreateOrContinue(ctx, customer, &model.CreateConversationRequest{InitialMessage: "Hello"})
	require.NoError(t, err)
	room := f.join(t, "owner-socket", broker.RoomForConversation(first.ID))

	second, created, err := f.conversations.CreateOrContinue(ctx, customer, &model.CreateConversationRequest{InitialMessage: "Still there?"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.Messages, 2)
	assert.Equal(t, model.StatusOpen, second.Status)

	ev := nextEvent(t, room)
	assert.Equal(t, model.EventSupportMessage, ev.Type)
	var payload model.SupportMessageEvent
	require.NoError(t, ev.Decode(&payload))
	assert.Equal(t, "Still there?", payload.Message.Body)
}

func TestSend_OwnerReplyOnAssignedTicketMovesInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, _, err := f.conversations.CreateOrContinue(ctx, customer, &model.CreateConversationRequest{InitialMessage: "Hello"})
	require.NoError(t, err)
	ownerRoom := f.join(t, "owner-socket", broker.RoomForConversation(conv.ID))

	assigned, err := f.conversations.Update(ctx, agent, conv.ID, &model.UpdateConversationRequest{AssignedTo: stringPtr(agent.ID)})
	require.NoError(t, err)
	assert.Equal(t, model.StatusAssigned, assigned.Status)
	assert.Equal(t, "Sam", assigned.AssignedStaffDisplayName)

	ev := nextEvent(t, ownerRoom)
	assert.Equal(t, model.EventConversationUpdated, ev.Type)
	var updated model.ConversationUpdatedEvent
	require.NoError(t, ev.Decode(&updated))
	assert.Equal(t, model.StatusAssigned, updated.Conversation.Status)

	after, _, err := f.messages.Send(ctx, customer, conv.ID, &model.SendMessageRequest{Body: "Thanks"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, after.Status)
	assert.Equal(t, []model.EventType{model.EventSupportMessage, model.EventConversationUpdated}, eventTypes(drain(ownerRoom)))
}

func TestSend_ClosedTicketRejectsAndNextContactStartsFresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, _, err := f.conversations.CreateOrContinue(ctx, customer, &model.CreateConversationRequest{InitialMessage: "Hello"})
	require.NoError(t, err)

	_, err = f.conversations.Update(ctx, agent, conv.ID, &model.UpdateConversationRequest{Status: statusPtr(model.StatusClosed)})
	require.NoError(t, err)

	room := f.join(t, "owner-socket", broker.RoomForConversation(conv.ID))
	_, _, err = f.messages.Send(ctx, customer, conv.ID, &model.SendMessageRequest{Body: "Hello?"})
	assert.True(t, errors.Is(err, model.ErrConversationClosed))
	assert.Empty(t, drain(room), "a rejected message publishes nothing")

	next, created, err := f.conversations.CreateOrContinue(ctx, customer, &model.CreateConversationRequest{InitialMessage: "New issue"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, conv.ID, next.ID)
}

func TestCreateOrContinue_ResolvedTicketReopens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, _, err := f.conversations.CreateOrContinue(ctx, customer, &model.CreateConversationRequest{InitialMessage: "Hello"})
	require.NoError(t, err)
	resolved, err := f.conversations.Update(ctx, agent, conv.ID, &model.UpdateConversationRequest{Status: statusPtr(model.StatusResolved)})
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)

	after, _, err := f.messages.Send(ctx, customer, conv.ID, &model.SendMessageRequest{Body: "It broke again"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, after.Status)
	assert.Len(t, after.Messages, 2)
	assert.Nil(t, after.ResolvedAt)
}

func TestSend_StaffPostsAsAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, _, err := f.conversations.CreateOrContinue(ctx, provider, &model.CreateConversationRequest{InitialMessage: "Hello"})
	require.NoError(t, err)

	_, msg, err := f.messages.Send(ctx, agent, conv.ID, &model.SendMessageRequest{Body: "  Hi there  "})
	require.NoError(t, err)
	assert.Equal(t, model.RoleAgent, msg.SenderRole)
	assert.Equal(t, "Hi there", msg.Body)
	assert.Equal(t, "Sam", msg.SenderName)
}

func TestSend_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, _, err := f.conversations.CreateOrContinue(ctx, customer, &model.CreateConversationRequest{InitialMessage: "Hello"})
	require.NoError(t, err)

	_, _, err = f.messages.Send(ctx, provider, conv.ID, &model.SendMessageRequest{Body: "let me in"})
	assert.True(t, errors.Is(err, model.ErrForbidden))

	_, _, err = f.messages.Send(ctx, model.Identity{}, conv.ID, &model.SendMessageRequest{Body: "anon"})
	assert.True(t, errors.Is(err, model.ErrUnauthorized))

	_, _, err = f.messages.Send(ctx, customer, "missing", &model.SendMessageRequest{Body: "hi"})
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, _, err := f.conversations.CreateOrContinue(ctx, customer, &model.CreateConversationRequest{InitialMessage: "Hello"})
	require.NoError(t, err)

	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"whitespace", "  \n\t "},
		{"too long", strings.Repeat("a", model.MaxMessageLength+1)},
		{"invalid utf8", "bad \xff byte"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.messages.Send(ctx, customer, conv.ID, &model.SendMessageRequest{Body: tt.body})
			assert.True(t, errors.Is(err, model.ErrValidation))
		})
	}

	_, _, err = f.messages.Send(ctx, customer, conv.ID, &model.SendMessageRequest{Body: strings.Repeat("é", model.MaxMessageLength)})
	assert.NoError(t, err, "the limit counts characters, not bytes")
}

func TestSend_DuplicateClientKeyPublishesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, _, err := f.conversations.CreateOrContinue(ctx, customer, &model.CreateConversationRequest{InitialMessage: "Hello"})
	require.NoError(t, err)
	room := f.join(t, "owner-socket", broker.RoomForConversation(conv.ID))

	req := &model.SendMessageRequest{Body: "retry me", ClientKey: "k-1"}
	_, first, err := f.messages.Send(ctx, customer, conv.ID, req)
	require.NoError(t, err)
	after, second, err := f.messages.Send(ctx, customer, conv.ID, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, after.Messages, 2)
	assert.Len(t, drain(room), 1)
}

func TestSend_PublishFailureIsNotReturned(t *testing.T) {
	hub := broker.NewHub(logger.Global())
	f := newFixtureWith(t, store.NewMemoryBackend(), hub, failingBroker{hub})
	f.activity.err = errors.New("stream down")
	ctx := context.Background()

	conv, _, err := f.conversations.CreateOrContinue(ctx, customer, &model.CreateConversationRequest{InitialMessage: "Hello"})
	require.NoError(t, err)

	after, _, err := f.messages.Send(ctx, customer, conv.ID, &model.SendMessageRequest{Body: "are you there"})
	require.NoError(t, err)
	assert.Len(t, after.Messages, 2, "the write stands even though every publish failed")
}

func TestStoreTimeoutIsUnavailable(t *testing.T) {
	hub := broker.NewHub(logger.Global())
	backend := slowBackend{Backend: store.NewMemoryBackend()}
	st := store.NewConversations(backend)
	notifier := NewNotifier(hub, nil, logger.Global())
	svc := NewMessageService(st, notifier, nil, 20*time.Millisecond, logger.Global())

	start := time.Now()
	_, _, err := svc.Send(context.Background(), customer, "any", &model.SendMessageRequest{Body: "hello"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrUnavailable))
	assert.True(t, model.IsRetryable(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestCreateOrContinue_StaffCannotOpenTickets(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.conversations.CreateOrContinue(context.Background(), agent, &model.CreateConversationRequest{InitialMessage: "hi"})
	assert.True(t, errors.Is(err, model.ErrForbidden))
}

func TestCreateOrContinue_EmptyMessageOpensTicket(t *testing.T) {
	f := newFixture(t)
	staffRoom := f.join(t, "staff-socket", broker.StaffRoom)

	conv, created, err := f.conversations.CreateOrContinue(context.Background(), customer, &model.CreateConversationRequest{Subject: "Billing"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Billing", conv.Subject)
	assert.Empty(t, conv.Messages)
	assert.Equal(t, model.EventNewSupportActivity, nextEvent(t, staffRoom).Type)
}

func TestUpdate_StaffOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, _, err := f.conversations.CreateOrContinue(ctx, customer, &model.CreateConversationRequest{InitialMessage: "Hello"})
	require.NoError(t, err)

	reqs := []*model.UpdateConversationRequest{
		{AssignedTo: stringPtr(customer.ID)},
		{Status: statusPtr(model.StatusResolved)},
		{Status: statusPtr(model.StatusClosed)},
	}
	for _, req := range reqs {
		_, err := f.conversations.Update(ctx, customer, conv.ID, req)
		assert.True(t, errors.Is(err, model.ErrForbidden))
	}

	_, err = f.conversations.Update(ctx, agent, conv.ID, &model.UpdateConversationRequest{})
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestUpdate_AssigneeMustBeStaff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, _, err := f.conversations.CreateOrContinue(ctx, customer, &model.CreateConversationRequest{InitialMessage: "Hello"})
	require.NoError(t, err)

	_, err = f.conversations.Update(ctx, agent, conv.ID, &model.UpdateConversationRequest{AssignedTo: stringPtr(customer.ID)})
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestGet_MarksReadAndRefreshesStaffName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, _, err := f.conversations.CreateOrContinue(ctx, customer, &model.CreateConversationRequest{InitialMessage: "Hello"})
	require.NoError(t, err)
	_, err = f.conversations.Update(ctx, agent, conv.ID, &model.UpdateConversationRequest{AssignedTo: stringPtr(agent.ID)})
	require.NoError(t, err)
	_, _, err = f.messages.Send(ctx, agent, conv.ID, &model.SendMessageRequest{Body: "Hi"})
	require.NoError(t, err)

	list, err := f.conversations.ListOwn(ctx, customer, 0, 0)
	require.NoError(t, err)
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, 1, list.Conversations[0].UnreadCount)

	// The staff member renamed themselves and was seen again elsewhere.
	renamed := agent
	renamed.DisplayName = "Samantha"
	f.conversations.Directory().Observe(renamed)

	got, err := f.conversations.Get(ctx, customer, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UnreadCount)
	assert.True(t, got.Messages[1].ReadByViewer(customer.ID))
	assert.Equal(t, "Samantha", got.AssignedStaffDisplayName)

	staffView, err := f.conversations.Get(ctx, agent, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, staffView.UnreadCount, "staff read the owner's message on open")
}

func TestGet_Forbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, _, err := f.conversations.CreateOrContinue(ctx, customer, &model.CreateConversationRequest{InitialMessage: "Hello"})
	require.NoError(t, err)

	_, err = f.conversations.Get(ctx, provider, conv.ID)
	assert.True(t, errors.Is(err, model.ErrForbidden))
	_, err = f.conversations.MarkRead(ctx, provider, conv.ID)
	assert.True(t, errors.Is(err, model.ErrForbidden))
}

func TestListAll_StaffOnlyAndFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.conversations.ListAll(ctx, customer, model.ConversationFilter{})
	assert.True(t, errors.Is(err, model.ErrForbidden))

	a, _, err := f.conversations.CreateOrContinue(ctx, customer, &model.CreateConversationRequest{InitialMessage: "Hello"})
	require.NoError(t, err)
	_, _, err = f.conversations.CreateOrContinue(ctx, provider, &model.CreateConversationRequest{InitialMessage: "Hi"})
	require.NoError(t, err)
	_, err = f.conversations.Update(ctx, agent, a.ID, &model.UpdateConversationRequest{AssignedTo: stringPtr(agent.ID)})
	require.NoError(t, err)

	all, err := f.conversations.ListAll(ctx, agent, model.ConversationFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, all.Total)
	assert.False(t, all.HasMore)

	mine, err := f.conversations.ListAll(ctx, agent, model.ConversationFilter{AssignedTo: agent.ID, Status: model.StatusAssigned})
	require.NoError(t, err)
	require.Len(t, mine.Conversations, 1)
	assert.Equal(t, a.ID, mine.Conversations[0].ID)

	_, err = f.conversations.ListAll(ctx, agent, model.ConversationFilter{Status: "pending"})
	assert.True(t, errors.Is(err, model.ErrValidation))

	page, err := f.conversations.ListAll(ctx, agent, model.ConversationFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, page.Conversations, 1)
	assert.True(t, page.HasMore)
}

func TestTyping_RelaysWithCallerRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, _, err := f.conversations.CreateOrContinue(ctx, customer, &model.CreateConversationRequest{InitialMessage: "Hello"})
	require.NoError(t, err)
	room := f.join(t, "owner-socket", broker.RoomForConversation(conv.ID))

	require.NoError(t, f.messages.Typing(ctx, agent, conv.ID, true))
	ev := nextEvent(t, room)
	var typing model.TypingEvent
	require.NoError(t, ev.Decode(&typing))
	assert.True(t, typing.IsTyping)
	assert.Equal(t, model.RoleAgent, typing.SenderRole)

	err = f.messages.Typing(ctx, provider, conv.ID, true)
	assert.True(t, errors.Is(err, model.ErrForbidden))
}

func TestNormalizeSubject(t *testing.T) {
	s, err := NormalizeSubject("  Refund  ")
	require.NoError(t, err)
	assert.Equal(t, "Refund", s)

	_, err = NormalizeSubject(strings.Repeat("x", model.MaxSubjectLength+1))
	assert.True(t, errors.Is(err, model.ErrValidation))
}
