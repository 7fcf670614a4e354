package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-engine/internal/assistant"
	"github.com/capitalize-ai/support-engine/internal/broker"
	"github.com/capitalize-ai/support-engine/internal/middleware"
	"github.com/capitalize-ai/support-engine/internal/model"
	"github.com/capitalize-ai/support-engine/internal/service"
	"github.com/capitalize-ai/support-engine/internal/store"
	"github.com/capitalize-ai/support-engine/pkg/logger"
)

const testSecret = "handler-secret"

var (
	customer = model.Identity{ID: "cust-1", Role: model.RoleCustomer, DisplayName: "Cleo"}
	other    = model.Identity{ID: "cust-2", Role: model.RoleCustomer, DisplayName: "Olly"}
	agent    = model.Identity{ID: "staff-1", Role: model.RoleStaff, DisplayName: "Sam"}
)

type fakeActivity struct {
	records []model.ActivityRecord
	err     error
}

func (f *fakeActivity) Recent(_ context.Context, conversationID string, limit int) ([]model.ActivityRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []model.ActivityRecord
	for _, r := range f.records {
		if r.ConversationID == conversationID && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type fixture struct {
	server *httptest.Server
	hub    *broker.Hub
}

func newFixture(t *testing.T, activity ActivityReader) *fixture {
	t.Helper()
	log := logger.Nop()

	backend := store.NewMemoryBackend()
	st := store.NewConversations(backend)
	hub := broker.NewHub(log)
	notifier := service.NewNotifier(hub, nil, log)
	dir := service.NewDirectory()

	convSvc := service.NewConversationService(st, notifier, dir, time.Second, log)
	msgSvc := service.NewMessageService(st, notifier, dir, time.Second, log)

	h := Handlers{
		Health:        NewHealthHandler(map[string]Pinger{"store": backend}),
		Conversations: NewConversationHandler(convSvc, activity, log),
		Messages:      NewMessageHandler(msgSvc, log),
		Stream:        NewStreamHandler(msgSvc, hub, time.Minute, log),
		Socket: NewSocketHandler(msgSvc, hub, SocketConfig{
			AllowedOrigins: []string{"*"},
			Heartbeat:      time.Minute,
			RateLimit:      100,
			RateWindow:     time.Second,
		}, log),
		Assistant: NewAssistantHandler(assistant.NewService(nil, convSvc, log), log),
	}
	srv := httptest.NewServer(NewRouter(h, RouterConfig{
		JWTSecret:         testSecret,
		AllowedOrigins:    []string{"*"},
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
	}, log))
	t.Cleanup(srv.Close)
	return &fixture{server: srv, hub: hub}
}

func token(t *testing.T, id model.Identity) string {
	t.Helper()
	tok, err := middleware.IssueToken(testSecret, id, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, as *model.Identity, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		req.Header.Set("Authorization", "Bearer "+token(t, *as))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func (f *fixture) open(t *testing.T, as model.Identity, message string) model.Conversation {
	t.Helper()
	resp, body := f.do(t, &as, http.MethodPost, "/api/v1/support/conversations", model.CreateConversationRequest{
		Subject:        "Billing",
		InitialMessage: message,
	})
	require.Contains(t, []int{http.StatusCreated, http.StatusOK}, resp.StatusCode, string(body))
	var conv model.Conversation
	require.NoError(t, json.Unmarshal(body, &conv))
	return conv
}

func decodeError(t *testing.T, body []byte) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	return e
}

func TestCreateOrContinue(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, &customer, http.MethodPost, "/api/v1/support/conversations", model.CreateConversationRequest{
		InitialMessage: "My payout is missing",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var first model.Conversation
	require.NoError(t, json.Unmarshal(body, &first))
	assert.Equal(t, model.StatusOpen, first.Status)
	assert.Equal(t, model.DefaultSubject, first.Subject)
	require.Len(t, first.Messages, 1)

	resp, body = f.do(t, &customer, http.MethodPost, "/api/v1/support/conversations", model.CreateConversationRequest{
		InitialMessage: "Any update?",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second model.Conversation
	require.NoError(t, json.Unmarshal(body, &second))
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.Messages, 2)
}

func TestListOwn(t *testing.T) {
	f := newFixture(t, nil)
	f.open(t, customer, "hello")

	resp, body := f.do(t, &customer, http.MethodGet, "/api/v1/support/conversations?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list model.ListConversationsResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.Total)
	assert.False(t, list.HasMore)

	resp, body = f.do(t, &other, http.MethodGet, "/api/v1/support/conversations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Zero(t, list.Total)
	assert.Empty(t, list.Conversations)
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t, nil)
	conv := f.open(t, customer, "hello")

	resp, body := f.do(t, &agent, http.MethodPost, "/api/v1/support/conversations/"+conv.ID+"/messages", model.SendMessageRequest{
		Body:      "Looking into it",
		ClientKey: "k-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var out model.SendMessageResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, model.RoleAgent, out.Message.SenderRole)
	assert.Equal(t, "k-1", out.Message.ClientKey)
	assert.Len(t, out.Conversation.Messages, 2)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, nil)
	conv := f.open(t, customer, "hello")
	closed := model.StatusClosed
	resp, body := f.do(t, &agent, http.MethodPatch, "/api/v1/support/admin/conversations/"+conv.ID, model.UpdateConversationRequest{Status: &closed})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	open := model.StatusOpen
	tests := []struct {
		name   string
		as     *model.Identity
		method string
		path   string
		body   any
		status int
		code   model.ErrorKind
	}{
		{"no token", nil, http.MethodGet, "/api/v1/support/conversations", nil, http.StatusUnauthorized, model.KindUnauthorized},
		{"other owner", &other, http.MethodGet, "/api/v1/support/conversations/" + conv.ID, nil, http.StatusForbidden, model.KindForbidden},
		{"malformed id", &customer, http.MethodGet, "/api/v1/support/conversations/nope", nil, http.StatusNotFound, model.KindNotFound},
		{"unknown id", &customer, http.MethodGet, "/api/v1/support/conversations/0190b6a4-7c2e-7b7a-9a8e-3f1e2d4c5b6a", nil, http.StatusNotFound, model.KindNotFound},
		{"empty body", &customer, http.MethodPost, "/api/v1/support/conversations/" + conv.ID + "/messages", model.SendMessageRequest{Body: "  "}, http.StatusBadRequest, model.KindValidation},
		{"closed", &customer, http.MethodPost, "/api/v1/support/conversations/" + conv.ID + "/messages", model.SendMessageRequest{Body: "hi"}, http.StatusConflict, model.KindConversationClosed},
		{"illegal move", &agent, http.MethodPatch, "/api/v1/support/admin/conversations/" + conv.ID, model.UpdateConversationRequest{Status: &open}, http.StatusConflict, model.KindIllegalTransition},
		{"customer on admin", &customer, http.MethodGet, "/api/v1/support/admin/conversations", nil, http.StatusForbidden, model.KindForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, tt.as, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
			e := decodeError(t, body)
			assert.Equal(t, string(tt.code), e.Code)
			assert.False(t, e.Retryable)
		})
	}
}

func TestInvalidJSON(t *testing.T) {
	f := newFixture(t, nil)
	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/v1/support/conversations", strings.NewReader("{"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, customer))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminQueue(t *testing.T) {
	f := newFixture(t, nil)
	first := f.open(t, customer, "one")
	f.open(t, other, "two")

	assignee := agent.ID
	high := model.PriorityHigh
	resp, body := f.do(t, &agent, http.MethodPatch, "/api/v1/support/admin/conversations/"+first.ID, model.UpdateConversationRequest{
		AssignedTo: &assignee,
		Priority:   &high,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var updated model.Conversation
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, model.StatusAssigned, updated.Status)
	assert.Equal(t, "Sam", updated.AssignedStaffDisplayName)

	resp, body = f.do(t, &agent, http.MethodGet, "/api/v1/support/admin/conversations?status=assigned&priority=high", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list model.ListConversationsResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, first.ID, list.Conversations[0].ID)

	resp, _ = f.do(t, &agent, http.MethodGet, "/api/v1/support/admin/conversations?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t, nil)
	conv := f.open(t, customer, "hello")

	resp, body := f.do(t, &agent, http.MethodPost, "/api/v1/support/conversations/"+conv.ID+"/read", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out model.Conversation
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.Messages[0].Read)
	assert.Contains(t, out.Messages[0].ReadBy, agent.ID)
}

func TestActivity(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, nil)
		conv := f.open(t, customer, "hello")
		resp, _ := f.do(t, &agent, http.MethodGet, "/api/v1/support/admin/conversations/"+conv.ID+"/activity", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("enabled", func(t *testing.T) {
		feed := &fakeActivity{}
		f := newFixture(t, feed)
		conv := f.open(t, customer, "hello")
		feed.records = []model.ActivityRecord{
			{ID: "a1", Kind: model.ActivityConversationCreated, ConversationID: conv.ID},
			{ID: "a2", Kind: model.ActivityMessageSent, ConversationID: "elsewhere"},
		}

		resp, body := f.do(t, &agent, http.MethodGet, "/api/v1/support/admin/conversations/"+conv.ID+"/activity", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		var out ActivityResponse
		require.NoError(t, json.Unmarshal(body, &out))
		require.Len(t, out.Activity, 1)
		assert.Equal(t, "a1", out.Activity[0].ID)
	})

	t.Run("feed down", func(t *testing.T) {
		f := newFixture(t, &fakeActivity{err: errors.New("no stream")})
		conv := f.open(t, customer, "hello")
		resp, body := f.do(t, &agent, http.MethodGet, "/api/v1/support/admin/conversations/"+conv.ID+"/activity", nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.True(t, decodeError(t, body).Retryable)
	})
}

func TestAssistantEscalates(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, &customer, http.MethodPost, "/api/v1/support/assistant", assistant.Request{
		Message: "How do refunds work?",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var answer assistant.Answer
	require.NoError(t, json.Unmarshal(body, &answer))
	assert.True(t, answer.Escalated)
	require.NotNil(t, answer.Conversation)
	assert.Equal(t, "How do refunds work?", answer.Conversation.Messages[0].Body)
}

func TestHealth(t *testing.T) {
	ok := NewHealthHandler(map[string]Pinger{"store": stubPinger{}, "nats": nil})
	rec := httptest.NewRecorder()
	ok.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	down := NewHealthHandler(map[string]Pinger{"store": stubPinger{err: errors.New("gone")}})
	rec = httptest.NewRecorder()
	down.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "store unavailable")

	rec = httptest.NewRecorder()
	down.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(model.KindUnavailable))
	assert.Equal(t, http.StatusConflict, statusFor(model.KindConversationClosed))
	assert.Equal(t, http.StatusInternalServerError, statusFor("mystery"))
}

func TestOriginPatterns(t *testing.T) {
	got := OriginPatterns([]string{"https://app.example.com", "*", "localhost:3000"})
	assert.Equal(t, []string{"app.example.com", "*", "localhost:3000"}, got)
}

func dialSocket(t *testing.T, f *fixture, as model.Identity) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/v1/support/ws?access_token=" + token(t, as)
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func command(t *testing.T, conn *websocket.Conn, typ model.CommandType, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, model.Command{Type: typ, Payload: raw}))
}

func nextEvent(t *testing.T, conn *websocket.Conn) broker.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var ev broker.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	return ev
}

func waitMembers(t *testing.T, hub *broker.Hub, room string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Members(room) == n }, 2*time.Second, 10*time.Millisecond)
}

func TestSocket_RoomDelivery(t *testing.T) {
	f := newFixture(t, nil)
	conv := f.open(t, customer, "hello")

	owner := dialSocket(t, f, customer)
	command(t, owner, model.CommandJoinConversationRoom, model.JoinConversationCommand{ConversationID: conv.ID})
	staff := dialSocket(t, f, agent)
	command(t, staff, model.CommandJoinStaffRoom, struct{}{})

	waitMembers(t, f.hub, broker.RoomForConversation(conv.ID), 1)
	waitMembers(t, f.hub, broker.StaffRoom, 1)

	resp, body := f.do(t, &agent, http.MethodPost, "/api/v1/support/conversations/"+conv.ID+"/messages", model.SendMessageRequest{Body: "On it"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	ev := nextEvent(t, owner)
	require.Equal(t, model.EventSupportMessage, ev.Type)
	var msg model.SupportMessageEvent
	require.NoError(t, ev.Decode(&msg))
	assert.Equal(t, "On it", msg.Message.Body)

	ev = nextEvent(t, staff)
	require.Equal(t, model.EventNewSupportActivity, ev.Type)
	var activity model.SupportActivityEvent
	require.NoError(t, ev.Decode(&activity))
	assert.Equal(t, conv.ID, activity.ConversationID)
}

func TestSocket_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	conv := f.open(t, customer, "hello")
	intruder := dialSocket(t, f, other)

	tests := []struct {
		name    string
		typ     model.CommandType
		payload any
		code    string
	}{
		{"staff room", model.CommandJoinStaffRoom, struct{}{}, string(model.KindForbidden)},
		{"foreign ticket", model.CommandJoinConversationRoom, model.JoinConversationCommand{ConversationID: conv.ID}, string(model.KindForbidden)},
		{"foreign typing", model.CommandTyping, model.TypingCommand{ConversationID: conv.ID, IsTyping: true}, string(model.KindForbidden)},
		{"unknown", "shout", struct{}{}, string(model.KindValidation)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			command(t, intruder, tt.typ, tt.payload)
			ev := nextEvent(t, intruder)
			require.Equal(t, model.EventError, ev.Type)
			var e model.ErrorEvent
			require.NoError(t, ev.Decode(&e))
			assert.Equal(t, tt.code, e.Code)
		})
	}
	assert.Zero(t, f.hub.Members(broker.StaffRoom))
	assert.Zero(t, f.hub.Members(broker.RoomForConversation(conv.ID)))
}

func TestSocket_TypingRelay(t *testing.T) {
	f := newFixture(t, nil)
	conv := f.open(t, customer, "hello")

	owner := dialSocket(t, f, customer)
	command(t, owner, model.CommandJoinConversationRoom, model.JoinConversationCommand{ConversationID: conv.ID})
	staff := dialSocket(t, f, agent)
	command(t, staff, model.CommandJoinConversationRoom, model.JoinConversationCommand{ConversationID: conv.ID})
	waitMembers(t, f.hub, broker.RoomForConversation(conv.ID), 2)

	command(t, staff, model.CommandTyping, model.TypingCommand{ConversationID: conv.ID, IsTyping: true})

	ev := nextEvent(t, owner)
	require.Equal(t, model.EventTyping, ev.Type)
	var typing model.TypingEvent
	require.NoError(t, ev.Decode(&typing))
	assert.True(t, typing.IsTyping)
	assert.Equal(t, model.RoleAgent, typing.SenderRole)

	// A socket that drops while typing clears its signal.
	nextEvent(t, staff)
	staff.Close(websocket.StatusNormalClosure, "")

	ev = nextEvent(t, owner)
	require.Equal(t, model.EventTyping, ev.Type)
	require.NoError(t, ev.Decode(&typing))
	assert.False(t, typing.IsTyping)
}

func TestSocket_LeavingRoomClearsTyping(t *testing.T) {
	f := newFixture(t, nil)
	conv := f.open(t, customer, "hello")
	room := broker.RoomForConversation(conv.ID)

	owner := dialSocket(t, f, customer)
	command(t, owner, model.CommandJoinConversationRoom, model.JoinConversationCommand{ConversationID: conv.ID})
	staff := dialSocket(t, f, agent)
	command(t, staff, model.CommandJoinConversationRoom, model.JoinConversationCommand{ConversationID: conv.ID})
	waitMembers(t, f.hub, room, 2)

	command(t, staff, model.CommandTyping, model.TypingCommand{ConversationID: conv.ID, IsTyping: true})
	ev := nextEvent(t, owner)
	require.Equal(t, model.EventTyping, ev.Type)

	command(t, staff, model.CommandLeaveRoom, model.LeaveRoomCommand{Room: room})
	ev = nextEvent(t, owner)
	require.Equal(t, model.EventTyping, ev.Type)
	var typing model.TypingEvent
	require.NoError(t, ev.Decode(&typing))
	assert.False(t, typing.IsTyping)
	assert.Equal(t, model.RoleAgent, typing.SenderRole)
	waitMembers(t, f.hub, room, 1)
}

func TestSocket_RateLimited(t *testing.T) {
	log := logger.Nop()
	st := store.NewConversations(store.NewMemoryBackend())
	hub := broker.NewHub(log)
	msgSvc := service.NewMessageService(st, service.NewNotifier(hub, nil, log), service.NewDirectory(), time.Second, log)
	h := NewSocketHandler(msgSvc, hub, SocketConfig{AllowedOrigins: []string{"*"}, RateLimit: 1, RateWindow: time.Minute}, log)

	srv := httptest.NewServer(middleware.Auth(testSecret)(http.HandlerFunc(h.Serve)))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"?access_token="+token(t, agent), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	command(t, conn, model.CommandJoinStaffRoom, struct{}{})
	command(t, conn, model.CommandJoinStaffRoom, struct{}{})

	ev := nextEvent(t, conn)
	require.Equal(t, model.EventError, ev.Type)
	var e model.ErrorEvent
	require.NoError(t, ev.Decode(&e))
	assert.Equal(t, "rate_limited", e.Code)
	assert.Positive(t, e.RetryAfter)
}

func TestStream_DeliversRoomEvents(t *testing.T) {
	f := newFixture(t, nil)
	conv := f.open(t, customer, "hello")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/api/v1/support/conversations/"+conv.ID+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, customer))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	waitMembers(t, f.hub, broker.RoomForConversation(conv.ID), 1)
	sendResp, _ := f.do(t, &agent, http.MethodPost, "/api/v1/support/conversations/"+conv.ID+"/messages", model.SendMessageRequest{Body: "streamed"})
	require.Equal(t, http.StatusCreated, sendResp.StatusCode)

	found := make(chan string, 1)
	go func() {
		var seen strings.Builder
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			seen.WriteString(sc.Text() + "\n")
			if strings.HasPrefix(sc.Text(), "data:") && strings.Contains(seen.String(), "event: support_message") {
				found <- sc.Text()
				return
			}
		}
	}()

	select {
	case data := <-found:
		assert.Contains(t, data, "streamed")
	case <-time.After(2 * time.Second):
		t.Fatal("no support_message event on the stream")
	}
}
