package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-engine/internal/broker"
	"github.com/capitalize-ai/support-engine/internal/model"
	"github.com/capitalize-ai/support-engine/pkg/logger"
)

const (
	apiPrefix       = "/api/v1/support"
	eventBufferSize = 64
)

// ErrClientClosed is returned by Connect on a client that was closed.
var ErrClientClosed = errors.New("remote client is closed")

// RemoteClient talks to a support server over its HTTP API and realtime
// websocket. It implements API and Realtime. The realtime side is
// single-use: once closed, a client cannot connect again.
type RemoteClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *logger.Logger

	events     chan broker.Event
	reconnects chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewRemoteClient creates a client for the server at baseURL,
// authenticating with a bearer token.
func NewRemoteClient(baseURL, token string, log *logger.Logger) *RemoteClient {
	if log == nil {
		log = logger.Global()
	}
	return &RemoteClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		http:       &http.Client{Timeout: 30 * time.Second},
		logger:     log.With(zap.String("component", "remote_client")),
		events:     make(chan broker.Event, eventBufferSize),
		reconnects: make(chan struct{}, 1),
	}
}

// CreateOrContinue implements API.
func (c *RemoteClient) CreateOrContinue(ctx context.Context, req *model.CreateConversationRequest) (*model.Conversation, error) {
	var conv model.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", req, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListOwn implements API.
func (c *RemoteClient) ListOwn(ctx context.Context, limit, offset int) (*model.ListConversationsResponse, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var resp model.ListConversationsResponse
	if err := c.do(ctx, http.MethodGet, "/conversations?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Get implements API.
func (c *RemoteClient) Get(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id), nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// Send implements API.
func (c *RemoteClient) Send(ctx context.Context, id string, req *model.SendMessageRequest) (*model.SendMessageResponse, error) {
	var resp model.SendMessageResponse
	if err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(id)+"/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListAll implements API.
func (c *RemoteClient) ListAll(ctx context.Context, filter model.ConversationFilter) (*model.ListConversationsResponse, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.AssignedTo != "" {
		q.Set("assigned_to", filter.AssignedTo)
	}
	if filter.Priority != "" {
		q.Set("priority", string(filter.Priority))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	path := "/admin/conversations"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp model.ListConversationsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Update implements API.
func (c *RemoteClient) Update(ctx context.Context, id string, req *model.UpdateConversationRequest) (*model.Conversation, error) {
	var conv model.Conversation
	if err := c.do(ctx, http.MethodPatch, "/admin/conversations/"+url.PathEscape(id), req, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// errorBody mirrors the server's JSON error response.
type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

func (c *RemoteClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &model.Error{Kind: model.KindUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeError rebuilds the structured error a server returned. Rate
// limiting and unknown server failures are retryable.
func decodeError(resp *http.Response) error {
	var e errorBody
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Code == "" {
		e.Error = http.StatusText(resp.StatusCode)
		if resp.StatusCode >= 500 {
			e.Code = string(model.KindUnavailable)
		}
	}
	kind := model.ErrorKind(e.Code)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests, e.Retryable, resp.StatusCode >= 500 && kind != model.KindUnavailable:
		kind = model.KindUnavailable
	case kind == "":
		kind = model.KindValidation
	}
	return &model.Error{Kind: kind, Message: e.Error}
}

// Connect opens the realtime socket. The connection is re-established in
// the background until Close; each re-establishment fires Reconnects.
func (c *RemoteClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	err := c.connectable()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	if err := c.connectable(); err != nil {
		c.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
		return err
	}
	c.conn = conn
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.maintain(runCtx, conn, done)
	return nil
}

func (c *RemoteClient) connectable() error {
	switch {
	case c.closed:
		return ErrClientClosed
	case c.cancel != nil:
		return errors.New("remote client is already connected")
	}
	return nil
}

// Command implements Realtime.
func (c *RemoteClient) Command(ctx context.Context, cmd model.Command) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &model.Error{Kind: model.KindUnavailable, Message: "realtime connection is down"}
	}
	if err := wsjson.Write(ctx, conn, cmd); err != nil {
		return &model.Error{Kind: model.KindUnavailable, Message: err.Error()}
	}
	return nil
}

// Events implements Realtime.
func (c *RemoteClient) Events() <-chan broker.Event {
	return c.events
}

// Reconnects implements Realtime.
func (c *RemoteClient) Reconnects() <-chan struct{} {
	return c.reconnects
}

// Close shuts the realtime socket down.
func (c *RemoteClient) Close() error {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.closed = true
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
	<-done
	return nil
}

func (c *RemoteClient) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.baseURL + apiPrefix + "/ws")
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.token}},
	})
	if err != nil {
		return nil, &model.Error{Kind: model.KindUnavailable, Message: err.Error()}
	}
	return conn, nil
}

// maintain reads events from conn and redials with exponential backoff
// when the socket drops.
func (c *RemoteClient) maintain(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer close(c.events)

	for {
		c.read(ctx, conn)
		conn.CloseNow()

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		if ctx.Err() != nil {
			return
		}

		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 0
		b.MaxInterval = 30 * time.Second

		var next *websocket.Conn
		err := backoff.RetryNotify(func() error {
			var err error
			next, err = c.dial(ctx)
			return err
		}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
			c.logger.Debug("realtime reconnect failed", zap.Duration("retry_in", wait), zap.Error(err))
		})
		if err != nil {
			return
		}

		conn = next
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.logger.Info("realtime connection re-established")

		select {
		case c.reconnects <- struct{}{}:
		default:
		}
	}
}

func (c *RemoteClient) read(ctx context.Context, conn *websocket.Conn) {
	for {
		var ev broker.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				c.logger.Debug("realtime connection dropped", zap.Error(err))
			}
			return
		}
		if ev.Type == model.EventError {
			var e model.ErrorEvent
			if ev.Decode(&e) == nil {
				c.logger.Warn("server rejected command", zap.String("code", e.Code), zap.String("message", e.Message))
			}
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}
