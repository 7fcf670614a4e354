package broker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-engine/pkg/logger"
	"github.com/capitalize-ai/support-engine/pkg/metrics"
)

type socket struct {
	ch    chan Event
	rooms map[string]struct{}
}

// Hub is the in-process Broker.
type Hub struct {
	mu      sync.RWMutex
	sockets map[string]*socket
	rooms   map[string]map[string]*socket
	logger  *logger.Logger
}

// NewHub creates an empty hub. Pass nil to use the global logger.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Global()
	}
	return &Hub{
		sockets: make(map[string]*socket),
		rooms:   make(map[string]map[string]*socket),
		logger:  log.With(zap.String("component", "hub")),
	}
}

// Connect registers socketID. Connecting an id that is already registered
// returns its existing channel.
func (h *Hub) Connect(socketID string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.sockets[socketID]; ok {
		return s.ch
	}
	s := &socket{
		ch:    make(chan Event, socketBufferSize),
		rooms: make(map[string]struct{}),
	}
	h.sockets[socketID] = s
	metrics.ActiveSockets.Inc()
	return s.ch
}

// Join adds socketID to room.
func (h *Hub) Join(socketID, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sockets[socketID]
	if !ok {
		return fmt.Errorf("socket %s is not connected", socketID)
	}
	if _, joined := s.rooms[room]; joined {
		return nil
	}
	s.rooms[room] = struct{}{}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*socket)
		h.rooms[room] = members
	}
	members[socketID] = s

	h.logger.Debug("socket joined room", zap.String("socket_id", socketID), zap.String("room", room))
	return nil
}

// Leave removes socketID from room.
func (h *Hub) Leave(socketID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.sockets[socketID]; ok {
		delete(s.rooms, room)
	}
	h.removeMember(room, socketID)
}

// Disconnect removes socketID from all rooms and closes its channel.
func (h *Hub) Disconnect(socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sockets[socketID]
	if !ok {
		return
	}
	for room := range s.rooms {
		h.removeMember(room, socketID)
	}
	delete(h.sockets, socketID)
	close(s.ch)
	metrics.ActiveSockets.Dec()
}

func (h *Hub) removeMember(room, socketID string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, socketID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Publish delivers ev to the sockets in room without blocking.
func (h *Hub) Publish(_ context.Context, room string, ev Event) error {
	h.deliver(room, ev)
	return nil
}

func (h *Hub) deliver(room string, ev Event) {
	// Sends happen under the read lock so Disconnect cannot close a channel
	// mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, s := range h.rooms[room] {
		select {
		case s.ch <- ev:
		default:
			metrics.EventsDropped.WithLabelValues(string(ev.Type)).Inc()
			h.logger.Debug("dropped event for slow socket",
				zap.String("socket_id", id),
				zap.String("room", room),
				zap.String("type", string(ev.Type)))
		}
	}
}

// Members returns the number of sockets in room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

