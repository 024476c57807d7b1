// ABOUTME: Hub tracks live websocket connections and their room memberships
// ABOUTME: Encodes envelopes once and queues them without blocking the caller

package gateway

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
)

// Hub implements relay.Sender over websocket connections.
type Hub struct {
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]map[string]struct{} // room -> conn ids
}

// NewHub creates an empty hub.
func NewHub(m *metrics.Metrics, logger *slog.Logger) *Hub {
	return &Hub{
		metrics: m,
		logger:  logger.With("component", "hub"),
		conns:   make(map[string]*Conn),
		rooms:   make(map[string]map[string]struct{}),
	}
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

// remove forgets a connection and drops it from every room.
func (h *Hub) remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return
	}
	delete(h.conns, connID)
	for room := range c.rooms {
		h.leaveLocked(connID, room)
	}
}

func (h *Hub) get(connID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	return c, ok
}

// Join adds a connection to a room. Unknown connections are ignored.
func (h *Hub) Join(connID, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return false
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[room] = members
	}
	members[connID] = struct{}{}
	c.rooms[room] = struct{}{}
	return true
}

// Leave removes a connection from a room.
func (h *Hub) Leave(connID, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(connID, room)
}

func (h *Hub) leaveLocked(connID, room string) bool {
	members, ok := h.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	if c, ok := h.conns[connID]; ok {
		delete(c.rooms, room)
	}
	return true
}

// Members lists the connection ids in a room, sorted.
func (h *Hub) Members(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Rooms lists the rooms a connection belongs to, sorted.
func (h *Hub) Rooms(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.conns[connID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	slices.Sort(rooms)
	return rooms
}

// Len is the number of open connections, authenticated or not.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SendTo queues one message for one connection.
func (h *Hub) SendTo(connID, msgType string, payload any) bool {
	data, err := protocol.CreateMessage(msgType, payload)
	if err != nil {
		h.logger.Error("encoding outbound message", "type", msgType, "conn_id", connID, "error", err)
		return false
	}

	c, ok := h.get(connID)
	if !ok {
		h.logger.Debug("send to unknown connection", "conn_id", connID, "type", msgType)
		return false
	}
	return h.enqueue(c, msgType, data)
}

// Broadcast queues one message for every member of room except one connection.
func (h *Hub) Broadcast(room, msgType string, payload any, except string) int {
	data, err := protocol.CreateMessage(msgType, payload)
	if err != nil {
		h.logger.Error("encoding broadcast", "type", msgType, "room", room, "error", err)
		return 0
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		if id == except {
			continue
		}
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if h.enqueue(c, msgType, data) {
			sent++
		}
	}
	return sent
}

// enqueue treats a full queue as a dead consumer: the frame cannot be delivered
// in order, so the connection is closed and disconnect cleanup takes over.
func (h *Hub) enqueue(c *Conn, msgType string, data []byte) bool {
	if c.enqueue(data) {
		return true
	}
	if !c.isClosed() {
		h.metrics.Dropped(metrics.DropQueueFull)
		h.logger.Warn("outbound queue full, closing connection", "conn_id", c.id, "type", msgType)
		c.Close(closeGoingAway, "send queue full")
	}
	return false
}

// CloseAll closes every connection with a going-away status.
func (h *Hub) CloseAll(reason string) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close(closeGoingAway, reason)
	}
}
