// Package ws implements the Control API's node-status event stream (§6):
// one WebSocket channel per Execution, fed by a Redis pub/sub subscription
// so the scheduler's execution loop never blocks on a slow or disconnected
// client.
//
// Grounded on cmd/fanout/{hub,client,server,redis_subscriber}.go's
// register/unregister/broadcast hub pattern, re-keyed from username to
// executionId and narrowed to the engine's node-status message shape.
package ws

import (
	"sync"

	"github.com/flowcore/engine/internal/logger"
)

// Hub maintains active WebSocket connections and fans a published event out
// to every client watching the matching Execution.
type Hub struct {
	log *logger.Logger

	mu          sync.RWMutex
	connections map[string][]*Client // executionId -> clients

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
}

// Message is one event to fan out to every client watching ExecutionID.
type Message struct {
	ExecutionID string
	Data        []byte
}

// NewHub constructs a Hub. Run must be started in its own goroutine.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:         log,
		connections: make(map[string][]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
	}
}

// Run drives the hub's register/unregister/broadcast loop; it never returns.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.registerClient(c)
		case c := <-h.unregister:
			h.unregisterClient(c)
		case m := <-h.broadcast:
			h.broadcastToExecution(m)
		}
	}
}

// Broadcast publishes an event to every client watching executionID. Safe to
// call from the Redis subscriber goroutine.
func (h *Hub) Broadcast(executionID string, data []byte) {
	h.broadcast <- &Message{ExecutionID: executionID, Data: data}
}

func (h *Hub) registerClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[c.executionID] = append(h.connections[c.executionID], c)
	h.log.Debug("ws client registered", "executionId", c.executionID, "total", len(h.connections[c.executionID]))
}

func (h *Hub) unregisterClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.connections[c.executionID]
	for i, existing := range clients {
		if existing == c {
			h.connections[c.executionID] = append(clients[:i], clients[i+1:]...)
			close(c.send)
			if len(h.connections[c.executionID]) == 0 {
				delete(h.connections, c.executionID)
			}
			return
		}
	}
}

func (h *Hub) broadcastToExecution(m *Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.connections[m.ExecutionID]
	kept := clients[:0]
	for _, c := range clients {
		select {
		case c.send <- m.Data:
			kept = append(kept, c)
		default:
			// Client's buffer is full: disconnect it rather than block the
			// hub loop (and, transitively, the execution loop publishing
			// through Redis). It is dropped from connections here, so the
			// later unregister finds nothing left to close.
			close(c.send)
		}
	}
	if len(kept) == 0 {
		delete(h.connections, m.ExecutionID)
	} else {
		h.connections[m.ExecutionID] = kept
	}
}

// ConnectionCount returns the total number of active client connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.connections {
		n += len(clients)
	}
	return n
}
