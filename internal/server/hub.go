package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/scriptcue/internal/observe"
)

// sendBuffer is the per-client outbound queue length. A client whose queue
// is full when a broadcast arrives is disconnected.
const sendBuffer = 32

// client is one connected WebSocket peer.
type client struct {
	id   string
	send chan Message

	once   sync.Once
	done   chan struct{}
	code   websocket.StatusCode
	reason string
}

func newClient(id string) *client {
	return &client{
		id:   id,
		send: make(chan Message, sendBuffer),
		done: make(chan struct{}),
	}
}

// enqueue queues msg without blocking and reports whether it fit.
func (c *client) enqueue(msg Message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// kick asks the client's writer to close the connection with code and reason.
func (c *client) kick(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		c.code = code
		c.reason = reason
		close(c.done)
	})
}

// Hub fans server messages out to every connected client.
type Hub struct {
	metrics *observe.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	clients map[string]*client
}

// NewHub returns an empty Hub. A nil metrics uses [observe.DefaultMetrics]
// and a nil logger uses slog.Default().
func NewHub(metrics *observe.Metrics, log *slog.Logger) *Hub {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		metrics: metrics,
		log:     log,
		clients: make(map[string]*client),
	}
}

// Broadcast queues msg for every client. Clients that cannot keep up are
// dropped.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		if c.enqueue(msg) {
			continue
		}
		h.log.Warn("hub: dropping slow client", "client_id", id, "message", msg.Type)
		delete(h.clients, id)
		c.kick(websocket.StatusPolicyViolation, "client too slow")
		h.metrics.ConnectedClients.Add(context.Background(), -1)
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll disconnects every client with a going-away status.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		delete(h.clients, id)
		c.kick(websocket.StatusGoingAway, "server shutting down")
		h.metrics.ConnectedClients.Add(context.Background(), -1)
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
	h.metrics.ConnectedClients.Add(context.Background(), 1)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.id] != c {
		return
	}
	delete(h.clients, c.id)
	h.metrics.ConnectedClients.Add(context.Background(), -1)
}
