package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// Envelope is the wire frame sent to WebSocket clients
type Envelope struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

// Hub maintains active WebSocket connections and fans published payloads
// out to them. Sends are non-blocking: a client that cannot keep up drops
// frames rather than stalling the publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
}

// Client is one WebSocket connection registered with the hub
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	closed bool // guarded by hub.mu
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
	}
}

// NewClient wraps a WebSocket connection for this hub
func (h *Hub) NewClient(conn *websocket.Conn) *Client {
	return &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
	}
}

// Register adds a client to the broadcast set
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
}

// Unregister removes a client and closes its send channel
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.closed = true
		close(client.send)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish marshals the payload into an envelope and sends it to every
// connected client.
func (h *Hub) Publish(_ context.Context, topic string, payload any) error {
	data, err := json.Marshal(Envelope{Topic: topic, Data: payload})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client buffer full, skip
		}
	}
	return nil
}

// Send enqueues a raw frame for this client alone, without blocking.
// Returns false if the client is gone or its buffer is full. The hub lock
// pins the channel open: Unregister closes it under the same lock, so a
// racing unregister can never turn this into a send on a closed channel.
func (c *Client) Send(data []byte) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// WritePump drains the send channel to the connection. Run as a goroutine
// per client; returns when the client is unregistered or the write fails.
func (c *Client) WritePump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}
