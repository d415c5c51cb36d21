package handlers

import (
	"sync"

	"github.com/gorilla/websocket"
)

type wsClient struct {
	conn         *websocket.Conn
	send         chan []byte
	connectionID string
	userID       string
	closeOnce    sync.Once
}

func (c *wsClient) trySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *wsClient) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Hub holds the websocket clients accepted by this instance, keyed by
// connection id. Room membership lives in the shared store, not here.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*wsClient
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*wsClient)}
}

func (h *Hub) Add(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Replace an existing connection with the same id.
	if old := h.clients[client.connectionID]; old != nil {
		_ = old.conn.Close()
		old.closeSend()
	}
	h.clients[client.connectionID] = client
}

func (h *Hub) Remove(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client, ok := h.clients[connectionID]; ok {
		client.closeSend()
		delete(h.clients, connectionID)
	}
}

// Send delivers a frame to a local connection. Reports false when the
// connection is not on this instance or its buffer is full.
func (h *Hub) Send(connectionID string, payload []byte) bool {
	h.mu.Lock()
	client := h.clients[connectionID]
	h.mu.Unlock()

	if client == nil {
		return false
	}
	if !client.trySend(payload) {
		_ = client.conn.Close()
		return false
	}
	return true
}

// CloseConnection force-closes a local connection's socket. Reports
// whether the connection lives on this instance.
func (h *Hub) CloseConnection(connectionID string) bool {
	h.mu.Lock()
	client := h.clients[connectionID]
	h.mu.Unlock()

	if client == nil {
		return false
	}
	if client.conn != nil {
		_ = client.conn.Close()
	}
	return true
}
