package registry

import (
	"sync"
	"time"
)

// Connection is the per-instance record of one live websocket. It is owned
// exclusively by the instance that accepted it and never leaves the process.
type Connection struct {
	ID          string
	UserID      string
	Role        string
	RoomID      string
	ConnectedAt time.Time
}

// Registry tracks the connections accepted by this instance. Targeted
// delivery and presence checks resolve through it.
type Registry struct {
	mu     sync.Mutex
	byID   map[string]*Connection
	byUser map[string]map[string]*Connection
}

func New() *Registry {
	return &Registry{
		byID:   make(map[string]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

func (r *Registry) Add(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[conn.ID] = conn
	conns, ok := r.byUser[conn.UserID]
	if !ok {
		conns = make(map[string]*Connection)
		r.byUser[conn.UserID] = conns
	}
	conns[conn.ID] = conn
}

func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byID[connectionID]
	if !ok {
		return
	}
	delete(r.byID, connectionID)
	if conns, ok := r.byUser[conn.UserID]; ok {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(r.byUser, conn.UserID)
		}
	}
}

func (r *Registry) Get(connectionID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byID[connectionID]
	return conn, ok
}

// SetRoom records which room a connection currently occupies.
func (r *Registry) SetRoom(connectionID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.byID[connectionID]; ok {
		conn.RoomID = roomID
	}
}

// ConnectionsForUser returns the ids of this user's live connections on
// this instance.
func (r *Registry) ConnectionsForUser(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) UserOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.byUser[userID]) > 0
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.byID)
}
