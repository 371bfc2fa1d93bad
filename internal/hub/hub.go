package hub

import (
	"sort"
	"sync"
)

type Writer interface {
	Write(message []byte) error
	Close() error
}

type Connection struct {
	UserID string
	Writer Writer
}

// Hub tracks live connections per user. A user is online while at least one
// of their connections is registered.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
	onOffline   func(userID string)
}

func New() *Hub {
	return &Hub{connections: make(map[string]map[*Connection]struct{})}
}

// OnOffline sets a hook run when a failed write evicts a user's last
// connection. Regular Unregister calls report that through their result.
func (h *Hub) OnOffline(fn func(userID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onOffline = fn
}

// Register adds conn and reports whether it is the user's first.
func (h *Hub) Register(conn *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.connections[conn.UserID]
	if set == nil {
		set = make(map[*Connection]struct{})
		h.connections[conn.UserID] = set
	}
	set[conn] = struct{}{}
	return len(set) == 1
}

// Unregister removes conn and reports whether it was the user's last. A
// connection that is not registered reports false.
func (h *Hub) Unregister(conn *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.connections[conn.UserID]
	if set == nil {
		return false
	}
	if _, ok := set[conn]; !ok {
		return false
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.connections, conn.UserID)
		return true
	}
	return false
}

func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[userID]) > 0
}

func (h *Hub) Online() []string {
	h.mu.RLock()
	result := make([]string, 0, len(h.connections))
	for id := range h.connections {
		result = append(result, id)
	}
	h.mu.RUnlock()
	sort.Strings(result)
	return result
}

func (h *Hub) Broadcast(userID string, message []byte) {
	h.mu.RLock()
	conns := h.snapshotLocked(userID)
	h.mu.RUnlock()
	h.write(conns, message)
}

func (h *Hub) BroadcastAll(message []byte, except string) {
	h.mu.RLock()
	var conns []*Connection
	for id := range h.connections {
		if id == except {
			continue
		}
		conns = append(conns, h.snapshotLocked(id)...)
	}
	h.mu.RUnlock()
	h.write(conns, message)
}

// Disconnect closes every connection of userID and returns how many there
// were. The owning read loops unregister them as they exit.
func (h *Hub) Disconnect(userID string) int {
	h.mu.RLock()
	conns := h.snapshotLocked(userID)
	h.mu.RUnlock()
	for _, c := range conns {
		_ = c.Writer.Close()
	}
	return len(conns)
}

func (h *Hub) snapshotLocked(userID string) []*Connection {
	set := h.connections[userID]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

func (h *Hub) write(conns []*Connection, message []byte) {
	var failed []*Connection
	for _, c := range conns {
		if err := c.Writer.Write(message); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		_ = c.Writer.Close()
		if h.Unregister(c) {
			h.mu.RLock()
			fn := h.onOffline
			h.mu.RUnlock()
			if fn != nil {
				fn(c.UserID)
			}
		}
	}
}
