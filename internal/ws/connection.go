package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dealerhub/chat-service/internal/auth"
)

// ConnState is the lifecycle state of a physical connection.
//
//	Connecting -> Authenticated -> Joined -> Closed
//
// Connecting moves straight to Closed on auth failure; Joined re-enters
// itself on repeated joins; nothing leaves Closed.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateJoined
	StateClosed
)

// Connection represents a single authenticated WebSocket connection
// with its participant identity, joined room, and a write mutex for
// serializing outbound frames.
type Connection struct {
	ID        string        // connection ID (UUID)
	Identity  auth.Identity // verified participant
	Conn      net.Conn      // underlying TCP connection
	Fd        int           // file descriptor for poller lookups
	CreatedAt time.Time     // when the connection was established
	LastPing  time.Time     // last activity observed from the client

	mu      sync.Mutex // guards state, roomKey, peerID
	state   ConnState
	roomKey string
	peerID  string

	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read
}

// State returns the connection's lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Join transitions the connection into the given room. It returns
// (changed, ok): ok is false once the connection is closed, and
// changed is false for a repeated join of the same room, which is a
// no-op rather than a duplicate registration.
func (c *Connection) Join(roomKey, peerID string) (changed, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return false, false
	case StateJoined:
		if c.roomKey == roomKey {
			return false, true // idempotent re-join
		}
	}
	c.state = StateJoined
	c.roomKey = roomKey
	c.peerID = peerID
	return true, true
}

// Leave returns a joined connection to the authenticated state,
// clearing the room. Returns false if the connection was not joined.
func (c *Connection) Leave() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateJoined {
		return false
	}
	c.state = StateAuthenticated
	c.roomKey = ""
	c.peerID = ""
	return true
}

// Room returns the joined room key and peer id, empty before any join.
func (c *Connection) Room() (roomKey, peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomKey, c.peerID
}

// markClosed moves the connection to Closed. Returns false if it was
// already closed.
func (c *Connection) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return false
	}
	c.state = StateClosed
	return true
}

// WriteMessage sends a WebSocket text frame to this connection. The
// write mutex ensures that concurrent goroutines do not interleave
// frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	c.markClosed()
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry mapping connection IDs,
// file descriptors, and participant IDs to Connections. A participant
// may hold several connections (multiple tabs), so the participant
// index holds a set per id.
type ConnectionManager struct {
	mu            sync.RWMutex
	byID          map[string]*Connection
	byFd          map[int]*Connection
	byParticipant map[string]map[string]*Connection // participant -> conn id -> conn
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:          make(map[string]*Connection),
		byFd:          make(map[int]*Connection),
		byParticipant: make(map[string]map[string]*Connection),
	}
}

// Add registers a connection in all three indexes.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	set, ok := cm.byParticipant[conn.Identity.ID]
	if !ok {
		set = make(map[string]*Connection)
		cm.byParticipant[conn.Identity.ID] = set
	}
	set[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID and closes the underlying network
// connection. Returns true if the connection was found and removed,
// false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
		if set, exists := cm.byParticipant[conn.Identity.ID]; exists {
			delete(set, id)
			if len(set) == 0 {
				delete(cm.byParticipant, conn.Identity.ID)
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// ForParticipant returns a snapshot of all connections the participant
// currently holds.
func (cm *ConnectionManager) ForParticipant(participantID string) []*Connection {
	cm.mu.RLock()
	set := cm.byParticipant[participantID]
	conns := make([]*Connection, 0, len(set))
	for _, conn := range set {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
