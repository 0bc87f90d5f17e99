package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single authenticated WebSocket client connection
// with a write mutex for serializing outbound frames. It is the connection
// handle the hub fans out to.
type Connection struct {
	id           string   // connection id (UUID), unique per session
	userID       string   // verified user id, set at upgrade time
	username     string   // verified username
	conn         net.Conn // underlying TCP connection
	createdAt    time.Time
	lastActive   atomic.Int64  // unix nanos of the last successful read
	writeMu      sync.Mutex    // serializes writes to this connection
	writeTimeout time.Duration // max time a single outbound write may block
}

// ID returns the connection's session id.
func (c *Connection) ID() string { return c.id }

// UserID returns the authenticated user's id.
func (c *Connection) UserID() string { return c.userID }

// Username returns the authenticated user's name.
func (c *Connection) Username() string { return c.username }

// Send writes a WebSocket text frame to this connection. The write mutex
// ensures that concurrent goroutines do not interleave frame bytes. The
// write deadline bounds how long a peer that stopped draining its socket
// can block the caller; fan-out paths hold a room mutex across Send.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.conn.Close()
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *Connection) lastActivity() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// ConnectionManager is a thread-safe registry mapping connection ids and
// user ids to live connections. A user may hold several connections at
// once (multiple tabs or devices); the user index serves notification
// delivery.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byUser map[string]map[string]*Connection // userID -> connID -> Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers a connection in both indexes.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	if cm.byUser[conn.userID] == nil {
		cm.byUser[conn.userID] = make(map[string]*Connection)
	}
	cm.byUser[conn.userID][conn.id] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by id and closes the underlying network
// connection. Returns true if the connection was found and removed, false
// if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if userConns := cm.byUser[conn.userID]; userConns != nil {
			delete(userConns, id)
			if len(userConns) == 0 {
				delete(cm.byUser, conn.userID)
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// ByUser returns a snapshot of the user's current connections.
func (cm *ConnectionManager) ByUser(userID string) []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byUser[userID]))
	for _, conn := range cm.byUser[userID] {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// UserOnline reports whether the user has at least one live connection.
func (cm *ConnectionManager) UserOnline(userID string) bool {
	cm.mu.RLock()
	n := len(cm.byUser[userID])
	cm.mu.RUnlock()
	return n > 0
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
