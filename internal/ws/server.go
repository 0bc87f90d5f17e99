// Package ws handles WebSocket connection management: authenticating and
// upgrading HTTP connections, maintaining the live connection registry, and
// dispatching incoming frames to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/palaver/social-app/internal/auth"
	"github.com/palaver/social-app/internal/metrics"
)

// maxFramePayload caps the client-declared payload length before any
// allocation happens. Valid client frames are small JSON events; anything
// larger is a protocol violation.
const maxFramePayload = 64 * 1024

// TokenVerifier validates the credential presented at connect time.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr        string        // address to listen on, e.g. ":8080"
	MaxConnections    int           // hard cap on total connections
	ReadTimeout       time.Duration // max idle time between frames before the heartbeat matters
	WriteTimeout      time.Duration // timeout for WebSocket write operations
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:        ":8080",
		MaxConnections:    10000,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
	}
}

// Server upgrades HTTP connections to WebSocket after verifying the
// caller's token, runs a read loop per connection, and hands complete text
// frames to the message callback. Connections that fail authentication are
// rejected before any event is accepted.
type Server struct {
	config       ServerConfig
	verifier     TokenVerifier
	conns        *ConnectionManager
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration and token
// verifier. The onMessage function is called from the connection's read
// goroutine whenever a complete WebSocket text frame is received.
func NewServer(config ServerConfig, verifier TokenVerifier, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:    config,
		verifier:  verifier,
		conns:     NewConnectionManager(),
		onMessage: onMessage,
		done:      make(chan struct{}),
	}
}

// SetOnConnect registers a callback invoked after a connection has been
// authenticated and registered.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Start configures the HTTP server and begins accepting WebSocket
// connections. It starts the heartbeat monitor and blocks on
// http.Server.ListenAndServe.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	StartHeartbeat(s)

	log.Printf("ws: server listening on %s (max_conns=%d)",
		s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade verifies the caller's token and upgrades the HTTP request
// to a WebSocket connection. Authentication happens before the upgrade so
// that anonymous callers never hold a socket.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	identity, err := s.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed user=%s: %v", identity.UserID, err)
		return
	}

	c := &Connection{
		id:           uuid.New().String(),
		userID:       identity.UserID,
		username:     identity.Username,
		conn:         conn,
		createdAt:    time.Now(),
		writeTimeout: s.config.WriteTimeout,
	}
	c.touch()

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.onConnect != nil {
		s.onConnect(c)
	}

	log.Printf("ws: new connection conn=%s user=%s (total=%d)", c.id, c.userID, s.conns.Count())

	go s.readLoop(c)
}

// readLoop reads frames from the connection until it fails or closes.
// Control frames are handled inline; data frames are passed to onMessage.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		if s.config.ReadTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		header, reader, err := wsutil.NextReader(c.conn, ws.StateServerSide)
		if err != nil {
			// A deadline hit means the client sent nothing for a while.
			// The heartbeat decides whether the connection is dead; keep
			// reading until it does.
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return
		}

		// Any frame proves the connection is alive.
		c.touch()

		if header.OpCode.IsControl() {
			if header.OpCode == ws.OpClose {
				return
			}
			// Ping/pong carry no application payload.
			if header.Length > 0 {
				_, _ = io.Copy(io.Discard, reader)
			}
			continue
		}

		if header.Length < 0 || header.Length > maxFramePayload {
			log.Printf("ws: oversized frame conn=%s len=%d, dropping connection", c.id, header.Length)
			return
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
		}
		if len(data) == 0 {
			continue
		}

		if s.onMessage != nil {
			s.onMessage(c, data)
		}
	}
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// RemoveConnection removes a connection from the registry and closes the
// underlying network connection. Exported so the heartbeat monitor can
// evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	// Guard against double cleanup when the read loop and the heartbeat
	// race to remove the same connection.
	if !s.conns.Remove(c.id) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.id, c.userID, s.conns.Count())
}

// SendToUser writes a text frame to every live connection of the given
// user. Per-connection write errors are ignored; dead connections are
// reaped by their read loops.
func (s *Server) SendToUser(userID string, data []byte) {
	for _, c := range s.conns.ByUser(userID) {
		s.send(c, data)
	}
}

func (s *Server) send(c *Connection, data []byte) {
	if err := c.Send(data); err != nil {
		log.Printf("ws: send failed conn=%s: %v", c.id, err)
	}
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g., by the heartbeat or presence layer).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown: stops the HTTP listener, signals
// the read loops and heartbeat to exit, and closes all active connections.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}
