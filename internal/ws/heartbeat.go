package ws

import (
	"log"
	"time"
)

// StartHeartbeat begins a background goroutine that periodically sends
// WebSocket ping frames to all connections and closes those that have gone
// stale (no successful reads within interval + timeout). The goroutine
// exits when the server's done channel is closed.
func StartHeartbeat(server *Server) {
	interval := server.config.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := server.config.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, interval+timeout)
			}
		}
	}()
}

// checkConnections iterates over all active connections. Connections with
// no successful read within the deadline are considered dead and removed.
// All others receive a protocol-level ping frame, which the browser answers
// automatically with a pong.
func checkConnections(server *Server, deadline time.Duration) {
	now := time.Now()

	for _, c := range server.Connections().All() {
		if now.Sub(c.lastActivity()) > deadline {
			log.Printf("ws: heartbeat timeout conn=%s last_activity=%s ago",
				c.ID(), now.Sub(c.lastActivity()).Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed conn=%s: %v", c.ID(), err)
			server.RemoveConnection(c)
		}
	}
}
