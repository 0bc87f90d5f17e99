// Package hub is the realtime fan-out core. It maintains the mapping from
// rooms to live connection handles and routes message, typing, and
// membership events to the connections currently subscribed to a room.
//
// The hub holds connection handles, never websocket internals, and it does
// not re-check room authorization: a roomId only reaches a client through
// the room manager's membership gate, and the ids are unguessable UUIDs.
package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/palaver/social-app/internal/chat"
	"github.com/palaver/social-app/internal/metrics"
	"github.com/palaver/social-app/internal/protocol"
)

// Client is a live connection handle. Implementations must make Send safe
// for concurrent use.
type Client interface {
	ID() string
	UserID() string
	Username() string
	Send(data []byte) error
}

// MessageAppender persists chat messages. The hub tolerates its failures:
// a failed append is logged and counted, never allowed to block or cancel
// the broadcast.
type MessageAppender interface {
	Append(ctx context.Context, roomID, senderID, body string, at time.Time) (chat.Message, error)
}

// Hub routes live events between the connections subscribed to each room.
// All state mutation and fan-out for a single room happens under that
// room's mutex, so each subscriber observes the room's events in one total
// order. No ordering holds across rooms.
type Hub struct {
	store         MessageAppender
	recent        *chat.RecentCache
	appendTimeout time.Duration

	mu    sync.RWMutex
	rooms map[string]*roomState
	conns map[string]map[string]struct{} // connID -> subscribed room ids
}

// roomState is the fan-out set for one room plus each connection's last
// typing flag, kept so a vanishing connection's indicator can be cleared.
type roomState struct {
	id      string
	mu      sync.Mutex
	members map[string]Client
	typing  map[string]bool
	closed  bool // set when the room is garbage-collected from the hub
}

// New creates a Hub. recent may be nil; appendTimeout bounds how long a
// message send waits on persistence before broadcasting anyway.
func New(store MessageAppender, recent *chat.RecentCache, appendTimeout time.Duration) *Hub {
	if appendTimeout <= 0 {
		appendTimeout = 3 * time.Second
	}
	return &Hub{
		store:         store,
		recent:        recent,
		appendTimeout: appendTimeout,
		rooms:         make(map[string]*roomState),
		conns:         make(map[string]map[string]struct{}),
	}
}

// Subscribe adds the connection to the room's fan-out set. Idempotent.
func (h *Hub) Subscribe(c Client, roomID string) {
	for {
		h.mu.Lock()
		rs, ok := h.rooms[roomID]
		if !ok {
			rs = &roomState{
				id:      roomID,
				members: make(map[string]Client),
				typing:  make(map[string]bool),
			}
			h.rooms[roomID] = rs
			metrics.RoomsActive.Inc()
		}
		if h.conns[c.ID()] == nil {
			h.conns[c.ID()] = make(map[string]struct{})
		}
		h.conns[c.ID()][roomID] = struct{}{}
		h.mu.Unlock()

		// The room mutex is never taken while h.mu is held: a room stuck in
		// a slow fan-out must not stall the rest of the hub. The closed flag
		// covers the window where the room is garbage-collected between the
		// lookup above and this insert.
		rs.mu.Lock()
		if rs.closed {
			rs.mu.Unlock()
			continue
		}
		rs.members[c.ID()] = c
		rs.mu.Unlock()
		return
	}
}

// Unsubscribe removes the connection from the room's fan-out set.
// Idempotent if not subscribed. A still-raised typing indicator is cleared
// for the remaining subscribers.
func (h *Hub) Unsubscribe(c Client, roomID string) {
	h.mu.Lock()
	rs, ok := h.rooms[roomID]
	if subs := h.conns[c.ID()]; subs != nil {
		delete(subs, roomID)
		if len(subs) == 0 {
			delete(h.conns, c.ID())
		}
	}
	h.mu.Unlock()

	if ok {
		h.removeMember(rs, c)
	}
}

// Disconnect removes the connection from every room it was subscribed to.
// Subscriptions do not survive the connection: a new session must
// re-subscribe to receive anything.
func (h *Hub) Disconnect(c Client) {
	h.mu.Lock()
	states := make([]*roomState, 0, len(h.conns[c.ID()]))
	for roomID := range h.conns[c.ID()] {
		if rs, ok := h.rooms[roomID]; ok {
			states = append(states, rs)
		}
	}
	delete(h.conns, c.ID())
	h.mu.Unlock()

	for _, rs := range states {
		h.removeMember(rs, c)
	}
}

// removeMember drops the connection from the room, broadcasts a typing
// clear if its indicator was still raised, and garbage-collects the room
// when it empties. Must not be called with h.mu held.
func (h *Hub) removeMember(rs *roomState, c Client) {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return
	}
	wasTyping := rs.typing[c.ID()]
	delete(rs.members, c.ID())
	delete(rs.typing, c.ID())
	if wasTyping {
		data, err := protocol.NewServerMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{
			UserID:   c.UserID(),
			UserName: c.Username(),
			IsTyping: false,
		})
		if err == nil {
			broadcastLocked(rs, data, "")
		}
	}
	empty := len(rs.members) == 0
	if empty {
		rs.closed = true
	}
	rs.mu.Unlock()

	if empty {
		h.mu.Lock()
		if h.rooms[rs.id] == rs {
			delete(h.rooms, rs.id)
			if h.recent != nil {
				h.recent.Remove(rs.id)
			}
			metrics.RoomsActive.Dec()
		}
		h.mu.Unlock()
	}
}

// Recent returns the cached tail of a room's message stream, oldest first.
// The cache covers only rooms with live subscribers.
func (h *Hub) Recent(roomID string) []chat.Message {
	if h.recent == nil {
		return nil
	}
	return h.recent.Recent(roomID)
}

// PublishMessage persists the message and broadcasts it to every connection
// subscribed to the room, the sender's included. Persistence is best
// effort: the append runs under a bounded timeout, and when it fails the
// broadcast still goes out with a locally generated timestamp. Only body
// validation errors are returned to the caller.
func (h *Hub) PublishMessage(ctx context.Context, c Client, roomID, body, senderID, senderName string) error {
	trimmed, err := chat.ValidateBody(body)
	if err != nil {
		return err
	}

	now := time.Now()
	appendCtx, cancel := context.WithTimeout(ctx, h.appendTimeout)
	msg, err := h.store.Append(appendCtx, roomID, senderID, trimmed, now)
	cancel()
	if err != nil {
		log.Printf("hub: append failed room=%s sender=%s: %v (broadcasting anyway)", roomID, senderID, err)
		metrics.MessagesTotal.WithLabelValues("persist_failed").Inc()
		msg = chat.Message{RoomID: roomID, SenderID: senderID, Body: trimmed, CreatedAt: now}
	}
	if h.recent != nil {
		h.recent.Add(roomID, msg)
	}

	data, err := protocol.NewServerMessage(protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
		Message:    trimmed,
		SenderID:   senderID,
		SenderName: senderName,
		Timestamp:  msg.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	h.broadcast(roomID, data, "")
	metrics.MessagesTotal.WithLabelValues("broadcast").Inc()
	return nil
}

// PublishTyping broadcasts the typing state to every other connection in
// the room. Nothing is persisted.
func (h *Hub) PublishTyping(c Client, roomID, userID, userName string, isTyping bool) {
	h.mu.RLock()
	rs, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{
		UserID:   userID,
		UserName: userName,
		IsTyping: isTyping,
	})
	if err != nil {
		log.Printf("hub: build typing event room=%s: %v", roomID, err)
		return
	}

	rs.mu.Lock()
	if _, member := rs.members[c.ID()]; member {
		if isTyping {
			rs.typing[c.ID()] = true
		} else {
			delete(rs.typing, c.ID())
		}
	}
	broadcastLocked(rs, data, c.ID())
	rs.mu.Unlock()
	metrics.TypingEventsTotal.Inc()
}

// SubscriberCount returns the current size of a room's fan-out set.
func (h *Hub) SubscriberCount(roomID string) int {
	h.mu.RLock()
	rs, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	rs.mu.Lock()
	n := len(rs.members)
	rs.mu.Unlock()
	return n
}

// broadcast delivers data to the room's subscribers, skipping excludeConnID
// if non-empty. Holding the room mutex across the whole fan-out is what
// gives each room a single broadcast point.
func (h *Hub) broadcast(roomID string, data []byte, excludeConnID string) {
	h.mu.RLock()
	rs, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	start := time.Now()
	rs.mu.Lock()
	broadcastLocked(rs, data, excludeConnID)
	rs.mu.Unlock()
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
}

// broadcastLocked requires rs.mu to be held. Send errors are ignored here;
// a dead connection is reaped by the websocket layer's read loop and
// heartbeat, which call Disconnect.
func broadcastLocked(rs *roomState, data []byte, excludeConnID string) {
	for id, member := range rs.members {
		if id == excludeConnID {
			continue
		}
		_ = member.Send(data)
	}
}
