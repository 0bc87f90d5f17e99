package chat

import "sync"

// MaxRecentMessages is the number of recent messages retained per room.
const MaxRecentMessages = 5

// RecentCache stores the last N messages per room in memory, giving the
// realtime layer the tail of each live room's stream without a database
// round trip. It is goroutine-safe and uses a ring buffer internally.
type RecentCache struct {
	mu      sync.RWMutex
	buffers map[string]*ringBuffer // roomID -> ring buffer
}

// ringBuffer is a fixed-size circular buffer of Message.
type ringBuffer struct {
	items []Message
	pos   int
	count int
}

// NewRecentCache creates an empty RecentCache.
func NewRecentCache() *RecentCache {
	return &RecentCache{buffers: make(map[string]*ringBuffer)}
}

// Add appends a message to the room's ring buffer. If the buffer is full,
// the oldest message is overwritten.
func (rc *RecentCache) Add(roomID string, msg Message) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rb, ok := rc.buffers[roomID]
	if !ok {
		rb = &ringBuffer{items: make([]Message, MaxRecentMessages)}
		rc.buffers[roomID] = rb
	}

	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % MaxRecentMessages
	if rb.count < MaxRecentMessages {
		rb.count++
	}
}

// Recent returns the room's cached messages in chronological order (oldest
// first). Returns an empty slice for an unknown room.
func (rc *RecentCache) Recent(roomID string) []Message {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	rb, ok := rc.buffers[roomID]
	if !ok {
		return []Message{}
	}

	result := make([]Message, rb.count)
	start := (rb.pos - rb.count + MaxRecentMessages) % MaxRecentMessages
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%MaxRecentMessages]
	}
	return result
}

// Last returns the most recent cached message for the room, if any.
func (rc *RecentCache) Last(roomID string) (Message, bool) {
	msgs := rc.Recent(roomID)
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// Remove deletes the buffer for a room.
func (rc *RecentCache) Remove(roomID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.buffers, roomID)
}
