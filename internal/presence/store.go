// Package presence tracks which users currently hold a live connection.
// State lives in Redis under TTL-guarded keys so a crashed server's users
// fall offline on their own.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for presence records.
	KeyPrefix = "presence:"

	// TTL is the time-to-live for presence keys. The websocket heartbeat
	// refreshes it; a vanished server stops refreshing and the key expires.
	TTL = 90 * time.Second
)

// Store manages presence state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this chat server instance
}

// NewStore creates a presence store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// MarkOnline records the user as online on this server and refreshes the
// TTL.
func (s *Store) MarkOnline(ctx context.Context, userID string) error {
	key := KeyPrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "server", s.serverName, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Refresh extends the user's presence TTL. Called from the heartbeat sweep.
func (s *Store) Refresh(ctx context.Context, userID string) error {
	return s.client.Expire(ctx, KeyPrefix+userID, TTL).Err()
}

// MarkOffline removes the user's presence record. Called when the user's
// last connection closes.
func (s *Store) MarkOffline(ctx context.Context, userID string) error {
	return s.client.Del(ctx, KeyPrefix+userID).Err()
}

// Online reports, for each of the given user ids, whether a presence record
// currently exists.
func (s *Store) Online(ctx context.Context, userIDs []string) (map[string]bool, error) {
	result := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.Exists(ctx, KeyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence: bulk check: %w", err)
	}

	for i, id := range userIDs {
		result[id] = cmds[i].Val() > 0
	}
	return result, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages
// (the rate limiter shares the connection).
func (s *Store) Client() *redis.Client {
	return s.client
}
