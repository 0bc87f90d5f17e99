package chat

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the durable append-only message log in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append writes a message to the room's log and bumps the room's activity
// timestamp so that room listings sort by recency. Backend failures are
// wrapped in ErrUnavailable.
func (s *Store) Append(ctx context.Context, roomID, senderID, body string, at time.Time) (Message, error) {
	msg := Message{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		SenderID:  senderID,
		Body:      body,
		CreatedAt: at,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	const insert = `
		INSERT INTO chat_messages (id, room_id, sender_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq`
	if err := tx.QueryRowContext(ctx, insert, msg.ID, msg.RoomID, msg.SenderID, msg.Body, msg.CreatedAt).Scan(&msg.Seq); err != nil {
		return Message{}, fmt.Errorf("%w: insert: %v", ErrUnavailable, err)
	}

	const bump = `UPDATE chat_rooms SET updated_at = $1 WHERE id = $2`
	if _, err := tx.ExecContext(ctx, bump, msg.CreatedAt, msg.RoomID); err != nil {
		return Message{}, fmt.Errorf("%w: bump room: %v", ErrUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return msg, nil
}

// LastByRoom returns the room's most recent message, or ok=false when the
// room has no messages yet. Used for room list previews.
func (s *Store) LastByRoom(ctx context.Context, roomID string) (Message, bool, error) {
	const query = `
		SELECT id, seq, room_id, sender_id, body, created_at
		FROM chat_messages
		WHERE room_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT 1`

	var m Message
	err := s.db.QueryRowContext(ctx, query, roomID).
		Scan(&m.ID, &m.Seq, &m.RoomID, &m.SenderID, &m.Body, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("%w: last: %v", ErrUnavailable, err)
	}
	return m, true, nil
}

// ListByRoom returns the room's messages ascending by creation time, with
// the insertion sequence breaking timestamp ties.
func (s *Store) ListByRoom(ctx context.Context, roomID string) ([]Message, error) {
	const query = `
		SELECT id, seq, room_id, sender_id, body, created_at
		FROM chat_messages
		WHERE room_id = $1
		ORDER BY created_at ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Seq, &m.RoomID, &m.SenderID, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrUnavailable, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", ErrUnavailable, err)
	}
	return msgs, nil
}
