package room

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store is the persistence contract the Manager depends on.
type Store interface {
	// Get returns the room with the given id, or ErrNotFound.
	Get(ctx context.Context, roomID string) (Room, error)

	// FindByParticipants returns the room for the unordered pair, or
	// ErrNotFound.
	FindByParticipants(ctx context.Context, a, b string) (Room, error)

	// Create inserts a room for the pair. Returns ErrConflict if one
	// already exists; callers treat that as "fetch existing".
	Create(ctx context.Context, a, b string) (Room, error)

	// ListForUser returns the user's rooms, most recently active first.
	ListForUser(ctx context.Context, userID string) ([]Room, error)
}

// PostgresStore implements Store over PostgreSQL. The chat_rooms table
// carries a unique index over the canonicalized pair, which is what makes
// concurrent creation converge.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a room store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, roomID string) (Room, error) {
	const query = `
		SELECT id, user_a, user_b, created_at, updated_at
		FROM chat_rooms WHERE id = $1`
	return scanRoom(s.db.QueryRowContext(ctx, query, roomID))
}

func (s *PostgresStore) FindByParticipants(ctx context.Context, a, b string) (Room, error) {
	userA, userB := PairKey(a, b)
	const query = `
		SELECT id, user_a, user_b, created_at, updated_at
		FROM chat_rooms WHERE user_a = $1 AND user_b = $2`
	return scanRoom(s.db.QueryRowContext(ctx, query, userA, userB))
}

func (s *PostgresStore) Create(ctx context.Context, a, b string) (Room, error) {
	userA, userB := PairKey(a, b)
	r := Room{
		ID:        uuid.New().String(),
		UserA:     userA,
		UserB:     userB,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	const query = `
		INSERT INTO chat_rooms (id, user_a, user_b, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query, r.ID, r.UserA, r.UserB, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return Room{}, ErrConflict
		}
		return Room{}, fmt.Errorf("room: insert: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListForUser(ctx context.Context, userID string) ([]Room, error) {
	const query = `
		SELECT id, user_a, user_b, created_at, updated_at
		FROM chat_rooms
		WHERE user_a = $1 OR user_b = $1
		ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("room: list: %w", err)
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.UserA, &r.UserB, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("room: list scan: %w", err)
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

func scanRoom(row *sql.Row) (Room, error) {
	var r Room
	err := row.Scan(&r.ID, &r.UserA, &r.UserB, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("room: scan: %w", err)
	}
	return r, nil
}
