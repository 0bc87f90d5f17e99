// Package user provides PostgreSQL-backed storage for user accounts.
package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when no user matches the lookup.
	ErrNotFound = errors.New("user: not found")

	// ErrUsernameTaken is returned when the username is already registered.
	ErrUsernameTaken = errors.New("user: username taken")
)

// User is a registered account. PasswordHash never leaves this package's
// callers except for credential verification.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Store manages user accounts in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a user store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new user and returns it with a generated id.
func (s *Store) Create(ctx context.Context, username, passwordHash string) (User, error) {
	u := User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}

	const query = `
		INSERT INTO users (id, username, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`

	_, err := s.db.ExecContext(ctx, query, u.ID, u.Username, u.PasswordHash, u.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return User{}, ErrUsernameTaken
		}
		return User{}, fmt.Errorf("user: insert: %w", err)
	}
	return u, nil
}

// GetByID returns the user with the given id.
func (s *Store) GetByID(ctx context.Context, id string) (User, error) {
	const query = `
		SELECT id, username, password_hash, created_at
		FROM users WHERE id = $1`
	return s.scanOne(s.db.QueryRowContext(ctx, query, id))
}

// GetByUsername returns the user with the given username.
func (s *Store) GetByUsername(ctx context.Context, username string) (User, error) {
	const query = `
		SELECT id, username, password_hash, created_at
		FROM users WHERE username = $1`
	return s.scanOne(s.db.QueryRowContext(ctx, query, username))
}

// Search returns up to limit users whose username starts with the given
// prefix, excluding the caller.
func (s *Store) Search(ctx context.Context, prefix, excludeID string, limit int) ([]User, error) {
	const query = `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE username ILIKE $1 || '%' AND id <> $2
		ORDER BY username
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, prefix, excludeID, limit)
	if err != nil {
		return nil, fmt.Errorf("user: search: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("user: search scan: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) scanOne(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("user: scan: %w", err)
	}
	return u, nil
}
