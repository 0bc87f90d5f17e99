// Package friend manages the trust relationship between users: friend
// requests, their accept/reject lifecycle, and the AreFriends check that
// gates wall posting and chat room creation.
package friend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Request lifecycle states.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

var (
	// ErrNotFound is returned when the referenced request does not exist.
	ErrNotFound = errors.New("friend: request not found")

	// ErrSelfRequest is returned when a user targets themselves.
	ErrSelfRequest = errors.New("friend: cannot befriend yourself")

	// ErrDuplicate is returned when a request or relationship already
	// exists between the pair, in either direction.
	ErrDuplicate = errors.New("friend: relationship already exists")

	// ErrNotRecipient is returned when someone other than the request's
	// recipient tries to accept or reject it.
	ErrNotRecipient = errors.New("friend: only the recipient may respond")

	// ErrNotPending is returned when responding to an already-settled
	// request.
	ErrNotPending = errors.New("friend: request is not pending")
)

// Request is a friend request row.
type Request struct {
	ID        string
	Requester string
	Recipient string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store manages friend relationships in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a friend store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// AreFriends reports whether an accepted relationship exists between the two
// users, in either direction. This is the trust check every other component
// consumes.
func (s *Store) AreFriends(ctx context.Context, a, b string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM friends
			WHERE status = 'accepted'
			  AND LEAST(requester, recipient) = LEAST($1::uuid, $2::uuid)
			  AND GREATEST(requester, recipient) = GREATEST($1::uuid, $2::uuid)
		)`

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, a, b).Scan(&exists); err != nil {
		return false, fmt.Errorf("friend: trust check: %w", err)
	}
	return exists, nil
}

// Create inserts a pending friend request. The pair uniqueness index rejects
// a second request between the same two users regardless of direction.
func (s *Store) Create(ctx context.Context, requester, recipient string) (Request, error) {
	if requester == recipient {
		return Request{}, ErrSelfRequest
	}

	req := Request{
		ID:        uuid.New().String(),
		Requester: requester,
		Recipient: recipient,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	const query = `
		INSERT INTO friends (id, requester, recipient, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		req.ID, req.Requester, req.Recipient, req.Status, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return Request{}, ErrDuplicate
		}
		return Request{}, fmt.Errorf("friend: insert: %w", err)
	}
	return req, nil
}

// Respond settles a pending request. Only the recipient may respond, and
// only while the request is still pending.
func (s *Store) Respond(ctx context.Context, requestID, callerID, status string) (Request, error) {
	if status != StatusAccepted && status != StatusRejected {
		return Request{}, fmt.Errorf("friend: invalid status %q", status)
	}

	req, err := s.get(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.Recipient != callerID {
		return Request{}, ErrNotRecipient
	}
	if req.Status != StatusPending {
		return Request{}, ErrNotPending
	}

	const query = `
		UPDATE friends SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'pending'`

	result, err := s.db.ExecContext(ctx, query, status, requestID)
	if err != nil {
		return Request{}, fmt.Errorf("friend: respond: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Lost a race with a concurrent response.
		return Request{}, ErrNotPending
	}

	req.Status = status
	req.UpdatedAt = time.Now()
	return req, nil
}

// ListFriends returns the user ids of everyone the given user has an
// accepted relationship with.
func (s *Store) ListFriends(ctx context.Context, userID string) ([]string, error) {
	const query = `
		SELECT CASE WHEN requester = $1 THEN recipient ELSE requester END
		FROM friends
		WHERE status = 'accepted' AND (requester = $1 OR recipient = $1)
		ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("friend: list: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("friend: list scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListPending returns the pending requests addressed to the given user.
func (s *Store) ListPending(ctx context.Context, userID string) ([]Request, error) {
	const query = `
		SELECT id, requester, recipient, status, created_at, updated_at
		FROM friends
		WHERE recipient = $1 AND status = 'pending'
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("friend: pending: %w", err)
	}
	defer rows.Close()

	var reqs []Request
	for rows.Next() {
		var r Request
		if err := rows.Scan(&r.ID, &r.Requester, &r.Recipient, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("friend: pending scan: %w", err)
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

func (s *Store) get(ctx context.Context, requestID string) (Request, error) {
	const query = `
		SELECT id, requester, recipient, status, created_at, updated_at
		FROM friends WHERE id = $1`

	var r Request
	err := s.db.QueryRowContext(ctx, query, requestID).
		Scan(&r.ID, &r.Requester, &r.Recipient, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, fmt.Errorf("friend: get: %w", err)
	}
	return r, nil
}
