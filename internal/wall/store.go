// Package wall provides PostgreSQL-backed storage for the public wall
// message board. Posting to a wall requires owning the page or being the
// owner's friend; that check lives in the API layer next to the other
// authorization rules.
package wall

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxPostChars is the maximum wall post length in characters.
const MaxPostChars = 140

var (
	// ErrEmptyPost is returned when the post text is empty after trimming.
	ErrEmptyPost = errors.New("wall: post text is empty")

	// ErrPostTooLong is returned when the post exceeds MaxPostChars.
	ErrPostTooLong = errors.New("wall: post text too long")
)

// Post is a single wall message.
type Post struct {
	ID          string
	AuthorID    string
	PageOwnerID string
	Body        string
	CreatedAt   time.Time
}

// Store manages wall posts in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a wall store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create validates and inserts a wall post.
func (s *Store) Create(ctx context.Context, authorID, pageOwnerID, body string) (Post, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return Post{}, ErrEmptyPost
	}
	if len([]rune(trimmed)) > MaxPostChars {
		return Post{}, ErrPostTooLong
	}

	p := Post{
		ID:          uuid.New().String(),
		AuthorID:    authorID,
		PageOwnerID: pageOwnerID,
		Body:        trimmed,
		CreatedAt:   time.Now(),
	}

	const query = `
		INSERT INTO wall_messages (id, author_id, page_owner_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query, p.ID, p.AuthorID, p.PageOwnerID, p.Body, p.CreatedAt)
	if err != nil {
		return Post{}, fmt.Errorf("wall: insert: %w", err)
	}
	return p, nil
}

// ListByOwner returns a page's posts, newest first.
func (s *Store) ListByOwner(ctx context.Context, pageOwnerID string) ([]Post, error) {
	const query = `
		SELECT id, author_id, page_owner_id, body, created_at
		FROM wall_messages
		WHERE page_owner_id = $1
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, pageOwnerID)
	if err != nil {
		return nil, fmt.Errorf("wall: list: %w", err)
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		var p Post
		if err := rows.Scan(&p.ID, &p.AuthorID, &p.PageOwnerID, &p.Body, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("wall: list scan: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}
