// Package chat provides the durable chat message log and its in-memory
// recent-message cache. Messages are immutable once written; there is no
// edit or delete path.
package chat

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxBodyChars is the maximum message length in characters.
const MaxBodyChars = 1000

var (
	// ErrEmptyBody is returned when the message body is empty after
	// trimming whitespace.
	ErrEmptyBody = errors.New("chat: message body is empty")

	// ErrBodyTooLong is returned when the body exceeds MaxBodyChars.
	ErrBodyTooLong = errors.New("chat: message body too long")

	// ErrInvalidUTF8 is returned when the body is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("chat: message body is not valid UTF-8")

	// ErrUnavailable wraps storage backend failures. Callers on the live
	// path tolerate it; everyone else surfaces it.
	ErrUnavailable = errors.New("chat: message store unavailable")
)

// Message is a single persisted chat message. Seq is the insertion-order
// sequence assigned by the store; it breaks ordering ties between messages
// sharing a timestamp. A message that failed to persist has Seq zero.
type Message struct {
	ID        string
	Seq       int64
	RoomID    string
	SenderID  string
	Body      string
	CreatedAt time.Time
}

// ValidateBody trims the body and checks the content requirements. It
// returns the trimmed body on success.
func ValidateBody(body string) (string, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return "", ErrEmptyBody
	}
	if !utf8.ValidString(trimmed) {
		return "", ErrInvalidUTF8
	}
	if utf8.RuneCountInString(trimmed) > MaxBodyChars {
		return "", ErrBodyTooLong
	}
	return trimmed, nil
}
