// Package room owns the two-party chat room abstraction: lookup-or-create
// keyed by the participant pair, listing, and the membership checks that
// gate access to a room's history. Room ids are only ever issued to
// participants; the realtime layer trusts ids obtained here.
package room

import (
	"errors"
	"time"
)

var (
	// ErrSelfChat is returned when a user requests a room with themselves.
	ErrSelfChat = errors.New("room: cannot chat with yourself")

	// ErrForbidden is returned when the caller lacks the trust
	// relationship or room membership required.
	ErrForbidden = errors.New("room: forbidden")

	// ErrNotFound is returned when the referenced room does not exist.
	ErrNotFound = errors.New("room: not found")

	// ErrConflict is returned by Store.Create when a room already exists
	// for the pair. GetOrCreate converges on the existing room.
	ErrConflict = errors.New("room: already exists")
)

// Room is a chat context shared by exactly two users. UserA and UserB are
// stored in canonical order (UserA < UserB) so that the pair itself is the
// uniqueness key.
type Room struct {
	ID        string
	UserA     string
	UserB     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasParticipant reports whether the given user belongs to the room.
func (r Room) HasParticipant(userID string) bool {
	return userID == r.UserA || userID == r.UserB
}

// Peer returns the other participant's id, or "" if userID is not a
// participant.
func (r Room) Peer(userID string) string {
	switch userID {
	case r.UserA:
		return r.UserB
	case r.UserB:
		return r.UserA
	}
	return ""
}

// PairKey canonicalizes an unordered user pair: the lexicographically
// smaller id first. Every store operation on a pair goes through this so
// that (a,b) and (b,a) name the same room.
func PairKey(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
