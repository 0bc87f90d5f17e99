package room

import (
	"context"
	"errors"
	"fmt"

	"github.com/palaver/social-app/internal/chat"
)

// TrustChecker answers whether two users are mutually trusted (friends).
type TrustChecker interface {
	AreFriends(ctx context.Context, a, b string) (bool, error)
}

// MessageLister reads a room's persisted history.
type MessageLister interface {
	ListByRoom(ctx context.Context, roomID string) ([]chat.Message, error)
}

// Manager enforces the room access rules: rooms exist only between friends,
// room identity is derived from the participant pair, and history is
// readable only by participants.
type Manager struct {
	store    Store
	trust    TrustChecker
	messages MessageLister
}

// NewManager creates a Manager over the given collaborators.
func NewManager(store Store, trust TrustChecker, messages MessageLister) *Manager {
	return &Manager{store: store, trust: trust, messages: messages}
}

// GetOrCreate returns the room shared by the caller and peer, creating it
// on first contact. It fails with ErrSelfChat when the caller targets
// themselves and ErrForbidden when the two users are not friends.
// Concurrent first contacts converge on a single room: a Create that loses
// the uniqueness race falls back to fetching the winner's row.
func (m *Manager) GetOrCreate(ctx context.Context, callerID, peerID string) (Room, error) {
	if callerID == peerID {
		return Room{}, ErrSelfChat
	}

	trusted, err := m.trust.AreFriends(ctx, callerID, peerID)
	if err != nil {
		return Room{}, fmt.Errorf("room: trust check: %w", err)
	}
	if !trusted {
		return Room{}, ErrForbidden
	}

	r, err := m.store.FindByParticipants(ctx, callerID, peerID)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Room{}, err
	}

	r, err = m.store.Create(ctx, callerID, peerID)
	if errors.Is(err, ErrConflict) {
		return m.store.FindByParticipants(ctx, callerID, peerID)
	}
	return r, err
}

// ListForUser returns the caller's rooms, most recently active first.
func (m *Manager) ListForUser(ctx context.Context, userID string) ([]Room, error) {
	return m.store.ListForUser(ctx, userID)
}

// Messages returns the room's history ascending by creation time. It fails
// with ErrNotFound for an unknown room and ErrForbidden when the caller is
// not a participant.
func (m *Manager) Messages(ctx context.Context, roomID, callerID string) ([]chat.Message, error) {
	r, err := m.store.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !r.HasParticipant(callerID) {
		return nil, ErrForbidden
	}
	return m.messages.ListByRoom(ctx, roomID)
}
