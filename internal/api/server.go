// Package api implements the HTTP surface of the application: account
// registration and login, user search, the friend request lifecycle, wall
// posting, and chat room management. Realtime traffic is not served here;
// it lives on the websocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/palaver/social-app/internal/auth"
	"github.com/palaver/social-app/internal/chat"
	"github.com/palaver/social-app/internal/friend"
	"github.com/palaver/social-app/internal/messaging"
	"github.com/palaver/social-app/internal/metrics"
	"github.com/palaver/social-app/internal/room"
	"github.com/palaver/social-app/internal/user"
	"github.com/palaver/social-app/internal/wall"
)

// UserStore is the account storage the API depends on.
type UserStore interface {
	Create(ctx context.Context, username, passwordHash string) (user.User, error)
	GetByID(ctx context.Context, id string) (user.User, error)
	GetByUsername(ctx context.Context, username string) (user.User, error)
	Search(ctx context.Context, prefix, excludeID string, limit int) ([]user.User, error)
}

// FriendStore is the relationship storage the API depends on.
type FriendStore interface {
	AreFriends(ctx context.Context, a, b string) (bool, error)
	Create(ctx context.Context, requester, recipient string) (friend.Request, error)
	Respond(ctx context.Context, requestID, callerID, status string) (friend.Request, error)
	ListFriends(ctx context.Context, userID string) ([]string, error)
	ListPending(ctx context.Context, userID string) ([]friend.Request, error)
}

// WallStore is the wall post storage the API depends on.
type WallStore interface {
	Create(ctx context.Context, authorID, pageOwnerID, body string) (wall.Post, error)
	ListByOwner(ctx context.Context, pageOwnerID string) ([]wall.Post, error)
}

// RoomService resolves and lists chat rooms.
type RoomService interface {
	GetOrCreate(ctx context.Context, callerID, peerID string) (room.Room, error)
	ListForUser(ctx context.Context, userID string) ([]room.Room, error)
	Messages(ctx context.Context, roomID, callerID string) ([]chat.Message, error)
}

// MessageReader reads the message log for room list previews.
type MessageReader interface {
	LastByRoom(ctx context.Context, roomID string) (chat.Message, bool, error)
}

// Notifier pushes notifications toward live connections. May be nil when
// the bus is unavailable; notification delivery is best effort.
type Notifier interface {
	PublishNotification(userID string, n messaging.Notification) error
}

// PresenceReader reports which users currently hold a live connection.
type PresenceReader interface {
	Online(ctx context.Context, userIDs []string) (map[string]bool, error)
}

// Server is the HTTP API server.
type Server struct {
	addr     string
	tokens   *auth.TokenManager
	users    UserStore
	friends  FriendStore
	walls    WallStore
	rooms    RoomService
	messages MessageReader
	notify   Notifier
	presence PresenceReader
	validate *validator.Validate

	httpServer *http.Server
}

// Deps bundles the collaborators a Server needs.
type Deps struct {
	Tokens   *auth.TokenManager
	Users    UserStore
	Friends  FriendStore
	Walls    WallStore
	Rooms    RoomService
	Messages MessageReader
	Notify   Notifier
	Presence PresenceReader
}

// NewServer creates an API server listening on addr.
func NewServer(addr string, deps Deps) *Server {
	validate := validator.New()
	// Report validation failures by JSON field name, not Go struct field.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Server{
		addr:     addr,
		tokens:   deps.Tokens,
		users:    deps.Users,
		friends:  deps.Friends,
		walls:    deps.Walls,
		rooms:    deps.Rooms,
		messages: deps.Messages,
		notify:   deps.Notify,
		presence: deps.Presence,
		validate: validate,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	mux.HandleFunc("GET /api/users/search", s.requireAuth(s.handleUserSearch))

	mux.HandleFunc("GET /api/friends", s.requireAuth(s.handleFriendList))
	mux.HandleFunc("GET /api/friends/requests", s.requireAuth(s.handleFriendPending))
	mux.HandleFunc("POST /api/friends/requests", s.requireAuth(s.handleFriendRequest))
	mux.HandleFunc("POST /api/friends/requests/{id}/accept", s.requireAuth(s.handleFriendAccept))
	mux.HandleFunc("POST /api/friends/requests/{id}/reject", s.requireAuth(s.handleFriendReject))

	mux.HandleFunc("GET /api/wall/{userId}", s.requireAuth(s.handleWallList))
	mux.HandleFunc("POST /api/wall/{userId}", s.requireAuth(s.handleWallPost))

	mux.HandleFunc("GET /api/chat/room/{userId}", s.requireAuth(s.handleRoomGetOrCreate))
	mux.HandleFunc("GET /api/chat/rooms", s.requireAuth(s.handleRoomList))
	mux.HandleFunc("GET /api/chat/rooms/{roomId}/messages", s.requireAuth(s.handleRoomMessages))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

// Start runs the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	log.Printf("api: listening on %s", s.addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type contextKey string

const identityKey contextKey = "identity"

// requireAuth wraps a handler with bearer token verification and stashes
// the caller identity in the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		identity, err := s.tokens.Verify(header[len(prefix):])
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next(w, r.WithContext(ctx))
	}
}

// caller returns the verified identity stored by requireAuth.
func caller(r *http.Request) auth.Identity {
	identity, _ := r.Context().Value(identityKey).(auth.Identity)
	return identity
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decode reads and validates a JSON request body. Validation failures are
// translated into client-facing messages naming the offending JSON fields;
// the validator's own error text describes Go struct internals and never
// reaches a response.
func (s *Server) decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("malformed JSON body")
	}
	if err := s.validate.Struct(v); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fe.Field())
			}
			return fmt.Errorf("invalid field value: %s", strings.Join(fields, ", "))
		}
		return errors.New("invalid request body")
	}
	return nil
}

// writeDomainError maps domain errors onto HTTP status codes. Unknown
// errors become a 500 with a generic body; the detail goes to the log.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, user.ErrNotFound),
		errors.Is(err, friend.ErrNotFound),
		errors.Is(err, room.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, user.ErrUsernameTaken):
		writeError(w, http.StatusConflict, "username taken")
	case errors.Is(err, friend.ErrDuplicate):
		writeError(w, http.StatusConflict, "relationship already exists")
	case errors.Is(err, friend.ErrSelfRequest),
		errors.Is(err, room.ErrSelfChat),
		errors.Is(err, wall.ErrEmptyPost),
		errors.Is(err, wall.ErrPostTooLong):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, friend.ErrNotRecipient),
		errors.Is(err, room.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, friend.ErrNotPending):
		writeError(w, http.StatusConflict, "request already settled")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, chat.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		log.Printf("api: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
