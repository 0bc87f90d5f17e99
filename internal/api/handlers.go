package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/palaver/social-app/internal/auth"
	"github.com/palaver/social-app/internal/friend"
	"github.com/palaver/social-app/internal/messaging"
	"github.com/palaver/social-app/internal/room"
	"github.com/palaver/social-app/internal/user"
)

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Online   bool   `json:"online,omitempty"`
}

type authResponse struct {
	User  userResponse `json:"user"`
	Token string       `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	u, err := s.users.Create(r.Context(), req.Username, hash)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	token, err := s.tokens.Issue(u.ID, u.Username)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, authResponse{
		User:  userResponse{ID: u.ID, Username: u.Username},
		Token: token,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	u, err := s.users.GetByUsername(r.Context(), req.Username)
	if errors.Is(err, user.ErrNotFound) {
		auth.CompareDummy(req.Password)
		writeDomainError(w, auth.ErrInvalidCredentials)
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := auth.VerifyPassword(u.PasswordHash, req.Password); err != nil {
		writeDomainError(w, err)
		return
	}

	token, err := s.tokens.Issue(u.ID, u.Username)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		User:  userResponse{ID: u.ID, Username: u.Username},
		Token: token,
	})
}

const searchLimit = 20

func (s *Server) handleUserSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}

	users, err := s.users.Search(r.Context(), query, caller(r).UserID, searchLimit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	online := s.onlineSet(r.Context(), ids)

	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, userResponse{ID: u.ID, Username: u.Username, Online: online[u.ID]})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": out})
}

// onlineSet resolves presence for a set of user ids. Presence is decorative
// so failures degrade to everyone-offline instead of failing the request.
func (s *Server) onlineSet(ctx context.Context, ids []string) map[string]bool {
	if s.presence == nil || len(ids) == 0 {
		return map[string]bool{}
	}
	online, err := s.presence.Online(ctx, ids)
	if err != nil {
		log.Printf("api: presence lookup: %v", err)
		return map[string]bool{}
	}
	return online
}

type friendRequestBody struct {
	UserID string `json:"userId" validate:"required"`
}

type friendRequestResponse struct {
	ID        string    `json:"id"`
	Requester string    `json:"requesterId"`
	Recipient string    `json:"recipientId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

func toFriendRequestResponse(req friend.Request) friendRequestResponse {
	return friendRequestResponse{
		ID:        req.ID,
		Requester: req.Requester,
		Recipient: req.Recipient,
		Status:    req.Status,
		CreatedAt: req.CreatedAt,
	}
}

func (s *Server) handleFriendRequest(w http.ResponseWriter, r *http.Request) {
	var body friendRequestBody
	if err := s.decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The recipient must exist; a dangling request helps no one.
	if _, err := s.users.GetByID(r.Context(), body.UserID); err != nil {
		writeDomainError(w, err)
		return
	}

	req, err := s.friends.Create(r.Context(), caller(r).UserID, body.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.pushNotification(body.UserID, messaging.Notification{
		Kind:     messaging.KindFriendRequest,
		FromID:   caller(r).UserID,
		FromName: caller(r).Username,
	})

	writeJSON(w, http.StatusCreated, toFriendRequestResponse(req))
}

func (s *Server) handleFriendAccept(w http.ResponseWriter, r *http.Request) {
	s.respondToRequest(w, r, friend.StatusAccepted)
}

func (s *Server) handleFriendReject(w http.ResponseWriter, r *http.Request) {
	s.respondToRequest(w, r, friend.StatusRejected)
}

func (s *Server) respondToRequest(w http.ResponseWriter, r *http.Request, status string) {
	req, err := s.friends.Respond(r.Context(), r.PathValue("id"), caller(r).UserID, status)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if status == friend.StatusAccepted {
		s.pushNotification(req.Requester, messaging.Notification{
			Kind:     messaging.KindFriendAccepted,
			FromID:   caller(r).UserID,
			FromName: caller(r).Username,
		})
	}

	writeJSON(w, http.StatusOK, toFriendRequestResponse(req))
}

func (s *Server) handleFriendPending(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.friends.ListPending(r.Context(), caller(r).UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]friendRequestResponse, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, toFriendRequestResponse(req))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": out})
}

func (s *Server) handleFriendList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.friends.ListFriends(r.Context(), caller(r).UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	online := s.onlineSet(r.Context(), ids)

	out := make([]userResponse, 0, len(ids))
	for _, id := range ids {
		u, err := s.users.GetByID(r.Context(), id)
		if err != nil {
			// A friend row pointing at a vanished user is a data bug, not a
			// reason to fail the whole listing.
			log.Printf("api: friend %s lookup: %v", id, err)
			continue
		}
		out = append(out, userResponse{ID: u.ID, Username: u.Username, Online: online[id]})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"friends": out})
}

type wallPostBody struct {
	Text string `json:"text" validate:"required,max=140"`
}

type wallPostResponse struct {
	ID          string    `json:"id"`
	AuthorID    string    `json:"authorId"`
	AuthorName  string    `json:"authorName,omitempty"`
	PageOwnerID string    `json:"pageOwnerId"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (s *Server) handleWallPost(w http.ResponseWriter, r *http.Request) {
	ownerID := r.PathValue("userId")
	callerID := caller(r).UserID

	var body wallPostBody
	if err := s.decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.users.GetByID(r.Context(), ownerID); err != nil {
		writeDomainError(w, err)
		return
	}

	// Posting is allowed on your own page or on a friend's page.
	if callerID != ownerID {
		trusted, err := s.friends.AreFriends(r.Context(), callerID, ownerID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if !trusted {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
	}

	post, err := s.walls.Create(r.Context(), callerID, ownerID, body.Text)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if callerID != ownerID {
		s.pushNotification(ownerID, messaging.Notification{
			Kind:     messaging.KindWallPost,
			FromID:   callerID,
			FromName: caller(r).Username,
		})
	}

	writeJSON(w, http.StatusCreated, wallPostResponse{
		ID:          post.ID,
		AuthorID:    post.AuthorID,
		AuthorName:  caller(r).Username,
		PageOwnerID: post.PageOwnerID,
		Text:        post.Body,
		CreatedAt:   post.CreatedAt,
	})
}

func (s *Server) handleWallList(w http.ResponseWriter, r *http.Request) {
	ownerID := r.PathValue("userId")

	if _, err := s.users.GetByID(r.Context(), ownerID); err != nil {
		writeDomainError(w, err)
		return
	}

	posts, err := s.walls.ListByOwner(r.Context(), ownerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]wallPostResponse, 0, len(posts))
	for _, p := range posts {
		entry := wallPostResponse{
			ID:          p.ID,
			AuthorID:    p.AuthorID,
			PageOwnerID: p.PageOwnerID,
			Text:        p.Body,
			CreatedAt:   p.CreatedAt,
		}
		if u, err := s.users.GetByID(r.Context(), p.AuthorID); err == nil {
			entry.AuthorName = u.Username
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"posts": out})
}

type roomResponse struct {
	ID        string           `json:"id"`
	PeerID    string           `json:"peerId"`
	PeerName  string           `json:"peerName,omitempty"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Preview   *messageResponse `json:"preview,omitempty"`
}

type messageResponse struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	SenderID  string    `json:"senderId"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleRoomGetOrCreate(w http.ResponseWriter, r *http.Request) {
	peerID := r.PathValue("userId")
	callerID := caller(r).UserID

	if _, err := s.users.GetByID(r.Context(), peerID); err != nil {
		writeDomainError(w, err)
		return
	}

	rm, err := s.rooms.GetOrCreate(r.Context(), callerID, peerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.toRoomResponse(r.Context(), rm, callerID, false))
}

func (s *Server) handleRoomList(w http.ResponseWriter, r *http.Request) {
	callerID := caller(r).UserID

	rooms, err := s.rooms.ListForUser(r.Context(), callerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]roomResponse, 0, len(rooms))
	for _, rm := range rooms {
		out = append(out, s.toRoomResponse(r.Context(), rm, callerID, true))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rooms": out})
}

func (s *Server) toRoomResponse(ctx context.Context, rm room.Room, callerID string, withPreview bool) roomResponse {
	resp := roomResponse{
		ID:        rm.ID,
		PeerID:    rm.Peer(callerID),
		UpdatedAt: rm.UpdatedAt,
	}
	if u, err := s.users.GetByID(ctx, resp.PeerID); err == nil {
		resp.PeerName = u.Username
	}
	if withPreview && s.messages != nil {
		if last, ok, err := s.messages.LastByRoom(ctx, rm.ID); err == nil && ok {
			resp.Preview = &messageResponse{
				ID:        last.ID,
				RoomID:    last.RoomID,
				SenderID:  last.SenderID,
				Message:   last.Body,
				Timestamp: last.CreatedAt,
			}
		}
	}
	return resp
}

func (s *Server) handleRoomMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.rooms.Messages(r.Context(), r.PathValue("roomId"), caller(r).UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			ID:        m.ID,
			RoomID:    m.RoomID,
			SenderID:  m.SenderID,
			Message:   m.Body,
			Timestamp: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": out})
}

// pushNotification publishes best effort. A down bus costs the toast, not
// the operation.
func (s *Server) pushNotification(userID string, n messaging.Notification) {
	if s.notify == nil {
		return
	}
	if err := s.notify.PublishNotification(userID, n); err != nil {
		log.Printf("api: publish notification to %s: %v", userID, err)
	}
}
