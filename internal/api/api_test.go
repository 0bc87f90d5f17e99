package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/palaver/social-app/internal/auth"
	"github.com/palaver/social-app/internal/chat"
	"github.com/palaver/social-app/internal/friend"
	"github.com/palaver/social-app/internal/messaging"
	"github.com/palaver/social-app/internal/room"
	"github.com/palaver/social-app/internal/user"
	"github.com/palaver/social-app/internal/wall"
)

type fakeUsers struct {
	byID map[string]user.User
}

func newFakeUsers(users ...user.User) *fakeUsers {
	f := &fakeUsers{byID: make(map[string]user.User)}
	for _, u := range users {
		f.byID[u.ID] = u
	}
	return f
}

func (f *fakeUsers) Create(_ context.Context, username, hash string) (user.User, error) {
	for _, u := range f.byID {
		if u.Username == username {
			return user.User{}, user.ErrUsernameTaken
		}
	}
	u := user.User{ID: fmt.Sprintf("u%d", len(f.byID)+1), Username: username, PasswordHash: hash}
	f.byID[u.ID] = u
	return u, nil
}

func (f *fakeUsers) GetByID(_ context.Context, id string) (user.User, error) {
	u, ok := f.byID[id]
	if !ok {
		return user.User{}, user.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) GetByUsername(_ context.Context, username string) (user.User, error) {
	for _, u := range f.byID {
		if u.Username == username {
			return u, nil
		}
	}
	return user.User{}, user.ErrNotFound
}

func (f *fakeUsers) Search(_ context.Context, prefix, excludeID string, limit int) ([]user.User, error) {
	var out []user.User
	for _, u := range f.byID {
		if u.ID == excludeID || len(out) >= limit {
			continue
		}
		if len(u.Username) >= len(prefix) && u.Username[:len(prefix)] == prefix {
			out = append(out, u)
		}
	}
	return out, nil
}

type fakeFriends struct {
	accepted map[string]bool // key "a|b" canonical
	pending  map[string]friend.Request
}

func newFakeFriends() *fakeFriends {
	return &fakeFriends{accepted: make(map[string]bool), pending: make(map[string]friend.Request)}
}

func pairKey(a, b string) string {
	x, y := room.PairKey(a, b)
	return x + "|" + y
}

func (f *fakeFriends) befriend(a, b string) { f.accepted[pairKey(a, b)] = true }

func (f *fakeFriends) AreFriends(_ context.Context, a, b string) (bool, error) {
	return f.accepted[pairKey(a, b)], nil
}

func (f *fakeFriends) Create(_ context.Context, requester, recipient string) (friend.Request, error) {
	if requester == recipient {
		return friend.Request{}, friend.ErrSelfRequest
	}
	if f.accepted[pairKey(requester, recipient)] {
		return friend.Request{}, friend.ErrDuplicate
	}
	req := friend.Request{
		ID:        fmt.Sprintf("fr%d", len(f.pending)+1),
		Requester: requester,
		Recipient: recipient,
		Status:    friend.StatusPending,
		CreatedAt: time.Now(),
	}
	f.pending[req.ID] = req
	return req, nil
}

func (f *fakeFriends) Respond(_ context.Context, requestID, callerID, status string) (friend.Request, error) {
	req, ok := f.pending[requestID]
	if !ok {
		return friend.Request{}, friend.ErrNotFound
	}
	if req.Recipient != callerID {
		return friend.Request{}, friend.ErrNotRecipient
	}
	if req.Status != friend.StatusPending {
		return friend.Request{}, friend.ErrNotPending
	}
	req.Status = status
	f.pending[requestID] = req
	if status == friend.StatusAccepted {
		f.befriend(req.Requester, req.Recipient)
	}
	return req, nil
}

func (f *fakeFriends) ListFriends(_ context.Context, userID string) ([]string, error) {
	var out []string
	for key := range f.accepted {
		for i := 0; i < len(key); i++ {
			if key[i] == '|' {
				a, b := key[:i], key[i+1:]
				if a == userID {
					out = append(out, b)
				} else if b == userID {
					out = append(out, a)
				}
				break
			}
		}
	}
	return out, nil
}

func (f *fakeFriends) ListPending(_ context.Context, userID string) ([]friend.Request, error) {
	var out []friend.Request
	for _, req := range f.pending {
		if req.Recipient == userID && req.Status == friend.StatusPending {
			out = append(out, req)
		}
	}
	return out, nil
}

type fakeWalls struct {
	posts []wall.Post
}

func (f *fakeWalls) Create(_ context.Context, authorID, ownerID, body string) (wall.Post, error) {
	if body == "" {
		return wall.Post{}, wall.ErrEmptyPost
	}
	p := wall.Post{
		ID:          fmt.Sprintf("p%d", len(f.posts)+1),
		AuthorID:    authorID,
		PageOwnerID: ownerID,
		Body:        body,
		CreatedAt:   time.Now(),
	}
	f.posts = append(f.posts, p)
	return p, nil
}

func (f *fakeWalls) ListByOwner(_ context.Context, ownerID string) ([]wall.Post, error) {
	var out []wall.Post
	for _, p := range f.posts {
		if p.PageOwnerID == ownerID {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeRooms struct {
	trust   *fakeFriends
	rooms   map[string]room.Room
	history map[string][]chat.Message
}

func newFakeRooms(trust *fakeFriends) *fakeRooms {
	return &fakeRooms{trust: trust, rooms: make(map[string]room.Room), history: make(map[string][]chat.Message)}
}

func (f *fakeRooms) GetOrCreate(ctx context.Context, callerID, peerID string) (room.Room, error) {
	if callerID == peerID {
		return room.Room{}, room.ErrSelfChat
	}
	trusted, _ := f.trust.AreFriends(ctx, callerID, peerID)
	if !trusted {
		return room.Room{}, room.ErrForbidden
	}
	key := pairKey(callerID, peerID)
	if r, ok := f.rooms[key]; ok {
		return r, nil
	}
	a, b := room.PairKey(callerID, peerID)
	r := room.Room{ID: "room-" + key, UserA: a, UserB: b, UpdatedAt: time.Now()}
	f.rooms[key] = r
	return r, nil
}

func (f *fakeRooms) ListForUser(_ context.Context, userID string) ([]room.Room, error) {
	var out []room.Room
	for _, r := range f.rooms {
		if r.HasParticipant(userID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRooms) Messages(_ context.Context, roomID, callerID string) ([]chat.Message, error) {
	for _, r := range f.rooms {
		if r.ID == roomID {
			if !r.HasParticipant(callerID) {
				return nil, room.ErrForbidden
			}
			return f.history[roomID], nil
		}
	}
	return nil, room.ErrNotFound
}

type fakeNotifier struct {
	sent []struct {
		UserID string
		Note   messaging.Notification
	}
}

func (f *fakeNotifier) PublishNotification(userID string, n messaging.Notification) error {
	f.sent = append(f.sent, struct {
		UserID string
		Note   messaging.Notification
	}{userID, n})
	return nil
}

type testEnv struct {
	server   *Server
	tokens   *auth.TokenManager
	users    *fakeUsers
	friends  *fakeFriends
	walls    *fakeWalls
	rooms    *fakeRooms
	notifier *fakeNotifier
	handler  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	users := newFakeUsers(
		user.User{ID: "u1", Username: "alice"},
		user.User{ID: "u2", Username: "bob"},
		user.User{ID: "u3", Username: "carol"},
	)
	friends := newFakeFriends()
	walls := &fakeWalls{}
	rooms := newFakeRooms(friends)
	notifier := &fakeNotifier{}
	tokens := auth.NewTokenManager("test-secret", time.Hour)

	server := NewServer(":0", Deps{
		Tokens:  tokens,
		Users:   users,
		Friends: friends,
		Walls:   walls,
		Rooms:   rooms,
		Notify:  notifier,
	})

	return &testEnv{
		server:   server,
		tokens:   tokens,
		users:    users,
		friends:  friends,
		walls:    walls,
		rooms:    rooms,
		notifier: notifier,
		handler:  server.Handler(),
	}
}

func (e *testEnv) request(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) tokenFor(t *testing.T, userID, username string) string {
	t.Helper()
	token, err := e.tokens.Issue(userID, username)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, "POST", "/api/auth/register", "", map[string]string{
		"username": "dave1234",
		"password": "correcthorse",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}

	var created authResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	if created.Token == "" {
		t.Error("register should return a token")
	}

	rec = env.request(t, "POST", "/api/auth/login", "", map[string]string{
		"username": "dave1234",
		"password": "correcthorse",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = env.request(t, "POST", "/api/auth/login", "", map[string]string{
		"username": "dave1234",
		"password": "wrongpassword",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d, want 401", rec.Code)
	}

	rec = env.request(t, "POST", "/api/auth/login", "", map[string]string{
		"username": "nobody",
		"password": "whatever",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unknown user status = %d, want 401", rec.Code)
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		body map[string]string
	}{
		{"short username", map[string]string{"username": "ab", "password": "longenough"}},
		{"short password", map[string]string{"username": "validname", "password": "short"}},
		{"missing fields", map[string]string{}},
	}
	for _, tc := range cases {
		rec := env.request(t, "POST", "/api/auth/register", "", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, rec.Code)
		}
	}
}

func TestValidationErrorsNameJSONFields(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, "POST", "/api/auth/register", "", map[string]string{
		"username": "ab",
		"password": "short",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "username") || !strings.Contains(body, "password") {
		t.Errorf("error should name the offending fields, got %s", body)
	}
	// The validator's internal error format describes Go struct fields and
	// must never leak into a response.
	for _, leak := range []string{"Key:", "Error:Field validation", "registerBody"} {
		if strings.Contains(body, leak) {
			t.Errorf("response leaks validator internals (%q): %s", leak, body)
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, "GET", "/api/friends", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", rec.Code)
	}

	rec = env.request(t, "GET", "/api/friends", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token status = %d, want 401", rec.Code)
	}

	rec = env.request(t, "GET", "/api/friends", env.tokenFor(t, "u1", "alice"), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token status = %d, want 200", rec.Code)
	}
}

func TestFriendRequestLifecycle(t *testing.T) {
	env := newTestEnv(t)
	alice := env.tokenFor(t, "u1", "alice")
	bob := env.tokenFor(t, "u2", "bob")

	rec := env.request(t, "POST", "/api/friends/requests", alice, map[string]string{"userId": "u2"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create request status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created friendRequestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(env.notifier.sent) != 1 || env.notifier.sent[0].UserID != "u2" {
		t.Errorf("expected friend request notification to u2, got %+v", env.notifier.sent)
	}
	if env.notifier.sent[0].Note.Kind != messaging.KindFriendRequest {
		t.Errorf("notification kind = %q", env.notifier.sent[0].Note.Kind)
	}

	// Only the recipient may accept.
	rec = env.request(t, "POST", "/api/friends/requests/"+created.ID+"/accept", alice, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("requester accept status = %d, want 403", rec.Code)
	}

	rec = env.request(t, "POST", "/api/friends/requests/"+created.ID+"/accept", bob, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept status = %d, body %s", rec.Code, rec.Body.String())
	}

	if len(env.notifier.sent) != 2 || env.notifier.sent[1].Note.Kind != messaging.KindFriendAccepted {
		t.Errorf("expected accept notification, got %+v", env.notifier.sent)
	}

	// A settled request cannot be responded to again.
	rec = env.request(t, "POST", "/api/friends/requests/"+created.ID+"/reject", bob, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("double respond status = %d, want 409", rec.Code)
	}

	rec = env.request(t, "GET", "/api/friends", alice, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list friends status = %d", rec.Code)
	}
	var friendsResp struct {
		Friends []userResponse `json:"friends"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &friendsResp); err != nil {
		t.Fatalf("decode friends: %v", err)
	}
	if len(friendsResp.Friends) != 1 || friendsResp.Friends[0].ID != "u2" {
		t.Errorf("alice's friends = %+v, want [u2]", friendsResp.Friends)
	}
}

func TestFriendRequestUnknownRecipient(t *testing.T) {
	env := newTestEnv(t)
	alice := env.tokenFor(t, "u1", "alice")

	rec := env.request(t, "POST", "/api/friends/requests", alice,
		map[string]string{"userId": "11111111-1111-4111-8111-111111111111"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown recipient status = %d, want 404", rec.Code)
	}
}

func TestWallAuthorization(t *testing.T) {
	env := newTestEnv(t)
	alice := env.tokenFor(t, "u1", "alice")

	// Own page always works.
	rec := env.request(t, "POST", "/api/wall/u1", alice, map[string]string{"text": "hello world"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("own wall status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Non-friend page is forbidden.
	rec = env.request(t, "POST", "/api/wall/u2", alice, map[string]string{"text": "hi bob"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("stranger wall status = %d, want 403", rec.Code)
	}

	// Friend page works and notifies the owner.
	env.friends.befriend("u1", "u2")
	rec = env.request(t, "POST", "/api/wall/u2", alice, map[string]string{"text": "hi bob"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("friend wall status = %d, body %s", rec.Code, rec.Body.String())
	}
	last := env.notifier.sent[len(env.notifier.sent)-1]
	if last.UserID != "u2" || last.Note.Kind != messaging.KindWallPost {
		t.Errorf("expected wall post notification to u2, got %+v", last)
	}

	// Posting on your own page must not notify anyone.
	for _, sent := range env.notifier.sent {
		if sent.UserID == "u1" {
			t.Errorf("unexpected notification to the author: %+v", sent)
		}
	}

	// Over-length post is rejected before touching storage.
	long := make([]byte, 141)
	for i := range long {
		long[i] = 'x'
	}
	rec = env.request(t, "POST", "/api/wall/u1", alice, map[string]string{"text": string(long)})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("long post status = %d, want 400", rec.Code)
	}
}

func TestRoomEndpoints(t *testing.T) {
	env := newTestEnv(t)
	alice := env.tokenFor(t, "u1", "alice")
	env.friends.befriend("u1", "u2")

	// Self chat is a bad request.
	rec := env.request(t, "GET", "/api/chat/room/u1", alice, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("self chat status = %d, want 400", rec.Code)
	}

	// Non-friend peer is forbidden.
	rec = env.request(t, "GET", "/api/chat/room/u3", alice, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("stranger room status = %d, want 403", rec.Code)
	}

	// Friend peer resolves to a room, idempotently.
	rec = env.request(t, "GET", "/api/chat/room/u2", alice, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("friend room status = %d, body %s", rec.Code, rec.Body.String())
	}
	var first roomResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode room: %v", err)
	}
	if first.PeerID != "u2" || first.PeerName != "bob" {
		t.Errorf("room peer = %s/%s, want u2/bob", first.PeerID, first.PeerName)
	}

	rec = env.request(t, "GET", "/api/chat/room/u2", alice, nil)
	var second roomResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode room: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("repeated lookup returned different rooms: %s vs %s", first.ID, second.ID)
	}

	// History is participant-only.
	env.rooms.history[first.ID] = []chat.Message{
		{ID: "m1", RoomID: first.ID, SenderID: "u1", Body: "hello", CreatedAt: time.Now()},
	}

	rec = env.request(t, "GET", "/api/chat/rooms/"+first.ID+"/messages", alice, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	var hist struct {
		Messages []messageResponse `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist.Messages) != 1 || hist.Messages[0].Message != "hello" {
		t.Errorf("history = %+v", hist.Messages)
	}

	carol := env.tokenFor(t, "u3", "carol")
	rec = env.request(t, "GET", "/api/chat/rooms/"+first.ID+"/messages", carol, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("outsider history status = %d, want 403", rec.Code)
	}

	rec = env.request(t, "GET", "/api/chat/rooms/nonexistent/messages", alice, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown room history status = %d, want 404", rec.Code)
	}
}
