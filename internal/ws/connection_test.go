package ws

import (
	"net"
	"testing"
	"time"
)

func newTestConnection(id, userID string) *Connection {
	server, client := net.Pipe()
	// Drain the client side so writes to the server side never block.
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()

	c := &Connection{
		id:        id,
		userID:    userID,
		username:  userID,
		conn:      server,
		createdAt: time.Now(),
	}
	c.touch()
	return c
}

func TestSendHonorsWriteDeadline(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	// No reader on the client side: the write must fail via the deadline
	// instead of blocking forever.
	c := &Connection{
		id:           "c1",
		userID:       "u1",
		username:     "u1",
		conn:         server,
		createdAt:    time.Now(),
		writeTimeout: 50 * time.Millisecond,
	}
	c.touch()

	done := make(chan error, 1)
	go func() {
		done <- c.Send([]byte(`{"type":"ping"}`))
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Send to a non-draining peer should fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked past its write deadline")
	}
}

func TestConnectionManagerAddRemove(t *testing.T) {
	cm := NewConnectionManager()

	c := newTestConnection("c1", "u1")
	cm.Add(c)

	if cm.Count() != 1 {
		t.Fatalf("expected 1 connection, got %d", cm.Count())
	}
	if cm.Get("c1") != c {
		t.Error("Get did not return the registered connection")
	}
	if !cm.UserOnline("u1") {
		t.Error("user should be online")
	}

	if !cm.Remove("c1") {
		t.Error("Remove should report true for a registered connection")
	}
	if cm.Remove("c1") {
		t.Error("second Remove should report false")
	}
	if cm.UserOnline("u1") {
		t.Error("user should be offline after last connection removed")
	}
}

func TestConnectionManagerByUser(t *testing.T) {
	cm := NewConnectionManager()

	// Same user on two devices, another user on one.
	cm.Add(newTestConnection("c1", "u1"))
	cm.Add(newTestConnection("c2", "u1"))
	cm.Add(newTestConnection("c3", "u2"))

	if got := cm.ByUser("u1"); len(got) != 2 {
		t.Errorf("expected 2 connections for u1, got %d", len(got))
	}
	if got := cm.ByUser("u2"); len(got) != 1 {
		t.Errorf("expected 1 connection for u2, got %d", len(got))
	}
	if got := cm.ByUser("u3"); len(got) != 0 {
		t.Errorf("expected no connections for unknown user, got %d", len(got))
	}

	cm.Remove("c1")
	if !cm.UserOnline("u1") {
		t.Error("u1 should still be online via the second connection")
	}
	cm.Remove("c2")
	if cm.UserOnline("u1") {
		t.Error("u1 should be offline after both connections removed")
	}
}
