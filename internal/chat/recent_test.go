package chat

import (
	"fmt"
	"sync"
	"testing"
)

func TestRecentAddAndGet(t *testing.T) {
	rc := NewRecentCache()

	rc.Add("room1", Message{SenderID: "a", Body: "hello"})
	rc.Add("room1", Message{SenderID: "b", Body: "hi"})
	rc.Add("room1", Message{SenderID: "a", Body: "how are you?"})

	msgs := rc.Recent("room1")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Body != "hello" || msgs[1].Body != "hi" || msgs[2].Body != "how are you?" {
		t.Errorf("messages out of order: %+v", msgs)
	}
}

func TestRecentWraparound(t *testing.T) {
	rc := NewRecentCache()

	// Add 7 messages; the buffer holds only 5.
	for i := 1; i <= 7; i++ {
		rc.Add("room1", Message{Body: fmt.Sprintf("msg-%d", i)})
	}

	msgs := rc.Recent("room1")
	if len(msgs) != MaxRecentMessages {
		t.Fatalf("expected %d messages, got %d", MaxRecentMessages, len(msgs))
	}
	for i, msg := range msgs {
		expected := fmt.Sprintf("msg-%d", i+3)
		if msg.Body != expected {
			t.Errorf("index %d: expected %q, got %q", i, expected, msg.Body)
		}
	}
}

func TestRecentLast(t *testing.T) {
	rc := NewRecentCache()

	if _, ok := rc.Last("empty"); ok {
		t.Error("expected no last message for unknown room")
	}

	rc.Add("room1", Message{Body: "first"})
	rc.Add("room1", Message{Body: "second"})

	last, ok := rc.Last("room1")
	if !ok || last.Body != "second" {
		t.Errorf("expected last message %q, got %+v ok=%v", "second", last, ok)
	}
}

func TestRecentRemove(t *testing.T) {
	rc := NewRecentCache()
	rc.Add("room1", Message{Body: "hello"})
	rc.Remove("room1")

	if msgs := rc.Recent("room1"); len(msgs) != 0 {
		t.Errorf("expected empty cache after remove, got %d messages", len(msgs))
	}
}

func TestRecentConcurrentAccess(t *testing.T) {
	rc := NewRecentCache()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			rc.Add("room1", Message{Body: fmt.Sprintf("msg-%d", n)})
		}(i)
		go func() {
			defer wg.Done()
			rc.Recent("room1")
		}()
	}
	wg.Wait()

	if msgs := rc.Recent("room1"); len(msgs) != MaxRecentMessages {
		t.Errorf("expected %d cached messages, got %d", MaxRecentMessages, len(msgs))
	}
}
