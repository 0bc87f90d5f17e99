package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantType string
		check    func(t *testing.T, msg interface{})
	}{
		{
			name:     "join room",
			data:     `{"type":"join-room","roomId":"r1"}`,
			wantType: TypeJoinRoom,
			check: func(t *testing.T, msg interface{}) {
				m, ok := msg.(JoinRoomMsg)
				if !ok || m.RoomID != "r1" {
					t.Errorf("unexpected message: %+v", msg)
				}
			},
		},
		{
			name:     "leave room",
			data:     `{"type":"leave-room","roomId":"r1"}`,
			wantType: TypeLeaveRoom,
			check: func(t *testing.T, msg interface{}) {
				m, ok := msg.(LeaveRoomMsg)
				if !ok || m.RoomID != "r1" {
					t.Errorf("unexpected message: %+v", msg)
				}
			},
		},
		{
			name:     "send message",
			data:     `{"type":"send-message","roomId":"r1","message":"hello","senderId":"u1","senderName":"alice"}`,
			wantType: TypeSendMessage,
			check: func(t *testing.T, msg interface{}) {
				m, ok := msg.(SendMessageMsg)
				if !ok || m.Message != "hello" || m.SenderID != "u1" || m.SenderName != "alice" {
					t.Errorf("unexpected message: %+v", msg)
				}
			},
		},
		{
			name:     "typing",
			data:     `{"type":"typing","roomId":"r1","userId":"u1","userName":"alice","isTyping":true}`,
			wantType: TypeTyping,
			check: func(t *testing.T, msg interface{}) {
				m, ok := msg.(TypingMsg)
				if !ok || !m.IsTyping || m.UserName != "alice" {
					t.Errorf("unexpected message: %+v", msg)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tt.data))
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if msgType != tt.wantType {
				t.Errorf("expected type %q, got %q", tt.wantType, msgType)
			}
			tt.check(t, msg)
		})
	}
}

func TestParseClientMessageRejects(t *testing.T) {
	cases := []string{
		`not json`,
		`{}`,
		`{"type":""}`,
		`{"type":"receive-message","message":"x"}`, // server-only type
		`{"type":"bogus"}`,
	}
	for _, data := range cases {
		if _, _, err := ParseClientMessage([]byte(data)); err == nil {
			t.Errorf("expected error for %q", data)
		}
	}
}

func TestNewServerMessageInjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeReceiveMessage, ReceiveMessageMsg{
		Message:    "hello",
		SenderID:   "u1",
		SenderName: "alice",
		Timestamp:  "2024-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("NewServerMessage failed: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	if m["type"] != TypeReceiveMessage {
		t.Errorf("expected type %q, got %v", TypeReceiveMessage, m["type"])
	}
	if m["message"] != "hello" || m["senderId"] != "u1" {
		t.Errorf("payload not preserved: %v", m)
	}
}
