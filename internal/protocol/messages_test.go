package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseClientMessage(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
		wantErr  bool
	}{
		{"join", `{"type":"join","peer_id":"a1"}`, TypeJoin, false},
		{"leave", `{"type":"leave","peer_id":"a1"}`, TypeLeave, false},
		{"send", `{"type":"send_message","recipient_id":"u1","content":"hi","correlation_id":"c1"}`, TypeSendMessage, false},
		{"typing", `{"type":"typing","peer_id":"u1"}`, TypeTyping, false},
		{"stop typing", `{"type":"stop_typing","peer_id":"u1"}`, TypeStopTyping, false},
		{"ping", `{"type":"ping"}`, TypePing, false},
		{"unknown type", `{"type":"shrug"}`, "shrug", true},
		{"server-only type", `{"type":"receive_message"}`, TypeReceiveMessage, true},
		{"missing type", `{"peer_id":"a1"}`, "", true},
		{"not json", `garbage`, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotType, msg, err := ParseClientMessage([]byte(tc.input))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got type=%s msg=%+v", gotType, msg)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if gotType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, gotType)
			}
			if msg == nil {
				t.Error("expected decoded message, got nil")
			}
		})
	}
}

func TestParseClientMessageFields(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(
		`{"type":"send_message","recipient_id":"u1","content":"Hello","correlation_id":"abc-123"}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	send, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if send.RecipientID != "u1" || send.Content != "Hello" || send.CorrelationID != "abc-123" {
		t.Errorf("unexpected fields: %+v", send)
	}
}

func TestNewServerMessageInjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeUserOnline, UserOnlineMsg{ID: "a1"})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != TypeUserOnline {
		t.Errorf("expected type %q, got %v", TypeUserOnline, decoded["type"])
	}
	if decoded["id"] != "a1" {
		t.Errorf("expected id a1, got %v", decoded["id"])
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	var env Envelope
	raw := `{"type":"ping","extra":"kept"}`
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if env.Type != TypePing {
		t.Errorf("expected ping, got %q", env.Type)
	}
	if string(env.Raw) != raw {
		t.Errorf("raw payload not preserved: %s", env.Raw)
	}
}
