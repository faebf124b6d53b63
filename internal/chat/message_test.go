package chat

import (
	"errors"
	"strings"
	"testing"
)

func TestRoomKeyFor(t *testing.T) {
	// The non-admin party's id keys the room, whichever side initiates.
	if key := RoomKeyFor("u1", RoleUser, "a1"); key != "u1" {
		t.Errorf("user-initiated: expected u1, got %s", key)
	}
	if key := RoomKeyFor("a1", RoleAdmin, "u1"); key != "u1" {
		t.Errorf("admin-initiated: expected u1, got %s", key)
	}
}

func TestRoomPeer(t *testing.T) {
	room := Room{Key: "u1", AdminID: "a1", UserID: "u1"}

	if peer := room.Peer("a1"); peer != "u1" {
		t.Errorf("expected u1, got %s", peer)
	}
	if peer := room.Peer("u1"); peer != "a1" {
		t.Errorf("expected a1, got %s", peer)
	}
	if peer := room.Peer("stranger"); peer != "" {
		t.Errorf("non-party should get empty peer, got %s", peer)
	}
	if room.IsParty("stranger") {
		t.Error("stranger must not be a party")
	}
}

func TestValidateContent(t *testing.T) {
	cases := []struct {
		name    string
		content string
		ok      bool
	}{
		{"normal", "hello there", true},
		{"empty", "", false},
		{"max chars", strings.Repeat("a", MaxTextChars), true},
		{"too many chars", strings.Repeat("a", MaxTextChars+1), false},
		{"too many bytes", strings.Repeat("é", MaxTextChars+1000), false},
		{"invalid utf8", string([]byte{0xff, 0xfe}), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateContent(tc.content)
			if tc.ok && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrInvalidMessage) {
					t.Errorf("error should wrap ErrInvalidMessage, got %v", err)
				}
			}
		})
	}
}
