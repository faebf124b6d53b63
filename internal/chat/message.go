// Package chat holds the conversation domain model and the message
// relay: durable pairwise rooms between an administrative operator and
// a user, server-sequenced messages, and the persist-before-deliver
// send pipeline.
package chat

import (
	"errors"
	"time"
)

// Role identifies which side of a room a participant is on.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

// DeliveryState tracks a message through the send pipeline.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StatePersisted DeliveryState = "persisted"
	StateFailed    DeliveryState = "failed"
)

// Message is a single chat message. Once persisted it is immutable;
// Sequence establishes the authoritative order within a room.
type Message struct {
	ID         string        `json:"id"`
	RoomKey    string        `json:"room_key"`
	SenderID   string        `json:"sender_id"`
	SenderRole Role          `json:"sender_role"`
	Content    string        `json:"content"`
	Sequence   int64         `json:"sequence"`
	CreatedAt  time.Time     `json:"created_at"`
	State      DeliveryState `json:"state"`
}

// Participant is a chattable account as seen in the directory.
type Participant struct {
	ID          string `json:"id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name"`
	ContactInfo string `json:"contact_info,omitempty"`
}

// Room is the durable conversation identity between one admin and one
// user. It is keyed by the user's participant id: an admin is party to
// many rooms, a user to exactly one counterpart at a time.
type Room struct {
	Key     string
	AdminID string
	UserID  string
}

// RoomKeyFor derives the room key from one party's id and role. The
// non-admin participant's id keys the room.
func RoomKeyFor(participantID string, role Role, peerID string) string {
	if role == RoleUser {
		return participantID
	}
	return peerID
}

// IsParty reports whether the participant belongs to the room.
func (r Room) IsParty(participantID string) bool {
	return participantID == r.AdminID || participantID == r.UserID
}

// Peer returns the other party's id, or "" if participantID is not a
// party of the room.
func (r Room) Peer(participantID string) string {
	switch participantID {
	case r.AdminID:
		return r.UserID
	case r.UserID:
		return r.AdminID
	}
	return ""
}

// Error taxonomy for the send pipeline. Callers match with errors.Is.
var (
	// ErrNotAuthorized means the sender is not a party of the target
	// room. Fatal for the request, never retried.
	ErrNotAuthorized = errors.New("chat: sender is not a party of the room")

	// ErrPersistence means the storage write failed; the message is
	// reported Failed to the sender, who may retry as a new send.
	ErrPersistence = errors.New("chat: message could not be persisted")

	// ErrInvalidMessage means the content failed validation.
	ErrInvalidMessage = errors.New("chat: invalid message content")
)
