package chat

// Event is the payload published to NATS chat.room.<room_key> subjects
// for live fan-out between the relay and connected participants.
type Event struct {
	Type    string   `json:"type"` // "message", "typing", "stop_typing"
	From    string   `json:"from"`
	RoomKey string   `json:"room_key"`
	Message *Message `json:"message,omitempty"` // for message events
}

// PresenceEvent is the payload published to the presence subject when a
// participant transitions online or offline.
type PresenceEvent struct {
	ParticipantID string `json:"participant_id"`
	Role          Role   `json:"role"`
	Online        bool   `json:"online"`
}

// Event type discriminators for Event.Type.
const (
	EventMessage    = "message"
	EventTyping     = "typing"
	EventStopTyping = "stop_typing"
)
