// Package protocol defines the WebSocket message types and structures
// exchanged between clients and the chat server. All messages are
// serialized as JSON and follow a consistent envelope format with a
// type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dealerhub/chat-service/internal/chat"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin        = "join"
	TypeLeave       = "leave"
	TypeSendMessage = "send_message"
	TypeTyping      = "typing"
	TypeStopTyping  = "stop_typing"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeConnected      = "connected"
	TypeJoined         = "joined"
	TypeReceiveMessage = "receive_message"
	TypeMessageAck     = "message_ack"
	TypeMessageFailed  = "message_failed"
	TypePeerTyping     = "peer_typing"
	TypePeerStopTyping = "peer_stop_typing"
	TypeUserOnline     = "user_online"
	TypeUserOffline    = "user_offline"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures
// the full raw bytes and extracts only the "type" field so that the
// rest of the payload can be decoded later into the appropriate
// concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinMsg opens (or re-opens) the conversation with a peer. Joining an
// already-joined room is a no-op.
type JoinMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
}

// LeaveMsg closes the client's view of the conversation.
type LeaveMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
}

// SendMessageMsg submits a chat message. CorrelationID is the
// client-generated id of the optimistic echo; it is returned in the
// ack so the client can reconcile.
type SendMessageMsg struct {
	Type          string `json:"type"`
	RecipientID   string `json:"recipient_id"`
	Content       string `json:"content"`
	CorrelationID string `json:"correlation_id"`
}

// TypingMsg signals the client started (or keeps) typing to the peer.
type TypingMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
}

// StopTypingMsg explicitly clears the client's typing indicator.
type StopTypingMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once the connection is authenticated.
type ConnectedMsg struct {
	Type          string `json:"type"`
	ConnectionID  string `json:"connection_id"`
	ParticipantID string `json:"participant_id"`
}

// JoinedMsg acknowledges a join.
type JoinedMsg struct {
	Type    string `json:"type"`
	RoomKey string `json:"room_key"`
	PeerID  string `json:"peer_id"`
	Online  bool   `json:"online"` // peer's presence at join time
}

// ReceiveMessageMsg delivers a persisted message live.
type ReceiveMessageMsg struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
}

// MessageAckMsg confirms a send back to its originator, carrying the
// correlation id of the optimistic echo and the persisted message.
type MessageAckMsg struct {
	Type          string       `json:"type"`
	CorrelationID string       `json:"correlation_id"`
	Message       chat.Message `json:"message"`
}

// MessageFailedMsg reports a failed send. The client marks the echo
// failed and may offer a retry.
type MessageFailedMsg struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id"`
	Code          string `json:"code"`
	Message       string `json:"message"`
}

// PeerTypingMsg relays the peer's typing indicator.
type PeerTypingMsg struct {
	Type string `json:"type"`
	From string `json:"from"`
}

// PeerStopTypingMsg relays the peer's explicit stop.
type PeerStopTypingMsg struct {
	Type string `json:"type"`
	From string `json:"from"`
}

// UserOnlineMsg announces a counterpart came online.
type UserOnlineMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// UserOfflineMsg announces a counterpart went offline.
type UserOfflineMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client
// message. It returns the message type string, the decoded struct, and
// any error encountered during parsing. An error is returned for
// unknown or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStopTyping:
		var m StopTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server
// message. The msgType is injected into the payload under the "type"
// key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
