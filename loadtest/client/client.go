// Package client provides a reusable WebSocket load test client for the
// chat service. It connects using gobwas/ws (the same library the
// server uses), authenticates with a bearer token on the dial URL,
// waits for the connected handshake, and tracks per-connection
// performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
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
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated participant connection. It
// manages the WebSocket lifecycle, dispatches incoming messages to
// registered handlers, and records the connection handshake.
type Client struct {
	conn          net.Conn
	mu            sync.Mutex
	connectionID  string
	participantID string
	metrics       Metrics
	handlers      map[string]func(json.RawMessage)
	onSend        func(correlationID string)
	done          chan struct{}
	closeOnce     sync.Once
}

// New creates a load test client connected to the given WebSocket URL,
// authenticating with the bearer token via the token query parameter.
// A background goroutine begins reading messages immediately; the
// connected handshake is captured internally.
func New(ctx context.Context, wsURL, token string) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Join opens the conversation with the given peer.
func (c *Client) Join(peerID string) error {
	return c.Send(map[string]string{"type": TypeJoin, "peer_id": peerID})
}

// SendChat submits a chat message carrying the given correlation id.
// The OnSend hook fires before the frame goes out so latency tracking
// never races the ack.
func (c *Client) SendChat(recipientID, content, correlationID string) error {
	c.mu.Lock()
	hook := c.onSend
	c.mu.Unlock()
	if hook != nil {
		hook(correlationID)
	}
	return c.Send(map[string]string{
		"type":           TypeSendMessage,
		"recipient_id":   recipientID,
		"content":        content,
		"correlation_id": correlationID,
	})
}

// Typing signals the typing indicator toward the peer.
func (c *Client) Typing(peerID string) error {
	return c.Send(map[string]string{"type": TypeTyping, "peer_id": peerID})
}

// On registers a handler for a specific server message type. The
// handler receives the full raw JSON of the message for flexible
// decoding. Handlers run on the read loop goroutine so they should not
// block; registering a second handler for a type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// OnSend registers a hook invoked with the correlation id of every
// SendChat call, before the frame is written.
func (c *Client) OnSend(hook func(correlationID string)) {
	c.mu.Lock()
	c.onSend = hook
	c.mu.Unlock()
}

// WaitForConnected blocks until the server has acknowledged the
// connection or the context is cancelled.
func (c *Client) WaitForConnected(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before handshake completed")
		case <-ticker.C:
			c.mu.Lock()
			ready := c.connectionID != ""
			c.mu.Unlock()
			if ready {
				return nil
			}
		}
	}
}

// Close closes the connection and stops the read loop. Safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// ConnectionID returns the server-assigned connection id, empty until
// the handshake completes.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// ParticipantID returns the participant id the server derived from the
// token.
func (c *Client) ParticipantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop continuously reads WebSocket frames and dispatches them to
// registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Intentional close; not an error.
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++

		// Capture the handshake internally.
		if envelope.Type == TypeConnected {
			var msg struct {
				ConnectionID  string `json:"connection_id"`
				ParticipantID string `json:"participant_id"`
			}
			if err := json.Unmarshal(data, &msg); err == nil {
				c.connectionID = msg.ConnectionID
				c.participantID = msg.ParticipantID
			}
		}

		handler := c.handlers[envelope.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
