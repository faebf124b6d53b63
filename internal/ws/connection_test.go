package ws

import (
	"net"
	"testing"
	"time"

	"github.com/dealerhub/chat-service/internal/auth"
	"github.com/dealerhub/chat-service/internal/chat"
)

func newTestConn(t *testing.T, id, participantID string, role chat.Role, fd int) *Connection {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return &Connection{
		ID:        id,
		Identity:  auth.Identity{ID: participantID, Role: role},
		Conn:      server,
		Fd:        fd,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
		state:     StateAuthenticated,
	}
}

func TestJoinTransitions(t *testing.T) {
	c := newTestConn(t, "c1", "user-1", chat.RoleUser, 10)

	if got := c.State(); got != StateAuthenticated {
		t.Fatalf("initial state = %d, want StateAuthenticated", got)
	}

	changed, ok := c.Join("room-user-1", "admin-1")
	if !ok || !changed {
		t.Fatalf("first Join = (%v, %v), want (true, true)", changed, ok)
	}
	if got := c.State(); got != StateJoined {
		t.Fatalf("state after join = %d, want StateJoined", got)
	}

	roomKey, peerID := c.Room()
	if roomKey != "room-user-1" || peerID != "admin-1" {
		t.Fatalf("Room() = (%q, %q), want (room-user-1, admin-1)", roomKey, peerID)
	}
}

func TestRepeatedJoinIsIdempotent(t *testing.T) {
	c := newTestConn(t, "c1", "user-1", chat.RoleUser, 10)

	c.Join("room-user-1", "admin-1")
	changed, ok := c.Join("room-user-1", "admin-1")
	if !ok {
		t.Fatal("repeated join reported connection unusable")
	}
	if changed {
		t.Error("repeated join of the same room should be a no-op")
	}

	// Switching rooms is a real transition again.
	changed, ok = c.Join("room-user-1-b", "admin-2")
	if !ok || !changed {
		t.Fatalf("join to different room = (%v, %v), want (true, true)", changed, ok)
	}
}

func TestJoinAfterCloseFails(t *testing.T) {
	c := newTestConn(t, "c1", "user-1", chat.RoleUser, 10)

	if !c.markClosed() {
		t.Fatal("markClosed on open connection returned false")
	}
	if c.markClosed() {
		t.Error("second markClosed should return false")
	}

	if _, ok := c.Join("room-user-1", "admin-1"); ok {
		t.Error("Join succeeded on a closed connection")
	}
	if got := c.State(); got != StateClosed {
		t.Fatalf("state = %d, want StateClosed", got)
	}
}

func TestConnectionManagerIndexes(t *testing.T) {
	cm := NewConnectionManager()

	c1 := newTestConn(t, "c1", "user-1", chat.RoleUser, 10)
	c2 := newTestConn(t, "c2", "user-1", chat.RoleUser, 11) // second tab
	c3 := newTestConn(t, "c3", "admin-1", chat.RoleAdmin, 12)

	cm.Add(c1)
	cm.Add(c2)
	cm.Add(c3)

	if cm.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", cm.Count())
	}
	if cm.Get("c2") != c2 {
		t.Error("Get by id returned wrong connection")
	}
	if cm.GetByFd(12) != c3 {
		t.Error("GetByFd returned wrong connection")
	}
	if got := len(cm.ForParticipant("user-1")); got != 2 {
		t.Fatalf("ForParticipant(user-1) returned %d conns, want 2", got)
	}

	if !cm.Remove("c1") {
		t.Fatal("Remove(c1) = false, want true")
	}
	if cm.Remove("c1") {
		t.Error("second Remove(c1) should return false")
	}
	if got := len(cm.ForParticipant("user-1")); got != 1 {
		t.Fatalf("ForParticipant(user-1) after removal = %d conns, want 1", got)
	}

	cm.Remove("c2")
	if got := cm.ForParticipant("user-1"); len(got) != 0 {
		t.Fatalf("ForParticipant(user-1) after all removed = %d conns, want 0", len(got))
	}
	if cm.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", cm.Count())
	}
}
