package typing

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dealerhub/chat-service/internal/chat"
)

// capture records broadcast events per room.
type capture struct {
	mu     sync.Mutex
	events []chat.Event
}

func (c *capture) PublishRoom(roomKey string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ev chat.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *capture) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func TestSignalActivatesAndBroadcasts(t *testing.T) {
	pub := &capture{}
	c := NewCoordinator(time.Second, pub)
	defer c.Close()

	c.Signal("u1", "a1")

	if !c.Active("u1", "a1") {
		t.Fatal("signal should be active immediately")
	}
	if got := pub.types(); len(got) != 1 || got[0] != chat.EventTyping {
		t.Fatalf("expected one typing broadcast, got %v", got)
	}
}

func TestSignalExpiresWithoutStop(t *testing.T) {
	c := NewCoordinator(30*time.Millisecond, &capture{})
	defer c.Close()

	c.Signal("u1", "a1")
	time.Sleep(60 * time.Millisecond)

	// No stop event was ever received; the TTL alone clears it.
	if c.Active("u1", "a1") {
		t.Fatal("signal must expire after TTL without an explicit stop")
	}
}

func TestRefreshReplacesInsteadOfStacking(t *testing.T) {
	c := NewCoordinator(50*time.Millisecond, &capture{})
	defer c.Close()

	c.Signal("u1", "a1")
	time.Sleep(30 * time.Millisecond)
	c.Signal("u1", "a1") // refresh
	time.Sleep(30 * time.Millisecond)

	// 60ms after the first signal but only 30ms after the refresh.
	if !c.Active("u1", "a1") {
		t.Fatal("a refreshed signal must extend the TTL")
	}
}

func TestExplicitStop(t *testing.T) {
	pub := &capture{}
	c := NewCoordinator(time.Second, pub)
	defer c.Close()

	c.Signal("u1", "a1")
	c.Stop("u1", "a1")

	if c.Active("u1", "a1") {
		t.Fatal("explicit stop must clear the signal")
	}
	if got := pub.types(); len(got) != 2 || got[1] != chat.EventStopTyping {
		t.Fatalf("expected typing then stop_typing, got %v", got)
	}
}

func TestStopWithoutSignalIsSilent(t *testing.T) {
	pub := &capture{}
	c := NewCoordinator(time.Second, pub)
	defer c.Close()

	c.Stop("u1", "a1")
	if got := pub.types(); len(got) != 0 {
		t.Fatalf("stop with no active signal must not broadcast, got %v", got)
	}
}

func TestSignalsAreIndependentPerSender(t *testing.T) {
	c := NewCoordinator(time.Second, &capture{})
	defer c.Close()

	c.Signal("u1", "a1")
	c.Signal("u1", "u1")
	c.Stop("u1", "a1")

	if c.Active("u1", "a1") {
		t.Error("a1's signal should be cleared")
	}
	if !c.Active("u1", "u1") {
		t.Error("u1's signal should survive a1's stop")
	}
}
