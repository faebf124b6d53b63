// Package typing propagates short-lived "is typing" signals between the
// two parties of a room. Signals carry a fixed TTL and expire on their
// own: clearing an indicator never depends on a stop event arriving,
// since that event can be lost on disconnect. Nothing here is
// persisted; the state is a transient UI affordance lost on restart.
package typing

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/dealerhub/chat-service/internal/chat"
	"github.com/dealerhub/chat-service/internal/metrics"
)

// DefaultTTL is how long a typing signal stays active without a
// refresh or an explicit stop.
const DefaultTTL = 2 * time.Second

// signalKey identifies at most one active signal per (room, sender).
type signalKey struct {
	roomKey string
	fromID  string
}

// Coordinator tracks active typing signals and broadcasts transitions
// to the room's live subscribers.
type Coordinator struct {
	ttl time.Duration
	pub chat.Publisher

	mu      sync.Mutex
	expires map[signalKey]time.Time
	done    chan struct{}
	once    sync.Once
}

// NewCoordinator creates a Coordinator broadcasting through pub.
// ttl <= 0 selects DefaultTTL.
func NewCoordinator(ttl time.Duration, pub chat.Publisher) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Coordinator{
		ttl:     ttl,
		pub:     pub,
		expires: make(map[signalKey]time.Time),
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Signal creates or refreshes the typing signal for (roomKey, fromID)
// and broadcasts it to the peer. A new signal replaces the previous
// one rather than stacking.
func (c *Coordinator) Signal(roomKey, fromID string) {
	c.mu.Lock()
	c.expires[signalKey{roomKey, fromID}] = time.Now().Add(c.ttl)
	c.mu.Unlock()

	metrics.TypingSignals.WithLabelValues("typing").Inc()
	c.broadcast(roomKey, fromID, chat.EventTyping)
}

// Stop clears the signal explicitly and broadcasts the stop.
func (c *Coordinator) Stop(roomKey, fromID string) {
	c.mu.Lock()
	_, had := c.expires[signalKey{roomKey, fromID}]
	delete(c.expires, signalKey{roomKey, fromID})
	c.mu.Unlock()

	if !had {
		return
	}
	metrics.TypingSignals.WithLabelValues("stop_typing").Inc()
	c.broadcast(roomKey, fromID, chat.EventStopTyping)
}

// Active reports whether the sender's signal in the room is still
// live. Expiry is checked lazily here, so correctness does not depend
// on the sweeper having run.
func (c *Coordinator) Active(roomKey, fromID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := signalKey{roomKey, fromID}
	exp, ok := c.expires[key]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(c.expires, key)
		return false
	}
	return true
}

// sweep drops expired signals in the background so the map does not
// grow with abandoned rooms.
func (c *Coordinator) sweep() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for key, exp := range c.expires {
				if now.After(exp) {
					delete(c.expires, key)
					metrics.TypingSignals.WithLabelValues("expired").Inc()
				}
			}
			c.mu.Unlock()
		}
	}
}

// Close stops the background sweeper.
func (c *Coordinator) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Coordinator) broadcast(roomKey, fromID, eventType string) {
	if c.pub == nil {
		return
	}
	data, err := json.Marshal(chat.Event{
		Type:    eventType,
		From:    fromID,
		RoomKey: roomKey,
	})
	if err != nil {
		log.Printf("typing: marshal event room=%s: %v", roomKey, err)
		return
	}
	if err := c.pub.PublishRoom(roomKey, data); err != nil {
		log.Printf("typing: broadcast room=%s: %v", roomKey, err)
	}
}
