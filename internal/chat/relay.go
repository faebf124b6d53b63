package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dealerhub/chat-service/internal/metrics"
)

// MessageStore is the persistence collaborator the relay writes through.
// *Store implements it against PostgreSQL; tests substitute an
// in-memory fake.
type MessageStore interface {
	Append(ctx context.Context, roomKey, senderID string, senderRole Role, content string) (*Message, error)
	History(ctx context.Context, roomKey string, since int64) ([]Message, error)
	Participant(ctx context.Context, id string) (*Participant, error)
	Participants(ctx context.Context, role Role) ([]Participant, error)
}

// Publisher pushes a persisted message to the room's live subscribers.
type Publisher interface {
	PublishRoom(roomKey string, data []byte) error
}

// PresenceChecker reports whether a participant has a live connection.
type PresenceChecker interface {
	IsOnline(participantID string) bool
}

// Relay owns the send pipeline: authorization, per-room sequence
// serialization, synchronous persistence, and best-effort live
// delivery. Live delivery is only a hint; history replay is ground
// truth.
type Relay struct {
	store    MessageStore
	pub      Publisher
	presence PresenceChecker

	// persistTimeout bounds the storage write so a stalled database
	// surfaces as a send failure instead of blocking the sender.
	persistTimeout time.Duration

	mu    sync.Mutex
	rooms map[string]*sync.Mutex // room key -> append lock
}

// NewRelay creates a Relay. persistTimeout <= 0 disables the bound.
func NewRelay(store MessageStore, pub Publisher, presence PresenceChecker, persistTimeout time.Duration) *Relay {
	return &Relay{
		store:          store,
		pub:            pub,
		presence:       presence,
		persistTimeout: persistTimeout,
		rooms:          make(map[string]*sync.Mutex),
	}
}

// roomLock returns the lock serializing appends for one room key.
// Locks are scoped per room so concurrent sends to different rooms
// never contend.
func (r *Relay) roomLock(roomKey string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.rooms[roomKey]
	if !ok {
		l = &sync.Mutex{}
		r.rooms[roomKey] = l
	}
	return l
}

// Resolve validates that sender and recipient form a legitimate room
// (one admin, one user, both provisioned) and returns it. Returns
// ErrNotAuthorized otherwise.
func (r *Relay) Resolve(ctx context.Context, senderID string, senderRole Role, recipientID string) (Room, error) {
	peer, err := r.store.Participant(ctx, recipientID)
	if err != nil {
		return Room{}, fmt.Errorf("%w: resolve recipient: %v", ErrPersistence, err)
	}
	if peer == nil || peer.Role == senderRole {
		return Room{}, fmt.Errorf("%w: %s -> %s", ErrNotAuthorized, senderID, recipientID)
	}

	room := Room{Key: RoomKeyFor(senderID, senderRole, recipientID)}
	if senderRole == RoleAdmin {
		room.AdminID, room.UserID = senderID, recipientID
	} else {
		room.AdminID, room.UserID = recipientID, senderID
	}
	return room, nil
}

// Send validates, sequences, persists, and live-delivers one message.
//
// The send completes successfully only once persistence acknowledges;
// a storage failure returns an error wrapping ErrPersistence and
// nothing is delivered live. A live-delivery miss after a successful
// persist is non-fatal: the recipient observes the message on the next
// history fetch.
func (r *Relay) Send(ctx context.Context, senderID string, senderRole Role, recipientID, content string) (*Message, error) {
	start := time.Now()

	if err := ValidateContent(content); err != nil {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		return nil, err
	}

	room, err := r.Resolve(ctx, senderID, senderRole, recipientID)
	if err != nil {
		if errors.Is(err, ErrPersistence) {
			metrics.MessagesTotal.WithLabelValues("failed").Inc()
		} else {
			metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		}
		return nil, err
	}

	// Serialize sequence assignment per room. Two racing sends get
	// distinct sequences in persistence order.
	lock := r.roomLock(room.Key)
	lock.Lock()
	msg, err := r.persist(ctx, room.Key, senderID, senderRole, content)
	lock.Unlock()

	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		log.Printf("relay: persist failed room=%s sender=%s: %v", room.Key, senderID, err)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	metrics.MessagesTotal.WithLabelValues("persisted").Inc()
	metrics.SendLatency.Observe(time.Since(start).Seconds())

	r.deliver(room, msg)
	return msg, nil
}

// persist writes the message under the bounded timeout.
func (r *Relay) persist(ctx context.Context, roomKey, senderID string, senderRole Role, content string) (*Message, error) {
	if r.persistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.persistTimeout)
		defer cancel()
	}
	return r.store.Append(ctx, roomKey, senderID, senderRole, content)
}

// deliver pushes the persisted message to the recipient if they are
// online. Failures are delivery misses: logged, counted, not retried.
func (r *Relay) deliver(room Room, msg *Message) {
	recipientID := room.Peer(msg.SenderID)
	if r.presence != nil && !r.presence.IsOnline(recipientID) {
		metrics.DeliveryMisses.Inc()
		return
	}

	data, err := json.Marshal(Event{
		Type:    EventMessage,
		From:    msg.SenderID,
		RoomKey: room.Key,
		Message: msg,
	})
	if err != nil {
		log.Printf("relay: marshal event room=%s: %v", room.Key, err)
		return
	}

	if err := r.pub.PublishRoom(room.Key, data); err != nil {
		metrics.DeliveryMisses.Inc()
		log.Printf("relay: live delivery miss room=%s recipient=%s: %v", room.Key, recipientID, err)
	}
}

// History returns the room's messages after the given sequence,
// ascending. since=0 replays the full room.
func (r *Relay) History(ctx context.Context, roomKey string, since int64) ([]Message, error) {
	start := time.Now()
	msgs, err := r.store.History(ctx, roomKey, since)
	if err != nil {
		return nil, fmt.Errorf("%w: history: %v", ErrPersistence, err)
	}
	metrics.HistoryLatency.Observe(time.Since(start).Seconds())
	return msgs, nil
}

// Participants returns the chattable counterparts for a caller with
// the given role: admins see users, users see admins.
func (r *Relay) Participants(ctx context.Context, callerRole Role) ([]Participant, error) {
	counterpart := RoleUser
	if callerRole == RoleUser {
		counterpart = RoleAdmin
	}
	return r.store.Participants(ctx, counterpart)
}
