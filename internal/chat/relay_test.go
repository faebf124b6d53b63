package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory MessageStore for relay tests. Append assigns
// sequences the same way the SQL store does: MAX(sequence)+1 per room,
// relying on the relay's per-room lock for serialization.
type memStore struct {
	mu           sync.Mutex
	messages     map[string][]Message // room key -> ascending
	participants map[string]Participant
	failAppend   bool
}

func newMemStore(participants ...Participant) *memStore {
	s := &memStore{
		messages:     make(map[string][]Message),
		participants: make(map[string]Participant),
	}
	for _, p := range participants {
		s.participants[p.ID] = p
	}
	return s
}

func (s *memStore) Append(ctx context.Context, roomKey, senderID string, senderRole Role, content string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAppend {
		return nil, errors.New("storage down")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgs := s.messages[roomKey]
	var next int64 = 1
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].Sequence + 1
	}
	m := Message{
		ID:         fmt.Sprintf("%s-%d", roomKey, next),
		RoomKey:    roomKey,
		SenderID:   senderID,
		SenderRole: senderRole,
		Content:    content,
		Sequence:   next,
		CreatedAt:  time.Now(),
		State:      StatePersisted,
	}
	s.messages[roomKey] = append(msgs, m)
	return &m, nil
}

func (s *memStore) History(ctx context.Context, roomKey string, since int64) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	for _, m := range s.messages[roomKey] {
		if m.Sequence > since {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) Participant(ctx context.Context, id string) (*Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *memStore) Participants(ctx context.Context, role Role) ([]Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Participant
	for _, p := range s.participants {
		if p.Role == role {
			out = append(out, p)
		}
	}
	return out, nil
}

// memPublisher records published room events.
type memPublisher struct {
	mu     sync.Mutex
	events map[string][]Event // room key -> events
	fail   bool
}

func newMemPublisher() *memPublisher {
	return &memPublisher{events: make(map[string][]Event)}
}

func (p *memPublisher) PublishRoom(roomKey string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fail {
		return errors.New("publish failed")
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	p.events[roomKey] = append(p.events[roomKey], ev)
	return nil
}

func (p *memPublisher) roomEvents(roomKey string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events[roomKey]...)
}

// stubPresence marks a fixed set of participants online.
type stubPresence struct{ online map[string]bool }

func (s stubPresence) IsOnline(id string) bool { return s.online[id] }

func directory() []Participant {
	return []Participant{
		{ID: "a1", Role: RoleAdmin, DisplayName: "Agent One"},
		{ID: "a2", Role: RoleAdmin, DisplayName: "Agent Two"},
		{ID: "u1", Role: RoleUser, DisplayName: "Uma"},
		{ID: "u2", Role: RoleUser, DisplayName: "Umar"},
	}
}

func TestSendPersistsAndDeliversLive(t *testing.T) {
	store := newMemStore(directory()...)
	pub := newMemPublisher()
	relay := NewRelay(store, pub, stubPresence{online: map[string]bool{"u1": true}}, 0)

	msg, err := relay.Send(context.Background(), "a1", RoleAdmin, "u1", "Hello")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if msg.State != StatePersisted {
		t.Errorf("expected persisted state, got %s", msg.State)
	}
	if msg.Sequence != 1 {
		t.Errorf("expected sequence 1, got %d", msg.Sequence)
	}
	if msg.RoomKey != "u1" {
		t.Errorf("room should be keyed by the user id, got %q", msg.RoomKey)
	}

	events := pub.roomEvents("u1")
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 live event, got %d", len(events))
	}
	if events[0].Message == nil || events[0].Message.Content != "Hello" {
		t.Errorf("live event should carry the persisted message, got %+v", events[0])
	}
}

func TestSendToOfflineRecipientSkipsLiveDelivery(t *testing.T) {
	store := newMemStore(directory()...)
	pub := newMemPublisher()
	relay := NewRelay(store, pub, stubPresence{online: map[string]bool{}}, 0)

	msg, err := relay.Send(context.Background(), "a1", RoleAdmin, "u1", "Are you there?")
	if err != nil {
		t.Fatalf("send to offline recipient must still succeed: %v", err)
	}
	if msg.State != StatePersisted {
		t.Errorf("expected persisted, got %s", msg.State)
	}

	if n := len(pub.roomEvents("u1")); n != 0 {
		t.Errorf("expected no live events for offline recipient, got %d", n)
	}

	// The message is durable and visible on the next history fetch.
	hist, err := relay.History(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(hist) != 1 || hist[0].Content != "Are you there?" {
		t.Fatalf("offline message must appear in history, got %+v", hist)
	}
}

func TestSendPersistenceFailureIsNotDelivered(t *testing.T) {
	store := newMemStore(directory()...)
	store.failAppend = true
	pub := newMemPublisher()
	relay := NewRelay(store, pub, stubPresence{online: map[string]bool{"u1": true}}, 0)

	_, err := relay.Send(context.Background(), "a1", RoleAdmin, "u1", "lost")
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}

	if n := len(pub.roomEvents("u1")); n != 0 {
		t.Errorf("a message that was never stored must not be delivered live, got %d events", n)
	}
}

func TestSendAuthorization(t *testing.T) {
	store := newMemStore(directory()...)
	relay := NewRelay(store, newMemPublisher(), stubPresence{}, 0)
	ctx := context.Background()

	cases := []struct {
		name       string
		senderID   string
		senderRole Role
		recipient  string
	}{
		{"admin to admin", "a1", RoleAdmin, "a2"},
		{"user to user", "u1", RoleUser, "u2"},
		{"unknown recipient", "a1", RoleAdmin, "ghost"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := relay.Send(ctx, tc.senderID, tc.senderRole, tc.recipient, "hi")
			if !errors.Is(err, ErrNotAuthorized) {
				t.Errorf("expected ErrNotAuthorized, got %v", err)
			}
		})
	}
}

func TestSendRejectsInvalidContent(t *testing.T) {
	store := newMemStore(directory()...)
	relay := NewRelay(store, newMemPublisher(), stubPresence{}, 0)

	_, err := relay.Send(context.Background(), "a1", RoleAdmin, "u1", "")
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestConcurrentSendsGetDistinctOrderedSequences(t *testing.T) {
	store := newMemStore(directory()...)
	pub := newMemPublisher()
	relay := NewRelay(store, pub, stubPresence{online: map[string]bool{"u1": true, "a1": true}}, 0)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(2 * n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			_, _ = relay.Send(context.Background(), "a1", RoleAdmin, "u1", fmt.Sprintf("admin-%d", i))
		}()
		go func() {
			defer wg.Done()
			_, _ = relay.Send(context.Background(), "u1", RoleUser, "a1", fmt.Sprintf("user-%d", i))
		}()
	}
	wg.Wait()

	hist, err := relay.History(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(hist) != 2*n {
		t.Fatalf("expected %d messages, got %d", 2*n, len(hist))
	}
	for i, m := range hist {
		if m.Sequence != int64(i+1) {
			t.Fatalf("sequence gap at index %d: got %d", i, m.Sequence)
		}
	}
}

func TestHistorySince(t *testing.T) {
	store := newMemStore(directory()...)
	relay := NewRelay(store, newMemPublisher(), stubPresence{}, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := relay.Send(ctx, "a1", RoleAdmin, "u1", fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	hist, err := relay.History(ctx, "u1", 3)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 messages after sequence 3, got %d", len(hist))
	}
	if hist[0].Sequence != 4 || hist[1].Sequence != 5 {
		t.Errorf("expected sequences 4,5 got %d,%d", hist[0].Sequence, hist[1].Sequence)
	}
}

func TestPersistTimeout(t *testing.T) {
	store := newMemStore(directory()...)
	slow := &slowStore{MessageStore: store, delay: 50 * time.Millisecond}
	relay := NewRelay(slow, newMemPublisher(), stubPresence{}, 5*time.Millisecond)

	_, err := relay.Send(context.Background(), "a1", RoleAdmin, "u1", "slow")
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence on storage stall, got %v", err)
	}
}

// slowStore delays Append past the relay's persist timeout.
type slowStore struct {
	MessageStore
	delay time.Duration
}

func (s *slowStore) Append(ctx context.Context, roomKey, senderID string, senderRole Role, content string) (*Message, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MessageStore.Append(ctx, roomKey, senderID, senderRole, content)
}

func TestParticipantsDirectoryByRole(t *testing.T) {
	store := newMemStore(directory()...)
	relay := NewRelay(store, newMemPublisher(), stubPresence{}, 0)
	ctx := context.Background()

	users, err := relay.Participants(ctx, RoleAdmin)
	if err != nil {
		t.Fatalf("participants failed: %v", err)
	}
	for _, p := range users {
		if p.Role != RoleUser {
			t.Errorf("admin caller should only see users, got %s", p.Role)
		}
	}

	admins, err := relay.Participants(ctx, RoleUser)
	if err != nil {
		t.Fatalf("participants failed: %v", err)
	}
	for _, p := range admins {
		if p.Role != RoleAdmin {
			t.Errorf("user caller should only see admins, got %s", p.Role)
		}
	}
}
