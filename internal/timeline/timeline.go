// Package timeline reconciles one conversation's message history, live
// events, and optimistic local echoes into a single ordered view. One
// Timeline exists per open conversation.
//
// Local sends are staged immediately with a client-generated
// correlation id and replaced by the server-confirmed message when the
// send completes. Matching is by correlation id, never by content, so
// sending identical text twice cannot misattribute the confirmations.
package timeline

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dealerhub/chat-service/internal/chat"
)

// EntryState tags an entry's reconciliation status.
type EntryState string

const (
	StatePending   EntryState = "pending"
	StateConfirmed EntryState = "confirmed"
	StateFailed    EntryState = "failed"
)

// Entry is one row of the rendered timeline. Confirmed entries carry
// the full server message; pending and failed entries carry only the
// local echo.
type Entry struct {
	CorrelationID string // empty for entries that were never local
	State         EntryState
	Message       chat.Message
}

// localEcho is an optimistic entry awaiting confirmation or retry.
type localEcho struct {
	correlationID string
	content       string
	failed        bool
}

// Timeline is the per-conversation synchronizer. It is safe for
// concurrent use: live events arrive from the connection's read
// goroutine while sends run on the caller's.
type Timeline struct {
	mu sync.Mutex

	roomKey string
	selfID  string

	confirmed []chat.Message  // ascending by sequence
	seen      map[string]bool // message id -> already applied
	local     []localEcho     // staging order
}

// New creates an empty Timeline for the room as seen by selfID.
func New(roomKey, selfID string) *Timeline {
	return &Timeline{
		roomKey: roomKey,
		selfID:  selfID,
		seen:    make(map[string]bool),
	}
}

// Seed replaces the confirmed portion with a full history fetch.
// Pending and failed local echoes survive seeding.
func (t *Timeline) Seed(history []chat.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.confirmed = t.confirmed[:0]
	t.seen = make(map[string]bool)
	for _, m := range history {
		t.insertLocked(m)
	}
}

// StageLocal appends an optimistic echo for content the caller is
// about to send and returns its correlation id.
func (t *Timeline) StageLocal(content string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := uuid.New().String()
	t.local = append(t.local, localEcho{correlationID: id, content: content})
	return id
}

// Confirm replaces the optimistic echo with the server-confirmed
// message. Unknown correlation ids are ignored (the echo may have been
// dropped by a reseed of the view).
func (t *Timeline) Confirm(correlationID string, msg chat.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeLocalLocked(correlationID)
	t.insertLocked(msg)
}

// Fail marks the optimistic echo as failed so the view can surface a
// retry affordance.
func (t *Timeline) Fail(correlationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.local {
		if t.local[i].correlationID == correlationID {
			t.local[i].failed = true
			return
		}
	}
}

// Retry re-stages a failed echo as a fresh pending entry with a new
// correlation id and returns (newID, content, true). The caller
// re-submits it as a brand new send attempt.
func (t *Timeline) Retry(correlationID string) (string, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.local {
		if t.local[i].correlationID == correlationID && t.local[i].failed {
			content := t.local[i].content
			id := uuid.New().String()
			t.local[i] = localEcho{correlationID: id, content: content}
			return id, content, true
		}
	}
	return "", "", false
}

// ApplyLive folds a live receiveMessage event into the timeline.
// Messages already present (replayed history, multi-device echo of our
// own send) are dropped by id.
func (t *Timeline) ApplyLive(msg chat.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.insertLocked(msg)
}

// Resync merges an incremental history fetch after a connectivity gap.
// Messages the timeline already holds are skipped.
func (t *Timeline) Resync(history []chat.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range history {
		t.insertLocked(m)
	}
}

// LastSequence returns the highest confirmed sequence, for incremental
// history fetches (since=LastSequence).
func (t *Timeline) LastSequence() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.confirmed) == 0 {
		return 0
	}
	return t.confirmed[len(t.confirmed)-1].Sequence
}

// Entries returns the reconciled view: confirmed messages ascending by
// sequence, then local echoes in staging order.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.confirmed)+len(t.local))
	for _, m := range t.confirmed {
		out = append(out, Entry{State: StateConfirmed, Message: m})
	}
	for _, e := range t.local {
		state := StatePending
		if e.failed {
			state = StateFailed
		}
		out = append(out, Entry{
			CorrelationID: e.correlationID,
			State:         state,
			Message: chat.Message{
				RoomKey:  t.roomKey,
				SenderID: t.selfID,
				Content:  e.content,
				State:    chat.StatePending,
			},
		})
	}
	return out
}

// insertLocked adds a confirmed message in sequence order, skipping
// duplicates by id. Caller holds t.mu.
func (t *Timeline) insertLocked(msg chat.Message) {
	if t.seen[msg.ID] {
		return
	}
	t.seen[msg.ID] = true

	i := sort.Search(len(t.confirmed), func(i int) bool {
		return t.confirmed[i].Sequence > msg.Sequence
	})
	t.confirmed = append(t.confirmed, chat.Message{})
	copy(t.confirmed[i+1:], t.confirmed[i:])
	t.confirmed[i] = msg
}

// removeLocalLocked drops the echo with the given correlation id.
// Caller holds t.mu.
func (t *Timeline) removeLocalLocked(correlationID string) {
	for i := range t.local {
		if t.local[i].correlationID == correlationID {
			t.local = append(t.local[:i], t.local[i+1:]...)
			return
		}
	}
}
