// Package presence tracks which participants currently hold live
// connections. Connections are reference counted because one
// participant may keep several tabs open; offline transitions are
// debounced by a grace window so a tab refresh does not flap the
// participant's status.
package presence

import (
	"sync"
	"time"

	"github.com/dealerhub/chat-service/internal/metrics"
)

// Notifier receives online/offline transitions. Transitions are
// emitted outside the registry lock.
type Notifier func(participantID string, online bool)

// entry is the per-participant state.
type entry struct {
	connections int
	onlineSince time.Time
	graceTimer  *time.Timer // pending offline emission, nil if none
}

// Registry is the reference-counting presence tracker. All mutation is
// serialized by a single mutex; the registry is the only shared
// mutable presence state in the process.
type Registry struct {
	mu     sync.Mutex
	grace  time.Duration
	notify Notifier
	byID   map[string]*entry
}

// NewRegistry creates a Registry. The 0->1 transition emits online
// immediately; the 1->0 transition emits offline only after the grace
// window elapses without a reconnect. notify may be nil.
func NewRegistry(grace time.Duration, notify Notifier) *Registry {
	return &Registry{
		grace:  grace,
		notify: notify,
		byID:   make(map[string]*entry),
	}
}

// Connect records a new connection for the participant. On the first
// connection it emits online; a connect inside the grace window
// cancels the pending offline instead.
func (r *Registry) Connect(participantID string) {
	r.mu.Lock()

	e, ok := r.byID[participantID]
	if !ok {
		e = &entry{}
		r.byID[participantID] = e
	}

	wasOffline := e.connections == 0 && e.graceTimer == nil
	if e.graceTimer != nil {
		// Reconnect within the grace window: absorb the offline.
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
	if e.connections == 0 {
		e.onlineSince = time.Now()
	}
	e.connections++

	r.mu.Unlock()

	if wasOffline {
		metrics.OnlineParticipants.Inc()
		if r.notify != nil {
			r.notify(participantID, true)
		}
	}
}

// Disconnect records a closed connection. When the count reaches zero
// a grace timer is started; the offline transition fires only if no
// reconnect arrives before it elapses.
func (r *Registry) Disconnect(participantID string) {
	r.mu.Lock()

	e, ok := r.byID[participantID]
	if !ok || e.connections == 0 {
		r.mu.Unlock()
		return
	}

	e.connections--
	if e.connections > 0 {
		r.mu.Unlock()
		return
	}

	if r.grace <= 0 {
		delete(r.byID, participantID)
		r.mu.Unlock()
		r.emitOffline(participantID)
		return
	}

	e.graceTimer = time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		cur, ok := r.byID[participantID]
		// A reconnect raced the timer: the entry was revived.
		if !ok || cur.connections > 0 || cur.graceTimer == nil {
			r.mu.Unlock()
			return
		}
		delete(r.byID, participantID)
		r.mu.Unlock()
		r.emitOffline(participantID)
	})
	r.mu.Unlock()
}

func (r *Registry) emitOffline(participantID string) {
	metrics.OnlineParticipants.Dec()
	if r.notify != nil {
		r.notify(participantID, false)
	}
}

// IsOnline reports whether the participant has at least one live
// connection. A participant inside the grace window still counts as
// online.
func (r *Registry) IsOnline(participantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[participantID]
	return ok && (e.connections > 0 || e.graceTimer != nil)
}

// OnlineSince returns when the participant's current online span
// started, or the zero time if they are offline.
func (r *Registry) OnlineSince(participantID string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[participantID]
	if !ok {
		return time.Time{}
	}
	return e.onlineSince
}

// Connections returns the participant's live connection count.
func (r *Registry) Connections(participantID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[participantID]
	if !ok {
		return 0
	}
	return e.connections
}
