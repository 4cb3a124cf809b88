// Package presence derives online/offline status from connection occupancy.
package presence

import "sync"

type Edge int

const (
	BecameOnline Edge = iota + 1
	BecameOffline
)

func (e Edge) String() string {
	switch e {
	case BecameOnline:
		return "online"
	case BecameOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Transition is emitted only when a user's connection count crosses 0 <-> 1.
type Transition struct {
	UserID string
	Edge   Edge
}

// Tracker is a counting edge detector. Intermediate connection churn on an
// already-online user is silent.
type Tracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewTracker() *Tracker {
	return &Tracker{counts: make(map[string]int)}
}

func (t *Tracker) ConnectionAdded(userID string) (Transition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts[userID]++
	if t.counts[userID] == 1 {
		return Transition{UserID: userID, Edge: BecameOnline}, true
	}
	return Transition{}, false
}

func (t *Tracker) ConnectionRemoved(userID string) (Transition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.counts[userID]
	if !ok || n == 0 {
		return Transition{}, false
	}
	if n == 1 {
		delete(t.counts, userID)
		return Transition{UserID: userID, Edge: BecameOffline}, true
	}
	t.counts[userID] = n - 1
	return Transition{}, false
}

func (t *Tracker) Online(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[userID] > 0
}
