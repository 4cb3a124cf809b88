// Package registry maps live transport connections to user identities.
package registry

import (
	"sort"
	"sync"

	"go-signal/internal/presence"
)

type Registry struct {
	mu       sync.RWMutex
	byUser   map[string]map[string]struct{} // userID -> connIDs
	byConn   map[string]string              // connID -> userID
	known    map[string]struct{}            // every identity ever registered
	presence *presence.Tracker
}

func New(tracker *presence.Tracker) *Registry {
	if tracker == nil {
		tracker = presence.NewTracker()
	}
	return &Registry{
		byUser:   make(map[string]map[string]struct{}),
		byConn:   make(map[string]string),
		known:    make(map[string]struct{}),
		presence: tracker,
	}
}

// Register associates connID with userID. Registering the same pair twice is
// a no-op. A connection that re-registers under a different identity is
// detached from its previous user first, so up to two transitions can result
// (the old user going offline, the new one coming online).
func (r *Registry) Register(connID, userID string) []presence.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []presence.Transition
	if prev, ok := r.byConn[connID]; ok {
		if prev == userID {
			return nil
		}
		if ev, ok := r.detach(connID, prev); ok {
			out = append(out, ev)
		}
	}

	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.byUser[userID] = conns
	}
	conns[connID] = struct{}{}
	r.byConn[connID] = userID
	r.known[userID] = struct{}{}

	if ev, ok := r.presence.ConnectionAdded(userID); ok {
		out = append(out, ev)
	}
	return out
}

// Unregister removes connID. Unknown or never-registered connections are
// ignored.
func (r *Registry) Unregister(connID string) (presence.Transition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if !ok {
		return presence.Transition{}, false
	}
	return r.detach(connID, userID)
}

// detach must be called with mu held.
func (r *Registry) detach(connID, userID string) (presence.Transition, bool) {
	delete(r.byConn, connID)
	if conns, ok := r.byUser[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byUser, userID)
		}
	}
	return r.presence.ConnectionRemoved(userID)
}

// ConnectionsFor returns a sorted snapshot of the user's live connections.
func (r *Registry) ConnectionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) UserFor(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[connID]
	return userID, ok
}

func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Known reports whether userID has ever registered.
func (r *Registry) Known(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.known[userID]
	return ok
}

type UserStatus struct {
	UserID string
	Online bool
}

// Users lists every identity ever seen, sorted, with its online flag.
func (r *Registry) Users() []UserStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]UserStatus, 0, len(r.known))
	for id := range r.known {
		out = append(out, UserStatus{UserID: id, Online: len(r.byUser[id]) > 0})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// OnlineUsers returns the users holding at least one connection.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
