// Package group keeps group membership records.
package group

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("group not found")
	ErrForbidden = errors.New("only the group creator can do that")
	ErrInvalid   = errors.New("invalid group")
)

type Group struct {
	ID        string
	Name      string
	CreatedBy string
	Members   []string
	CreatedAt time.Time
}

func (g Group) HasMember(userID string) bool {
	for _, m := range g.Members {
		if m == userID {
			return true
		}
	}
	return false
}

func (g Group) clone() Group {
	g.Members = append([]string(nil), g.Members...)
	return g
}

type Store struct {
	mu     sync.RWMutex
	groups map[string]*Group
	newID  func() string
}

func NewStore() *Store {
	return &Store{
		groups: make(map[string]*Group),
		newID:  uuid.NewString,
	}
}

// Create stores a new group. The creator is always the first member;
// duplicate and blank member ids are dropped.
func (s *Store) Create(name, creator string, members []string) (Group, error) {
	name = strings.TrimSpace(name)
	if name == "" || creator == "" {
		return Group{}, fmt.Errorf("%w: name and creator are required", ErrInvalid)
	}

	ordered := []string{creator}
	seen := map[string]struct{}{creator: {}}
	for _, m := range members {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		ordered = append(ordered, m)
	}

	g := &Group{
		ID:        s.newID(),
		Name:      name,
		CreatedBy: creator,
		Members:   ordered,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.groups[g.ID] = g
	s.mu.Unlock()
	return g.clone(), nil
}

// AddMember is creator-gated and a no-op when target is already a member.
// The returned bool reports whether membership changed.
func (s *Store) AddMember(groupID, requester, target string) (Group, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return Group{}, false, ErrNotFound
	}
	if strings.TrimSpace(target) == "" {
		return Group{}, false, fmt.Errorf("%w: empty member id", ErrNotFound)
	}
	if requester != g.CreatedBy {
		return Group{}, false, ErrForbidden
	}
	if g.HasMember(target) {
		return g.clone(), false, nil
	}
	g.Members = append(g.Members, target)
	return g.clone(), true, nil
}

// RemovedResult describes what RemoveMember did.
type RemovedResult struct {
	Group    Group
	Changed  bool
	Deleted  bool   // the group lost its last member
	NewOwner string // set when the creator was removed
}

// RemoveMember is allowed for the creator, or for a member removing
// themselves. Removing the creator hands ownership to the first remaining
// member; removing the last member deletes the group.
func (s *Store) RemoveMember(groupID, requester, target string) (RemovedResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return RemovedResult{}, ErrNotFound
	}
	if requester != g.CreatedBy && requester != target {
		return RemovedResult{}, ErrForbidden
	}

	idx := -1
	for i, m := range g.Members {
		if m == target {
			idx = i
			break
		}
	}
	if idx < 0 {
		return RemovedResult{Group: g.clone()}, nil
	}
	g.Members = append(g.Members[:idx:idx], g.Members[idx+1:]...)

	res := RemovedResult{Changed: true}
	if len(g.Members) == 0 {
		delete(s.groups, groupID)
		res.Deleted = true
		res.Group = g.clone()
		return res, nil
	}
	if target == g.CreatedBy {
		g.CreatedBy = g.Members[0]
		res.NewOwner = g.CreatedBy
	}
	res.Group = g.clone()
	return res, nil
}

// Delete removes the group. Terminating any call in progress is up to the
// caller.
func (s *Store) Delete(groupID, requester string) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return Group{}, ErrNotFound
	}
	if requester != g.CreatedBy {
		return Group{}, ErrForbidden
	}
	delete(s.groups, groupID)
	return g.clone(), nil
}

func (s *Store) Get(groupID string) (Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return Group{}, false
	}
	return g.clone(), true
}

// Members returns an ordered copy of the member list, creator first unless
// ownership was transferred.
func (s *Store) Members(groupID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]string(nil), g.Members...), nil
}

// ForUser lists the groups userID belongs to, oldest first.
func (s *Store) ForUser(userID string) []Group {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Group
	for _, g := range s.groups {
		if g.HasMember(userID) {
			out = append(out, g.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
