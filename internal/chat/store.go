package chat

import (
	"context"
	"sort"
	"sync"
)

// DefaultHistoryLimit caps how many messages a conversation keeps in memory
// and how many are replayed on register.
const DefaultHistoryLimit = 200

// Store keeps chat history per conversation key.
type Store interface {
	Append(ctx context.Context, m Message) error
	// History returns the most recent messages of key, oldest first.
	History(ctx context.Context, key string) ([]Message, error)
	// KeysFor lists the direct conversations userID took part in. Group
	// conversations are found through group membership instead.
	KeysFor(ctx context.Context, userID string) ([]string, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	limit int
	convs map[string][]Message
	// direct conversation keys per user
	byUser map[string]map[string]struct{}
}

func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &MemoryStore{
		limit:  limit,
		convs:  make(map[string][]Message),
		byUser: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Append(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := append(s.convs[m.Key], m)
	if over := len(msgs) - s.limit; over > 0 {
		msgs = append([]Message(nil), msgs[over:]...)
	}
	s.convs[m.Key] = msgs

	if a, b, ok := Participants(m.Key); ok {
		s.index(a, m.Key)
		s.index(b, m.Key)
	}
	return nil
}

func (s *MemoryStore) index(userID, key string) {
	keys, ok := s.byUser[userID]
	if !ok {
		keys = make(map[string]struct{})
		s.byUser[userID] = keys
	}
	keys[key] = struct{}{}
}

func (s *MemoryStore) History(_ context.Context, key string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.convs[key]...), nil
}

func (s *MemoryStore) KeysFor(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.byUser[userID]))
	for k := range s.byUser[userID] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
