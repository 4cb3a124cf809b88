package push

import (
	"context"
	"sort"
	"sync"
)

// Subscription is a browser Web Push endpoint with its client keys
// (base64url, as the browser reports them).
type Subscription struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

// TokenStore keeps each user's FCM tokens and Web Push subscriptions.
type TokenStore interface {
	AddFCMToken(ctx context.Context, userID, token string) error
	FCMTokens(ctx context.Context, userID string) ([]string, error)
	RemoveFCMToken(ctx context.Context, userID, token string) error

	AddSubscription(ctx context.Context, userID string, sub Subscription) error
	Subscriptions(ctx context.Context, userID string) ([]Subscription, error)
	RemoveSubscription(ctx context.Context, userID, endpoint string) error
}

type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]map[string]struct{}
	subs   map[string]map[string]Subscription // userID -> endpoint -> sub
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]map[string]struct{}),
		subs:   make(map[string]map[string]Subscription),
	}
}

func (m *MemoryStore) AddFCMToken(_ context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.tokens[userID]
	if !ok {
		set = make(map[string]struct{})
		m.tokens[userID] = set
	}
	set[token] = struct{}{}
	return nil
}

func (m *MemoryStore) FCMTokens(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tokens[userID]))
	for t := range m.tokens[userID] {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) RemoveFCMToken(_ context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.tokens[userID]; ok {
		delete(set, token)
		if len(set) == 0 {
			delete(m.tokens, userID)
		}
	}
	return nil
}

// AddSubscription replaces any earlier subscription with the same endpoint.
func (m *MemoryStore) AddSubscription(_ context.Context, userID string, sub Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byEndpoint, ok := m.subs[userID]
	if !ok {
		byEndpoint = make(map[string]Subscription)
		m.subs[userID] = byEndpoint
	}
	byEndpoint[sub.Endpoint] = sub
	return nil
}

func (m *MemoryStore) Subscriptions(_ context.Context, userID string) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Subscription, 0, len(m.subs[userID]))
	for _, s := range m.subs[userID] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out, nil
}

func (m *MemoryStore) RemoveSubscription(_ context.Context, userID, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byEndpoint, ok := m.subs[userID]; ok {
		delete(byEndpoint, endpoint)
		if len(byEndpoint) == 0 {
			delete(m.subs, userID)
		}
	}
	return nil
}
