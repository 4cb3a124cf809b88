// Package keylock serializes work per key without a global lock.
package keylock

import (
	"sort"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map hands out one mutex per key. Entries are dropped once nobody holds or
// waits on them.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Map {
	return &Map{entries: make(map[string]*entry)}
}

// Lock acquires every key in sorted order, so two callers locking
// overlapping sets cannot deadlock. The returned func releases them all.
func (m *Map) Lock(keys ...string) (unlock func()) {
	keys = normalize(keys)

	held := make([]*entry, 0, len(keys))
	for _, k := range keys {
		e := m.acquire(k)
		e.mu.Lock()
		held = append(held, e)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				m.release(keys[i])
			}
		})
	}
}

func (m *Map) acquire(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *Map) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func normalize(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	j := 0
	for i, k := range out {
		if k == "" || (i > 0 && k == out[i-1]) {
			continue
		}
		out[j] = k
		j++
	}
	return out[:j]
}

func User(id string) string  { return "user:" + id }
func Group(id string) string { return "group:" + id }
