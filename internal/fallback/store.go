package fallback

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Store is the key-value cache behind the cascade and last-known-good
// lookups. Get reports a miss with ok=false; expired entries are misses.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Put(ctx context.Context, key string, e *Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// SectionKey returns the store key for a section's fallback entry
func SectionKey(section string) string { return "fallback:" + section }

// MemoryStore is an in-process LRU with TTL
type MemoryStore struct {
	mu   sync.Mutex
	cap  int
	now  func() time.Time
	list *list.List               // front = most recent
	m    map[string]*list.Element // key -> element
}

type lruEntry struct {
	key   string
	entry Entry
	exp   time.Time
}

// NewMemoryStore creates a store holding at most capacity entries
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryStore{cap: capacity, now: time.Now, list: list.New(), m: make(map[string]*list.Element, capacity)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.m[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(lruEntry)
	if !ent.exp.IsZero() && !ent.exp.After(s.now()) {
		s.list.Remove(el)
		delete(s.m, key)
		return nil, false
	}
	s.list.MoveToFront(el)
	e := ent.entry
	return &e, true
}

func (s *MemoryStore) Put(_ context.Context, key string, e *Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	val := lruEntry{key: key, entry: *e, exp: exp}
	if el, ok := s.m[key]; ok {
		el.Value = val
		s.list.MoveToFront(el)
		return nil
	}
	s.m[key] = s.list.PushFront(val)
	if s.list.Len() > s.cap {
		if lru := s.list.Back(); lru != nil {
			delete(s.m, lru.Value.(lruEntry).key)
			s.list.Remove(lru)
		}
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.m[key]; ok {
		s.list.Remove(el)
		delete(s.m, key)
	}
	return nil
}

// Len returns the number of stored entries, expired ones included
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list.Len()
}
