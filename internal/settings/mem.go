package settings

import (
	"sync"
)

// MemStore is an in-memory Store. It backs tests and embedded use where no
// durable medium exists.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]any
	subs map[int]subscription
	next int
}

type subscription struct {
	pattern string
	fn      func(Change)
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		data: make(map[string]any),
		subs: make(map[int]subscription),
	}
}

// Get returns the value at path, or def when absent.
func (s *MemStore) Get(path string, def any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := getPath(s.data, splitPath(path))
	if !ok {
		return def
	}
	return cloneValue(v)
}

// Set writes value at path and notifies matching subscribers.
func (s *MemStore) Set(path string, value any, _ bool) error {
	s.mu.Lock()
	old := setPath(s.data, splitPath(path), value)
	s.mu.Unlock()

	s.notify(Change{Path: path, Old: old, New: value})
	return nil
}

// Subscribe registers fn for changes matching pattern.
func (s *MemStore) Subscribe(pattern string, fn func(Change)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscription{pattern: pattern, fn: fn}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// notify delivers a change to matching subscribers. Delivery is
// fire-and-forget: a panicking listener is swallowed.
func (s *MemStore) notify(ch Change) {
	s.mu.RLock()
	var targets []func(Change)
	for _, sub := range s.subs {
		if matches(sub.pattern, ch.Path) {
			targets = append(targets, sub.fn)
		}
	}
	s.mu.RUnlock()

	for _, fn := range targets {
		func() {
			defer func() { _ = recover() }()
			fn(ch)
		}()
	}
}
