// Package onceset tracks keys that must be reported as new exactly once.
//
// A Set wraps a Store. Add performs a single LoadOrStore probe against the
// store, so stores whose entries can disappear on their own (see WeakStore)
// never observe a contains-then-insert race.
package onceset

import (
	"iter"
	"sort"
	"sync"
)

// Store is the backing map of a Set. Values are insertion sequence numbers.
type Store[K comparable] interface {
	LoadOrStore(key K, seq uint64) (actual uint64, loaded bool)
	LoadAndDelete(key K) (seq uint64, loaded bool)
	Load(key K) (seq uint64, ok bool)
	Len() int
	Range(fn func(key K, seq uint64) bool)
}

// Set is safe for concurrent use.
type Set[K comparable] struct {
	mu    sync.Mutex
	store Store[K]
	seq   uint64
}

// New returns a Set backed by a plain map.
func New[K comparable]() *Set[K] {
	return NewWithStore[K](NewMapStore[K]())
}

func NewWithStore[K comparable](store Store[K]) *Set[K] {
	return &Set[K]{store: store}
}

// Add reports whether key was absent, inserting it if so.
func (s *Set[K]) Add(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	// an empty store may have been emptied behind our back
	if s.store.Len() == 0 {
		s.seq = 1
	} else {
		s.seq++
	}
	_, loaded := s.store.LoadOrStore(key, s.seq)
	return !loaded
}

// Discard reports whether key was present and is now removed.
func (s *Set[K]) Discard(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, loaded := s.store.LoadAndDelete(key)
	return loaded
}

func (s *Set[K]) Contains(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.store.Load(key)
	return ok
}

func (s *Set[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Len()
}

// All yields keys in insertion order. The order is a snapshot taken when
// iteration starts.
func (s *Set[K]) All() iter.Seq[K] {
	return func(yield func(K) bool) {
		for _, k := range s.Keys() {
			if !yield(k) {
				return
			}
		}
	}
}

// Keys returns the keys in insertion order.
func (s *Set[K]) Keys() []K {
	type entry struct {
		key K
		seq uint64
	}
	s.mu.Lock()
	entries := make([]entry, 0, s.store.Len())
	s.store.Range(func(k K, seq uint64) bool {
		entries = append(entries, entry{k, seq})
		return true
	})
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	keys := make([]K, len(entries))
	for i, e := range entries {
		keys[i] = e.key
	}
	return keys
}
