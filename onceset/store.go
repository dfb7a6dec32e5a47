package onceset

import (
	"runtime"
	"sync"
	"weak"
)

// MapStore is a Store over a plain map. It is not synchronized; Set holds
// its own lock around every call.
type MapStore[K comparable] struct {
	m map[K]uint64
}

func NewMapStore[K comparable]() *MapStore[K] {
	return &MapStore[K]{m: make(map[K]uint64)}
}

func (s *MapStore[K]) LoadOrStore(key K, seq uint64) (uint64, bool) {
	if v, ok := s.m[key]; ok {
		return v, true
	}
	s.m[key] = seq
	return seq, false
}

func (s *MapStore[K]) LoadAndDelete(key K) (uint64, bool) {
	v, ok := s.m[key]
	if ok {
		delete(s.m, key)
	}
	return v, ok
}

func (s *MapStore[K]) Load(key K) (uint64, bool) {
	v, ok := s.m[key]
	return v, ok
}

func (s *MapStore[K]) Len() int { return len(s.m) }

func (s *MapStore[K]) Range(fn func(K, uint64) bool) {
	for k, v := range s.m {
		if !fn(k, v) {
			return
		}
	}
}

// WeakStore holds its keys weakly: an entry disappears once the object it
// points to has been garbage collected. Eviction runs on the runtime's
// cleanup goroutine, hence the internal lock.
type WeakStore[T any] struct {
	mu sync.Mutex
	m  map[weak.Pointer[T]]uint64
}

func NewWeakStore[T any]() *WeakStore[T] {
	return &WeakStore[T]{m: make(map[weak.Pointer[T]]uint64)}
}

func (s *WeakStore[T]) LoadOrStore(key *T, seq uint64) (uint64, bool) {
	wp := weak.Make(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[wp]; ok {
		return v, true
	}
	s.m[wp] = seq
	runtime.AddCleanup(key, s.evict, wp)
	return seq, false
}

func (s *WeakStore[T]) evict(wp weak.Pointer[T]) {
	s.mu.Lock()
	delete(s.m, wp)
	s.mu.Unlock()
}

func (s *WeakStore[T]) LoadAndDelete(key *T) (uint64, bool) {
	wp := weak.Make(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[wp]
	if ok {
		delete(s.m, wp)
	}
	return v, ok
}

func (s *WeakStore[T]) Load(key *T) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[weak.Make(key)]
	return v, ok
}

// Len counts stored entries. A collected key stops counting once its
// cleanup has evicted it.
func (s *WeakStore[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func (s *WeakStore[T]) Range(fn func(*T, uint64) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for wp, v := range s.m {
		p := wp.Value()
		if p == nil {
			continue
		}
		if !fn(p, v) {
			return
		}
	}
}
