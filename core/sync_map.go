package core

import (
	"slices"
	"sync"
)

// SyncMap is an implementation of a map that is safe for concurrent usage.
// It remembers insertion order so callers can replay entries in the order
// they were added.
type SyncMap[K comparable, V any] struct {
	m     map[K]V
	order []K
	mu    sync.RWMutex
}

func NewSyncMap[K comparable, V any]() *SyncMap[K, V] {
	return &SyncMap[K, V]{
		m: make(map[K]V),
	}
}

func (s *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok = s.m[key]
	return
}

// Update replaces the value stored for key with f applied to it. It does
// nothing and reports false when key is absent.
func (s *SyncMap[K, V]) Update(key K, f func(value V) V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.m[key]
	if !ok {
		return false
	}
	s.m[key] = f(value)
	return true
}

func (s *SyncMap[K, V]) Store(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[key]; !ok {
		s.order = append(s.order, key)
	}
	s.m[key] = value
}

func (s *SyncMap[K, V]) Delete(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[key]; !ok {
		return
	}
	delete(s.m, key)
	s.order = slices.DeleteFunc(s.order, func(k K) bool { return k == key })
}

func (s *SyncMap[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.m)
	s.order = nil
}

// Keys returns the keys in insertion order.
func (s *SyncMap[K, V]) Keys() []K {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order)
}
