package shard

import (
	"hash/maphash"
	"sync"
)

const count = 32

// Map is a map split into independently locked shards, so operations on unrelated keys
// do not serialize on a single mutex.
type Map[K comparable, V any] struct {
	seed   maphash.Seed
	shards [count]shard[K, V]
}

type shard[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]V
}

// New creates sharded map.
func New[K comparable, V any]() *Map[K, V] {
	m := &Map[K, V]{
		seed: maphash.MakeSeed(),
	}
	for i := range m.shards {
		m.shards[i].entries = map[K]V{}
	}
	return m
}

// Lock locks the shard owning the key and returns its entries.
// The returned function must be called to unlock the shard.
func (m *Map[K, V]) Lock(key K) (map[K]V, func()) {
	s := &m.shards[maphash.Comparable(m.seed, key)%count]
	s.mu.Lock()
	return s.entries, s.mu.Unlock
}

// Get returns value stored under the key.
func (m *Map[K, V]) Get(key K) (V, bool) {
	entries, unlock := m.Lock(key)
	defer unlock()

	v, ok := entries[key]
	return v, ok
}

// Store sets value stored under the key.
func (m *Map[K, V]) Store(key K, value V) {
	entries, unlock := m.Lock(key)
	defer unlock()

	entries[key] = value
}

// Delete removes the key and returns the value stored under it.
func (m *Map[K, V]) Delete(key K) (V, bool) {
	entries, unlock := m.Lock(key)
	defer unlock()

	v, ok := entries[key]
	if ok {
		delete(entries, key)
	}
	return v, ok
}

// Range calls fn for every entry, shard by shard, while holding the shard lock.
// Iteration stops when fn returns false.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, v := range s.entries {
			if !fn(k, v) {
				s.mu.Unlock()
				return
			}
		}
		s.mu.Unlock()
	}
}

// Len returns number of entries.
func (m *Map[K, V]) Len() int {
	var n int
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
