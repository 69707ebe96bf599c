// Package keyed provides a map whose values are mutated under a per-key lock.
//
// Insertion of a first-seen key takes the map lock briefly; after that, callers
// working on different keys never wait on each other. Eviction locks each entry
// before inspecting it, so it cannot observe a value mid-update.
package keyed

import "sync"

type entry[V any] struct {
	mu      sync.Mutex
	value   V
	removed bool
}

// Map holds one value of type V per string key.
type Map[V any] struct {
	mu      sync.RWMutex
	entries map[string]*entry[V]
}

func New[V any]() *Map[V] {
	return &Map[V]{entries: make(map[string]*entry[V])}
}

// acquire returns the locked entry for key. If create is false and the key is
// absent it returns nil.
func (m *Map[V]) acquire(key string, create bool, init func() V) (*entry[V], bool) {
	for {
		m.mu.RLock()
		e := m.entries[key]
		m.mu.RUnlock()

		created := false
		if e == nil {
			if !create {
				return nil, false
			}
			m.mu.Lock()
			e = m.entries[key]
			if e == nil {
				e = &entry[V]{}
				if init != nil {
					e.value = init()
				}
				m.entries[key] = e
				created = true
			}
			m.mu.Unlock()
		}

		e.mu.Lock()
		if e.removed {
			// Evicted between lookup and lock; start over with a fresh entry.
			e.mu.Unlock()
			continue
		}
		return e, created
	}
}

// With runs fn with exclusive access to the value stored under key, creating it
// with init first if needed. created is true only for the call that inserted it.
func (m *Map[V]) With(key string, init func() V, fn func(v *V, created bool)) {
	e, created := m.acquire(key, true, init)
	defer e.mu.Unlock()
	fn(&e.value, created)
}

// Get runs fn with exclusive access to an existing value. It reports whether
// the key was present.
func (m *Map[V]) Get(key string, fn func(v *V)) bool {
	e, _ := m.acquire(key, false, nil)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()
	fn(&e.value)
	return true
}

// Delete removes key, waiting for any in-flight With on it to finish.
func (m *Map[V]) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return false
	}
	e.mu.Lock()
	e.removed = true
	delete(m.entries, key)
	e.mu.Unlock()
	return true
}

// Evict removes every entry for which stale returns true and returns how many
// were removed.
func (m *Map[V]) Evict(stale func(key string, v *V) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, e := range m.entries {
		e.mu.Lock()
		if stale(key, &e.value) {
			e.removed = true
			delete(m.entries, key)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

// Snapshot returns a copy of every value currently stored.
func (m *Map[V]) Snapshot() map[string]V {
	m.mu.RLock()
	entries := make(map[string]*entry[V], len(m.entries))
	for key, e := range m.entries {
		entries[key] = e
	}
	m.mu.RUnlock()

	out := make(map[string]V, len(entries))
	for key, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out[key] = e.value
		}
		e.mu.Unlock()
	}
	return out
}

func (m *Map[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
