package csync

import (
	"sync"
)

// Map is a thread-safe map implementation with generic types.
// It uses a RWMutex for concurrent read access and exclusive write access.
type Map[K comparable, V any] struct {
	data map[K]V
	mu   sync.RWMutex
}

// NewMap creates a new thread-safe map
func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		data: make(map[K]V),
	}
}

// Get retrieves a value by key, returns the value and whether it exists
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, exists := m.data[key]
	return value, exists
}

// Len returns the number of key-value pairs in the map
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// LoadOrStore returns the existing value for key if present. Otherwise it
// stores the value produced by create and returns it. loaded reports whether
// the value was already there. create runs under the write lock, so it must
// not call back into the map.
func (m *Map[K, V]) LoadOrStore(key K, create func() V) (value V, loaded bool) {
	m.mu.RLock()
	value, loaded = m.data[key]
	m.mu.RUnlock()
	if loaded {
		return value, true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if value, loaded = m.data[key]; loaded {
		return value, true
	}
	value = create()
	m.data[key] = value
	return value, false
}

// Compute atomically replaces the value stored under key with the result of
// fn. fn receives the current value and whether it exists; returning
// keep=false deletes the key instead. The resulting value is returned.
func (m *Map[K, V]) Compute(key K, fn func(old V, loaded bool) (value V, keep bool)) V {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, loaded := m.data[key]
	value, keep := fn(old, loaded)
	if keep {
		m.data[key] = value
	} else {
		delete(m.data, key)
	}
	return value
}

// DeleteIf removes key only when pred approves the current value.
// Returns true if the key was removed.
func (m *Map[K, V]) DeleteIf(key K, pred func(V) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, exists := m.data[key]
	if !exists || !pred(value) {
		return false
	}
	delete(m.data, key)
	return true
}

// DeleteFunc removes every pair for which pred returns true and reports how
// many were removed.
func (m *Map[K, V]) DeleteFunc(pred func(key K, value V) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, value := range m.data {
		if pred(key, value) {
			delete(m.data, key)
			removed++
		}
	}
	return removed
}
