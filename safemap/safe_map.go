// Package safemap provides a generic map guarded by a read-write mutex, used
// for registries that are written from one goroutine and read from many.
package safemap

import "sync"

// SafeMap is a concurrent map with an O(1) Len. The zero value is not usable;
// create one with NewSafeMap.
type SafeMap[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// NewSafeMap returns an empty SafeMap.
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{m: make(map[K]V)}
}

// Store sets the value for k, replacing any previous value.
func (s *SafeMap[K, V]) Store(k K, v V) {
	s.mu.Lock()
	s.m[k] = v
	s.mu.Unlock()
}

// LoadOrStore returns the existing value for k if present. Otherwise it stores
// v and returns it.
//
// Returns:
//   - The value now associated with k
//   - true if the value was already present, false if v was stored
func (s *SafeMap[K, V]) LoadOrStore(k K, v V) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.m[k]; ok {
		return existing, true
	}

	s.m[k] = v
	return v, false
}

// Load returns the value for k and whether it was present.
func (s *SafeMap[K, V]) Load(k K) (V, bool) {
	s.mu.RLock()
	v, ok := s.m[k]
	s.mu.RUnlock()
	return v, ok
}

// LoadAndDelete removes k and returns the value it held, if any.
func (s *SafeMap[K, V]) LoadAndDelete(k K) (V, bool) {
	s.mu.Lock()
	v, ok := s.m[k]
	if ok {
		delete(s.m, k)
	}
	s.mu.Unlock()
	return v, ok
}

// Delete removes k. Deleting a missing key is a no-op.
func (s *SafeMap[K, V]) Delete(k K) {
	s.mu.Lock()
	delete(s.m, k)
	s.mu.Unlock()
}

// Has reports whether k is present.
func (s *SafeMap[K, V]) Has(k K) bool {
	_, ok := s.Load(k)
	return ok
}

// Len returns the number of entries.
func (s *SafeMap[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Values returns a snapshot of the stored values in no particular order. The
// snapshot may be used while the map keeps changing.
func (s *SafeMap[K, V]) Values() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]V, 0, len(s.m))
	for _, v := range s.m {
		out = append(out, v)
	}

	return out
}

// Range calls f for every entry of a snapshot taken when Range starts, so f
// may modify the map. Iteration stops when f returns false.
//
// Parameters:
//   - f: Function called for each entry; return false to stop
func (s *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	s.mu.RLock()
	keys := make([]K, 0, len(s.m))
	values := make([]V, 0, len(s.m))
	for k, v := range s.m {
		keys = append(keys, k)
		values = append(values, v)
	}
	s.mu.RUnlock()

	for i := range keys {
		if !f(keys[i], values[i]) {
			return
		}
	}
}
