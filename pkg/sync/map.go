package sync

import (
	"sync"

	"golang.org/x/exp/maps"
)

// Map is a map guarded by a RWMutex. Callbacks passed to the *WithFunc methods
// run while the lock is held unless stated otherwise and must not call back
// into the map.
type Map[K comparable, V any] struct {
	mutex sync.RWMutex
	data  map[K]V
}

// NewMap creates map.
func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		data: make(map[K]V),
	}
}

// Store sets the value for a key.
func (m *Map[K, V]) Store(key K, value V) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.data[key] = value
}

// Load returns the value stored in the map for a key.
func (m *Map[K, V]) Load(key K) (value V, ok bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	value, ok = m.data[key]
	return value, ok
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise, it stores and returns the given value. The loaded result is true if the value was loaded, false if stored.
func (m *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	return m.LoadOrStoreWithFunc(key, func() V { return value })
}

// LoadOrStoreWithFunc stores the result of createFunc when the key is absent.
// The lookup and the insertion happen under one lock.
func (m *Map[K, V]) LoadOrStoreWithFunc(key K, createFunc func() V) (actual V, loaded bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if v, ok := m.data[key]; ok {
		return v, true
	}
	v := createFunc()
	m.data[key] = v
	return v, false
}

// StoreIfAbsent stores value only when the key is absent and reports whether it did.
func (m *Map[K, V]) StoreIfAbsent(key K, value V) bool {
	_, loaded := m.LoadOrStore(key, value)
	return !loaded
}

// Range2 calls f sequentially for each key and value present in the map. If f returns false, range stops the iteration.
// Note: The function copies the whole map under a read lock and then iterates this copy unlocked, so f may modify the map.
func (m *Map[K, V]) Range2(f func(key K, value V) bool) {
	mCopy := make(map[K]V)
	m.mutex.RLock()
	maps.Copy(mCopy, m.data)
	m.mutex.RUnlock()
	for key, value := range mCopy {
		ok := f(key, value)
		if !ok {
			return
		}
	}
}

// Keys returns a snapshot of the stored keys.
func (m *Map[K, V]) Keys() []K {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return maps.Keys(m.data)
}

// ReplaceWithFunc computes the new value from the old one atomically. When
// doDelete is true the key is removed instead.
func (m *Map[K, V]) ReplaceWithFunc(key K, onReplaceFunc func(oldValue V, oldLoaded bool) (newValue V, doDelete bool)) (oldValue V, oldLoaded bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	v, ok := m.data[key]
	newValue, del := onReplaceFunc(v, ok)
	if del {
		delete(m.data, key)
		return v, ok
	}
	m.data[key] = newValue
	return v, ok
}

// Delete deletes the value for a key.
func (m *Map[K, V]) Delete(key K) (deleted bool) {
	_, ok := m.PullOut(key)
	return ok
}

// DeleteIf deletes the value for key when cond returns true for it.
func (m *Map[K, V]) DeleteIf(key K, cond func(value V) bool) (deleted bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	v, ok := m.data[key]
	if !ok || !cond(v) {
		return false
	}
	delete(m.data, key)
	return true
}

// PullOut loads and deletes the value for a key.
func (m *Map[K, V]) PullOut(key K) (value V, ok bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	value, ok = m.data[key]
	delete(m.data, key)
	return value, ok
}

// PullOutAll extracts internal map data and replace it with empty map.
func (m *Map[K, V]) PullOutAll() map[K]V {
	m.mutex.Lock()
	data := m.data
	m.data = make(map[K]V)
	m.mutex.Unlock()
	return data
}

// PullOutMatching removes and returns every entry for which match returns true.
func (m *Map[K, V]) PullOutMatching(match func(key K, value V) bool) map[K]V {
	res := make(map[K]V)
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for k, v := range m.data {
		if match(k, v) {
			res[k] = v
			delete(m.data, k)
		}
	}
	return res
}

// Length returns number of stored values.
func (m *Map[K, V]) Length() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.data)
}
