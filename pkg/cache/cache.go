package cache

import (
	"time"

	"github.com/plgd-dev/go-coap-engine/pkg/sync"
	"go.uber.org/atomic"
)

// Element is a cached value with an optional deadline. A zero deadline never expires.
type Element[T any] struct {
	validUntil atomic.Time
	data       T
	onExpire   func(d T)
}

func NewElement[T any](data T, validUntil time.Time, onExpire func(d T)) *Element[T] {
	if onExpire == nil {
		onExpire = func(T) {
			// NO-OP as default
		}
	}
	e := &Element[T]{data: data, onExpire: onExpire}
	e.validUntil.Store(validUntil)
	return e
}

func (e *Element[T]) IsExpired(now time.Time) bool {
	validUntil := e.validUntil.Load()
	if validUntil.IsZero() {
		return false
	}
	return now.After(validUntil)
}

// Touch moves the deadline to validUntil.
func (e *Element[T]) Touch(validUntil time.Time) {
	e.validUntil.Store(validUntil)
}

func (e *Element[T]) ValidUntil() time.Time {
	return e.validUntil.Load()
}

func (e *Element[T]) Data() T {
	return e.data
}

// Cache is a concurrent map of expiring elements. Expired elements are
// invisible to Load and are removed by CheckExpirations.
type Cache[K comparable, V any] struct {
	data *sync.Map[K, *Element[V]]
}

func NewCache[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{
		data: sync.NewMap[K, *Element[V]](),
	}
}

// LoadOrStore loads or creates a new element for key.
//
// If an unexpired element for the key exists then this element is returned
// and loaded is true. Otherwise e replaces whatever was stored and
// (e, false) is returned.
func (c *Cache[K, V]) LoadOrStore(key K, e *Element[V]) (actual *Element[V], loaded bool) {
	now := time.Now()
	c.data.ReplaceWithFunc(key, func(oldValue *Element[V], oldLoaded bool) (*Element[V], bool) {
		if oldLoaded && !oldValue.IsExpired(now) {
			actual = oldValue
			return oldValue, false
		}
		actual = e
		return e, false
	})
	return actual, actual != e
}

// Load returns the unexpired element stored for key, or nil.
func (c *Cache[K, V]) Load(key K) *Element[V] {
	a, ok := c.data.Load(key)
	if !ok || a.IsExpired(time.Now()) {
		return nil
	}
	return a
}

// Delete removes the element for given key from the cache.
func (c *Cache[K, V]) Delete(key K) (deleted bool) {
	return c.data.Delete(key)
}

// DeleteIf removes the element only when it is still e.
func (c *Cache[K, V]) DeleteIf(key K, e *Element[V]) (deleted bool) {
	return c.data.DeleteIf(key, func(v *Element[V]) bool { return v == e })
}

// CheckExpirations deletes expired elements and invokes their onExpire
// function outside of the lock.
func (c *Cache[K, V]) CheckExpirations(now time.Time) {
	expired := c.data.PullOutMatching(func(_ K, e *Element[V]) bool {
		return e.IsExpired(now)
	})
	for _, e := range expired {
		e.onExpire(e.data)
	}
}

// Length returns number of stored elements, expired ones included.
func (c *Cache[K, V]) Length() int {
	return c.data.Length()
}

// PullOutAll removes all elements from the cache and returns them in a map.
func (c *Cache[K, V]) PullOutAll() map[K]V {
	res := make(map[K]V)
	for key, value := range c.data.PullOutAll() {
		res[key] = value.Data()
	}
	return res
}
