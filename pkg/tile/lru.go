package tile

import (
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/pkg/errors"
)

// RecencyCache is a fixed-capacity cache in least-recently-used order. It is
// not locked internally; the owning store serializes access, the same way
// simplelru expects.
type RecencyCache[K comparable, V any] struct {
	lru     *simplelru.LRU[K, V]
	evicted *lruEntry[K, V]
}

type lruEntry[K comparable, V any] struct {
	key K
	val V
}

func NewRecencyCache[K comparable, V any](capacity int) (*RecencyCache[K, V], error) {
	c := &RecencyCache[K, V]{}
	l, err := simplelru.NewLRU(capacity, func(k K, v V) {
		c.evicted = &lruEntry[K, V]{k, v}
	})
	if err != nil {
		return nil, errors.Wrap(err, "recency cache")
	}
	c.lru = l
	return c, nil
}

// Get returns the value for k and marks it most recently used.
func (c *RecencyCache[K, V]) Get(k K) (V, bool) {
	return c.lru.Get(k)
}

// Contains reports membership without disturbing the recency order.
func (c *RecencyCache[K, V]) Contains(k K) bool {
	return c.lru.Contains(k)
}

// Set inserts or updates k and marks it most recently used. When inserting a
// new key at capacity displaced the least recently used entry, Set returns
// that entry so the caller can release whatever it was backing.
func (c *RecencyCache[K, V]) Set(k K, v V) (K, V, bool) {
	c.evicted = nil
	c.lru.Add(k, v)
	if e := c.evicted; e != nil {
		c.evicted = nil
		return e.key, e.val, true
	}
	var zk K
	var zv V
	return zk, zv, false
}

func (c *RecencyCache[K, V]) Delete(k K) bool {
	ok := c.lru.Remove(k)
	c.evicted = nil
	return ok
}

// Keys returns the cached keys ordered oldest to newest.
func (c *RecencyCache[K, V]) Keys() []K {
	return c.lru.Keys()
}

func (c *RecencyCache[K, V]) Len() int {
	return c.lru.Len()
}

func (c *RecencyCache[K, V]) Clear() {
	c.lru.Purge()
	c.evicted = nil
}
