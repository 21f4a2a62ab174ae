package pool

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultLookupCacheSize = 100
	DefaultGeofenceCap     = 1000
)

var ErrLookupFailed = errors.New("lookup failed")

// Cache is a thread-safe LRU whose loads never panic into the caller.
type Cache[K comparable, V any] struct {
	inner *lru.Cache[K, V]
	size  int
}

func NewCache[K comparable, V any](size int) (*Cache[K, V], error) {
	return NewCacheWithEvict[K, V](size, nil)
}

func NewCacheWithEvict[K comparable, V any](size int, onEvict func(K, V)) (*Cache[K, V], error) {
	if size <= 0 {
		size = DefaultLookupCacheSize
	}
	inner, err := lru.NewWithEvict[K, V](size, onEvict)
	if err != nil {
		return nil, fmt.Errorf("new lru cache: %w", err)
	}
	return &Cache[K, V]{inner: inner, size: size}, nil
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	return c.inner.Get(key)
}

func (c *Cache[K, V]) Peek(key K) (V, bool) {
	return c.inner.Peek(key)
}

func (c *Cache[K, V]) Add(key K, value V) (evicted bool) {
	return c.inner.Add(key, value)
}

func (c *Cache[K, V]) Remove(key K) bool {
	return c.inner.Remove(key)
}

func (c *Cache[K, V]) Keys() []K {
	return c.inner.Keys()
}

func (c *Cache[K, V]) Len() int {
	return c.inner.Len()
}

func (c *Cache[K, V]) Cap() int {
	return c.size
}

func (c *Cache[K, V]) Purge() {
	c.inner.Purge()
}

// GetOrLoad returns the cached value or runs load and caches its result.
// A panicking or failing loader yields ErrLookupFailed and caches nothing.
func (c *Cache[K, V]) GetOrLoad(key K, load func(K) (V, error)) (value V, err error) {
	if v, ok := c.inner.Get(key); ok {
		return v, nil
	}
	defer func() {
		if r := recover(); r != nil {
			var zero V
			value, err = zero, fmt.Errorf("%w: %v", ErrLookupFailed, r)
		}
	}()
	v, err := load(key)
	if err != nil {
		var zero V
		return zero, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}
	c.inner.Add(key, v)
	return v, nil
}
