package cache

import (
	"context"
	"sync"
)

// OpenFunc allocates the resource for a key and returns its closer.
type OpenFunc[T any] func(ctx context.Context) (T, func() error, error)

type entry[T any] struct {
	ready  chan struct{}
	value  T
	closer func() error
	err    error
	users  int
}

// Cache shares one instance of a resource per key between concurrent
// users and tears it down when the last one releases it.
type Cache[T any] struct {
	mu      sync.Mutex
	entries map[string]*entry[T]
}

// New creates a new Cache
func New[T any]() *Cache[T] {
	return &Cache[T]{entries: make(map[string]*entry[T])}
}

// MaybeOpen returns the cached value for key, calling open only when no
// user currently holds it. hit reports whether the value was reused. The
// returned release must be called exactly once; extra calls are ignored.
func (c *Cache[T]) MaybeOpen(ctx context.Context, key string, open OpenFunc[T]) (value T, hit bool, release func() error, err error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		e.users++
		c.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			c.release(key, e)
			return value, false, nil, ctx.Err()
		}
		if e.err != nil {
			c.release(key, e)
			return value, false, nil, e.err
		}
		return e.value, true, c.releaser(key, e), nil
	}

	e = &entry[T]{ready: make(chan struct{}), users: 1}
	c.entries[key] = e
	c.mu.Unlock()

	e.value, e.closer, e.err = open(ctx)
	if e.err != nil {
		c.mu.Lock()
		if c.entries[key] == e {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		close(e.ready)
		return value, false, nil, e.err
	}
	close(e.ready)
	return e.value, false, c.releaser(key, e), nil
}

// Len is the number of keys currently held.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys lists the keys currently held.
func (c *Cache[T]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

func (c *Cache[T]) releaser(key string, e *entry[T]) func() error {
	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			err = c.release(key, e)
		})
		return err
	}
}

func (c *Cache[T]) release(key string, e *entry[T]) error {
	c.mu.Lock()
	e.users--
	last := e.users == 0
	if last && c.entries[key] == e {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if !last {
		return nil
	}
	select {
	case <-e.ready:
		if e.err == nil && e.closer != nil {
			return e.closer()
		}
	default:
	}
	return nil
}
