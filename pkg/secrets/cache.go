package secrets

import (
	"context"
	"sync"
	"time"
)

// entry holds either a resolved value or, for a negative entry, the error a
// lookup failed with.
type entry[T any] struct {
	value   T
	err     error
	expires time.Time
}

type flight[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Cache keeps resolved integrator secrets for a TTL. Lookups through Load
// for the same key share one provider call, and failures accepted by the
// negative matcher are remembered for a shorter TTL so unknown client ids do
// not reach Secrets Manager on every request.
type Cache[T any] struct {
	mu       sync.Mutex
	entries  map[string]entry[T]
	inflight map[string]*flight[T]

	ttl      time.Duration
	negTTL   time.Duration
	negative func(error) bool
	now      func() time.Time
}

func NewCache[T any](ttl time.Duration) *Cache[T] {
	return &Cache[T]{
		entries:  make(map[string]entry[T]),
		inflight: make(map[string]*flight[T]),
		ttl:      ttl,
		now:      time.Now,
	}
}

// WithNegative enables caching of errors for which match returns true.
func (c *Cache[T]) WithNegative(ttl time.Duration, match func(error) bool) *Cache[T] {
	c.mu.Lock()
	c.negTTL, c.negative = ttl, match
	c.mu.Unlock()
	return c
}

// lookup returns a live entry; expired entries are dropped. Callers hold mu.
func (c *Cache[T]) lookup(key string) (entry[T], bool) {
	e, ok := c.entries[key]
	if !ok {
		return e, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return e, false
	}
	return e, true
}

// Get returns the cached value of key. Negative entries report a miss.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok || e.err != nil {
		var zero T
		return zero, false
	}
	return e.value, true
}

func (c *Cache[T]) Put(key string, value T) {
	c.mu.Lock()
	c.entries[key] = entry[T]{value: value, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Load returns the cached value or error of key, or runs fetch once for all
// concurrent callers of the same key. hit reports whether the cache answered.
func (c *Cache[T]) Load(ctx context.Context, key string, fetch func(context.Context) (T, error)) (value T, hit bool, err error) {
	c.mu.Lock()
	if e, ok := c.lookup(key); ok {
		c.mu.Unlock()
		return e.value, true, e.err
	}
	if f, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.value, false, f.err
		case <-ctx.Done():
			var zero T
			return zero, false, ctx.Err()
		}
	}
	f := &flight[T]{done: make(chan struct{})}
	c.inflight[key] = f
	c.mu.Unlock()

	f.value, f.err = fetch(ctx)

	c.mu.Lock()
	delete(c.inflight, key)
	switch {
	case f.err == nil:
		c.entries[key] = entry[T]{value: f.value, expires: c.now().Add(c.ttl)}
	case c.negative != nil && c.negative(f.err):
		c.entries[key] = entry[T]{err: f.err, expires: c.now().Add(c.negTTL)}
	}
	c.mu.Unlock()
	close(f.done)
	return f.value, false, f.err
}

// Bust deletes a single entry, e.g. after a key rotation.
func (c *Cache[T]) Bust(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// StartCleaner sweeps expired entries every interval until stop is closed.
func (c *Cache[T]) StartCleaner(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-stop:
			return
		}
	}
}

func (c *Cache[T]) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if _, ok := c.lookup(k); !ok {
			n++
		}
	}
	return n
}
