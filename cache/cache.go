// Package cache provides the shared key/value cache used for model
// cache-aside loading, rate limit counters, and update throttling. Values are
// stored through a Backend capability so the redis client can be swapped for
// an in-memory implementation in tests.
package cache

import (
	"context"
	"time"

	"github.com/KarpelesLab/pjson"
)

// Backend is the minimal capability set the cache needs from its store.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Incr(ctx context.Context, key string, delta int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Cache prefixes keys, applies a default TTL and JSON-encodes values.
type Cache struct {
	b      Backend
	prefix string
	ttl    time.Duration
}

// New returns a cache over the given backend. defaultTTL applies to Set calls
// passing a non-positive TTL.
func New(b Backend, prefix string, defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Cache{b: b, prefix: prefix, ttl: defaultTTL}
}

// Get loads the value stored under key into out. The second return is false
// when the key does not exist.
func (c *Cache) Get(ctx context.Context, key string, out any) (bool, error) {
	c.track(ctx, "get", key)
	raw, ok, err := c.b.Get(ctx, c.prefix+key)
	if err != nil || !ok {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := pjson.Unmarshal(raw, out); err != nil {
		// stale or foreign value, drop it
		c.b.Delete(ctx, c.prefix+key)
		return false, nil
	}
	return true, nil
}

// Set stores val under key. A non-positive ttl uses the cache default.
func (c *Cache) Set(ctx context.Context, key string, val any, ttl time.Duration) error {
	c.track(ctx, "set", key)
	raw, err := pjson.Marshal(val)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.b.Set(ctx, c.prefix+key, raw, ttl)
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.track(ctx, "delete", key)
	return c.b.Delete(ctx, c.prefix+key)
}

// Inc increments a counter key, creating it if needed. When the key is newly
// created (the counter equals delta) and ttl is positive, the key expires
// after ttl. Returns the post-increment value.
func (c *Cache) Inc(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	c.track(ctx, "inc", key)
	v, err := c.b.Incr(ctx, c.prefix+key, delta)
	if err != nil {
		return 0, err
	}
	if ttl > 0 && v == delta {
		if err := c.b.Expire(ctx, c.prefix+key, ttl); err != nil {
			return v, err
		}
	}
	return v, nil
}

// TTL returns the time until key expires.
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.b.TTL(ctx, c.prefix+key)
}

func (c *Cache) track(ctx context.Context, op, key string) {
	if t := TrackerFrom(ctx); t != nil {
		t.record(op, key)
	}
}
