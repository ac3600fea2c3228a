package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	val     []byte
	expires time.Time // zero means no expiry
}

type memoryBackend struct {
	mu sync.Mutex
	m  map[string]memoryEntry
}

// NewMemory returns an in-process Backend. It is used in tests and in
// deployments without a shared cache; counters are then per-process.
func NewMemory() Backend {
	return &memoryBackend{m: make(map[string]memoryEntry)}
}

func (b *memoryBackend) get(key string) (memoryEntry, bool) {
	e, ok := b.m[key]
	if !ok {
		return e, false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(b.m, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (b *memoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.get(key)
	if !ok {
		return nil, false, nil
	}
	return e.val, true, nil
}

func (b *memoryBackend) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := memoryEntry{val: val}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	b.m[key] = e
	return nil
}

func (b *memoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.m, key)
	return nil
}

func (b *memoryBackend) Incr(_ context.Context, key string, delta int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var cur int64
	if e, ok := b.get(key); ok {
		cur, _ = strconv.ParseInt(string(e.val), 10, 64)
	}
	cur += delta
	e := b.m[key] // keep existing expiry
	e.val = []byte(strconv.FormatInt(cur, 10))
	b.m[key] = e
	return cur, nil
}

func (b *memoryBackend) Expire(_ context.Context, key string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.get(key)
	if !ok {
		return nil
	}
	e.expires = time.Now().Add(ttl)
	b.m[key] = e
	return nil
}

func (b *memoryBackend) TTL(_ context.Context, key string) (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.get(key)
	if !ok || e.expires.IsZero() {
		return -1, nil
	}
	return time.Until(e.expires), nil
}
