package cache

import (
	"context"
	"sort"
	"sync"
)

type trackerKey struct{}

// Tracker records the cache keys touched while serving one request, keyed by
// operation. The response pipeline exposes them to operators holding the
// cache debug permission.
type Tracker struct {
	mu   sync.Mutex
	keys map[string]map[string]struct{}
}

// WithTracker attaches a fresh tracker to the context. The pipeline installs
// one per request.
func WithTracker(ctx context.Context) context.Context {
	return context.WithValue(ctx, trackerKey{}, &Tracker{})
}

// TrackerFrom returns the tracker attached to the context, or nil.
func TrackerFrom(ctx context.Context) *Tracker {
	t, _ := ctx.Value(trackerKey{}).(*Tracker)
	return t
}

func (t *Tracker) record(op, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.keys == nil {
		t.keys = make(map[string]map[string]struct{})
	}
	m := t.keys[op]
	if m == nil {
		m = make(map[string]struct{})
		t.keys[op] = m
	}
	m[key] = struct{}{}
}

// Keys returns the touched keys per operation, sorted for stable output.
func (t *Tracker) Keys() map[string][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.keys) == 0 {
		return nil
	}
	res := make(map[string][]string, len(t.keys))
	for op, m := range t.keys {
		lst := make([]string, 0, len(m))
		for k := range m {
			lst = append(lst, k)
		}
		sort.Strings(lst)
		res[op] = lst
	}
	return res
}
