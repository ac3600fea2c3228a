package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	c := New(NewMemory(), "t_", time.Minute)
	ctx := context.Background()

	type payload struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}

	require.NoError(t, c.Set(ctx, "users_1", payload{Name: "bob", N: 3}, 0))

	var out payload
	ok, err := c.Get(ctx, "users_1", &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, payload{Name: "bob", N: 3}, out)

	ok, err = c.Get(ctx, "users_2", &out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetExistenceOnly(t *testing.T) {
	c := New(NewMemory(), "t_", time.Minute)
	ctx := context.Background()

	ok, err := c.Get(ctx, "gate", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "gate", 1, 0))
	ok, err = c.Get(ctx, "gate", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDelete(t *testing.T) {
	c := New(NewMemory(), "t_", time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	require.NoError(t, c.Delete(ctx, "k"))

	var out string
	ok, err := c.Get(ctx, "k", &out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	c := New(NewMemory(), "t_", time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 20*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	var out string
	ok, _ := c.Get(ctx, "k", &out)
	assert.False(t, ok)
}

func TestIncWindow(t *testing.T) {
	c := New(NewMemory(), "t_", time.Minute)
	ctx := context.Background()

	n, err := c.Inc(ctx, "counter", 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = c.Inc(ctx, "counter", 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	ttl, err := c.TTL(ctx, "counter")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	// window elapses, counter restarts
	time.Sleep(60 * time.Millisecond)
	n, err = c.Inc(ctx, "counter", 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestPrefixIsolation(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()
	a := New(b, "a_", time.Minute)
	c := New(b, "b_", time.Minute)

	require.NoError(t, a.Set(ctx, "k", "from-a", 0))

	var out string
	ok, _ := c.Get(ctx, "k", &out)
	assert.False(t, ok)
}

func TestTracker(t *testing.T) {
	c := New(NewMemory(), "t_", time.Minute)
	ctx := WithTracker(context.Background())

	c.Set(ctx, "users_1", "v", 0)
	var out string
	c.Get(ctx, "users_1", &out)
	c.Get(ctx, "users_2", &out)
	c.Inc(ctx, "rate_limit_user_1", 1, time.Minute)

	tr := TrackerFrom(ctx)
	require.NotNil(t, tr)
	keys := tr.Keys()
	assert.Equal(t, []string{"users_1", "users_2"}, keys["get"])
	assert.Equal(t, []string{"users_1"}, keys["set"])
	assert.Equal(t, []string{"rate_limit_user_1"}, keys["inc"])
}

func TestTrackerAbsent(t *testing.T) {
	assert.Nil(t, TrackerFrom(context.Background()))

	// cache ops without a tracker must not fail
	c := New(NewMemory(), "t_", time.Minute)
	require.NoError(t, c.Set(context.Background(), "k", "v", 0))
}

func TestStaleValueDropped(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()
	require.NoError(t, b.Set(ctx, "t_k", []byte("not json at all{"), 0))

	c := New(b, "t_", time.Minute)
	var out struct{ A int }
	ok, err := c.Get(ctx, "k", &out)
	require.NoError(t, err)
	assert.False(t, ok)

	// the unreadable entry was evicted
	_, found, _ := b.Get(ctx, "t_k")
	assert.False(t, found)
}
