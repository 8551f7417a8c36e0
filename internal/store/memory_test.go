package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playforge/gateway/internal/store"
)

func TestMemoryKV(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	t.Run("get missing key", func(t *testing.T) {
		_, ok, err := m.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("set then get", func(t *testing.T) {
		require.NoError(t, m.Set(ctx, "k", "v", 0))
		val, ok, err := m.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "v", val)

		exists, err := m.Exists(ctx, "k")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("ttl expires", func(t *testing.T) {
		require.NoError(t, m.Set(ctx, "ephemeral", "v", 10*time.Millisecond))
		time.Sleep(25 * time.Millisecond)
		_, ok, err := m.Get(ctx, "ephemeral")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("del", func(t *testing.T) {
		require.NoError(t, m.Set(ctx, "gone", "v", 0))
		require.NoError(t, m.Del(ctx, "gone"))
		_, ok, err := m.Get(ctx, "gone")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMemoryIncrWindow(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	for i := int64(1); i <= 3; i++ {
		n, err := m.IncrWindow(ctx, "counter", 50*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	// A fresh window restarts the count.
	time.Sleep(75 * time.Millisecond)
	n, err := m.IncrWindow(ctx, "counter", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemorySets(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	require.NoError(t, m.SetAdd(ctx, "s", "a", "b"))
	require.NoError(t, m.SetAdd(ctx, "s", "b", "c"))

	members, err := m.SetMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, members)

	require.NoError(t, m.SetRemove(ctx, "s", "a", "c"))
	members, err = m.SetMembers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)

	keys, err := m.ScanKeys(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"s"}, keys)
}

func TestMemoryPubSub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := store.NewMemory()

	var mu sync.Mutex
	var got []string
	record := func(channel string, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, channel+"="+string(payload))
	}

	require.NoError(t, m.Subscribe(ctx, record, "exact"))
	require.NoError(t, m.PSubscribe(ctx, record, "user:*:message"))

	require.NoError(t, m.Publish(ctx, "exact", []byte("a")))
	require.NoError(t, m.Publish(ctx, "user:u1:message", []byte("b")))
	require.NoError(t, m.Publish(ctx, "other", []byte("c")))

	mu.Lock()
	assert.ElementsMatch(t, []string{"exact=a", "user:u1:message=b"}, got)
	mu.Unlock()
}

func TestMemorySubscriptionEndsWithContext(t *testing.T) {
	m := store.NewMemory()
	subCtx, subCancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	count := 0
	require.NoError(t, m.Subscribe(subCtx, func(string, []byte) {
		mu.Lock()
		count++
		mu.Unlock()
	}, "ch"))

	require.NoError(t, m.Publish(context.Background(), "ch", []byte("x")))
	subCancel()
	require.NoError(t, m.Publish(context.Background(), "ch", []byte("y")))

	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func TestMemoryLock(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	release, err := m.Lock(ctx, "lock:q", time.Second)
	require.NoError(t, err)

	_, err = m.Lock(ctx, "lock:q", time.Second)
	require.ErrorIs(t, err, store.ErrLockHeld)

	require.NoError(t, release(ctx))

	release2, err := m.Lock(ctx, "lock:q", time.Second)
	require.NoError(t, err)
	require.NoError(t, release2(ctx))
}

func TestMemoryLockExpires(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	stale, err := m.Lock(ctx, "lock:q", 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(25 * time.Millisecond)

	// The ttl elapsed, so a new holder can take the lock.
	release, err := m.Lock(ctx, "lock:q", time.Second)
	require.NoError(t, err)

	// The stale release must not free the new holder's lock.
	require.NoError(t, stale(ctx))
	_, err = m.Lock(ctx, "lock:q", time.Second)
	require.ErrorIs(t, err, store.ErrLockHeld)
	require.NoError(t, release(ctx))
}
