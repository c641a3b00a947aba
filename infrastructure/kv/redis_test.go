package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisFromClient(client)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStore_SetGetDel(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", 0))

	val, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	require.NoError(t, store.Del(ctx, "k"))

	_, err = store.Get(ctx, "k")
	assert.True(t, IsNil(err))
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "ephemeral", "v", time.Minute))

	mr.FastForward(2 * time.Minute)

	_, err := store.Get(ctx, "ephemeral")
	assert.True(t, IsNil(err))
}

func TestRedisStore_IncrAtomicWithTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	n, err := store.Incr(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.Incr(ctx, "counter", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	mr.FastForward(2 * time.Minute)

	n, err = store.Incr(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "counter restarts after TTL")
}

func TestRedisStore_ListFIFO(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RPush(ctx, "queue", "a"))
	require.NoError(t, store.RPush(ctx, "queue", "b", "c"))

	items, err := store.LRange(ctx, "queue", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, items)

	n, err := store.LLen(ctx, "queue")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestRedisStore_LDrainAtomicallyClears(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RPush(ctx, "queue", "a", "b"))

	items, err := store.LDrain(ctx, "queue")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, items)

	n, err := store.LLen(ctx, "queue")
	require.NoError(t, err)
	assert.Zero(t, n)

	// Draining an empty queue is not an error.
	items, err = store.LDrain(ctx, "queue")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRedisStore_LockFencing(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	token, ok, err := store.TryLock(ctx, "lock", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = store.TryLock(ctx, "lock", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while held")

	released, err := store.Unlock(ctx, "lock", "wrong-token")
	require.NoError(t, err)
	assert.False(t, released, "foreign token must not release the lock")

	released, err = store.Unlock(ctx, "lock", token)
	require.NoError(t, err)
	assert.True(t, released)

	_, ok, err = store.TryLock(ctx, "lock", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock reacquirable after release")
}

func TestRedisStore_RefreshLock(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	token, ok, err := store.TryLock(ctx, "lease", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	renewed, err := store.RefreshLock(ctx, "lease", token, 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed)

	renewed, err = store.RefreshLock(ctx, "lease", "other", time.Minute)
	require.NoError(t, err)
	assert.False(t, renewed)
}

func TestRedisStore_CheckRateLimit(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := store.CheckRateLimit(ctx, "rl", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "hit %d within limit", i)
	}

	ok, err := store.CheckRateLimit(ctx, "rl", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "fourth hit exceeds limit")

	mr.FastForward(2 * time.Minute)

	ok, err = store.CheckRateLimit(ctx, "rl", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "window reset after expiry")
}

func TestRedisStore_PubSubDelivers(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, "topic")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, store.Publish(ctx, "topic", []byte("hello")))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "topic", msg.Topic)
		assert.Equal(t, []byte("hello"), msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pub-sub delivery")
	}
}

func TestRedisStore_PubSubOrderingSingleTopic(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, "ordered")
	require.NoError(t, err)
	defer sub.Close()

	for _, payload := range []string{"1", "2", "3"} {
		require.NoError(t, store.Publish(ctx, "ordered", []byte(payload)))
	}

	for _, want := range []string{"1", "2", "3"} {
		select {
		case msg := <-sub.Channel():
			assert.Equal(t, want, string(msg.Payload))
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}
