package chat

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkwithmentor/platform/infrastructure/kv"
)

func newTestKV(t *testing.T) (kv.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewRedisFromClient(client)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestOfflineQueue_DrainsInFIFOOrder(t *testing.T) {
	kvStore, _ := newTestKV(t)
	queue := NewOfflineQueue(kvStore, time.Hour)
	ctx := context.Background()
	userID := uuid.New()

	for _, body := range []string{"first", "second", "third"} {
		id := uuid.New()
		require.NoError(t, queue.Enqueue(ctx, userID, &Frame{
			Type:      FrameMessageReceived,
			MessageID: &id,
			Body:      body,
		}))
	}

	frames, err := queue.Drain(ctx, userID)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, "first", frames[0].Body)
	assert.Equal(t, "second", frames[1].Body)
	assert.Equal(t, "third", frames[2].Body)

	// The drain clears the queue.
	n, err := queue.Len(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOfflineQueue_ExpiresOnSilence(t *testing.T) {
	kvStore, mr := newTestKV(t)
	queue := NewOfflineQueue(kvStore, time.Hour)
	ctx := context.Background()
	userID := uuid.New()

	id := uuid.New()
	require.NoError(t, queue.Enqueue(ctx, userID, &Frame{Type: FrameMessageReceived, MessageID: &id, Body: "hi"}))

	mr.FastForward(2 * time.Hour)

	frames, err := queue.Drain(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestPresenceTracker_OnlineOfflineCounting(t *testing.T) {
	kvStore, _ := newTestKV(t)
	tracker := NewPresenceTracker(kvStore)
	ctx := context.Background()
	userID := uuid.New()

	online, err := tracker.IsOnlineAnywhere(ctx, userID)
	require.NoError(t, err)
	assert.False(t, online)

	// Two instances each count one local presence.
	require.NoError(t, tracker.MarkOnline(ctx, userID))
	require.NoError(t, tracker.MarkOnline(ctx, userID))

	online, err = tracker.IsOnlineAnywhere(ctx, userID)
	require.NoError(t, err)
	assert.True(t, online)

	require.NoError(t, tracker.MarkOffline(ctx, userID))
	online, err = tracker.IsOnlineAnywhere(ctx, userID)
	require.NoError(t, err)
	assert.True(t, online, "still online on the other instance")

	require.NoError(t, tracker.MarkOffline(ctx, userID))
	online, err = tracker.IsOnlineAnywhere(ctx, userID)
	require.NoError(t, err)
	assert.False(t, online)
}
