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
	"github.com/linkwithmentor/platform/infrastructure/logging"
	"github.com/linkwithmentor/platform/infrastructure/store"
	"github.com/linkwithmentor/platform/services/bus"
	"github.com/linkwithmentor/platform/services/registry"
)

// instance is one simulated chat instance sharing the test Redis.
type instance struct {
	reg    *registry.Registry
	fanout *Fanout
}

func newInstance(t *testing.T, mr *miniredis.Miniredis) *instance {
	t.Helper()
	logger := logging.New("fanout-test", "error", "text")

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvStore := kv.NewRedisFromClient(client)
	t.Cleanup(func() { _ = kvStore.Close() })

	reg := registry.New(5, logger)
	b := bus.New(kvStore, "chat", logger, nil)
	presence := NewPresenceTracker(kvStore)
	offline := NewOfflineQueue(kvStore, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	fanout, err := NewFanout(ctx, reg, b, presence, offline, time.Second, logger, nil)
	require.NoError(t, err)
	t.Cleanup(fanout.Close)

	return &instance{reg: reg, fanout: fanout}
}

func receivedFrames(c *registry.Conn, wait time.Duration) []Frame {
	deadline := time.After(wait)
	var frames []Frame
	for {
		select {
		case payload, ok := <-c.Outbound():
			if !ok {
				return frames
			}
			var f Frame
			if err := unmarshalFrame(payload, &f); err == nil && f.Type == FrameMessageReceived {
				frames = append(frames, f)
			}
		case <-deadline:
			return frames
		}
	}
}

func TestFanout_GroupMessageAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	i1 := newInstance(t, mr)
	i2 := newInstance(t, mr)

	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	groupID := uuid.New()
	roomID := GroupRoomID(groupID)
	ctx := context.Background()

	// Alice on instance 1; Bob and Carol on instance 2.
	ca := registry.NewConn(alice, "alice", 32)
	require.NoError(t, i1.reg.Add(ca))
	i1.fanout.JoinRoom(ctx, alice, "alice", roomID)

	cb := registry.NewConn(bob, "bob", 32)
	cc := registry.NewConn(carol, "carol", 32)
	require.NoError(t, i2.reg.Add(cb))
	require.NoError(t, i2.reg.Add(cc))
	i2.fanout.JoinRoom(ctx, bob, "bob", roomID)
	i2.fanout.JoinRoom(ctx, carol, "carol", roomID)

	msg := &store.Message{
		ID:         uuid.New(),
		SenderID:   alice,
		GroupID:    &groupID,
		Body:       "hello",
		Kind:       store.MessageText,
		Moderation: store.ModerationApproved,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, i1.fanout.DeliverNew(ctx, msg, "alice"))

	// Bob and Carol each receive exactly one frame even though the message
	// rides both the global topic and the room fan-out topic.
	bobFrames := receivedFrames(cb, time.Second)
	carolFrames := receivedFrames(cc, time.Second)
	require.Len(t, bobFrames, 1, "bob must receive exactly one copy")
	require.Len(t, carolFrames, 1, "carol must receive exactly one copy")
	assert.Equal(t, "hello", bobFrames[0].Body)
	assert.Equal(t, msg.ID, *carolFrames[0].MessageID)

	// The sender gets no echo.
	assert.Empty(t, receivedFrames(ca, 200*time.Millisecond))
}

func TestFanout_DirectMessageToPeerInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	i1 := newInstance(t, mr)
	i2 := newInstance(t, mr)

	alice, bob := uuid.New(), uuid.New()
	ctx := context.Background()

	require.NoError(t, i1.reg.Add(registry.NewConn(alice, "alice", 32)))
	cb := registry.NewConn(bob, "bob", 32)
	require.NoError(t, i2.reg.Add(cb))

	msg := &store.Message{
		ID:          uuid.New(),
		SenderID:    alice,
		RecipientID: &bob,
		Body:        "direct hi",
		Kind:        store.MessageText,
		Moderation:  store.ModerationApproved,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, i1.fanout.DeliverNew(ctx, msg, "alice"))

	frames := receivedFrames(cb, time.Second)
	require.Len(t, frames, 1)
	assert.Equal(t, "direct hi", frames[0].Body)
}

func TestFanout_DuplicatePublishDeliversOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	i1 := newInstance(t, mr)
	i2 := newInstance(t, mr)

	alice, bob := uuid.New(), uuid.New()
	ctx := context.Background()

	require.NoError(t, i1.reg.Add(registry.NewConn(alice, "alice", 32)))
	cb := registry.NewConn(bob, "bob", 32)
	require.NoError(t, i2.reg.Add(cb))

	msg := &store.Message{
		ID:          uuid.New(),
		SenderID:    alice,
		RecipientID: &bob,
		Body:        "once",
		Kind:        store.MessageText,
		Moderation:  store.ModerationApproved,
		CreatedAt:   time.Now().UTC(),
	}
	// The same message published twice by the same instance delivers once.
	require.NoError(t, i1.fanout.DeliverNew(ctx, msg, "alice"))
	require.NoError(t, i1.fanout.DeliverNew(ctx, msg, "alice"))

	frames := receivedFrames(cb, time.Second)
	assert.Len(t, frames, 1, "duplicate publishes with the same message id must deduplicate")
}
