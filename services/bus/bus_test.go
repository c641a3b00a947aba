package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkwithmentor/platform/infrastructure/kv"
	"github.com/linkwithmentor/platform/infrastructure/logging"
)

func newTestBusPair(t *testing.T) (*Bus, *Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := logging.New("bus-test", "error", "text")

	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	storeA := kv.NewRedisFromClient(clientA)
	t.Cleanup(func() { _ = storeA.Close() })

	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	storeB := kv.NewRedisFromClient(clientB)
	t.Cleanup(func() { _ = storeB.Close() })

	return New(storeA, "chat", logger, nil), New(storeB, "chat", logger, nil)
}

type captured struct {
	mu   sync.Mutex
	envs []Envelope
}

func (c *captured) handler(_ string, env Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
}

func (c *captured) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func TestBus_PeerReceivesEnvelope(t *testing.T) {
	a, b := newTestBusPair(t)
	ctx := context.Background()

	got := &captured{}
	stop, err := b.Subscribe(ctx, got.handler, TopicChatMessages)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, a.Publish(ctx, TopicChatMessages, "chat_message", map[string]string{"body": "hi"}))

	require.Eventually(t, func() bool { return got.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	got.mu.Lock()
	env := got.envs[0]
	got.mu.Unlock()
	assert.Equal(t, "chat_message", env.Kind)
	assert.Equal(t, a.InstanceID(), env.SenderInstance)
	assert.JSONEq(t, `{"body":"hi"}`, string(env.Payload))
}

func TestBus_SuppressesOwnEnvelopes(t *testing.T) {
	a, _ := newTestBusPair(t)
	ctx := context.Background()

	got := &captured{}
	stop, err := a.Subscribe(ctx, got.handler, TopicChatMessages)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, a.Publish(ctx, TopicChatMessages, "chat_message", map[string]string{"body": "loop"}))

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, got.count(), "an instance must drop its own publishes")
}

func TestBus_InstanceIDsAreUnique(t *testing.T) {
	a, b := newTestBusPair(t)
	assert.NotEqual(t, a.InstanceID(), b.InstanceID())
}

func TestTopicHelpers(t *testing.T) {
	assert.Equal(t, "fanout:session_42", FanoutTopic("session_42"))
	assert.Equal(t, "collaboration:abc", CollaborationTopic("abc"))
	assert.Equal(t, "whiteboard:wb1", WhiteboardTopic("wb1"))
}
