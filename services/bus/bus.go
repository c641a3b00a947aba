// Package bus layers instance-tagged JSON envelopes over the shared pub-sub
// store. Every instance publishes with its own id and drops its own messages
// on receipt, so fan-out handlers run exactly once per peer instance.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/linkwithmentor/platform/infrastructure/kv"
	"github.com/linkwithmentor/platform/infrastructure/logging"
	"github.com/linkwithmentor/platform/infrastructure/metrics"
)

// Inter-service topics.
const (
	TopicChatMessages = "chat:messages"
	TopicChatPresence = "chat:presence"
	TopicChatTyping   = "chat:typing"
	TopicChatRooms    = "chat:rooms"
	TopicChatDelivery = "chat:delivery"

	TopicSignaling = "webrtc:signaling"
	TopicICE       = "webrtc:ice"
	TopicMedia     = "webrtc:media"
)

// FanoutTopic returns the per-room fan-out topic.
func FanoutTopic(roomID string) string {
	return "fanout:" + roomID
}

// CollaborationTopic returns the per-session collaboration topic.
func CollaborationTopic(sessionID string) string {
	return "collaboration:" + sessionID
}

// WhiteboardTopic returns the per-whiteboard topic.
func WhiteboardTopic(whiteboardID string) string {
	return "whiteboard:" + whiteboardID
}

// Envelope is the uniform cross-instance payload. Kind discriminates the
// payload; SenderInstance enables loopback suppression.
type Envelope struct {
	Kind           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	SenderInstance string          `json:"sender_instance"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Handler consumes one envelope from a topic.
type Handler func(topic string, env Envelope)

// Bus publishes and subscribes instance-tagged envelopes.
type Bus struct {
	kv         kv.Store
	instanceID string
	service    string
	logger     *logging.Logger
	metrics    *metrics.Metrics
}

// New creates a Bus with a boot-unique instance id. Instance ids MUST be
// unique across processes; loopback suppression breaks otherwise.
func New(store kv.Store, service string, logger *logging.Logger, m *metrics.Metrics) *Bus {
	return &Bus{
		kv:         store,
		instanceID: service + "-" + uuid.New().String(),
		service:    service,
		logger:     logger,
		metrics:    m,
	}
}

// InstanceID returns the boot-unique instance id.
func (b *Bus) InstanceID() string {
	return b.instanceID
}

// Publish wraps payload in an envelope and publishes it on topic.
func (b *Bus) Publish(ctx context.Context, topic, kind string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := Envelope{
		Kind:           kind,
		Payload:        raw,
		SenderInstance: b.instanceID,
		Timestamp:      time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if b.metrics != nil {
		b.metrics.RecordPubSub(b.service, topic, "publish")
	}
	return b.kv.Publish(ctx, topic, data)
}

// Subscribe consumes topics on a background goroutine until ctx is cancelled
// or the returned stop function is called. Envelopes published by this
// instance are dropped.
func (b *Bus) Subscribe(ctx context.Context, handler Handler, topics ...string) (stop func(), err error) {
	sub, err := b.kv.Subscribe(ctx, topics...)
	if err != nil {
		return nil, err
	}
	go b.consume(ctx, sub, handler)
	return func() { _ = sub.Close() }, nil
}

// PSubscribe is Subscribe over topic patterns (e.g. "fanout:*").
func (b *Bus) PSubscribe(ctx context.Context, handler Handler, patterns ...string) (stop func(), err error) {
	sub, err := b.kv.PSubscribe(ctx, patterns...)
	if err != nil {
		return nil, err
	}
	go b.consume(ctx, sub, handler)
	return func() { _ = sub.Close() }, nil
}

func (b *Bus) consume(ctx context.Context, sub kv.Subscription, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			_ = sub.Close()
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				if b.logger != nil {
					b.logger.WithError(err).WithFields(map[string]interface{}{
						"topic": msg.Topic,
					}).Warn("Dropping malformed bus envelope")
				}
				continue
			}
			if env.SenderInstance == b.instanceID {
				continue
			}
			if b.metrics != nil {
				b.metrics.RecordPubSub(b.service, msg.Topic, "receive")
			}
			handler(msg.Topic, env)
		}
	}
}
