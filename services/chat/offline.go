package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/linkwithmentor/platform/infrastructure/kv"
)

const offlineKeyPrefix = "offline_messages:"

// OfflineQueue holds serialized frames for recipients with no live
// connection anywhere. Appends go to the tail so the drain replays strictly
// in arrival order; the whole queue expires after the TTL of silence.
type OfflineQueue struct {
	kv  kv.Store
	ttl time.Duration
}

// NewOfflineQueue builds a queue with the given retention.
func NewOfflineQueue(store kv.Store, ttl time.Duration) *OfflineQueue {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &OfflineQueue{kv: store, ttl: ttl}
}

func offlineKey(userID uuid.UUID) string {
	return offlineKeyPrefix + userID.String()
}

// Enqueue appends a frame for the user.
func (q *OfflineQueue) Enqueue(ctx context.Context, userID uuid.UUID, frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	key := offlineKey(userID)
	if err := q.kv.RPush(ctx, key, string(data)); err != nil {
		return err
	}
	return q.kv.Expire(ctx, key, q.ttl)
}

// Drain atomically returns all queued frames in FIFO order and clears the
// queue. Frames that fail to decode are dropped rather than wedging the
// drain.
func (q *OfflineQueue) Drain(ctx context.Context, userID uuid.UUID) ([]*Frame, error) {
	items, err := q.kv.LDrain(ctx, offlineKey(userID))
	if err != nil {
		return nil, err
	}

	frames := make([]*Frame, 0, len(items))
	for _, item := range items {
		var f Frame
		if err := json.Unmarshal([]byte(item), &f); err != nil {
			continue
		}
		frames = append(frames, &f)
	}
	return frames, nil
}

// Len returns the queue depth.
func (q *OfflineQueue) Len(ctx context.Context, userID uuid.UUID) (int64, error) {
	return q.kv.LLen(ctx, offlineKey(userID))
}
