package chat

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/linkwithmentor/platform/infrastructure/kv"
)

const (
	presenceKeyPrefix = "presence:"
	presenceTTL       = 5 * time.Minute
)

// PresenceTracker maintains the global presence set in the shared store. Each
// instance increments a per-user counter when the user gains their first
// local connection and decrements when they lose their last, so a user is
// online-anywhere iff the counter is positive. Keys carry a TTL refreshed
// while the user stays connected, bounding staleness after an instance crash.
type PresenceTracker struct {
	kv kv.Store
}

// NewPresenceTracker builds a tracker over the shared store.
func NewPresenceTracker(store kv.Store) *PresenceTracker {
	return &PresenceTracker{kv: store}
}

func presenceKey(userID uuid.UUID) string {
	return presenceKeyPrefix + userID.String()
}

// MarkOnline counts a new instance-local presence for the user.
func (p *PresenceTracker) MarkOnline(ctx context.Context, userID uuid.UUID) error {
	_, err := p.kv.Incr(ctx, presenceKey(userID), 1, presenceTTL)
	return err
}

// MarkOffline releases the instance-local presence. The key is removed when
// no instance holds a connection.
func (p *PresenceTracker) MarkOffline(ctx context.Context, userID uuid.UUID) error {
	count, err := p.kv.Incr(ctx, presenceKey(userID), -1, presenceTTL)
	if err != nil {
		return err
	}
	if count <= 0 {
		return p.kv.Del(ctx, presenceKey(userID))
	}
	return nil
}

// IsOnlineAnywhere reports whether any instance holds a connection for the
// user.
func (p *PresenceTracker) IsOnlineAnywhere(ctx context.Context, userID uuid.UUID) (bool, error) {
	val, err := p.kv.Get(ctx, presenceKey(userID))
	if err != nil {
		if kv.IsNil(err) {
			return false, nil
		}
		return false, err
	}
	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, nil
	}
	return count > 0, nil
}

// Refresh extends the TTL for users still connected locally. Called from the
// periodic sweep so a long-lived connection never ages out of the set.
func (p *PresenceTracker) Refresh(ctx context.Context, userIDs []uuid.UUID) {
	for _, id := range userIDs {
		_ = p.kv.Expire(ctx, presenceKey(id), presenceTTL)
	}
}
