// Package kv abstracts the shared key/value store and pub-sub bus used for
// cross-instance coordination. Values with TTLs, atomic counters, ordered
// lists, topic pub-sub, and distributed locks are all served by a single
// external store; every platform service talks to it through this package.
package kv

import (
	"context"
	"time"
)

// Store is the process-external shared state contract.
//
// Pub-sub delivery is at-most-once and lossy on subscriber churn; durable
// delivery is layered above via per-user offline queues. Ordering within a
// single subscription on a single topic is preserved by the underlying store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Incr atomically increments key by delta and, when ttl > 0, resets the
	// key's expiry to ttl on every call. Returns the post-increment value.
	Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LPop(ctx context.Context, key string) (string, error)
	LLen(ctx context.Context, key string) (int64, error)
	// LDrain atomically returns the whole list and deletes the key.
	LDrain(ctx context.Context, key string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
	PSubscribe(ctx context.Context, patterns ...string) (Subscription, error)

	// TryLock acquires a distributed lock, returning a fencing token that must
	// be presented to Unlock. ok is false when another holder owns the lock.
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Unlock releases the lock iff token matches the current holder.
	Unlock(ctx context.Context, key, token string) (bool, error)
	// RefreshLock extends the lease iff token matches the current holder.
	RefreshLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// CheckRateLimit atomically counts a hit against key and reports whether
	// the caller is within limit for the window.
	CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error)

	Close() error
}

// Message is a single pub-sub delivery.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription is a stream of messages for one or more topics. Channel is
// closed when the subscription is torn down.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// ErrNil is returned by Get/LPop when the key does not exist.
type ErrNil struct{ Key string }

func (e *ErrNil) Error() string { return "kv: nil value for key " + e.Key }

// IsNil reports whether err is a missing-key error.
func IsNil(err error) bool {
	_, ok := err.(*ErrNil)
	return ok
}
