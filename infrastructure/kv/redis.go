package kv

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// unlockScript releases a lock only when the fencing token still matches,
// so a holder whose lease expired cannot release a successor's lock.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

// refreshScript extends a lease only for the current holder.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

// rateLimitScript counts a hit in a fixed window. The key expires with the
// window so idle keys clean themselves up. Returns the post-increment count.
var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current`)

// drainScript reads the whole list and deletes it in one step, so a
// concurrent append lands either in the drained batch or in a fresh list.
var drainScript = redis.NewScript(`
local items = redis.call("LRANGE", KEYS[1], 0, -1)
redis.call("DEL", KEYS[1])
return items`)

// RedisStore implements Store on top of a Redis server.
type RedisStore struct {
	client *redis.Client
}

// NewRedis connects to the Redis server at url (redis:// form) and verifies
// the connection with a ping.
func NewRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// NewRedisFromClient wraps an existing client (used by tests with miniredis).
func NewRedisFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", &ErrNil{Key: key}
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *RedisStore) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.client.LPush(ctx, key, args...).Err()
}

func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.client.RPush(ctx, key, args...).Err()
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) LPop(ctx context.Context, key string) (string, error) {
	val, err := s.client.LPop(ctx, key).Result()
	if err == redis.Nil {
		return "", &ErrNil{Key: key}
	}
	return val, err
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

func (s *RedisStore) LDrain(ctx context.Context, key string) ([]string, error) {
	res, err := drainScript.Run(ctx, s.client, []string{key}).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	return res, err
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) Publish(ctx context.Context, topic string, payload []byte) error {
	return s.client.Publish(ctx, topic, payload).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	ps := s.client.Subscribe(ctx, topics...)
	// Force the subscription onto the wire before returning so callers do not
	// miss messages published immediately after.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return newRedisSubscription(ps), nil
}

func (s *RedisStore) PSubscribe(ctx context.Context, patterns ...string) (Subscription, error) {
	ps := s.client.PSubscribe(ctx, patterns...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return newRedisSubscription(ps), nil
}

func (s *RedisStore) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

func (s *RedisStore) Unlock(ctx context.Context, key, token string) (bool, error) {
	n, err := unlockScript.Run(ctx, s.client, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) RefreshLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, s.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	count, err := rateLimitScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return count <= limit, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// redisSubscription adapts redis.PubSub to the Subscription contract. A
// dedicated goroutine pumps deliveries into a bounded channel; slow consumers
// apply backpressure to the pump, not to the Redis connection reader.
type redisSubscription struct {
	ps   *redis.PubSub
	ch   chan Message
	done chan struct{}
}

func newRedisSubscription(ps *redis.PubSub) *redisSubscription {
	sub := &redisSubscription{
		ps:   ps,
		ch:   make(chan Message, 128),
		done: make(chan struct{}),
	}
	go sub.pump()
	return sub
}

func (s *redisSubscription) pump() {
	defer close(s.ch)
	src := s.ps.Channel()
	for {
		select {
		case msg, ok := <-src:
			if !ok {
				return
			}
			select {
			case s.ch <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Channel() <-chan Message {
	return s.ch
}

func (s *redisSubscription) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return s.ps.Close()
}
