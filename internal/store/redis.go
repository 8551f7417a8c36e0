package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// incrWindowScript increments a counter and arms the window expiry on the
// first increment. The read-then-set the original rate limiter used is racy
// across instances; INCR inside a script is not.
var incrWindowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// unlockScript releases a lock only when the caller's token still owns it,
// so a lock that expired and was re-acquired elsewhere is never deleted.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis implements Store against a Redis server. A single client serves both
// commands and subscriptions; go-redis manages the dedicated subscriber
// connections internally.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger
}

// RedisConfig holds connection settings for the coordination store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis creates the coordination store client. Connectivity is verified by
// the caller via Ping; an unreachable store is fatal at startup.
func NewRedis(cfg RedisConfig, logger zerolog.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
	})

	return &Redis{
		client: client,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store get %q: %w", key, err)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("store set %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("store del %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("store exists %q: %w", key, err)
	}
	return n == 1, nil
}

func (r *Redis) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrWindowScript.Run(ctx, r.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("store incr window %q: %w", key, err)
	}
	return n, nil
}

func (r *Redis) SetAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("store sadd %q: %w", key, err)
	}
	return nil
}

func (r *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store smembers %q: %w", key, err)
	}
	return members, nil
}

func (r *Redis) SetRemove(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("store srem %q: %w", key, err)
	}
	return nil
}

func (r *Redis) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("store scan %q: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("store publish %q: %w", channel, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, handler Handler, channels ...string) error {
	sub := r.client.Subscribe(ctx, channels...)
	// Force the subscription onto the wire before returning so callers can
	// rely on delivery of messages published after Subscribe.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("store subscribe %v: %w", channels, err)
	}
	go r.pump(ctx, sub, handler)
	return nil
}

func (r *Redis) PSubscribe(ctx context.Context, handler Handler, patterns ...string) error {
	sub := r.client.PSubscribe(ctx, patterns...)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("store psubscribe %v: %w", patterns, err)
	}
	go r.pump(ctx, sub, handler)
	return nil
}

func (r *Redis) pump(ctx context.Context, sub *redis.PubSub, handler Handler) {
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			handler(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (r *Redis) Lock(ctx context.Context, key string, ttl time.Duration) (func(ctx context.Context) error, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("store lock %q: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	release := func(ctx context.Context) error {
		if err := unlockScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("store unlock %q: %w", key, err)
		}
		return nil
	}
	return release, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
