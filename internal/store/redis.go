package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Values live in a hash per key: field "data" holds the JSON document and
// field "ver" the monotonically increasing version. Both CAS scripts run
// atomically server-side so cross-instance races settle in Redis.

// KEYS[1] = key, ARGV[1] = value, ARGV[2] = expected version (0 = create only).
// Returns the new version, or -1 on a failed condition.
var putScript = redis.NewScript(`
local ver = tonumber(redis.call("HGET", KEYS[1], "ver") or "0")
local want = tonumber(ARGV[2])
if ver ~= want then
  return -1
end
redis.call("HSET", KEYS[1], "data", ARGV[1], "ver", ver + 1)
return ver + 1
`)

// KEYS[1] = key, ARGV[1] = expected version (0 = unconditional).
// Returns 1 on delete, 0 if missing, -1 on a failed condition.
var deleteScript = redis.NewScript(`
local ver = tonumber(redis.call("HGET", KEYS[1], "ver") or "0")
if ver == 0 then
  return 0
end
local want = tonumber(ARGV[1])
if want ~= 0 and ver ~= want then
  return -1
end
redis.call("DEL", KEYS[1])
return 1
`)

type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedis(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis unreachable at %s: %w", addr, err)
	}
	return &Redis{client: client, logger: logger}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, int64, error) {
	vals, err := r.client.HMGet(ctx, key, "data", "ver").Result()
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", key, err)
	}
	if vals[0] == nil || vals[1] == nil {
		return nil, 0, ErrNotFound
	}
	data, _ := vals[0].(string)
	var ver int64
	if s, ok := vals[1].(string); ok {
		fmt.Sscan(s, &ver)
	}
	return []byte(data), ver, nil
}

func (r *Redis) Put(ctx context.Context, key string, value []byte, prev int64) (int64, error) {
	res, err := putScript.Run(ctx, r.client, []string{key}, value, prev).Int64()
	if err != nil {
		return 0, fmt.Errorf("put %s: %w", key, err)
	}
	if res < 0 {
		return 0, ErrVersionMismatch
	}
	return res, nil
}

func (r *Redis) Delete(ctx context.Context, key string, prev int64) error {
	res, err := deleteScript.Run(ctx, r.client, []string{key}, prev).Int64()
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if res < 0 {
		return ErrVersionMismatch
	}
	return nil
}

func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return keys, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, channels ...string) (<-chan Message, func(), error) {
	sub := r.client.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}

	out := make(chan Message, 32)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			default:
				r.logger.Warn("pubsub consumer slow, dropping message", "channel", msg.Channel)
			}
		}
	}()

	stop := func() { _ = sub.Close() }
	return out, stop, nil
}
