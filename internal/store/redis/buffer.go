package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/llbot-im/llgate/internal/event"
	"github.com/llbot-im/llgate/internal/store"
)

// Buffer is the Redis-backed SessionBuffer. Layout per key:
//
//	buf:{bot}:{group}:{session}:queue  list of serialized events
//	buf:{bot}:{group}:{session}:gate   gate token string, TTL
var (
	// RPUSH the event, then install the gate if free. Returns 1 on ownership.
	appendAndRequestScript = redis.NewScript(`
redis.call('RPUSH', KEYS[1], ARGV[1])
if redis.call('SET', KEYS[2], ARGV[2], 'NX', 'EX', ARGV[3]) then
  return 1
end
return 0`)

	// Take and clear the whole queue atomically.
	drainScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
return items`)

	// Refuse to release while the queue is non-empty; otherwise release only
	// the caller's own token. Returns 1 when the caller may stop.
	tryReleaseScript = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) > 0 then
  return 0
end
if redis.call('GET', KEYS[2]) == ARGV[1] then
  redis.call('DEL', KEYS[2])
end
return 1`)

	// Unconditional release; stale tokens are a no-op.
	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
end
return 1`)

	// Extend the TTL only while the token still owns the gate.
	refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return 1`)
)

type Buffer struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewBuffer creates a buffer with the given gate TTL. ttl <= 0 uses the default.
func NewBuffer(rdb *redis.Client, ttl time.Duration) *Buffer {
	if ttl <= 0 {
		ttl = store.DefaultGateTTL
	}
	return &Buffer{rdb: rdb, ttl: ttl}
}

func queueKey(key store.BufferKey) string {
	return fmt.Sprintf("buf:%s:%s:%s:queue", key.BotID, key.GroupID, key.SessionID)
}

func gateKey(key store.BufferKey) string {
	return fmt.Sprintf("buf:%s:%s:%s:gate", key.BotID, key.GroupID, key.SessionID)
}

func (b *Buffer) ttlSeconds() int64 { return int64(b.ttl / time.Second) }

func (b *Buffer) Append(ctx context.Context, key store.BufferKey, ev *event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.RPush(ctx, queueKey(key), data).Err(); err != nil {
		return fmt.Errorf("buffer append: %w", err)
	}
	return nil
}

func (b *Buffer) RequeueFront(ctx context.Context, key store.BufferKey, evs []*event.Event) error {
	if len(evs) == 0 {
		return nil
	}
	// LPUSH prepends, so push in reverse to preserve the given order.
	args := make([]interface{}, 0, len(evs))
	for i := len(evs) - 1; i >= 0; i-- {
		data, err := json.Marshal(evs[i])
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		args = append(args, data)
	}
	if err := b.rdb.LPush(ctx, queueKey(key), args...).Err(); err != nil {
		return fmt.Errorf("buffer requeue: %w", err)
	}
	return nil
}

func (b *Buffer) AppendAndRequestJob(ctx context.Context, key store.BufferKey, ev *event.Event, token string) (bool, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("marshal event: %w", err)
	}
	res, err := appendAndRequestScript.Run(ctx, b.rdb,
		[]string{queueKey(key), gateKey(key)},
		data, token, b.ttlSeconds()).Int()
	if err != nil {
		return false, fmt.Errorf("append and request job: %w", err)
	}
	return res == 1, nil
}

func (b *Buffer) Drain(ctx context.Context, key store.BufferKey) ([]*event.Event, error) {
	raw, err := drainScript.Run(ctx, b.rdb, []string{queueKey(key)}).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("buffer drain: %w", err)
	}
	evs := make([]*event.Event, 0, len(raw))
	for _, item := range raw {
		var ev event.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal buffered event: %w", err)
		}
		evs = append(evs, &ev)
	}
	return evs, nil
}

func (b *Buffer) ClaimGate(ctx context.Context, key store.BufferKey, token string) (bool, error) {
	ok, err := b.rdb.SetNX(ctx, gateKey(key), token, b.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim gate: %w", err)
	}
	return ok, nil
}

func (b *Buffer) RefreshGate(ctx context.Context, key store.BufferKey, token string) error {
	if err := refreshScript.Run(ctx, b.rdb, []string{gateKey(key)}, token, b.ttlSeconds()).Err(); err != nil {
		return fmt.Errorf("refresh gate: %w", err)
	}
	return nil
}

func (b *Buffer) TryReleaseGate(ctx context.Context, key store.BufferKey, token string) (bool, error) {
	res, err := tryReleaseScript.Run(ctx, b.rdb, []string{queueKey(key), gateKey(key)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("try release gate: %w", err)
	}
	return res == 1, nil
}

func (b *Buffer) ReleaseGate(ctx context.Context, key store.BufferKey, token string) error {
	if err := releaseScript.Run(ctx, b.rdb, []string{gateKey(key)}, token).Err(); err != nil {
		return fmt.Errorf("release gate: %w", err)
	}
	return nil
}
