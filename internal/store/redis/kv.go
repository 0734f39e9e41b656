package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/llbot-im/llgate/internal/store"
)

const (
	routeTTL   = 30 * 24 * time.Hour
	sentTTL    = 10 * time.Minute
	replyTTL   = time.Minute
	dailyTTL   = 27 * time.Hour
	routePref  = "group:route:"
	streakPref = "echo:streak:"
)

// Routes is the Redis-backed GroupRouteStore. Entries refresh their 30-day
// TTL on every write, so routes for active groups never lapse.
type Routes struct {
	rdb *redis.Client
}

func NewRoutes(rdb *redis.Client) *Routes { return &Routes{rdb: rdb} }

func (r *Routes) Put(ctx context.Context, groupID string, route store.GroupRoute) error {
	data, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("marshal route: %w", err)
	}
	if err := r.rdb.Set(ctx, routePref+groupID, data, routeTTL).Err(); err != nil {
		return fmt.Errorf("put route: %w", err)
	}
	return nil
}

func (r *Routes) Get(ctx context.Context, groupID string) (*store.GroupRoute, error) {
	raw, err := r.rdb.Get(ctx, routePref+groupID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get route: %w", err)
	}
	var route store.GroupRoute
	if err := json.Unmarshal([]byte(raw), &route); err != nil {
		return nil, fmt.Errorf("unmarshal route: %w", err)
	}
	return &route, nil
}

// Streaks is the Redis-backed EchoStreakStore. The short TTL is the point:
// a streak the bot has not touched in 30 seconds is dead.
type Streaks struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStreaks(rdb *redis.Client, ttl time.Duration) *Streaks {
	if ttl <= 0 {
		ttl = store.DefaultStreakTTL
	}
	return &Streaks{rdb: rdb, ttl: ttl}
}

func (s *Streaks) key(selfID, channelID string) string {
	return streakPref + selfID + ":" + channelID
}

func (s *Streaks) Load(ctx context.Context, selfID, channelID string) (*store.EchoStreak, error) {
	raw, err := s.rdb.Get(ctx, s.key(selfID, channelID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load streak: %w", err)
	}
	var st store.EchoStreak
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("unmarshal streak: %w", err)
	}
	return &st, nil
}

func (s *Streaks) Save(ctx context.Context, selfID, channelID string, st *store.EchoStreak) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal streak: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(selfID, channelID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save streak: %w", err)
	}
	return nil
}

func (s *Streaks) Clear(ctx context.Context, selfID, channelID string) error {
	if err := s.rdb.Del(ctx, s.key(selfID, channelID)).Err(); err != nil {
		return fmt.Errorf("clear streak: %w", err)
	}
	return nil
}

// BotMessages is the Redis-backed BotMessageStore, used to skip the bot's
// own echoed messages and to collapse duplicate reply deliveries.
type BotMessages struct {
	rdb *redis.Client
}

func NewBotMessages(rdb *redis.Client) *BotMessages { return &BotMessages{rdb: rdb} }

func sentKey(platform, selfID, messageID string) string {
	return "botmsg:" + platform + ":" + selfID + ":" + messageID
}

func (b *BotMessages) MarkSent(ctx context.Context, platform, selfID, messageID string) error {
	if err := b.rdb.Set(ctx, sentKey(platform, selfID, messageID), "1", sentTTL).Err(); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

func (b *BotMessages) WasSent(ctx context.Context, platform, selfID, messageID string) (bool, error) {
	n, err := b.rdb.Exists(ctx, sentKey(platform, selfID, messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("check sent: %w", err)
	}
	return n > 0, nil
}

func (b *BotMessages) MarkReply(ctx context.Context, channelID, signature string) (bool, error) {
	ok, err := b.rdb.SetNX(ctx, "reply:"+channelID+":"+signature, "1", replyTTL).Result()
	if err != nil {
		return false, fmt.Errorf("mark reply: %w", err)
	}
	return ok, nil
}

// Locks is the Redis-backed DailyLocker. The 27-hour TTL outlives the day it
// guards by enough slack to absorb DST shifts and clock skew between hosts.
type Locks struct {
	rdb *redis.Client
}

func NewLocks(rdb *redis.Client) *Locks { return &Locks{rdb: rdb} }

func (l *Locks) AcquireDaily(ctx context.Context, name, date string) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, "lock:daily:"+name+":"+date, "1", dailyTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire daily lock: %w", err)
	}
	return ok, nil
}
