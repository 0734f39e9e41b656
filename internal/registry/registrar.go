package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Registrar advertises one bot's presence under prefix:botId with a TTL,
// refreshing it on a shorter interval. When the process dies the key simply
// expires and readers treat the bot as gone.
type Registrar struct {
	kv       KV
	prefix   string
	entry    Entry
	ttl      time.Duration
	interval time.Duration
	log      *slog.Logger
}

func NewRegistrar(kv KV, prefix string, entry Entry, ttl, refresh time.Duration, log *slog.Logger) (*Registrar, error) {
	if ttl <= refresh {
		return nil, fmt.Errorf("registrar ttl %s must exceed refresh interval %s", ttl, refresh)
	}
	if entry.BotID == "" || entry.WSURL == "" {
		return nil, fmt.Errorf("registrar entry needs botId and wsUrl")
	}
	return &Registrar{kv: kv, prefix: prefix, entry: entry, ttl: ttl, interval: refresh, log: log}, nil
}

func (r *Registrar) key() string { return r.prefix + ":" + r.entry.BotID }

// Run writes immediately, then refreshes until ctx ends. On stop the key is
// left to expire naturally.
func (r *Registrar) Run(ctx context.Context) {
	r.refresh(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *Registrar) refresh(ctx context.Context) {
	entry := r.entry
	entry.LastSeenAt = time.Now().UnixMilli()
	data, err := json.Marshal(entry)
	if err != nil {
		r.log.Error("registrar marshal failed", "error", err)
		return
	}
	if err := r.kv.SetEX(ctx, r.key(), string(data), r.ttl); err != nil {
		r.log.Error("registrar write failed", "key", r.key(), "error", err)
		return
	}
	if err := r.kv.SAdd(ctx, r.prefix+":index", r.key()); err != nil {
		r.log.Error("registrar index add failed", "key", r.key(), "error", err)
	}
}
