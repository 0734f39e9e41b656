// Package registry tracks the set of live bots in a shared KV store. A
// Registrar advertises one bot under a TTL'd key; a Registry polls the index
// and hands snapshots to whoever reconciles connections against them.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Entry describes one live bot as advertised in the registry.
type Entry struct {
	BotID      string `json:"botId"`
	WSURL      string `json:"wsUrl"`
	Platform   string `json:"platform"`
	LastSeenAt int64  `json:"lastSeenAt,omitempty"`
}

// KV is the slice of the shared store the registry needs. The Redis client is
// wrapped by RedisKV; tests substitute a map-backed fake.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
}

// UpdateHandler receives each registry snapshot, keyed by botId.
type UpdateHandler func(entries map[string]Entry)

// Registry periodically snapshots the live bot entries under prefix.
type Registry struct {
	kv       KV
	prefix   string
	interval time.Duration
	handler  UpdateHandler
	log      *slog.Logger
}

func NewRegistry(kv KV, prefix string, interval time.Duration, handler UpdateHandler, log *slog.Logger) *Registry {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Registry{kv: kv, prefix: prefix, interval: interval, handler: handler, log: log}
}

func (r *Registry) indexKey() string { return r.prefix + ":index" }

// Run polls until ctx ends. The first poll happens immediately so the pool
// does not wait a full interval for its initial snapshot.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// Poll runs one snapshot cycle. Exposed for tests and for the initial fetch.
func (r *Registry) Poll(ctx context.Context) { r.poll(ctx) }

func (r *Registry) poll(ctx context.Context) {
	keys, err := r.kv.SMembers(ctx, r.indexKey())
	if err != nil {
		r.log.Error("registry index read failed", "error", err)
		return
	}

	entries := make(map[string]Entry, len(keys))
	for _, key := range keys {
		raw, ok, err := r.kv.Get(ctx, key)
		if err != nil {
			r.log.Error("registry entry read failed", "key", key, "error", err)
			continue
		}
		if !ok {
			// TTL expired: scrub the dangling index member.
			if err := r.kv.SRem(ctx, r.indexKey(), key); err != nil {
				r.log.Warn("registry index scrub failed", "key", key, "error", err)
			}
			continue
		}
		entry, err := parseEntry(key, r.prefix, raw)
		if err != nil {
			r.log.Warn("registry entry rejected", "key", key, "error", err)
			continue
		}
		entries[entry.BotID] = entry
	}

	if r.handler != nil {
		r.handler(entries)
	}
}

// parseEntry decodes a registry value. Legacy registrars wrote the bare
// WebSocket url instead of JSON; accept that as a fallback.
func parseEntry(key, prefix, raw string) (Entry, error) {
	botID := strings.TrimPrefix(key, prefix+":")
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.WSURL == "" {
		if strings.HasPrefix(raw, "ws://") || strings.HasPrefix(raw, "wss://") {
			return Entry{BotID: botID, WSURL: raw}, nil
		}
		return Entry{}, fmt.Errorf("no wsUrl in value %q", raw)
	}
	if entry.BotID == "" {
		entry.BotID = botID
	}
	return entry, nil
}
