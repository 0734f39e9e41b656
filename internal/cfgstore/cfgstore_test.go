package cfgstore

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestRouterStoreRequiresEchoRateWhenBootstrapping(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewRouterStore(dir, 0, false); err == nil {
		t.Error("missing global.yaml without an echo rate must fail")
	}
	if _, err := NewRouterStore(dir, 15, true); err != nil {
		t.Fatalf("bootstrap with echo rate: %v", err)
	}
	// Second open finds the file and no longer needs the env value.
	if _, err := NewRouterStore(dir, 0, false); err != nil {
		t.Errorf("reopen with existing global.yaml: %v", err)
	}
}

func TestRouterStoreEnsureBotConfig(t *testing.T) {
	dir := t.TempDir()
	s, err := NewRouterStore(dir, 15, true)
	if err != nil {
		t.Fatalf("NewRouterStore: %v", err)
	}

	if err := s.EnsureBotConfig("discord-bot-1"); err != nil {
		t.Fatalf("EnsureBotConfig: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "bots", "discord-bot-1", "config.yaml")); err != nil {
		t.Errorf("bot config not created: %v", err)
	}
	// Idempotent.
	if err := s.EnsureBotConfig("discord-bot-1"); err != nil {
		t.Errorf("second EnsureBotConfig: %v", err)
	}
	if err := s.EnsureBotConfig("../evil"); err == nil {
		t.Error("unsafe bot id must be rejected")
	}

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.GlobalEchoRate != 15 {
		t.Errorf("GlobalEchoRate = %d, want 15", snap.GlobalEchoRate)
	}
	bot, ok := snap.BotConfigs["discord-bot-1"]
	if !ok {
		t.Fatal("bot config missing from snapshot")
	}
	if !bot.KeywordRouting.EnableGlobal || !bot.KeywordRouting.EnableGroup || !bot.KeywordRouting.EnableBot {
		t.Errorf("default keyword routing should enable all lists: %+v", bot.KeywordRouting)
	}
}

func TestRouterSnapshotTTL(t *testing.T) {
	dir := t.TempDir()
	s, err := NewRouterStore(dir, 10, true)
	if err != nil {
		t.Fatalf("NewRouterStore: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	s.SetClock(func() time.Time { return now })

	first, _ := s.Snapshot()

	// Edit the file behind the cache; within the TTL the old value is served.
	writeYAML(filepath.Join(dir, "router", "global.yaml"), globalFile{Keywords: []string{"llbot"}, EchoRate: 42})
	cached, _ := s.Snapshot()
	if cached != first {
		t.Error("snapshot should be cached within the TTL")
	}

	now = now.Add(5 * time.Second)
	fresh, _ := s.Snapshot()
	if fresh.GlobalEchoRate != 42 || len(fresh.GlobalKeywords) != 1 {
		t.Errorf("stale snapshot after TTL: %+v", fresh)
	}
}

func TestGroupStoreEnsureAndDefaults(t *testing.T) {
	dir := t.TempDir()
	s, err := NewGroupStore(dir, 3, discard())
	if err != nil {
		t.Fatalf("NewGroupStore: %v", err)
	}

	cfg, err := s.Group("g1")
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	if !cfg.Enabled || cfg.TriggerMode != "mention" || cfg.MaxSessions != 3 {
		t.Errorf("default group config = %+v", cfg)
	}
	for _, f := range []string{"config.yaml", "agent.md"} {
		if _, err := os.Stat(filepath.Join(dir, "groups", "g1", f)); err != nil {
			t.Errorf("%s not created: %v", f, err)
		}
	}

	if _, err := s.Group("../evil"); err == nil {
		t.Error("unsafe group id must be rejected")
	}

	ids, err := s.ListGroups()
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(ids) != 1 || ids[0] != "g1" {
		t.Errorf("ListGroups = %v, want [g1]", ids)
	}
}

func TestGroupStoreSetModel(t *testing.T) {
	dir := t.TempDir()
	s, err := NewGroupStore(dir, 3, discard())
	if err != nil {
		t.Fatalf("NewGroupStore: %v", err)
	}
	if err := s.SetGroupModel("g1", "sonnet"); err != nil {
		t.Fatalf("SetGroupModel: %v", err)
	}
	cfg, _ := s.Group("g1")
	if cfg.Model != "sonnet" {
		t.Errorf("model = %q, want sonnet", cfg.Model)
	}
	if err := s.SetGroupModel("g1", ""); err != nil {
		t.Fatalf("clear model: %v", err)
	}
	cfg, _ = s.Group("g1")
	if cfg.Model != "" {
		t.Errorf("model not cleared: %q", cfg.Model)
	}
}
