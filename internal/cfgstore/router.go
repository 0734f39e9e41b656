package cfgstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/llbot-im/llgate/internal/ident"
)

// RouterStore serves the global keyword config and the per-bot configs under
// <data>/router and <data>/bots. Reads go through a short-TTL snapshot cache;
// every dispatch reads the snapshot once.
type RouterStore struct {
	dataDir string

	mu       sync.Mutex
	snapshot *RouterSnapshot
	loadedAt time.Time
	ttl      time.Duration
	now      func() time.Time
}

// NewRouterStore opens the router tree. When global.yaml does not exist yet it
// is created from defaultEchoRate; if the file is absent AND no echo rate was
// configured, construction fails so the operator picks one explicitly.
func NewRouterStore(dataDir string, defaultEchoRate int, echoRateSet bool) (*RouterStore, error) {
	globalPath := filepath.Join(dataDir, "router", "global.yaml")
	if _, err := os.Stat(globalPath); os.IsNotExist(err) {
		if !echoRateSet {
			return nil, fmt.Errorf("router/global.yaml missing and LLGATE_ECHO_RATE unset: no echo rate to write")
		}
		if err := os.MkdirAll(filepath.Dir(globalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create router dir: %w", err)
		}
		if err := writeYAML(globalPath, globalFile{Keywords: []string{}, EchoRate: defaultEchoRate}); err != nil {
			return nil, fmt.Errorf("write default global.yaml: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat global.yaml: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "bots"), 0o755); err != nil {
		return nil, fmt.Errorf("create bots dir: %w", err)
	}
	return &RouterStore{dataDir: dataDir, ttl: SnapshotTTL, now: time.Now}, nil
}

// SetClock overrides the cache clock for tests.
func (s *RouterStore) SetClock(now func() time.Time) { s.now = now }

func (s *RouterStore) botConfigPath(botID string) string {
	return filepath.Join(s.dataDir, "bots", botID, "config.yaml")
}

// EnsureBotConfig creates a default per-bot config file on first sight of a
// bot. The default routes global and group keywords and inherits the global
// echo rate.
func (s *RouterStore) EnsureBotConfig(botID string) error {
	if !ident.IsSafePathSegment(botID) {
		return fmt.Errorf("%w: bot id %q", ErrUnsafeSegment, botID)
	}
	path := s.botConfigPath(botID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat bot config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create bot dir: %w", err)
	}
	def := BotKeywordConfig{
		Keywords: []string{},
		KeywordRouting: KeywordRouting{
			EnableGlobal: true,
			EnableGroup:  true,
			EnableBot:    true,
		},
	}
	if err := writeYAML(path, def); err != nil {
		return fmt.Errorf("write default bot config: %w", err)
	}
	s.invalidate()
	return nil
}

func (s *RouterStore) invalidate() {
	s.mu.Lock()
	s.snapshot = nil
	s.mu.Unlock()
}

// Snapshot returns the cached router snapshot, re-reading the tree when the
// TTL has lapsed.
func (s *RouterStore) Snapshot() (*RouterSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot != nil && s.now().Sub(s.loadedAt) < s.ttl {
		return s.snapshot, nil
	}
	snap, err := s.load()
	if err != nil {
		return nil, err
	}
	s.snapshot = snap
	s.loadedAt = s.now()
	return snap, nil
}

func (s *RouterStore) load() (*RouterSnapshot, error) {
	var global globalFile
	if err := readYAML(filepath.Join(s.dataDir, "router", "global.yaml"), &global); err != nil {
		return nil, fmt.Errorf("load global.yaml: %w", err)
	}

	snap := &RouterSnapshot{
		GlobalKeywords: global.Keywords,
		GlobalEchoRate: global.EchoRate,
		BotConfigs:     make(map[string]BotKeywordConfig),
	}

	botsDir := filepath.Join(s.dataDir, "bots")
	entries, err := os.ReadDir(botsDir)
	if err != nil {
		return nil, fmt.Errorf("read bots dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || !ident.IsSafePathSegment(e.Name()) {
			continue
		}
		var bot BotKeywordConfig
		if err := readYAML(s.botConfigPath(e.Name()), &bot); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("load bot config %s: %w", e.Name(), err)
		}
		snap.BotConfigs[e.Name()] = bot
	}
	return snap, nil
}
