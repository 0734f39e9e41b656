package cfgstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/llbot-im/llgate/internal/ident"
)

const defaultAgentMD = `# Agent

Describe this group's agent persona here.
`

type groupEntry struct {
	cfg      GroupConfig
	loadedAt time.Time
}

// GroupStore serves per-group configuration from <data>/groups. Entries are
// cached with a short TTL and invalidated early when fsnotify reports a write
// inside the group's directory.
type GroupStore struct {
	dataDir     string
	maxSessions int // default for newly created groups
	log         *slog.Logger

	mu      sync.Mutex
	entries map[string]groupEntry
	ttl     time.Duration
	now     func() time.Time

	watcher *fsnotify.Watcher
}

func NewGroupStore(dataDir string, defaultMaxSessions int, log *slog.Logger) (*GroupStore, error) {
	groupsDir := filepath.Join(dataDir, "groups")
	if err := os.MkdirAll(groupsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create groups dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(groupsDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch groups dir: %w", err)
	}
	s := &GroupStore{
		dataDir:     dataDir,
		maxSessions: defaultMaxSessions,
		log:         log,
		entries:     make(map[string]groupEntry),
		ttl:         SnapshotTTL,
		now:         time.Now,
	}
	s.watcher = watcher
	return s, nil
}

// SetClock overrides the cache clock for tests.
func (s *GroupStore) SetClock(now func() time.Time) { s.now = now }

// Watch consumes fsnotify events until ctx ends, invalidating cached groups
// whose files changed. New group directories are added to the watch so edits
// inside them are seen too.
func (s *GroupStore) Watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.watcher.Close()
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("group watcher error", "error", err)
		}
	}
}

func (s *GroupStore) handleEvent(ev fsnotify.Event) {
	rel, err := filepath.Rel(filepath.Join(s.dataDir, "groups"), ev.Name)
	if err != nil || rel == "." {
		return
	}
	groupID := strings.Split(filepath.ToSlash(rel), "/")[0]

	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := s.watcher.Add(ev.Name); err != nil {
				s.log.Warn("watch new group dir failed", "group", groupID, "error", err)
			}
		}
	}
	s.mu.Lock()
	if _, cached := s.entries[groupID]; cached {
		delete(s.entries, groupID)
		s.log.Debug("group config invalidated", "group", groupID)
	}
	s.mu.Unlock()
}

func (s *GroupStore) groupDir(id string) string {
	return filepath.Join(s.dataDir, "groups", id)
}

func (s *GroupStore) configPath(id string) string {
	return filepath.Join(s.groupDir(id), "config.yaml")
}

// EnsureGroup creates the group directory with default config.yaml and
// agent.md on first reference.
func (s *GroupStore) EnsureGroup(id string) error {
	if !ident.IsSafePathSegment(id) {
		return fmt.Errorf("%w: group id %q", ErrUnsafeSegment, id)
	}
	dir := s.groupDir(id)
	if _, err := os.Stat(dir); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat group dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create group dir: %w", err)
	}
	def := GroupConfig{
		Enabled:     true,
		TriggerMode: "mention",
		MaxSessions: s.maxSessions,
	}
	if err := writeYAML(s.configPath(id), def); err != nil {
		return fmt.Errorf("write default group config: %w", err)
	}
	agentPath := filepath.Join(dir, "agent.md")
	if err := os.WriteFile(agentPath, []byte(defaultAgentMD), 0o644); err != nil {
		return fmt.Errorf("write agent.md: %w", err)
	}
	if err := s.watcher.Add(dir); err != nil {
		s.log.Warn("watch group dir failed", "group", id, "error", err)
	}
	s.log.Info("group created", "group", id)
	return nil
}

// Group returns the group's config, creating the group on first reference.
func (s *GroupStore) Group(id string) (*GroupConfig, error) {
	if !ident.IsSafePathSegment(id) {
		return nil, fmt.Errorf("%w: group id %q", ErrUnsafeSegment, id)
	}
	s.mu.Lock()
	if e, ok := s.entries[id]; ok && s.now().Sub(e.loadedAt) < s.ttl {
		cfg := e.cfg
		s.mu.Unlock()
		return &cfg, nil
	}
	s.mu.Unlock()

	if err := s.EnsureGroup(id); err != nil {
		return nil, err
	}
	var cfg GroupConfig
	if err := readYAML(s.configPath(id), &cfg); err != nil {
		return nil, fmt.Errorf("load group config %s: %w", id, err)
	}
	if cfg.MaxSessions < 1 {
		cfg.MaxSessions = s.maxSessions
	}
	if cfg.TriggerMode == "" {
		cfg.TriggerMode = "mention"
	}

	s.mu.Lock()
	s.entries[id] = groupEntry{cfg: cfg, loadedAt: s.now()}
	s.mu.Unlock()
	return &cfg, nil
}

// ListGroups returns the ids of all group directories.
func (s *GroupStore) ListGroups() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, "groups"))
	if err != nil {
		return nil, fmt.Errorf("read groups dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && ident.IsSafePathSegment(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// SetGroupModel writes the group's model override; empty model clears it.
func (s *GroupStore) SetGroupModel(id, model string) error {
	cfg, err := s.Group(id)
	if err != nil {
		return err
	}
	cfg.Model = model
	if err := writeYAML(s.configPath(id), cfg); err != nil {
		return fmt.Errorf("write group config %s: %w", id, err)
	}
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}
