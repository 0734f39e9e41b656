// Package cfgstore owns the filesystem configuration tree:
//
//	<data>/router/global.yaml    global keywords + echo rate
//	<data>/bots/<botId>/config.yaml
//	<data>/groups/<groupId>/config.yaml + agent.md
//
// Stores hand out short-TTL cached snapshots; the group tree is additionally
// watched with fsnotify so edits take effect without waiting for the TTL.
package cfgstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrUnsafeSegment rejects ids that could escape the data directory.
var ErrUnsafeSegment = errors.New("cfgstore: unsafe path segment")

// SnapshotTTL is how long a cached router snapshot or group config is served
// before the files are re-read.
const SnapshotTTL = 3 * time.Second

// KeywordRouting selects which keyword lists apply to a bot.
type KeywordRouting struct {
	EnableGlobal bool `yaml:"enableGlobal"`
	EnableGroup  bool `yaml:"enableGroup"`
	EnableBot    bool `yaml:"enableBot"`
}

// BotKeywordConfig is the per-bot slice of the router tree.
type BotKeywordConfig struct {
	Keywords       []string       `yaml:"keywords"`
	KeywordRouting KeywordRouting `yaml:"keywordRouting"`
	EchoRate       *int           `yaml:"echoRate,omitempty"` // nil = inherit global
}

// RouterSnapshot is one consistent read of the router tree.
type RouterSnapshot struct {
	GlobalKeywords []string
	GlobalEchoRate int
	BotConfigs     map[string]BotKeywordConfig
}

// PushConfig schedules the daily group push. Either Time ("HH:MM") or Cron
// (a cron expression) selects the firing instant.
type PushConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Time     string `yaml:"time,omitempty"`
	Cron     string `yaml:"cron,omitempty"`
	Timezone string `yaml:"timezone,omitempty"`
}

// GroupConfig is the per-group configuration file.
type GroupConfig struct {
	Enabled     bool        `yaml:"enabled"`
	TriggerMode string      `yaml:"triggerMode"` // "mention" or "keyword"
	Keywords    []string    `yaml:"keywords,omitempty"`
	AdminUsers  []string    `yaml:"adminUsers,omitempty"`
	MaxSessions int         `yaml:"maxSessions"`
	Model       string      `yaml:"model,omitempty"`
	EchoRate    *int        `yaml:"echoRate,omitempty"`
	Push        *PushConfig `yaml:"push,omitempty"`
}

type globalFile struct {
	Keywords []string `yaml:"keywords"`
	EchoRate int      `yaml:"echoRate"`
}

// writeYAML writes v atomically: temp file in the same directory, then rename.
func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cfg-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
