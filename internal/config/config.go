// Package config loads the gateway configuration from environment variables.
// The process surface is env-only; the per-group and per-bot trees under the
// data directory are owned by cfgstore.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/llbot-im/llgate/internal/ident"
)

// Config is the root configuration, built once by FromEnv and passed into
// constructors. It is a plain value; nothing mutates it after load.
type Config struct {
	Platforms []string // enabled platforms: discord, telegram, milky
	DataDir   string
	RedisURL  string // empty = in-memory single-process mode

	DiscordToken  string
	TelegramToken string
	MilkyURL      string // static Milky WS endpoint (pool handles dynamic bots)
	MilkyBotID    string // advertise the static endpoint in the registry under this id

	RegistryPrefix  string
	RegistryPoll    time.Duration
	RegistryTTL     time.Duration
	RegistryRefresh time.Duration

	Aliases        ident.AliasMap
	ModelWhitelist []string
	GlobalEchoRate int  // 0..100
	EchoRateSet    bool // whether LLGATE_ECHO_RATE was provided
	MaxSessions    int

	PushInterval  time.Duration
	PushPrompt    string
	ShutdownGrace time.Duration
	Timezone      string
	Lang          string
}

// FromEnv builds the configuration from LLGATE_* environment variables.
// Missing required variables are fatal (the caller exits 1).
func FromEnv() (*Config, error) {
	cfg := &Config{
		RegistryPrefix:  envStr("LLGATE_REGISTRY_PREFIX", "llbot"),
		RegistryPoll:    envSeconds("LLGATE_REGISTRY_POLL", 10),
		RegistryTTL:     envSeconds("LLGATE_REGISTRY_TTL", 30),
		RegistryRefresh: envSeconds("LLGATE_REGISTRY_REFRESH", 10),
		MaxSessions:     envInt("LLGATE_MAX_SESSIONS", 3),
		PushInterval:    envSeconds("LLGATE_PUSH_INTERVAL", 30),
		PushPrompt:      envStr("LLGATE_PUSH_PROMPT", ""),
		ShutdownGrace:   envSeconds("LLGATE_SHUTDOWN_GRACE", 15),
		Timezone:        envStr("LLGATE_TIMEZONE", "UTC"),
		Lang:            envStr("LLGATE_LANG", "zh"),
		RedisURL:        os.Getenv("LLGATE_REDIS_URL"),
	}

	platforms := os.Getenv("LLGATE_PLATFORMS")
	if platforms == "" {
		return nil, fmt.Errorf("LLGATE_PLATFORMS is required (comma list of discord,telegram,milky)")
	}
	for _, p := range strings.Split(platforms, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		switch p {
		case "discord", "telegram", "milky":
			cfg.Platforms = append(cfg.Platforms, p)
		default:
			return nil, fmt.Errorf("unknown platform %q in LLGATE_PLATFORMS", p)
		}
	}
	if len(cfg.Platforms) == 0 {
		return nil, fmt.Errorf("LLGATE_PLATFORMS lists no platforms")
	}

	cfg.DataDir = os.Getenv("LLGATE_DATA_DIR")
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("LLGATE_DATA_DIR is required")
	}

	cfg.DiscordToken = os.Getenv("LLGATE_DISCORD_TOKEN")
	cfg.TelegramToken = os.Getenv("LLGATE_TELEGRAM_TOKEN")
	cfg.MilkyURL = os.Getenv("LLGATE_MILKY_URL")
	cfg.MilkyBotID = os.Getenv("LLGATE_MILKY_BOT_ID")
	if cfg.MilkyBotID != "" && !ident.IsSafePathSegment(cfg.MilkyBotID) {
		return nil, fmt.Errorf("LLGATE_MILKY_BOT_ID %q is not a safe identifier", cfg.MilkyBotID)
	}
	if cfg.Enabled("discord") && cfg.DiscordToken == "" {
		return nil, fmt.Errorf("LLGATE_DISCORD_TOKEN is required when discord is enabled")
	}
	if cfg.Enabled("telegram") && cfg.TelegramToken == "" {
		return nil, fmt.Errorf("LLGATE_TELEGRAM_TOKEN is required when telegram is enabled")
	}

	if cfg.RegistryTTL <= cfg.RegistryRefresh {
		return nil, fmt.Errorf("LLGATE_REGISTRY_TTL (%s) must exceed LLGATE_REGISTRY_REFRESH (%s)",
			cfg.RegistryTTL, cfg.RegistryRefresh)
	}

	aliases, err := ident.ParseAliases(os.Getenv("LLGATE_BOT_ALIASES"))
	if err != nil {
		return nil, fmt.Errorf("LLGATE_BOT_ALIASES: %w", err)
	}
	cfg.Aliases = aliases

	if wl := os.Getenv("LLGATE_MODEL_WHITELIST"); wl != "" {
		for _, name := range strings.Split(wl, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if strings.Contains(name, "/") {
				return nil, fmt.Errorf("LLGATE_MODEL_WHITELIST entry %q may not contain '/'", name)
			}
			cfg.ModelWhitelist = append(cfg.ModelWhitelist, name)
		}
	}

	// The global echo rate has no built-in default: it must come from the env
	// or from an existing router/global.yaml. cfgstore enforces the latter.
	if v := os.Getenv("LLGATE_ECHO_RATE"); v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil || rate < 0 || rate > 100 {
			return nil, fmt.Errorf("LLGATE_ECHO_RATE must be an integer in 0..100, got %q", v)
		}
		cfg.GlobalEchoRate = rate
		cfg.EchoRateSet = true
	}

	if cfg.MaxSessions < 1 {
		return nil, fmt.Errorf("LLGATE_MAX_SESSIONS must be >= 1")
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("LLGATE_TIMEZONE: %w", err)
	}

	return cfg, nil
}

// Enabled reports whether the named platform is configured.
func (c *Config) Enabled(platform string) bool {
	for _, p := range c.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}
