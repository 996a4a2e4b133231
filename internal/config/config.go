// Package config loads the control plane's configuration from the process
// environment, mirroring the teacher's config.Load() style: package-level
// defaults, manual os.Getenv/strconv parsing, no reflection-based env
// library, no .env file loading or hot-reload (spec.md §1 names `.env`
// loading mechanics as an explicit out-of-scope item).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var defaultBusDBPath = "runtime/ctl.db"

// Config is the control plane's full runtime configuration, covering every
// environment key in spec.md §6.
type Config struct {
	BusDBPath string

	ApprovalWindowSec int

	BreakerThreshold int
	BreakerWindowSec int

	ChatEnabled          bool
	ChatAPIToken         string
	ChatControlChannel   string
	ChatAllowlist        []string
	ChatPIN              string
	ChatRateLimitPerMin  int
	ChatLongPollSec      int

	DualControlStrict bool
}

// Load reads Config from the process environment, applying spec.md §6's
// defaults for every optional key.
func Load() (*Config, error) {
	cfg := &Config{
		BusDBPath:           getEnvOr("BUS_DB_PATH", defaultBusDBPath),
		ApprovalWindowSec:   getEnvIntOr("APPROVAL_WINDOW_SEC", 90),
		BreakerThreshold:    getEnvIntOr("BREAKER_THRESHOLD", 5),
		BreakerWindowSec:    getEnvIntOr("BREAKER_WINDOW_SEC", 60),
		ChatEnabled:         getEnvBoolOr("CHAT_ENABLED", false),
		ChatAPIToken:        os.Getenv("CHAT_API_TOKEN"),
		ChatControlChannel:  os.Getenv("CHAT_CONTROL_CHANNEL"),
		ChatAllowlist:       splitCSV(os.Getenv("CHAT_ALLOWLIST")),
		ChatPIN:             os.Getenv("CHAT_PIN"),
		ChatRateLimitPerMin: getEnvIntOr("CHAT_RATE_LIMIT_PER_MIN", 10),
		ChatLongPollSec:     getEnvIntOr("CHAT_LONG_POLL_SEC", 25),
		DualControlStrict:   getEnvBoolOr("DUAL_CONTROL_STRICT", false),
	}

	if cfg.BusDBPath == "" {
		return nil, fmt.Errorf("config.invalid: BUS_DB_PATH must not be empty")
	}
	if cfg.ChatEnabled && cfg.ChatAPIToken == "" {
		return nil, fmt.Errorf("config.invalid: CHAT_API_TOKEN is required when CHAT_ENABLED=1")
	}

	return cfg, nil
}

// ApprovalWindow returns the configured approval window as a duration.
func (c *Config) ApprovalWindow() time.Duration {
	return time.Duration(c.ApprovalWindowSec) * time.Second
}

// BreakerWindow returns the configured breaker window as a duration.
func (c *Config) BreakerWindow() time.Duration {
	return time.Duration(c.BreakerWindowSec) * time.Second
}

// LongPoll returns the configured chat long-poll timeout as a duration.
func (c *Config) LongPoll() time.Duration {
	return time.Duration(c.ChatLongPollSec) * time.Second
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBoolOr(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
