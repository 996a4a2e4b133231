package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenUnset(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, defaultBusDBPath, cfg.BusDBPath)
	assert.Equal(t, 90, cfg.ApprovalWindowSec)
	assert.Equal(t, 5, cfg.BreakerThreshold)
	assert.Equal(t, 60, cfg.BreakerWindowSec)
	assert.Equal(t, 10, cfg.ChatRateLimitPerMin)
	assert.Equal(t, 25, cfg.ChatLongPollSec)
	assert.False(t, cfg.ChatEnabled)
	assert.False(t, cfg.DualControlStrict)
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	t.Setenv("BUS_DB_PATH", "/tmp/custom.db")
	t.Setenv("APPROVAL_WINDOW_SEC", "45")
	t.Setenv("CHAT_ALLOWLIST", "u1, u2,u3")
	t.Setenv("DUAL_CONTROL_STRICT", "1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.db", cfg.BusDBPath)
	assert.Equal(t, 45, cfg.ApprovalWindowSec)
	assert.Equal(t, []string{"u1", "u2", "u3"}, cfg.ChatAllowlist)
	assert.True(t, cfg.DualControlStrict)
}

func TestLoad_ChatEnabledRequiresToken(t *testing.T) {
	t.Setenv("CHAT_ENABLED", "1")
	t.Setenv("CHAT_API_TOKEN", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_ChatEnabledWithTokenSucceeds(t *testing.T) {
	t.Setenv("CHAT_ENABLED", "1")
	t.Setenv("CHAT_API_TOKEN", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.ChatEnabled)
}
