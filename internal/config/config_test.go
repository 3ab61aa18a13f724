package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ReadsSafetyFlags(t *testing.T) {
	t.Setenv("LIVE_TRADING_REQUESTED", "true")
	t.Setenv("LIVE_TRADING_CONFIRMED", "1")
	t.Setenv("ASSISTANT_ENABLED", "false")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "25")
	t.Setenv("PREVIEW_TTL", "90s")
	t.Setenv("STRATEGY_KEYS", " alpha, beta ,,gamma")
	t.Setenv("STRATEGY_DEFAULT", "beta")

	cfg := Load()

	assert.True(t, cfg.LiveTradingRequested)
	assert.True(t, cfg.LiveTradingConfirmed)
	assert.False(t, cfg.AssistantEnabled)
	assert.Equal(t, 25, cfg.RateLimitPerMinute)
	assert.Equal(t, 90*time.Second, cfg.PreviewTTL)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, cfg.StrategyKeys)
	require.NoError(t, cfg.Validate())
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("LIVE_TRADING_REQUESTED", "maybe")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "ten")

	cfg := Load()

	assert.False(t, cfg.LiveTradingRequested)
	assert.Equal(t, 10, cfg.RateLimitPerMinute)
}

func TestValidate_AggregatesProblems(t *testing.T) {
	cfg := Load()
	cfg.StoreMode = "postgres"
	cfg.DatabaseURL = ""
	cfg.MaxExposurePct = 0
	cfg.StrategyDefault = "missing"
	cfg.AssistantEnabled = true
	cfg.OpenAIAPIKey = ""

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"DATABASE_URL", "MAX_EXPOSURE_PCT", "STRATEGY_DEFAULT", "OPENAI_API_KEY"} {
		assert.True(t, strings.Contains(msg, want), "expected %q in %q", want, msg)
	}
}
