package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTierLimits(t *testing.T) {
	limits, err := ParseTierLimits("free:50, pro:1000 ,enterprise:-1,")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"free": 50, "pro": 1000, "enterprise": -1}, limits)

	_, err = ParseTierLimits("free=50")
	assert.Error(t, err)

	_, err = ParseTierLimits("free:lots")
	assert.Error(t, err)
}

func TestGetDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("STREAM_IDLE_TIMEOUT", "")
	t.Setenv("TIER_LIMITS", "")
	t.Setenv("CRON_ENABLED", "")

	env, err := Get()
	require.NoError(t, err)
	assert.Equal(t, 8080, env.PORT)
	assert.Equal(t, 60*time.Second, env.STREAM_IDLE_TIMEOUT)
	assert.Equal(t, -1, env.TIER_LIMITS["enterprise"])
	assert.True(t, env.CRON_ENABLED)
	assert.False(t, env.ArchiveEnabled())
}

func TestGetOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STREAM_IDLE_TIMEOUT", "5s")
	t.Setenv("CRON_ENABLED", "false")
	t.Setenv("GO_ENV", "production")

	env, err := Get()
	require.NoError(t, err)
	assert.Equal(t, 9090, env.PORT)
	assert.Equal(t, 5*time.Second, env.STREAM_IDLE_TIMEOUT)
	assert.False(t, env.CRON_ENABLED)
	assert.True(t, env.IsProduction())
}
