package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("INDEXPILOT_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeAdvisory, cfg.Mode)
	assert.Equal(t, 8040, cfg.Port)
	assert.Equal(t, "mon-sun 01:00-05:00", cfg.MaintenanceWindow)
	assert.Equal(t, int64(10<<30), cfg.Safeguard.GlobalBudgetBytes)
	assert.Equal(t, "both", cfg.Safeguard.BreakerTrigger)
	assert.True(t, cfg.Executor.AutoRollback)
	assert.False(t, cfg.Maintain.AutoCleanup)
	assert.False(t, cfg.Archive.Enabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("INDEXPILOT_DATA_DIR", t.TempDir())
	t.Setenv("INDEXPILOT_AUTO_INDEXER_MODE", "apply")
	t.Setenv("INDEXPILOT_PORT", "9090")
	t.Setenv("INDEXPILOT_MIN_QUERY_COUNT", "200")
	t.Setenv("INDEXPILOT_MAINTENANCE_INTERVAL_MS", "60000")
	t.Setenv("INDEXPILOT_AUTO_ROLLBACK", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeApply, cfg.Mode)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, int64(200), cfg.Engine.MinCount)
	assert.Equal(t, time.Minute, cfg.Maintain.Interval)
	assert.False(t, cfg.Executor.AutoRollback)
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	t.Setenv("INDEXPILOT_DATA_DIR", t.TempDir())
	t.Setenv("INDEXPILOT_AUTO_INDEXER_MODE", "yolo")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INDEXPILOT_AUTO_INDEXER_MODE")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Mode:  ModeAdvisory,
			Pool:  PoolConfig{MaxConns: 10},
			Stats: StatsConfig{EWMAAlpha: 0.1},
		}
	}

	cfg := base()
	require.NoError(t, cfg.Validate())

	cfg = base()
	cfg.Pool.MaxConns = 0
	assert.ErrorContains(t, cfg.Validate(), "INDEXPILOT_POOL_MAX")

	cfg = base()
	cfg.Stats.EWMAAlpha = 1.5
	assert.ErrorContains(t, cfg.Validate(), "INDEXPILOT_EWMA_ALPHA")

	cfg = base()
	cfg.Archive.Enabled = true
	assert.ErrorContains(t, cfg.Validate(), "INDEXPILOT_ARCHIVE_BUCKET")
}

func TestMalformedEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("INDEXPILOT_DATA_DIR", t.TempDir())
	t.Setenv("INDEXPILOT_PORT", "not-a-number")
	t.Setenv("INDEXPILOT_EWMA_ALPHA", "banana")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8040, cfg.Port)
	assert.Equal(t, 0.1, cfg.Stats.EWMAAlpha)
}
