package bypass

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowedByDefault(t *testing.T) {
	s := New(zerolog.Nop())
	assert.True(t, s.Allowed("engine", "redundancy-pruning"))
	assert.True(t, s.Allowed("", ""))
}

func TestFeatureBypass(t *testing.T) {
	s := New(zerolog.Nop())
	s.SetFeature("redundancy-pruning", true)

	assert.False(t, s.Allowed("maintenance", "redundancy-pruning"))
	assert.True(t, s.Allowed("maintenance", "bloat-rebuild"))

	s.SetFeature("redundancy-pruning", false)
	assert.True(t, s.Allowed("maintenance", "redundancy-pruning"))
}

func TestComponentBypassCoversItsFeatures(t *testing.T) {
	s := New(zerolog.Nop())
	s.SetComponent("engine", true)

	assert.False(t, s.Allowed("engine", ""))
	assert.False(t, s.Allowed("engine", "composite-generation"))
	assert.True(t, s.Allowed("maintenance", ""))
}

func TestSystemBypassCoversEverything(t *testing.T) {
	s := New(zerolog.Nop())
	s.SetSystem(true)

	assert.False(t, s.Allowed("engine", ""))
	assert.False(t, s.Allowed("maintenance", "bloat-rebuild"))

	s.SetSystem(false)
	assert.True(t, s.Allowed("engine", ""))
}

func TestParseStartup(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.ParseStartup("startup, component:maintenance, feature:auto-cleanup"))

	assert.False(t, s.Allowed("engine", ""), "startup bypass halts everything")

	s.LiftStartup()
	assert.True(t, s.Allowed("engine", ""))
	assert.False(t, s.Allowed("maintenance", ""))
	assert.False(t, s.Allowed("engine", "auto-cleanup"))
}

func TestParseStartupEmpty(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.ParseStartup(""))
	assert.True(t, s.Allowed("engine", ""))
}

func TestParseStartupInvalidItem(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.ParseStartup("component:engine,banana")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"banana"`)
}

func TestStartupNotClearedBySystemToggle(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.ParseStartup("startup"))

	s.SetSystem(true)
	s.SetSystem(false)
	assert.False(t, s.Allowed("engine", ""), "only LiftStartup clears the startup bypass")

	s.LiftStartup()
	assert.True(t, s.Allowed("engine", ""))
}

func TestSnapshot(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.ParseStartup("startup"))
	s.SetComponent("maintenance", true)
	s.SetComponent("engine", true)
	s.SetFeature("auto-cleanup", true)

	st := s.Snapshot()
	assert.True(t, st.Startup)
	assert.False(t, st.System)
	assert.Equal(t, []string{"engine", "maintenance"}, st.Components)
	assert.Equal(t, []string{"auto-cleanup"}, st.Features)
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "feature", LevelFeature.String())
	assert.Equal(t, "component", LevelComponent.String())
	assert.Equal(t, "system", LevelSystem.String())
	assert.Equal(t, "startup", LevelStartup.String())
}
