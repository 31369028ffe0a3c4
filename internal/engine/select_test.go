package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexpilot/indexpilot/internal/config"
	"github.com/indexpilot/indexpilot/internal/domain"
)

func selectConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxIndexesPerTable:   5,
		MaxCandidatesPerPass: 10,
	}
}

func mib(n int64) int64 { return n << 20 }

func TestSelectRespectsBudget(t *testing.T) {
	cands := []domain.IndexCandidate{
		{Table: "users", Columns: []string{"a"}, Score: 100, SizeEstimate: mib(4)},
		{Table: "users", Columns: []string{"b"}, Score: 90, SizeEstimate: mib(4)},
		{Table: "users", Columns: []string{"c"}, Score: 80, SizeEstimate: mib(4)},
	}

	selected, rejected := selectCandidates(cands, mib(10), nil, selectConfig())
	require.Len(t, selected, 2)
	assert.Equal(t, []string{"a"}, selected[0].Columns)
	assert.Equal(t, []string{"b"}, selected[1].Columns)

	require.Len(t, rejected, 1)
	assert.Contains(t, rejected[0].Rationale, "budget-exceeded")
}

func TestSelectDropsNonPositiveScores(t *testing.T) {
	cands := []domain.IndexCandidate{
		{Table: "users", Columns: []string{"a"}, Score: 0, SizeEstimate: mib(1)},
		{Table: "users", Columns: []string{"b"}, Score: -5, SizeEstimate: mib(1)},
	}

	selected, rejected := selectCandidates(cands, mib(100), nil, selectConfig())
	assert.Empty(t, selected)
	require.Len(t, rejected, 2)
	for _, r := range rejected {
		assert.Contains(t, r.Rationale, "non-positive score")
	}
}

func TestSelectPerPassCap(t *testing.T) {
	cfg := selectConfig()
	cfg.MaxCandidatesPerPass = 1

	cands := []domain.IndexCandidate{
		{Table: "users", Columns: []string{"a"}, Score: 100, SizeEstimate: mib(1)},
		{Table: "orders", Columns: []string{"b"}, Score: 50, SizeEstimate: mib(1)},
	}

	selected, rejected := selectCandidates(cands, mib(100), nil, cfg)
	require.Len(t, selected, 1)
	assert.Equal(t, "users", selected[0].Table)
	require.Len(t, rejected, 1)
	assert.Contains(t, rejected[0].Rationale, "per-pass cap reached")
}

func TestSelectPerTableCeilingCountsLiveIndexes(t *testing.T) {
	cfg := selectConfig()
	cfg.MaxIndexesPerTable = 3

	cands := []domain.IndexCandidate{
		{Table: "users", Columns: []string{"a"}, Score: 100, SizeEstimate: mib(1)},
		{Table: "users", Columns: []string{"b"}, Score: 90, SizeEstimate: mib(1)},
	}

	selected, rejected := selectCandidates(cands, mib(100), map[string]int{"users": 2}, cfg)
	require.Len(t, selected, 1)
	require.Len(t, rejected, 1)
	assert.Contains(t, rejected[0].Rationale, "per-table index ceiling reached")
}

func TestSelectDeterministicTiebreak(t *testing.T) {
	cands := []domain.IndexCandidate{
		{Table: "users", Columns: []string{"b"}, Score: 10, SizeEstimate: mib(1)},
		{Table: "users", Columns: []string{"a"}, Score: 10, SizeEstimate: mib(1)},
	}

	for i := 0; i < 5; i++ {
		selected, _ := selectCandidates(cands, mib(100), nil, selectConfig())
		require.Len(t, selected, 2)
		assert.Equal(t, []string{"a"}, selected[0].Columns)
		assert.Equal(t, []string{"b"}, selected[1].Columns)
	}
}

func TestSelectCollapsesPrefixFamilies(t *testing.T) {
	cands := []domain.IndexCandidate{
		{Table: "users", Columns: []string{"tenant_id"}, Score: 100, SizeEstimate: mib(1)},
		{Table: "users", Columns: []string{"tenant_id", "created_at"}, Score: 80, SizeEstimate: mib(2)},
	}

	selected, rejected := selectCandidates(cands, mib(100), nil, selectConfig())
	require.Len(t, selected, 1)
	assert.Equal(t, []string{"tenant_id", "created_at"}, selected[0].Columns)
	assert.Empty(t, rejected)
}

func TestSelectKeepsDistinctFamilies(t *testing.T) {
	cands := []domain.IndexCandidate{
		{Table: "users", Columns: []string{"tenant_id", "created_at"}, Score: 80, SizeEstimate: mib(1)},
		{Table: "users", Columns: []string{"email"}, Score: 60, SizeEstimate: mib(1)},
	}

	selected, _ := selectCandidates(cands, mib(100), nil, selectConfig())
	assert.Len(t, selected, 2)
}
