package stats

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexpilot/indexpilot/internal/config"
	"github.com/indexpilot/indexpilot/internal/domain"
)

func testStatsConfig() config.StatsConfig {
	return config.StatsConfig{
		IngestBuffer:    64,
		SampleSize:      128,
		SampleRingMax:   1000,
		EWMAAlpha:       0.3,
		SpikeBuckets:    6,
		BucketSize:      time.Hour,
		SpikeMinBuckets: 1,
		SpikeMultiplier: 3.0,
	}
}

func TestStoreSnapshotOrderingAndFilters(t *testing.T) {
	s := NewStore(testStatsConfig(), nil, zerolog.Nop())
	now := time.Now()

	for i := 0; i < 5; i++ {
		s.apply(Observation{
			Tenant: "acme", SQL: "SELECT email FROM users WHERE id = 1",
			Duration: 10 * time.Millisecond, At: now,
		})
	}
	for i := 0; i < 2; i++ {
		s.apply(Observation{
			Tenant: "acme", SQL: "SELECT id FROM orders WHERE status = 'open'",
			Duration: 5 * time.Millisecond, At: now,
		})
	}
	s.apply(Observation{
		Tenant: "other", SQL: "SELECT id FROM orders WHERE status = 'open'",
		Duration: 5 * time.Millisecond, At: now,
	})

	all := s.Snapshot(SnapshotFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, int64(5), all[0].Count)
	assert.Equal(t, int64(2), all[1].Count)

	tenant := domain.TenantID("acme")
	byTenant := s.Snapshot(SnapshotFilter{Tenant: &tenant})
	assert.Len(t, byTenant, 2)

	byTable := s.Snapshot(SnapshotFilter{Table: "orders"})
	assert.Len(t, byTable, 2)
	for _, st := range byTable {
		assert.Equal(t, Fingerprint("SELECT id FROM orders WHERE status = 'open'"), st.Fingerprint)
	}

	busy := s.Snapshot(SnapshotFilter{MinCount: 3})
	require.Len(t, busy, 1)
	assert.Equal(t, int64(5), busy[0].Count)
}

func TestStoreAggregates(t *testing.T) {
	s := NewStore(testStatsConfig(), nil, zerolog.Nop())
	now := time.Now()

	s.apply(Observation{Tenant: "acme", SQL: "SELECT a FROM t WHERE b = 1",
		Params: []any{1}, Duration: 10 * time.Millisecond, At: now})
	s.apply(Observation{Tenant: "acme", SQL: "SELECT a FROM t WHERE b = 2",
		Params: []any{2}, Duration: 20 * time.Millisecond, At: now})

	snap := s.Snapshot(SnapshotFilter{})
	require.Len(t, snap, 1)
	st := snap[0]
	assert.Equal(t, int64(2), st.Count)
	assert.Equal(t, int64(2), st.DistinctParams)
	assert.InDelta(t, 13.0, st.EWMALatency, 1e-6)
	assert.NotEmpty(t, st.Columns)
}

func TestStoreExemplar(t *testing.T) {
	s := NewStore(testStatsConfig(), nil, zerolog.Nop())
	first := "SELECT a FROM t WHERE b = 1"
	s.apply(Observation{Tenant: "acme", SQL: first, Duration: time.Millisecond, At: time.Now()})
	s.apply(Observation{Tenant: "acme", SQL: "SELECT a FROM t WHERE b = 99",
		Duration: time.Millisecond, At: time.Now()})

	got, ok := s.Exemplar("acme", Fingerprint(first))
	require.True(t, ok)
	assert.Equal(t, first, got)

	_, ok = s.Exemplar("acme", "no such fingerprint")
	assert.False(t, ok)
}

func TestStoreObserverSeesAppliedObservations(t *testing.T) {
	s := NewStore(testStatsConfig(), nil, zerolog.Nop())

	type seen struct {
		tenant domain.TenantID
		fp     string
		ms     float64
	}
	var got []seen
	s.SetObserver(func(tenant domain.TenantID, fp string, ms float64) {
		got = append(got, seen{tenant, fp, ms})
	})

	sql := "SELECT a FROM t WHERE b = 1"
	s.apply(Observation{Tenant: "acme", SQL: sql, Duration: 5 * time.Millisecond, At: time.Now()})

	require.Len(t, got, 1)
	assert.Equal(t, domain.TenantID("acme"), got[0].tenant)
	assert.Equal(t, Fingerprint(sql), got[0].fp)
	assert.InDelta(t, 5.0, got[0].ms, 0.01)
}

func TestStoreIngestDropsUnderPressure(t *testing.T) {
	cfg := testStatsConfig()
	cfg.IngestBuffer = 1
	s := NewStore(cfg, nil, zerolog.Nop())

	// Nothing consumes the channel, so the second ingest evicts the first.
	s.Ingest(Observation{Tenant: "acme", SQL: "SELECT 1", Duration: time.Millisecond})
	s.Ingest(Observation{Tenant: "acme", SQL: "SELECT 2", Duration: time.Millisecond})
	assert.Equal(t, int64(1), s.Dropped())
}

func TestStoreRunConsumesIngest(t *testing.T) {
	s := NewStore(testStatsConfig(), nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	s.Ingest(Observation{Tenant: "acme", SQL: "SELECT a FROM t WHERE b = 1",
		Duration: time.Millisecond})

	require.Eventually(t, func() bool {
		return len(s.Snapshot(SnapshotFilter{})) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	s.Wait()
}
