package maintain

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexpilot/indexpilot/internal/bypass"
	"github.com/indexpilot/indexpilot/internal/config"
	"github.com/indexpilot/indexpilot/internal/db"
	"github.com/indexpilot/indexpilot/internal/domain"
	"github.com/indexpilot/indexpilot/internal/safeguard"
)

type fakeDB struct {
	indexes  []domain.LiveIndex
	stale    []string
	hanging  []db.Activity
	released int64

	ddls      []string
	maint     []string
	cancelled []int
}

func (f *fakeDB) IntrospectIndexes(_ context.Context, _ string) ([]domain.LiveIndex, error) {
	return f.indexes, nil
}

func (f *fakeDB) StaleTables(_ context.Context, _ time.Duration) ([]string, error) {
	return f.stale, nil
}

func (f *fakeDB) MaintenanceExec(_ context.Context, stmt string) error {
	f.maint = append(f.maint, stmt)
	return nil
}

func (f *fakeDB) DDL(_ context.Context, stmt string, _ bool) (db.DDLOutcome, error) {
	f.ddls = append(f.ddls, stmt)
	return db.DDLCommitted, nil
}

func (f *fakeDB) HangingDDL(_ context.Context, _ time.Duration) ([]db.Activity, error) {
	return f.hanging, nil
}

func (f *fakeDB) CancelBackend(_ context.Context, pid int) error {
	f.cancelled = append(f.cancelled, pid)
	return nil
}

func (f *fakeDB) ReleaseStaleAdvisoryLocks(_ context.Context, _ time.Duration) (int64, error) {
	return f.released, nil
}

type fakeRecorder struct {
	records []domain.Mutation
}

func (f *fakeRecorder) Append(_ context.Context, m domain.Mutation) (int64, error) {
	m.ID = int64(len(f.records) + 1)
	f.records = append(f.records, m)
	return m.ID, nil
}

func (f *fakeRecorder) byAction(action domain.MutationAction) []domain.Mutation {
	var out []domain.Mutation
	for _, m := range f.records {
		if m.Action == action {
			out = append(out, m)
		}
	}
	return out
}

type fakeArchiver struct {
	calls int
}

func (f *fakeArchiver) Archive(_ context.Context) error {
	f.calls++
	return nil
}

func maintainConfig() config.MaintainConfig {
	return config.MaintainConfig{
		Interval:       time.Hour,
		MinScans:       50,
		DaysUnused:     30,
		BloatThreshold: 0.3,
		StatsStaleness: 24 * time.Hour,
		HangTimeout:    time.Hour,
	}
}

func permissiveGates() *safeguard.Set {
	return safeguard.NewSet(config.SafeguardConfig{
		GlobalBudgetBytes: 1 << 40,
		RateCapacity:      100,
		RateRefillPerMin:  100,
		BreakerFailures:   5,
		BreakerCooldown:   time.Minute,
		BreakerTrigger:    "table",
	}, nil, nil, zerolog.Nop())
}

func newTestLoop(cfg config.MaintainConfig, database *fakeDB, rec *fakeRecorder, gates *safeguard.Set) (*Loop, *bypass.Switch) {
	sw := bypass.New(zerolog.Nop())
	l := New(cfg, database, gates, rec, sw, nil, nil, zerolog.Nop())
	return l, sw
}

func TestSweepInvalidDropsFailedBuilds(t *testing.T) {
	database := &fakeDB{indexes: []domain.LiveIndex{
		{Name: "ix_users_email", Table: "users", Columns: []string{"email"}, Valid: true},
		{Name: "ix_users_status", Table: "users", Columns: []string{"status"}, Valid: false},
	}}
	rec := &fakeRecorder{}
	l, _ := newTestLoop(maintainConfig(), database, rec, permissiveGates())

	require.NoError(t, l.sweepInvalid(context.Background()))

	require.Len(t, database.ddls, 1)
	assert.Contains(t, database.ddls[0], `DROP INDEX CONCURRENTLY IF EXISTS "ix_users_status"`)

	drops := rec.byAction(domain.ActionDrop)
	require.Len(t, drops, 1)
	assert.Equal(t, "ix_users_status", drops[0].Index)
	assert.Contains(t, drops[0].Rationale, "invalid index")
}

func TestDetectUnusedProposesWithoutAutoCleanup(t *testing.T) {
	database := &fakeDB{indexes: []domain.LiveIndex{
		{Name: "ix_users_old", Table: "users", Columns: []string{"old_col"},
			Method: domain.MethodOrdered, Valid: true, ScanCount: 2, SizeBytes: 1 << 20},
		{Name: "users_pkey", Table: "users", Columns: []string{"id"},
			Method: domain.MethodOrdered, Valid: true, PrimaryKey: true},
		{Name: "ix_users_busy", Table: "users", Columns: []string{"email"},
			Method: domain.MethodOrdered, Valid: true, ScanCount: 90000},
	}}
	rec := &fakeRecorder{}
	l, _ := newTestLoop(maintainConfig(), database, rec, permissiveGates())

	require.NoError(t, l.detectUnused(context.Background()))

	assert.Empty(t, database.ddls, "proposal mode never drops")
	proposed := rec.byAction(domain.ActionUnusedProposed)
	require.Len(t, proposed, 1)
	assert.Equal(t, "ix_users_old", proposed[0].Index)
	assert.Equal(t, int64(1<<20), proposed[0].Details["size_bytes"])
}

func TestDetectUnusedAutoCleanupRecordsRecreate(t *testing.T) {
	cfg := maintainConfig()
	cfg.AutoCleanup = true
	database := &fakeDB{indexes: []domain.LiveIndex{
		{Name: "ix_users_old", Table: "users", Columns: []string{"old_col"},
			Method: domain.MethodOrdered, Valid: true, ScanCount: 0},
	}}
	rec := &fakeRecorder{}
	l, _ := newTestLoop(cfg, database, rec, permissiveGates())

	require.NoError(t, l.detectUnused(context.Background()))

	require.Len(t, database.ddls, 1)
	drops := rec.byAction(domain.ActionDrop)
	require.Len(t, drops, 1)

	recreate, ok := drops[0].Details["recreate"].(string)
	require.True(t, ok)
	assert.Contains(t, recreate, `CREATE INDEX CONCURRENTLY "ix_users_old" ON "users"`)
	assert.Contains(t, recreate, `("old_col")`)
}

func TestDetectUnusedSkipsRecentlyUsed(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	database := &fakeDB{indexes: []domain.LiveIndex{
		{Name: "ix_users_warm", Table: "users", Columns: []string{"email"},
			Method: domain.MethodOrdered, Valid: true, ScanCount: 2,
			LastUsed: now.AddDate(0, 0, -5)},
	}}
	rec := &fakeRecorder{}
	l, _ := newTestLoop(maintainConfig(), database, rec, permissiveGates())
	l.now = func() time.Time { return now }

	require.NoError(t, l.detectUnused(context.Background()))
	assert.Empty(t, rec.records)
}

func TestDetectRedundantFlagsPrefixDominated(t *testing.T) {
	database := &fakeDB{indexes: []domain.LiveIndex{
		{Name: "ix_users_tenant_id", Table: "users", Columns: []string{"tenant_id"},
			Method: domain.MethodOrdered, Valid: true, SizeBytes: 1 << 20},
		{Name: "ix_users_tenant_id_status", Table: "users", Columns: []string{"tenant_id", "status"},
			Method: domain.MethodOrdered, Valid: true},
		{Name: "ix_users_email", Table: "users", Columns: []string{"email"},
			Method: domain.MethodOrdered, Valid: true},
	}}
	rec := &fakeRecorder{}
	l, _ := newTestLoop(maintainConfig(), database, rec, permissiveGates())

	require.NoError(t, l.detectRedundant(context.Background()))

	proposed := rec.byAction(domain.ActionUnusedProposed)
	require.Len(t, proposed, 1)
	assert.Equal(t, "ix_users_tenant_id", proposed[0].Index)
	assert.Equal(t, "redundant: prefix-dominated by ix_users_tenant_id_status", proposed[0].Rationale)
	assert.Equal(t, "ix_users_tenant_id_status", proposed[0].Details["dominated_by"])
}

func TestRebuildBloatedReindexes(t *testing.T) {
	database := &fakeDB{indexes: []domain.LiveIndex{
		{Name: "ix_users_email", Table: "users", Columns: []string{"email"},
			Method: domain.MethodOrdered, Valid: true, Bloat: 0.5},
		{Name: "ix_users_status", Table: "users", Columns: []string{"status"},
			Method: domain.MethodOrdered, Valid: true, Bloat: 0.1},
	}}
	rec := &fakeRecorder{}
	l, _ := newTestLoop(maintainConfig(), database, rec, permissiveGates())

	require.NoError(t, l.rebuildBloated(context.Background()))

	require.Len(t, database.maint, 1)
	assert.Equal(t, `REINDEX INDEX CONCURRENTLY "ix_users_email"`, database.maint[0])

	rebuilds := rec.byAction(domain.ActionRebuild)
	require.Len(t, rebuilds, 1)
	assert.Contains(t, rebuilds[0].Rationale, "bloat 50%")
}

func TestRebuildBloatedDeferredOutsideWindow(t *testing.T) {
	win, err := safeguard.ParseWindow("maintenance", "mon 01:00-02:00")
	require.NoError(t, err)
	gates := safeguard.NewSet(config.SafeguardConfig{
		GlobalBudgetBytes: 1 << 40,
		RateCapacity:      100,
		RateRefillPerMin:  100,
		BreakerFailures:   5,
		BreakerCooldown:   time.Minute,
		BreakerTrigger:    "table",
	}, win, nil, zerolog.Nop())

	database := &fakeDB{indexes: []domain.LiveIndex{
		{Name: "ix_users_email", Table: "users", Columns: []string{"email"},
			Method: domain.MethodOrdered, Valid: true, Bloat: 0.5},
	}}
	rec := &fakeRecorder{}
	l, _ := newTestLoop(maintainConfig(), database, rec, gates)
	// A Tuesday at noon, outside the Monday window.
	l.now = func() time.Time { return time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, l.rebuildBloated(context.Background()))
	assert.Empty(t, database.maint)
	assert.Empty(t, rec.records)
}

func TestRefreshStatisticsAnalyzesStaleTables(t *testing.T) {
	database := &fakeDB{stale: []string{"users", "analytics.events"}}
	rec := &fakeRecorder{}
	l, _ := newTestLoop(maintainConfig(), database, rec, permissiveGates())

	require.NoError(t, l.refreshStatistics(context.Background()))

	require.Len(t, database.maint, 2)
	assert.Equal(t, `ANALYZE "public"."users"`, database.maint[0])
	assert.Equal(t, `ANALYZE "analytics"."events"`, database.maint[1])
}

func TestReapHangingBuilds(t *testing.T) {
	database := &fakeDB{hanging: []db.Activity{
		{PID: 4242, Query: "CREATE INDEX CONCURRENTLY ix_big ON big (col)", Started: time.Now().Add(-2 * time.Hour)},
	}}
	rec := &fakeRecorder{}
	l, _ := newTestLoop(maintainConfig(), database, rec, permissiveGates())

	require.NoError(t, l.reapHangingBuilds(context.Background()))

	assert.Equal(t, []int{4242}, database.cancelled)
	failed := rec.byAction(domain.ActionCreateFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Rationale, "hang timeout")
	assert.Contains(t, failed[0].Details["statement"], "ix_big")
}

func TestSweepSkipsDisabledTasks(t *testing.T) {
	cfg := maintainConfig()
	cfg.Disabled = map[string]bool{"invalid-sweep": true, "redundancy-pruning": true}
	database := &fakeDB{indexes: []domain.LiveIndex{
		{Name: "ix_users_broken", Table: "users", Columns: []string{"email"}, Valid: false},
	}}
	rec := &fakeRecorder{}
	l, _ := newTestLoop(cfg, database, rec, permissiveGates())

	l.Sweep(context.Background())
	assert.Empty(t, database.ddls, "disabled invalid-sweep must not drop")
}

func TestSweepHonorsComponentBypass(t *testing.T) {
	database := &fakeDB{indexes: []domain.LiveIndex{
		{Name: "ix_users_broken", Table: "users", Columns: []string{"email"}, Valid: false},
	}}
	rec := &fakeRecorder{}
	l, sw := newTestLoop(maintainConfig(), database, rec, permissiveGates())
	sw.SetComponent("maintenance", true)

	l.Sweep(context.Background())
	assert.Empty(t, database.ddls)
	assert.Empty(t, rec.records)
}

func TestSweepHonorsFeatureBypass(t *testing.T) {
	database := &fakeDB{indexes: []domain.LiveIndex{
		{Name: "ix_users_broken", Table: "users", Columns: []string{"email"}, Valid: false},
	}}
	rec := &fakeRecorder{}
	l, sw := newTestLoop(maintainConfig(), database, rec, permissiveGates())
	sw.SetFeature("invalid-sweep", true)

	l.Sweep(context.Background())
	for _, stmt := range database.ddls {
		assert.False(t, strings.Contains(stmt, "ix_users_broken"))
	}
}

func TestSweepArchivesJournal(t *testing.T) {
	database := &fakeDB{}
	rec := &fakeRecorder{}
	sw := bypass.New(zerolog.Nop())
	arch := &fakeArchiver{}
	l := New(maintainConfig(), database, permissiveGates(), rec, sw, arch, nil, zerolog.Nop())

	l.Sweep(context.Background())
	assert.Equal(t, 1, arch.calls)
}
