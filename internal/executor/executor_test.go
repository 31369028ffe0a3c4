package executor

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexpilot/indexpilot/internal/config"
	"github.com/indexpilot/indexpilot/internal/db"
	"github.com/indexpilot/indexpilot/internal/domain"
	"github.com/indexpilot/indexpilot/internal/safeguard"
)

type fakeDDL struct {
	stmts   []string
	respond func(stmt string) (db.DDLOutcome, error)
}

func (f *fakeDDL) DDL(_ context.Context, stmt string, _ bool) (db.DDLOutcome, error) {
	f.stmts = append(f.stmts, stmt)
	if f.respond != nil {
		return f.respond(stmt)
	}
	return db.DDLCommitted, nil
}

func (f *fakeDDL) creates() []string {
	var out []string
	for _, s := range f.stmts {
		if strings.HasPrefix(s, "CREATE INDEX") {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeDDL) drops() []string {
	var out []string
	for _, s := range f.stmts {
		if strings.HasPrefix(s, "DROP INDEX") {
			out = append(out, s)
		}
	}
	return out
}

type fakePlanner struct {
	cost        float64
	indexNames  []string
	invalidated int
}

func (f *fakePlanner) Plan(_ context.Context, _, _ string, _ []any, _ bool) (*db.Plan, error) {
	return &db.Plan{TotalCost: f.cost, IndexNames: append([]string(nil), f.indexNames...)}, nil
}

func (f *fakePlanner) Invalidate() { f.invalidated++ }

type fakeExemplars struct {
	sql map[string]string
}

func (f *fakeExemplars) Exemplar(_ domain.TenantID, fp string) (string, bool) {
	s, ok := f.sql[fp]
	return s, ok
}

type fakeRecorder struct {
	records []domain.Mutation
}

func (f *fakeRecorder) Append(_ context.Context, m domain.Mutation) (int64, error) {
	m.ID = int64(len(f.records) + 1)
	f.records = append(f.records, m)
	return m.ID, nil
}

func (f *fakeRecorder) last(action domain.MutationAction) *domain.Mutation {
	for i := len(f.records) - 1; i >= 0; i-- {
		if f.records[i].Action == action {
			return &f.records[i]
		}
	}
	return nil
}

type fakeSampler struct {
	latency time.Duration
}

func (f *fakeSampler) WriteLatencySample(_ context.Context) (time.Duration, error) {
	return f.latency, nil
}

func permissiveGates() *safeguard.Set {
	return safeguard.NewSet(config.SafeguardConfig{
		GlobalBudgetBytes:   1 << 40,
		RateCapacity:        100,
		RateRefillPerMin:    100,
		WriteLatencyCeiling: time.Second,
		EmergencyCeiling:    2 * time.Second,
		BreakerFailures:     5,
		BreakerCooldown:     time.Minute,
		BreakerTrigger:      "table",
	}, nil, nil, zerolog.Nop())
}

func executorConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		MaxRetries:   2,
		BackoffBase:  time.Millisecond,
		BackoffMax:   4 * time.Millisecond,
		AutoRollback: true,
	}
}

func emailCandidate() domain.IndexCandidate {
	return domain.IndexCandidate{
		Table:        "users",
		Columns:      []string{"email"},
		Method:       domain.MethodOrdered,
		Score:        100,
		SizeEstimate: 1 << 20,
		Rationale:    "column referenced by 500 sustained query executions",
		Fingerprints: []string{"fp1"},
	}
}

func newTestExecutor(ddl *fakeDDL, pl *fakePlanner, rec *fakeRecorder, gates *safeguard.Set, committed *int) *Executor {
	ex := &fakeExemplars{sql: map[string]string{
		"fp1": "SELECT * FROM users WHERE email = $1",
	}}
	onCommit := func() {
		if committed != nil {
			*committed++
		}
	}
	return New(executorConfig(), 0.2, ddl, pl, ex, gates, rec, onCommit, zerolog.Nop())
}

func TestApplyCommitsWhenPlanUsesIndex(t *testing.T) {
	ddl := &fakeDDL{}
	pl := &fakePlanner{cost: 100, indexNames: []string{"ix_users_email"}}
	rec := &fakeRecorder{}
	commits := 0
	e := newTestExecutor(ddl, pl, rec, permissiveGates(), &commits)

	res := e.Apply(context.Background(), emailCandidate(), nil)

	assert.Equal(t, domain.StateCommitted, res.State)
	assert.Equal(t, "ix_users_email", res.IndexName)
	assert.Equal(t, 1, commits)
	assert.GreaterOrEqual(t, pl.invalidated, 1)

	creates := ddl.creates()
	require.Len(t, creates, 1)
	assert.Contains(t, creates[0], `CREATE INDEX CONCURRENTLY "ix_users_email" ON "public"."users"`)
	assert.Contains(t, creates[0], `("email")`)
	assert.NotContains(t, creates[0], "USING")

	intent := rec.last(domain.ActionCreate)
	require.NotNil(t, intent)
	assert.Equal(t, creates[0], intent.Details["statement"])

	committed := rec.last(domain.ActionCommitted)
	require.NotNil(t, committed)
	assert.Equal(t, intent.ID, committed.PrevID)
	assert.Equal(t, true, committed.Details["validated"])
	assert.Equal(t, committed.ID, res.MutationID)
}

func TestApplyDeferredByGate(t *testing.T) {
	gates := safeguard.NewSet(config.SafeguardConfig{
		GlobalBudgetBytes: 1 << 40,
		RateCapacity:      0, // empty token bucket
		BreakerFailures:   5,
		BreakerCooldown:   time.Minute,
		BreakerTrigger:    "table",
	}, nil, nil, zerolog.Nop())
	ddl := &fakeDDL{}
	rec := &fakeRecorder{}
	e := newTestExecutor(ddl, &fakePlanner{cost: 100}, rec, gates, nil)

	res := e.Apply(context.Background(), emailCandidate(), nil)

	assert.Equal(t, domain.StateDeferred, res.State)
	assert.Equal(t, "rate-limit", res.Gate.Gate)
	assert.Empty(t, ddl.stmts, "no DDL may run past a closed gate")

	deferred := rec.last(domain.ActionDeferred)
	require.NotNil(t, deferred)
	assert.Contains(t, deferred.Rationale, "rate-limit")
}

func TestApplyFailedBuildDropsInvalidRemnant(t *testing.T) {
	ddl := &fakeDDL{respond: func(stmt string) (db.DDLOutcome, error) {
		if strings.HasPrefix(stmt, "CREATE INDEX") {
			return db.DDLFailedInvalid, db.ErrDDLConflict
		}
		return db.DDLCommitted, nil
	}}
	rec := &fakeRecorder{}
	e := newTestExecutor(ddl, &fakePlanner{cost: 100}, rec, permissiveGates(), nil)

	res := e.Apply(context.Background(), emailCandidate(), nil)

	assert.Equal(t, domain.StateFailedInvalid, res.State)
	drops := ddl.drops()
	require.Len(t, drops, 1)
	assert.Contains(t, drops[0], `"ix_users_email"`)

	failed := rec.last(domain.ActionCreateFailed)
	require.NotNil(t, failed)
	intent := rec.last(domain.ActionCreate)
	require.NotNil(t, intent)
	assert.Equal(t, intent.ID, failed.PrevID)
}

func TestApplyLockContentionDefersAfterRetries(t *testing.T) {
	ddl := &fakeDDL{respond: func(stmt string) (db.DDLOutcome, error) {
		return db.DDLLockTimeout, db.ErrLockTimeout
	}}
	rec := &fakeRecorder{}
	e := newTestExecutor(ddl, &fakePlanner{cost: 100}, rec, permissiveGates(), nil)

	res := e.Apply(context.Background(), emailCandidate(), nil)

	assert.Equal(t, domain.StateDeferred, res.State)
	assert.Len(t, ddl.creates(), 3, "MaxRetries+1 attempts")

	deferred := rec.last(domain.ActionDeferred)
	require.NotNil(t, deferred)
	assert.Contains(t, deferred.Rationale, "lock contention")
}

func TestApplyRollsBackUnvalidatedBuild(t *testing.T) {
	// Plans never touch the new index and costs do not move.
	ddl := &fakeDDL{}
	pl := &fakePlanner{cost: 100}
	rec := &fakeRecorder{}
	e := newTestExecutor(ddl, pl, rec, permissiveGates(), nil)

	res := e.Apply(context.Background(), emailCandidate(), nil)

	assert.Equal(t, domain.StateRolledBack, res.State)
	drops := ddl.drops()
	require.Len(t, drops, 1)
	assert.Contains(t, drops[0], `"ix_users_email"`)

	// The journal reads CREATE then DROP; ROLLBACK is reserved for operator
	// reversals. The recreate statement keeps the drop itself reversible.
	intent := rec.last(domain.ActionCreate)
	require.NotNil(t, intent)
	drop := rec.last(domain.ActionDrop)
	require.NotNil(t, drop)
	assert.Contains(t, drop.Rationale, "no plan improvement")
	assert.Equal(t, intent.ID, drop.PrevID)
	assert.Equal(t, intent.Details["statement"], drop.Details["recreate"])
	assert.Nil(t, rec.last(domain.ActionCommitted))
	assert.Nil(t, rec.last(domain.ActionRollback))
}

func TestApplyKeepsBuildWithoutAutoRollback(t *testing.T) {
	ddl := &fakeDDL{}
	pl := &fakePlanner{cost: 100}
	rec := &fakeRecorder{}
	e := newTestExecutor(ddl, pl, rec, permissiveGates(), nil)
	e.cfg.AutoRollback = false

	res := e.Apply(context.Background(), emailCandidate(), nil)

	assert.Equal(t, domain.StateCommitted, res.State)
	assert.Empty(t, ddl.drops())

	committed := rec.last(domain.ActionCommitted)
	require.NotNil(t, committed)
	assert.Equal(t, false, committed.Details["validated"])
}

func TestApplyTreatsDuplicateAsBuilt(t *testing.T) {
	ddl := &fakeDDL{respond: func(stmt string) (db.DDLOutcome, error) {
		if strings.HasPrefix(stmt, "CREATE INDEX") {
			return db.DDLLockTimeout, db.ErrDuplicateObject
		}
		return db.DDLCommitted, nil
	}}
	pl := &fakePlanner{cost: 100, indexNames: []string{"ix_users_email"}}
	rec := &fakeRecorder{}
	e := newTestExecutor(ddl, pl, rec, permissiveGates(), nil)

	res := e.Apply(context.Background(), emailCandidate(), nil)

	assert.Equal(t, domain.StateCommitted, res.State)
	assert.Len(t, ddl.creates(), 1, "duplicate is not retried")
}

func TestApplyRetiresReplacedIndex(t *testing.T) {
	ddl := &fakeDDL{}
	pl := &fakePlanner{cost: 100, indexNames: []string{"ix_users_email_tenant_id"}}
	rec := &fakeRecorder{}
	e := newTestExecutor(ddl, pl, rec, permissiveGates(), nil)

	cand := emailCandidate()
	cand.Columns = []string{"email", "tenant_id"}
	cand.ReplacesIndex = "ix_users_email"

	res := e.Apply(context.Background(), cand, nil)
	require.Equal(t, domain.StateCommitted, res.State)

	drops := ddl.drops()
	require.Len(t, drops, 1)
	assert.Contains(t, drops[0], `"ix_users_email"`)

	drop := rec.last(domain.ActionDrop)
	require.NotNil(t, drop)
	assert.Equal(t, "ix_users_email", drop.Index)
	assert.Equal(t, "subsumed by wider committed index", drop.Rationale)
	assert.Equal(t, res.MutationID, drop.PrevID)
}

func TestApplyAvoidsTakenNames(t *testing.T) {
	ddl := &fakeDDL{}
	pl := &fakePlanner{cost: 100}
	rec := &fakeRecorder{}
	e := newTestExecutor(ddl, pl, rec, permissiveGates(), nil)
	e.cfg.AutoRollback = false

	res := e.Apply(context.Background(), emailCandidate(), map[string]bool{"ix_users_email": true})

	assert.NotEqual(t, "ix_users_email", res.IndexName)
	require.Len(t, ddl.creates(), 1)
	assert.Contains(t, ddl.creates()[0], res.IndexName)
}

func TestApplyStopsBuildUnderEmergencyPressure(t *testing.T) {
	// Write latency sits between the throttle ceiling (admission passes) and
	// the emergency ceiling (in-flight work must stop).
	gates := safeguard.NewSet(config.SafeguardConfig{
		GlobalBudgetBytes:   1 << 40,
		RateCapacity:        100,
		RateRefillPerMin:    100,
		WriteLatencyCeiling: time.Second,
		EmergencyCeiling:    10 * time.Millisecond,
		BreakerFailures:     5,
		BreakerCooldown:     time.Minute,
		BreakerTrigger:      "table",
	}, nil, &fakeSampler{latency: 50 * time.Millisecond}, zerolog.Nop())

	ddl := &fakeDDL{respond: func(stmt string) (db.DDLOutcome, error) {
		if strings.HasPrefix(stmt, "CREATE INDEX") {
			return db.DDLLockTimeout, db.ErrLockTimeout
		}
		return db.DDLCommitted, nil
	}}
	rec := &fakeRecorder{}
	e := newTestExecutor(ddl, &fakePlanner{cost: 100}, rec, gates, nil)

	res := e.Apply(context.Background(), emailCandidate(), nil)

	assert.Equal(t, domain.StateDeferred, res.State)
	assert.Len(t, ddl.creates(), 1, "no retries once the emergency ceiling trips")
	require.Len(t, ddl.drops(), 1, "the cancelled build's remnant is dropped")

	deferred := rec.last(domain.ActionDeferred)
	require.NotNil(t, deferred)
	assert.Contains(t, deferred.Rationale, "write pressure")
}

// splitClasses finds one fingerprint on each side of the canary split.
func splitClasses(t *testing.T, c *safeguard.Canary) (canary, control string) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		fp := fmt.Sprintf("fp-%d", i)
		if c.InCanary(fp) && canary == "" {
			canary = fp
		}
		if !c.InCanary(fp) && control == "" {
			control = fp
		}
		if canary != "" && control != "" {
			return canary, control
		}
	}
	t.Fatal("could not find fingerprints on both sides of the split")
	return "", ""
}

func canaryGates() *safeguard.Set {
	return safeguard.NewSet(config.SafeguardConfig{
		GlobalBudgetBytes:   1 << 40,
		RateCapacity:        100,
		RateRefillPerMin:    100,
		WriteLatencyCeiling: time.Second,
		EmergencyCeiling:    2 * time.Second,
		BreakerFailures:     5,
		BreakerCooldown:     time.Minute,
		BreakerTrigger:      "table",
		CanaryFraction:      0.5,
		CanarySampleSize:    1,
	}, nil, nil, zerolog.Nop())
}

func TestApplyCanaryRegressionRollsBack(t *testing.T) {
	gates := canaryGates()
	canaryFP, controlFP := splitClasses(t, gates.Canary)
	// Live traffic already showed the canary population regressing.
	gates.Canary.Observe("ix_users_email", canaryFP, 30)
	gates.Canary.Observe("ix_users_email", controlFP, 10)

	ddl := &fakeDDL{}
	pl := &fakePlanner{cost: 100, indexNames: []string{"ix_users_email"}}
	rec := &fakeRecorder{}
	e := newTestExecutor(ddl, pl, rec, gates, nil)

	res := e.Apply(context.Background(), emailCandidate(), nil)

	assert.Equal(t, domain.StateRolledBack, res.State, "canary verdict outranks the plan check")
	require.Len(t, ddl.drops(), 1)

	_, decided := gates.Canary.Verdict("ix_users_email")
	assert.False(t, decided, "tallies cleared after the decision")
}

func TestApplyCanaryImprovementCommits(t *testing.T) {
	gates := canaryGates()
	canaryFP, controlFP := splitClasses(t, gates.Canary)
	gates.Canary.Observe("ix_users_email", canaryFP, 5)
	gates.Canary.Observe("ix_users_email", controlFP, 20)

	ddl := &fakeDDL{}
	pl := &fakePlanner{cost: 100} // plans never show the new index
	rec := &fakeRecorder{}
	e := newTestExecutor(ddl, pl, rec, gates, nil)

	res := e.Apply(context.Background(), emailCandidate(), nil)

	assert.Equal(t, domain.StateCommitted, res.State)
	committed := rec.last(domain.ActionCommitted)
	require.NotNil(t, committed)
	assert.Equal(t, true, committed.Details["validated"])
}

func TestApplyUsesMethodClause(t *testing.T) {
	ddl := &fakeDDL{}
	pl := &fakePlanner{cost: 100}
	rec := &fakeRecorder{}
	e := newTestExecutor(ddl, pl, rec, permissiveGates(), nil)
	e.cfg.AutoRollback = false

	cand := emailCandidate()
	cand.Method = domain.MethodHash
	res := e.Apply(context.Background(), cand, nil)

	require.Equal(t, domain.StateCommitted, res.State)
	require.Len(t, ddl.creates(), 1)
	assert.Contains(t, ddl.creates()[0], "USING hash")
}
