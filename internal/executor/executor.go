// Package executor applies selected index candidates to the database through
// a strict state machine: PROPOSED -> GATED -> BUILDING -> VALIDATING ->
// COMMITTED, with DEFERRED, FAILED_INVALID and ROLLED_BACK as exits. Every
// transition that touches the database is journaled before and after, and
// every build is CONCURRENTLY so production traffic never waits on a lock.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/indexpilot/indexpilot/internal/config"
	"github.com/indexpilot/indexpilot/internal/db"
	"github.com/indexpilot/indexpilot/internal/domain"
	"github.com/indexpilot/indexpilot/internal/safeguard"
)

// DDLRunner is the slice of the DB adapter the executor needs.
type DDLRunner interface {
	DDL(ctx context.Context, statement string, nonBlocking bool) (db.DDLOutcome, error)
}

// Planner re-plans statements to validate a build's effect.
type Planner interface {
	Plan(ctx context.Context, fingerprint, sql string, args []any, analyze bool) (*db.Plan, error)
	Invalidate()
}

// Exemplars resolves a fingerprint to a representative statement.
type Exemplars interface {
	Exemplar(tenant domain.TenantID, fingerprint string) (string, bool)
}

// Recorder appends executor transitions to the mutation log.
type Recorder interface {
	Append(ctx context.Context, m domain.Mutation) (int64, error)
}

// Result reports how one candidate's application ended.
type Result struct {
	State      domain.BuildState
	IndexName  string
	MutationID int64 // the terminal record's id
	Gate       domain.GateOutcome
}

// Executor applies candidates.
type Executor struct {
	cfg         config.ExecutorConfig
	improvement float64 // validated cost improvement floor
	runner      DDLRunner
	planner     Planner
	exemplars   Exemplars
	gates       *safeguard.Set
	recorder    Recorder
	onCommit    func() // cache invalidation hook
	log         zerolog.Logger
}

// New creates an executor.
func New(cfg config.ExecutorConfig, improvement float64, runner DDLRunner, planner Planner, exemplars Exemplars, gates *safeguard.Set, recorder Recorder, onCommit func(), log zerolog.Logger) *Executor {
	return &Executor{
		cfg:         cfg,
		improvement: improvement,
		runner:      runner,
		planner:     planner,
		exemplars:   exemplars,
		gates:       gates,
		recorder:    recorder,
		onCommit:    onCommit,
		log:         log.With().Str("component", "executor").Logger(),
	}
}

// Apply drives one candidate through the state machine. taken holds the live
// index names for collision-free naming; the caller refreshes it between
// candidates.
func (e *Executor) Apply(ctx context.Context, cand domain.IndexCandidate, taken map[string]bool) Result {
	name := IndexName(cand, taken)
	logger := e.log.With().Str("index", name).Str("table", cand.Table).Logger()

	// GATED: clear the safeguards before any intent is journaled.
	admission, outcome := e.gates.AdmitCreate(ctx, cand)
	if !outcome.Allowed() {
		mid := e.record(ctx, domain.Mutation{
			Tenant: cand.Tenant, Action: domain.ActionDeferred,
			Table: cand.Table, Index: name,
			Rationale: outcome.Gate + ": " + outcome.Reason,
		})
		logger.Info().Str("gate", outcome.Gate).Str("reason", outcome.Reason).Msg("Candidate deferred")
		return Result{State: domain.StateDeferred, IndexName: name, MutationID: mid, Gate: outcome}
	}

	stmt, err := createStatement(name, cand)
	if err != nil {
		admission.Finish(err, false)
		mid := e.record(ctx, domain.Mutation{
			Tenant: cand.Tenant, Action: domain.ActionCreateFailed,
			Table: cand.Table, Index: name,
			Rationale: "invalid identifier: " + err.Error(),
		})
		return Result{State: domain.StateFailedInvalid, IndexName: name, MutationID: mid}
	}

	// Baseline plans captured before the build exists.
	baseline := e.planCosts(ctx, cand, nil)

	// BUILDING: journal the intent before the first byte of DDL runs, so a
	// crash mid-build is attributable from the journal alone.
	intentID := e.record(ctx, domain.Mutation{
		Tenant: cand.Tenant, Action: domain.ActionCreate,
		Table: cand.Table, Index: name,
		Rationale: cand.Rationale,
		Details: map[string]any{
			"statement":  stmt,
			"score":      cand.Score,
			"size_bytes": cand.SizeEstimate,
		},
	})

	outcomeDDL, err := e.buildWithRetry(ctx, stmt)
	if err != nil {
		admission.Finish(err, false)
		if errors.Is(err, errEmergencyStop) {
			// A cancelled concurrent build leaves an INVALID index behind.
			e.dropIndex(ctx, name)
			mid := e.record(ctx, domain.Mutation{
				Tenant: cand.Tenant, Action: domain.ActionDeferred,
				Table: cand.Table, Index: name,
				Rationale: "write pressure: " + err.Error(), PrevID: intentID,
			})
			logger.Warn().Msg("Index build cancelled under emergency write pressure")
			return Result{State: domain.StateDeferred, IndexName: name, MutationID: mid}
		}
		if outcomeDDL == db.DDLFailedInvalid {
			// A failed concurrent build leaves an INVALID index behind.
			e.dropIndex(ctx, name)
			mid := e.record(ctx, domain.Mutation{
				Tenant: cand.Tenant, Action: domain.ActionCreateFailed,
				Table: cand.Table, Index: name,
				Rationale: err.Error(), PrevID: intentID,
			})
			logger.Warn().Err(err).Msg("Index build failed; invalid remnant dropped")
			return Result{State: domain.StateFailedInvalid, IndexName: name, MutationID: mid}
		}
		mid := e.record(ctx, domain.Mutation{
			Tenant: cand.Tenant, Action: domain.ActionDeferred,
			Table: cand.Table, Index: name,
			Rationale: "lock contention: " + err.Error(), PrevID: intentID,
		})
		logger.Info().Err(err).Msg("Index build deferred on lock contention")
		return Result{State: domain.StateDeferred, IndexName: name, MutationID: mid}
	}

	// VALIDATING: let stats settle, then judge the build. With a canary
	// fraction configured, live observations split into canary and control
	// populations while the index is tracked, and a decided verdict takes
	// precedence over re-planning.
	e.gates.Canary.Track(name, cand.Fingerprints)
	defer e.gates.Canary.Forget(name)
	select {
	case <-time.After(e.cfg.ValidateDelay):
	case <-ctx.Done():
	}
	e.planner.Invalidate()
	improved := e.validate(ctx, cand, name, baseline)

	if !improved && e.cfg.AutoRollback {
		e.dropIndex(ctx, name)
		admission.Finish(nil, false)
		// The journal reads CREATE then DROP; ROLLBACK records are reserved
		// for operator-initiated reversals. The recreate statement makes the
		// drop itself reversible.
		mid := e.record(ctx, domain.Mutation{
			Tenant: cand.Tenant, Action: domain.ActionDrop,
			Table: cand.Table, Index: name,
			Rationale: "validation showed no plan improvement", PrevID: intentID,
			Details:   map[string]any{"recreate": stmt},
		})
		logger.Info().Msg("Index dropped after failed validation")
		return Result{State: domain.StateRolledBack, IndexName: name, MutationID: mid}
	}

	// COMMITTED.
	admission.Finish(nil, true)
	mid := e.record(ctx, domain.Mutation{
		Tenant: cand.Tenant, Action: domain.ActionCommitted,
		Table: cand.Table, Index: name,
		Rationale: cand.Rationale, PrevID: intentID,
		Details: map[string]any{"validated": improved},
	})
	if e.onCommit != nil {
		e.onCommit()
	}
	logger.Info().Bool("validated", improved).Msg("Index committed")

	// A candidate that prefix-dominates an existing index retires it in the
	// same pass, after its replacement is committed.
	if cand.ReplacesIndex != "" {
		e.retireReplaced(ctx, cand, mid)
	}
	return Result{State: domain.StateCommitted, IndexName: name, MutationID: mid}
}

// errEmergencyStop aborts a build when write latency crosses the emergency
// ceiling.
var errEmergencyStop = errors.New("write latency above emergency ceiling")

// buildWithRetry runs the CREATE with bounded exponential backoff on
// retryable failures. A build is non-critical work: when write latency
// crosses the emergency ceiling the in-flight statement is cancelled, not
// just the next retry.
func (e *Executor) buildWithRetry(ctx context.Context, stmt string) (db.DDLOutcome, error) {
	buildCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchDone := make(chan struct{})
	defer close(watchDone)
	go e.watchEmergency(buildCtx, cancel, watchDone)

	backoff := e.cfg.BackoffBase
	var outcome db.DDLOutcome
	var err error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		outcome, err = e.runner.DDL(buildCtx, stmt, true)
		if err == nil {
			return outcome, nil
		}
		if errors.Is(err, db.ErrDuplicateObject) {
			// Already present (a previous run committed but crashed before
			// journaling the outcome). Treat as built.
			return db.DDLCommitted, nil
		}
		if buildCtx.Err() != nil && ctx.Err() == nil {
			return outcome, errEmergencyStop
		}
		if e.gates.Throttle.Emergency(ctx) {
			return outcome, errEmergencyStop
		}
		if !db.Retryable(err) || attempt == e.cfg.MaxRetries {
			return outcome, err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return outcome, ctx.Err()
		}
		backoff *= 2
		if backoff > e.cfg.BackoffMax {
			backoff = e.cfg.BackoffMax
		}
	}
	return outcome, err
}

// watchEmergency polls write latency while a build runs and cancels the build
// when the emergency ceiling trips.
func (e *Executor) watchEmergency(ctx context.Context, cancel context.CancelFunc, done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if e.gates.Throttle.Emergency(ctx) {
				cancel()
				return
			}
		}
	}
}

// validate judges the build. A decided canary verdict wins outright; without
// one the motivating queries are re-planned and the build passes when any
// plan scans the new index, or when the summed plan cost improved by at least
// the configured fraction.
func (e *Executor) validate(ctx context.Context, cand domain.IndexCandidate, name string, baseline float64) bool {
	if improved, decided := e.gates.Canary.Verdict(name); decided {
		return improved
	}
	if len(cand.Fingerprints) == 0 {
		return true // no query evidence to check against (FK candidates)
	}

	var after float64
	var usesIndex bool
	checked := 0
	for _, fp := range cand.Fingerprints {
		sql, ok := e.exemplars.Exemplar(cand.Tenant, fp)
		if !ok {
			continue
		}
		plan, err := e.planner.Plan(ctx, fp, sql, nil, false)
		if err != nil {
			continue
		}
		after += plan.TotalCost
		if plan.UsesIndex(name) {
			usesIndex = true
		}
		checked++
		if checked >= 3 {
			break
		}
	}

	if checked == 0 {
		return true // planner unavailable; keep the build, maintenance re-checks usage
	}
	if usesIndex {
		return true
	}
	return baseline > 0 && after <= baseline*(1-e.improvement)
}

// planCosts sums the current plan costs of the candidate's motivating
// queries.
func (e *Executor) planCosts(ctx context.Context, cand domain.IndexCandidate, _ []string) float64 {
	var total float64
	checked := 0
	for _, fp := range cand.Fingerprints {
		sql, ok := e.exemplars.Exemplar(cand.Tenant, fp)
		if !ok {
			continue
		}
		plan, err := e.planner.Plan(ctx, fp, sql, nil, false)
		if err != nil {
			continue
		}
		total += plan.TotalCost
		checked++
		if checked >= 3 {
			break
		}
	}
	return total
}

// retireReplaced drops the index the committed candidate subsumes.
func (e *Executor) retireReplaced(ctx context.Context, cand domain.IndexCandidate, commitID int64) {
	if err := e.dropIndex(ctx, cand.ReplacesIndex); err != nil {
		e.log.Warn().Err(err).Str("index", cand.ReplacesIndex).Msg("Failed to drop subsumed index")
		return
	}
	e.record(ctx, domain.Mutation{
		Tenant: cand.Tenant, Action: domain.ActionDrop,
		Table: cand.Table, Index: cand.ReplacesIndex,
		Rationale: "subsumed by wider committed index", PrevID: commitID,
	})
	if e.onCommit != nil {
		e.onCommit()
	}
}

// dropIndex removes an index without blocking writers.
func (e *Executor) dropIndex(ctx context.Context, name string) error {
	if err := db.CheckIdentifier(name); err != nil {
		return err
	}
	stmt := fmt.Sprintf("DROP INDEX CONCURRENTLY IF EXISTS %s", pgx.Identifier{name}.Sanitize())
	_, err := e.runner.DDL(ctx, stmt, true)
	return err
}

func (e *Executor) record(ctx context.Context, m domain.Mutation) int64 {
	if e.recorder == nil {
		return 0
	}
	id, err := e.recorder.Append(ctx, m)
	if err != nil {
		e.log.Error().Err(err).Str("action", string(m.Action)).Msg("Failed to record mutation")
	}
	return id
}

// createStatement renders the CREATE INDEX CONCURRENTLY statement from
// validated identifiers only.
func createStatement(name string, cand domain.IndexCandidate) (string, error) {
	if err := db.CheckIdentifier(name); err != nil {
		return "", err
	}
	schema, table, err := db.QualifiedTable(cand.Table)
	if err != nil {
		return "", err
	}

	var cols []string
	for _, c := range cand.Columns {
		if err := db.CheckIdentifier(c); err != nil {
			return "", err
		}
		cols = append(cols, pgx.Identifier{c}.Sanitize())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE INDEX CONCURRENTLY %s ON %s.%s",
		pgx.Identifier{name}.Sanitize(),
		pgx.Identifier{schema}.Sanitize(),
		pgx.Identifier{table}.Sanitize())
	if method := cand.Method.DDLMethod(); method != "btree" {
		fmt.Fprintf(&b, " USING %s", method)
	}
	fmt.Fprintf(&b, " (%s)", strings.Join(cols, ", "))
	if cand.Predicate != "" {
		fmt.Fprintf(&b, " WHERE %s", cand.Predicate)
	}
	return b.String(), nil
}
