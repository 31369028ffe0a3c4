// Package maintain runs the recurring housekeeping sweeps: invalid index
// cleanup, unused and redundant index detection, bloat rebuilds, statistics
// refresh, hanging-build reaping and journal archival. Each sweep is
// individually disableable and every physical action goes through the same
// gates and mutation log as the executor's.
package maintain

import (
	"context"
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

// Database is the slice of the DB adapter maintenance needs.
type Database interface {
	IntrospectIndexes(ctx context.Context, table string) ([]domain.LiveIndex, error)
	StaleTables(ctx context.Context, staleness time.Duration) ([]string, error)
	MaintenanceExec(ctx context.Context, statement string) error
	DDL(ctx context.Context, statement string, nonBlocking bool) (db.DDLOutcome, error)
	HangingDDL(ctx context.Context, olderThan time.Duration) ([]db.Activity, error)
	CancelBackend(ctx context.Context, pid int) error
	ReleaseStaleAdvisoryLocks(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Recorder appends maintenance records to the mutation log.
type Recorder interface {
	Append(ctx context.Context, m domain.Mutation) (int64, error)
}

// Gate checks whether a maintenance feature may act.
type Gate interface {
	Allowed(component, feature string) bool
}

// Archiver ships the mutation journal to durable storage.
type Archiver interface {
	Archive(ctx context.Context) error
}

// Loop is the maintenance scheduler.
type Loop struct {
	cfg      config.MaintainConfig
	database Database
	gates    *safeguard.Set
	recorder Recorder
	bypass   Gate
	archiver Archiver // nil when archival is disabled
	onChange func()   // cache invalidation hook
	now      func() time.Time
	log      zerolog.Logger
}

// New creates a maintenance loop.
func New(cfg config.MaintainConfig, database Database, gates *safeguard.Set, recorder Recorder, bypassGate Gate, archiver Archiver, onChange func(), log zerolog.Logger) *Loop {
	return &Loop{
		cfg:      cfg,
		database: database,
		gates:    gates,
		recorder: recorder,
		bypass:   bypassGate,
		archiver: archiver,
		onChange: onChange,
		now:      time.Now,
		log:      log.With().Str("component", "maintain").Logger(),
	}
}

// Run executes sweeps on the configured interval until the context ends.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(ctx)
		}
	}
}

// Sweep runs every enabled task once. Task failures are logged and isolated;
// one broken sweep never stops the others.
func (l *Loop) Sweep(ctx context.Context) {
	if !l.bypass.Allowed("maintenance", "") {
		l.log.Info().Msg("Maintenance bypassed")
		return
	}

	tasks := []struct {
		name string
		run  func(context.Context) error
	}{
		{"invalid-sweep", l.sweepInvalid},
		{"hanging-builds", l.reapHangingBuilds},
		{"unused-detection", l.detectUnused},
		{"redundancy-pruning", l.detectRedundant},
		{"bloat-rebuild", l.rebuildBloated},
		{"stats-refresh", l.refreshStatistics},
		{"lock-reaper", l.releaseStaleLocks},
		{"journal-archive", l.archiveJournal},
	}
	for _, task := range tasks {
		if l.cfg.Disabled[task.name] || !l.bypass.Allowed("maintenance", task.name) {
			continue
		}
		if err := task.run(ctx); err != nil {
			l.log.Warn().Err(err).Str("task", task.name).Msg("Maintenance task failed")
		}
	}
	l.gates.Rate.Adapt()
}

// sweepInvalid drops indexes left INVALID by failed concurrent builds.
func (l *Loop) sweepInvalid(ctx context.Context) error {
	indexes, err := l.database.IntrospectIndexes(ctx, "")
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		if idx.Valid {
			continue
		}
		if err := l.dropIndex(ctx, idx.Name); err != nil {
			l.log.Warn().Err(err).Str("index", idx.Name).Msg("Failed to drop invalid index")
			continue
		}
		l.record(ctx, domain.Mutation{
			Action: domain.ActionDrop, Table: idx.Table, Index: idx.Name,
			Rationale: "invalid index from failed concurrent build",
		})
		l.changed()
	}
	return nil
}

// reapHangingBuilds cancels index builds stuck past the hang timeout and
// removes their invalid remnants on the next invalid sweep.
func (l *Loop) reapHangingBuilds(ctx context.Context) error {
	builds, err := l.database.HangingDDL(ctx, l.cfg.HangTimeout)
	if err != nil {
		return err
	}
	for _, b := range builds {
		l.log.Warn().Int("pid", b.PID).Time("started", b.Started).Msg("Cancelling hanging index build")
		if err := l.database.CancelBackend(ctx, b.PID); err != nil {
			l.log.Warn().Err(err).Int("pid", b.PID).Msg("Failed to cancel backend")
			continue
		}
		l.record(ctx, domain.Mutation{
			Action:    domain.ActionCreateFailed,
			Rationale: fmt.Sprintf("build cancelled after exceeding hang timeout %s", l.cfg.HangTimeout),
			Details:   map[string]any{"statement": b.Query},
		})
	}
	return nil
}

// detectUnused finds managed indexes with no meaningful scan traffic. With
// auto-cleanup off the finding is only proposed; an operator drops it (or
// marks it approved) by hand.
func (l *Loop) detectUnused(ctx context.Context) error {
	indexes, err := l.database.IntrospectIndexes(ctx, "")
	if err != nil {
		return err
	}
	cutoff := l.now().AddDate(0, 0, -l.cfg.DaysUnused)
	for _, idx := range indexes {
		if idx.PrimaryKey || idx.UniqueCons || !idx.Valid {
			continue
		}
		if idx.ScanCount >= l.cfg.MinScans {
			continue
		}
		if !idx.LastUsed.IsZero() && idx.LastUsed.After(cutoff) {
			continue
		}

		if l.cfg.AutoCleanup {
			if err := l.dropIndex(ctx, idx.Name); err != nil {
				l.log.Warn().Err(err).Str("index", idx.Name).Msg("Failed to drop unused index")
				continue
			}
			l.record(ctx, domain.Mutation{
				Action: domain.ActionDrop, Table: idx.Table, Index: idx.Name,
				Rationale: fmt.Sprintf("unused: %d scans, idle since %s", idx.ScanCount, lastUsedLabel(idx)),
				Details:   map[string]any{"recreate": recreateStatement(idx)},
			})
			l.changed()
			continue
		}
		l.record(ctx, domain.Mutation{
			Action: domain.ActionUnusedProposed, Table: idx.Table, Index: idx.Name,
			Rationale: fmt.Sprintf("unused: %d scans, idle since %s", idx.ScanCount, lastUsedLabel(idx)),
			Details:   map[string]any{"size_bytes": idx.SizeBytes},
		})
	}
	return nil
}

// detectRedundant finds indexes fully prefix-dominated by a wider peer.
func (l *Loop) detectRedundant(ctx context.Context) error {
	indexes, err := l.database.IntrospectIndexes(ctx, "")
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		if idx.PrimaryKey || idx.UniqueCons || !idx.Valid {
			continue
		}
		for _, wider := range indexes {
			if wider.Name == idx.Name || !wider.Valid {
				continue
			}
			if len(wider.Columns) <= len(idx.Columns) {
				continue
			}
			if !wider.PrefixDominates(idx.Table, idx.Columns, idx.Predicate, idx.Method) {
				continue
			}
			l.record(ctx, domain.Mutation{
				Action: domain.ActionUnusedProposed, Table: idx.Table, Index: idx.Name,
				Rationale: "redundant: prefix-dominated by " + wider.Name,
				Details:   map[string]any{"dominated_by": wider.Name, "size_bytes": idx.SizeBytes},
			})
			break
		}
	}
	return nil
}

// rebuildBloated REINDEXes bloated indexes, inside the window only.
func (l *Loop) rebuildBloated(ctx context.Context) error {
	indexes, err := l.database.IntrospectIndexes(ctx, "")
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		if !idx.Valid || idx.Bloat < l.cfg.BloatThreshold {
			continue
		}

		admission, outcome := l.gates.AdmitMaintenance(ctx, idx.Table, "reindex", l.now())
		if !outcome.Allowed() {
			l.log.Debug().Str("index", idx.Name).Str("reason", outcome.Reason).Msg("Rebuild deferred")
			continue
		}

		stmt := fmt.Sprintf("REINDEX INDEX CONCURRENTLY %s", pgx.Identifier{idx.Name}.Sanitize())
		err := l.database.MaintenanceExec(ctx, stmt)
		admission.Finish(err, err == nil)
		if err != nil {
			l.record(ctx, domain.Mutation{
				Action: domain.ActionRebuildFailed, Table: idx.Table, Index: idx.Name,
				Rationale: err.Error(),
			})
			continue
		}
		l.record(ctx, domain.Mutation{
			Action: domain.ActionRebuild, Table: idx.Table, Index: idx.Name,
			Rationale: fmt.Sprintf("bloat %.0f%% above threshold", idx.Bloat*100),
		})
		l.changed()
	}
	return nil
}

// refreshStatistics ANALYZEs tables with stale planner statistics.
func (l *Loop) refreshStatistics(ctx context.Context) error {
	tables, err := l.database.StaleTables(ctx, l.cfg.StatsStaleness)
	if err != nil {
		return err
	}
	for _, table := range tables {
		if out := l.gates.Rate.Take("analyze"); !out.Allowed() {
			break
		}
		schema, tbl, err := db.QualifiedTable(table)
		if err != nil {
			continue
		}
		stmt := fmt.Sprintf("ANALYZE %s.%s", pgx.Identifier{schema}.Sanitize(), pgx.Identifier{tbl}.Sanitize())
		if err := l.database.MaintenanceExec(ctx, stmt); err != nil {
			l.log.Warn().Err(err).Str("table", table).Msg("ANALYZE failed")
		}
	}
	return nil
}

// releaseStaleLocks reaps advisory locks abandoned by dead sessions.
func (l *Loop) releaseStaleLocks(ctx context.Context) error {
	n, err := l.database.ReleaseStaleAdvisoryLocks(ctx, 30*time.Minute)
	if err != nil {
		return err
	}
	if n > 0 {
		l.log.Info().Int64("released", n).Msg("Released stale advisory locks")
	}
	return nil
}

// archiveJournal ships the mutation journal to object storage.
func (l *Loop) archiveJournal(ctx context.Context) error {
	if l.archiver == nil {
		return nil
	}
	return l.archiver.Archive(ctx)
}

func (l *Loop) dropIndex(ctx context.Context, name string) error {
	if err := db.CheckIdentifier(name); err != nil {
		return err
	}
	stmt := fmt.Sprintf("DROP INDEX CONCURRENTLY IF EXISTS %s", pgx.Identifier{name}.Sanitize())
	_, err := l.database.DDL(ctx, stmt, true)
	return err
}

func (l *Loop) record(ctx context.Context, m domain.Mutation) {
	if l.recorder == nil {
		return
	}
	if _, err := l.recorder.Append(ctx, m); err != nil {
		l.log.Warn().Err(err).Str("action", string(m.Action)).Msg("Failed to record maintenance mutation")
	}
}

func (l *Loop) changed() {
	if l.onChange != nil {
		l.onChange()
	}
}

func lastUsedLabel(idx domain.LiveIndex) string {
	if idx.LastUsed.IsZero() {
		return "creation"
	}
	return idx.LastUsed.Format(time.RFC3339)
}

// recreateStatement renders the DDL that would restore a dropped index, kept
// in the drop record so a rollback can reverse it.
func recreateStatement(idx domain.LiveIndex) string {
	var cols []string
	for _, c := range idx.Columns {
		cols = append(cols, pgx.Identifier{c}.Sanitize())
	}
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE INDEX CONCURRENTLY %s ON %s",
		pgx.Identifier{idx.Name}.Sanitize(), pgx.Identifier{idx.Table}.Sanitize())
	if method := idx.Method.DDLMethod(); method != "btree" {
		fmt.Fprintf(&b, " USING %s", method)
	}
	fmt.Fprintf(&b, " (%s)", strings.Join(cols, ", "))
	if idx.Predicate != "" {
		fmt.Fprintf(&b, " WHERE %s", idx.Predicate)
	}
	return b.String()
}
