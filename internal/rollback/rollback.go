// Package rollback reverses committed mutations by their log id. A rollback
// never edits history: it appends an inverse record pointing back at the
// record it undoes.
package rollback

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/indexpilot/indexpilot/internal/db"
	"github.com/indexpilot/indexpilot/internal/domain"
)

// MutationLog is the slice of the mutation log the roller needs.
type MutationLog interface {
	Get(ctx context.Context, mid int64) (*domain.Mutation, error)
	Append(ctx context.Context, m domain.Mutation) (int64, error)
}

// DDLRunner runs the inverse DDL.
type DDLRunner interface {
	DDL(ctx context.Context, statement string, nonBlocking bool) (db.DDLOutcome, error)
}

// Roller reverses mutations.
type Roller struct {
	mlog     MutationLog
	runner   DDLRunner
	onChange func() // cache invalidation hook
	log      zerolog.Logger
}

// New creates a roller.
func New(mlog MutationLog, runner DDLRunner, onChange func(), log zerolog.Logger) *Roller {
	return &Roller{
		mlog:     mlog,
		runner:   runner,
		onChange: onChange,
		log:      log.With().Str("component", "rollback").Logger(),
	}
}

// Rollback reverses the mutation with the given id and returns the id of the
// appended ROLLBACK record. Only records with a physical effect can be
// reversed; proposals and advisories have nothing to undo.
func (r *Roller) Rollback(ctx context.Context, mid int64) (int64, error) {
	m, err := r.mlog.Get(ctx, mid)
	if err != nil {
		return 0, fmt.Errorf("failed to load mutation %d: %w", mid, err)
	}
	if m == nil {
		return 0, fmt.Errorf("mutation %d not found", mid)
	}

	switch m.Action {
	case domain.ActionCreate, domain.ActionCommitted:
		if err := r.dropIndex(ctx, m.Index); err != nil {
			return 0, fmt.Errorf("failed to drop index %s: %w", m.Index, err)
		}
	case domain.ActionDrop:
		// Recreating a dropped index needs its full definition, which the
		// drop record carries when the drop was ours.
		stmt, ok := m.Details["recreate"].(string)
		if !ok || stmt == "" {
			return 0, fmt.Errorf("mutation %d (DROP) carries no recreate statement", mid)
		}
		if _, err := r.runner.DDL(ctx, stmt, true); err != nil {
			return 0, fmt.Errorf("failed to recreate index %s: %w", m.Index, err)
		}
	default:
		return 0, fmt.Errorf("mutation %d (%s) is not reversible", mid, m.Action)
	}

	rid, err := r.mlog.Append(ctx, domain.Mutation{
		Tenant: m.Tenant, Action: domain.ActionRollback,
		Table: m.Table, Index: m.Index,
		Rationale: fmt.Sprintf("operator rollback of mutation %d", mid),
		PrevID:    mid,
	})
	if err != nil {
		return 0, fmt.Errorf("rollback applied but failed to record: %w", err)
	}

	if r.onChange != nil {
		r.onChange()
	}
	r.log.Info().Int64("mid", mid).Int64("rollback_mid", rid).Msg("Mutation rolled back")
	return rid, nil
}

func (r *Roller) dropIndex(ctx context.Context, name string) error {
	if err := db.CheckIdentifier(name); err != nil {
		return err
	}
	stmt := fmt.Sprintf("DROP INDEX CONCURRENTLY IF EXISTS %s", pgx.Identifier{name}.Sanitize())
	_, err := r.runner.DDL(ctx, stmt, true)
	return err
}
