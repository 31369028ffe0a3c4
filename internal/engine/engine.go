// Package engine is the decision core: it turns query statistics into a
// scored, budget-constrained set of index candidates. The engine only ever
// proposes; applying a proposal is the executor's job, and in advisory mode
// proposals stop at the mutation log.
package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/indexpilot/indexpilot/internal/config"
	"github.com/indexpilot/indexpilot/internal/domain"
	"github.com/indexpilot/indexpilot/internal/stats"
)

// Snapshotter provides consistent query-stat snapshots.
type Snapshotter interface {
	Snapshot(filter stats.SnapshotFilter) []domain.QueryStat
}

// IndexSource lists the indexes currently present in the database.
type IndexSource interface {
	IntrospectIndexes(ctx context.Context, table string) ([]domain.LiveIndex, error)
}

// Recorder appends decision records to the mutation log.
type Recorder interface {
	Append(ctx context.Context, m domain.Mutation) (int64, error)
}

// CatalogView is the slice of the catalog the engine reads.
type CatalogView interface {
	Entries() []domain.CatalogEntry
	ForeignKeyColumns() []domain.CatalogEntry
}

// ProfileView filters catalog entries per tenant.
type ProfileView interface {
	IsActive(tenant domain.TenantID, entryKey string) bool
}

// Engine runs analysis passes.
type Engine struct {
	cfg      config.EngineConfig
	stats    Snapshotter
	catalog  CatalogView
	profile  ProfileView
	costs    CostEstimator
	rows     RowCounter
	sampler  Sampler
	workload WorkloadSource
	indexes  IndexSource
	recorder Recorder
	scorers  []Scorer
	budget   func() int64 // remaining storage budget in bytes
	log      zerolog.Logger
}

// New creates a decision engine.
func New(
	cfg config.EngineConfig,
	statsSource Snapshotter,
	catalogView CatalogView,
	profile ProfileView,
	costs CostEstimator,
	rows RowCounter,
	sampler Sampler,
	workload WorkloadSource,
	indexes IndexSource,
	recorder Recorder,
	budget func() int64,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		cfg:      cfg,
		stats:    statsSource,
		catalog:  catalogView,
		profile:  profile,
		costs:    costs,
		rows:     rows,
		sampler:  sampler,
		workload: workload,
		indexes:  indexes,
		recorder: recorder,
		scorers:  []Scorer{CorrelationScorer{}},
		budget:   budget,
		log:      log.With().Str("component", "engine").Logger(),
	}
}

// AddScorer registers an additional advisory scorer.
func (e *Engine) AddScorer(s Scorer) {
	e.scorers = append(e.scorers, s)
}

// Pass runs one full analysis pass across all tenants and returns the
// selected candidates in deterministic order. Every selected candidate is
// recorded as a PROPOSE mutation before it is returned.
func (e *Engine) Pass(ctx context.Context) ([]domain.IndexCandidate, error) {
	live, err := e.indexes.IntrospectIndexes(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list live indexes: %w", err)
	}

	snapshot := e.stats.Snapshot(stats.SnapshotFilter{MinCount: e.cfg.MinCount})

	byTenant := make(map[domain.TenantID][]domain.QueryStat)
	for _, stat := range snapshot {
		byTenant[stat.Tenant] = append(byTenant[stat.Tenant], stat)
	}
	tenants := make([]domain.TenantID, 0, len(byTenant))
	for t := range byTenant {
		tenants = append(tenants, t)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i] < tenants[j] })

	var all []domain.IndexCandidate
	for _, tenant := range tenants {
		selected, err := e.passTenant(ctx, tenant, byTenant[tenant], live)
		if err != nil {
			return nil, err
		}
		all = append(all, selected...)
	}
	return all, nil
}

// passTenant analyzes one tenant's workload.
func (e *Engine) passTenant(ctx context.Context, tenant domain.TenantID, tenantStats []domain.QueryStat, live []domain.LiveIndex) ([]domain.IndexCandidate, error) {
	gen := newGenerator(e.cfg, e.catalog.Entries(), e.catalog.ForeignKeyColumns(), live)

	for _, stat := range tenantStats {
		stat.Columns = e.activeRefs(tenant, stat.Columns)
		if len(stat.Columns) == 0 {
			continue
		}
		if !stat.Sustained {
			// Spiky traffic never creates an index, but the suppression is
			// visible in the log so an operator can override by hand.
			e.record(ctx, domain.Mutation{
				Tenant:    tenant,
				Action:    domain.ActionSpikeSuppressed,
				Table:     firstTable(stat.Columns),
				Rationale: "query volume not sustained across daily buckets",
				Details: map[string]any{
					"fingerprint": stat.Fingerprint,
					"count":       stat.Count,
				},
			})
			continue
		}
		gen.observe(stat)
	}

	cands := gen.candidates(tenant)
	if len(cands) == 0 {
		return nil, nil
	}

	sc := &scorer{
		cfg:     e.cfg,
		costs:   e.costs,
		rows:    e.rows,
		sampler: e.sampler,
		known:   gen.known,
		usage:   gen.usage,
		extra:   e.scorers,
		log:     e.log,
	}
	adj := newWorkloadAdjuster(e.cfg, e.workload, live)

	for i := range cands {
		sc.score(ctx, &cands[i])
		cands[i].Score /= adj.thresholdFactor(ctx, cands[i].Table)
		adj.adjust(ctx, &cands[i])
	}

	selected, rejected := selectCandidates(cands, e.budget(), adj.liveCount, e.cfg)

	for _, cand := range rejected {
		e.log.Debug().
			Str("table", cand.Table).
			Strs("columns", cand.Columns).
			Str("rationale", cand.Rationale).
			Msg("Candidate rejected")
	}

	for i := range selected {
		mid := e.record(ctx, domain.Mutation{
			Tenant:    tenant,
			Action:    domain.ActionPropose,
			Table:     selected[i].Table,
			Rationale: selected[i].Rationale,
			Details: map[string]any{
				"columns":      selected[i].Columns,
				"method":       string(selected[i].Method),
				"score":        selected[i].Score,
				"benefit":      selected[i].Benefit,
				"build_cost":   selected[i].BuildCost,
				"size_bytes":   selected[i].SizeEstimate,
				"confidence":   selected[i].Confidence,
				"fingerprints": selected[i].Fingerprints,
				"replaces":     selected[i].ReplacesIndex,
			},
		})
		selected[i].ID = fmt.Sprintf("m%d", mid)
	}

	e.log.Info().
		Str("tenant", string(tenant)).
		Int("candidates", len(cands)).
		Int("selected", len(selected)).
		Msg("Analysis pass complete")
	return selected, nil
}

// activeRefs drops references to catalog entries deactivated for the tenant.
func (e *Engine) activeRefs(tenant domain.TenantID, refs []domain.ColumnRef) []domain.ColumnRef {
	if e.profile == nil {
		return refs
	}
	var out []domain.ColumnRef
	for _, r := range refs {
		if e.profile.IsActive(tenant, r.Table+"."+r.Column) {
			out = append(out, r)
		}
	}
	return out
}

// record appends a mutation, logging rather than failing the pass when the
// log is unavailable.
func (e *Engine) record(ctx context.Context, m domain.Mutation) int64 {
	if e.recorder == nil {
		return 0
	}
	id, err := e.recorder.Append(ctx, m)
	if err != nil {
		e.log.Warn().Err(err).Str("action", string(m.Action)).Msg("Failed to record mutation")
		return 0
	}
	return id
}

func firstTable(refs []domain.ColumnRef) string {
	for _, r := range refs {
		if r.Table != "" {
			return r.Table
		}
	}
	return ""
}
