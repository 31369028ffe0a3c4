package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/indexpilot/indexpilot/internal/config"
	"github.com/indexpilot/indexpilot/internal/domain"
)

// columnUsage aggregates how the sustained workload references one column.
type columnUsage struct {
	table        string
	column       string
	eqCount      int64
	rangeCount   int64
	orderCount   int64
	joinCount    int64
	distinct     int64
	fingerprints []string
}

func (u columnUsage) total() int64 {
	return u.eqCount + u.rangeCount + u.orderCount + u.joinCount
}

// pairKey identifies an unordered column pair on one table.
type pairKey struct {
	table string
	a, b  string // a < b
}

// generator turns query stats into index candidates. It only proposes
// columns the catalog knows about and skips anything a live index already
// serves.
type generator struct {
	cfg     config.EngineConfig
	known   map[string]domain.CatalogEntry // "table.column"
	fks     []domain.CatalogEntry
	live    []domain.LiveIndex
	usage   map[string]*columnUsage // "table.column"
	pairs   map[pairKey]int64       // co-occurrence weight of equality pairs
	projCol map[string][]string     // table -> projected columns seen with its key lookups
}

func newGenerator(cfg config.EngineConfig, entries []domain.CatalogEntry, fks []domain.CatalogEntry, live []domain.LiveIndex) *generator {
	known := make(map[string]domain.CatalogEntry, len(entries))
	for _, e := range entries {
		known[e.Key()] = e
	}
	return &generator{
		cfg:     cfg,
		known:   known,
		fks:     fks,
		live:    live,
		usage:   make(map[string]*columnUsage),
		pairs:   make(map[pairKey]int64),
		projCol: make(map[string][]string),
	}
}

// observe folds one sustained query class into the usage aggregates.
func (g *generator) observe(stat domain.QueryStat) {
	var eqCols []string
	var eqTable string
	var projections []string

	for _, ref := range stat.Columns {
		key := ref.Table + "." + ref.Column
		if _, ok := g.known[key]; !ok {
			continue
		}
		u := g.usageFor(ref.Table, ref.Column)
		switch ref.Kind {
		case domain.RefEquality:
			u.eqCount += stat.Count
			eqCols = append(eqCols, ref.Column)
			eqTable = ref.Table
		case domain.RefRange:
			u.rangeCount += stat.Count
		case domain.RefOrder:
			u.orderCount += stat.Count
		case domain.RefJoin:
			u.joinCount += stat.Count
		case domain.RefProjection:
			projections = append(projections, ref.Column)
			continue // projections alone never motivate an index
		}
		if stat.DistinctParams > u.distinct {
			u.distinct = stat.DistinctParams
		}
		u.fingerprints = append(u.fingerprints, stat.Fingerprint)
	}

	// Equality pairs within one statement feed composite candidates.
	sort.Strings(eqCols)
	for i := 0; i < len(eqCols); i++ {
		for j := i + 1; j < len(eqCols); j++ {
			if eqCols[i] == eqCols[j] {
				continue
			}
			g.pairs[pairKey{table: eqTable, a: eqCols[i], b: eqCols[j]}] += stat.Count
		}
	}

	// Projections alongside an equality lookup feed covering candidates.
	if len(eqCols) > 0 && len(projections) > 0 {
		g.projCol[eqTable] = mergeSorted(g.projCol[eqTable], projections)
	}
}

func (g *generator) usageFor(table, column string) *columnUsage {
	key := table + "." + column
	u, ok := g.usage[key]
	if !ok {
		u = &columnUsage{table: table, column: column}
		g.usage[key] = u
	}
	return u
}

// candidates produces the deduplicated, redundancy-pruned candidate list.
func (g *generator) candidates(tenant domain.TenantID) []domain.IndexCandidate {
	var out []domain.IndexCandidate
	out = append(out, g.singleColumn(tenant)...)
	out = append(out, g.composite(tenant)...)
	out = append(out, g.foreignKeys(tenant)...)
	out = g.covering(tenant, out)
	out = dedupe(out)
	return g.pruneRedundant(out)
}

// singleColumn proposes one-column indexes for columns the workload filters,
// orders or joins on.
func (g *generator) singleColumn(tenant domain.TenantID) []domain.IndexCandidate {
	keys := make([]string, 0, len(g.usage))
	for k := range g.usage {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []domain.IndexCandidate
	for _, k := range keys {
		u := g.usage[k]
		if u.total() == 0 {
			continue
		}
		entry := g.known[k]
		if entry.PrimaryKey {
			continue // already indexed by the PK
		}
		out = append(out, domain.IndexCandidate{
			Tenant:       tenant,
			Table:        u.table,
			Columns:      []string{u.column},
			Method:       methodFor(entry, u),
			Rationale:    fmt.Sprintf("column referenced by %d sustained query executions", u.total()),
			Fingerprints: dedupeStrings(u.fingerprints),
		})
	}
	return out
}

// composite proposes multi-column indexes for equality pairs whose
// co-occurrence ratio clears the correlation threshold. Columns are ordered
// by equality frequency, then by estimated selectivity (more distinct values
// first), then name.
func (g *generator) composite(tenant domain.TenantID) []domain.IndexCandidate {
	keys := make([]pairKey, 0, len(g.pairs))
	for k := range g.pairs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].table != keys[j].table {
			return keys[i].table < keys[j].table
		}
		if keys[i].a != keys[j].a {
			return keys[i].a < keys[j].a
		}
		return keys[i].b < keys[j].b
	})

	var out []domain.IndexCandidate
	for _, k := range keys {
		co := g.pairs[k]
		ua := g.usageFor(k.table, k.a)
		ub := g.usageFor(k.table, k.b)
		lesser := ua.eqCount
		if ub.eqCount < lesser {
			lesser = ub.eqCount
		}
		if lesser == 0 || float64(co)/float64(lesser) < g.cfg.CorrThreshold {
			continue
		}

		cols := []string{k.a, k.b}
		sort.Slice(cols, func(i, j int) bool {
			ui, uj := g.usageFor(k.table, cols[i]), g.usageFor(k.table, cols[j])
			if ui.eqCount != uj.eqCount {
				return ui.eqCount > uj.eqCount
			}
			if ui.distinct != uj.distinct {
				return ui.distinct > uj.distinct
			}
			return cols[i] < cols[j]
		})

		out = append(out, domain.IndexCandidate{
			Tenant:       tenant,
			Table:        k.table,
			Columns:      cols,
			Method:       domain.MethodOrdered,
			Rationale:    fmt.Sprintf("columns co-filtered in %d executions", co),
			Fingerprints: dedupeStrings(append(append([]string{}, ua.fingerprints...), ub.fingerprints...)),
		})
	}
	return out
}

// foreignKeys proposes indexes on FK columns with no covering index, so
// referential checks and joins stay cheap even without query evidence.
func (g *generator) foreignKeys(tenant domain.TenantID) []domain.IndexCandidate {
	var out []domain.IndexCandidate
	for _, fk := range g.fks {
		covered := false
		for _, idx := range g.live {
			if idx.PrefixDominates(fk.Table, []string{fk.Column}, "", domain.MethodOrdered) {
				covered = true
				break
			}
		}
		if covered || fk.PrimaryKey {
			continue
		}
		out = append(out, domain.IndexCandidate{
			Tenant:    tenant,
			Table:     fk.Table,
			Columns:   []string{fk.Column},
			Method:    domain.MethodOrdered,
			Rationale: "uncovered foreign key " + fk.Key() + " -> " + fk.FKTarget,
		})
	}
	return out
}

// covering extends key candidates with frequently projected columns, up to
// the configured column ceiling, when the projection set is stable.
func (g *generator) covering(tenant domain.TenantID, base []domain.IndexCandidate) []domain.IndexCandidate {
	out := base
	for _, cand := range base {
		proj := g.projCol[cand.Table]
		if len(proj) == 0 {
			continue
		}
		cols := append([]string{}, cand.Columns...)
		for _, p := range proj {
			if len(cols) >= g.cfg.CoveringMaxColumns {
				break
			}
			if !contains(cols, p) {
				cols = append(cols, p)
			}
		}
		if len(cols) == len(cand.Columns) {
			continue
		}
		covering := cand
		covering.Columns = cols
		covering.Rationale = cand.Rationale + "; widened to cover projected columns"
		out = append(out, covering)
	}
	return out
}

// pruneRedundant drops candidates a live index already prefix-dominates and
// pairs candidates that dominate an existing index with that index for a
// replace-then-drop.
func (g *generator) pruneRedundant(cands []domain.IndexCandidate) []domain.IndexCandidate {
	var out []domain.IndexCandidate
	for _, cand := range cands {
		dominated := false
		for _, idx := range g.live {
			if idx.PrefixDominates(cand.Table, cand.Columns, cand.Predicate, cand.Method) {
				dominated = true
				break
			}
		}
		if dominated {
			continue
		}
		for _, idx := range g.live {
			if idx.PrimaryKey || idx.UniqueCons {
				continue
			}
			probe := domain.LiveIndex{
				Table: cand.Table, Columns: cand.Columns,
				Predicate: cand.Predicate, Method: cand.Method,
			}
			if probe.PrefixDominates(idx.Table, idx.Columns, idx.Predicate, idx.Method) &&
				len(cand.Columns) > len(idx.Columns) {
				cand.ReplacesIndex = idx.Name
				break
			}
		}
		out = append(out, cand)
	}
	return out
}

// methodFor picks the access method hint from the column type and usage.
func methodFor(entry domain.CatalogEntry, u *columnUsage) domain.IndexMethod {
	t := strings.ToLower(entry.Type)
	switch {
	case strings.Contains(t, "tsvector"):
		return domain.MethodFulltext
	case strings.Contains(t, "geometry") || strings.Contains(t, "geography"):
		return domain.MethodGeo
	case u.rangeCount == 0 && u.orderCount == 0 && u.joinCount == 0 && u.distinct > 1000:
		// Pure equality on a high-cardinality column.
		return domain.MethodHash
	default:
		return domain.MethodOrdered
	}
}

func dedupe(cands []domain.IndexCandidate) []domain.IndexCandidate {
	seen := map[string]bool{}
	var out []domain.IndexCandidate
	for _, c := range cands {
		key := c.Table + "|" + strings.Join(c.Columns, ",") + "|" + c.Predicate + "|" + string(c.Method)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

func dedupeStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func mergeSorted(a, b []string) []string {
	out := dedupeStrings(append(append([]string{}, a...), b...))
	return out
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
