// Package domain holds the shared vocabulary types exchanged between
// IndexPilot components. Entities are tagged records with explicit fields;
// nothing crosses a component boundary as an untyped map.
package domain

import (
	"strings"
	"time"
)

// TenantID identifies a tenant. The empty tenant means "global".
type TenantID string

// Global is the tenant used when multi-tenancy is disabled.
const Global TenantID = ""

// CatalogEntry describes one (table, column) pair of the watched schema.
type CatalogEntry struct {
	Table      string
	Column     string
	Type       string
	Nullable   bool
	PrimaryKey bool
	Unique     bool
	FKTarget   string // "table.column" of the referenced key, empty if none
}

// Key returns the unique key of the entry.
func (e CatalogEntry) Key() string {
	return e.Table + "." + e.Column
}

// IndexMethod is the whitelisted index access method hint.
type IndexMethod string

const (
	MethodOrdered  IndexMethod = "ordered"  // B-tree equivalent, the default
	MethodHash     IndexMethod = "hash"     // Equality-only
	MethodFulltext IndexMethod = "fulltext" // Inverted / GIN
	MethodGeo      IndexMethod = "geo"      // Spatial / GiST
	MethodBRIN     IndexMethod = "brin"     // Block-range
)

// DDLMethod maps the method hint to the Postgres access method keyword.
func (m IndexMethod) DDLMethod() string {
	switch m {
	case MethodHash:
		return "hash"
	case MethodFulltext:
		return "gin"
	case MethodGeo:
		return "gist"
	case MethodBRIN:
		return "brin"
	default:
		return "btree"
	}
}

// RefKind classifies how a query references a column.
type RefKind int

const (
	RefEquality RefKind = iota // col = ?
	RefRange                   // col < ?, BETWEEN, >=
	RefOrder                   // ORDER BY col
	RefJoin                    // JOIN ... ON col = other
	RefProjection              // SELECT col
)

// ColumnRef is one column reference extracted from a fingerprinted statement.
type ColumnRef struct {
	Table  string
	Column string
	Kind   RefKind
}

// QueryStat is a consistent snapshot of the per-fingerprint counters.
type QueryStat struct {
	Tenant         TenantID
	Fingerprint    string
	Count          int64
	EWMALatency    float64 // milliseconds
	P95Latency     float64 // milliseconds
	P99Latency     float64 // milliseconds
	DistinctParams int64   // estimate
	FirstSeen      time.Time
	LastSeen       time.Time
	Columns        []ColumnRef
	Sustained      bool
}

// IndexCandidate is a proposed index that does not yet exist in the database.
type IndexCandidate struct {
	ID          string // ephemeral per-pass identity
	Tenant      TenantID
	Table       string
	Columns     []string
	Predicate   string // optional partial-index predicate
	Expression  string // optional expression to index instead of plain columns
	Method      IndexMethod
	BuildCost   float64
	Benefit     float64
	Score       float64
	SizeEstimate int64 // bytes
	Confidence  float64
	Rationale   string
	Fingerprints []string // motivating query classes
	ReplacesIndex string  // existing index name this candidate prefix-dominates
}

// ColumnList renders the candidate's column list for DDL and naming.
func (c IndexCandidate) ColumnList() string {
	return strings.Join(c.Columns, ", ")
}

// LiveIndex is a descriptor of an index present in the database.
type LiveIndex struct {
	Name       string
	Table      string
	Columns    []string
	Predicate  string
	Method     IndexMethod
	SizeBytes  int64
	ScanCount  int64
	LastUsed   time.Time
	Bloat      float64 // fraction of wasted pages, 0..1
	Valid      bool    // false when a concurrent build failed midway
	CreatedBy  int64   // MutationID of the CREATE, 0 if unknown
	PrimaryKey bool
	UniqueCons bool
}

// PrefixDominates reports whether idx dominates other: same table, same
// predicate and method, and other's full column list is a prefix of idx's.
func (idx LiveIndex) PrefixDominates(table string, columns []string, predicate string, method IndexMethod) bool {
	if idx.Table != table || idx.Predicate != predicate || idx.Method != method {
		return false
	}
	if len(columns) > len(idx.Columns) {
		return false
	}
	for i, col := range columns {
		if idx.Columns[i] != col {
			return false
		}
	}
	return true
}

// MutationAction enumerates what a mutation record describes.
type MutationAction string

const (
	ActionPropose         MutationAction = "PROPOSE"
	ActionCreate          MutationAction = "CREATE"
	ActionCreateFailed    MutationAction = "CREATE_FAILED"
	ActionCommitted       MutationAction = "COMMITTED"
	ActionDrop            MutationAction = "DROP"
	ActionRebuild         MutationAction = "REBUILD"
	ActionRebuildFailed   MutationAction = "REBUILD_FAILED"
	ActionRollback        MutationAction = "ROLLBACK"
	ActionCatalogChange   MutationAction = "CATALOG_CHANGE"
	ActionSpikeSuppressed MutationAction = "SPIKE_SUPPRESSED"
	ActionUnusedProposed  MutationAction = "UNUSED_PROPOSED"
	ActionDeferred        MutationAction = "DEFERRED"
)

// Mutation is one append-only record of the mutation log.
type Mutation struct {
	ID        int64
	Timestamp time.Time
	Tenant    TenantID
	Action    MutationAction
	Table     string
	Index     string
	Rationale string
	Details   map[string]any // rationale snapshot; serialized as JSON in the DB
	PrevID    int64          // mutation this one supersedes, 0 for fresh records
}

// WorkloadProfile is the rolling read/write picture for a table or tenant.
type WorkloadProfile struct {
	Reads         int64
	Writes        int64
	WritesPerUnit float64
}

// ReadRatio returns reads/(reads+writes), or 0.5 when there is no traffic.
func (w WorkloadProfile) ReadRatio() float64 {
	total := w.Reads + w.Writes
	if total == 0 {
		return 0.5
	}
	return float64(w.Reads) / float64(total)
}

// GateDecision is the outcome kind of a safeguard gate check.
type GateDecision int

const (
	// GateAllow means the action may proceed now.
	GateAllow GateDecision = iota
	// GateDefer means the action should be rescheduled (resource pressure,
	// closed window, open circuit). Deferral is a value, not an error.
	GateDefer
	// GateVeto means the action must not run and should not be retried as-is.
	GateVeto
)

// GateOutcome is the result of consulting a safeguard.
type GateOutcome struct {
	Decision GateDecision
	Gate     string // which gate decided
	Reason   string
}

// Allowed is shorthand for a passing outcome.
func (o GateOutcome) Allowed() bool { return o.Decision == GateAllow }

// BuildState is the executor's per-candidate state machine position.
type BuildState string

const (
	StateProposed      BuildState = "PROPOSED"
	StateGated         BuildState = "GATED"
	StateBuilding      BuildState = "BUILDING"
	StateValidating    BuildState = "VALIDATING"
	StateCommitted     BuildState = "COMMITTED"
	StateDeferred      BuildState = "DEFERRED"
	StateFailedInvalid BuildState = "FAILED_INVALID"
	StateRolledBack    BuildState = "ROLLED_BACK"
)

// ScorerResult is the contribution of one advisory scorer.
type ScorerResult struct {
	Scorer         string
	Recommendation float64 // additive score adjustment before clamping
	Confidence     float64 // 0..1
}
