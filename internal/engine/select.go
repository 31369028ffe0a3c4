package engine

import (
	"sort"
	"strings"

	"github.com/indexpilot/indexpilot/internal/config"
	"github.com/indexpilot/indexpilot/internal/domain"
)

// selectCandidates runs the deterministic greedy knapsack: candidates are
// taken in descending score-per-byte order until the byte budget, the
// per-table index ceiling or the per-pass cap is hit. Ties break on the
// candidate identity so two runs over the same inputs pick the same set.
func selectCandidates(cands []domain.IndexCandidate, budgetBytes int64, liveCount map[string]int, cfg config.EngineConfig) (selected, rejected []domain.IndexCandidate) {
	ranked := append([]domain.IndexCandidate(nil), cands...)
	sort.Slice(ranked, func(i, j int) bool {
		di, dj := density(ranked[i]), density(ranked[j])
		if di != dj {
			return di > dj
		}
		return identity(ranked[i]) < identity(ranked[j])
	})

	// Prefix-equivalent candidates compete: keep only the longest of each
	// leading-prefix family before spending budget on it.
	ranked = collapsePrefixFamilies(ranked)

	perTable := make(map[string]int, len(liveCount))
	for t, n := range liveCount {
		perTable[t] = n
	}

	var spent int64
	for _, cand := range ranked {
		switch {
		case cand.Score <= 0:
			cand.Rationale = appendReason(cand.Rationale, "non-positive score")
			rejected = append(rejected, cand)
		case len(selected) >= cfg.MaxCandidatesPerPass:
			cand.Rationale = appendReason(cand.Rationale, "per-pass cap reached")
			rejected = append(rejected, cand)
		case perTable[cand.Table] >= cfg.MaxIndexesPerTable:
			cand.Rationale = appendReason(cand.Rationale, "per-table index ceiling reached")
			rejected = append(rejected, cand)
		case spent+cand.SizeEstimate > budgetBytes:
			cand.Rationale = appendReason(cand.Rationale, "budget-exceeded")
			rejected = append(rejected, cand)
		default:
			spent += cand.SizeEstimate
			perTable[cand.Table]++
			selected = append(selected, cand)
		}
	}
	return selected, rejected
}

// density is the knapsack value function: score per megabyte of storage.
func density(c domain.IndexCandidate) float64 {
	size := c.SizeEstimate
	if size < 1<<20 {
		size = 1 << 20
	}
	return c.Score / (float64(size) / float64(1<<20))
}

// identity is the deterministic tiebreak key.
func identity(c domain.IndexCandidate) string {
	return c.Table + "|" + strings.Join(c.Columns, ",") + "|" + c.Predicate + "|" + string(c.Method)
}

// collapsePrefixFamilies keeps, for each set of candidates where one's
// columns are a leading prefix of another's (same table, predicate and
// method), only the longest member. The longer index serves the shorter's
// queries too.
func collapsePrefixFamilies(ranked []domain.IndexCandidate) []domain.IndexCandidate {
	var out []domain.IndexCandidate
	for i, cand := range ranked {
		subsumed := false
		for j, other := range ranked {
			if i == j || len(other.Columns) <= len(cand.Columns) {
				continue
			}
			probe := domain.LiveIndex{
				Table: other.Table, Columns: other.Columns,
				Predicate: other.Predicate, Method: other.Method,
			}
			if probe.PrefixDominates(cand.Table, cand.Columns, cand.Predicate, cand.Method) {
				subsumed = true
				break
			}
		}
		if !subsumed {
			out = append(out, cand)
		}
	}
	return out
}

func appendReason(rationale, reason string) string {
	if rationale == "" {
		return reason
	}
	return rationale + "; " + reason
}
