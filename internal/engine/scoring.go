package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/indexpilot/indexpilot/internal/config"
	"github.com/indexpilot/indexpilot/internal/domain"
)

// CostEstimator is the slice of the planner client the scorer needs.
type CostEstimator interface {
	FallbackCost(ctx context.Context, table string, selectivity float64) (float64, error)
}

// RowCounter reports estimated table row counts.
type RowCounter interface {
	TableRowCount(ctx context.Context, table string) (int64, error)
}

// Sampler provides ground-truth distinct counts from a table sample.
type Sampler interface {
	SampleValues(ctx context.Context, table, column string, n int) ([]any, error)
}

// scoring constants. Width is a rough on-disk bytes-per-row figure per
// declared type, method multipliers reflect relative build expense.
var (
	typeWidths = map[string]int64{
		"bigint": 8, "integer": 4, "smallint": 2, "boolean": 1,
		"uuid": 16, "timestamp": 8, "timestamptz": 8, "date": 4,
		"numeric": 12, "double precision": 8, "real": 4,
	}
	methodBuildMultiplier = map[domain.IndexMethod]float64{
		domain.MethodOrdered:  1.0,
		domain.MethodHash:     0.8,
		domain.MethodFulltext: 3.0,
		domain.MethodGeo:      2.5,
		domain.MethodBRIN:     0.2,
	}
)

const defaultColumnWidth = 24 // text-ish columns
const indexTupleOverhead = 16 // item pointer + header per entry

// scorer assigns benefit, build cost, size estimate and the final score.
type scorer struct {
	cfg     config.EngineConfig
	costs   CostEstimator
	rows    RowCounter
	sampler Sampler
	known   map[string]domain.CatalogEntry
	usage   map[string]*columnUsage
	extra   []Scorer
	log     zerolog.Logger
}

// score fills in the candidate's economic fields. Candidates whose benefit
// cannot be established score zero and drop out in selection.
func (s *scorer) score(ctx context.Context, cand *domain.IndexCandidate) {
	rowCount, err := s.rows.TableRowCount(ctx, cand.Table)
	if err != nil || rowCount <= 0 {
		rowCount = 1
	}

	selectivity := s.selectivity(cand, rowCount)

	fullCost, err := s.costs.FallbackCost(ctx, cand.Table, 1)
	if err != nil {
		s.log.Debug().Err(err).Str("table", cand.Table).Msg("Cost estimate unavailable")
		return
	}
	indexedCost := fullCost * selectivity

	freq := s.frequency(cand)
	cand.Benefit = float64(freq) * (fullCost - indexedCost)
	cand.BuildCost = s.buildCost(cand, rowCount)
	cand.SizeEstimate = s.sizeEstimate(cand, rowCount)
	cand.Confidence = 1.0

	s.checkCardinality(ctx, cand, rowCount)

	// Score is benefit net of a storage-scaled penalty on the build. The
	// penalty keeps huge speculative indexes from beating small certain wins.
	storagePenalty := float64(cand.SizeEstimate) / float64(1<<20) // per MiB
	cand.Score = cand.Benefit - cand.BuildCost - storagePenalty
	cand.Score *= cand.Confidence

	s.applyScorers(ctx, cand)
}

// selectivity estimates the fraction of the table a lookup on the leading
// column touches, from the distinct-parameter estimate.
func (s *scorer) selectivity(cand *domain.IndexCandidate, rowCount int64) float64 {
	u, ok := s.usage[cand.Table+"."+cand.Columns[0]]
	if !ok || u.distinct <= 0 {
		return 0.1 // conservative default
	}
	sel := 1.0 / float64(u.distinct)
	if sel > 1 {
		sel = 1
	}
	if sel < 1.0/float64(rowCount) {
		sel = 1.0 / float64(rowCount)
	}
	return sel
}

// frequency is the total sustained execution count motivating the candidate.
func (s *scorer) frequency(cand *domain.IndexCandidate) int64 {
	var total int64
	for _, col := range cand.Columns {
		if u, ok := s.usage[cand.Table+"."+col]; ok {
			total += u.total()
		}
	}
	if total == 0 {
		total = 1 // FK candidates have no direct query evidence
	}
	return total
}

// buildCost models CREATE INDEX expense: rows scaled by column width and
// access method.
func (s *scorer) buildCost(cand *domain.IndexCandidate, rowCount int64) float64 {
	width := s.rowWidth(cand)
	method := methodBuildMultiplier[cand.Method]
	if method == 0 {
		method = 1
	}
	return float64(rowCount) * (float64(width) / 64.0) * method
}

// sizeEstimate predicts the index's on-disk footprint.
func (s *scorer) sizeEstimate(cand *domain.IndexCandidate, rowCount int64) int64 {
	return rowCount * (s.rowWidth(cand) + indexTupleOverhead)
}

func (s *scorer) rowWidth(cand *domain.IndexCandidate) int64 {
	var width int64
	for _, col := range cand.Columns {
		entry, ok := s.known[cand.Table+"."+col]
		if !ok {
			width += defaultColumnWidth
			continue
		}
		if w, ok := typeWidths[strings.ToLower(entry.Type)]; ok {
			width += w
		} else {
			width += defaultColumnWidth
		}
	}
	return width
}

// checkCardinality compares the workload's distinct estimate against a
// sampled ground truth. Estimates that diverge beyond the tolerance demote
// the candidate's confidence rather than reject it outright.
func (s *scorer) checkCardinality(ctx context.Context, cand *domain.IndexCandidate, rowCount int64) {
	if s.sampler == nil || rowCount < 1000 {
		return
	}
	u, ok := s.usage[cand.Table+"."+cand.Columns[0]]
	if !ok || u.distinct <= 0 {
		return
	}

	values, err := s.sampler.SampleValues(ctx, cand.Table, cand.Columns[0], 2000)
	if err != nil || len(values) == 0 {
		return
	}
	seen := map[string]bool{}
	for _, v := range values {
		seen[fmt.Sprint(v)] = true
	}
	// Scale the sampled distinct count to the full table.
	sampled := float64(len(seen)) * float64(rowCount) / float64(len(values))
	estimated := float64(u.distinct)

	ratio := estimated / sampled
	if ratio < 1 {
		ratio = 1 / ratio
	}
	if ratio > s.cfg.CardinalityTolerance {
		cand.Confidence = 0.5
		s.log.Debug().
			Str("table", cand.Table).
			Str("column", cand.Columns[0]).
			Float64("estimated", estimated).
			Float64("sampled", sampled).
			Msg("Cardinality estimate diverges from sample; demoting confidence")
	}
}

// applyScorers folds in pluggable advisory scorers, clamped so no scorer can
// move the score by more than the configured weight fraction.
func (s *scorer) applyScorers(ctx context.Context, cand *domain.IndexCandidate) {
	if len(s.extra) == 0 {
		return
	}
	bound := s.cfg.ScorerWeight * abs(cand.Score)
	if bound == 0 {
		bound = s.cfg.ScorerWeight
	}
	var adjustment float64
	for _, sc := range s.extra {
		res := sc.Score(ctx, *cand)
		adjustment += res.Recommendation * res.Confidence
	}
	adjustment = clamp(adjustment, -bound, bound)
	cand.Score += adjustment
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func clamp(f, lo, hi float64) float64 {
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}
