package engine

import (
	"context"

	"github.com/indexpilot/indexpilot/internal/domain"
)

// Scorer is a pluggable advisory voice in candidate scoring. Scorers adjust
// the economic score, bounded by the configured weight; they can never veto
// or force a candidate on their own.
type Scorer interface {
	Name() string
	Score(ctx context.Context, cand domain.IndexCandidate) domain.ScorerResult
}

// CorrelationScorer favors composite candidates whose column pairs showed
// strong co-occurrence, nudging multi-column indexes ahead of the
// single-column forms they subsume.
type CorrelationScorer struct{}

// Name implements Scorer.
func (CorrelationScorer) Name() string { return "correlation" }

// Score implements Scorer.
func (CorrelationScorer) Score(_ context.Context, cand domain.IndexCandidate) domain.ScorerResult {
	res := domain.ScorerResult{Scorer: "correlation", Confidence: 0.6}
	if len(cand.Columns) > 1 && cand.ReplacesIndex == "" {
		res.Recommendation = 1
	}
	return res
}
