package engine

import (
	"context"

	"github.com/indexpilot/indexpilot/internal/config"
	"github.com/indexpilot/indexpilot/internal/domain"
)

// WorkloadSource reports per-table read/write traffic.
type WorkloadSource interface {
	TableWorkload(ctx context.Context, table string) (domain.WorkloadProfile, error)
}

// workloadAdjuster scales candidate thresholds by the table's read/write mix
// and charges a write-amplification penalty for every index the table
// already carries (each extra index taxes every write).
type workloadAdjuster struct {
	cfg       config.EngineConfig
	source    WorkloadSource
	liveCount map[string]int // table -> existing index count
}

func newWorkloadAdjuster(cfg config.EngineConfig, source WorkloadSource, live []domain.LiveIndex) *workloadAdjuster {
	counts := make(map[string]int)
	for _, idx := range live {
		counts[idx.Table]++
	}
	return &workloadAdjuster{cfg: cfg, source: source, liveCount: counts}
}

// thresholdFactor returns the multiplier applied to the table's acceptance
// threshold: read-heavy tables index more eagerly, write-heavy tables less.
func (w *workloadAdjuster) thresholdFactor(ctx context.Context, table string) float64 {
	profile := domain.WorkloadProfile{}
	if w.source != nil {
		if p, err := w.source.TableWorkload(ctx, table); err == nil {
			profile = p
		}
	}
	ratio := profile.ReadRatio()
	switch {
	case ratio >= w.cfg.ReadHeavyThreshold:
		return 0.8
	case ratio <= w.cfg.WriteHeavyThreshold:
		return 1.5
	default:
		return 1.0
	}
}

// adjust applies the write-amplification penalty to a scored candidate.
func (w *workloadAdjuster) adjust(ctx context.Context, cand *domain.IndexCandidate) {
	profile := domain.WorkloadProfile{}
	if w.source != nil {
		if p, err := w.source.TableWorkload(ctx, cand.Table); err == nil {
			profile = p
		}
	}
	penalty := w.cfg.WritePenalty * float64(profile.Writes) * float64(w.liveCount[cand.Table]+1)
	cand.Score -= penalty
}
