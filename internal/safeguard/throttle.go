package safeguard

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/indexpilot/indexpilot/internal/domain"
)

// LatencySampler reports the database's recent average write latency.
type LatencySampler interface {
	WriteLatencySample(ctx context.Context) (time.Duration, error)
}

// Throttle defers background work while the host database is under write
// pressure or the box is CPU-saturated. Above the emergency ceiling it also
// asks in-flight non-critical work to stop.
type Throttle struct {
	sampler  LatencySampler
	ceiling  time.Duration
	emgcy    time.Duration
	cpuLimit float64
	log      zerolog.Logger

	cpuPercent func(time.Duration, bool) ([]float64, error) // swappable in tests
}

// NewThrottle creates a throttle with the configured ceilings.
func NewThrottle(sampler LatencySampler, ceiling, emergency time.Duration, cpuLimit float64, log zerolog.Logger) *Throttle {
	return &Throttle{
		sampler:    sampler,
		ceiling:    ceiling,
		emgcy:      emergency,
		cpuLimit:   cpuLimit,
		log:        log.With().Str("component", "throttle").Logger(),
		cpuPercent: cpu.Percent,
	}
}

// Check samples write latency and CPU and decides whether new background
// work may start. Sampling failures allow: the throttle protects against
// observed pressure, not unknown pressure.
func (t *Throttle) Check(ctx context.Context) domain.GateOutcome {
	if t.sampler != nil {
		lat, err := t.sampler.WriteLatencySample(ctx)
		if err != nil {
			t.log.Debug().Err(err).Msg("Write latency sample unavailable")
		} else if lat > t.ceiling {
			return domain.GateOutcome{
				Decision: domain.GateDefer,
				Gate:     "throttle",
				Reason:   fmt.Sprintf("write latency %s above ceiling %s", lat, t.ceiling),
			}
		}
	}

	if t.cpuLimit > 0 {
		pcts, err := t.cpuPercent(0, false)
		if err == nil && len(pcts) > 0 && pcts[0] > t.cpuLimit {
			return domain.GateOutcome{
				Decision: domain.GateDefer,
				Gate:     "throttle",
				Reason:   fmt.Sprintf("cpu %.0f%% above ceiling %.0f%%", pcts[0], t.cpuLimit),
			}
		}
	}

	return domain.GateOutcome{Decision: domain.GateAllow, Gate: "throttle"}
}

// Emergency reports whether write latency exceeds the emergency ceiling, in
// which case in-flight non-critical operations should be cancelled.
func (t *Throttle) Emergency(ctx context.Context) bool {
	if t.sampler == nil {
		return false
	}
	lat, err := t.sampler.WriteLatencySample(ctx)
	if err != nil {
		return false
	}
	if lat > t.emgcy {
		t.log.Warn().Dur("latency", lat).Dur("ceiling", t.emgcy).Msg("Emergency latency ceiling exceeded")
		return true
	}
	return false
}
