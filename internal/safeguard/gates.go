package safeguard

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/indexpilot/indexpilot/internal/config"
	"github.com/indexpilot/indexpilot/internal/domain"
)

// Set bundles every gate the executor consults. Gates are checked in a
// fixed order (cheap checks first) and the first non-allow outcome wins.
type Set struct {
	Rate     *RateLimiter
	Budget   *BudgetManager
	Throttle *Throttle
	Breakers *BreakerSet
	Window   *Window
	Canary   *Canary

	log zerolog.Logger
}

// NewSet wires the gates from configuration.
func NewSet(cfg config.SafeguardConfig, window *Window, sampler LatencySampler, log zerolog.Logger) *Set {
	l := log.With().Str("component", "safeguard").Logger()
	return &Set{
		Rate:     NewRateLimiter(cfg.RateCapacity, cfg.RateRefillPerMin),
		Budget:   NewBudgetManager(cfg.GlobalBudgetBytes, cfg.TenantBudgetBytes),
		Throttle: NewThrottle(sampler, cfg.WriteLatencyCeiling, cfg.EmergencyCeiling, cfg.CPUCeilingPercent, l),
		Breakers: NewBreakerSet(BreakerTrigger(cfg.BreakerTrigger), cfg.BreakerFailures, cfg.BreakerCooldown, l),
		Window:   window,
		Canary:   NewCanary(cfg.CanaryFraction, cfg.CanarySampleSize),
		log:      l,
	}
}

// Admission is a cleared set of gates for one DDL action. Finish must be
// called exactly once with the action's result.
type Admission struct {
	set         *Set
	reservation string
	dones       []func(bool)
}

// AdmitCreate runs the gate sequence for creating an index. On a non-allow
// outcome everything already taken is returned.
func (s *Set) AdmitCreate(ctx context.Context, cand domain.IndexCandidate) (*Admission, domain.GateOutcome) {
	if out := s.Rate.Take("index-creation"); !out.Allowed() {
		return nil, out
	}
	if out := s.Throttle.Check(ctx); !out.Allowed() {
		return nil, out
	}

	resID, out := s.Budget.Reserve(cand.Tenant, cand.SizeEstimate)
	if !out.Allowed() {
		return nil, out
	}

	breakerOut, dones := s.Breakers.Allow(cand.Table, "")
	if !breakerOut.Allowed() {
		s.Budget.Release(resID)
		return nil, breakerOut
	}

	return &Admission{set: s, reservation: resID, dones: dones},
		domain.GateOutcome{Decision: domain.GateAllow, Gate: "safeguard"}
}

// AdmitMaintenance runs the gate sequence for REINDEX and other heavyweight
// maintenance. Maintenance is additionally bound to the window.
func (s *Set) AdmitMaintenance(ctx context.Context, table, rateKey string, at time.Time) (*Admission, domain.GateOutcome) {
	if out := s.Window.Gate(at); !out.Allowed() {
		return nil, out
	}
	if out := s.Rate.Take(rateKey); !out.Allowed() {
		return nil, out
	}
	if out := s.Throttle.Check(ctx); !out.Allowed() {
		return nil, out
	}

	breakerOut, dones := s.Breakers.Allow(table, "")
	if !breakerOut.Allowed() {
		return nil, breakerOut
	}
	return &Admission{set: s, dones: dones},
		domain.GateOutcome{Decision: domain.GateAllow, Gate: "safeguard"}
}

// Finish reports the action's result to the breakers and settles the budget
// reservation: committed builds consume it, everything else releases it.
func (a *Admission) Finish(err error, committed bool) {
	a.set.Breakers.Report(a.dones, err)
	if a.reservation == "" {
		return
	}
	if committed && err == nil {
		a.set.Budget.Commit(a.reservation)
	} else {
		a.set.Budget.Release(a.reservation)
	}
}
