package di

import (
	"context"
	"fmt"
	"time"

	"github.com/indexpilot/indexpilot/internal/config"
	"github.com/indexpilot/indexpilot/internal/domain"
	"github.com/indexpilot/indexpilot/internal/scheduler"
)

// Bootstrap loads the catalog and seeds the storage budget from the live
// index set. Must run after the mutation log's writer loop has started.
func (c *Container) Bootstrap(ctx context.Context, schemaFile string) error {
	var err error
	if schemaFile != "" {
		err = c.Catalog.BootstrapDeclarative(ctx, schemaFile, c.DB)
	} else {
		err = c.Catalog.BootstrapIntrospect(ctx, c.DB)
	}
	if err != nil {
		return fmt.Errorf("catalog bootstrap failed: %w", err)
	}
	if err := c.CatalogStore.SaveEntries(ctx, c.Catalog.Entries()); err != nil {
		return err
	}
	return c.RefreshBudget(ctx)
}

// Deactivated exposes a tenant's persisted deactivation set to the API.
func (c *Container) Deactivated(tenant domain.TenantID) []string {
	return c.Profile.Deactivated(tenant)
}

// SetDeactivated replaces a tenant's expression-profile deactivations and
// persists them so they survive restarts.
func (c *Container) SetDeactivated(ctx context.Context, tenant domain.TenantID, entryKeys []string) error {
	c.Profile.SetBulk(tenant, entryKeys)
	return c.CatalogStore.SaveDeactivations(ctx, tenant, entryKeys)
}

// RefreshBudget re-seeds the budget manager from observed index sizes.
func (c *Container) RefreshBudget(ctx context.Context) error {
	live, err := c.DB.IntrospectIndexes(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to seed storage budget: %w", err)
	}
	var used int64
	for _, idx := range live {
		used += idx.SizeBytes
	}
	c.Safeguards.Budget.SetUsed(used, nil)
	c.Metrics.StorageUsedBytes.Set(float64(used))
	return nil
}

// RunPass executes one analysis pass and, in apply mode, drives the selected
// candidates through the executor. In advisory mode the proposals stop at the
// mutation log.
func (c *Container) RunPass(ctx context.Context) ([]domain.IndexCandidate, error) {
	if !c.Bypass.Allowed("engine", "") {
		return nil, nil
	}

	selected, err := c.Engine.Pass(ctx)
	if err != nil {
		return nil, err
	}
	c.Metrics.PassesTotal.Inc()
	c.Metrics.CandidatesSelected.Add(float64(len(selected)))
	c.Metrics.PlanCacheEntries.Set(float64(c.Planner.CacheLen()))

	if c.Config.Mode != config.ModeApply || len(selected) == 0 {
		return selected, nil
	}
	if !c.Bypass.Allowed("executor", "") {
		return selected, nil
	}

	for _, cand := range selected {
		live, err := c.DB.IntrospectIndexes(ctx, "")
		if err != nil {
			return selected, fmt.Errorf("failed to refresh live indexes: %w", err)
		}
		taken := make(map[string]bool, len(live))
		for _, idx := range live {
			taken[idx.Name] = true
		}

		result := c.Executor.Apply(ctx, cand, taken)
		switch result.State {
		case domain.StateCommitted:
			c.Metrics.IndexesCommitted.Inc()
		case domain.StateRolledBack:
			c.Metrics.IndexesRolledBack.Inc()
		case domain.StateDeferred:
			c.Metrics.BuildsDeferred.WithLabelValues(result.Gate.Gate).Inc()
		}
	}
	return selected, c.RefreshBudget(ctx)
}

// RegisterJobs installs the recurring jobs on the scheduler.
func (c *Container) RegisterJobs() error {
	jobs := []scheduler.Job{
		{
			Name:      "analysis-pass",
			Component: "engine",
			Spec:      "*/15 * * * *",
			Run: func(ctx context.Context) error {
				_, err := c.RunPass(ctx)
				return err
			},
		},
		{
			Name:      "budget-refresh",
			Component: "engine",
			Spec:      "5 * * * *",
			Run:       c.RefreshBudget,
		},
	}
	for _, job := range jobs {
		if err := c.Scheduler.Register(job); err != nil {
			return fmt.Errorf("failed to register job %s: %w", job.Name, err)
		}
	}
	return nil
}

// Report implements the health endpoint's aggregation.
func (c *Container) Report(ctx context.Context) map[string]any {
	used, reserved := c.Safeguards.Budget.Usage()
	report := map[string]any{
		"mode":                  string(c.Config.Mode),
		"bypass":                c.Bypass.Snapshot(),
		"circuit_breakers":      c.Safeguards.Breakers.State(),
		"storage_used_bytes":    used,
		"storage_reserved":      reserved,
		"plan_cache_entries":    c.Planner.CacheLen(),
		"observations_dropped":  c.Stats.Dropped(),
		"emergency_latency":     c.Safeguards.Throttle.Emergency(ctx),
		"maintenance_window_ok": c.Safeguards.Window.Contains(time.Now()),
	}
	return report
}
