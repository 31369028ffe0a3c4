// Package di provides dependency injection wiring and initialization.
package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/indexpilot/indexpilot/internal/bypass"
	"github.com/indexpilot/indexpilot/internal/catalog"
	"github.com/indexpilot/indexpilot/internal/config"
	"github.com/indexpilot/indexpilot/internal/db"
	"github.com/indexpilot/indexpilot/internal/domain"
	"github.com/indexpilot/indexpilot/internal/engine"
	"github.com/indexpilot/indexpilot/internal/executor"
	"github.com/indexpilot/indexpilot/internal/maintain"
	"github.com/indexpilot/indexpilot/internal/metrics"
	"github.com/indexpilot/indexpilot/internal/mutation"
	"github.com/indexpilot/indexpilot/internal/planner"
	"github.com/indexpilot/indexpilot/internal/rollback"
	"github.com/indexpilot/indexpilot/internal/safeguard"
	"github.com/indexpilot/indexpilot/internal/scheduler"
	"github.com/indexpilot/indexpilot/internal/stats"
)

// Wire initializes all components and returns a fully configured container.
// Order of operations:
// 1. Database adapter and metadata schema
// 2. Mutation journal and log
// 3. Observation components (stats, planner, catalog)
// 4. Safeguards and execution plane
// The container's background loops are not started here; Start does that.
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{Config: cfg, Log: log, Metrics: metrics.New()}

	c.Bypass = bypass.New(log)
	if err := c.Bypass.ParseStartup(cfg.BypassMode); err != nil {
		return nil, fmt.Errorf("invalid INDEXPILOT_BYPASS_MODE: %w", err)
	}

	adapter, err := db.New(ctx, cfg.DatabaseURL, cfg.Pool, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to target database: %w", err)
	}
	c.DB = adapter

	mutStore := mutation.NewPGStore(adapter)
	if err := mutStore.EnsureSchema(ctx); err != nil {
		adapter.Close()
		return nil, fmt.Errorf("failed to ensure mutation log schema: %w", err)
	}
	journal, err := mutation.OpenJournal(cfg.DataDir)
	if err != nil {
		adapter.Close()
		return nil, err
	}
	c.Journal = journal
	mlog, err := mutation.Open(ctx, mutStore, journal, log)
	if err != nil {
		journal.Close()
		adapter.Close()
		return nil, err
	}
	c.Mutations = mlog

	statsStore := stats.NewPGStore(adapter)
	if err := statsStore.EnsureSchema(ctx); err != nil {
		journal.Close()
		adapter.Close()
		return nil, fmt.Errorf("failed to ensure stats schema: %w", err)
	}
	c.Stats = stats.NewStore(cfg.Stats, statsStore, log)
	c.Planner = planner.New(adapter, cfg.Planner, log)
	c.Catalog = catalog.New(mlog, log)
	c.CatalogStore = catalog.NewPGStore(adapter)
	if err := c.CatalogStore.EnsureSchema(ctx); err != nil {
		journal.Close()
		adapter.Close()
		return nil, fmt.Errorf("failed to ensure catalog schema: %w", err)
	}
	c.Profile = catalog.NewExpressionProfile()
	deactivations, err := c.CatalogStore.LoadDeactivations(ctx)
	if err != nil {
		journal.Close()
		adapter.Close()
		return nil, err
	}
	for tenant, keys := range deactivations {
		c.Profile.SetBulk(tenant, keys)
	}

	window, err := safeguard.ParseWindow("default", cfg.MaintenanceWindow)
	if err != nil {
		journal.Close()
		adapter.Close()
		return nil, fmt.Errorf("invalid INDEXPILOT_MAINTENANCE_WINDOW: %w", err)
	}
	c.Safeguards = safeguard.NewSet(cfg.Safeguard, window, adapter, log)
	// Live latencies feed the canary split while a build is under validation.
	c.Stats.SetObserver(func(_ domain.TenantID, fp string, ms float64) {
		c.Safeguards.Canary.ObserveLatency(fp, ms)
	})

	budget := func() int64 {
		used, reserved := c.Safeguards.Budget.Usage()
		remaining := cfg.Safeguard.GlobalBudgetBytes - used - reserved
		if remaining < 0 {
			return 0
		}
		return remaining
	}
	c.Engine = engine.New(cfg.Engine, c.Stats, c.Catalog, c.Profile,
		c.Planner, adapter, adapter, adapter, adapter, mlog, budget, log)

	c.Executor = executor.New(cfg.Executor, cfg.Engine.ImprovementThreshold,
		adapter, c.Planner, c.Stats, c.Safeguards, mlog, c.Planner.Invalidate, log)
	c.Roller = rollback.New(mlog, adapter, c.Planner.Invalidate, log)

	if cfg.Archive.Enabled {
		archiver, err := maintain.NewJournalArchiver(ctx, cfg.Archive, journal, log)
		if err != nil {
			journal.Close()
			adapter.Close()
			return nil, err
		}
		c.Archiver = archiver
	}
	c.Maintain = maintain.New(cfg.Maintain, adapter, c.Safeguards, mlog,
		c.Bypass, archiverOrNil(c.Archiver), c.Planner.Invalidate, log)

	c.Scheduler = scheduler.New(c.Bypass, log)

	log.Info().Msg("Dependency injection wiring completed successfully")
	return c, nil
}

// archiverOrNil avoids handing maintain a typed-nil interface value.
func archiverOrNil(a *maintain.JournalArchiver) maintain.Archiver {
	if a == nil {
		return nil
	}
	return a
}

// Close releases everything Wire opened.
func (c *Container) Close() {
	if c.Journal != nil {
		_ = c.Journal.Close()
	}
	if c.DB != nil {
		c.DB.Close()
	}
}
