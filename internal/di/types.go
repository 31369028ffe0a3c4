/**
 * Package di provides dependency injection type definitions.
 *
 * This package defines the Container type which holds all daemon components.
 * The Container is the single source of truth for component instances and is
 * passed to the HTTP server and CLI commands for access to them.
 */
package di

import (
	"github.com/rs/zerolog"

	"github.com/indexpilot/indexpilot/internal/bypass"
	"github.com/indexpilot/indexpilot/internal/catalog"
	"github.com/indexpilot/indexpilot/internal/config"
	"github.com/indexpilot/indexpilot/internal/db"
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

/**
 * Container holds all dependencies for the daemon.
 *
 * Created by Wire() in strict dependency order: database adapter first, then
 * the mutation log (journal before store), then observation and decision
 * components, then the execution plane. Everything downstream of the mutation
 * log records through it; nothing writes DDL without passing the safeguards.
 */
type Container struct {
	Config *config.Config
	Log    zerolog.Logger

	// Data plane
	DB           *db.Adapter
	Journal      *mutation.Journal
	Mutations    *mutation.Log
	Catalog      *catalog.Catalog
	CatalogStore *catalog.PGStore
	Profile      *catalog.ExpressionProfile
	Stats        *stats.Store
	Planner      *planner.Client

	// Decision and execution plane
	Safeguards *safeguard.Set
	Bypass     *bypass.Switch
	Engine     *engine.Engine
	Executor   *executor.Executor
	Maintain   *maintain.Loop
	Roller     *rollback.Roller

	// Operational surface
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Metrics
	Archiver  *maintain.JournalArchiver // nil when archival is disabled
}
