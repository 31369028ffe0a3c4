// Package db implements the adapter between IndexPilot and the target
// Postgres database: pooled connections, parameterized execution, DDL verbs,
// planner introspection and identifier validation. The adapter surfaces raw
// failure kinds and performs no retries of its own.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/indexpilot/indexpilot/internal/config"
)

// DDLOutcome distinguishes the three ways a non-blocking build can end.
type DDLOutcome int

const (
	// DDLCommitted means the statement completed and the object is valid.
	DDLCommitted DDLOutcome = iota
	// DDLFailedInvalid means a concurrent build failed and left an invalid
	// object behind that must be cleaned up.
	DDLFailedInvalid
	// DDLLockTimeout means the statement gave up waiting for its lock.
	DDLLockTimeout
)

// Plan is the parsed result of an EXPLAIN.
type Plan struct {
	NodeType   string
	TotalCost  float64
	PlanRows   int64
	ActualRows int64 // populated only under EXPLAIN ANALYZE
	IndexNames []string
	Raw        json.RawMessage
}

// UsesIndex reports whether the plan scans the named index anywhere.
func (p *Plan) UsesIndex(name string) bool {
	for _, n := range p.IndexNames {
		if n == name {
			return true
		}
	}
	return false
}

// Adapter wraps the connection pool with production-grade configuration.
type Adapter struct {
	pool *pgxpool.Pool
	cfg  config.PoolConfig
	log  zerolog.Logger

	// Heavy maintenance (VACUUM/ANALYZE/REINDEX) is serialized platform-wide:
	// running them concurrently exhausts shared memory on constrained hosts.
	maintenance chan struct{}
}

// New connects to the target database and configures the pool.
func New(ctx context.Context, databaseURL string, cfg config.PoolConfig, log zerolog.Logger) (*Adapter, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 24 * time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Adapter{
		pool:        pool,
		cfg:         cfg,
		log:         log.With().Str("component", "db").Logger(),
		maintenance: make(chan struct{}, 1),
	}, nil
}

// Close closes the pool.
func (a *Adapter) Close() {
	a.pool.Close()
}

// Acquire checks out a pooled connection, blocking at most the configured
// acquire timeout. Exhaustion surfaces as ErrPoolExhausted.
func (a *Adapter) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, a.cfg.AcquireTimeout)
	defer cancel()

	conn, err := a.pool.Acquire(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: no connection within %s", ErrPoolExhausted, a.cfg.AcquireTimeout)
		}
		return nil, Translate(err)
	}
	return conn, nil
}

// Exec runs a parameterized statement under the statement timeout.
func (a *Adapter) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	execCtx, cancel := context.WithTimeout(ctx, a.cfg.StatementTimeout)
	defer cancel()

	tag, err := a.pool.Exec(execCtx, sql, args...)
	if err != nil {
		return tag, Translate(err)
	}
	return tag, nil
}

// Query runs a parameterized query under the statement timeout.
func (a *Adapter) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	// The rows iterator outlives this call, so the timeout is attached to the
	// caller's context via the pool's statement-level deadline instead.
	rows, err := a.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, Translate(err)
	}
	return rows, nil
}

// QueryRow runs a single-row query.
func (a *Adapter) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return a.pool.QueryRow(ctx, sql, args...)
}

// Explain runs EXPLAIN (optionally ANALYZE) on a parameterized statement and
// parses the JSON plan. Under analyze the statement actually executes and is
// bounded by the statement timeout.
func (a *Adapter) Explain(ctx context.Context, sql string, args []any, analyze bool) (*Plan, error) {
	opts := "FORMAT JSON"
	if analyze {
		opts = "ANALYZE, FORMAT JSON"
	}
	stmt := fmt.Sprintf("EXPLAIN (%s) %s", opts, sql)

	explainCtx, cancel := context.WithTimeout(ctx, a.cfg.StatementTimeout)
	defer cancel()

	var raw json.RawMessage
	if err := a.pool.QueryRow(explainCtx, stmt, args...).Scan(&raw); err != nil {
		return nil, Translate(err)
	}
	return parsePlan(raw)
}

// DDL runs a DDL statement. The statement text is assembled exclusively from
// validated identifiers by the callers in this module; no user input reaches
// it. nonBlocking statements (CREATE INDEX CONCURRENTLY and friends) run under
// the long-DDL timeout with lock_timeout applied server-side.
func (a *Adapter) DDL(ctx context.Context, statement string, nonBlocking bool) (DDLOutcome, error) {
	timeout := a.cfg.StatementTimeout
	if nonBlocking {
		timeout = a.cfg.LongDDLTimeout
	}
	ddlCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := a.Acquire(ddlCtx)
	if err != nil {
		return DDLLockTimeout, err
	}
	defer conn.Release()

	lockMS := a.cfg.LockTimeout.Milliseconds()
	if _, err := conn.Exec(ddlCtx, fmt.Sprintf("SET lock_timeout = %d", lockMS)); err != nil {
		return DDLLockTimeout, Translate(err)
	}

	if _, err := conn.Exec(ddlCtx, statement); err != nil {
		err = Translate(err)
		switch {
		case errors.Is(err, ErrLockTimeout):
			return DDLLockTimeout, err
		case nonBlocking && strings.Contains(statement, "CONCURRENTLY"):
			// A failed concurrent build leaves an invalid index behind.
			return DDLFailedInvalid, err
		default:
			return DDLFailedInvalid, err
		}
	}
	return DDLCommitted, nil
}

// MaintenanceExec runs a heavy maintenance statement (VACUUM, ANALYZE,
// REINDEX) serialized through the platform-wide semaphore.
func (a *Adapter) MaintenanceExec(ctx context.Context, statement string) error {
	select {
	case a.maintenance <- struct{}{}:
		defer func() { <-a.maintenance }()
	case <-ctx.Done():
		return Translate(ctx.Err())
	}

	opCtx, cancel := context.WithTimeout(ctx, a.cfg.LongDDLTimeout)
	defer cancel()

	a.log.Debug().Str("statement", statement).Msg("Running maintenance statement")
	if _, err := a.pool.Exec(opCtx, statement); err != nil {
		return Translate(err)
	}
	return nil
}

// SampleValues reads up to n values of a column for selectivity ground truth.
func (a *Adapter) SampleValues(ctx context.Context, table, column string, n int) ([]any, error) {
	schema, tbl, err := QualifiedTable(table)
	if err != nil {
		return nil, err
	}
	if err := CheckIdentifier(column); err != nil {
		return nil, err
	}

	stmt := fmt.Sprintf("SELECT %s FROM %s.%s TABLESAMPLE SYSTEM (1) LIMIT $1",
		pgx.Identifier{column}.Sanitize(),
		pgx.Identifier{schema}.Sanitize(),
		pgx.Identifier{tbl}.Sanitize())

	rows, err := a.Query(ctx, stmt, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, Translate(err)
		}
		values = append(values, vals[0])
	}
	if rows.Err() != nil {
		return nil, Translate(rows.Err())
	}
	return values, nil
}

// planNode mirrors the JSON shape Postgres emits for each plan node.
type planNode struct {
	NodeType   string     `json:"Node Type"`
	TotalCost  float64    `json:"Total Cost"`
	PlanRows   int64      `json:"Plan Rows"`
	ActualRows int64      `json:"Actual Rows"`
	IndexName  string     `json:"Index Name"`
	Plans      []planNode `json:"Plans"`
}

func parsePlan(raw json.RawMessage) (*Plan, error) {
	var parsed []struct {
		Plan planNode `json:"Plan"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse plan JSON: %w", err)
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("empty plan")
	}

	root := parsed[0].Plan
	plan := &Plan{
		NodeType:   root.NodeType,
		TotalCost:  root.TotalCost,
		PlanRows:   root.PlanRows,
		ActualRows: root.ActualRows,
		Raw:        raw,
	}
	collectIndexNames(root, &plan.IndexNames)
	return plan, nil
}

func collectIndexNames(node planNode, out *[]string) {
	if node.IndexName != "" {
		*out = append(*out, node.IndexName)
	}
	for _, child := range node.Plans {
		collectIndexNames(child, out)
	}
}
