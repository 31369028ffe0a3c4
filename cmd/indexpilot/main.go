// Command indexpilot is the control-plane daemon that manages secondary
// indexes for a co-resident PostgreSQL database, plus the operator commands
// for one-shot analysis, maintenance, reporting and rollback.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/indexpilot/indexpilot/internal/config"
	"github.com/indexpilot/indexpilot/internal/db"
	"github.com/indexpilot/indexpilot/internal/planner"
	"github.com/indexpilot/indexpilot/pkg/logger"
)

// Exit codes. Scripts dispatch on these, so they are part of the interface.
const (
	exitOK         = 0
	exitRefused    = 2  // action refused by a bypass or safeguard gate
	exitPlanner    = 3  // planner unavailable or unreliable
	exitPermission = 4  // insufficient database privileges
	exitDatabase   = 5  // target database unreachable
	exitUsage      = 64 // command line usage or internal error
)

// codedError carries an exit code with its cause.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

func main() {
	root := &cobra.Command{
		Use:           "indexpilot",
		Short:         "Autonomous index management for PostgreSQL",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newInitCmd(),
		newAnalyzeCmd(),
		newMaintainCmd(),
		newReportCmd(),
		newRollbackCmd(),
		newBypassCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	return exitUsage
}

// classify maps well-known failure causes to their exit codes.
func classify(err error) int {
	switch {
	case errors.Is(err, planner.ErrPlannerUnreliable):
		return exitPlanner
	case errors.Is(err, db.ErrPermissionDenied):
		return exitPermission
	default:
		return exitDatabase
	}
}

// loadConfig loads and validates configuration. Bad configuration is operator
// error, so it lands in the usage bucket.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, withCode(exitUsage, err)
	}
	return cfg, nil
}

// setupLogger builds the process logger from configuration.
func setupLogger(cfg *config.Config) zerolog.Logger {
	return logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
		File:   cfg.LogFile,
	})
}
