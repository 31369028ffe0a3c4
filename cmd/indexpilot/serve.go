package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/indexpilot/indexpilot/internal/di"
	"github.com/indexpilot/indexpilot/internal/server"
)

func newServeCmd() *cobra.Command {
	var schemaFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the IndexPilot daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := setupLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			container, err := di.Wire(ctx, cfg, log)
			if err != nil {
				return withCode(classify(err), err)
			}
			defer container.Close()

			// Background loops first: the catalog bootstrap appends to the
			// mutation log, which needs its writer running.
			loopCtx, cancelLoops := context.WithCancel(context.Background())
			go container.Mutations.Run(loopCtx)
			go container.Stats.Run(loopCtx)

			if err := container.Bootstrap(ctx, schemaFile); err != nil {
				cancelLoops()
				return withCode(classify(err), err)
			}

			go container.Maintain.Run(loopCtx)
			if err := container.RegisterJobs(); err != nil {
				cancelLoops()
				return withCode(exitUsage, err)
			}
			container.Scheduler.Start()

			srv := server.New(cfg, container.Stats, container.Mutations, container.Roller,
				container.Bypass, container, container, container.RunPass, container.Metrics, log)
			serverErr := make(chan error, 1)
			go func() { serverErr <- srv.Start() }()

			log.Info().
				Str("mode", string(cfg.Mode)).
				Int("port", cfg.Port).
				Msg("IndexPilot started")

			select {
			case <-ctx.Done():
				log.Info().Msg("Shutdown signal received")
			case err := <-serverErr:
				if err != nil {
					cancelLoops()
					return withCode(exitDatabase, err)
				}
			}

			// Graceful teardown: stop taking new work, let in-flight builds
			// finish within the grace period, then drain the loops.
			container.Scheduler.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Executor.BuildGraceTime)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)

			cancelLoops()
			container.Stats.Wait()
			container.Mutations.Wait()
			log.Info().Msg("IndexPilot stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&schemaFile, "schema", "", "Declarative schema file (default: introspect the database)")
	return cmd
}
