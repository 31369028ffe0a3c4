package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/indexpilot/indexpilot/internal/di"
)

// withContainer wires the container, runs the mutation log and stats loops,
// executes fn, and tears everything down. One-shot commands share it.
func withContainer(schemaFile string, fn func(ctx context.Context, c *di.Container) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := setupLogger(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	container, err := di.Wire(ctx, cfg, log)
	if err != nil {
		return withCode(classify(err), err)
	}
	defer container.Close()

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	go container.Mutations.Run(loopCtx)
	go container.Stats.Run(loopCtx)
	defer func() {
		cancelLoops()
		container.Stats.Wait()
		container.Mutations.Wait()
	}()

	if err := container.Bootstrap(ctx, schemaFile); err != nil {
		return withCode(classify(err), err)
	}
	return fn(ctx, container)
}

func newInitCmd() *cobra.Command {
	var schemaFile string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the metadata tables and bootstrap the catalog",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withContainer(schemaFile, func(_ context.Context, c *di.Container) error {
				entries := c.Catalog.Entries()
				fmt.Printf("Catalog bootstrapped: %d columns across %d tables\n",
					len(entries), len(c.Catalog.Tables()))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&schemaFile, "schema", "", "Declarative schema file")
	return cmd
}

func newAnalyzeCmd() *cobra.Command {
	var schemaFile string
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run one analysis pass and print the selected candidates",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withContainer(schemaFile, func(ctx context.Context, c *di.Container) error {
				selected, err := c.RunPass(ctx)
				if err != nil {
					return withCode(classify(err), err)
				}
				if len(selected) == 0 {
					fmt.Println("No candidates selected.")
					return nil
				}
				for _, cand := range selected {
					fmt.Printf("%s(%s) method=%s score=%.1f size=%dMB  %s\n",
						cand.Table, strings.Join(cand.Columns, ","), cand.Method,
						cand.Score, cand.SizeEstimate>>20, cand.Rationale)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&schemaFile, "schema", "", "Declarative schema file")
	return cmd
}

func newMaintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Run one maintenance sweep",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withContainer("", func(ctx context.Context, c *di.Container) error {
				if !c.Bypass.Allowed("maintenance", "") {
					return withCode(exitRefused, fmt.Errorf("maintenance is bypassed"))
				}
				c.Maintain.Sweep(ctx)
				fmt.Println("Maintenance sweep complete.")
				return nil
			})
		},
	}
}

func newReportCmd() *cobra.Command {
	var since int64
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the health report and recent mutation records",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withContainer("", func(ctx context.Context, c *di.Container) error {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(c.Report(ctx)); err != nil {
					return err
				}

				records, err := c.Mutations.Since(ctx, since, 50)
				if err != nil {
					return withCode(classify(err), err)
				}
				for _, m := range records {
					fmt.Printf("%-6d %-20s %-16s %-30s %s\n",
						m.ID, m.Timestamp.Format(time.RFC3339), m.Action, m.Index, m.Rationale)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "Print mutations after this id")
	return cmd
}

func newRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <mutation-id>",
		Short: "Reverse a mutation by its log id",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			mid, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return withCode(exitUsage, fmt.Errorf("invalid mutation id %q", args[0]))
			}
			return withContainer("", func(ctx context.Context, c *di.Container) error {
				rid, err := c.Roller.Rollback(ctx, mid)
				if err != nil {
					if strings.Contains(err.Error(), "not found") {
						return withCode(exitUsage, err)
					}
					return withCode(exitRefused, err)
				}
				fmt.Printf("Rolled back mutation %d (rollback record %d)\n", mid, rid)
				return nil
			})
		},
	}
}

// newBypassCmd talks to a running daemon's HTTP API rather than touching
// shared state directly.
func newBypassCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "bypass [get | set <level> [name] <on|off>]",
		Short: "Inspect or change the daemon's bypass switches",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			base := fmt.Sprintf("http://127.0.0.1:%d/bypass", port)
			client := &http.Client{Timeout: 10 * time.Second}

			switch args[0] {
			case "get":
				resp, err := client.Get(base)
				if err != nil {
					return withCode(exitDatabase, fmt.Errorf("daemon unreachable: %w", err))
				}
				defer resp.Body.Close()
				var body map[string]any
				if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(body)

			case "set":
				if len(args) < 3 {
					return withCode(exitUsage, fmt.Errorf("usage: bypass set <level> [name] <on|off>"))
				}
				level := args[1]
				name := ""
				state := args[len(args)-1]
				if len(args) == 4 {
					name = args[2]
				}
				payload, _ := json.Marshal(map[string]any{
					"level":    level,
					"name":     name,
					"bypassed": state == "on",
				})
				resp, err := client.Post(base, "application/json", bytes.NewReader(payload))
				if err != nil {
					return withCode(exitDatabase, fmt.Errorf("daemon unreachable: %w", err))
				}
				defer resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					return withCode(exitRefused, fmt.Errorf("daemon refused: %s", resp.Status))
				}
				fmt.Println("Bypass updated.")
				return nil

			default:
				return withCode(exitUsage, fmt.Errorf("unknown bypass action %q", args[0]))
			}
		},
	}
	cmd.Flags().IntVar(&port, "port", 8040, "Daemon HTTP port")
	return cmd
}
