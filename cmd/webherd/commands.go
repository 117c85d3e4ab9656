package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/webherd/internal/agent"
	"github.com/cloud-shuttle/webherd/internal/events"
	"github.com/cloud-shuttle/webherd/internal/ledger"
	"github.com/cloud-shuttle/webherd/internal/notify"
	"github.com/cloud-shuttle/webherd/internal/registry"
	"github.com/cloud-shuttle/webherd/internal/runner"
	"github.com/cloud-shuttle/webherd/internal/server"
	"github.com/cloud-shuttle/webherd/internal/workflows"
	"github.com/cloud-shuttle/webherd/pkg/types"
)

// openLedger opens the configured ledger store, or returns nil when
// durable mirroring is disabled
func openLedger(path string) (*ledger.Store, error) {
	if path == "" {
		return nil, nil
	}
	store, err := ledger.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		return nil, fmt.Errorf("initializing ledger schema: %w", err)
	}
	return store, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webherd HTTP server",
		Long: `Start the webherd HTTP server.

Accepts task submissions on POST /start, exposes status and cancellation
endpoints, serves the ledger browsing API and streams live status updates
over websockets. Tasks run on a fixed pool of workers; submissions beyond
the queue capacity are rejected rather than buffered without bound.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openLedger(cfg.LedgerPath)
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
			}

			engine, err := agent.NewEngine(cfg.EngineType)
			if err != nil {
				return fmt.Errorf("creating engine: %w", err)
			}

			reg := registry.New()
			bus := events.NewBus()
			defer bus.Close()

			run := runner.New(reg, ledger.NewTolerant(store), notify.NewWithTimeout(cfg.CallbackTimeout), bus, engine, runner.Options{
				Workers:         cfg.Workers,
				QueueSize:       cfg.QueueSize,
				DefaultMaxSteps: cfg.DefaultMaxSteps,
				ResultsDir:      cfg.ResultsDir,
				StepTimeout:     cfg.StepTimeout,
				Verbose:         cfg.Verbose,
			})

			srv := server.New(cfg.ListenAddr, reg, run, store, workflows.NewRegistry(), bus)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				fmt.Printf("\nReceived %s, shutting down...\n", sig)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			if err := srv.Shutdown(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Server shutdown: %v\n", err)
			}
			if err := run.Stop(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Worker pool shutdown: %v\n", err)
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var (
		url      string
		goal     string
		steps    int
		callback string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single task in the foreground with the scripted engine",
		Long: `Run a single task in the foreground with the scripted engine.

Exercises the full orchestration path (worker pool, ledger, callback,
artifact directory) without starting the HTTP server, then prints the
recorded steps.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openLedger(cfg.LedgerPath)
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
			}

			reg := registry.New()
			run := runner.New(reg, ledger.NewTolerant(store), notify.NewWithTimeout(cfg.CallbackTimeout), nil, agent.DemoEngine(), runner.Options{
				Workers:    1,
				ResultsDir: cfg.ResultsDir,
				Verbose:    cfg.Verbose,
			})

			taskID, err := run.Submit(types.TaskConfig{
				StartURL:    url,
				GoalText:    goal,
				CallbackURL: callback,
				Headless:    true,
				MaxSteps:    steps,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Task %s started\n", taskID)

			lastStep := -1
			for {
				rec, err := reg.Get(taskID)
				if err != nil {
					return err
				}
				if rec.Step != lastStep {
					fmt.Printf("  step %d/%d (%s)\n", rec.Step, rec.TotalSteps, rec.Status)
					lastStep = rec.Step
				}
				if rec.Status.Terminal() {
					fmt.Printf("Task %s finished: %s\n", taskID, rec.Status)
					if rec.Error != "" {
						fmt.Printf("  error: %s\n", rec.Error)
					}
					break
				}
				time.Sleep(50 * time.Millisecond)
			}

			if store != nil {
				recorded, err := store.GetSteps(taskID)
				if err != nil {
					return fmt.Errorf("reading recorded steps: %w", err)
				}
				fmt.Printf("\nLedger (%d steps):\n", len(recorded))
				for _, step := range recorded {
					fmt.Printf("  [%d] %s: %s\n", step.Index, step.Title, step.OutputSummary)
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return run.Stop(ctx)
		},
	}

	cmd.Flags().StringVar(&url, "url", "https://example.com", "Start URL for the task")
	cmd.Flags().StringVar(&goal, "goal", "Demonstrate the orchestration loop", "Goal text for the agent")
	cmd.Flags().IntVar(&steps, "steps", 10, "Maximum number of steps")
	cmd.Flags().StringVar(&callback, "callback", "", "Optional callback URL for status updates")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show recorded runs from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.LedgerPath == "" {
				return fmt.Errorf("no ledger configured (set WEBHERD_LEDGER_PATH or webherd.toml)")
			}
			if _, err := os.Stat(cfg.LedgerPath); err != nil {
				return fmt.Errorf("ledger not found at %s", cfg.LedgerPath)
			}

			store, err := ledger.Open(cfg.LedgerPath)
			if err != nil {
				return fmt.Errorf("opening ledger: %w", err)
			}
			defer store.Close()

			runs, err := store.ListRuns()
			if err != nil {
				return fmt.Errorf("listing runs: %w", err)
			}

			if len(runs) == 0 {
				fmt.Println("No runs recorded")
				return nil
			}

			fmt.Printf("%-16s  %-10s  %-16s  %s\n", "RUN", "STATUS", "CAPSULE", "GOAL")
			for _, r := range runs {
				goal := r.Goal
				if len(goal) > 40 {
					goal = goal[:40] + "..."
				}
				fmt.Printf("%-16s  %-10s  %-16s  %s\n", r.ID, r.Status, r.CapsuleID, goal)
			}
			return nil
		},
	}
}
