// Package main is the entry point for the webherd CLI
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/webherd/internal/config"
)

var cfg *config.Config

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "webherd",
		Short: "Orchestrate long-running web-browsing agent tasks",
		Long: `Webherd runs web-browsing agent tasks on a bounded worker pool behind a
non-blocking HTTP submission surface. Tasks report progress to a callback
endpoint, mirror every step into a SQLite ledger and can be cancelled
cooperatively at step boundaries.`,
		Version: "0.1.0",
	}

	rootCmd.AddCommand(
		serveCmd(),
		runCmd(),
		statusCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
