package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nvandessel/cellsim/internal/config"
	"github.com/spf13/cobra"
)

// Set via ldflags at build time.
var (
	version = "0.1.0-dev"
	commit  = "none"
	date    = "unknown"
)

// exitCancelled is the conventional exit code after SIGINT.
const exitCancelled = 130

func main() {
	ctx, stop := signalContext()
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line and maps the outcome to an exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, err)
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return exitCancelled
		}
		return 1
	}
	if ctx.Err() != nil {
		return exitCancelled
	}
	return 0
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cellsim",
		Short: "Synthetic single-cell expression simulator",
		Long: `cellsim simulates single-cell gene expression from a stochastic ODE model
of a gene-regulatory network.

Each cell is integrated independently, rejected and re-seeded while its
trajectory stays degenerate, sampled, and written to storage. The per-cell
results are then joined into one expression dataset and optionally
clustered with k-means.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ./"+config.DefaultFile+" if present)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newSimulateCmd(),
		newModelsCmd(),
		newRunsCmd(),
		newConfigCmd(),
	)
	return rootCmd
}

// loadConfig reads the file named by --config, then environment overrides.
func loadConfig(cmd *cobra.Command) (*config.SimConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
