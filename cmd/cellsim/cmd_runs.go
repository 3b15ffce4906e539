package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nvandessel/cellsim/internal/ledger"
	"github.com/spf13/cobra"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "Show run history from the ledger",
		Long: `List past runs recorded under the output prefix, newest first.

With a run id, show that run's per-cell outcomes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			limit, _ := cmd.Flags().GetInt("limit")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("outprefix") {
				cfg.OutPrefix, _ = cmd.Flags().GetString("outprefix")
			}
			if _, err := os.Stat(cfg.DatabasePath()); os.IsNotExist(err) {
				return fmt.Errorf("no ledger at %s (run cellsim simulate first)", cfg.DatabasePath())
			}

			led, err := ledger.Open(cmd.Context(), cfg.DatabasePath())
			if err != nil {
				return err
			}
			defer led.Close()

			if len(args) == 1 {
				return showRun(cmd, led, args[0], jsonOut)
			}

			runs, err := led.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(runs)
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			for _, r := range runs {
				fmt.Fprintf(out, "%s  %-9s  %-8s  %5d cells  %-16s  %s\n",
					r.ID, r.Status, r.Model, r.NumCells, r.Policy, r.StartedAt.Local().Format(time.DateTime))
				if r.Error != "" {
					fmt.Fprintf(out, "    error: %s\n", r.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().Int("limit", 20, "Maximum runs to list (0 = all)")
	cmd.Flags().String("outprefix", "", "Output directory holding cellsim.db")
	return cmd
}

func showRun(cmd *cobra.Command, led *ledger.Ledger, id string, jsonOut bool) error {
	run, err := led.GetRun(cmd.Context(), id)
	if err != nil {
		return err
	}
	cells, err := led.Cells(cmd.Context(), id)
	if err != nil {
		return err
	}

	if jsonOut {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
			"run":   run,
			"cells": cells,
		})
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s (%s)\n", run.ID, run.Status)
	fmt.Fprintf(out, "  model: %s  policy: %s  cells: %d  config: %.12s\n", run.Model, run.Policy, run.NumCells, run.ConfigHash)
	if run.Error != "" {
		fmt.Fprintf(out, "  error: %s\n", run.Error)
	}
	for _, c := range cells {
		if c.Status == ledger.StatusFailed {
			fmt.Fprintf(out, "  E%-5d failed: %s\n", c.CellID, c.Error)
			continue
		}
		fmt.Fprintf(out, "  E%-5d attempts=%d seed=%d columns=%d %s\n",
			c.CellID, c.Attempts, c.Seed, c.Columns, c.Duration.Round(time.Millisecond))
	}
	return nil
}
