package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nvandessel/cellsim/internal/config"
	"github.com/nvandessel/cellsim/internal/dataset"
	"github.com/nvandessel/cellsim/internal/experiment"
	"github.com/nvandessel/cellsim/internal/integrate"
	"github.com/nvandessel/cellsim/internal/ledger"
	"github.com/nvandessel/cellsim/internal/logging"
	"github.com/nvandessel/cellsim/internal/metrics"
	"github.com/nvandessel/cellsim/internal/model"
	"github.com/nvandessel/cellsim/internal/report"
	"github.com/nvandessel/cellsim/internal/storage"
	"github.com/spf13/cobra"
)

// Keys of the run-level outputs in the result store.
const (
	datasetKey = "ExpressionData.csv"
	arrowKey   = "ExpressionData.arrows"
)

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Simulate a synthetic single-cell dataset",
		Long: `Simulate num_cells cells and write the aggregated expression dataset.

Settings come from the config file and CELLSIM_* environment variables;
flags given here override both.

Outputs under --outprefix:
  simulations/E{id}.csv   per-cell results
  ExpressionData.csv      genes x columns dataset
  ClusterIds.csv          k-means labels (n_snapshots=0, n_clusters>1)
  cellsim.db              run ledger used by --resume

Examples:
  cellsim simulate --model toggle --num-cells 300 --parallel
  cellsim simulate --n-snapshots 10 --outprefix out/snap
  cellsim simulate --config run.yaml --resume`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			applySimulateFlags(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runSimulate(cmd, cfg)
		},
	}

	cmd.Flags().Int("num-cells", 0, "Number of cells to simulate")
	cmd.Flags().Float64("simulation-time", 0, "Simulated time span")
	cmd.Flags().Float64("step", 0, "Integration step size")
	cmd.Flags().Int("n-snapshots", 0, "Columns per cell drawn from windows (0 keeps every time point)")
	cmd.Flags().Int("n-clusters", 0, "k for k-means clustering of trajectories")
	cmd.Flags().Bool("parallel", false, "Run cells on a worker pool")
	cmd.Flags().Int("workers", 0, "Worker pool size (0 = one per CPU)")
	cmd.Flags().String("outprefix", "", "Output directory")
	cmd.Flags().String("model", "", "Registered model name")
	cmd.Flags().String("model-path", "", "YAML model specification overlay")
	cmd.Flags().String("ics", "", "Initial-condition table (CSV name,value)")
	cmd.Flags().Bool("sample-cells", false, "Also write one sampled column per cell")
	cmd.Flags().Bool("write-protein", false, "Include protein rows in per-cell results")
	cmd.Flags().Int("max-attempts", 0, "Degeneracy retries per cell (0 = unbounded)")
	cmd.Flags().Bool("resume", false, "Skip cells already completed for this configuration")
	cmd.Flags().String("storage", "", "Result storage driver: fs, s3")
	cmd.Flags().String("log-level", "", "Log level: info, debug, trace")
	cmd.Flags().Bool("arrow", false, "Also write ExpressionData.arrows (Arrow IPC stream)")
	cmd.Flags().Bool("plot", false, "Also write trajectories.png")
	cmd.Flags().Bool("metrics", false, "Also write metrics.prom")

	return cmd
}

// applySimulateFlags copies explicitly set flags over cfg.
func applySimulateFlags(cmd *cobra.Command, cfg *config.SimConfig) {
	f := cmd.Flags()
	if f.Changed("num-cells") {
		cfg.NumCells, _ = f.GetInt("num-cells")
	}
	if f.Changed("simulation-time") {
		cfg.SimulationTime, _ = f.GetFloat64("simulation-time")
	}
	if f.Changed("step") {
		cfg.IntegrationStepSize, _ = f.GetFloat64("step")
	}
	if f.Changed("n-snapshots") {
		cfg.NSnapshots, _ = f.GetInt("n-snapshots")
	}
	if f.Changed("n-clusters") {
		cfg.NClusters, _ = f.GetInt("n-clusters")
	}
	if f.Changed("parallel") {
		cfg.DoParallel, _ = f.GetBool("parallel")
	}
	if f.Changed("workers") {
		cfg.Workers, _ = f.GetInt("workers")
	}
	if f.Changed("outprefix") {
		cfg.OutPrefix, _ = f.GetString("outprefix")
	}
	if f.Changed("model") {
		cfg.Model, _ = f.GetString("model")
	}
	if f.Changed("model-path") {
		cfg.ModelPath, _ = f.GetString("model-path")
	}
	if f.Changed("ics") {
		cfg.ICsPath, _ = f.GetString("ics")
	}
	if f.Changed("sample-cells") {
		cfg.SampleCells, _ = f.GetBool("sample-cells")
	}
	if f.Changed("write-protein") {
		cfg.WriteProtein, _ = f.GetBool("write-protein")
	}
	if f.Changed("max-attempts") {
		cfg.MaxAttempts, _ = f.GetInt("max-attempts")
	}
	if f.Changed("resume") {
		cfg.Resume, _ = f.GetBool("resume")
	}
	if f.Changed("storage") {
		driver, _ := f.GetString("storage")
		cfg.Storage.Driver = storage.Driver(driver)
	}
	if f.Changed("log-level") {
		cfg.Logging.Level, _ = f.GetString("log-level")
	}
	if f.Changed("arrow") {
		cfg.Outputs.Arrow, _ = f.GetBool("arrow")
	}
	if f.Changed("plot") {
		cfg.Outputs.Plot, _ = f.GetBool("plot")
	}
	if f.Changed("metrics") {
		cfg.Outputs.Metrics, _ = f.GetBool("metrics")
	}
}

// resultIdentity is everything that determines per-cell results. Runs with
// equal identities may reuse each other's cells.
type resultIdentity struct {
	Spec           *model.Specification `json:"spec"`
	Overrides      map[string]float64   `json:"overrides"`
	SimulationTime float64              `json:"simulation_time"`
	StepSize       float64              `json:"integration_step_size"`
	NSnapshots     int                  `json:"n_snapshots"`
	SampleCells    bool                 `json:"sample_cells"`
	WriteProtein   bool                 `json:"write_protein"`
	MaxAttempts    int                  `json:"max_attempts"`
	SeedOffset     uint64               `json:"seed_offset"`
	Storage        storage.Config       `json:"storage"`
}

// simulateSummary is printed when the run finishes.
type simulateSummary struct {
	RunID    string   `json:"run_id"`
	Model    string   `json:"model"`
	Policy   string   `json:"policy"`
	Cells    int      `json:"cells"`
	Resumed  int      `json:"resumed"`
	Genes    int      `json:"genes"`
	Columns  int      `json:"columns"`
	Clusters int      `json:"clusters,omitempty"`
	Outputs  []string `json:"outputs"`
	Took     string   `json:"took"`
}

func runSimulate(cmd *cobra.Command, cfg *config.SimConfig) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	jsonOut, _ := cmd.Flags().GetBool("json")
	logger := logging.NewLogger(cfg.Logging.Level, cmd.ErrOrStderr())
	start := time.Now()

	if err := os.MkdirAll(cfg.OutPrefix, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	events := logging.NewEventLogger(cfg.OutPrefix, cfg.Logging.Level)
	defer events.Close()

	spec, rhs, err := model.Load(model.Builtins(), cfg.Model, cfg.ModelPath)
	if err != nil {
		return err
	}
	overrides, err := initialConditions(spec, cfg.ICsPath)
	if err != nil {
		return err
	}

	store, err := storage.Open(ctx, cfg.Storage, cfg.OutPrefix)
	if err != nil {
		return fmt.Errorf("failed to open result storage: %w", err)
	}

	sc, err := experiment.Setup(experiment.Plan{
		Spec:           spec,
		RHS:            rhs,
		SimulationTime: cfg.SimulationTime,
		StepSize:       cfg.IntegrationStepSize,
		NSnapshots:     cfg.NSnapshots,
		ErrorPolicy:    integrate.StrictPolicy(),
		Settings:       cfg.Settings(overrides),
		Store:          store,
	})
	if err != nil {
		return err
	}
	sc = sc.WithObservers(logger, events)

	led, err := ledger.Open(ctx, cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer led.Close()

	hash, err := ledger.HashConfig(resultIdentity{
		Spec:           spec,
		Overrides:      overrides,
		SimulationTime: cfg.SimulationTime,
		StepSize:       cfg.IntegrationStepSize,
		NSnapshots:     cfg.NSnapshots,
		SampleCells:    cfg.SampleCells,
		WriteProtein:   cfg.WriteProtein,
		MaxAttempts:    cfg.MaxAttempts,
		SeedOffset:     cfg.SeedOffset,
		Storage:        cfg.Storage,
	})
	if err != nil {
		return err
	}

	opts := experiment.Options{
		NumCells:    cfg.NumCells,
		Parallel:    cfg.DoParallel,
		Workers:     cfg.Workers,
		NClusters:   cfg.NClusters,
		ClusterSeed: cfg.ClusterSeed,
	}
	if cfg.Resume {
		opts.Completed, err = led.CompletedCells(ctx, hash)
		if err != nil {
			return err
		}
	}

	run, err := led.StartRun(ctx, ledger.Run{
		ConfigHash: hash,
		Model:      spec.Name,
		Policy:     sc.Policy.String(),
		NumCells:   cfg.NumCells,
		OutPrefix:  cfg.OutPrefix,
	})
	if err != nil {
		return err
	}
	logger.Debug("run started", "run", run.ID, "config_hash", hash)

	recorder := led.NewRecorder(run.ID, logger)
	observers := []experiment.Observer{recorder}
	var collector *metrics.Collector
	if cfg.Outputs.Metrics {
		collector = metrics.New(spec.Name)
		observers = append(observers, collector)
	}

	res, runErr := experiment.NewRunner(sc, opts, logger, observers...).Run(ctx)
	var outputs []string
	if runErr == nil {
		outputs, runErr = writeOutputs(ctx, cfg, store, sc.Grid.Points(), res, collector)
	}
	finishRun(led, run.ID, runErr, logger)
	if runErr != nil {
		return runErr
	}
	if err := recorder.Err(); err != nil {
		logger.Warn("run ledger is incomplete; --resume may redo finished cells", "error", err)
	}

	summary := simulateSummary{
		RunID:   run.ID,
		Model:   spec.Name,
		Policy:  sc.Policy.String(),
		Cells:   cfg.NumCells,
		Resumed: len(res.Resumed),
		Outputs: outputs,
		Took:    time.Since(start).Round(time.Millisecond).String(),
	}
	summary.Genes, summary.Columns = res.Dataset.Dims()
	if res.Clusters != nil {
		summary.Clusters = res.Clusters.K
	}

	if jsonOut {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(summary)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s complete: %d cells (%d resumed), %d genes x %d columns, policy %s\n",
		summary.RunID, summary.Cells, summary.Resumed, summary.Genes, summary.Columns, summary.Policy)
	if summary.Clusters > 0 {
		fmt.Fprintf(out, "Clustered into %d groups\n", summary.Clusters)
	}
	for _, o := range outputs {
		fmt.Fprintf(out, "  %s\n", o)
	}
	return nil
}

// initialConditions merges the model's inline overrides with the optional
// table at path; the table wins on conflicts.
func initialConditions(spec *model.Specification, path string) (map[string]float64, error) {
	if len(spec.InitialConditions) == 0 && path == "" {
		return nil, nil
	}
	out := make(map[string]float64, len(spec.InitialConditions))
	for k, v := range spec.InitialConditions {
		out[k] = v
	}
	if path != "" {
		ics, err := model.LoadInitialConditions(path)
		if err != nil {
			return nil, err
		}
		for k, v := range ics {
			out[k] = v
		}
	}
	return out, nil
}

// writeOutputs stores the dataset and the optional artifacts, returning
// their locations.
func writeOutputs(ctx context.Context, cfg *config.SimConfig, store storage.Store, times []float64,
	res *experiment.Result, collector *metrics.Collector) ([]string, error) {
	var outputs []string

	var buf bytes.Buffer
	if err := res.Dataset.WriteCSV(&buf); err != nil {
		return nil, fmt.Errorf("encode dataset: %w", err)
	}
	if _, err := storage.PutBytes(ctx, store, datasetKey, buf.Bytes(), "text/csv"); err != nil {
		return nil, fmt.Errorf("store dataset: %w", err)
	}
	outputs = append(outputs, datasetKey)
	if res.Clusters != nil {
		outputs = append(outputs, experiment.ClusterKey)
	}

	// Optional artifacts left by an earlier run into the same outprefix would
	// describe a different dataset.
	stale := map[string]bool{arrowKey: !cfg.Outputs.Arrow, report.File: !cfg.Outputs.Plot}
	for key, drop := range stale {
		if !drop {
			continue
		}
		if _, err := store.Delete(ctx, key); err != nil {
			return nil, fmt.Errorf("remove stale %s: %w", key, err)
		}
	}

	if cfg.Outputs.Arrow {
		buf.Reset()
		if err := dataset.WriteArrow(&buf, res.Dataset); err != nil {
			return nil, err
		}
		if _, err := storage.PutBytes(ctx, store, arrowKey, buf.Bytes(), "application/vnd.apache.arrow.stream"); err != nil {
			return nil, fmt.Errorf("store arrow dataset: %w", err)
		}
		outputs = append(outputs, arrowKey)
	}

	if cfg.Outputs.Plot {
		series, err := report.MeanSeries(res.Dataset, times)
		if err != nil {
			return nil, fmt.Errorf("plot: %w", err)
		}
		buf.Reset()
		if err := report.WritePNG(&buf, series, cfg.Model); err != nil {
			return nil, err
		}
		if _, err := storage.PutBytes(ctx, store, report.File, buf.Bytes(), "image/png"); err != nil {
			return nil, fmt.Errorf("store plot: %w", err)
		}
		outputs = append(outputs, report.File)
	}

	if collector != nil {
		collector.ObservePhase("simulate", res.Timings.Simulate)
		collector.ObservePhase("aggregate", res.Timings.Aggregate)
		collector.ObservePhase("cluster", res.Timings.Cluster)
		path, err := collector.WriteFile(cfg.OutPrefix)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, path)
	}
	return outputs, nil
}

func finishRun(led *ledger.Ledger, runID string, runErr error, logger *slog.Logger) {
	status := ledger.StatusComplete
	switch {
	case errors.Is(runErr, context.Canceled):
		status = ledger.StatusCancelled
	case runErr != nil:
		status = ledger.StatusFailed
	}
	if err := led.FinishRun(context.Background(), runID, status, runErr); err != nil {
		logger.Warn("failed to finish run in ledger", "run", runID, "error", err)
	}
}
