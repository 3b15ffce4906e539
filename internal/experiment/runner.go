// Package experiment orchestrates a run: it fans cell jobs out over a worker
// pool, waits for all of them, aggregates the per-cell results into one
// dataset and optionally clusters the trajectories.
package experiment

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/nvandessel/cellsim/internal/cluster"
	"github.com/nvandessel/cellsim/internal/dataset"
	"github.com/nvandessel/cellsim/internal/model"
	"github.com/nvandessel/cellsim/internal/simulation"
	"github.com/nvandessel/cellsim/internal/storage"
)

// ClusterKey is the storage key of the cluster assignment table.
const ClusterKey = "ClusterIds.csv"

// Stage is a step of the run state machine.
type Stage int

const (
	StageSetup Stage = iota
	StageDispatch
	StageAwait
	StageAggregate
	StageCluster
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageSetup:
		return "setup"
	case StageDispatch:
		return "dispatch"
	case StageAwait:
		return "await"
	case StageAggregate:
		return "aggregate"
	case StageCluster:
		return "cluster"
	case StageDone:
		return "done"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Options control fan-out and post-processing.
type Options struct {
	NumCells int
	Parallel bool

	// Workers is the pool size when Parallel is set; 0 uses runtime.NumCPU().
	Workers int

	// NClusters > 1 clusters trajectories under the single-timepoint policy.
	NClusters   int
	ClusterSeed uint64

	// Completed lists cells finished by an earlier run of the same
	// configuration. They are skipped if their result object still exists.
	Completed map[int]bool
}

// Observer is told about every cell that finishes, successfully or not.
// Calls come from one goroutine at a time.
type Observer interface {
	CellDone(cellID int, out simulation.Outcome, err error)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(cellID int, out simulation.Outcome, err error)

func (f ObserverFunc) CellDone(cellID int, out simulation.Outcome, err error) { f(cellID, out, err) }

// Timings records wall time per phase.
type Timings struct {
	Simulate  time.Duration
	Aggregate time.Duration
	Cluster   time.Duration
}

// Result is what a finished run hands back.
type Result struct {
	Dataset  *dataset.Table
	Clusters *cluster.Assignment // nil unless clustering ran
	Outcomes []simulation.Outcome
	Resumed  []int
	Timings  Timings
}

// Runner drives one run.
type Runner struct {
	sc        *simulation.Context
	opts      Options
	logger    *slog.Logger
	observers []Observer
	stage     Stage
}

// NewRunner returns a runner for sc.
func NewRunner(sc *simulation.Context, opts Options, logger *slog.Logger, observers ...Observer) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{sc: sc, opts: opts, logger: logger, observers: observers}
}

// Stage returns the last stage the runner entered. Read it after Run returns.
func (r *Runner) Stage() Stage { return r.stage }

func (r *Runner) enter(s Stage) {
	r.stage = s
	r.logger.Debug("stage", "stage", s.String())
}

// Run executes Setup, Dispatch, Await, Aggregate, the optional Cluster step,
// and returns the dataset. Any cell failure aborts the run with that error.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	r.enter(StageSetup)
	if r.opts.NumCells < 1 {
		return nil, fmt.Errorf("num_cells must be >= 1, got %d", r.opts.NumCells)
	}
	if r.opts.NClusters < 1 {
		return nil, fmt.Errorf("n_clusters must be >= 1, got %d", r.opts.NClusters)
	}
	pending, resumed, err := r.plan(ctx)
	if err != nil {
		return nil, err
	}
	workers := 1
	if r.opts.Parallel {
		workers = r.opts.Workers
		if workers <= 0 {
			workers = runtime.NumCPU()
		}
	}
	r.logger.Info("starting simulations",
		"cells", r.opts.NumCells, "policy", r.sc.Policy.String(), "parallel", r.opts.Parallel,
		"workers", workers, "resumed", len(resumed))

	res := &Result{Resumed: resumed}
	start := time.Now()
	r.enter(StageDispatch)
	err = dispatch(ctx, workers, pending, r.runCell, func(cr cellResult) {
		for _, o := range r.observers {
			o.CellDone(cr.cellID, cr.out, cr.err)
		}
		if cr.err != nil {
			r.logger.Error("cell failed", "cell", cr.cellID, "error", cr.err)
			return
		}
		res.Outcomes = append(res.Outcomes, cr.out)
		r.logger.Info("cell complete", "cell", cr.cellID, "attempts", cr.out.Attempts, "duration", cr.out.Duration)
		if cr.out.Attempts > 1 {
			r.logger.Debug("cell needed retries", "cell", cr.cellID, "tries", cr.out.Attempts)
		}
	})
	r.enter(StageAwait)
	if err != nil {
		return nil, err
	}
	sort.Slice(res.Outcomes, func(i, j int) bool { return res.Outcomes[i].CellID < res.Outcomes[j].CellID })
	res.Timings.Simulate = time.Since(start)
	r.logger.Info("simulations finished", "took", res.Timings.Simulate)

	r.enter(StageAggregate)
	start = time.Now()
	table, samples, err := r.aggregate(ctx)
	if err != nil {
		return nil, err
	}
	res.Dataset = table
	res.Timings.Aggregate = time.Since(start)
	r.logger.Info("concatenated results", "cells", r.opts.NumCells, "columns", len(table.Columns), "took", res.Timings.Aggregate)

	if r.opts.NClusters > 1 && r.sc.Policy.IsSingleTimepoint() {
		r.enter(StageCluster)
		start = time.Now()
		a, err := r.cluster(ctx, samples)
		if err != nil {
			return nil, err
		}
		res.Clusters = a
		res.Timings.Cluster = time.Since(start)
		r.logger.Info("clustered trajectories", "k", r.opts.NClusters, "inertia", a.Inertia, "took", res.Timings.Cluster)
	} else {
		r.logger.Info("skipping k-means", "n_clusters", r.opts.NClusters, "policy", r.sc.Policy.String())
		removed, err := r.sc.Store.Delete(ctx, ClusterKey)
		if err != nil {
			return nil, fmt.Errorf("remove stale %s: %w", ClusterKey, err)
		}
		if removed {
			r.logger.Info("removed stale cluster assignment", "key", ClusterKey)
		}
	}

	r.enter(StageDone)
	return res, nil
}

// plan splits cell ids into those to simulate and those resumed from storage.
func (r *Runner) plan(ctx context.Context) (pending, resumed []int, err error) {
	stored := make(map[string]bool)
	if len(r.opts.Completed) > 0 {
		infos, err := r.sc.Store.List(ctx, simulation.SimulationsDir+"/")
		if err != nil {
			return nil, nil, fmt.Errorf("list stored results: %w", err)
		}
		for _, info := range infos {
			stored[info.Key] = true
		}
	}
	for id := 0; id < r.opts.NumCells; id++ {
		if r.opts.Completed[id] && stored[simulation.ResultKey(id)] {
			resumed = append(resumed, id)
			continue
		}
		pending = append(pending, id)
	}
	return pending, resumed, nil
}

func (r *Runner) runCell(ctx context.Context, cellID int) (simulation.Outcome, error) {
	return simulation.NewJob(r.sc, cellID).Run(ctx)
}

// aggregate reads every cell's result back from storage in cell order, sorts
// its rows, and joins the tables column-wise. Under the single-timepoint
// policy it also returns each cell's raveled trajectory for clustering.
func (r *Runner) aggregate(ctx context.Context) (*dataset.Table, []cluster.Sample, error) {
	frames := make([]*dataset.Table, 0, r.opts.NumCells)
	var samples []cluster.Sample
	for id := 0; id < r.opts.NumCells; id++ {
		key := simulation.ResultKey(id)
		b, err := storage.ReadAll(ctx, r.sc.Store, key)
		if err != nil {
			return nil, nil, &AggregationError{CellID: id, Key: key, Err: err}
		}
		t, err := dataset.ReadCSV(bytes.NewReader(b))
		if err != nil {
			return nil, nil, &AggregationError{CellID: id, Key: key, Err: err}
		}
		t = t.SortRows()
		if r.sc.Policy.IsSingleTimepoint() {
			samples = append(samples, cluster.Sample{ID: simulation.CellName(id), Vector: t.Ravel()})
		}
		frames = append(frames, t)
	}

	out, err := dataset.Concat(frames...)
	if err != nil {
		return nil, nil, &AggregationError{CellID: -1, Err: err}
	}
	out.TrimRowPrefix(model.TranscriptPrefix)
	return out, samples, nil
}

func (r *Runner) cluster(ctx context.Context, samples []cluster.Sample) (*cluster.Assignment, error) {
	a, err := cluster.Assign(samples, r.opts.NClusters, cluster.Options{Seed: r.opts.ClusterSeed})
	if err != nil {
		return nil, fmt.Errorf("cluster: %w", err)
	}
	var buf bytes.Buffer
	if err := a.WriteCSV(&buf); err != nil {
		return nil, fmt.Errorf("cluster: encode: %w", err)
	}
	if _, err := storage.PutBytes(ctx, r.sc.Store, ClusterKey, buf.Bytes(), "text/csv"); err != nil {
		return nil, fmt.Errorf("cluster: store: %w", err)
	}
	return a, nil
}
