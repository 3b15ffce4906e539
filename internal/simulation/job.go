package simulation

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/nvandessel/cellsim/internal/dataset"
	"github.com/nvandessel/cellsim/internal/integrate"
	"github.com/nvandessel/cellsim/internal/sampling"
	"github.com/nvandessel/cellsim/internal/storage"
)

// samplerStream selects the PCG stream used for window draws and the single
// sampled observation, independent of the integrator's noise stream.
const samplerStream = 0x5a4d_91e5

// SimulationsDir is the key prefix of per-cell results.
const SimulationsDir = "simulations"

// ResultKey returns the storage key of a cell's result table.
func ResultKey(cellID int) string { return fmt.Sprintf("%s/E%d.csv", SimulationsDir, cellID) }

// SampleKey returns the storage key of a cell's sampled single observation.
func SampleKey(cellID int) string { return fmt.Sprintf("%s/E%d-cell.csv", SimulationsDir, cellID) }

// CellName is the identifier of a cell in aggregated outputs.
func CellName(cellID int) string { return fmt.Sprintf("E%d", cellID) }

// Outcome summarizes a finished cell.
type Outcome struct {
	CellID    int
	Key       string
	Columns   int
	Attempts  int
	Seed      uint64
	Indices   []int
	SampleKey string
	Duration  time.Duration
}

// Job simulates and persists one cell. It reads only from its Context.
type Job struct {
	sc     *Context
	cellID int
}

// NewJob returns the job for cellID.
func NewJob(sc *Context, cellID int) *Job { return &Job{sc: sc, cellID: cellID} }

// Run executes the job and writes its result object.
func (j *Job) Run(ctx context.Context) (Outcome, error) {
	start := time.Now()
	sc, id := j.sc, j.cellID

	acc, err := NewGuard(sc).Run(ctx, id)
	if err != nil {
		return Outcome{}, err
	}

	rng := rand.New(rand.NewPCG(uint64(id), samplerStream))
	steps := sc.Grid.Len()
	cols, err := sampling.Select(sc.Policy, id, steps, rng)
	if err != nil {
		return Outcome{}, fmt.Errorf("cell %d: %w", id, err)
	}

	out := Outcome{
		CellID:   id,
		Key:      ResultKey(id),
		Columns:  len(cols),
		Attempts: acc.Attempts,
		Seed:     acc.Seed,
		Indices:  make([]int, len(cols)),
	}
	for i, c := range cols {
		out.Indices[i] = c.Index
	}

	if err := j.put(ctx, out.Key, sc.table(acc.Trajectory, cols)); err != nil {
		return Outcome{}, err
	}
	if !sc.Policy.IsSingleTimepoint() {
		sc.Events.Log("snapshots", map[string]any{"cell": id, "indices": out.Indices})
	}

	if sc.Settings.SampleCells && sc.Policy.IsSingleTimepoint() {
		k := sampling.SampleIndex(steps, rng)
		col := sampling.Column{Label: sampling.Label(sc.Policy, id, k), Index: k}
		out.SampleKey = SampleKey(id)
		if err := j.put(ctx, out.SampleKey, sc.table(acc.Trajectory, []sampling.Column{col})); err != nil {
			return Outcome{}, err
		}
	}

	out.Duration = time.Since(start)
	sc.Events.Log("accepted", map[string]any{
		"cell":     id,
		"attempts": acc.Attempts,
		"seed":     acc.Seed,
		"columns":  out.Columns,
	})
	return out, nil
}

func (j *Job) put(ctx context.Context, key string, t *dataset.Table) error {
	var buf bytes.Buffer
	if err := t.WriteCSV(&buf); err != nil {
		return fmt.Errorf("cell %d: encode %s: %w", j.cellID, key, err)
	}
	if _, err := storage.PutBytes(ctx, j.sc.Store, key, buf.Bytes(), "text/csv"); err != nil {
		return fmt.Errorf("cell %d: store %s: %w", j.cellID, key, err)
	}
	return nil
}

// table extracts the output rows of traj at the selected columns.
func (sc *Context) table(traj *integrate.Trajectory, cols []sampling.Column) *dataset.Table {
	labels := make([]string, len(cols))
	for i, c := range cols {
		labels[i] = c.Label
	}
	t := dataset.New(sc.rowLabels, labels)
	for r, v := range sc.rowIndex {
		for c, col := range cols {
			t.Values[r][c] = traj.At(v, col.Index)
		}
	}
	return t
}
