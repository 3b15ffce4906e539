// Package sampling decides which time indices of a trajectory are emitted as
// a cell's output columns.
package sampling

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// Kind tags the active sampling policy.
type Kind int

const (
	// KindSingleTimepoint emits every time index except 0.
	KindSingleTimepoint Kind = iota
	// KindSnapshots emits one random index per evenly spaced window.
	KindSnapshots
)

// ErrPolicy is wrapped by invalid policy or window requests.
var ErrPolicy = errors.New("invalid sampling policy")

// Policy is the sampling mode of a run. The zero value is SingleTimepoint.
type Policy struct {
	kind Kind
	n    int
}

// SingleTimepoint returns the policy that emits time indices 1..T-1.
func SingleTimepoint() Policy { return Policy{kind: KindSingleTimepoint} }

// Snapshots returns the policy that emits exactly n windowed snapshots.
func Snapshots(n int) (Policy, error) {
	if n < 1 {
		return Policy{}, fmt.Errorf("%w: snapshot count must be >= 1, got %d", ErrPolicy, n)
	}
	return Policy{kind: KindSnapshots, n: n}, nil
}

// FromSnapshotCount maps the n_snapshots setting to a policy: 0 selects
// SingleTimepoint, anything positive selects Snapshots(n).
func FromSnapshotCount(n int) (Policy, error) {
	switch {
	case n < 0:
		return Policy{}, fmt.Errorf("%w: n_snapshots must be >= 0, got %d", ErrPolicy, n)
	case n == 0:
		return SingleTimepoint(), nil
	default:
		return Snapshots(n)
	}
}

// Kind returns the policy tag.
func (p Policy) Kind() Kind { return p.kind }

// N returns the snapshot count (0 for SingleTimepoint).
func (p Policy) N() int { return p.n }

// IsSingleTimepoint reports whether p emits every timepoint.
func (p Policy) IsSingleTimepoint() bool { return p.kind == KindSingleTimepoint }

func (p Policy) String() string {
	if p.kind == KindSnapshots {
		return fmt.Sprintf("snapshots(%d)", p.n)
	}
	return "single-timepoint"
}

// ColumnCount returns how many columns a cell emits on a grid of length steps.
func (p Policy) ColumnCount(steps int) int {
	if p.kind == KindSnapshots {
		return p.n
	}
	return steps - 1
}

// Check verifies the policy can be applied to a grid of length steps.
func (p Policy) Check(steps int) error {
	if steps < 2 {
		return fmt.Errorf("%w: grid of %d points is too short", ErrPolicy, steps)
	}
	if p.kind == KindSnapshots && steps < p.n+1 {
		return fmt.Errorf("%w: %d snapshots need at least %d time points, have %d", ErrPolicy, p.n, p.n+1, steps)
	}
	return nil
}

// Window is a half-open range [Lo, Hi) of time indices.
type Window struct {
	Lo, Hi int
}

// Windows partitions [0, steps-1] into n contiguous windows whose n+1
// boundaries are evenly spaced and rounded half-to-even. Window i is
// [b[i], b[i+1]); consecutive windows share a boundary.
func Windows(steps, n int) ([]Window, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: snapshot count must be >= 1, got %d", ErrPolicy, n)
	}
	if steps < n+1 {
		return nil, fmt.Errorf("%w: %d snapshots need at least %d time points, have %d", ErrPolicy, n, n+1, steps)
	}

	last := steps - 1
	width := float64(last) / float64(n)
	bounds := make([]int, n+1)
	for i := 0; i < n; i++ {
		bounds[i] = int(math.RoundToEven(float64(i) * width))
	}
	bounds[n] = last

	out := make([]Window, n)
	for i := 0; i < n; i++ {
		out[i] = Window{Lo: bounds[i], Hi: bounds[i+1]}
	}
	return out, nil
}

// Column is one emitted output column.
type Column struct {
	Label string
	Index int
}

// Label returns the column label for a cell and a time index (SingleTimepoint)
// or snapshot ordinal (Snapshots).
func Label(p Policy, cellID, i int) string {
	if p.kind == KindSnapshots {
		return fmt.Sprintf("E%d_t%d", cellID, i)
	}
	return fmt.Sprintf("E%d_%d", cellID, i)
}

// Select returns the columns a cell emits. Snapshot draws come from rng, which
// should be the cell's own random source; SingleTimepoint ignores it.
func Select(p Policy, cellID, steps int, rng *rand.Rand) ([]Column, error) {
	if err := p.Check(steps); err != nil {
		return nil, err
	}

	if p.kind == KindSingleTimepoint {
		cols := make([]Column, 0, steps-1)
		for k := 1; k < steps; k++ {
			cols = append(cols, Column{Label: Label(p, cellID, k), Index: k})
		}
		return cols, nil
	}

	windows, err := Windows(steps, p.n)
	if err != nil {
		return nil, err
	}
	cols := make([]Column, len(windows))
	for i, w := range windows {
		cols[i] = Column{Label: Label(p, cellID, i), Index: w.Lo + rng.IntN(w.Hi-w.Lo)}
	}
	return cols, nil
}

// SampleIndex draws one time index uniformly from [0, steps) for the
// single-observation sample file.
func SampleIndex(steps int, rng *rand.Rand) int {
	return rng.IntN(steps)
}
