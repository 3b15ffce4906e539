// Package integrate provides the time grid, trajectory storage, and the
// stochastic ODE integrator used to simulate one cell.
package integrate

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrGrid is wrapped by invalid time-grid requests.
var ErrGrid = errors.New("invalid time grid")

// TimeGrid is a strictly increasing sequence of non-negative times shared
// read-only by every cell of a run.
type TimeGrid struct {
	points []float64
}

// NewTimeGrid returns int(tmax/step) evenly spaced points spanning [0, tmax],
// endpoints included.
func NewTimeGrid(tmax, step float64) (TimeGrid, error) {
	if tmax <= 0 || step <= 0 {
		return TimeGrid{}, fmt.Errorf("%w: simulation time %g and step %g must be positive", ErrGrid, tmax, step)
	}
	n := int(tmax / step)
	if n < 2 {
		return TimeGrid{}, fmt.Errorf("%w: %g/%g yields %d points, need at least 2", ErrGrid, tmax, step, n)
	}
	pts := make([]float64, n)
	floats.Span(pts, 0, tmax)
	pts[n-1] = tmax
	return gridFromPoints(pts)
}

// gridFromPoints builds a grid from explicit times, checking the invariants.
func gridFromPoints(points []float64) (TimeGrid, error) {
	if len(points) < 2 {
		return TimeGrid{}, fmt.Errorf("%w: need at least 2 points", ErrGrid)
	}
	if points[0] < 0 {
		return TimeGrid{}, fmt.Errorf("%w: negative start time %g", ErrGrid, points[0])
	}
	for i := 1; i < len(points); i++ {
		if points[i] <= points[i-1] {
			return TimeGrid{}, fmt.Errorf("%w: not strictly increasing at index %d", ErrGrid, i)
		}
	}
	return TimeGrid{points: append([]float64(nil), points...)}, nil
}

// Len returns the number of time points.
func (g TimeGrid) Len() int { return len(g.points) }

// At returns the i-th time.
func (g TimeGrid) At(i int) float64 { return g.points[i] }

// Points returns a copy of the times.
func (g TimeGrid) Points() []float64 { return append([]float64(nil), g.points...) }

// Trajectory is the solution for one cell: one row per variable, one column
// per time point.
type Trajectory struct {
	m *mat.Dense
}

func newTrajectory(vars, steps int) *Trajectory {
	return &Trajectory{m: mat.NewDense(vars, steps, nil)}
}

// Dims returns (variables, time points).
func (t *Trajectory) Dims() (vars, steps int) {
	if t.m.IsEmpty() {
		return 0, 0
	}
	return t.m.Dims()
}

// At returns the level of variable v at time index k.
func (t *Trajectory) At(v, k int) float64 { return t.m.At(v, k) }

// Row returns the time series of variable v. The slice aliases the trajectory.
func (t *Trajectory) Row(v int) []float64 { return t.m.RawRowView(v) }

// MaxOver returns the largest level reached by any of rows across all time points.
func (t *Trajectory) MaxOver(rows []int) float64 {
	max := 0.0
	for i, r := range rows {
		m := floats.Max(t.m.RawRowView(r))
		if i == 0 || m > max {
			max = m
		}
	}
	return max
}

