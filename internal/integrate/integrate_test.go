package integrate

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// trajectoryFromRows builds a trajectory from row-major data, one slice per variable.
func trajectoryFromRows(rows [][]float64) *Trajectory {
	if len(rows) == 0 {
		return &Trajectory{m: &mat.Dense{}}
	}
	t := newTrajectory(len(rows), len(rows[0]))
	for i, r := range rows {
		t.m.SetRow(i, r)
	}
	return t
}

// decay is dy/dt = -rate*y with constant diffusion amplitude.
type decay struct {
	rate, sigma float64
}

func (d decay) Derivative(_ float64, y, _, dydt []float64) {
	for i := range y {
		dydt[i] = -d.rate * y[i]
	}
}

func (d decay) Diffusion(_ float64, _, _, g []float64) {
	for i := range g {
		g[i] = d.sigma
	}
}

// blowup returns NaN once the state passes a limit.
type blowup struct{ limit float64 }

func (b blowup) Derivative(_ float64, y, _, dydt []float64) {
	for i := range y {
		if y[i] > b.limit {
			dydt[i] = math.NaN()
			continue
		}
		dydt[i] = y[i] * 50
	}
}

func TestNewTimeGrid(t *testing.T) {
	tests := []struct {
		name    string
		tmax    float64
		step    float64
		wantLen int
		wantErr bool
	}{
		{"regular", 10, 0.1, 100, false},
		{"small", 1, 0.5, 2, false},
		{"single point", 1, 1, 0, true},
		{"zero time", 0, 0.1, 0, true},
		{"negative step", 1, -0.1, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewTimeGrid(tt.tmax, tt.step)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewTimeGrid error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrGrid) {
					t.Errorf("error should wrap ErrGrid: %v", err)
				}
				return
			}
			if g.Len() != tt.wantLen {
				t.Errorf("Len() = %d, want %d", g.Len(), tt.wantLen)
			}
			if g.At(0) != 0 || g.At(g.Len()-1) != tt.tmax {
				t.Errorf("grid spans [%v, %v], want [0, %v]", g.At(0), g.At(g.Len()-1), tt.tmax)
			}
			for i := 1; i < g.Len(); i++ {
				if g.At(i) <= g.At(i-1) {
					t.Fatalf("grid not strictly increasing at %d", i)
				}
			}
		})
	}
}

func TestGridFromExplicitPoints(t *testing.T) {
	if _, err := gridFromPoints([]float64{0, 1, 1}); err == nil {
		t.Error("expected error for repeated point")
	}
	if _, err := gridFromPoints([]float64{-1, 0}); err == nil {
		t.Error("expected error for negative start")
	}
	g, err := gridFromPoints([]float64{0, 0.5, 2})
	if err != nil {
		t.Fatalf("gridFromPoints: %v", err)
	}
	pts := g.Points()
	pts[0] = 42
	if g.At(0) != 0 {
		t.Error("Points() must return a copy")
	}
}

func TestSimulateDeterministicDecay(t *testing.T) {
	grid, err := NewTimeGrid(1, 0.001)
	if err != nil {
		t.Fatalf("NewTimeGrid: %v", err)
	}
	in := New(StrictPolicy())

	traj, err := in.Simulate(decay{rate: 1}, []float64{1}, nil, false, grid, 0)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	vars, steps := traj.Dims()
	if vars != 1 || steps != grid.Len() {
		t.Fatalf("Dims() = (%d, %d), want (1, %d)", vars, steps, grid.Len())
	}
	if traj.At(0, 0) != 1 {
		t.Errorf("first column must equal y0, got %v", traj.At(0, 0))
	}
	got := traj.At(0, steps-1)
	if math.Abs(got-math.Exp(-1)) > 5e-3 {
		t.Errorf("y(1) = %v, want ~%v", got, math.Exp(-1))
	}
}

func TestSimulateReproducibleUnderSeed(t *testing.T) {
	grid, _ := NewTimeGrid(5, 0.05)
	in := New(StrictPolicy())
	rhs := decay{rate: 0.5, sigma: 0.3}
	y0 := []float64{2, 2}

	a, err := in.Simulate(rhs, y0, nil, true, grid, 1001)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	b, err := in.Simulate(rhs, y0, nil, true, grid, 1001)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	c, err := in.Simulate(rhs, y0, nil, true, grid, 2001)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}

	_, steps := a.Dims()
	same, differs := true, false
	for v := 0; v < 2; v++ {
		for k := 0; k < steps; k++ {
			if a.At(v, k) != b.At(v, k) {
				same = false
			}
			if a.At(v, k) != c.At(v, k) {
				differs = true
			}
		}
	}
	if !same {
		t.Error("identical inputs produced different trajectories")
	}
	if !differs {
		t.Error("a different seed should change a stochastic trajectory")
	}
	if y0[0] != 2 {
		t.Error("Simulate must not mutate y0")
	}
}

func TestSimulateClampsNegative(t *testing.T) {
	grid, _ := NewTimeGrid(2, 0.01)
	rhs := decay{rate: 0.1, sigma: 5}

	traj, err := New(StrictPolicy()).Simulate(rhs, []float64{0.01}, nil, true, grid, 7)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	for _, v := range traj.Row(0) {
		if v < 0 {
			t.Fatalf("negative level %v despite ClampNegative", v)
		}
	}
}

func TestSimulateRaisesOnInvalid(t *testing.T) {
	grid, _ := NewTimeGrid(1, 0.01)

	_, err := New(StrictPolicy()).Simulate(blowup{limit: 10}, []float64{1}, nil, false, grid, 0)
	var ie *InstabilityError
	if !errors.As(err, &ie) {
		t.Fatalf("Simulate error = %v, want *InstabilityError", err)
	}
	if !errors.Is(err, ErrInstability) {
		t.Error("InstabilityError should unwrap to ErrInstability")
	}
	if ie.Step == 0 {
		t.Error("instability should be reported mid-trajectory")
	}

	// A lenient policy lets the run finish.
	lenient := ErrorPolicy{}
	if _, err := New(lenient).Simulate(blowup{limit: 10}, []float64{1}, nil, false, grid, 0); err != nil {
		t.Errorf("lenient policy should not fail: %v", err)
	}
}

func TestTrajectoryMaxOver(t *testing.T) {
	traj := trajectoryFromRows([][]float64{
		{0.1, 0.5, 0.2},
		{9, 9, 9},
		{0.3, 0.05, 0.7},
	})
	if got := traj.MaxOver([]int{0, 2}); got != 0.7 {
		t.Errorf("MaxOver([0 2]) = %v, want 0.7", got)
	}
	if got := traj.MaxOver(nil); got != 0 {
		t.Errorf("MaxOver(nil) = %v, want 0", got)
	}
}
