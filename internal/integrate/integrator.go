package integrate

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/nvandessel/cellsim/internal/model"
)

// noiseStream separates the integrator's PCG stream from other per-cell
// random sources seeded with the same value.
const noiseStream = 0x5eed_1e7e

// ErrorPolicy controls how the integrator reacts to numerical trouble.
// It is configured once per run and passed explicitly.
type ErrorPolicy struct {
	// RaiseOnInvalid fails the integration on NaN or ±Inf in state or derivative.
	RaiseOnInvalid bool

	// ClampNegative floors species levels at zero after each step.
	ClampNegative bool
}

// StrictPolicy raises on every invalid value and keeps levels non-negative.
func StrictPolicy() ErrorPolicy {
	return ErrorPolicy{RaiseOnInvalid: true, ClampNegative: true}
}

// ErrInstability is wrapped by every InstabilityError.
var ErrInstability = errors.New("numerical instability")

// InstabilityError reports an overflow or invalid value mid-trajectory.
type InstabilityError struct {
	Step     int
	Time     float64
	Variable int
	Value    float64
}

func (e *InstabilityError) Error() string {
	return fmt.Sprintf("%v: variable %d reached %v at step %d (t=%g)", ErrInstability, e.Variable, e.Value, e.Step, e.Time)
}

func (e *InstabilityError) Unwrap() error { return ErrInstability }

// Integrator solves dy = f(y,t)dt + g(y,t)dW on a TimeGrid with the
// Euler-Maruyama scheme. It holds no mutable state and is safe to share
// across goroutines.
type Integrator struct {
	policy ErrorPolicy
}

// New returns an integrator using policy.
func New(policy ErrorPolicy) *Integrator {
	return &Integrator{policy: policy}
}

// Simulate integrates rhs from y0 over grid. When stochastic is set, Wiener
// increments are drawn from a PCG source seeded by seed, and the diffusion comes
// from rhs if it implements model.Diffuser. The result depends only on the
// arguments.
func (in *Integrator) Simulate(rhs model.RightHandSide, y0, params []float64, stochastic bool, grid TimeGrid, seed uint64) (*Trajectory, error) {
	nv, nt := len(y0), grid.Len()
	if nv == 0 {
		return nil, errors.New("empty initial condition")
	}
	if nt < 2 {
		return nil, fmt.Errorf("%w: %d points", ErrGrid, nt)
	}

	traj := newTrajectory(nv, nt)
	y := append([]float64(nil), y0...)
	if err := in.check(y, 0, grid.At(0)); err != nil {
		return nil, err
	}
	traj.m.SetCol(0, y)

	dydt := make([]float64, nv)
	var (
		g   []float64
		rng *rand.Rand
		dif model.Diffuser
	)
	if stochastic {
		rng = rand.New(rand.NewPCG(seed, noiseStream))
		g = make([]float64, nv)
		dif, _ = rhs.(model.Diffuser)
	}

	for k := 1; k < nt; k++ {
		t := grid.At(k - 1)
		dt := grid.At(k) - t

		rhs.Derivative(t, y, params, dydt)
		if err := in.check(dydt, k, t); err != nil {
			return nil, err
		}
		if dif != nil {
			dif.Diffusion(t, y, params, g)
		}

		sq := math.Sqrt(dt)
		for i := range y {
			y[i] += dydt[i] * dt
			if rng != nil {
				// Draw even without a diffuser so the stream position does not
				// depend on the model type.
				w := rng.NormFloat64() * sq
				if dif != nil {
					y[i] += g[i] * w
				}
			}
			if in.policy.ClampNegative && y[i] < 0 {
				y[i] = 0
			}
		}
		if err := in.check(y, k, grid.At(k)); err != nil {
			return nil, err
		}
		traj.m.SetCol(k, y)
	}
	return traj, nil
}

func (in *Integrator) check(v []float64, step int, t float64) error {
	if !in.policy.RaiseOnInvalid {
		return nil
	}
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return &InstabilityError{Step: step, Time: t, Variable: i, Value: x}
		}
	}
	return nil
}
