package simulation

import (
	"context"
	"errors"
	"fmt"

	"github.com/nvandessel/cellsim/internal/integrate"
	"github.com/nvandessel/cellsim/internal/logging"
)

// ErrDegenerate marks an attempt whose transcripts collapsed below the
// viability threshold. The guard consumes it; callers only see it through
// ExhaustedError.
var ErrDegenerate = errors.New("degenerate trajectory")

// ExhaustedError is returned when every allowed attempt was degenerate.
type ExhaustedError struct {
	CellID    int
	Attempts  int
	LastSeed  uint64
	MaxLevel  float64
	Threshold float64
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("cell %d: %d attempts were all degenerate (last max transcript %.4g < %.4g, seed %d)",
		e.CellID, e.Attempts, e.MaxLevel, e.Threshold, e.LastSeed)
}

func (e *ExhaustedError) Unwrap() error { return ErrDegenerate }

type interruptKey struct{}

// WithInterrupt attaches the run's cancellation signal to a job context that
// is otherwise never cancelled. A guard with no attempt bound stops between
// attempts once done is closed; a bounded guard always runs to completion.
func WithInterrupt(ctx context.Context, done <-chan struct{}) context.Context {
	return context.WithValue(ctx, interruptKey{}, done)
}

func interrupted(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	done, _ := ctx.Value(interruptKey{}).(<-chan struct{})
	if done == nil {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// Accepted is the outcome of a successful guarded integration.
type Accepted struct {
	Trajectory *integrate.Trajectory
	Attempts   int
	Seed       uint64
	MaxLevel   float64
}

// Guard retries integration until the trajectory is viable.
type Guard struct {
	sc *Context
}

// NewGuard returns a guard bound to sc.
func NewGuard(sc *Context) *Guard { return &Guard{sc: sc} }

// Run integrates cell cellID. Before each attempt the seed (starting at the
// cell id) advances by the configured offset and the initial condition is
// rebuilt. Numerical instability is returned immediately, never retried.
// Without an attempt bound the loop also stops when the run is interrupted.
func (g *Guard) Run(ctx context.Context, cellID int) (*Accepted, error) {
	sc := g.sc
	offset := sc.Settings.SeedOffset
	if offset == 0 {
		offset = DefaultSeedOffset
	}
	threshold := sc.Threshold()
	seed := uint64(cellID)

	var last float64
	for attempt := 1; sc.Settings.MaxAttempts == 0 || attempt <= sc.Settings.MaxAttempts; attempt++ {
		if sc.Settings.MaxAttempts == 0 && attempt > 1 && interrupted(ctx) {
			return nil, fmt.Errorf("cell %d: interrupted after %d degenerate attempts: %w", cellID, attempt-1, context.Canceled)
		}
		seed += offset
		y0 := sc.InitialCondition()

		traj, err := sc.Integrator.Simulate(sc.RHS, y0, sc.Params, sc.Settings.Stochastic, sc.Grid, seed)
		if err != nil {
			return nil, fmt.Errorf("cell %d attempt %d (seed %d): %w", cellID, attempt, seed, err)
		}

		last = traj.MaxOver(sc.transcripts)
		degenerate := last < threshold
		sc.Logger.Log(ctx, logging.LevelTrace, "integration attempt",
			"cell", cellID, "attempt", attempt, "seed", seed, "max_transcript", last, "degenerate", degenerate)
		sc.Events.Log("attempt", map[string]any{
			"cell":           cellID,
			"attempt":        attempt,
			"seed":           seed,
			"max_transcript": last,
			"degenerate":     degenerate,
		})
		if !degenerate {
			return &Accepted{Trajectory: traj, Attempts: attempt, Seed: seed, MaxLevel: last}, nil
		}
	}
	return nil, &ExhaustedError{
		CellID:    cellID,
		Attempts:  sc.Settings.MaxAttempts,
		LastSeed:  seed,
		MaxLevel:  last,
		Threshold: threshold,
	}
}
