package experiment

import (
	"fmt"

	"github.com/nvandessel/cellsim/internal/integrate"
	"github.com/nvandessel/cellsim/internal/model"
	"github.com/nvandessel/cellsim/internal/sampling"
	"github.com/nvandessel/cellsim/internal/simulation"
	"github.com/nvandessel/cellsim/internal/storage"
)

// Plan is the resolved input of a run, before the shared context exists.
type Plan struct {
	Spec           *model.Specification
	RHS            model.RightHandSide
	SimulationTime float64
	StepSize       float64
	NSnapshots     int
	ErrorPolicy    integrate.ErrorPolicy
	Settings       simulation.Settings
	Store          storage.Store
}

// Setup resolves the sampling policy and time grid and builds the context
// every cell job shares.
func Setup(p Plan) (*simulation.Context, error) {
	policy, err := sampling.FromSnapshotCount(p.NSnapshots)
	if err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}
	grid, err := integrate.NewTimeGrid(p.SimulationTime, p.StepSize)
	if err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}
	sc, err := simulation.NewContext(p.Spec, p.RHS, grid, policy, integrate.New(p.ErrorPolicy), p.Settings, p.Store)
	if err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}
	return sc, nil
}
