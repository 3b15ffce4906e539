// Package simulation runs one cell end to end: initial condition, integration
// under the degeneracy guard, snapshot selection, and persistence of the
// per-cell result.
package simulation

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/nvandessel/cellsim/internal/integrate"
	"github.com/nvandessel/cellsim/internal/logging"
	"github.com/nvandessel/cellsim/internal/model"
	"github.com/nvandessel/cellsim/internal/sampling"
	"github.com/nvandessel/cellsim/internal/storage"
)

// DefaultSeedOffset is added to a cell's seed before every integration attempt.
const DefaultSeedOffset = 1000

// DefaultMaxAttempts bounds the degeneracy retry loop.
const DefaultMaxAttempts = 1000

// Settings are the per-run knobs copied into a Context.
type Settings struct {
	Stochastic          bool
	MaxAttempts         int // 0 retries without bound
	SeedOffset          uint64
	SampleCells         bool
	WriteProtein        bool
	NormalizeTrajectory bool
	Overrides           map[string]float64
}

// Context is everything a cell job needs. It is built once per run, shared
// by pointer between workers, and never mutated after NewContext returns.
type Context struct {
	Spec       *model.Specification
	RHS        model.RightHandSide
	Params     []float64
	Grid       integrate.TimeGrid
	Policy     sampling.Policy
	Integrator *integrate.Integrator
	Settings   Settings

	Store  storage.Store
	Events *logging.EventLogger
	Logger *slog.Logger

	initial     []float64
	transcripts []int
	proteins    []int
	rowLabels   []string
	rowIndex    []int
}

// NewContext validates the pieces and precomputes species layouts.
func NewContext(spec *model.Specification, rhs model.RightHandSide, grid integrate.TimeGrid,
	policy sampling.Policy, in *integrate.Integrator, settings Settings, store storage.Store) (*Context, error) {
	if spec == nil || rhs == nil {
		return nil, errors.New("model specification and right-hand side are required")
	}
	if in == nil {
		return nil, errors.New("integrator is required")
	}
	if store == nil {
		return nil, errors.New("result store is required")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := policy.Check(grid.Len()); err != nil {
		return nil, err
	}
	if settings.MaxAttempts < 0 {
		return nil, fmt.Errorf("max attempts must be >= 0, got %d", settings.MaxAttempts)
	}

	sc := &Context{
		Spec:        spec.Clone(),
		RHS:         rhs,
		Grid:        grid,
		Policy:      policy,
		Integrator:  in,
		Settings:    settings,
		Store:       store,
		Logger:      logging.Discard(),
		transcripts: spec.TranscriptIndex(),
		proteins:    spec.ProteinIndex(),
	}
	sc.Params = sc.Spec.ParameterVector()
	sc.Settings.Overrides = copyOverrides(settings.Overrides)
	sc.initial = BuildInitialCondition(sc.Spec, sc.Settings.Overrides)

	for i, v := range sc.transcripts {
		sc.rowLabels = append(sc.rowLabels, sc.Spec.Genes[i])
		sc.rowIndex = append(sc.rowIndex, v)
	}
	if settings.WriteProtein {
		for i, v := range sc.proteins {
			sc.rowLabels = append(sc.rowLabels, model.ProteinPrefix+sc.Spec.Proteins[i])
			sc.rowIndex = append(sc.rowIndex, v)
		}
	}
	return sc, nil
}

// WithObservers returns a copy of sc that logs to logger and events.
func (sc *Context) WithObservers(logger *slog.Logger, events *logging.EventLogger) *Context {
	c := *sc
	if logger != nil {
		c.Logger = logger
	}
	c.Events = events
	return &c
}

// InitialCondition returns a copy of the starting state shared by every cell.
func (sc *Context) InitialCondition() []float64 {
	return append([]float64(nil), sc.initial...)
}

// Threshold is the viability bound: an attempt whose transcripts never reach
// it is degenerate.
func (sc *Context) Threshold() float64 { return 0.1 * sc.Spec.XMax }

// RowLabels returns the species rows written per cell: genes, then "p_"
// proteins when protein output is on.
func (sc *Context) RowLabels() []string { return append([]string(nil), sc.rowLabels...) }

func copyOverrides(in map[string]float64) map[string]float64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
