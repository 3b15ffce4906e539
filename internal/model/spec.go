// Package model defines the model specification consumed by the simulator and
// the registry of compiled-in right-hand-side functions.
package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Species name prefixes. Every variable is either a transcript ("x_<gene>")
// or a protein ("p_<protein>").
const (
	TranscriptPrefix = "x_"
	ProteinPrefix    = "p_"
)

// Steady-state conventions used when no initial-condition override is given.
const (
	// TranscriptDefault is the starting level of every transcript.
	TranscriptDefault = 1.0

	// ProteinThreshold is the starting level of every protein. It sits at the
	// regulation threshold so proteins decay quickly instead of saturating.
	ProteinThreshold = 20.0

	// OverrideFloor is the starting level of any gene or protein not named in
	// an override map. Strictly positive to avoid zero-initial-condition dynamics.
	OverrideFloor = 0.01
)

// ErrInvalidSpec is wrapped by every specification validation failure.
var ErrInvalidSpec = errors.New("invalid model specification")

// Specification is the immutable description of one ODE model.
// It is produced by a model factory or loaded from YAML and is read-only to the simulator.
type Specification struct {
	// Name is the registered model this specification binds to.
	Name string `json:"name" yaml:"name"`

	// Parameters maps parameter name to value. Right-hand sides receive them
	// as a vector ordered by sorted parameter name.
	Parameters map[string]float64 `json:"parameters" yaml:"parameters"`

	// Variables maps state index to species name ("x_A", "p_A", ...).
	Variables []string `json:"variables" yaml:"variables"`

	Genes    []string `json:"genes" yaml:"genes"`
	Proteins []string `json:"proteins,omitempty" yaml:"proteins,omitempty"`

	// InitialConditions overrides starting levels by gene or protein name.
	// When non-empty, unnamed species start at OverrideFloor.
	InitialConditions map[string]float64 `json:"initial_conditions,omitempty" yaml:"initial_conditions,omitempty"`

	// XMax is the maximum transcript expression level. Trajectories that never
	// reach 10% of it are rejected as degenerate.
	XMax float64 `json:"x_max" yaml:"x_max"`
}

// Validate checks the structural invariants of the specification.
func (s *Specification) Validate() error {
	if len(s.Variables) == 0 {
		return fmt.Errorf("%w: no variables", ErrInvalidSpec)
	}
	if len(s.Genes) == 0 {
		return fmt.Errorf("%w: no genes", ErrInvalidSpec)
	}
	if s.XMax <= 0 {
		return fmt.Errorf("%w: x_max must be positive, got %g", ErrInvalidSpec, s.XMax)
	}

	seen := make(map[string]bool, len(s.Variables))
	for _, v := range s.Variables {
		if !strings.HasPrefix(v, TranscriptPrefix) && !strings.HasPrefix(v, ProteinPrefix) {
			return fmt.Errorf("%w: variable %q has no species prefix", ErrInvalidSpec, v)
		}
		if seen[v] {
			return fmt.Errorf("%w: duplicate variable %q", ErrInvalidSpec, v)
		}
		seen[v] = true
	}
	for _, g := range s.Genes {
		if !seen[TranscriptPrefix+g] {
			return fmt.Errorf("%w: gene %q has no %s variable", ErrInvalidSpec, g, TranscriptPrefix)
		}
	}
	for _, p := range s.Proteins {
		if !seen[ProteinPrefix+p] {
			return fmt.Errorf("%w: protein %q has no %s variable", ErrInvalidSpec, p, ProteinPrefix)
		}
	}
	return nil
}

// IndexOf returns the state index of a species name.
func (s *Specification) IndexOf(name string) (int, bool) {
	for i, v := range s.Variables {
		if v == name {
			return i, true
		}
	}
	return -1, false
}

// TranscriptIndex returns the state indices of the gene transcripts, in gene order.
func (s *Specification) TranscriptIndex() []int {
	out := make([]int, 0, len(s.Genes))
	for _, g := range s.Genes {
		if i, ok := s.IndexOf(TranscriptPrefix + g); ok {
			out = append(out, i)
		}
	}
	return out
}

// ProteinIndex returns the state indices of the proteins, in protein order.
func (s *Specification) ProteinIndex() []int {
	out := make([]int, 0, len(s.Proteins))
	for _, p := range s.Proteins {
		if i, ok := s.IndexOf(ProteinPrefix + p); ok {
			out = append(out, i)
		}
	}
	return out
}

// ParameterNames returns parameter names in the order used for the parameter vector.
func (s *Specification) ParameterNames() []string {
	names := make([]string, 0, len(s.Parameters))
	for k := range s.Parameters {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ParameterVector returns parameter values ordered by ParameterNames.
func (s *Specification) ParameterVector() []float64 {
	names := s.ParameterNames()
	out := make([]float64, len(names))
	for i, n := range names {
		out[i] = s.Parameters[n]
	}
	return out
}

// SteadyStateDefaults returns one starting level per variable: transcripts at
// TranscriptDefault, listed proteins at ProteinThreshold, anything else at zero.
func (s *Specification) SteadyStateDefaults() []float64 {
	proteins := make(map[string]bool, len(s.Proteins))
	for _, p := range s.Proteins {
		proteins[p] = true
	}
	ss := make([]float64, len(s.Variables))
	for i, v := range s.Variables {
		switch {
		case strings.HasPrefix(v, TranscriptPrefix):
			ss[i] = TranscriptDefault
		case strings.HasPrefix(v, ProteinPrefix) && proteins[strings.TrimPrefix(v, ProteinPrefix)]:
			ss[i] = ProteinThreshold
		}
	}
	return ss
}

// Clone returns a deep copy so callers can overlay values without touching registry defaults.
func (s *Specification) Clone() *Specification {
	c := *s
	c.Parameters = make(map[string]float64, len(s.Parameters))
	for k, v := range s.Parameters {
		c.Parameters[k] = v
	}
	c.Variables = append([]string(nil), s.Variables...)
	c.Genes = append([]string(nil), s.Genes...)
	c.Proteins = append([]string(nil), s.Proteins...)
	if s.InitialConditions != nil {
		c.InitialConditions = make(map[string]float64, len(s.InitialConditions))
		for k, v := range s.InitialConditions {
			c.InitialConditions[k] = v
		}
	}
	return &c
}

// ParamIndex resolves parameter names to positions in the parameter vector.
// Right-hand-side factories call it once at bind time.
func (s *Specification) ParamIndex(names ...string) ([]int, error) {
	order := s.ParameterNames()
	pos := make(map[string]int, len(order))
	for i, n := range order {
		pos[n] = i
	}
	out := make([]int, len(names))
	for i, n := range names {
		p, ok := pos[n]
		if !ok {
			return nil, fmt.Errorf("%w: missing parameter %q", ErrInvalidSpec, n)
		}
		out[i] = p
	}
	return out, nil
}
