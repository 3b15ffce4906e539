package simulation

import "github.com/nvandessel/cellsim/internal/model"

// BuildInitialCondition returns one starting level per variable of spec.
//
// Without overrides every transcript starts at model.TranscriptDefault and
// every listed protein at model.ProteinThreshold. With overrides, each gene
// and protein takes its override value and everything unnamed starts at
// model.OverrideFloor. Overrides are keyed by bare name ("A"), which sets both
// the transcript and the protein of that name, or by species name ("x_A",
// "p_A"), which takes precedence.
func BuildInitialCondition(spec *model.Specification, overrides map[string]float64) []float64 {
	y0 := spec.SteadyStateDefaults()
	if len(overrides) == 0 {
		return y0
	}

	set := func(prefix, name string) {
		i, ok := spec.IndexOf(prefix + name)
		if !ok {
			return
		}
		if v, ok := overrides[prefix+name]; ok {
			y0[i] = v
		} else if v, ok := overrides[name]; ok {
			y0[i] = v
		} else {
			y0[i] = model.OverrideFloor
		}
	}
	for _, p := range spec.Proteins {
		set(model.ProteinPrefix, p)
	}
	for _, g := range spec.Genes {
		set(model.TranscriptPrefix, g)
	}
	return y0
}
