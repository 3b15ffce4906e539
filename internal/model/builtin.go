package model

import (
	"fmt"
	"math"
)

// Kinetic defaults shared by the built-in models. x_max = m / l_x and the
// regulation threshold k sits at half the protein maximum r * x_max / l_p.
const (
	defaultTranscription = 20.0
	defaultMRNADecay     = 10.0
	defaultTranslation   = 10.0
	defaultProteinDecay  = 1.0
	defaultHillCoef      = 10.0
	defaultNoise         = 0.1
)

func defaultXMax() float64 { return defaultTranscription / defaultMRNADecay }

func defaultThreshold() float64 {
	return defaultTranslation * defaultXMax() / defaultProteinDecay / 2
}

// activation is the Hill activation q/(1+q) with q = (p/k)^n; negative levels count as zero.
func activation(p, k, n float64) float64 {
	if p <= 0 {
		return 0
	}
	q := math.Pow(p/k, n)
	if math.IsInf(q, 1) {
		return 1
	}
	return q / (1 + q)
}

func repression(p, k, n float64) float64 { return 1 - activation(p, k, n) }

// langevin is the chemical-Langevin amplitude for a production/degradation pair.
func langevin(noise, production, degradation float64) float64 {
	return noise * math.Sqrt(math.Max(production, 0)+math.Max(degradation, 0))
}

func kineticParameters() map[string]float64 {
	return map[string]float64{
		"m":     defaultTranscription,
		"l_x":   defaultMRNADecay,
		"r":     defaultTranslation,
		"l_p":   defaultProteinDecay,
		"k":     defaultThreshold(),
		"n":     defaultHillCoef,
		"noise": defaultNoise,
	}
}

// kinetics holds resolved parameter positions common to both built-ins.
type kinetics struct {
	m, lx, r, lp, k, n, noise int
}

func bindKinetics(spec *Specification, extra ...string) (kinetics, []int, error) {
	names := append([]string{"m", "l_x", "r", "l_p", "k", "n", "noise"}, extra...)
	idx, err := spec.ParamIndex(names...)
	if err != nil {
		return kinetics{}, nil, err
	}
	return kinetics{m: idx[0], lx: idx[1], r: idx[2], lp: idx[3], k: idx[4], n: idx[5], noise: idx[6]}, idx[7:], nil
}

// bindVariables resolves species names to state indices.
func bindVariables(spec *Specification, names ...string) ([]int, error) {
	out := make([]int, len(names))
	for i, n := range names {
		j, ok := spec.IndexOf(n)
		if !ok {
			return nil, fmt.Errorf("%w: missing variable %q", ErrInvalidSpec, n)
		}
		out[i] = j
	}
	return out, nil
}

// --- toggle ---------------------------------------------------------------

func toggleDefaults() *Specification {
	return &Specification{
		Name:       "toggle",
		Parameters: kineticParameters(),
		Variables:  []string{"x_A", "p_A", "x_B", "p_B"},
		Genes:      []string{"A", "B"},
		Proteins:   []string{"A", "B"},
		XMax:       defaultXMax(),
	}
}

// toggle is a mutual-repression switch: p_A represses B and p_B represses A.
type toggle struct {
	kin            kinetics
	xa, pa, xb, pb int
}

func newToggle(spec *Specification) (RightHandSide, error) {
	kin, _, err := bindKinetics(spec)
	if err != nil {
		return nil, err
	}
	v, err := bindVariables(spec, "x_A", "p_A", "x_B", "p_B")
	if err != nil {
		return nil, err
	}
	return &toggle{kin: kin, xa: v[0], pa: v[1], xb: v[2], pb: v[3]}, nil
}

func (m *toggle) Derivative(_ float64, y, p, dydt []float64) {
	k, n := p[m.kin.k], p[m.kin.n]
	dydt[m.xa] = p[m.kin.m]*repression(y[m.pb], k, n) - p[m.kin.lx]*y[m.xa]
	dydt[m.pa] = p[m.kin.r]*y[m.xa] - p[m.kin.lp]*y[m.pa]
	dydt[m.xb] = p[m.kin.m]*repression(y[m.pa], k, n) - p[m.kin.lx]*y[m.xb]
	dydt[m.pb] = p[m.kin.r]*y[m.xb] - p[m.kin.lp]*y[m.pb]
}

func (m *toggle) Diffusion(_ float64, y, p, g []float64) {
	k, n, s := p[m.kin.k], p[m.kin.n], p[m.kin.noise]
	g[m.xa] = langevin(s, p[m.kin.m]*repression(y[m.pb], k, n), p[m.kin.lx]*y[m.xa])
	g[m.pa] = langevin(s, p[m.kin.r]*y[m.xa], p[m.kin.lp]*y[m.pa])
	g[m.xb] = langevin(s, p[m.kin.m]*repression(y[m.pa], k, n), p[m.kin.lx]*y[m.xb])
	g[m.pb] = langevin(s, p[m.kin.r]*y[m.xb], p[m.kin.lp]*y[m.pb])
}

// --- cascade --------------------------------------------------------------

func cascadeDefaults() *Specification {
	params := kineticParameters()
	params["basal"] = 0.8
	return &Specification{
		Name:       "cascade",
		Parameters: params,
		Variables:  []string{"x_A", "p_A", "x_B", "p_B", "x_C", "p_C"},
		Genes:      []string{"A", "B", "C"},
		Proteins:   []string{"A", "B", "C"},
		XMax:       defaultXMax(),
	}
}

// cascade expresses A at a basal rate; p_A activates B and p_B activates C.
type cascade struct {
	kin   kinetics
	basal int
	x, pr [3]int
}

func newCascade(spec *Specification) (RightHandSide, error) {
	kin, extra, err := bindKinetics(spec, "basal")
	if err != nil {
		return nil, err
	}
	v, err := bindVariables(spec, "x_A", "p_A", "x_B", "p_B", "x_C", "p_C")
	if err != nil {
		return nil, err
	}
	c := &cascade{kin: kin, basal: extra[0]}
	for i := 0; i < 3; i++ {
		c.x[i], c.pr[i] = v[2*i], v[2*i+1]
	}
	return c, nil
}

func (c *cascade) production(y, p []float64, i int) float64 {
	if i == 0 {
		return p[c.kin.m] * p[c.basal]
	}
	return p[c.kin.m] * activation(y[c.pr[i-1]], p[c.kin.k], p[c.kin.n])
}

func (c *cascade) Derivative(_ float64, y, p, dydt []float64) {
	for i := 0; i < 3; i++ {
		dydt[c.x[i]] = c.production(y, p, i) - p[c.kin.lx]*y[c.x[i]]
		dydt[c.pr[i]] = p[c.kin.r]*y[c.x[i]] - p[c.kin.lp]*y[c.pr[i]]
	}
}

func (c *cascade) Diffusion(_ float64, y, p, g []float64) {
	s := p[c.kin.noise]
	for i := 0; i < 3; i++ {
		g[c.x[i]] = langevin(s, c.production(y, p, i), p[c.kin.lx]*y[c.x[i]])
		g[c.pr[i]] = langevin(s, p[c.kin.r]*y[c.x[i]], p[c.kin.lp]*y[c.pr[i]])
	}
}
