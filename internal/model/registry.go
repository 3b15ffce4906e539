package model

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// RightHandSide computes dy/dt for a model. Implementations must be pure
// functions of their inputs and must not retain y or dydt.
type RightHandSide interface {
	Derivative(t float64, y, params, dydt []float64)
}

// Diffuser is implemented by right-hand sides that define their own noise
// amplitude for stochastic integration. g[i] scales the Wiener increment of
// variable i.
type Diffuser interface {
	Diffusion(t float64, y, params, g []float64)
}

// Factory binds a specification to a right-hand side, resolving parameter
// positions up front.
type Factory func(spec *Specification) (RightHandSide, error)

// ErrUnknownModel is returned when a model name is not registered.
var ErrUnknownModel = errors.New("unknown model")

// LoadError reports a model that could not be resolved or loaded.
type LoadError struct {
	Name string
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	switch {
	case e.Path != "" && e.Name != "":
		return fmt.Sprintf("loading model %q from %s: %v", e.Name, e.Path, e.Err)
	case e.Path != "":
		return fmt.Sprintf("loading model from %s: %v", e.Path, e.Err)
	default:
		return fmt.Sprintf("loading model %q: %v", e.Name, e.Err)
	}
}

func (e *LoadError) Unwrap() error { return e.Err }

// Entry describes one registered model.
type Entry struct {
	Name        string
	Description string
	Defaults    func() *Specification
	Factory     Factory
}

// Registry maps model names to factories. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds or replaces a model.
func (r *Registry) Register(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Name] = e
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, &LoadError{Name: name, Err: ErrUnknownModel}
	}
	return e, nil
}

// Entries returns all registered models sorted by name.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var (
	builtinOnce sync.Once
	builtin     *Registry
)

// Builtins returns the registry of compiled-in models.
func Builtins() *Registry {
	builtinOnce.Do(func() {
		builtin = NewRegistry()
		builtin.Register(Entry{
			Name:        "toggle",
			Description: "bistable two-gene mutual repression",
			Defaults:    toggleDefaults,
			Factory:     newToggle,
		})
		builtin.Register(Entry{
			Name:        "cascade",
			Description: "three-gene activation chain A -> B -> C",
			Defaults:    cascadeDefaults,
			Factory:     newCascade,
		})
	})
	return builtin
}
