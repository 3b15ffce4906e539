package model

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load resolves a model by name from reg and optionally overlays a YAML model
// file on top of its defaults. If path is set and the file names a model, that
// name wins over the name argument. The returned specification has been validated
// and bound to its right-hand side.
func Load(reg *Registry, name, path string) (*Specification, RightHandSide, error) {
	var overlay *Specification
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, &LoadError{Name: name, Path: path, Err: err}
		}
		overlay = &Specification{}
		if err := yaml.Unmarshal(data, overlay); err != nil {
			return nil, nil, &LoadError{Name: name, Path: path, Err: fmt.Errorf("parsing model file: %w", err)}
		}
		if overlay.Name != "" {
			name = overlay.Name
		}
	}
	if name == "" {
		return nil, nil, &LoadError{Path: path, Err: errors.New("no model name given")}
	}

	entry, err := reg.Lookup(name)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.Path = path
		}
		return nil, nil, err
	}

	spec := entry.Defaults()
	if overlay != nil {
		applyOverlay(spec, overlay)
	}
	spec.Name = name

	if err := spec.Validate(); err != nil {
		return nil, nil, &LoadError{Name: name, Path: path, Err: err}
	}
	rhs, err := entry.Factory(spec)
	if err != nil {
		return nil, nil, &LoadError{Name: name, Path: path, Err: err}
	}
	return spec, rhs, nil
}

func applyOverlay(spec, overlay *Specification) {
	for k, v := range overlay.Parameters {
		spec.Parameters[k] = v
	}
	if len(overlay.Variables) > 0 {
		spec.Variables = append([]string(nil), overlay.Variables...)
	}
	if len(overlay.Genes) > 0 {
		spec.Genes = append([]string(nil), overlay.Genes...)
	}
	if len(overlay.Proteins) > 0 {
		spec.Proteins = append([]string(nil), overlay.Proteins...)
	}
	if len(overlay.InitialConditions) > 0 {
		spec.InitialConditions = make(map[string]float64, len(overlay.InitialConditions))
		for k, v := range overlay.InitialConditions {
			spec.InitialConditions[k] = v
		}
	}
	if overlay.XMax > 0 {
		spec.XMax = overlay.XMax
	}
}

// ReadInitialConditions parses an initial-condition table: a CSV with a
// "name,value" header followed by one gene or protein per row.
func ReadInitialConditions(r io.Reader) (map[string]float64, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = 2

	header, err := cr.Read()
	if err == io.EOF {
		return map[string]float64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if !strings.EqualFold(header[0], "name") || !strings.EqualFold(header[1], "value") {
		return nil, fmt.Errorf("expected header name,value, got %s", strings.Join(header, ","))
	}

	out := make(map[string]float64)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("value for %q: %w", rec[0], err)
		}
		out[strings.TrimSpace(rec[0])] = v
	}
	return out, nil
}

// LoadInitialConditions reads an initial-condition table from path.
func LoadInitialConditions(path string) (map[string]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening initial conditions: %w", err)
	}
	defer f.Close()

	ics, err := ReadInitialConditions(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return ics, nil
}
