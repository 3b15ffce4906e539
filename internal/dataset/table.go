// Package dataset holds labelled expression tables: per-cell results and the
// aggregated dataset built from them.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrMalformed is wrapped when a serialized table cannot be parsed.
	ErrMalformed = errors.New("malformed table")

	// ErrRowMismatch is returned when tables being concatenated disagree on row labels.
	ErrRowMismatch = errors.New("row labels differ")
)

// Table is a dense matrix with row labels (species) and column labels
// (cell x timepoint). Values is indexed [row][column].
type Table struct {
	Rows    []string
	Columns []string
	Values  [][]float64
}

// New allocates a zeroed table with the given labels.
func New(rows, columns []string) *Table {
	vals := make([][]float64, len(rows))
	for i := range vals {
		vals[i] = make([]float64, len(columns))
	}
	return &Table{
		Rows:    append([]string(nil), rows...),
		Columns: append([]string(nil), columns...),
		Values:  vals,
	}
}

// Validate checks that Values matches the label dimensions.
func (t *Table) Validate() error {
	if len(t.Values) != len(t.Rows) {
		return fmt.Errorf("%w: %d value rows for %d labels", ErrMalformed, len(t.Values), len(t.Rows))
	}
	for i, r := range t.Values {
		if len(r) != len(t.Columns) {
			return fmt.Errorf("%w: row %q has %d values, want %d", ErrMalformed, t.Rows[i], len(r), len(t.Columns))
		}
	}
	return nil
}

// Dims returns (rows, columns).
func (t *Table) Dims() (int, int) { return len(t.Rows), len(t.Columns) }

// SortRows returns a copy of t with rows ordered by label.
func (t *Table) SortRows() *Table {
	idx := make([]int, len(t.Rows))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return t.Rows[idx[a]] < t.Rows[idx[b]] })

	out := &Table{
		Rows:    make([]string, len(idx)),
		Columns: append([]string(nil), t.Columns...),
		Values:  make([][]float64, len(idx)),
	}
	for i, j := range idx {
		out.Rows[i] = t.Rows[j]
		out.Values[i] = append([]float64(nil), t.Values[j]...)
	}
	return out
}

// Ravel flattens the values in row-major order.
func (t *Table) Ravel() []float64 {
	_, nc := t.Dims()
	out := make([]float64, 0, len(t.Rows)*nc)
	for _, r := range t.Values {
		out = append(out, r...)
	}
	return out
}

// TrimRowPrefix removes prefix from every row label that carries it.
func (t *Table) TrimRowPrefix(prefix string) {
	for i, r := range t.Rows {
		t.Rows[i] = strings.TrimPrefix(r, prefix)
	}
}

// Concat joins tables column-wise. Every table must carry the same row labels
// in the same order; callers sort rows first when file order is not trusted.
func Concat(tables ...*Table) (*Table, error) {
	if len(tables) == 0 {
		return &Table{}, nil
	}
	first := tables[0]
	out := &Table{
		Rows:   append([]string(nil), first.Rows...),
		Values: make([][]float64, len(first.Rows)),
	}
	for ti, t := range tables {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("table %d: %w", ti, err)
		}
		if !sameLabels(first.Rows, t.Rows) {
			return nil, fmt.Errorf("%w: table %d has rows %v, want %v", ErrRowMismatch, ti, t.Rows, first.Rows)
		}
		out.Columns = append(out.Columns, t.Columns...)
		for i := range out.Rows {
			out.Values[i] = append(out.Values[i], t.Values[i]...)
		}
	}
	return out, nil
}

func sameLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// WriteCSV writes t with an empty corner cell, column labels in the header and
// one line per row label.
func (t *Table) WriteCSV(w io.Writer) error {
	if err := t.Validate(); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	header := append([]string{""}, t.Columns...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	rec := make([]string, len(t.Columns)+1)
	for i, name := range t.Rows {
		rec[0] = name
		for j, v := range t.Values[i] {
			rec[j+1] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write row %q: %w", name, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a table written by WriteCSV.
func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformed)
	}

	header := records[0]
	if len(header) < 2 {
		return nil, fmt.Errorf("%w: header has no value columns", ErrMalformed)
	}
	t := &Table{Columns: append([]string(nil), header[1:]...)}
	for n, rec := range records[1:] {
		if len(rec) != len(header) {
			return nil, fmt.Errorf("%w: line %d has %d fields, want %d", ErrMalformed, n+2, len(rec), len(header))
		}
		vals := make([]float64, len(rec)-1)
		for j, s := range rec[1:] {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d column %q: %v", ErrMalformed, n+2, header[j+1], err)
			}
			vals[j] = v
		}
		t.Rows = append(t.Rows, rec[0])
		t.Values = append(t.Values, vals)
	}
	if len(t.Rows) == 0 {
		return nil, fmt.Errorf("%w: no data rows", ErrMalformed)
	}
	return t, nil
}
