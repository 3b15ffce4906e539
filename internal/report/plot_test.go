package report

import (
	"bytes"
	"errors"
	"testing"

	"github.com/nvandessel/cellsim/internal/dataset"
)

func TestColumnTime(t *testing.T) {
	tests := []struct {
		label    string
		idx      int
		snapshot bool
		ok       bool
	}{
		{"E0_1", 1, false, true},
		{"E12_99", 99, false, true},
		{"E3_t2", 2, true, true},
		{"E3", 0, false, false},
		{"E3_tx", 0, false, false},
		{"E3_-1", 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			idx, snap, ok := columnTime(tt.label)
			if idx != tt.idx || snap != tt.snapshot || ok != tt.ok {
				t.Errorf("columnTime(%q) = %d, %v, %v", tt.label, idx, snap, ok)
			}
		})
	}
}

func TestMeanSeries(t *testing.T) {
	tbl := &dataset.Table{
		Rows:    []string{"A", "B"},
		Columns: []string{"E0_1", "E0_2", "E1_1", "E1_2"},
		Values: [][]float64{
			{1, 2, 3, 4},
			{10, 20, 30, 40},
		},
	}

	series, err := MeanSeries(tbl, []float64{0, 0.5, 1.0})
	if err != nil {
		t.Fatalf("MeanSeries() error = %v", err)
	}
	if len(series) != 2 || series[0].Name != "A" || series[1].Name != "B" {
		t.Fatalf("MeanSeries() = %+v", series)
	}
	a := series[0].Points
	if len(a) != 2 || a[0].X != 0.5 || a[0].Y != 2 || a[1].X != 1.0 || a[1].Y != 3 {
		t.Errorf("A points = %v", a)
	}
	if b := series[1].Points; b[1].Y != 30 {
		t.Errorf("B points = %v", b)
	}
}

func TestMeanSeriesWithoutTimes(t *testing.T) {
	tbl := &dataset.Table{
		Rows:    []string{"A"},
		Columns: []string{"E0_t0", "E0_t1"},
		Values:  [][]float64{{1, 5}},
	}
	series, err := MeanSeries(tbl, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p := series[0].Points; p[0].X != 0 || p[1].X != 1 || p[1].Y != 5 {
		t.Errorf("points = %v", p)
	}
}

func TestMeanSeriesNoColumns(t *testing.T) {
	tbl := &dataset.Table{Rows: []string{"A"}, Columns: []string{"weird"}, Values: [][]float64{{1}}}
	if _, err := MeanSeries(tbl, nil); !errors.Is(err, ErrNoData) {
		t.Errorf("MeanSeries() error = %v, want ErrNoData", err)
	}
}

func TestWritePNG(t *testing.T) {
	tbl := &dataset.Table{
		Rows:    []string{"A", "B"},
		Columns: []string{"E0_1", "E0_2", "E0_3"},
		Values:  [][]float64{{1, 2, 3}, {3, 2, 1}},
	}
	series, err := MeanSeries(tbl, nil)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := WritePNG(&buf, series, "toggle"); err != nil {
		t.Fatalf("WritePNG() error = %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")) {
		t.Error("output is not a PNG")
	}

	if err := WritePNG(&buf, nil, "empty"); !errors.Is(err, ErrNoData) {
		t.Errorf("WritePNG(nil) error = %v, want ErrNoData", err)
	}
}
