package cluster

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// blobs returns two well-separated groups of n points each.
func blobs(n int) []Sample {
	var out []Sample
	for i := 0; i < n; i++ {
		d := float64(i) * 0.01
		out = append(out, Sample{ID: fmt.Sprintf("E%d", 2*i), Vector: []float64{d, 1 + d, d}})
		out = append(out, Sample{ID: fmt.Sprintf("E%d", 2*i+1), Vector: []float64{50 + d, 40, 60 - d}})
	}
	return out
}

func TestAssignSeparatesBlobs(t *testing.T) {
	samples := blobs(5)
	a, err := Assign(samples, 2, Options{Seed: 1})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if len(a.Labels) != len(samples) {
		t.Fatalf("got %d labels, want %d", len(a.Labels), len(samples))
	}
	for i, l := range a.Labels {
		want := i % 2
		if l != want {
			t.Errorf("sample %s label = %d, want %d", samples[i].ID, l, want)
		}
	}
	if a.IDs[3] != samples[3].ID {
		t.Errorf("IDs[3] = %q, want %q", a.IDs[3], samples[3].ID)
	}
}

func TestAssignDeterministicUnderSeed(t *testing.T) {
	samples := []Sample{
		{"a", []float64{0, 0}}, {"b", []float64{1, 0}}, {"c", []float64{0, 1}},
		{"d", []float64{5, 5}}, {"e", []float64{6, 5}}, {"f", []float64{9, 0}},
	}
	x, err := Assign(samples, 3, Options{Seed: 42})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	y, _ := Assign(samples, 3, Options{Seed: 42})
	for i := range x.Labels {
		if x.Labels[i] != y.Labels[i] {
			t.Fatalf("labels differ under the same seed: %v vs %v", x.Labels, y.Labels)
		}
	}
	for _, l := range x.Labels {
		if l < 0 || l >= 3 {
			t.Errorf("label %d out of range", l)
		}
	}
}

func TestAssignSingleCluster(t *testing.T) {
	a, err := Assign(blobs(2), 1, Options{})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	for _, l := range a.Labels {
		if l != 0 {
			t.Fatalf("k=1 produced label %d", l)
		}
	}
}

func TestAssignIdenticalPoints(t *testing.T) {
	samples := []Sample{{"a", []float64{1}}, {"b", []float64{1}}, {"c", []float64{1}}}
	a, err := Assign(samples, 2, Options{Seed: 3})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if a.Inertia != 0 {
		t.Errorf("Inertia = %v, want 0", a.Inertia)
	}
}

func TestAssignErrors(t *testing.T) {
	tests := []struct {
		name    string
		samples []Sample
		k       int
		want    error
	}{
		{"k zero", blobs(1), 0, ErrInvalidK},
		{"k exceeds samples", blobs(1), 3, ErrInvalidK},
		{"ragged", []Sample{{"a", []float64{1, 2}}, {"b", []float64{1}}}, 1, ErrDimensionMismatch},
		{"empty vector", []Sample{{"a", nil}}, 1, ErrDimensionMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Assign(tt.samples, tt.k, Options{})
			if !errors.Is(err, tt.want) {
				t.Errorf("Assign error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAssignmentWriteCSV(t *testing.T) {
	a := &Assignment{IDs: []string{"E0", "E1", "E2"}, Labels: []int{0, 1, 0}, K: 2}
	var buf bytes.Buffer
	if err := a.WriteCSV(&buf); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	want := ",cl\nE0,0\nE1,1\nE2,0\n"
	if buf.String() != want {
		t.Errorf("WriteCSV = %q, want %q", buf.String(), want)
	}
}

func TestRelabel(t *testing.T) {
	got := relabel([]int{2, 2, 0, 1, 0})
	want := []int{0, 0, 1, 2, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("relabel = %v, want %v", got, want)
		}
	}
}
