// Package cluster partitions raveled cell trajectories with seeded k-means.
package cluster

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"strconv"

	"gonum.org/v1/gonum/floats"
)

// clusterStream keeps the k-means random source apart from simulation streams.
const clusterStream = 0xc1a5_7e25

var (
	// ErrInvalidK is returned when k is below 1 or exceeds the number of samples.
	ErrInvalidK = errors.New("invalid cluster count")

	// ErrDimensionMismatch is returned when sample vectors differ in length.
	ErrDimensionMismatch = errors.New("trajectory dimension mismatch")
)

// Sample is one cell's raveled trajectory.
type Sample struct {
	ID     string
	Vector []float64
}

// Options tunes the partitioning. Zero fields take defaults.
type Options struct {
	Seed     uint64
	Restarts int
	MaxIter  int
}

const (
	defaultRestarts = 10
	defaultMaxIter  = 300
)

func (o Options) withDefaults() Options {
	if o.Restarts <= 0 {
		o.Restarts = defaultRestarts
	}
	if o.MaxIter <= 0 {
		o.MaxIter = defaultMaxIter
	}
	return o
}

// Assignment maps each sample id to a cluster label in [0, K). Labels are
// numbered by first appearance in sample order.
type Assignment struct {
	IDs     []string
	Labels  []int
	K       int
	Inertia float64
}

// WriteCSV writes the assignment with header ",cl".
func (a *Assignment) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"", "cl"}); err != nil {
		return err
	}
	for i, id := range a.IDs {
		if err := cw.Write([]string{id, strconv.Itoa(a.Labels[i])}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Assign partitions samples into k clusters. The best of several k-means++
// initialisations (lowest inertia) wins; results depend only on the samples
// and opts.Seed.
func Assign(samples []Sample, k int, opts Options) (*Assignment, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: k=%d", ErrInvalidK, k)
	}
	if len(samples) < k {
		return nil, fmt.Errorf("%w: k=%d exceeds %d samples", ErrInvalidK, k, len(samples))
	}
	dim := len(samples[0].Vector)
	if dim == 0 {
		return nil, fmt.Errorf("%w: sample %q is empty", ErrDimensionMismatch, samples[0].ID)
	}
	points := make([][]float64, len(samples))
	for i, s := range samples {
		if len(s.Vector) != dim {
			return nil, fmt.Errorf("%w: sample %q has %d values, want %d", ErrDimensionMismatch, s.ID, len(s.Vector), dim)
		}
		points[i] = s.Vector
	}

	opts = opts.withDefaults()
	rng := rand.New(rand.NewPCG(opts.Seed, clusterStream))

	var (
		best    []int
		bestErr = math.Inf(1)
	)
	for r := 0; r < opts.Restarts; r++ {
		centers := seedCenters(points, k, rng)
		labels, inertia := lloyd(points, centers, opts.MaxIter)
		if best == nil || inertia < bestErr {
			best, bestErr = labels, inertia
		}
	}

	a := &Assignment{
		IDs:     make([]string, len(samples)),
		Labels:  relabel(best),
		K:       k,
		Inertia: bestErr,
	}
	for i, s := range samples {
		a.IDs[i] = s.ID
	}
	return a, nil
}

// seedCenters picks k initial centers with k-means++ D² weighting.
func seedCenters(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	centers := make([][]float64, 0, k)
	centers = append(centers, clone(points[rng.IntN(len(points))]))

	d2 := make([]float64, len(points))
	for i, p := range points {
		d2[i] = sqDist(p, centers[0])
	}
	for len(centers) < k {
		total := floats.Sum(d2)
		var next int
		if total == 0 {
			next = rng.IntN(len(points))
		} else {
			target := rng.Float64() * total
			acc := 0.0
			next = len(points) - 1
			for i, w := range d2 {
				acc += w
				if acc > target {
					next = i
					break
				}
			}
		}
		c := clone(points[next])
		centers = append(centers, c)
		for i, p := range points {
			if d := sqDist(p, c); d < d2[i] {
				d2[i] = d
			}
		}
	}
	return centers
}

// lloyd iterates assignment and centroid updates until labels settle.
func lloyd(points, centers [][]float64, maxIter int) ([]int, float64) {
	k, dim := len(centers), len(points[0])
	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = -1
	}
	sums := make([][]float64, k)
	for c := range sums {
		sums[c] = make([]float64, dim)
	}
	counts := make([]int, k)

	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, p := range points {
			c, _ := nearest(p, centers)
			if c != labels[i] {
				labels[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}

		for c := range sums {
			floats.Scale(0, sums[c])
			counts[c] = 0
		}
		for i, p := range points {
			floats.Add(sums[labels[i]], p)
			counts[labels[i]]++
		}
		for c := range centers {
			if counts[c] == 0 {
				// Move an empty cluster onto the worst-served point.
				far := farthest(points, centers, labels)
				copy(centers[c], points[far])
				labels[far] = c
				continue
			}
			copy(centers[c], sums[c])
			floats.Scale(1/float64(counts[c]), centers[c])
		}
	}

	inertia := 0.0
	for i, p := range points {
		inertia += sqDist(p, centers[labels[i]])
	}
	return labels, inertia
}

func nearest(p []float64, centers [][]float64) (int, float64) {
	best, bestD := 0, math.Inf(1)
	for c, ctr := range centers {
		if d := sqDist(p, ctr); d < bestD {
			best, bestD = c, d
		}
	}
	return best, bestD
}

func farthest(points, centers [][]float64, labels []int) int {
	idx, max := 0, -1.0
	for i, p := range points {
		if d := sqDist(p, centers[labels[i]]); d > max {
			idx, max = i, d
		}
	}
	return idx
}

// relabel renumbers labels by order of first appearance.
func relabel(labels []int) []int {
	seen := map[int]int{}
	out := make([]int, len(labels))
	for i, l := range labels {
		m, ok := seen[l]
		if !ok {
			m = len(seen)
			seen[l] = m
		}
		out[i] = m
	}
	return out
}

func sqDist(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}

func clone(v []float64) []float64 { return append([]float64(nil), v...) }
