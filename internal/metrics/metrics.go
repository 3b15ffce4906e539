// Package metrics collects run counters in a private Prometheus registry and
// exports them in the text exposition format.
package metrics

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nvandessel/cellsim/internal/simulation"
)

// File is the name of the exported metrics file under the output prefix.
const File = "metrics.prom"

// Collector records cell outcomes. It is an experiment observer.
type Collector struct {
	registry *prometheus.Registry

	cells    *prometheus.CounterVec
	attempts prometheus.Histogram
	duration prometheus.Histogram
	phase    *prometheus.GaugeVec
}

// New returns a collector whose metrics carry the given model name.
func New(model string) *Collector {
	labels := prometheus.Labels{"model": model}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		cells: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "cellsim",
			Name:        "cells_total",
			Help:        "Cells finished, by outcome.",
			ConstLabels: labels,
		}, []string{"status"}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "cellsim",
			Name:        "cell_attempts",
			Help:        "Integrations needed before a cell's trajectory was accepted.",
			ConstLabels: labels,
			Buckets:     []float64{1, 2, 3, 5, 10, 25, 100, 1000},
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "cellsim",
			Name:        "cell_duration_seconds",
			Help:        "Wall time of one cell job.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "cellsim",
			Name:        "phase_seconds",
			Help:        "Wall time of each run phase.",
			ConstLabels: labels,
		}, []string{"phase"}),
	}
	c.registry.MustRegister(c.cells, c.attempts, c.duration, c.phase)
	// Pre-create both series so a clean run still exports failed=0.
	c.cells.WithLabelValues("complete")
	c.cells.WithLabelValues("failed")
	return c
}

// CellDone records one finished cell.
func (c *Collector) CellDone(_ int, out simulation.Outcome, err error) {
	if err != nil {
		c.cells.WithLabelValues("failed").Inc()
		return
	}
	c.cells.WithLabelValues("complete").Inc()
	c.attempts.Observe(float64(out.Attempts))
	c.duration.Observe(out.Duration.Seconds())
}

// ObservePhase sets the wall time of a named run phase.
func (c *Collector) ObservePhase(name string, d time.Duration) {
	c.phase.WithLabelValues(name).Set(d.Seconds())
}

// WriteFile writes the metrics to dir/metrics.prom and returns the path.
func (c *Collector) WriteFile(dir string) (string, error) {
	path := filepath.Join(dir, File)
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return "", fmt.Errorf("write metrics: %w", err)
	}
	return path, nil
}
