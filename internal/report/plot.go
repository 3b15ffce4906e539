// Package report renders summary figures of an aggregated dataset.
package report

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/nvandessel/cellsim/internal/dataset"
)

// File is the name of the trajectory figure under the output prefix.
const File = "trajectories.png"

// ErrNoData is returned when no column of the dataset carries a time label.
var ErrNoData = errors.New("no plottable columns")

// Series is the mean expression of one gene (or protein row) over time.
type Series struct {
	Name   string
	Points plotter.XYs
}

// columnTime parses the time part of a column label. Labels "E3_17" carry a
// grid index; labels "E3_t2" carry a snapshot window number.
func columnTime(label string) (idx int, snapshot bool, ok bool) {
	i := strings.LastIndexByte(label, '_')
	if i < 0 {
		return 0, false, false
	}
	s := label[i+1:]
	if strings.HasPrefix(s, "t") {
		snapshot = true
		s = s[1:]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false, false
	}
	return n, snapshot, true
}

// MeanSeries averages every row of t across cells at each time point. When
// times is non-nil, grid indices are mapped to simulation time.
func MeanSeries(t *dataset.Table, times []float64) ([]Series, error) {
	type acc struct {
		sum []float64
		n   int
	}
	byIdx := map[int]*acc{}
	for j, label := range t.Columns {
		idx, _, ok := columnTime(label)
		if !ok {
			continue
		}
		a := byIdx[idx]
		if a == nil {
			a = &acc{sum: make([]float64, len(t.Rows))}
			byIdx[idx] = a
		}
		for r := range t.Rows {
			a.sum[r] += t.Values[r][j]
		}
		a.n++
	}
	if len(byIdx) == 0 {
		return nil, ErrNoData
	}

	idxs := make([]int, 0, len(byIdx))
	for idx := range byIdx {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)

	series := make([]Series, len(t.Rows))
	for r, name := range t.Rows {
		pts := make(plotter.XYs, len(idxs))
		for k, idx := range idxs {
			x := float64(idx)
			if times != nil && idx < len(times) {
				x = times[idx]
			}
			a := byIdx[idx]
			pts[k].X = x
			pts[k].Y = a.sum[r] / float64(a.n)
		}
		series[r] = Series{Name: name, Points: pts}
	}
	return series, nil
}

// WritePNG draws one line per series and writes the figure as PNG.
func WritePNG(w io.Writer, series []Series, title string) error {
	if len(series) == 0 {
		return ErrNoData
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "time"
	p.Y.Label.Text = "mean expression"
	p.Legend.Top = true

	args := make([]interface{}, 0, 2*len(series))
	for _, s := range series {
		args = append(args, s.Name, s.Points)
	}
	if err := plotutil.AddLinePoints(p, args...); err != nil {
		return fmt.Errorf("add lines: %w", err)
	}

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("render plot: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write plot: %w", err)
	}
	return nil
}
