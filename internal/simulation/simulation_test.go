package simulation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"

	"github.com/nvandessel/cellsim/internal/dataset"
	"github.com/nvandessel/cellsim/internal/integrate"
	"github.com/nvandessel/cellsim/internal/model"
	"github.com/nvandessel/cellsim/internal/sampling"
	"github.com/nvandessel/cellsim/internal/storage"
)

func oneGene() *model.Specification {
	return &model.Specification{
		Name:       "fake",
		Parameters: map[string]float64{"rate": 1},
		Variables:  []string{"x_A"},
		Genes:      []string{"A"},
		XMax:       2,
	}
}

// wakesAfter stays flat for the first n integrations, then grows. It counts
// integrations by the number of calls made at t=0.
type wakesAfter struct {
	n     int64
	calls atomic.Int64
}

func (w *wakesAfter) Derivative(t float64, y, _, dydt []float64) {
	if t == 0 {
		w.calls.Add(1)
	}
	if w.calls.Load() <= w.n {
		dydt[0] = 0
		return
	}
	dydt[0] = 5
}

type nanModel struct{ calls atomic.Int64 }

func (m *nanModel) Derivative(t float64, _, _, dydt []float64) {
	if t == 0 {
		m.calls.Add(1)
	}
	dydt[0] = math.Inf(1)
}

func newTestContext(t *testing.T, spec *model.Specification, rhs model.RightHandSide, policy sampling.Policy, settings Settings) *Context {
	t.Helper()
	grid, err := integrate.NewTimeGrid(1, 0.01)
	if err != nil {
		t.Fatalf("NewTimeGrid: %v", err)
	}
	sc, err := NewContext(spec, rhs, grid, policy, integrate.New(integrate.StrictPolicy()), settings, storage.NewMemory())
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return sc
}

func toggle(t *testing.T) (*model.Specification, model.RightHandSide) {
	t.Helper()
	e, err := model.Builtins().Lookup("toggle")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	spec := e.Defaults()
	rhs, err := e.Factory(spec)
	if err != nil {
		t.Fatalf("Factory: %v", err)
	}
	return spec, rhs
}

func readTable(t *testing.T, s storage.Store, key string) *dataset.Table {
	t.Helper()
	b, err := storage.ReadAll(context.Background(), s, key)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	tb, err := dataset.ReadCSV(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("parse %s: %v", key, err)
	}
	return tb
}

func TestBuildInitialConditionDefaults(t *testing.T) {
	spec, _ := toggle(t)
	y0 := BuildInitialCondition(spec, nil)
	for i, v := range spec.Variables {
		want := model.TranscriptDefault
		if v[:2] == model.ProteinPrefix {
			want = model.ProteinThreshold
		}
		if y0[i] != want {
			t.Errorf("%s = %v, want %v", v, y0[i], want)
		}
	}
}

func TestBuildInitialConditionOverrides(t *testing.T) {
	spec, _ := toggle(t)
	tests := []struct {
		name      string
		overrides map[string]float64
		want      map[string]float64
	}{
		{
			name:      "bare name sets transcript and protein",
			overrides: map[string]float64{"A": 3},
			want:      map[string]float64{"x_A": 3, "p_A": 3, "x_B": model.OverrideFloor, "p_B": model.OverrideFloor},
		},
		{
			name:      "species name wins over bare name",
			overrides: map[string]float64{"A": 3, "p_A": 0.5, "x_B": 7},
			want:      map[string]float64{"x_A": 3, "p_A": 0.5, "x_B": 7, "p_B": model.OverrideFloor},
		},
		{
			name:      "unknown names only",
			overrides: map[string]float64{"Z": 9},
			want:      map[string]float64{"x_A": model.OverrideFloor, "p_A": model.OverrideFloor, "x_B": model.OverrideFloor, "p_B": model.OverrideFloor},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			y0 := BuildInitialCondition(spec, tt.overrides)
			for name, want := range tt.want {
				i, _ := spec.IndexOf(name)
				if y0[i] != want {
					t.Errorf("%s = %v, want %v", name, y0[i], want)
				}
			}
		})
	}
}

func TestGuardRetriesUntilViable(t *testing.T) {
	rhs := &wakesAfter{n: 2}
	sc := newTestContext(t, oneGene(), rhs, sampling.SingleTimepoint(), Settings{
		MaxAttempts: 10,
		Overrides:   map[string]float64{"other": 1},
	})

	acc, err := NewGuard(sc).Run(context.Background(), 7)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if acc.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", acc.Attempts)
	}
	if acc.Seed != 7+3*DefaultSeedOffset {
		t.Errorf("Seed = %d, want %d", acc.Seed, 7+3*DefaultSeedOffset)
	}
	if acc.MaxLevel < sc.Threshold() {
		t.Errorf("accepted max %v below threshold %v", acc.MaxLevel, sc.Threshold())
	}
}

func TestGuardExhausted(t *testing.T) {
	rhs := &wakesAfter{n: math.MaxInt64}
	sc := newTestContext(t, oneGene(), rhs, sampling.SingleTimepoint(), Settings{
		MaxAttempts: 4,
		SeedOffset:  10,
		Overrides:   map[string]float64{"other": 1},
	})

	_, err := NewGuard(sc).Run(context.Background(), 0)
	var ee *ExhaustedError
	if !errors.As(err, &ee) {
		t.Fatalf("Run error = %v, want *ExhaustedError", err)
	}
	if !errors.Is(err, ErrDegenerate) {
		t.Error("ExhaustedError should unwrap to ErrDegenerate")
	}
	if ee.Attempts != 4 || ee.LastSeed != 40 {
		t.Errorf("ExhaustedError = %+v", ee)
	}
	if got := rhs.calls.Load(); got != 4 {
		t.Errorf("integrations = %d, want 4", got)
	}
}

func TestUnboundedGuardStopsWhenInterrupted(t *testing.T) {
	rhs := &wakesAfter{n: math.MaxInt64}
	sc := newTestContext(t, oneGene(), rhs, sampling.SingleTimepoint(), Settings{
		MaxAttempts: 0,
		Overrides:   map[string]float64{"other": 1},
	})

	done := make(chan struct{})
	close(done)
	ctx := WithInterrupt(context.WithoutCancel(context.Background()), done)

	_, err := NewGuard(sc).Run(ctx, 3)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if got := rhs.calls.Load(); got != 1 {
		t.Errorf("integrations = %d, want 1", got)
	}
}

func TestBoundedGuardIgnoresInterrupt(t *testing.T) {
	rhs := &wakesAfter{n: math.MaxInt64}
	sc := newTestContext(t, oneGene(), rhs, sampling.SingleTimepoint(), Settings{
		MaxAttempts: 3,
		Overrides:   map[string]float64{"other": 1},
	})

	done := make(chan struct{})
	close(done)
	ctx := WithInterrupt(context.Background(), done)

	_, err := NewGuard(sc).Run(ctx, 3)
	var ee *ExhaustedError
	if !errors.As(err, &ee) {
		t.Fatalf("Run error = %v, want *ExhaustedError", err)
	}
	if got := rhs.calls.Load(); got != 3 {
		t.Errorf("integrations = %d, want 3", got)
	}
}

func TestGuardDoesNotRetryInstability(t *testing.T) {
	rhs := &nanModel{}
	sc := newTestContext(t, oneGene(), rhs, sampling.SingleTimepoint(), Settings{MaxAttempts: 5})

	_, err := NewGuard(sc).Run(context.Background(), 1)
	if !errors.Is(err, integrate.ErrInstability) {
		t.Fatalf("Run error = %v, want ErrInstability", err)
	}
	if got := rhs.calls.Load(); got != 1 {
		t.Errorf("integrations = %d, want 1", got)
	}
}

func TestNewContextValidation(t *testing.T) {
	grid, _ := integrate.NewTimeGrid(1, 0.25)
	in := integrate.New(integrate.StrictPolicy())
	snap, _ := sampling.Snapshots(10)

	if _, err := NewContext(oneGene(), &nanModel{}, grid, snap, in, Settings{}, storage.NewMemory()); !errors.Is(err, sampling.ErrPolicy) {
		t.Errorf("too many snapshots: error = %v, want ErrPolicy", err)
	}
	if _, err := NewContext(oneGene(), &nanModel{}, grid, sampling.SingleTimepoint(), in, Settings{MaxAttempts: -1}, storage.NewMemory()); err == nil {
		t.Error("negative max attempts should fail")
	}
	if _, err := NewContext(oneGene(), &nanModel{}, grid, sampling.SingleTimepoint(), in, Settings{}, nil); err == nil {
		t.Error("missing store should fail")
	}
	bad := oneGene()
	bad.XMax = 0
	if _, err := NewContext(bad, &nanModel{}, grid, sampling.SingleTimepoint(), in, Settings{}, storage.NewMemory()); !errors.Is(err, model.ErrInvalidSpec) {
		t.Errorf("invalid spec: error = %v, want ErrInvalidSpec", err)
	}
}

func TestJobSingleTimepoint(t *testing.T) {
	spec, rhs := toggle(t)
	sc := newTestContext(t, spec, rhs, sampling.SingleTimepoint(), Settings{
		Stochastic:  true,
		MaxAttempts: 10,
		SampleCells: true,
	})

	out, err := NewJob(sc, 2).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	steps := sc.Grid.Len()
	if out.Columns != steps-1 || out.Key != "simulations/E2.csv" {
		t.Errorf("Outcome = %+v", out)
	}

	tb := readTable(t, sc.Store, ResultKey(2))
	if nr, nc := tb.Dims(); nr != 2 || nc != steps-1 {
		t.Fatalf("table dims = (%d, %d), want (2, %d)", nr, nc, steps-1)
	}
	if tb.Rows[0] != "A" || tb.Rows[1] != "B" {
		t.Errorf("rows = %v", tb.Rows)
	}
	if tb.Columns[0] != "E2_1" || tb.Columns[steps-2] != fmt.Sprintf("E2_%d", steps-1) {
		t.Errorf("columns = %q..%q", tb.Columns[0], tb.Columns[steps-2])
	}

	sample := readTable(t, sc.Store, SampleKey(2))
	if _, nc := sample.Dims(); nc != 1 {
		t.Errorf("sample file has %d columns, want 1", nc)
	}
}

func TestJobWriteProtein(t *testing.T) {
	spec, rhs := toggle(t)
	sc := newTestContext(t, spec, rhs, sampling.SingleTimepoint(), Settings{Stochastic: true, WriteProtein: true})

	if _, err := NewJob(sc, 0).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	tb := readTable(t, sc.Store, ResultKey(0))
	want := []string{"A", "B", "p_A", "p_B"}
	if len(tb.Rows) != len(want) {
		t.Fatalf("rows = %v, want %v", tb.Rows, want)
	}
	for i := range want {
		if tb.Rows[i] != want[i] {
			t.Errorf("row %d = %q, want %q", i, tb.Rows[i], want[i])
		}
	}
	if ok, _ := storage.Exists(context.Background(), sc.Store, SampleKey(0)); ok {
		t.Error("sample file written without SampleCells")
	}
}

func TestJobSnapshots(t *testing.T) {
	spec, rhs := toggle(t)
	policy, _ := sampling.Snapshots(4)
	sc := newTestContext(t, spec, rhs, policy, Settings{Stochastic: true, SampleCells: true})

	out, err := NewJob(sc, 1).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	tb := readTable(t, sc.Store, ResultKey(1))
	want := []string{"E1_t0", "E1_t1", "E1_t2", "E1_t3"}
	if len(tb.Columns) != len(want) {
		t.Fatalf("columns = %v, want %v", tb.Columns, want)
	}
	for i := range want {
		if tb.Columns[i] != want[i] {
			t.Errorf("column %d = %q, want %q", i, tb.Columns[i], want[i])
		}
	}

	windows, _ := sampling.Windows(sc.Grid.Len(), 4)
	for i, k := range out.Indices {
		if k < windows[i].Lo || k >= windows[i].Hi {
			t.Errorf("snapshot %d index %d outside %+v", i, k, windows[i])
		}
	}
	if ok, _ := storage.Exists(context.Background(), sc.Store, SampleKey(1)); ok {
		t.Error("snapshot runs must not write a sample file")
	}
}

func TestJobReproducible(t *testing.T) {
	spec, rhs := toggle(t)
	policy, _ := sampling.Snapshots(3)
	a := newTestContext(t, spec, rhs, policy, Settings{Stochastic: true})
	b := newTestContext(t, spec, rhs, policy, Settings{Stochastic: true})

	ctx := context.Background()
	if _, err := NewJob(a, 5).Run(ctx); err != nil {
		t.Fatalf("Run a: %v", err)
	}
	if _, err := NewJob(b, 5).Run(ctx); err != nil {
		t.Fatalf("Run b: %v", err)
	}
	x, _ := storage.ReadAll(ctx, a.Store, ResultKey(5))
	y, _ := storage.ReadAll(ctx, b.Store, ResultKey(5))
	if !bytes.Equal(x, y) {
		t.Error("same cell produced different result files")
	}
}
