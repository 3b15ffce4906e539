package experiment

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nvandessel/cellsim/internal/simulation"
)

func TestDispatchRunsEveryCell(t *testing.T) {
	ids := []int{0, 1, 2, 3, 4, 5, 6, 7}
	for _, workers := range []int{1, 4} {
		var got []int
		err := dispatch(context.Background(), workers, ids,
			func(_ context.Context, id int) (simulation.Outcome, error) {
				return simulation.Outcome{CellID: id}, nil
			},
			func(r cellResult) { got = append(got, r.out.CellID) })
		if err != nil {
			t.Fatalf("workers=%d: dispatch: %v", workers, err)
		}
		sort.Ints(got)
		if len(got) != len(ids) {
			t.Fatalf("workers=%d: visited %v", workers, got)
		}
		for i := range ids {
			if got[i] != ids[i] {
				t.Fatalf("workers=%d: visited %v", workers, got)
			}
		}
	}
}

func TestDispatchFirstErrorStopsFeed(t *testing.T) {
	boom := errors.New("boom")
	ids := make([]int, 200)
	for i := range ids {
		ids[i] = i
	}

	var started atomic.Int64
	err := dispatch(context.Background(), 2, ids,
		func(_ context.Context, id int) (simulation.Outcome, error) {
			started.Add(1)
			if id == 0 {
				return simulation.Outcome{}, boom
			}
			time.Sleep(time.Millisecond)
			return simulation.Outcome{CellID: id}, nil
		},
		func(cellResult) {})
	if !errors.Is(err, boom) {
		t.Fatalf("dispatch error = %v, want boom", err)
	}
	if n := started.Load(); n == int64(len(ids)) {
		t.Errorf("all %d cells started despite an early failure", n)
	}
}

func TestDispatchJobsSurviveCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var jobCtxErr error
	err := dispatch(ctx, 1, []int{0, 1},
		func(jctx context.Context, id int) (simulation.Outcome, error) {
			cancel()
			jobCtxErr = jctx.Err()
			return simulation.Outcome{CellID: id}, nil
		},
		func(cellResult) {})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("dispatch error = %v, want context.Canceled", err)
	}
	if jobCtxErr != nil {
		t.Errorf("in-flight job saw cancellation: %v", jobCtxErr)
	}
}
