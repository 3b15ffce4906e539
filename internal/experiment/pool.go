package experiment

import (
	"context"
	"sync"

	"github.com/nvandessel/cellsim/internal/simulation"
)

// cellFunc runs one cell.
type cellFunc func(ctx context.Context, cellID int) (simulation.Outcome, error)

type cellResult struct {
	cellID int
	out    simulation.Outcome
	err    error
}

// dispatch runs every id through run on a pool of workers (workers < 2 runs
// sequentially in the caller's goroutine) and hands each outcome to visit
// from a single collector goroutine.
//
// The first job error stops the feed, and no queued cell starts afterwards.
// Cells already running finish: they get a context that is never cancelled
// and carries ctx's signal only for unbounded retry loops (see
// simulation.WithInterrupt). dispatch returns the first job error, otherwise
// ctx.Err() if the caller cancelled before every cell ran.
func dispatch(ctx context.Context, workers int, ids []int, run cellFunc, visit func(cellResult)) error {
	jobCtx := simulation.WithInterrupt(context.WithoutCancel(ctx), ctx.Done())

	if workers < 2 {
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			out, err := run(jobCtx, id)
			visit(cellResult{cellID: id, out: out, err: err})
			if err != nil {
				return err
			}
		}
		return nil
	}

	feedCtx, stop := context.WithCancel(ctx)
	defer stop()

	jobs := make(chan int, workers*2)
	results := make(chan cellResult, workers*2)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for id := range jobs {
				if feedCtx.Err() != nil {
					continue
				}
				out, err := run(jobCtx, id)
				results <- cellResult{cellID: id, out: out, err: err}
			}
		}()
	}

	var (
		first error
		done  int
		cwg   sync.WaitGroup
	)
	cwg.Add(1)
	go func() {
		defer cwg.Done()
		for r := range results {
			done++
			visit(r)
			if r.err != nil && first == nil {
				first = r.err
				stop()
			}
		}
	}()

feed:
	for _, id := range ids {
		select {
		case <-feedCtx.Done():
			break feed
		case jobs <- id:
		}
	}

	close(jobs)
	wg.Wait()
	close(results)
	cwg.Wait()

	if first != nil {
		return first
	}
	if done < len(ids) {
		return ctx.Err()
	}
	return nil
}
