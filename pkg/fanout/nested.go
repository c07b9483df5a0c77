package fanout

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/semaphore"
)

// NestedResult is the outcome of one outer key: Err when the outer handler
// failed, otherwise one inner result per produced task.
type NestedResult[R any] struct {
	Key   string
	Err   error
	Inner map[string]Result[R]
}

// NestedOptions tunes RunNested. TaskTimeout bounds single calls: an outer
// listing call under Outer, an inner call under Inner. A key's inner pool as
// a whole has no deadline beyond ctx.
type NestedOptions struct {
	// Outer bounds the outer handlers and, separately, how many outer keys
	// run their inner pools at the same time.
	Outer Options
	// Inner is applied to each outer key's inner pool.
	Inner Options
	// GlobalLimit bounds inner handler invocations across every inner pool.
	// Zero means MaxWorkers.
	GlobalLimit int
}

// RunNested runs outer once per task; each outer call returns the inner
// tasks for its key, which are then run through inner on their own pool.
// All inner pools draw from one global budget, and outer slots are released
// before inner work starts, so inner work never waits on an outer worker.
// A failed outer key gets a NestedResult with Err set and no inner results;
// a duplicate inner key fails only its own outer key.
func RunNested[A, B, R any](
	ctx context.Context,
	tasks []Task[A],
	outer Handler[A, []Task[B]],
	inner Handler[B, R],
	opts NestedOptions,
) (map[string]NestedResult[R], error) {
	listed, err := Run(ctx, tasks, outer, opts.Outer)
	if err != nil {
		return nil, err
	}

	global := opts.GlobalLimit
	if global <= 0 {
		global = MaxWorkers
	}
	innerOpts := opts.Inner
	innerOpts.gate = semaphore.NewWeighted(int64(global))

	var (
		mu  sync.Mutex
		out = make(map[string]NestedResult[R], len(listed))
	)
	record := func(r NestedResult[R]) {
		mu.Lock()
		out[r.Key] = r
		mu.Unlock()
	}

	var pending []Task[[]Task[B]]
	for key, r := range listed {
		if r.Err != nil {
			record(NestedResult[R]{Key: key, Err: r.Err})
			continue
		}
		pending = append(pending, Task[[]Task[B]]{Key: key, Args: r.Value})
	}

	// no TaskTimeout: a pool lasts as long as its inner calls need
	pools := Options{Limit: opts.Outer.Limit}
	done, err := Run(ctx, pending, func(ctx context.Context, t Task[[]Task[B]]) (struct{}, error) {
		results, err := Run(ctx, t.Args, inner, innerOpts)
		if err != nil {
			return struct{}{}, err
		}
		record(NestedResult[R]{Key: t.Key, Inner: results})
		return struct{}{}, nil
	}, pools)
	if err != nil {
		return nil, err
	}
	for key, r := range done {
		if r.Err != nil {
			if _, ok := out[key]; !ok {
				record(NestedResult[R]{Key: key, Err: r.Err})
			}
		}
	}

	log.Printf("[FanOut] Nested run finished: %d outer keys", len(out))
	return out, nil
}
