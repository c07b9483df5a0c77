// Package fanout runs one handler per key on a bounded worker pool and
// collects exactly one result per key, whatever happens to the others.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// MaxWorkers caps the pool when Options.Limit is not set.
const MaxWorkers = 200

var (
	// ErrDuplicateKey rejects a batch that submits the same key twice.
	ErrDuplicateKey = errors.New("duplicate task key")
	// ErrTimeout marks a task that ran past Options.TaskTimeout.
	ErrTimeout = errors.New("task timed out")
	// ErrPanic marks a task whose handler panicked.
	ErrPanic = errors.New("task panicked")
)

// Task is one unit of work.
type Task[A any] struct {
	Key  string
	Args A
}

// Result is the outcome of one task: Value when Err is nil.
type Result[R any] struct {
	Key   string
	Value R
	Err   error
}

// OK reports whether the task succeeded.
func (r Result[R]) OK() bool { return r.Err == nil }

// Handler processes one task.
type Handler[A, R any] func(ctx context.Context, t Task[A]) (R, error)

// TaskError is the failure recorded for one key.
type TaskError struct {
	Key string
	Err error
}

func (e *TaskError) Error() string { return fmt.Sprintf("task %q: %v", e.Key, e.Err) }

func (e *TaskError) Unwrap() error { return e.Err }

// Options tunes a run.
type Options struct {
	// Limit bounds concurrent handler invocations. Zero means
	// min(MaxWorkers, number of tasks).
	Limit int
	// TaskTimeout fails a task that has not returned in time and frees its
	// slot. The handler's context is cancelled but the call is not waited for.
	// It bounds one handler call, never the pool as a whole.
	TaskTimeout time.Duration
	// OnDone is called after every task, for metrics.
	OnDone func(key string, elapsed time.Duration, err error)

	gate *semaphore.Weighted // shared budget across pools, see RunNested
}

func (o Options) limit(n int) int {
	if o.Limit > 0 {
		return o.Limit
	}
	return max(min(MaxWorkers, n), 1)
}

// collector is the only state shared by the workers.
type collector[R any] struct {
	mu      sync.Mutex
	results map[string]Result[R]
}

func (c *collector[R]) put(r Result[R]) {
	c.mu.Lock()
	c.results[r.Key] = r
	c.mu.Unlock()
}

// Run executes handler for every task with at most opts.Limit invocations in
// flight. Tasks are submitted in ascending key order; the returned map has
// one entry per task regardless of completion order. Task failures, panics
// and timeouts are recorded as *TaskError and never abort the batch.
//
// When ctx is cancelled no further tasks start, running ones are waited
// for, and the tasks never started are recorded with ctx.Err(). The only
// error Run itself returns is ErrDuplicateKey.
func Run[A, R any](ctx context.Context, tasks []Task[A], handler Handler[A, R], opts Options) (map[string]Result[R], error) {
	ordered, err := sortedTasks(tasks)
	if err != nil {
		return nil, err
	}

	c := &collector[R]{results: make(map[string]Result[R], len(tasks))}
	slots := semaphore.NewWeighted(int64(opts.limit(len(tasks))))
	var g errgroup.Group

	for i, t := range ordered {
		err := ctx.Err()
		if err == nil {
			err = slots.Acquire(ctx, 1)
		}
		if err != nil {
			for _, rest := range ordered[i:] {
				c.put(Result[R]{Key: rest.Key, Err: &TaskError{Key: rest.Key, Err: err}})
			}
			break
		}
		g.Go(func() error {
			defer slots.Release(1)
			c.put(runOne(ctx, t, handler, opts))
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range c.results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		log.Printf("[FanOut] %d of %d tasks failed", failed, len(tasks))
	}
	return c.results, nil
}

func sortedTasks[A any](tasks []Task[A]) ([]Task[A], error) {
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if _, dup := seen[t.Key]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, t.Key)
		}
		seen[t.Key] = struct{}{}
	}
	ordered := make([]Task[A], len(tasks))
	copy(ordered, tasks)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Key < ordered[j].Key })
	return ordered, nil
}

type outcome[R any] struct {
	value R
	err   error
}

func runOne[A, R any](ctx context.Context, t Task[A], handler Handler[A, R], opts Options) Result[R] {
	start := time.Now()
	res := Result[R]{Key: t.Key}

	if opts.gate != nil {
		if err := opts.gate.Acquire(ctx, 1); err != nil {
			res.Err = &TaskError{Key: t.Key, Err: err}
			return res
		}
		defer opts.gate.Release(1)
	}

	tctx, cancel := ctx, context.CancelFunc(func() {})
	if opts.TaskTimeout > 0 {
		tctx, cancel = context.WithTimeout(ctx, opts.TaskTimeout)
	}
	defer cancel()

	done := make(chan outcome[R], 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				log.Printf("[FanOut] Task %q panicked: %v\n%s", t.Key, p, debug.Stack())
				done <- outcome[R]{err: fmt.Errorf("%w: %v", ErrPanic, p)}
			}
		}()
		v, err := handler(tctx, t)
		done <- outcome[R]{value: v, err: err}
	}()

	var o outcome[R]
	select {
	case o = <-done:
	case <-tctx.Done():
		if ctx.Err() == nil {
			// own deadline: give up on the handler and free the slot
			o.err = fmt.Errorf("%w after %s", ErrTimeout, opts.TaskTimeout)
		} else {
			o = <-done
		}
	}

	if o.err != nil {
		res.Err = &TaskError{Key: t.Key, Err: o.err}
	} else {
		res.Value = o.value
	}
	if opts.OnDone != nil {
		opts.OnDone(t.Key, time.Since(start), res.Err)
	}
	return res
}
