// Package report fans out per-key queries against the source and writes one
// report per key.
package report

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/siqueiraa/EdcSync/pkg/config"
	"github.com/siqueiraa/EdcSync/pkg/fanout"
	"github.com/siqueiraa/EdcSync/pkg/pipeline"
	"github.com/siqueiraa/EdcSync/pkg/source"
)

// Result is the report of one key: its sub-keys and their rows.
type Result = fanout.NestedResult[source.Rows]

// Job runs the two-level report query. The outer query takes the report key
// as its only parameter and returns one row per sub-task; the inner query
// is called with the leading columns of that row as its parameters, which
// also name the sub-task.
type Job struct {
	db          *source.DB
	outerSQL    string
	innerSQL    string
	innerParams int
	opts        fanout.NestedOptions
}

// NewJob validates the configured queries.
func NewJob(db *source.DB, cfg config.ReportConfig, fo config.FanOutConfig) (*Job, error) {
	outer, err := pipeline.NewQueryPlan(cfg.OuterQuery)
	if err != nil {
		return nil, fmt.Errorf("report outer query: %w", err)
	}
	if outer.Params != 1 {
		return nil, fmt.Errorf("report outer query must take exactly 1 parameter, has %d", outer.Params)
	}
	inner, err := pipeline.NewQueryPlan(cfg.InnerQuery)
	if err != nil {
		return nil, fmt.Errorf("report inner query: %w", err)
	}
	if inner.Params == 0 {
		return nil, fmt.Errorf("report inner query must take at least 1 parameter")
	}

	return &Job{
		db:          db,
		outerSQL:    cfg.OuterQuery,
		innerSQL:    cfg.InnerQuery,
		innerParams: inner.Params,
		opts: fanout.NestedOptions{
			Outer:       fanout.Options{Limit: fo.MaxWorkers, TaskTimeout: fo.TaskTimeout},
			Inner:       fanout.Options{Limit: fo.InnerWorkers, TaskTimeout: fo.TaskTimeout},
			GlobalLimit: fo.GlobalLimit,
		},
	}, nil
}

// SetTaskHooks installs OnDone hooks on the outer and inner pools.
func (j *Job) SetTaskHooks(outer, inner func(key string, elapsed time.Duration, err error)) {
	j.opts.Outer.OnDone = outer
	j.opts.Inner.OnDone = inner
}

// Run queries every key. A failure of one key or sub-key is recorded in its
// result; the error is reserved for caller mistakes such as duplicate keys.
func (j *Job) Run(ctx context.Context, keys []string) (map[string]Result, error) {
	tasks := make([]fanout.Task[string], len(keys))
	for i, k := range keys {
		tasks[i] = fanout.Task[string]{Key: k, Args: k}
	}

	start := time.Now()
	results, err := fanout.RunNested(ctx, tasks, j.listSubTasks, j.queryRows, j.opts)
	if err != nil {
		return nil, err
	}
	log.Printf("[Report] %d keys queried in %s", len(results), time.Since(start).Round(time.Millisecond))
	return results, nil
}

func (j *Job) listSubTasks(ctx context.Context, t fanout.Task[string]) ([]fanout.Task[[]any], error) {
	rows, err := j.db.QueryRows(ctx, j.outerSQL, t.Args)
	if err != nil {
		return nil, err
	}
	subs := make([]fanout.Task[[]any], 0, len(rows.Values))
	for _, row := range rows.Values {
		if len(row) < j.innerParams {
			return nil, fmt.Errorf("outer query returned %d columns, inner query needs %d", len(row), j.innerParams)
		}
		args := row[:j.innerParams]
		subs = append(subs, fanout.Task[[]any]{Key: subKey(args), Args: args})
	}
	log.Printf("[Report] %s has %d sub-keys", t.Key, len(subs))
	return subs, nil
}

func (j *Job) queryRows(ctx context.Context, t fanout.Task[[]any]) (source.Rows, error) {
	return j.db.QueryRows(ctx, j.innerSQL, t.Args...)
}

// subKey names a sub-task by its inner query parameters, joined with "/".
// Rows that query the same sub-key collide, any other column is ignored.
func subKey(args []any) string {
	parts := make([]string, len(args))
	for i, v := range args {
		if b, ok := v.([]byte); ok {
			parts[i] = string(b)
		} else {
			parts[i] = fmt.Sprint(v)
		}
	}
	return strings.Join(parts, "/")
}
