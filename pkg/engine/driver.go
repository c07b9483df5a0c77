// Package engine sequences sync cycles: read the watermark, extract the next
// window, reconcile the schema, replace the destination rows and advance
// the watermark.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/siqueiraa/EdcSync/pkg/extract"
	"github.com/siqueiraa/EdcSync/pkg/loader"
	"github.com/siqueiraa/EdcSync/pkg/model"
	"github.com/siqueiraa/EdcSync/pkg/pipeline"
	"github.com/siqueiraa/EdcSync/pkg/schema"
	"github.com/siqueiraa/EdcSync/pkg/state"
	"github.com/siqueiraa/EdcSync/pkg/warehouse"
)

/*─────────────────────────────────────────────────────────────────────────────*
| 1.  Types                                                                   |
*─────────────────────────────────────────────────────────────────────────────*/

// State is a step of the cycle state machine, or its terminal outcome.
type State string

const (
	StateStart            State = "START"
	StateReadWatermark    State = "READ_WATERMARK"
	StateCheckSourceAhead State = "CHECK_SOURCE_AHEAD"
	StateReconcile        State = "RECONCILE"
	StateExtract          State = "EXTRACT"
	StateCheckSchema      State = "CHECK_SCHEMA"
	StateLoad             State = "LOAD"
	StateCommit           State = "COMMIT"
	StateDone             State = "DONE"
	StateNoOp             State = "NO_OP"
	StateRepaired         State = "REPAIRED"
	StateFailed           State = "FAILED"
)

// CycleResult describes a finished cycle. Outcome is DONE, NO_OP, REPAIRED
// or FAILED.
type CycleResult struct {
	RunID     string
	Key       string
	Stage     string
	Outcome   State
	Window    model.Window
	Rows      int
	Diff      schema.ColumnDiff
	Watermark time.Time
	Elapsed   time.Duration
}

// CycleError reports the key, stage, window and step of a failed cycle.
// The watermark is untouched unless State is COMMIT.
type CycleError struct {
	Key    string
	Stage  string
	Window model.Window
	State  State
	Err    error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle %s/%s %s failed in %s: %v", e.Stage, e.Key, e.Window, e.State, e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }

// EventSink publishes cycle events.
type EventSink interface {
	PublishCycle(ctx context.Context, ev model.CycleEvent) error
}

// Observer records cycle metrics.
type Observer interface {
	ObserveCycle(stage, outcome string, elapsed time.Duration, rows int)
}

// ScriptRunner runs the external script of a script stage.
type ScriptRunner interface {
	Run(ctx context.Context, script string, args ...string) error
}

// Deps are the collaborators of a Driver. Marks defaults to Dest, which
// makes every load commit atomically with its watermark.
type Deps struct {
	Source       extract.Querier
	Dest         *warehouse.Warehouse
	Marks        state.Store
	Reconciler   *schema.Reconciler
	BatchSize    int
	CreateTables bool
	Scripts      ScriptRunner
	Events       EventSink
	Metrics      Observer
}

/*─────────────────────────────────────────────────────────────────────────────*
| 2.  Driver                                                                  |
*─────────────────────────────────────────────────────────────────────────────*/

// Driver runs the cycles of one stage. Cycles for different keys may run
// concurrently; cycles for the same key must not.
type Driver struct {
	stage     pipeline.Stage
	extractor *extract.Extractor
	dest      *warehouse.Warehouse
	marks     state.Store
	loader    *loader.Loader
	schema    *schema.Reconciler
	deps      Deps
}

// New wires a driver for stage.
func New(stage pipeline.Stage, deps Deps) (*Driver, error) {
	if deps.Marks == nil {
		if deps.Dest == nil {
			return nil, errors.New("engine: a watermark store or destination is required")
		}
		deps.Marks = deps.Dest
	}

	d := &Driver{stage: stage, marks: deps.Marks, dest: deps.Dest, deps: deps}
	switch stage.Kind {
	case pipeline.KindScript:
		if deps.Scripts == nil {
			return nil, fmt.Errorf("engine: stage %s needs a script runner", stage.Name)
		}
	default:
		if deps.Source == nil || deps.Dest == nil {
			return nil, fmt.Errorf("engine: stage %s needs a source and a destination", stage.Name)
		}
		d.extractor = extract.New(deps.Source, stage.Source.DataTimeColumn)
		d.loader = loader.New(deps.Dest, deps.Marks, deps.BatchSize)
		d.schema = deps.Reconciler
		if d.schema == nil {
			d.schema = schema.NewReconciler(deps.Dest, schema.PolicyDegrade, 0, nil)
		}
	}
	return d, nil
}

// Stage returns the stage definition.
func (d *Driver) Stage() pipeline.Stage { return d.stage }

// bounds limits a cycle: ceiling caps the high watermark (zero means none)
// and initial replaces the stage start when the key has no watermark yet.
type bounds struct {
	ceiling time.Time
	initial time.Time
}

// RunCycle runs one cycle for key. A key without a watermark starts at the
// stage's configured start.
func (d *Driver) RunCycle(ctx context.Context, key string) (CycleResult, error) {
	return d.cycle(ctx, key, bounds{})
}

// Backfill repeats cycles for key until the window end reaches
// min(until, discovered high watermark). A zero until means the discovered
// bound. It never commits past that bound.
func (d *Driver) Backfill(ctx context.Context, key string, until time.Time) ([]CycleResult, error) {
	return d.catchUp(ctx, key, bounds{ceiling: until})
}

func (d *Driver) catchUp(ctx context.Context, key string, b bounds) ([]CycleResult, error) {
	var results []CycleResult
	for {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := d.cycle(ctx, key, b)
		if err != nil {
			return results, err
		}
		if res.Outcome == StateNoOp {
			return results, nil
		}
		results = append(results, res)
	}
}

func (d *Driver) cycle(ctx context.Context, key string, b bounds) (res CycleResult, err error) {
	start := time.Now()
	res = CycleResult{RunID: uuid.NewString(), Key: key, Stage: d.stage.Name, Outcome: StateStart}
	defer func() {
		res.Elapsed = time.Since(start)
		if err != nil {
			res.Outcome = StateFailed
		}
		d.report(ctx, res, err)
	}()

	if d.stage.Kind == pipeline.KindScript {
		return d.scriptCycle(ctx, res, b)
	}
	return d.loadCycle(ctx, res, b)
}

/*─────────────────────────────────────────────────────────────────────────────*
| 3.  Load cycle                                                              |
*─────────────────────────────────────────────────────────────────────────────*/

func (d *Driver) loadCycle(ctx context.Context, res CycleResult, b bounds) (CycleResult, error) {
	key, stage := res.Key, res.Stage
	fail := func(st State, w model.Window, err error) (CycleResult, error) {
		return res, &CycleError{Key: key, Stage: stage, Window: w, State: st, Err: err}
	}

	// READ_WATERMARK
	last, err := d.lastEnd(ctx, key, stage, b)
	if err != nil {
		return fail(StateReadWatermark, model.Window{}, err)
	}
	res.Watermark = last

	// CHECK_SOURCE_AHEAD
	high, found, err := d.extractor.MaxTime(ctx, key)
	if err != nil {
		return fail(StateCheckSourceAhead, model.Window{Start: last}, err)
	}
	if found && !b.ceiling.IsZero() && b.ceiling.Before(high) {
		high = b.ceiling
	}
	w, ok := model.NextWindow(last, high, d.stage.SpanDuration())
	if !found || !ok {
		res.Outcome = StateNoOp
		return res, nil
	}
	res.Window = w

	// RECONCILE
	target := d.target(key)
	destMax, hasRows, err := d.dest.MaxTime(ctx, target, key)
	if err != nil {
		return fail(StateReconcile, w, err)
	}
	if hasRows && !destMax.Before(w.End) {
		log.Printf("[Engine] %s/%s: destination already holds %s (max %s), repairing watermark",
			stage, key, w, destMax.Format(time.RFC3339))
		if err := d.marks.Commit(ctx, key, stage, w.End); err != nil {
			d.logRegression(err)
			return fail(StateCommit, w, err)
		}
		res.Outcome, res.Watermark = StateRepaired, w.End
		return res, nil
	}
	if hasRows && destMax.After(w.Start) {
		log.Printf("[Engine] %s/%s: destination rows up to %s inside %s, replacing overlap",
			stage, key, destMax.Format(time.RFC3339), w)
	}

	// EXTRACT
	records, err := d.extractor.Extract(ctx, key, w)
	if err != nil {
		return fail(StateExtract, w, err)
	}

	// CHECK_SCHEMA
	target, diff, skip, err := d.checkSchema(ctx, target, key, records)
	if err != nil {
		return fail(StateCheckSchema, w, err)
	}
	res.Diff = diff
	if skip {
		// nothing to load into a table that does not exist yet
		if err := d.marks.Commit(ctx, key, stage, w.End); err != nil {
			d.logRegression(err)
			return fail(StateCommit, w, err)
		}
		res.Outcome, res.Watermark = StateDone, w.End
		return res, nil
	}

	// LOAD + COMMIT
	n, err := d.loader.Replace(ctx, stage, target, key, w, records)
	if err != nil {
		var (
			commitErr  *loader.CommitError
			regression *state.RegressionError
		)
		switch {
		case errors.As(err, &regression):
			d.logRegression(err)
			return fail(StateCommit, w, err)
		case errors.As(err, &commitErr):
			return fail(StateCommit, w, err)
		default:
			return fail(StateLoad, w, err)
		}
	}

	res.Outcome, res.Rows, res.Watermark = StateDone, n, w.End
	return res, nil
}

// lastEnd reads the stored watermark, falling back to the initial bound and
// then to the stage start.
func (d *Driver) lastEnd(ctx context.Context, key, stage string, b bounds) (time.Time, error) {
	wm, found, err := d.marks.Get(ctx, key, stage)
	if err != nil {
		return time.Time{}, err
	}
	switch {
	case found:
		return wm.LastEndTime, nil
	case !b.initial.IsZero():
		return b.initial, nil
	default:
		return d.stage.StartTime(), nil
	}
}

func (d *Driver) target(key string) warehouse.Target {
	return warehouse.Target{
		Table:      d.stage.DestinationTable(key),
		TimeColumn: d.stage.Destination.TimeColumn,
		KeyColumn:  d.stage.Destination.KeyColumn,
	}
}

// checkSchema fills the target columns from the extracted records. skip is
// true when there are no records and no destination table to clear. In a
// shared table every record is stamped with key in the key column.
func (d *Driver) checkSchema(ctx context.Context, t warehouse.Target, key string, records []model.Record) (warehouse.Target, schema.ColumnDiff, bool, error) {
	none := schema.ColumnDiff{Consistent: true}
	if len(records) == 0 {
		_, exists, err := d.dest.Columns(ctx, t.Table)
		return t, none, !exists, err
	}

	columns := records[0].Columns
	if t.KeyColumn != "" {
		keyColumn := strings.ToUpper(t.KeyColumn)
		if !containsFold(columns, keyColumn) {
			columns = append(slices.Clone(columns), keyColumn)
		}
		for _, r := range records {
			r.Data[keyColumn] = key
		}
	}

	rows := make([]map[string]any, len(records))
	for i, r := range records {
		rows[i] = r.Data
	}
	data := schema.InferSchema(columns, rows)

	plan, err := d.schema.Reconcile(ctx, t.Table, data)
	if errors.Is(err, schema.ErrTableMissing) && d.deps.CreateTables {
		if err := d.dest.CreateTable(ctx, t.Table, data); err != nil {
			return t, none, false, err
		}
		d.schema.Invalidate(t.Table)
		plan, err = d.schema.Reconcile(ctx, t.Table, data)
	}
	if err != nil {
		return t, plan.Diff, false, err
	}
	if !containsFold(plan.Columns, t.TimeColumn) {
		return t, plan.Diff, false, fmt.Errorf("time column %s is not loadable into %s", t.TimeColumn, t.Table)
	}
	if t.KeyColumn != "" && !containsFold(plan.Columns, t.KeyColumn) {
		return t, plan.Diff, false, fmt.Errorf("key column %s is not loadable into %s", t.KeyColumn, t.Table)
	}

	t.Columns, t.Types = plan.Columns, data.Types
	return t, plan.Diff, false, nil
}

func containsFold(names []string, name string) bool {
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

func (d *Driver) logRegression(err error) {
	var regression *state.RegressionError
	if errors.As(err, &regression) {
		log.Printf("[Engine] OPERATOR ACTION REQUIRED: %v", regression)
	}
}

/*─────────────────────────────────────────────────────────────────────────────*
| 4.  Reporting                                                               |
*─────────────────────────────────────────────────────────────────────────────*/

func (d *Driver) report(ctx context.Context, res CycleResult, err error) {
	switch {
	case err != nil:
		log.Printf("[Engine] %s/%s run %s failed: %v", res.Stage, res.Key, res.RunID, err)
	case res.Outcome == StateNoOp:
		log.Printf("[Engine] %s/%s: nothing new after %s", res.Stage, res.Key, res.Watermark.Format(time.RFC3339))
	default:
		log.Printf("[Engine] %s/%s %s %s: %d rows in %s", res.Stage, res.Key, res.Window, res.Outcome,
			res.Rows, res.Elapsed.Round(time.Millisecond))
	}

	if d.deps.Metrics != nil {
		d.deps.Metrics.ObserveCycle(res.Stage, string(res.Outcome), res.Elapsed, res.Rows)
	}
	if d.deps.Events == nil {
		return
	}
	ev := model.CycleEvent{
		RunID:       res.RunID,
		Key:         res.Key,
		Stage:       res.Stage,
		Outcome:     string(res.Outcome),
		WindowStart: res.Window.Start,
		WindowEnd:   res.Window.End,
		Rows:        res.Rows,
		ElapsedMs:   res.Elapsed.Milliseconds(),
		At:          time.Now().UTC(),
	}
	var cycleErr *CycleError
	if errors.As(err, &cycleErr) {
		ev.FailedState = string(cycleErr.State)
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if pubErr := d.deps.Events.PublishCycle(ctx, ev); pubErr != nil {
		log.Printf("[Engine] Failed to publish cycle event: %v", pubErr)
	}
}
