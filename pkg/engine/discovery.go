package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/siqueiraa/EdcSync/pkg/model"
	"github.com/siqueiraa/EdcSync/pkg/pipeline"
)

// SyncReport is the outcome of one group-level pass.
type SyncReport struct {
	Group   string
	Window  model.Window
	Outcome State
	Keys    []string
	Results map[string][]CycleResult
	Errors  map[string]error
}

// SyncActive runs one group-level pass. It reads the group watermark,
// derives the next window from the source high watermark (or, for script
// stages, the upstream group watermark), lists the keys active in that
// window and catches each key up to the window end, in sorted order. The
// group watermark advances only when every key succeeded.
func (d *Driver) SyncActive(ctx context.Context) (SyncReport, error) {
	group, stage := d.stage.WatermarkGroup(), d.stage.Name
	rep := SyncReport{Group: group, Outcome: StateNoOp, Results: map[string][]CycleResult{}, Errors: map[string]error{}}

	last, err := d.lastEnd(ctx, group, stage, bounds{})
	if err != nil {
		return rep, &CycleError{Key: group, Stage: stage, State: StateReadWatermark, Err: err}
	}
	high, found, err := d.groupHigh(ctx, group)
	if err != nil {
		return rep, &CycleError{Key: group, Stage: stage, State: StateCheckSourceAhead, Err: err}
	}
	w, ok := model.NextWindow(last, high, d.stage.SpanDuration())
	if !found || !ok {
		log.Printf("[Engine] %s/%s: no new data after %s", stage, group, last.Format(time.RFC3339))
		return rep, nil
	}
	rep.Window = w

	keys, err := d.activeKeys(ctx, group, w)
	if err != nil {
		return rep, &CycleError{Key: group, Stage: stage, Window: w, State: StateExtract, Err: err}
	}
	rep.Keys = keys
	log.Printf("[Engine] %s/%s %s: %d active keys", stage, group, w, len(keys))

	var errs []error
	for _, key := range keys {
		results, err := d.catchUp(ctx, key, bounds{ceiling: w.End, initial: w.Start})
		rep.Results[key] = results
		if err != nil {
			rep.Errors[key] = err
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) > 0 {
		rep.Outcome = StateFailed
		return rep, fmt.Errorf("%s/%s: %d of %d keys failed: %w", stage, group, len(errs), len(keys), errors.Join(errs...))
	}
	if err := ctx.Err(); err != nil {
		rep.Outcome = StateFailed
		return rep, err
	}

	if err := d.marks.Commit(ctx, group, stage, w.End); err != nil {
		d.logRegression(err)
		rep.Outcome = StateFailed
		return rep, &CycleError{Key: group, Stage: stage, Window: w, State: StateCommit, Err: err}
	}
	rep.Outcome = StateDone
	return rep, nil
}

func (d *Driver) groupHigh(ctx context.Context, group string) (time.Time, bool, error) {
	if d.stage.Kind == pipeline.KindScript {
		wm, found, err := d.marks.Get(ctx, group, d.stage.Upstream)
		return wm.LastEndTime, found, err
	}
	return d.extractor.MaxTime(ctx, "")
}

func (d *Driver) activeKeys(ctx context.Context, group string, w model.Window) ([]string, error) {
	if d.stage.Kind != pipeline.KindScript {
		return d.extractor.ListActiveKeys(ctx, w)
	}
	marks, err := d.marks.List(ctx, d.stage.Upstream)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, wm := range marks {
		if wm.Key != group && wm.LastEndTime.After(w.Start) {
			keys = append(keys, wm.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
