package engine

import (
	"context"
	"strings"

	"github.com/siqueiraa/EdcSync/pkg/model"
	"github.com/siqueiraa/EdcSync/pkg/pipeline"
)

// scriptTimeLayout formats the window bounds passed to scripts.
const scriptTimeLayout = "2006-01-02 15:04:05"

// scriptCycle advances a script stage by one window. The upstream stage's
// watermark for the same key is the high bound; the script receives the
// configured args followed by the window start and end.
func (d *Driver) scriptCycle(ctx context.Context, res CycleResult, b bounds) (CycleResult, error) {
	key, stage := res.Key, res.Stage
	fail := func(st State, w model.Window, err error) (CycleResult, error) {
		return res, &CycleError{Key: key, Stage: stage, Window: w, State: st, Err: err}
	}

	last, err := d.lastEnd(ctx, key, stage, b)
	if err != nil {
		return fail(StateReadWatermark, model.Window{}, err)
	}
	res.Watermark = last

	up, found, err := d.marks.Get(ctx, key, d.stage.Upstream)
	if err != nil {
		return fail(StateCheckSourceAhead, model.Window{Start: last}, err)
	}
	high := up.LastEndTime
	if found && !b.ceiling.IsZero() && b.ceiling.Before(high) {
		high = b.ceiling
	}
	w, ok := model.NextWindow(last, high, d.stage.SpanDuration())
	if !found || !ok {
		res.Outcome = StateNoOp
		return res, nil
	}
	res.Window = w

	args := make([]string, 0, len(d.stage.Script.Args)+2)
	for _, a := range d.stage.Script.Args {
		args = append(args, strings.ReplaceAll(a, pipeline.KeyPlaceholder, key))
	}
	args = append(args, w.Start.Format(scriptTimeLayout), w.End.Format(scriptTimeLayout))
	if err := d.deps.Scripts.Run(ctx, d.stage.Script.Name, args...); err != nil {
		return fail(StateLoad, w, err)
	}

	if err := d.marks.Commit(ctx, key, stage, w.End); err != nil {
		d.logRegression(err)
		return fail(StateCommit, w, err)
	}
	res.Outcome, res.Watermark = StateDone, w.End
	return res, nil
}
