// Package extract pulls the rows of one key and window from the source and
// turns them into duplicate-free records.
package extract

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/siqueiraa/EdcSync/pkg/model"
	"github.com/siqueiraa/EdcSync/pkg/source"
)

// Querier is the part of the source collaborator the extractor needs.
type Querier interface {
	RangeQuery(ctx context.Context, key string, w model.Window) (source.Rows, error)
	MaxTime(ctx context.Context, key string) (time.Time, bool, error)
	DistinctKeys(ctx context.Context, w model.Window) ([]string, error)
}

// ExtractionError reports a failed source query. The cycle can be retried.
type ExtractionError struct {
	Key    string
	Window model.Window
	Op     string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s for %q in %s: %v", e.Op, e.Key, e.Window, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Extractor runs window extractions for one stage.
type Extractor struct {
	src        Querier
	timeColumn string
	flight     singleflight.Group
}

// New returns an extractor reading timeColumn as the record timestamp.
func New(src Querier, timeColumn string) *Extractor {
	return &Extractor{src: src, timeColumn: strings.ToUpper(timeColumn)}
}

// Extract returns the records of key with w.Start < timestamp <= w.End.
// Exact duplicate rows are collapsed and rows outside the window dropped.
func (e *Extractor) Extract(ctx context.Context, key string, w model.Window) ([]model.Record, error) {
	rows, err := e.src.RangeQuery(ctx, key, w)
	if err != nil {
		return nil, &ExtractionError{Key: key, Window: w, Op: "range", Err: err}
	}

	tsIdx := -1
	for i, c := range rows.Columns {
		if c == e.timeColumn {
			tsIdx = i
			break
		}
	}
	if tsIdx < 0 {
		return nil, &ExtractionError{Key: key, Window: w, Op: "range",
			Err: fmt.Errorf("time column %s not in result %v", e.timeColumn, rows.Columns)}
	}

	buf := NewBuffer(key)
	outside := 0
	for _, vals := range rows.Values {
		ts, err := model.ParseTime(vals[tsIdx])
		if err != nil {
			return nil, &ExtractionError{Key: key, Window: w, Op: "range", Err: err}
		}
		if !w.Contains(ts) {
			outside++
			continue
		}

		data := make(map[string]any, len(rows.Columns))
		for i, c := range rows.Columns {
			data[c] = vals[i]
		}
		// the timestamp column is kept in its parsed UTC form
		data[e.timeColumn] = ts
		buf.Add(model.Record{Key: key, Timestamp: ts, Columns: rows.Columns, Data: data})
	}

	if outside > 0 || buf.Duplicates() > 0 {
		log.Printf("[Extract] %s %s: dropped %d rows outside the window and %d duplicates",
			key, w, outside, buf.Duplicates())
	}
	records := buf.Flush()
	if records == nil {
		records = []model.Record{}
	}
	return records, nil
}

// ListActiveKeys returns the keys with source rows in w, trimmed, distinct
// and sorted.
func (e *Extractor) ListActiveKeys(ctx context.Context, w model.Window) ([]string, error) {
	raw, err := e.src.DistinctKeys(ctx, w)
	if err != nil {
		return nil, &ExtractionError{Window: w, Op: "keys", Err: err}
	}
	seen := make(map[string]struct{}, len(raw))
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

type maxTime struct {
	ts    time.Time
	found bool
}

// MaxTime returns the newest source timestamp for key (or for the whole
// stage when key is empty). Concurrent calls for the same key share one
// query.
func (e *Extractor) MaxTime(ctx context.Context, key string) (time.Time, bool, error) {
	v, err, _ := e.flight.Do(key, func() (any, error) {
		ts, found, err := e.src.MaxTime(ctx, key)
		return maxTime{ts: ts, found: found}, err
	})
	if err != nil {
		return time.Time{}, false, &ExtractionError{Key: key, Op: "max time", Err: err}
	}
	mt := v.(maxTime)
	return mt.ts, mt.found, nil
}
