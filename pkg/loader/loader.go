// Package loader replaces the destination rows of a key and window and
// advances the stage watermark.
package loader

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/siqueiraa/EdcSync/pkg/model"
	"github.com/siqueiraa/EdcSync/pkg/state"
	"github.com/siqueiraa/EdcSync/pkg/warehouse"
)

// Destination is the write side of the destination collaborator.
type Destination interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	DeleteWindow(ctx context.Context, tx *sql.Tx, t warehouse.Target, key string, w model.Window) (int64, error)
	Insert(ctx context.Context, tx *sql.Tx, t warehouse.Target, rows [][]any, batchSize int) error
}

// TxCommitter is implemented by watermark stores that live in the
// destination database and can advance a watermark inside its transaction.
type TxCommitter interface {
	Lock(key, stage string) func()
	CommitTx(ctx context.Context, tx *sql.Tx, key, stage string, end time.Time) error
}

// LoadError means the delete or insert failed. Nothing was written and the
// watermark did not move.
type LoadError struct {
	Key    string
	Window model.Window
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %q %s: %v", e.Key, e.Window, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// CommitError means the rows were replaced but the watermark commit failed.
// The next cycle detects the loaded rows and repairs the watermark.
type CommitError struct {
	Key    string
	Stage  string
	Window model.Window
	Err    error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit watermark %q/%s to %s: %v", e.Key, e.Stage, e.Window.End.Format(time.RFC3339), e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// Loader runs replace-and-advance units.
type Loader struct {
	dest      Destination
	marks     state.Store
	batchSize int
}

// New returns a loader. When marks is the destination itself the watermark
// advances in the same transaction as the rows.
func New(dest Destination, marks state.Store, batchSize int) *Loader {
	return &Loader{dest: dest, marks: marks, batchSize: batchSize}
}

// Atomic reports whether rows and watermark commit together.
func (l *Loader) Atomic() bool {
	_, ok := l.marks.(TxCommitter)
	return ok && any(l.dest) == any(l.marks)
}

// Replace deletes the rows of key in w, inserts records and advances the
// watermark of stage to w.End. It returns the number of rows written.
func (l *Loader) Replace(ctx context.Context, stage string, t warehouse.Target, key string, w model.Window, records []model.Record) (int, error) {
	t, rows := keyedRows(t, key, records)

	var committer TxCommitter
	if l.Atomic() {
		committer = l.marks.(TxCommitter)
		unlock := committer.Lock(key, stage)
		defer unlock()
	}

	var (
		deleted     int64
		committedTx bool
	)
	err := l.dest.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		if deleted, err = l.dest.DeleteWindow(ctx, tx, t, key, w); err != nil {
			return &LoadError{Key: key, Window: w, Err: fmt.Errorf("delete: %w", err)}
		}
		if err := l.dest.Insert(ctx, tx, t, rows, l.batchSize); err != nil {
			return &LoadError{Key: key, Window: w, Err: err}
		}
		if committer != nil {
			if err := committer.CommitTx(ctx, tx, key, stage, w.End); err != nil {
				return err
			}
			committedTx = true
		}
		return nil
	})
	if err != nil {
		return 0, wrapLoad(key, w, err)
	}
	log.Printf("[Loader] %s %s %s: replaced %d rows with %d", stage, key, w, deleted, len(rows))

	if !committedTx {
		if err := l.marks.Commit(ctx, key, stage, w.End); err != nil {
			return len(rows), &CommitError{Key: key, Stage: stage, Window: w, Err: err}
		}
	}
	return len(rows), nil
}

// keyedRows builds the insert rows. In a shared table the key column is
// always written and always holds key, so DeleteWindow finds the rows again.
func keyedRows(t warehouse.Target, key string, records []model.Record) (warehouse.Target, [][]any) {
	keyIdx := -1
	if t.KeyColumn != "" {
		keyIdx = slices.IndexFunc(t.Columns, func(c string) bool { return strings.EqualFold(c, t.KeyColumn) })
		if keyIdx < 0 {
			t.Columns = append(slices.Clone(t.Columns), strings.ToUpper(t.KeyColumn))
			keyIdx = len(t.Columns) - 1
		}
	}

	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = r.Values(t.Columns)
		if keyIdx >= 0 {
			rows[i][keyIdx] = key
		}
	}
	return t, rows
}

// wrapLoad keeps typed errors (load and regression) and wraps anything
// else, such as a failed COMMIT, as a LoadError.
func wrapLoad(key string, w model.Window, err error) error {
	switch err.(type) {
	case *LoadError, *state.RegressionError:
		return err
	default:
		return &LoadError{Key: key, Window: w, Err: err}
	}
}
