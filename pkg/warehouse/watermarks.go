package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/siqueiraa/EdcSync/pkg/model"
	"github.com/siqueiraa/EdcSync/pkg/state"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EnsureWatermarkTable creates the watermark table when missing. The table
// is unique on (key, stage).
func (w *Warehouse) EnsureWatermarkTable(ctx context.Context) error {
	ts := w.db.Dialect.ColumnType("timestamp")
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s VARCHAR(128) NOT NULL,
	%s VARCHAR(128) NOT NULL,
	%s %s NOT NULL,
	%s %s NOT NULL,
	PRIMARY KEY (%s, %s)
)`, w.ident(w.watermarkTable),
		w.ident("key"), w.ident("stage"),
		w.ident("last_end_time"), ts,
		w.ident("updated_at"), ts,
		w.ident("key"), w.ident("stage"))
	if _, err := w.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create watermark table: %w", err)
	}
	return nil
}

// Get reads one watermark.
func (w *Warehouse) Get(ctx context.Context, key, stage string) (state.Watermark, bool, error) {
	return w.get(ctx, w.db, key, stage)
}

func (w *Warehouse) get(ctx context.Context, q querier, key, stage string) (state.Watermark, bool, error) {
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s = ? AND %s = ?",
		w.ident("last_end_time"), w.ident("updated_at"), w.ident(w.watermarkTable),
		w.ident("key"), w.ident("stage"))

	var endRaw, updRaw any
	err := q.QueryRowContext(ctx, w.bind(query), key, stage).Scan(&endRaw, &updRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Watermark{}, false, nil
	}
	if err != nil {
		return state.Watermark{}, false, fmt.Errorf("read watermark %s/%s: %w", key, stage, err)
	}
	return w.decode(key, stage, endRaw, updRaw)
}

func (w *Warehouse) decode(key, stage string, endRaw, updRaw any) (state.Watermark, bool, error) {
	end, err := model.ParseTime(endRaw)
	if err != nil {
		return state.Watermark{}, false, fmt.Errorf("watermark %s/%s: %w", key, stage, err)
	}
	upd, err := model.ParseTime(updRaw)
	if err != nil {
		return state.Watermark{}, false, fmt.Errorf("watermark %s/%s: %w", key, stage, err)
	}
	return state.Watermark{Key: key, Stage: stage, LastEndTime: end, UpdatedAt: upd}, true, nil
}

// Commit advances a watermark in its own transaction.
func (w *Warehouse) Commit(ctx context.Context, key, stage string, end time.Time) error {
	unlock := w.Lock(key, stage)
	defer unlock()

	return w.WithTx(ctx, func(tx *sql.Tx) error {
		return w.CommitTx(ctx, tx, key, stage, end)
	})
}

// Lock serializes commits of the same key and stage within this process.
func (w *Warehouse) Lock(key, stage string) func() {
	return w.locks.Lock(key, stage)
}

// CommitTx advances a watermark inside tx. The caller holds Lock. The upsert
// only applies when it does not move the stored value backwards.
func (w *Warehouse) CommitTx(ctx context.Context, tx *sql.Tx, key, stage string, end time.Time) error {
	current, found, err := w.get(ctx, tx, key, stage)
	if err != nil {
		return err
	}
	if found {
		if err := state.CheckAdvance(key, stage, current.LastEndTime, end); err != nil {
			return err
		}
	}

	table := w.ident(w.watermarkTable)
	ref := w.ident(w.watermarkTable[strings.LastIndexByte(w.watermarkTable, '.')+1:])
	query := fmt.Sprintf(`INSERT INTO %s (%s, %s, %s, %s) VALUES (?, ?, ?, ?)
ON CONFLICT (%s, %s) DO UPDATE SET %s = excluded.%s, %s = excluded.%s
WHERE %s.%s <= excluded.%s`,
		table, w.ident("key"), w.ident("stage"), w.ident("last_end_time"), w.ident("updated_at"),
		w.ident("key"), w.ident("stage"),
		w.ident("last_end_time"), w.ident("last_end_time"),
		w.ident("updated_at"), w.ident("updated_at"),
		ref, w.ident("last_end_time"), w.ident("last_end_time"))

	if _, err := tx.ExecContext(ctx, w.bind(query), key, stage, end.UTC(), time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert watermark %s/%s: %w", key, stage, err)
	}
	return nil
}

// List returns the watermarks of a stage ordered by key.
func (w *Warehouse) List(ctx context.Context, stage string) ([]state.Watermark, error) {
	query := fmt.Sprintf("SELECT %s, %s, %s FROM %s WHERE %s = ? ORDER BY %s",
		w.ident("key"), w.ident("last_end_time"), w.ident("updated_at"),
		w.ident(w.watermarkTable), w.ident("stage"), w.ident("key"))
	rows, err := w.db.QueryRows(ctx, query, stage)
	if err != nil {
		return nil, fmt.Errorf("list watermarks of %s: %w", stage, err)
	}

	out := make([]state.Watermark, 0, len(rows.Values))
	for _, r := range rows.Values {
		key := fmt.Sprint(asString(r[0]))
		wm, _, err := w.decode(key, stage, r[1], r[2])
		if err != nil {
			return nil, err
		}
		out = append(out, wm)
	}
	return out, nil
}
