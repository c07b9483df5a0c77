// Package warehouse is the destination collaborator: window deletes, batched
// inserts, column introspection, table DDL and the watermark table.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/siqueiraa/EdcSync/pkg/duck"
	"github.com/siqueiraa/EdcSync/pkg/model"
	"github.com/siqueiraa/EdcSync/pkg/schema"
	"github.com/siqueiraa/EdcSync/pkg/source"
	"github.com/siqueiraa/EdcSync/pkg/state"
)

const maxParamsPerStatement = 30000 // stays below the SQLite and PostgreSQL limits

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Target describes where the rows of one key go.
type Target struct {
	Table      string
	TimeColumn string
	KeyColumn  string            // set when keys share the table
	Columns    []string          // columns to insert, in value order
	Types      map[string]string // inferred types, optional
}

// Warehouse wraps the destination database. It also stores watermarks in
// the configured table and so implements state.Store.
type Warehouse struct {
	db             *source.DB
	watermarkTable string
	locks          state.KeyLocks
}

// New returns a warehouse using watermarkTable for watermarks.
func New(db *source.DB, watermarkTable string) (*Warehouse, error) {
	if !identRe.MatchString(watermarkTable) {
		return nil, fmt.Errorf("invalid watermark table name %q", watermarkTable)
	}
	return &Warehouse{db: db, watermarkTable: watermarkTable}, nil
}

// DB returns the underlying handle.
func (w *Warehouse) DB() *source.DB { return w.db }

func (w *Warehouse) ident(name string) string {
	return w.db.Dialect.Quote(strings.ToLower(name))
}

func (w *Warehouse) bind(query string) string {
	return w.db.Dialect.Bind(query)
}

// WithTx runs fn in a transaction, committing when fn returns nil.
func (w *Warehouse) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("[Warehouse] Rollback failed: %v", rbErr)
		}
		return err
	}
	return tx.Commit()
}

/* -------------------------------------------------------------------------- */
/*  Rows                                                                      */
/* -------------------------------------------------------------------------- */

// DeleteWindow removes the rows of key with start < time <= end.
func (w *Warehouse) DeleteWindow(ctx context.Context, tx *sql.Tx, t Target, key string, win model.Window) (int64, error) {
	if err := validateTarget(t); err != nil {
		return 0, err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s > ? AND %s <= ?",
		w.ident(t.Table), w.ident(t.TimeColumn), w.ident(t.TimeColumn))
	args := []any{win.Start.UTC(), win.End.UTC()}
	if t.KeyColumn != "" {
		query += fmt.Sprintf(" AND %s = ?", w.ident(t.KeyColumn))
		args = append(args, key)
	}
	res, err := tx.ExecContext(ctx, w.bind(query), args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Insert writes rows with multi-row INSERT statements of at most batchSize
// rows each. Empty input is a no-op.
func (w *Warehouse) Insert(ctx context.Context, tx *sql.Tx, t Target, rows [][]any, batchSize int) error {
	if len(rows) == 0 {
		return nil
	}
	if err := validateTarget(t); err != nil {
		return err
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("insert into %s: no columns", t.Table)
	}

	perStmt := batchSize
	if limit := maxParamsPerStatement / len(t.Columns); perStmt <= 0 || perStmt > limit {
		perStmt = max(limit, 1)
	}

	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = w.ident(c)
	}
	rowPlaceholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", w.ident(t.Table), strings.Join(cols, ", "))

	for start := 0; start < len(rows); start += perStmt {
		end := min(start+perStmt, len(rows))
		batch := rows[start:end]

		var sb strings.Builder
		sb.WriteString(prefix)
		args := make([]any, 0, len(batch)*len(cols))
		for i, row := range batch {
			if len(row) != len(cols) {
				return fmt.Errorf("insert into %s: row has %d values, want %d", t.Table, len(row), len(cols))
			}
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(rowPlaceholder)
			args = append(args, w.normalize(t, row)...)
		}
		if _, err := tx.ExecContext(ctx, w.bind(sb.String()), args...); err != nil {
			return fmt.Errorf("insert into %s: %w", t.Table, err)
		}
	}
	return nil
}

func (w *Warehouse) normalize(t Target, row []any) []any {
	out := make([]any, len(row))
	for i, v := range row {
		if tm, ok := v.(time.Time); ok {
			v = tm.UTC()
		}
		if w.db.Dialect == source.DuckDB && t.Types != nil {
			v = duck.NormalizeValue(v, t.Types[strings.ToUpper(t.Columns[i])])
		}
		out[i] = v
	}
	return out
}

// MaxTime returns the newest time of key in the table. A missing table or
// an empty result reports found=false.
func (w *Warehouse) MaxTime(ctx context.Context, t Target, key string) (time.Time, bool, error) {
	if err := validateTarget(t); err != nil {
		return time.Time{}, false, err
	}
	if _, exists, err := w.Columns(ctx, t.Table); err != nil || !exists {
		return time.Time{}, false, err
	}

	query := fmt.Sprintf("SELECT MAX(%s) FROM %s", w.ident(t.TimeColumn), w.ident(t.Table))
	var args []any
	if t.KeyColumn != "" {
		query += fmt.Sprintf(" WHERE %s = ?", w.ident(t.KeyColumn))
		args = append(args, key)
	}
	var raw any
	if err := w.db.QueryRowContext(ctx, w.bind(query), args...).Scan(&raw); err != nil {
		return time.Time{}, false, err
	}
	if raw == nil {
		return time.Time{}, false, nil
	}
	ts, err := model.ParseTime(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return ts, true, nil
}

/* -------------------------------------------------------------------------- */
/*  Structure                                                                 */
/* -------------------------------------------------------------------------- */

// Columns lists the uppercase column names of table in ordinal order.
// exists is false when the table does not exist.
func (w *Warehouse) Columns(ctx context.Context, table string) ([]string, bool, error) {
	table = strings.ToLower(table)
	var (
		query string
		args  []any
	)
	switch w.db.Dialect {
	case source.SQLite:
		query = `SELECT name FROM pragma_table_info(?)`
		args = []any{table}
	default:
		query = `SELECT column_name FROM information_schema.columns WHERE table_name = ?`
		name := table
		if i := strings.IndexByte(table, '.'); i >= 0 {
			query += ` AND table_schema = ?`
			name = table[i+1:]
			args = []any{name, table[:i]}
		} else {
			args = []any{name}
		}
		query += ` ORDER BY ordinal_position`
	}

	rows, err := w.db.QueryRows(ctx, query, args...)
	if err != nil {
		return nil, false, err
	}
	cols := make([]string, 0, len(rows.Values))
	for _, r := range rows.Values {
		cols = append(cols, strings.ToUpper(fmt.Sprint(asString(r[0]))))
	}
	return cols, len(cols) > 0, nil
}

// CreateTable creates table with the inferred column types.
func (w *Warehouse) CreateTable(ctx context.Context, table string, ts schema.TableSchema) error {
	if !identRe.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	defs := make([]string, 0, len(ts.FieldOrder))
	for _, c := range ts.FieldOrder {
		defs = append(defs, fmt.Sprintf("%s %s", w.ident(c), w.db.Dialect.ColumnType(ts.Types[c])))
	}
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", w.ident(table), strings.Join(defs, ", "))
	if _, err := w.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	log.Printf("[Warehouse] Table %s created", table)
	return nil
}

// AddColumns adds the named columns using the inferred types in ts. It has
// the shape of schema.DDLHook.
func (w *Warehouse) AddColumns(ctx context.Context, table string, added []string, ts schema.TableSchema) error {
	if !identRe.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	for _, c := range added {
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			w.ident(table), w.ident(c), w.db.Dialect.ColumnType(ts.Types[strings.ToUpper(c)]))
		if _, err := w.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("add column %s to %s: %w", c, table, err)
		}
	}
	return nil
}

func validateTarget(t Target) error {
	if !identRe.MatchString(t.Table) {
		return fmt.Errorf("invalid table name %q", t.Table)
	}
	if !identRe.MatchString(t.TimeColumn) {
		return fmt.Errorf("invalid time column %q", t.TimeColumn)
	}
	if t.KeyColumn != "" && !identRe.MatchString(t.KeyColumn) {
		return fmt.Errorf("invalid key column %q", t.KeyColumn)
	}
	return nil
}

func asString(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
