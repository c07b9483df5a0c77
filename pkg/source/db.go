// Package source wraps the SQL databases EdcSync reads from and writes to.
// It hides driver registration and placeholder styles, and exposes the
// window queries a sync stage runs against its source.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"

	"github.com/siqueiraa/EdcSync/pkg/config"
	"github.com/siqueiraa/EdcSync/pkg/duck"
	"github.com/siqueiraa/EdcSync/pkg/pipeline"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	Name     string
	Driver   string
	numbered bool // $1, $2 placeholders instead of ?
}

var (
	Postgres = Dialect{Name: "postgres", Driver: "pgx", numbered: true}
	SQLite   = Dialect{Name: "sqlite", Driver: "sqlite"}
	DuckDB   = Dialect{Name: "duckdb", Driver: "duckdb"}
)

// DialectFor resolves a configured driver name.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "pgx", "postgres", "postgresql":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "duckdb":
		return DuckDB, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported driver %q", driver)
	}
}

// Bind rewrites ? placeholders for dialects that number them.
func (d Dialect) Bind(query string) string {
	if d.numbered {
		return pipeline.NumberPlaceholders(query)
	}
	return query
}

// ColumnType maps an inferred type name to a column type of the dialect.
func (d Dialect) ColumnType(typ string) string {
	if d.Name == DuckDB.Name {
		return duck.ColumnType(typ)
	}
	pg := d.Name == Postgres.Name
	switch strings.ToLower(typ) {
	case "timestamp":
		if pg {
			return "TIMESTAMPTZ"
		}
		return "TIMESTAMP"
	case "int":
		if pg {
			return "BIGINT"
		}
		return "INTEGER"
	case "float":
		if pg {
			return "DOUBLE PRECISION"
		}
		return "REAL"
	case "bool":
		return "BOOLEAN"
	case "bytes":
		if pg {
			return "BYTEA"
		}
		return "BLOB"
	default:
		return "TEXT"
	}
}

// Quote quotes an identifier. Schema-qualified names are quoted per part.
func (d Dialect) Quote(ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

// DB is a database handle that knows its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects using the configured driver. In-memory SQLite and DuckDB
// databases are limited to one connection so every query sees the same data.
func Open(cfg config.DatabaseConfig) (*DB, error) {
	d, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	if d == DuckDB {
		db, err = duck.Open(cfg.DSN)
	} else {
		db, err = sql.Open(d.Driver, cfg.DSN)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Name, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if d == SQLite && strings.Contains(cfg.DSN, ":memory:") {
		db.SetMaxOpenConns(1)
	}
	return &DB{DB: db, Dialect: d}, nil
}

// Wrap adopts an already opened handle.
func Wrap(db *sql.DB, driver string) (*DB, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	return &DB{DB: db, Dialect: d}, nil
}

// Rows is a fully read result set. Column names are uppercase.
type Rows struct {
	Columns []string
	Values  [][]any
}

// Maps returns every row as a column-name-keyed map.
func (r Rows) Maps() []map[string]any {
	out := make([]map[string]any, len(r.Values))
	for i, vals := range r.Values {
		m := make(map[string]any, len(r.Columns))
		for j, c := range r.Columns {
			m[c] = vals[j]
		}
		out[i] = m
	}
	return out
}

// QueryRows runs query (with ? placeholders) and reads every row.
func (db *DB) QueryRows(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := db.QueryContext(ctx, db.Dialect.Bind(query), args...)
	if err != nil {
		return Rows{}, err
	}
	defer rows.Close()
	return scanAll(rows)
}

func scanAll(rows *sql.Rows) (Rows, error) {
	cols, err := rows.Columns()
	if err != nil {
		return Rows{}, err
	}
	out := Rows{Columns: make([]string, len(cols))}
	for i, c := range cols {
		out.Columns[i] = strings.ToUpper(c)
	}

	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Rows{}, err
		}
		out.Values = append(out.Values, vals)
	}
	return out, rows.Err()
}
