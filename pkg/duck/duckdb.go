// Package duck holds the DuckDB specifics of the source and destination
// collaborators: connection setup, column types and value coercion.
package duck

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marcboeker/go-duckdb/v2"
)

const microsecondsPerSecond = 1_000_000

// Open returns a database handle for the DuckDB file at path, or an
// in-memory database when path is empty or ":memory:".
func Open(path string) (*sql.DB, error) {
	dsn := ":memory:"
	if path != "" && path != ":memory:" {
		dsn = fmt.Sprintf("%s?access_mode=read_write", path)
	}

	connector, err := duckdb.NewConnector(dsn, func(execer driver.ExecerContext) error {
		bootQueries := []string{
			`SET schema='main'`,
			`SET search_path='main'`,
			`SET TimeZone='UTC'`,
		}
		for _, q := range bootQueries {
			if _, err := execer.ExecContext(context.Background(), q, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)
	if dsn == ":memory:" {
		// single writer for in-memory databases
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// typeMapping maps inferred column types to DuckDB types.
var typeMapping = map[string]string{
	"string":    "VARCHAR",
	"bool":      "BOOLEAN",
	"int":       "BIGINT",
	"float":     "DOUBLE",
	"timestamp": "TIMESTAMP",
	"bytes":     "BLOB",
}

// ColumnType converts an inferred type name into the DuckDB type used in
// CREATE TABLE and ALTER TABLE. Unknown names fall back to VARCHAR.
func ColumnType(typ string) string {
	if t, ok := typeMapping[strings.ToLower(strings.TrimSpace(typ))]; ok {
		return t
	}
	return "VARCHAR"
}

// NormalizeValue coerces a source value into what the DuckDB driver binds
// for a column of the given inferred type. nil stays nil.
func NormalizeValue(val any, typ string) any {
	if val == nil {
		return nil
	}
	switch strings.ToLower(typ) {
	case "timestamp":
		return normalizeTimestamp(val)
	case "int":
		return normalizeInt(val)
	case "float":
		return normalizeFloat(val)
	case "bool":
		return normalizeBool(val)
	case "string":
		if b, ok := val.([]byte); ok {
			return string(b)
		}
		if s, ok := val.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", val)
	default:
		return val
	}
}

func normalizeInt(val any) any {
	switch v := val.(type) {
	case float64:
		return int64(v)
	case string:
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
		return nil
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	default:
		return val
	}
}

func normalizeFloat(val any) any {
	switch v := val.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		return nil
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return val
	}
}

func normalizeBool(val any) any {
	switch v := val.(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case string:
		return v == "true" || v == "1"
	default:
		return val
	}
}

// normalizeTimestamp accepts time.Time, RFC 3339 text or epoch
// microseconds.
func normalizeTimestamp(val any) any {
	switch v := val.(type) {
	case time.Time:
		return v.UTC()
	case int64:
		return time.Unix(v/microsecondsPerSecond, (v%microsecondsPerSecond)*int64(time.Microsecond)).UTC()
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC()
		}
		if t, err := time.Parse("2006-01-02 15:04:05.999999999-07:00", v); err == nil {
			return t.UTC()
		}
		return v
	default:
		return val
	}
}
