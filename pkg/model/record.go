package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is one extracted source row. Columns keeps the source column order
// (uppercase names); Data holds the values by column name.
type Record struct {
	Key       string
	Timestamp time.Time
	Columns   []string
	Data      map[string]any
}

// Values returns the record values in the given column order. Columns the
// record does not carry are returned as nil.
func (r Record) Values(columns []string) []any {
	out := make([]any, len(columns))
	for i, c := range columns {
		out[i] = r.Data[strings.ToUpper(c)]
	}
	return out
}

// timeLayouts are the textual timestamp forms the supported drivers return.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02",
}

// ParseTime converts a driver value into a UTC time. SQLite returns text for
// aggregates, DuckDB and pgx return time.Time, and epoch seconds are accepted
// for integer columns.
func ParseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case *time.Time:
		if t == nil {
			return time.Time{}, fmt.Errorf("nil time")
		}
		return t.UTC(), nil
	case []byte:
		return ParseTime(string(t))
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC(), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	case int64:
		return time.Unix(t, 0).UTC(), nil
	case int:
		return time.Unix(int64(t), 0).UTC(), nil
	case float64:
		return time.Unix(int64(t), 0).UTC(), nil
	case nil:
		return time.Time{}, fmt.Errorf("nil time")
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}
