package schema

import (
	"reflect"
	"strings"
	"time"
)

const (
	timestampTypeName = "timestamp"
	nullTypeName      = "null"
	intTypeName       = "int"
	stringTypeName    = "string"
	boolTypeName      = "bool"
	floatTypeName     = "float"
	bytesTypeName     = "bytes"
)

// TableSchema is an inferred column layout: generic type names keyed by
// uppercase column, plus the column order.
type TableSchema struct {
	Types      map[string]string
	FieldOrder []string
}

// InferSchema infers column types from a set of rows that share a column
// order. A column that is NULL in one row takes its type from the others;
// columns that disagree (int vs float) widen, anything else falls back to
// string.
func InferSchema(columns []string, rows []map[string]any) TableSchema {
	ts := TableSchema{Types: make(map[string]string, len(columns))}
	for _, c := range columns {
		name := strings.ToUpper(c)
		ts.FieldOrder = append(ts.FieldOrder, name)
		ts.Types[name] = nullTypeName
	}

	for _, row := range rows {
		for _, name := range ts.FieldOrder {
			ts.Types[name] = widen(ts.Types[name], typeOf(row[name]))
		}
	}
	for name, typ := range ts.Types {
		if typ == nullTypeName {
			ts.Types[name] = stringTypeName
		}
	}
	return ts
}

func widen(current, next string) string {
	switch {
	case current == next, next == nullTypeName:
		return current
	case current == nullTypeName:
		return next
	case (current == intTypeName && next == floatTypeName) || (current == floatTypeName && next == intTypeName):
		return floatTypeName
	default:
		return stringTypeName
	}
}

// typeOf maps a driver value to a generic type name.
func typeOf(value any) string {
	if value == nil {
		return nullTypeName
	}
	t := reflect.TypeOf(value)
	if t.Kind() == reflect.Ptr {
		v := reflect.ValueOf(value)
		if v.IsNil() {
			return nullTypeName
		}
		return typeOf(v.Elem().Interface())
	}
	if t == reflect.TypeOf(time.Time{}) {
		return timestampTypeName
	}

	switch t.Kind() {
	case reflect.String:
		if _, err := time.Parse(time.RFC3339, reflect.ValueOf(value).String()); err == nil {
			return timestampTypeName
		}
		return stringTypeName
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return intTypeName
	case reflect.Float32, reflect.Float64:
		return floatTypeName
	case reflect.Bool:
		return boolTypeName
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return bytesTypeName
		}
		return stringTypeName
	default:
		return stringTypeName
	}
}
