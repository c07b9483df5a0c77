package source

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/siqueiraa/EdcSync/pkg/model"
	"github.com/siqueiraa/EdcSync/pkg/pipeline"
)

var keyRe = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// Source runs the queries of one stage against the source database.
type Source struct {
	db   *DB
	spec pipeline.SourceSpec
	name string
}

// New binds a stage's source definition to a database.
func New(db *DB, stage pipeline.Stage) *Source {
	return &Source{db: db, spec: stage.Source, name: stage.Name}
}

// TimeColumn is the uppercase name of the data table's time column.
func (s *Source) TimeColumn() string {
	return strings.ToUpper(s.spec.DataTimeColumn)
}

// RangeQuery returns the rows of key with start < time <= end.
func (s *Source) RangeQuery(ctx context.Context, key string, w model.Window) (Rows, error) {
	if !keyRe.MatchString(key) {
		return Rows{}, fmt.Errorf("invalid key %q", key)
	}

	query := s.spec.Query
	if query == "" {
		table := strings.ReplaceAll(s.spec.DataTable, pipeline.KeyPlaceholder, strings.ToLower(key))
		query = fmt.Sprintf("SELECT * FROM %s WHERE %s > ? AND %s <= ? ORDER BY %s",
			table, s.spec.DataTimeColumn, s.spec.DataTimeColumn, s.spec.DataTimeColumn)
	} else {
		query = strings.ReplaceAll(query, pipeline.KeyPlaceholder, strings.ToLower(key))
	}
	return s.db.QueryRows(ctx, query, w.Start.UTC(), w.End.UTC())
}

// MaxTime returns the newest index time for key, or for the stage's key
// pattern when key is empty. found is false when there are no rows.
func (s *Source) MaxTime(ctx context.Context, key string) (time.Time, bool, error) {
	query := fmt.Sprintf("SELECT MAX(%s) FROM %s", s.spec.TimeColumn, s.spec.IndexTable)
	var args []any
	switch {
	case key != "":
		query += fmt.Sprintf(" WHERE %s = ?", s.spec.KeyColumn)
		args = append(args, key)
	case s.spec.KeyPattern != "":
		query += fmt.Sprintf(" WHERE %s LIKE ?", s.spec.KeyColumn)
		args = append(args, s.spec.KeyPattern)
	}

	var raw any
	if err := s.db.QueryRowContext(ctx, s.db.Dialect.Bind(query), args...).Scan(&raw); err != nil {
		return time.Time{}, false, err
	}
	if raw == nil {
		return time.Time{}, false, nil
	}
	ts, err := model.ParseTime(raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("max time of %s: %w", s.spec.IndexTable, err)
	}
	return ts, true, nil
}

// DistinctKeys lists the keys with index rows in the window, restricted to
// the key pattern when one is set.
func (s *Source) DistinctKeys(ctx context.Context, w model.Window) ([]string, error) {
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s > ? AND %s <= ?",
		s.spec.KeyColumn, s.spec.IndexTable, s.spec.TimeColumn, s.spec.TimeColumn)
	args := []any{w.Start.UTC(), w.End.UTC()}
	if s.spec.KeyPattern != "" {
		query += fmt.Sprintf(" AND %s LIKE ?", s.spec.KeyColumn)
		args = append(args, s.spec.KeyPattern)
	}

	rows, err := s.db.QueryRows(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(rows.Values))
	for _, r := range rows.Values {
		switch v := r[0].(type) {
		case string:
			keys = append(keys, v)
		case []byte:
			keys = append(keys, string(v))
		case nil:
		default:
			keys = append(keys, fmt.Sprint(v))
		}
	}
	return keys, nil
}
