package report

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/siqueiraa/EdcSync/pkg/fanout"
	"github.com/siqueiraa/EdcSync/pkg/source"
)

// DateLayout is how timestamps are written in CSV reports.
const DateLayout = "2006/01/02 15:04:05"

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.\-]`)

// Sink writes the report of one key.
type Sink interface {
	Write(ctx context.Context, key string, res Result) error
}

// Emit writes every result in key order. A failing key does not stop the
// others; the errors are joined.
func Emit(ctx context.Context, sink Sink, results map[string]Result) error {
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink.Write(ctx, k, results[k]); err != nil {
			errs = append(errs, fmt.Errorf("report %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

func sortedInner(inner map[string]fanout.Result[source.Rows]) []string {
	keys := make([]string, 0, len(inner))
	for k := range inner {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

/* -------------------------------------------------------------------------- */
/*  CSV                                                                       */
/* -------------------------------------------------------------------------- */

// CSVSink writes <dir>/<key>.csv. Rows of every sub-key follow each other
// in sub-key order; timestamps use DateLayout, NULL is empty, and failures
// are written as "# ERROR" lines.
type CSVSink struct {
	dir string
}

// NewCSVSink creates dir if needed.
func NewCSVSink(dir string) (*CSVSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	return &CSVSink{dir: dir}, nil
}

// Path returns the file written for key.
func (s *CSVSink) Path(key string) string {
	return filepath.Join(s.dir, unsafeName.ReplaceAllString(key, "_")+".csv")
}

func (s *CSVSink) Write(_ context.Context, key string, res Result) (err error) {
	f, err := os.Create(s.Path(key))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriter(f)
	cw := csv.NewWriter(bw)
	writeError := func(label string, e error) {
		cw.Flush()
		fmt.Fprintf(bw, "# ERROR %s: %s\n", label, oneLine(e))
	}

	if res.Err != nil {
		writeError(key, res.Err)
	}
	for _, sub := range sortedInner(res.Inner) {
		r := res.Inner[sub]
		if r.Err != nil {
			writeError(sub, r.Err)
			continue
		}
		for _, vals := range r.Value.Values {
			record := make([]string, len(vals))
			for i, v := range vals {
				record[i] = formatValue(v)
			}
			if err := cw.Write(record); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return bw.Flush()
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		return t.Format(DateLayout)
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func oneLine(err error) string {
	return strings.Join(strings.Fields(err.Error()), " ")
}

/* -------------------------------------------------------------------------- */
/*  Kafka                                                                     */
/* -------------------------------------------------------------------------- */

// Publisher is the part of the Kafka producer the sink uses.
type Publisher interface {
	PublishBatch(ctx context.Context, topic string, records []map[string]any, keyField string) error
}

// KafkaSink publishes one message per report row, keyed by report key.
// Failed keys and sub-keys become messages with an "error" field.
type KafkaSink struct {
	pub   Publisher
	topic string
}

// NewKafkaSink publishes to topic.
func NewKafkaSink(pub Publisher, topic string) *KafkaSink {
	return &KafkaSink{pub: pub, topic: topic}
}

const (
	fieldReportKey = "report_key"
	fieldSubKey    = "sub_key"
	fieldError     = "error"
)

func (s *KafkaSink) Write(ctx context.Context, key string, res Result) error {
	var records []map[string]any
	if res.Err != nil {
		records = append(records, map[string]any{fieldReportKey: key, fieldError: oneLine(res.Err)})
	}
	for _, sub := range sortedInner(res.Inner) {
		r := res.Inner[sub]
		if r.Err != nil {
			records = append(records, map[string]any{fieldReportKey: key, fieldSubKey: sub, fieldError: oneLine(r.Err)})
			continue
		}
		for _, row := range r.Value.Maps() {
			for c, v := range row {
				if b, ok := v.([]byte); ok {
					row[c] = string(b)
				}
			}
			row[fieldReportKey], row[fieldSubKey] = key, sub
			records = append(records, row)
		}
	}
	return s.pub.PublishBatch(ctx, s.topic, records, fieldReportKey)
}
