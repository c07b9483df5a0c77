package report

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/siqueiraa/EdcSync/pkg/config"
	"github.com/siqueiraa/EdcSync/pkg/fanout"
	"github.com/siqueiraa/EdcSync/pkg/source"
)

func sampleResult() Result {
	ts := time.Date(2024, 1, 1, 8, 30, 0, 0, time.UTC)
	return Result{
		Key: "G1",
		Inner: map[string]fanout.Result[source.Rows]{
			"P3": {Key: "P3", Value: source.Rows{Columns: []string{"A", "B"}, Values: [][]any{{"x", int64(2)}}}},
			"P2": {Key: "P2", Err: errors.New("boom\nline two")},
			"P1": {Key: "P1", Value: source.Rows{
				Columns: []string{"AT", "N", "RAW", "V"},
				Values:  [][]any{{ts, nil, []byte("abc"), 1.5}},
			}},
		},
	}
}

func TestCSVSinkWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	sink, err := NewCSVSink(dir)
	if err != nil {
		t.Fatalf("NewCSVSink failed: %v", err)
	}

	if err := sink.Write(context.Background(), "G1", sampleResult()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "G1.csv"))
	if err != nil {
		t.Fatalf("report missing: %v", err)
	}
	want := "2024/01/01 08:30:00,,abc,1.5\n" +
		"# ERROR P2: boom line two\n" +
		"x,2\n"
	if string(data) != want {
		t.Errorf("unexpected report:\n%s\nwant:\n%s", data, want)
	}
}

func TestCSVSinkOuterError(t *testing.T) {
	sink, err := NewCSVSink(t.TempDir())
	if err != nil {
		t.Fatalf("NewCSVSink failed: %v", err)
	}
	res := Result{Key: "G9", Err: errors.New("query failed")}
	if err := sink.Write(context.Background(), "G9", res); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	data, _ := os.ReadFile(sink.Path("G9"))
	if string(data) != "# ERROR G9: query failed\n" {
		t.Errorf("unexpected report: %q", data)
	}
}

func TestCSVSinkPathSanitized(t *testing.T) {
	sink := &CSVSink{dir: "/reports"}
	if got := sink.Path("../G 1/x"); got != "/reports/.._G_1_x.csv" {
		t.Errorf("Path = %q", got)
	}
}

type fakePublisher struct {
	topic    string
	keyField string
	records  []map[string]any
	err      error
}

func (p *fakePublisher) PublishBatch(_ context.Context, topic string, records []map[string]any, keyField string) error {
	p.topic, p.keyField = topic, keyField
	p.records = append(p.records, records...)
	return p.err
}

func TestKafkaSinkWrite(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewKafkaSink(pub, "reports")

	if err := sink.Write(context.Background(), "G1", sampleResult()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if pub.topic != "reports" || pub.keyField != "report_key" {
		t.Errorf("published to %q keyed by %q", pub.topic, pub.keyField)
	}
	if len(pub.records) != 3 {
		t.Fatalf("expected 3 records, got %d: %v", len(pub.records), pub.records)
	}

	first := pub.records[0]
	if first["report_key"] != "G1" || first["sub_key"] != "P1" || first["RAW"] != "abc" || first["V"] != 1.5 {
		t.Errorf("unexpected first record: %v", first)
	}
	if failed := pub.records[1]; failed["sub_key"] != "P2" || failed["error"] != "boom line two" {
		t.Errorf("unexpected error record: %v", failed)
	}
	if last := pub.records[2]; last["sub_key"] != "P3" || last["A"] != "x" {
		t.Errorf("unexpected last record: %v", last)
	}
}

type failingSink struct {
	fail    string
	written []string
}

func (s *failingSink) Write(_ context.Context, key string, _ Result) error {
	if key == s.fail {
		return errors.New("disk full")
	}
	s.written = append(s.written, key)
	return nil
}

func TestEmit(t *testing.T) {
	sink := &failingSink{fail: "B"}
	results := map[string]Result{"C": {Key: "C"}, "A": {Key: "A"}, "B": {Key: "B"}}

	err := Emit(context.Background(), sink, results)
	if err == nil || !strings.Contains(err.Error(), "report B") {
		t.Errorf("expected error for B, got %v", err)
	}
	if strings.Join(sink.written, ",") != "A,C" {
		t.Errorf("written = %v, want A,C", sink.written)
	}
}

func TestJobToCSV(t *testing.T) {
	db := seedDB(t)
	job, err := NewJob(db, config.ReportConfig{OuterQuery: outerQuery, InnerQuery: innerQuery}, fanOut())
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	results, err := job.Run(context.Background(), []string{"G1"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	sink, _ := NewCSVSink(t.TempDir())
	if err := Emit(context.Background(), sink, results); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	data, err := os.ReadFile(sink.Path("G1"))
	if err != nil {
		t.Fatalf("report missing: %v", err)
	}
	if string(data) != "P1,0.5\nP1,1.5\nP2,2\n" {
		t.Errorf("unexpected report: %q", data)
	}
}
