package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/siqueiraa/EdcSync/pkg/config"
	"github.com/siqueiraa/EdcSync/pkg/faker"
	"github.com/siqueiraa/EdcSync/pkg/source"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const stageYAML = `
name: EDC_Import
kind: load
group: FAB
span: 24h
start: "2024-01-01T00:00:00Z"
source:
  indexTable: index_glassout
  keyColumn: toolid
  timeColumn: endtime
  dataTable: "{key}_rawdata"
  dataTimeColumn: tstamp
destination:
  table: "{key}_rawdata"
  timeColumn: tstamp
`

type testEnv struct {
	dir    string
	srcDSN string
	dstDSN string
	config string
	stages string
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	e := &testEnv{
		dir:    dir,
		srcDSN: filepath.Join(dir, "source.db"),
		dstDSN: filepath.Join(dir, "warehouse.db"),
		config: filepath.Join(dir, "config.yaml"),
		stages: filepath.Join(dir, "pipelines"),
	}

	cfg := fmt.Sprintf(`
source:
  driver: sqlite
  dsn: %q
destination:
  driver: sqlite
  dsn: %q
  createTables: true
report:
  outerQuery: "SELECT glassid FROM index_glassout WHERE toolid = ? ORDER BY glassid"
  innerQuery: "SELECT glassid, param, value FROM t1_rawdata WHERE glassid = ? ORDER BY param"
  outputDir: %q
`, e.srcDSN, e.dstDSN, filepath.Join(dir, "reports"))
	if err := os.WriteFile(e.config, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(e.stages, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(e.stages, "edc_import.yaml"), []byte(stageYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	src := openFile(t, e.srcDSN)
	gen := faker.New(src, faker.Options{Tools: []string{"T1", "T2"}, ParamsPerGlass: 2})
	ctx := context.Background()
	if err := gen.Setup(ctx); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if _, err := gen.Fill(ctx, base, base.Add(48*time.Hour), 6*time.Hour); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}
	return e
}

func openFile(t *testing.T, dsn string) *source.DB {
	t.Helper()
	db, err := source.Open(config.DatabaseConfig{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func (e *testEnv) run(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(append([]string{"--config", e.config, "--pipelines", e.stages}, args...))
	return rootCmd.ExecuteContext(context.Background())
}

func (e *testEnv) destRows(t *testing.T, table string) int {
	t.Helper()
	db := openFile(t, e.dstDSN)
	var n int
	if err := db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestSyncCommand(t *testing.T) {
	e := setupEnv(t)

	// First pass: (00:00, 24:00] holds four glass per tool, two rows each.
	if err := e.run(t, "sync"); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if got := e.destRows(t, "t1_rawdata"); got != 8 {
		t.Errorf("t1 rows after first pass = %d, want 8", got)
	}

	if err := e.run(t, "sync"); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if got := e.destRows(t, "t2_rawdata"); got != 16 {
		t.Errorf("t2 rows after second pass = %d, want 16", got)
	}

	// Nothing new: the third pass changes nothing.
	if err := e.run(t, "sync"); err != nil {
		t.Fatalf("third sync failed: %v", err)
	}
	if got := e.destRows(t, "t1_rawdata"); got != 16 {
		t.Errorf("t1 rows after third pass = %d, want 16", got)
	}

	if err := e.run(t, "watermarks", "EDC_Import"); err != nil {
		t.Errorf("watermarks failed: %v", err)
	}
}

func TestSyncUnknownStage(t *testing.T) {
	e := setupEnv(t)
	if err := e.run(t, "sync", "NOPE"); err == nil {
		t.Error("expected error for unknown stage")
	}
}

func TestReportCommand(t *testing.T) {
	e := setupEnv(t)
	if err := e.run(t, "report", "--sink", "csv", "T1"); err != nil {
		t.Fatalf("report failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(e.dir, "reports", "T1.csv"))
	if err != nil {
		t.Fatalf("report file missing: %v", err)
	}
	// Eight glass, two parameters each.
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 16 {
		t.Errorf("report has %d lines, want 16", lines)
	}
}

func TestReadKeysAndDedupe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.csv")
	content := "# report keys\nG1,extra\n\n G2 \nG1\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	keys, err := readKeys(path)
	if err != nil {
		t.Fatalf("readKeys failed: %v", err)
	}
	got := dedupe(keys)
	if len(got) != 2 || got[0] != "G1" || got[1] != "G2" {
		t.Errorf("keys = %v, want [G1 G2]", got)
	}
}
