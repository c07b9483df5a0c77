package faker

import (
	"context"
	"testing"
	"time"

	"github.com/siqueiraa/EdcSync/pkg/config"
	"github.com/siqueiraa/EdcSync/pkg/pipeline"
	"github.com/siqueiraa/EdcSync/pkg/source"
)

func openSQLite(t *testing.T) *source.DB {
	t.Helper()
	db, err := source.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func count(t *testing.T, db *source.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestFill(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	g := New(db, Options{Tools: []string{"tlcd0101", "TLCD0201"}, ParamsPerGlass: 3, Seed: 1})

	if err := g.Setup(ctx); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	// Setup is idempotent.
	if err := g.Setup(ctx); err != nil {
		t.Fatalf("second Setup failed: %v", err)
	}

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n, err := g.Fill(ctx, from, from.Add(3*time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("Fill failed: %v", err)
	}
	if n != 6 {
		t.Errorf("Fill wrote %d glass, want 6", n)
	}
	if got := count(t, db, IndexTable); got != 6 {
		t.Errorf("index rows = %d, want 6", got)
	}
	if got := count(t, db, DataTable("TLCD0101")); got != 9 {
		t.Errorf("data rows = %d, want 9", got)
	}

	src := source.New(db, stageFor())
	latest, found, err := src.MaxTime(ctx, "TLCD0101")
	if err != nil || !found {
		t.Fatalf("MaxTime failed: found=%v err=%v", found, err)
	}
	if !latest.Equal(from.Add(3 * time.Hour)) {
		t.Errorf("latest = %v, want %v", latest, from.Add(3*time.Hour))
	}
}

func TestGlassIDsAreSequential(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	g := New(db, Options{Tools: []string{"T1"}, ParamsPerGlass: 1})
	if err := g.Setup(ctx); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first, _ := g.Glass(ctx, "t1", at)
	second, _ := g.Glass(ctx, "T1", at.Add(time.Minute))
	if first != "T1-000001" || second != "T1-000002" {
		t.Errorf("unexpected glass ids %q, %q", first, second)
	}
}

func TestSkipRate(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	g := New(db, Options{Tools: []string{"T1", "T2", "T3"}, ParamsPerGlass: 1, SkipRate: 1})
	if err := g.Setup(ctx); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	n, err := g.Tick(ctx, time.Now())
	if err != nil || n != 0 {
		t.Errorf("Tick with SkipRate 1 wrote %d glass (err=%v)", n, err)
	}
}

func TestFillRejectsZeroStep(t *testing.T) {
	g := New(openSQLite(t), Options{Tools: []string{"T1"}})
	if _, err := g.Fill(context.Background(), time.Now(), time.Now().Add(time.Hour), 0); err == nil {
		t.Error("expected error for zero step")
	}
}

func stageFor() pipeline.Stage {
	return pipeline.Stage{
		Name: "EDC_Import",
		Source: pipeline.SourceSpec{
			IndexTable:     IndexTable,
			KeyColumn:      "toolid",
			TimeColumn:     "endtime",
			DataTable:      "{key}" + dataTableSuffix,
			DataTimeColumn: "tstamp",
		},
	}
}
