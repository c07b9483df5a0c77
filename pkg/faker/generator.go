// Package faker fills a source database with synthetic equipment data: an
// index table of finished glass per tool and one raw data table per tool.
package faker

import (
	"context"
	"fmt"
	"log"
	"math/rand" // Using weak random for test data generation only
	"strings"
	"time"

	"github.com/siqueiraa/EdcSync/pkg/source"
)

const (
	IndexTable      = "index_glassout"
	defaultParams   = 4     // Measurements written per glass
	maxMeasurement  = 100.0 // Upper bound of generated values
	dataTableSuffix = "_rawdata"
)

// Options tune the generated data.
type Options struct {
	Tools []string
	// ParamsPerGlass is the number of data rows written for each glass.
	ParamsPerGlass int
	// SkipRate is the probability that a tool produces nothing in a slot,
	// so that the set of active keys varies between windows.
	SkipRate float64
	Seed     int64
}

// Generator writes index and data rows for a fixed set of tools.
type Generator struct {
	db    *source.DB
	opts  Options
	rng   *rand.Rand
	glass map[string]int
}

// New returns a generator for db. Tool names are uppercased.
func New(db *source.DB, opts Options) *Generator {
	if opts.ParamsPerGlass <= 0 {
		opts.ParamsPerGlass = defaultParams
	}
	tools := make([]string, len(opts.Tools))
	for i, t := range opts.Tools {
		tools[i] = strings.ToUpper(t)
	}
	opts.Tools = tools
	return &Generator{
		db:    db,
		opts:  opts,
		rng:   rand.New(rand.NewSource(opts.Seed)), //nolint:gosec // Using weak random for test data generation only
		glass: make(map[string]int),
	}
}

// DataTable is the raw data table of tool.
func DataTable(tool string) string {
	return strings.ToLower(tool) + dataTableSuffix
}

// Setup creates the index table and the data table of every tool.
func (g *Generator) Setup(ctx context.Context) error {
	d := g.db.Dialect
	str, ts, num := d.ColumnType("string"), d.ColumnType("timestamp"), d.ColumnType("float")

	stmts := []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (toolid %s, glassid %s, endtime %s)`,
		d.Quote(IndexTable), str, str, ts)}
	for _, tool := range g.opts.Tools {
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (toolid %s, glassid %s, tstamp %s, param %s, value %s)`,
			d.Quote(DataTable(tool)), str, str, ts, str, num))
	}
	for _, s := range stmts {
		if _, err := g.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("setup: %w", err)
		}
	}
	return nil
}

// Glass records one finished glass of tool at the given time: one index row
// and ParamsPerGlass data rows stamped with the same time.
func (g *Generator) Glass(ctx context.Context, tool string, at time.Time) (string, error) {
	tool = strings.ToUpper(tool)
	g.glass[tool]++
	id := fmt.Sprintf("%s-%06d", tool, g.glass[tool])
	d := g.db.Dialect

	indexSQL := d.Bind(fmt.Sprintf(`INSERT INTO %s VALUES (?, ?, ?)`, d.Quote(IndexTable)))
	if _, err := g.db.ExecContext(ctx, indexSQL, tool, id, at); err != nil {
		return "", fmt.Errorf("insert index row: %w", err)
	}

	dataSQL := d.Bind(fmt.Sprintf(`INSERT INTO %s VALUES (?, ?, ?, ?, ?)`, d.Quote(DataTable(tool))))
	for p := 1; p <= g.opts.ParamsPerGlass; p++ {
		value := g.rng.Float64() * maxMeasurement
		if _, err := g.db.ExecContext(ctx, dataSQL, tool, id, at, fmt.Sprintf("P%02d", p), value); err != nil {
			return "", fmt.Errorf("insert data row: %w", err)
		}
	}
	return id, nil
}

// Fill writes one glass per tool at every step in (from, to]. It returns
// the number of glass written.
func (g *Generator) Fill(ctx context.Context, from, to time.Time, step time.Duration) (int, error) {
	if step <= 0 {
		return 0, fmt.Errorf("step must be positive")
	}
	n := 0
	for at := from.Add(step); !at.After(to); at = at.Add(step) {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		written, err := g.Tick(ctx, at)
		n += written
		if err != nil {
			return n, err
		}
	}
	log.Printf("[Faker] Wrote %d glass between %s and %s", n, from.Format(time.RFC3339), to.Format(time.RFC3339))
	return n, nil
}

// Tick writes one glass for every tool that is not skipped.
func (g *Generator) Tick(ctx context.Context, at time.Time) (int, error) {
	n := 0
	for _, tool := range g.opts.Tools {
		if g.opts.SkipRate > 0 && g.rng.Float64() < g.opts.SkipRate {
			continue
		}
		if _, err := g.Glass(ctx, tool, at); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
