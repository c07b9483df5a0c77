package main

import (
	"context"
	"fmt"
	"log"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/siqueiraa/EdcSync/pkg/config"
	"github.com/siqueiraa/EdcSync/pkg/engine"
	"github.com/siqueiraa/EdcSync/pkg/kafka"
	"github.com/siqueiraa/EdcSync/pkg/metrics"
	"github.com/siqueiraa/EdcSync/pkg/pipeline"
	"github.com/siqueiraa/EdcSync/pkg/schema"
	"github.com/siqueiraa/EdcSync/pkg/script"
	"github.com/siqueiraa/EdcSync/pkg/source"
	"github.com/siqueiraa/EdcSync/pkg/state"
	"github.com/siqueiraa/EdcSync/pkg/warehouse"
)

const stateName = "edcsync"

// app holds the collaborators shared by every command.
type app struct {
	cfg      config.AppConfig
	src      *source.DB
	dest     *warehouse.Warehouse
	marks    state.Store
	badger   *state.BadgerStore // nil unless state.backend is badger
	producer *kafka.Producer    // nil without brokers
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	closers  []func() error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.metrics = metrics.New(a.registry)

	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	src, err := source.Open(a.cfg.Source)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	a.src = src
	a.closers = append(a.closers, src.Close)

	destDB, err := source.Open(a.cfg.Destination.DatabaseConfig)
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	a.closers = append(a.closers, destDB.Close)
	if a.dest, err = warehouse.New(destDB, a.cfg.Destination.WatermarkTable); err != nil {
		return err
	}

	switch a.cfg.State.Backend {
	case "badger":
		st, err := state.NewBadgerStore(stateName, a.cfg.State)
		if err != nil {
			return fmt.Errorf("state: %w", err)
		}
		a.badger, a.marks = st, st
		a.closers = append(a.closers, st.Close)
		a.logStateStats()
	default:
		if err := a.dest.EnsureWatermarkTable(ctx); err != nil {
			return fmt.Errorf("watermark table: %w", err)
		}
		a.marks = a.dest
	}

	if len(a.cfg.Kafka.Brokers) > 0 {
		p, err := kafka.NewProducer(a.cfg.Kafka)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		a.producer = p
		a.closers = append(a.closers, p.Close)
	}
	return nil
}

func (a *app) logStateStats() {
	stats, err := a.badger.StatsByStage()
	if err != nil {
		log.Printf("[State] Error reading BadgerDB statistics: %v", err)
		return
	}
	for stage, n := range stats {
		log.Printf("[State] Stage: %s | Watermarks: %d", stage, n)
	}
}

// Close releases everything opened by newApp, newest first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("[EdcSync] Close error: %v", err)
		}
	}
	a.closers = nil
}

// drivers loads the stage directory and wires one driver per stage, upstream
// stages first.
func (a *app) drivers() ([]*engine.Driver, error) {
	stages, err := pipeline.LoadDir(pipelinesDir)
	if err != nil {
		return nil, fmt.Errorf("load pipelines: %w", err)
	}
	if stages, err = pipeline.Ordered(stages); err != nil {
		return nil, err
	}

	policy, err := schema.ParsePolicy(a.cfg.Schema.Policy)
	if err != nil {
		return nil, err
	}
	var hook schema.DDLHook
	if a.cfg.Schema.AutoAddColumns {
		hook = a.dest.AddColumns
	}
	reconciler := schema.NewReconciler(a.dest, policy, a.cfg.Schema.CacheTTL, hook)
	runner := script.NewRunner(a.cfg.Scripts)

	out := make([]*engine.Driver, 0, len(stages))
	for _, st := range stages {
		deps := engine.Deps{
			Dest:         a.dest,
			Marks:        a.marks,
			Reconciler:   reconciler,
			BatchSize:    a.cfg.Destination.BatchSize,
			CreateTables: a.cfg.Destination.CreateTables,
			Scripts:      runner,
			Metrics:      a.metrics,
		}
		if st.Kind != pipeline.KindScript {
			deps.Source = source.New(a.src, st)
		}
		if a.producer != nil {
			deps.Events = a.producer
		}
		d, err := engine.New(st, deps)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// pick returns the drivers named in names, or all of them when names is empty.
func pick(all []*engine.Driver, names []string) ([]*engine.Driver, error) {
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]*engine.Driver, len(all))
	for _, d := range all {
		byName[d.Stage().Name] = d
	}
	out := make([]*engine.Driver, 0, len(names))
	for _, n := range names {
		d, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("unknown stage %q", n)
		}
		out = append(out, d)
	}
	return out, nil
}
