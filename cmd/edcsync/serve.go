package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 30 * time.Second
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs every scheduled stage and serves /metrics",
		Long: `edcsync serve

Each stage with a schedule runs a group pass on its cron expression. A run
that is still busy when the next one fires is skipped. Metrics are served
on metrics.addr.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			drivers, err := a.drivers()
			if err != nil {
				return err
			}

			c := cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
			scheduled := 0
			for _, d := range drivers {
				spec := d.Stage().Schedule
				if spec == "" {
					continue
				}
				if _, err := c.AddFunc(spec, func() { syncStage(ctx, d) }); err != nil {
					return fmt.Errorf("stage %s: invalid schedule %q: %w", d.Stage().Name, spec, err)
				}
				log.Printf("[EdcSync] Scheduled %s at %q", d.Stage().Name, spec)
				scheduled++
			}
			if scheduled == 0 {
				return errors.New("no stage has a schedule")
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", a.metrics.Handler())
			srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: readHeaderTimeout}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Printf("[Metrics] Server error: %v", err)
				}
			}()
			log.Printf("[Metrics] Serving on %s/metrics", a.cfg.Metrics.Addr)

			if a.badger != nil && a.cfg.State.Badger.Checkpoint.Enabled {
				go a.checkpointLoop(ctx)
			}

			c.Start()
			<-ctx.Done()
			log.Println("[EdcSync] Shutting down...")

			<-c.Stop().Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func (a *app) checkpointLoop(ctx context.Context) {
	if a.cfg.State.Badger.Checkpoint.Interval <= 0 {
		log.Printf("[Checkpoint] Disabled: interval must be positive")
		return
	}
	ticker := time.NewTicker(a.cfg.State.Badger.Checkpoint.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := a.badger.CreateCheckpointIfEnabled(ctx)
			a.metrics.ObserveCheckpoint(err)
			if err != nil {
				log.Printf("[Checkpoint] Error creating checkpoint for %s: %v", stateName, err)
			} else {
				log.Printf("[Checkpoint] Snapshot created for %s", stateName)
			}
		}
	}
}
