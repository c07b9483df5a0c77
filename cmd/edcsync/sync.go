package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/siqueiraa/EdcSync/pkg/engine"
	"github.com/siqueiraa/EdcSync/pkg/model"
)

func syncCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "sync [stage...]",
		Short: "Runs one sync pass",
		Long: `edcsync sync [--key TOOL] [stage...]

Without --key every stage runs a group pass: the keys active since the
group watermark are caught up. With --key a single cycle runs for that key.
Stages default to all stages, upstream first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			all, err := a.drivers()
			if err != nil {
				return err
			}
			drivers, err := pick(all, args)
			if err != nil {
				return err
			}

			var results []engine.CycleResult
			var failed int
			for _, d := range drivers {
				if key != "" {
					res, err := d.RunCycle(cmd.Context(), key)
					results = append(results, res)
					if err != nil {
						failed++
					}
					continue
				}
				rep, err := d.SyncActive(cmd.Context())
				results = append(results, flatten(rep)...)
				if err != nil {
					log.Printf("[EdcSync] Stage %s: %v", d.Stage().Name, err)
					failed++
				}
			}
			printResults(os.Stdout, results)
			if failed > 0 {
				return fmt.Errorf("%d of %d stages failed", failed, len(drivers))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "run a single cycle for this key")
	return cmd
}

func backfillCmd() *cobra.Command {
	var until string
	cmd := &cobra.Command{
		Use:   "backfill <stage> <key>",
		Short: "Catches one key up window by window",
		Long: `edcsync backfill [--until TIME] <stage> <key>

Repeats cycles of the stage's span until the key reaches --until or the
newest source data, whichever comes first.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit := time.Now().UTC()
			if until != "" {
				t, err := model.ParseTime(until)
				if err != nil {
					return fmt.Errorf("invalid --until: %w", err)
				}
				limit = t
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			all, err := a.drivers()
			if err != nil {
				return err
			}
			drivers, err := pick(all, args[:1])
			if err != nil {
				return err
			}

			results, err := drivers[0].Backfill(cmd.Context(), args[1], limit)
			printResults(os.Stdout, results)
			return err
		},
	}
	cmd.Flags().StringVar(&until, "until", "", "stop at this time (default now)")
	return cmd
}

// syncStage runs one group pass and logs its outcome; used by serve.
func syncStage(ctx context.Context, d *engine.Driver) {
	start := time.Now()
	rep, err := d.SyncActive(ctx)
	if err != nil {
		log.Printf("[EdcSync] Stage %s failed after %s: %v", d.Stage().Name, time.Since(start).Round(time.Millisecond), err)
		return
	}
	log.Printf("[EdcSync] Stage %s: %s over %d keys in %s", d.Stage().Name, rep.Outcome, len(rep.Keys), time.Since(start).Round(time.Millisecond))
}

func flatten(rep engine.SyncReport) []engine.CycleResult {
	keys := make([]string, 0, len(rep.Results))
	for k := range rep.Results {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []engine.CycleResult
	for _, k := range keys {
		out = append(out, rep.Results[k]...)
	}
	return out
}

func printResults(w io.Writer, results []engine.CycleResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tKEY\tOUTCOME\tWINDOW\tROWS\tELAPSED")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.Stage, r.Key, r.Outcome, r.Window, r.Rows, r.Elapsed.Round(time.Millisecond))
	}
	_ = tw.Flush()
}
