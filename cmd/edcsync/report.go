package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/siqueiraa/EdcSync/pkg/report"
)

func reportCmd() *cobra.Command {
	var (
		keysFile string
		sinkName string
	)
	cmd := &cobra.Command{
		Use:   "report [key...]",
		Short: "Fans out the report queries over a list of keys",
		Long: `edcsync report [--keys-file FILE] [--sink csv|kafka] [key...]

For every key the outer report query lists sub-keys, and the inner query
runs once per sub-key. Failures are recorded per key and never stop the
others.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := args
			if keysFile != "" {
				fromFile, err := readKeys(keysFile)
				if err != nil {
					return err
				}
				keys = append(keys, fromFile...)
			}
			keys = dedupe(keys)
			if len(keys) == 0 {
				return fmt.Errorf("no report keys given")
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			sink, err := a.reportSink(sinkName)
			if err != nil {
				return err
			}

			job, err := report.NewJob(a.src, a.cfg.Report, a.cfg.FanOut)
			if err != nil {
				return err
			}
			job.SetTaskHooks(a.metrics.TaskObserver("report_outer"), a.metrics.TaskObserver("report_inner"))

			results, err := job.Run(cmd.Context(), keys)
			if err != nil {
				return err
			}

			failed := 0
			for _, r := range results {
				if r.Err != nil {
					failed++
				}
			}
			if err := report.Emit(cmd.Context(), sink, results); err != nil {
				return err
			}
			log.Printf("[Report] %d keys written, %d failed", len(results), failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&keysFile, "keys-file", "", "file with one report key per line")
	cmd.Flags().StringVar(&sinkName, "sink", "csv", "report sink: csv or kafka")
	return cmd
}

func (a *app) reportSink(name string) (report.Sink, error) {
	switch name {
	case "csv":
		if a.cfg.Report.OutputDir == "" {
			return nil, fmt.Errorf("report.outputDir is required for the csv sink")
		}
		return report.NewCSVSink(a.cfg.Report.OutputDir)
	case "kafka":
		if a.producer == nil || a.cfg.Report.Topic == "" {
			return nil, fmt.Errorf("kafka brokers and report.topic are required for the kafka sink")
		}
		return report.NewKafkaSink(a.producer, a.cfg.Report.Topic), nil
	default:
		return nil, fmt.Errorf("unknown report sink %q", name)
	}
}

// readKeys reads one key per line. Blank lines and lines starting with #
// are skipped; only the first comma-separated field is used.
func readKeys(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var keys []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, _, _ := strings.Cut(line, ",")
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	return keys, sc.Err()
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			log.Printf("[Report] Skipping duplicate key %s", k)
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
