package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/siqueiraa/EdcSync/pkg/config"
	"github.com/siqueiraa/EdcSync/pkg/faker"
	"github.com/siqueiraa/EdcSync/pkg/model"
	"github.com/siqueiraa/EdcSync/pkg/source"
)

func main() {
	var (
		cfgFile  string
		tools    []string
		from     string
		step     time.Duration
		params   int
		skipRate float64
		live     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "fakegen",
		Short: "Seeds the source database with synthetic equipment data",
		Long: `fakegen [--from TIME] [--step 1h] [--live 30s]

Writes one glass per tool and step from --from until now into the source
database of the config file. With --live it keeps writing a glass per tool
every interval until interrupted.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			db, err := source.Open(cfg.Source)
			if err != nil {
				return err
			}
			defer db.Close()

			gen := faker.New(db, faker.Options{Tools: tools, ParamsPerGlass: params, SkipRate: skipRate, Seed: time.Now().UnixNano()})
			if err := gen.Setup(ctx); err != nil {
				return err
			}

			now := time.Now().UTC().Truncate(time.Second)
			if from != "" {
				start, err := model.ParseTime(from)
				if err != nil {
					return err
				}
				if _, err := gen.Fill(ctx, start, now, step); err != nil {
					return err
				}
			}
			if live <= 0 {
				return nil
			}

			log.Printf("[Fakegen] Writing a glass per tool every %s", live)
			ticker := time.NewTicker(live)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case at := <-ticker.C:
					n, err := gen.Tick(ctx, at.UTC())
					if err != nil {
						return err
					}
					log.Printf("[Fakegen] Wrote %d glass at %s", n, at.UTC().Format(time.RFC3339))
				}
			}
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "config.yaml", "application config file")
	cmd.Flags().StringSliceVar(&tools, "tools", []string{"TLCD0101", "TLCD0201", "TLCD0301"}, "tool ids")
	cmd.Flags().StringVar(&from, "from", "", "write history starting at this time")
	cmd.Flags().DurationVar(&step, "step", time.Hour, "time between two glass of a tool in history")
	cmd.Flags().IntVar(&params, "params", 4, "data rows per glass")
	cmd.Flags().Float64Var(&skipRate, "skip-rate", 0.2, "probability that a tool is idle in a step")
	cmd.Flags().DurationVar(&live, "live", 0, "keep writing at this interval")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
