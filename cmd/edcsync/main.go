package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile      string
	pipelinesDir string

	rootCmd = &cobra.Command{
		Use:   "edcsync",
		Short: "Incremental watermark sync of equipment data",
		Long: `edcsync copies equipment data from a source database into a warehouse,
one (key, stage) window at a time, and keeps a watermark per key so every
run continues where the last one stopped.`,
		SilenceUsage: true,
	}
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "application config file")
	rootCmd.PersistentFlags().StringVar(&pipelinesDir, "pipelines", "pipelines", "directory of stage definitions")

	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(backfillCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(watermarksCmd())
	rootCmd.AddCommand(serveCmd())
}
