package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func watermarksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watermarks <stage>",
		Short: "Lists the watermarks of a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			marks, err := a.marks.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tLAST_END_TIME\tUPDATED_AT")
			for _, wm := range marks {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", wm.Key,
					wm.LastEndTime.Format(time.RFC3339), wm.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}
