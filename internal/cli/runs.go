package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs [pipeline-id]",
	Short: "List a pipeline's runs, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, cleanup, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := e.Orchestrator.ListRuns(ctx, args[0], limit)
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NUMBER\tID\tSTATUS\tCREATED")
		for _, r := range runs {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.Number, r.ID, r.Status, r.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

func init() {
	runsCmd.Flags().Int("limit", 50, "max runs to list")
}
