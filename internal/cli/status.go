package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show a run's status and per-stage results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, cleanup, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		run, err := e.Orchestrator.GetRun(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
		stages, err := e.Orchestrator.GetStageResults(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get stage results: %w", err)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "run %s  pipeline %s  #%d  status %s\n", run.ID, run.PipelineID, run.Number, run.Status)

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STAGE\tSTATUS\tSTARTED\tFINISHED\tERROR")
		for _, s := range stages {
			started, finished := "-", "-"
			if s.StartedAt != nil {
				started = s.StartedAt.Format("15:04:05")
			}
			if s.FinishedAt != nil {
				finished = s.FinishedAt.Format("15:04:05")
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.StageName, s.Status, started, finished, s.Error)
		}
		return tw.Flush()
	},
}
