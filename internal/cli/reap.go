package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Run one pass of the stalled-job-queue reaper",
	Long: `Resets job_queue rows stuck in "running" past the stale threshold back to
"pending" so another worker can claim them (spec §4.C: a crashed claimant's
lease eventually expires). Intended to run on a cron schedule alongside
"buildit migrate"; "buildit serve-reaper" runs it continuously instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, cleanup, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		runIDs, err := e.Queue.ReapStalled(ctx, defaultStaleAfter)
		if err != nil {
			return fmt.Errorf("reap: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "re-queued stalled jobs of %d run(s)\n", len(runIDs))
		return nil
	},
}

var serveReaperCmd = &cobra.Command{
	Use:   "serve-reaper",
	Short: "Run the stalled-job-queue reaper continuously",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, cleanup, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		w := cmd.OutOrStdout()
		e.Queue.RunReaper(ctx, defaultReapInterval, defaultStaleAfter, func(runIDs []string, err error) {
			if err != nil {
				fmt.Fprintf(w, "reap error: %v\n", err)
				return
			}
			if len(runIDs) > 0 {
				fmt.Fprintf(w, "re-queued stalled jobs of %d run(s)\n", len(runIDs))
			}
		})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reapCmd)
	rootCmd.AddCommand(serveReaperCmd)
}
