package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [run-id]",
	Short: "Cancel a run from outside the process driving it",
	Long: `Marks a run and its non-terminal stages cancelled directly in the Store.
This does not reach into whatever process is actually running the stage's
backend job (that requires calling Orchestrator.CancelRun on the same
instance that started the run, e.g. via Ctrl-C on "buildit trigger") — the
in-flight job is left to exit on its own. Idempotent: cancelling an already
terminal run is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, cleanup, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := e.Orchestrator.RequestCancelByID(ctx, args[0]); err != nil {
			return fmt.Errorf("cancel run: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s cancelled\n", args[0])
		return nil
	},
}
