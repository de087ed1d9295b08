package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs [run-id] [stage-name]",
	Short: "Print a stage's log lines from the Store",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, cleanup, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		lines, err := e.Orchestrator.Logs(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("get logs: %w", err)
		}

		w := cmd.OutOrStdout()
		for _, l := range lines {
			fmt.Fprintf(w, "[%s] %s\n", l.Stream, l.Content)
		}
		return nil
	},
}
