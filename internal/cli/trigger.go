package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/buildit/core/internal/model"
	"github.com/buildit/core/internal/orchestrator"
	"github.com/buildit/core/internal/secrets"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger [pipeline.yaml]",
	Short: "Register a pipeline and drive one run to completion",
	Long: `Loads a pipeline definition, registers it if needed, and triggers a run,
blocking until the run reaches a terminal state. Press Ctrl-C to cancel the
run in flight; per spec this is idempotent and safe to send more than once.
Use "buildit logs" or "buildit status" from another terminal to watch it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, cleanup, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		pipeline, err := loadPipeline(ctx, e, args[0])
		if err != nil {
			return fmt.Errorf("load pipeline: %w", err)
		}

		envPairs, _ := cmd.Flags().GetStringToString("env")
		secretPairs, _ := cmd.Flags().GetStringToString("secret")
		triggerUser, _ := cmd.Flags().GetString("user")

		opts := orchestrator.TriggerOpts{
			Pipeline: pipeline,
			Trigger:  model.TriggerInfo{Kind: "manual", User: triggerUser},
			Secrets:  secrets.NewStaticProvider(secretPairs),
			Env:      envPairs,
		}

		sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Bridge SIGINT/SIGTERM to CancelRun once the run's ID is known.
		opts.OnCreated = func(created model.Run) {
			go func() {
				<-sigCtx.Done()
				e.Orchestrator.CancelRun(created.ID)
			}()
		}

		run, err := e.Orchestrator.TriggerRun(sigCtx, opts)
		if err != nil {
			return fmt.Errorf("trigger run: %w", err)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "run %s (#%d) finished: %s\n", run.ID, run.Number, run.Status)
		if run.Status != model.RunSucceeded {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	triggerCmd.Flags().StringToString("env", nil, "run-level env vars, key=value (repeatable)")
	triggerCmd.Flags().StringToString("secret", nil, "secrets exposed to ${secrets.*}, key=value (repeatable)")
	triggerCmd.Flags().String("user", "cli", "trigger_info.user recorded on the run")
}
