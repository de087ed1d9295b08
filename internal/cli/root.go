// Package cli is the demonstration command-line front end for the core
// execution engine, grounded on the teacher's internal/cli package: a
// package-level rootCmd, a SetVersion/Execute pair called from cmd/buildit,
// and one file per command group wired together in this file's init.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// SetVersion is called once from main with the ldflags-injected build
// version.
func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "buildit",
	Short: "buildit — a CI/CD core execution engine",
	Long: `buildit runs pipelines of DAG-ordered stages against pluggable execution
backends (local processes or a polled cluster workload manager), persisting
run and stage state to Postgres and streaming live events over an in-process
bus.

Pipelines are YAML files describing a stage DAG; see pipeline.example.yaml for an
example. BUILDIT_DSN selects the Postgres connection string and
BUILDIT_BACKEND selects "local" (default) or "cluster".`,
}

// Execute runs the CLI; main exits non-zero if it returns an error.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(migrateCmd)
}
