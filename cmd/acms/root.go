package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// rootCmd is the base command when acms is invoked with no subcommand.
var rootCmd = &cobra.Command{
	Use:   "acms",
	Short: "Autonomous Code Modification System execution engine",
	Long: `acms drives a single run of the ACMS execution engine: it takes a
validated execution plan (a task DAG with tool bindings and pattern tags)
and dispatches tasks to external tools under guardrail enforcement,
producing a durable run record and event ledger.

  acms run --plan plan.json       run a new plan to completion
  acms run --plan plan.json --resume <run_id>
                                   run the plan under the given run id
                                   (an existing run's state is not reloaded)
  acms status <run_id>            print a run's persisted record
  acms validate-plan plan.json    validate a plan without executing it`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to the ACMS config YAML document (defaults built in, see config.Load)")
}

// Execute runs the root command and exits the process with the exit code
// convention from spec.md §6: 0 on DONE, 1 on FAILED, 2 on invalid input,
// 3 on unrecoverable infrastructure error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "acms:", err)
		os.Exit(exitCodeFor(err))
	}
}

func main() {
	Execute()
}
