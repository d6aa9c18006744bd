package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/acms-dev/acms/apitypes"
	"github.com/acms-dev/acms/config"
	"github.com/acms-dev/acms/internal/engine"
	"github.com/acms-dev/acms/runtime/scheduler"
)

var validatePlanCmd = &cobra.Command{
	Use:   "validate-plan <plan.json>",
	Short: "Validate an execution plan without executing it",
	Long: `validate-plan checks that every task's pattern_id names an enabled
pattern and that the task dependency graph is acyclic with no missing
references, per spec.md §6's plan intake validation. It never dispatches a
tool or mutates the state store.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidatePlan,
}

func init() {
	rootCmd.AddCommand(validatePlanCmd)
}

func runValidatePlan(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	plan, err := loadPlan(args[0])
	if err != nil {
		return err
	}

	eng, err := engine.Build(cfg, nil, nil, nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	tasks := make([]apitypes.Task, 0, len(plan.Tasks))
	for _, pt := range plan.Tasks {
		if ok, err := eng.Patterns.ValidatePatternExists(pt.Metadata.PatternID); !ok {
			return fmt.Errorf("validate-plan: task %s: %w", pt.TaskID, err)
		}
		tasks = append(tasks, apitypes.Task{
			TaskID:    pt.TaskID,
			Kind:      pt.TaskKind,
			DependsOn: pt.DependsOn,
			Metadata:  pt.Metadata,
			State:     apitypes.TaskPending,
		})
	}

	sched, err := scheduler.New(tasks)
	if err != nil {
		return fmt.Errorf("validate-plan: %w", err)
	}

	order := sched.ExecutionOrder()

	fmt.Fprintf(cmd.OutOrStdout(), "plan %s: %d tasks, valid topological order:\n", plan.PlanID, len(order))
	for _, id := range order {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
	}
	return nil
}
