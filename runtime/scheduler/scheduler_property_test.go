package scheduler

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/acms-dev/acms/apitypes"
)

// dagCase is a randomly generated, acyclic-by-construction task set: task i
// may only depend on tasks 0..i-1, so New never rejects it for a cycle.
type dagCase struct {
	tasks []apitypes.Task
}

func genDAG() gopter.Gen {
	return gen.IntRange(1, 12).FlatMap(func(n any) gopter.Gen {
		count := n.(int)
		return gen.SliceOfN(count, gen.Int64Range(0, 1<<20-1)).Map(func(masks []int64) dagCase {
			ids := make([]string, count)
			for i := range ids {
				ids[i] = fmt.Sprintf("t%d", i)
			}
			tasks := make([]apitypes.Task, count)
			for i := 0; i < count; i++ {
				var deps []string
				for j := 0; j < i; j++ {
					if masks[i]&(1<<uint(j)) != 0 {
						deps = append(deps, ids[j])
					}
				}
				tasks[i] = apitypes.Task{TaskID: ids[i], DependsOn: deps}
			}
			return dagCase{tasks: tasks}
		})
	}, reflect.TypeOf(dagCase{}))
}

// TestExecutionOrderIsValidTopologicalSortProperty checks that
// ExecutionOrder, for any acyclic task graph, produces a permutation of
// every task id with each task preceded by all of its own dependencies.
func TestExecutionOrderIsValidTopologicalSortProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("execution order respects every dependency edge", prop.ForAll(
		func(tc dagCase) bool {
			sched, err := New(tc.tasks)
			if err != nil {
				return false
			}
			order := sched.ExecutionOrder()

			if len(order) != len(tc.tasks) {
				return false
			}
			position := make(map[string]int, len(order))
			for i, id := range order {
				position[id] = i
			}
			if len(position) != len(order) {
				return false // duplicate id: not a permutation
			}

			for _, task := range tc.tasks {
				for _, dep := range task.DependsOn {
					if position[dep] >= position[task.TaskID] {
						return false
					}
				}
			}
			return true
		},
		genDAG(),
	))

	properties.TestingRun(t)
}

// TestExecutionOrderIsIdempotentProperty checks that calling ExecutionOrder
// repeatedly, with no intervening MarkTask calls, always returns the same
// order: it is a pure read over the dependency graph, not a consuming
// traversal.
func TestExecutionOrderIsIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("repeated calls return the same order", prop.ForAll(
		func(tc dagCase) bool {
			sched, err := New(tc.tasks)
			if err != nil {
				return false
			}
			first := sched.ExecutionOrder()
			second := sched.ExecutionOrder()
			if len(first) != len(second) {
				return false
			}
			for i := range first {
				if first[i] != second[i] {
					return false
				}
			}
			return true
		},
		genDAG(),
	))

	properties.TestingRun(t)
}
