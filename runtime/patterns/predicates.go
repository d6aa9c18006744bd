package patterns

import (
	"context"

	"github.com/acms-dev/acms/apitypes"
)

// PrecheckFunc evaluates a named precheck predicate against a task's
// declared metadata. Prechecks are data-selected, not dispatched
// polymorphically: the pattern names a predicate, and the registry looks it
// up in a fixed table built at startup.
type PrecheckFunc func(ctx context.Context, task apitypes.Task) (bool, string)

// PostcheckFunc evaluates a named postcheck predicate against a task's
// result.
type PostcheckFunc func(ctx context.Context, task apitypes.Task, result apitypes.TaskResult) (bool, string)

// PredicateRegistry is the fixed name -> predicate mapping resolved at
// startup. Adding a new pattern requires no code change; adding a new
// predicate does.
type PredicateRegistry struct {
	prechecks  map[string]PrecheckFunc
	postchecks map[string]PostcheckFunc
}

// NewPredicateRegistry builds a registry seeded with the built-in
// predicates and any caller-supplied extensions.
func NewPredicateRegistry(extraPre map[string]PrecheckFunc, extraPost map[string]PostcheckFunc) *PredicateRegistry {
	pre := map[string]PrecheckFunc{
		"file_scope_declared": precheckFileScopeDeclared,
	}
	post := map[string]PostcheckFunc{
		"exit_code_zero": postcheckExitCodeZero,
	}
	for k, v := range extraPre {
		pre[k] = v
	}
	for k, v := range extraPost {
		post[k] = v
	}
	return &PredicateRegistry{prechecks: pre, postchecks: post}
}

// Precheck resolves and runs a named precheck. An unknown name is treated
// as a failed check rather than a panic, since pattern configuration is
// external input.
func (r *PredicateRegistry) Precheck(ctx context.Context, name string, task apitypes.Task) (bool, string) {
	fn, ok := r.prechecks[name]
	if !ok {
		return false, "unknown precheck: " + name
	}
	return fn(ctx, task)
}

// Postcheck resolves and runs a named postcheck.
func (r *PredicateRegistry) Postcheck(ctx context.Context, name string, task apitypes.Task, result apitypes.TaskResult) (bool, string) {
	fn, ok := r.postchecks[name]
	if !ok {
		return false, "unknown postcheck: " + name
	}
	return fn(ctx, task, result)
}

func precheckFileScopeDeclared(_ context.Context, task apitypes.Task) (bool, string) {
	if len(task.Metadata.FileScope) == 0 {
		return false, "task declares no file_scope"
	}
	return true, ""
}

func postcheckExitCodeZero(_ context.Context, _ apitypes.Task, result apitypes.TaskResult) (bool, string) {
	if result.VerificationExit == nil {
		return true, ""
	}
	if *result.VerificationExit != 0 {
		return false, "verification exit code was non-zero"
	}
	return true, ""
}
