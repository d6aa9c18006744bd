package patterns

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/acms-dev/acms/apitypes"
)

// Options configures a Registry.
type Options struct {
	Patterns       map[string]apitypes.Pattern
	ProtectedPaths []string
	Predicates     *PredicateRegistry
}

// Registry holds the loaded, validated pattern index and enforces
// guardrails at task boundaries. Patterns are read-only after construction.
type Registry struct {
	patterns       map[string]apitypes.Pattern
	protectedPaths []string
	predicates     *PredicateRegistry
}

// New builds a Registry from already-parsed patterns. Schema/structural
// validation of the raw documents happens in the loader
// (features/patterns/yaml); New assumes well-formed input.
func New(opts Options) *Registry {
	predicates := opts.Predicates
	if predicates == nil {
		predicates = NewPredicateRegistry(nil, nil)
	}
	return &Registry{
		patterns:       opts.Patterns,
		protectedPaths: opts.ProtectedPaths,
		predicates:     predicates,
	}
}

// ProtectedPaths returns the global protected-path glob list applied to
// every pattern's exclude scope, for callers (the orchestrator's post-hoc
// fatal-violation check) that need it outside of a specific pattern lookup.
func (r *Registry) ProtectedPaths() []string {
	return r.protectedPaths
}

// ValidatePatternExists reports whether id names an enabled pattern.
func (r *Registry) ValidatePatternExists(id string) (bool, error) {
	p, ok := r.patterns[id]
	if !ok {
		return false, fmt.Errorf("patterns: unknown pattern %q", id)
	}
	if !p.Enabled {
		return false, fmt.Errorf("patterns: pattern %q is disabled", id)
	}
	return true, nil
}

func globMatchAny(patterns []string, path string) bool {
	for _, g := range patterns {
		if ok, _ := filepath.Match(g, path); ok {
			return true
		}
	}
	return false
}

// excludeScope returns the pattern's own exclude globs unioned with the
// registry's global protected-paths list, which can never be weakened.
func (r *Registry) excludeScope(p apitypes.Pattern) []string {
	return append(append([]string{}, p.PathScope.Exclude...), r.protectedPaths...)
}

func pathAllowed(p apitypes.Pattern, exclude []string, path string) bool {
	if len(p.PathScope.Include) > 0 && !globMatchAny(p.PathScope.Include, path) {
		return false
	}
	if globMatchAny(exclude, path) {
		return false
	}
	return true
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

// PreExecutionCheck verifies, before a task runs: the pattern exists and is
// enabled; declared file paths are within scope; declared tools are
// allowed; declared operations aren't forbidden; and every named precheck
// passes.
func (r *Registry) PreExecutionCheck(ctx context.Context, patternID string, task apitypes.Task) (bool, []apitypes.GuardrailViolation) {
	var violations []apitypes.GuardrailViolation

	p, ok := r.patterns[patternID]
	if !ok || !p.Enabled {
		violations = append(violations, apitypes.GuardrailViolation{
			RuleID:    "pattern_missing_or_disabled",
			Severity:  apitypes.SeverityFatal,
			Message:   fmt.Sprintf("pattern %q does not exist or is disabled", patternID),
			TaskID:    task.TaskID,
			PatternID: patternID,
		})
		return false, violations
	}

	exclude := r.excludeScope(p)
	var offendingPaths []string
	for _, path := range task.Metadata.FileScope {
		if !pathAllowed(p, exclude, path) {
			offendingPaths = append(offendingPaths, path)
		}
	}
	if len(offendingPaths) > 0 {
		violations = append(violations, apitypes.GuardrailViolation{
			RuleID:    "path_scope_violation",
			Severity:  apitypes.SeverityFatal,
			Message:   "declared file(s) outside the pattern's allowed path scope",
			TaskID:    task.TaskID,
			PatternID: patternID,
			Paths:     offendingPaths,
		})
	}

	allowed := toSet(p.AllowedTools)
	if hint, ok := task.Metadata.RoutingHints["tool_id"].(string); ok && hint != "" {
		if _, ok := allowed[hint]; !ok && len(allowed) > 0 {
			violations = append(violations, apitypes.GuardrailViolation{
				RuleID:    "tool_not_allowed",
				Severity:  apitypes.SeverityError,
				Message:   fmt.Sprintf("tool %q is not in pattern %q's allowed_tools", hint, patternID),
				TaskID:    task.TaskID,
				PatternID: patternID,
				Tools:     []string{hint},
			})
		}
	}

	forbidden := toSet(p.ForbiddenOperations)
	var ops []string
	switch v := task.Metadata.Extra["operations"].(type) {
	case []string:
		ops = v
	case []any:
		for _, op := range v {
			if s, ok := op.(string); ok {
				ops = append(ops, s)
			}
		}
	}
	if len(ops) > 0 {
		var hit []string
		for _, op := range ops {
			if _, ok := forbidden[op]; ok {
				hit = append(hit, op)
			}
		}
		if len(hit) > 0 {
			violations = append(violations, apitypes.GuardrailViolation{
				RuleID:    "forbidden_operation",
				Severity:  apitypes.SeverityFatal,
				Message:   "task declares a forbidden operation",
				TaskID:    task.TaskID,
				PatternID: patternID,
				Context:   map[string]any{"operations": hit},
			})
		}
	}

	for _, name := range p.RequiredPrechecks {
		if ok, msg := r.predicates.Precheck(ctx, name, task); !ok {
			violations = append(violations, apitypes.GuardrailViolation{
				RuleID:    "precheck_failed:" + name,
				Severity:  apitypes.SeverityError,
				Message:   msg,
				TaskID:    task.TaskID,
				PatternID: patternID,
			})
		}
	}

	return !hasAtLeastError(violations), violations
}

func hasAtLeastError(violations []apitypes.GuardrailViolation) bool {
	for _, v := range violations {
		if v.Severity == apitypes.SeverityError || v.Severity == apitypes.SeverityFatal {
			return true
		}
	}
	return false
}

// PostExecutionCheck verifies, after a task's tool ran: named postchecks
// pass; change counts are within max_changes; and exit-code consistency
// holds (detecting hallucinated success — a task claiming success while its
// own verification field indicates failure). It does not check that the
// result's ExpectedOutputs exist.
func (r *Registry) PostExecutionCheck(ctx context.Context, patternID string, task apitypes.Task, result apitypes.TaskResult) (bool, []apitypes.GuardrailViolation) {
	var violations []apitypes.GuardrailViolation

	p, ok := r.patterns[patternID]
	if !ok {
		violations = append(violations, apitypes.GuardrailViolation{
			RuleID:    "pattern_missing_or_disabled",
			Severity:  apitypes.SeverityFatal,
			Message:   fmt.Sprintf("pattern %q does not exist", patternID),
			TaskID:    task.TaskID,
			PatternID: patternID,
		})
		return false, violations
	}

	for _, name := range p.RequiredPostchecks {
		if ok, msg := r.predicates.Postcheck(ctx, name, task, result); !ok {
			violations = append(violations, apitypes.GuardrailViolation{
				RuleID:    "postcheck_failed:" + name,
				Severity:  apitypes.SeverityError,
				Message:   msg,
				TaskID:    task.TaskID,
				PatternID: patternID,
			})
		}
	}

	// result.Changes.Files reflects what the tool actually touched, per the
	// worktree's own diff — unlike the pre-execution check, which only sees
	// what the task declared it would touch. A tool that wanders outside
	// the declared scope is caught here, after the fact.
	exclude := r.excludeScope(p)
	var offendingPaths []string
	for _, path := range result.Changes.Files {
		if !pathAllowed(p, exclude, path) {
			offendingPaths = append(offendingPaths, path)
		}
	}
	if len(offendingPaths) > 0 {
		violations = append(violations, apitypes.GuardrailViolation{
			RuleID:    "path_scope_violation",
			Severity:  apitypes.SeverityFatal,
			Message:   "tool wrote to file(s) outside the pattern's allowed path scope",
			TaskID:    task.TaskID,
			PatternID: patternID,
			Paths:     offendingPaths,
		})
	}

	if m := p.MaxChanges; m.Files > 0 && len(result.Changes.Files) > m.Files {
		violations = append(violations, changeLimitViolation(task.TaskID, patternID, "files", len(result.Changes.Files), m.Files))
	}
	if m := p.MaxChanges; m.Lines > 0 && result.Changes.Lines > m.Lines {
		violations = append(violations, changeLimitViolation(task.TaskID, patternID, "lines", result.Changes.Lines, m.Lines))
	}
	if m := p.MaxChanges; m.Hunks > 0 && result.Changes.Hunks > m.Hunks {
		violations = append(violations, changeLimitViolation(task.TaskID, patternID, "hunks", result.Changes.Hunks, m.Hunks))
	}

	// Hallucinated success: the tool/task claims success but its own
	// verification result disagrees.
	if result.Status == apitypes.TaskSucceeded && result.VerificationExit != nil && *result.VerificationExit != 0 {
		violations = append(violations, apitypes.GuardrailViolation{
			RuleID:    apitypes.AntiPatternHallucinatedSuccess,
			Severity:  apitypes.SeverityFatal,
			Message:   "task claimed success but verification exit code indicates failure",
			TaskID:    task.TaskID,
			PatternID: patternID,
			Context:   map[string]any{"verification_exit_code": *result.VerificationExit},
		})
	}

	return !hasAtLeastError(violations), violations
}

func changeLimitViolation(taskID, patternID, dim string, got, limit int) apitypes.GuardrailViolation {
	return apitypes.GuardrailViolation{
		RuleID:    "max_changes_exceeded:" + dim,
		Severity:  apitypes.SeverityError,
		Message:   fmt.Sprintf("changes.%s=%d exceeds pattern limit %d", dim, got, limit),
		TaskID:    taskID,
		PatternID: patternID,
		Context:   map[string]any{dim: got, "limit": limit},
	}
}
