package patterns

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acms-dev/acms/apitypes"
)

func basicPattern() apitypes.Pattern {
	return apitypes.Pattern{
		ID:           "noop_ok",
		Enabled:      true,
		AllowedTools: []string{"editor-cli"},
		PathScope: apitypes.PathScope{
			Include: []string{"src/*"},
		},
		MaxChanges:          apitypes.MaxChanges{Files: 2, Lines: 100, Hunks: 5},
		ForbiddenOperations: []string{"git_push"},
		RequiredPrechecks:   []string{"file_scope_declared"},
	}
}

func TestPreExecutionCheckPassesHappyPath(t *testing.T) {
	reg := New(Options{
		Patterns: map[string]apitypes.Pattern{"noop_ok": basicPattern()},
	})
	task := apitypes.Task{
		TaskID: "A",
		Metadata: apitypes.TaskMetadata{
			PatternID: "noop_ok",
			FileScope: []string{"src/main.go"},
		},
	}
	ok, violations := reg.PreExecutionCheck(context.Background(), "noop_ok", task)
	require.True(t, ok)
	require.Empty(t, violations)
}

func TestPreExecutionCheckBlocksProtectedPath(t *testing.T) {
	reg := New(Options{
		Patterns:       map[string]apitypes.Pattern{"noop_ok": basicPattern()},
		ProtectedPaths: []string{".git/objects/*"},
	})
	task := apitypes.Task{
		TaskID: "A",
		Metadata: apitypes.TaskMetadata{
			PatternID: "noop_ok",
			FileScope: []string{".git/objects/x"},
		},
	}
	ok, violations := reg.PreExecutionCheck(context.Background(), "noop_ok", task)
	require.False(t, ok)
	require.Len(t, violations, 1)
	require.Equal(t, "path_scope_violation", violations[0].RuleID)
	require.Equal(t, apitypes.SeverityFatal, violations[0].Severity)
}

func TestPreExecutionCheckUnknownPattern(t *testing.T) {
	reg := New(Options{Patterns: map[string]apitypes.Pattern{}})
	ok, violations := reg.PreExecutionCheck(context.Background(), "missing", apitypes.Task{TaskID: "A"})
	require.False(t, ok)
	require.Len(t, violations, 1)
	require.Equal(t, "pattern_missing_or_disabled", violations[0].RuleID)
}

func TestPostExecutionCheckDetectsHallucinatedSuccess(t *testing.T) {
	reg := New(Options{Patterns: map[string]apitypes.Pattern{"noop_ok": basicPattern()}})
	badExit := 1
	result := apitypes.TaskResult{Status: apitypes.TaskSucceeded, VerificationExit: &badExit}

	ok, violations := reg.PostExecutionCheck(context.Background(), "noop_ok", apitypes.Task{TaskID: "A"}, result)
	require.False(t, ok)
	require.Len(t, violations, 1)
	require.Equal(t, apitypes.AntiPatternHallucinatedSuccess, violations[0].RuleID)
}

func TestPostExecutionCheckMaxChangesExceeded(t *testing.T) {
	reg := New(Options{Patterns: map[string]apitypes.Pattern{"noop_ok": basicPattern()}})
	result := apitypes.TaskResult{
		Status:  apitypes.TaskSucceeded,
		Changes: apitypes.ChangeSummary{Files: []string{"src/a.go", "src/b.go", "src/c.go"}},
	}
	ok, violations := reg.PostExecutionCheck(context.Background(), "noop_ok", apitypes.Task{TaskID: "A"}, result)
	require.False(t, ok)
	require.Len(t, violations, 1)
	require.Contains(t, violations[0].RuleID, "max_changes_exceeded")
}

func TestValidatePatternExists(t *testing.T) {
	reg := New(Options{Patterns: map[string]apitypes.Pattern{"noop_ok": basicPattern()}})
	ok, err := reg.ValidatePatternExists("noop_ok")
	require.True(t, ok)
	require.NoError(t, err)

	_, err = reg.ValidatePatternExists("missing")
	require.Error(t, err)
}
