package tooladapter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acms-dev/acms/apitypes"
)

func TestBuildRequestSubstitutesPlaceholders(t *testing.T) {
	profile := apitypes.ToolProfile{
		ToolID:                "editor",
		CommandTemplate:       []string{"editor-cli", "--model", "{model}", "--prompt", "{prompt_file}", "{files...}"},
		DefaultTimeoutSeconds: 30,
	}
	req := BuildRequest(profile,
		map[string]string{"model": "gpt-x", "prompt_file": "/tmp/p.txt"},
		[]string{"a.go", "b.go"},
		"/work/wt-1", "run-1", "task-1")

	require.Equal(t, []string{"editor-cli", "--model", "gpt-x", "--prompt", "/tmp/p.txt", "a.go", "b.go"}, req.Args)
	require.Equal(t, "/work/wt-1", req.WorkingDir)
	require.Equal(t, "run-1", req.Env["RUN_ID"])
	require.Equal(t, "/work/wt-1", req.Env["WORKTREE_ROOT"])
}

func TestValidateProfileRejectsEmptyTemplate(t *testing.T) {
	err := ValidateProfile(apitypes.ToolProfile{ToolID: "x"})
	require.Error(t, err)
}
