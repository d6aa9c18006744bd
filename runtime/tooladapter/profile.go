package tooladapter

import (
	"fmt"
	"strings"
	"time"

	"github.com/acms-dev/acms/apitypes"
)

// BuildRequest translates a tool profile and resolved placeholder values
// into a fully-formed ToolRunRequest. Placeholders in profile.CommandTemplate
// of the form "{name}" are substituted from values; "{files...}" expands to
// the files slice joined as separate arguments.
func BuildRequest(profile apitypes.ToolProfile, values map[string]string, files []string, workingDir string, runID, taskID string) apitypes.ToolRunRequest {
	args := make([]string, 0, len(profile.CommandTemplate))
	for _, tok := range profile.CommandTemplate {
		switch {
		case tok == "{files...}":
			args = append(args, files...)
		case strings.HasPrefix(tok, "{") && strings.HasSuffix(tok, "}"):
			name := strings.TrimSuffix(strings.TrimPrefix(tok, "{"), "}")
			if v, ok := values[name]; ok {
				args = append(args, v)
			} else {
				args = append(args, tok)
			}
		default:
			args = append(args, tok)
		}
	}

	timeout := time.Duration(profile.DefaultTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	env := make(map[string]string, len(profile.Env)+2)
	for k, v := range profile.Env {
		env[k] = v
	}
	env["RUN_ID"] = runID
	env["WORKTREE_ROOT"] = workingDir

	return apitypes.ToolRunRequest{
		ToolID:     profile.ToolID,
		Args:       args,
		WorkingDir: workingDir,
		Env:        env,
		Timeout:    timeout,
		RunID:      runID,
		TaskID:     taskID,
	}
}

// ValidateProfile returns an error if the profile's command template is
// malformed in a way BuildRequest cannot recover from (empty template).
func ValidateProfile(profile apitypes.ToolProfile) error {
	if len(profile.CommandTemplate) == 0 {
		return fmt.Errorf("tooladapter: profile %q has empty command_template", profile.ToolID)
	}
	return nil
}
