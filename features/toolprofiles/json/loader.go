// Package json loads the tool-profiles configuration document: a JSON
// mapping of tool id to command template, environment, default timeout, and
// placeholder semantics.
package json

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/acms-dev/acms/apitypes"
)

// Load reads and parses the tool-profiles document at path.
func Load(path string) (map[string]apitypes.ToolProfile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("toolprofiles: read %s: %w", path, err)
	}

	var raw map[string]apitypes.ToolProfile
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("toolprofiles: parse %s: %w", path, err)
	}

	profiles := make(map[string]apitypes.ToolProfile, len(raw))
	for id, p := range raw {
		p.ToolID = id
		profiles[id] = p
	}
	return profiles, nil
}
