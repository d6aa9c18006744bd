// Package yaml loads the pattern index (a YAML document mapping pattern ids
// to pattern objects, plus a global protected_paths block) and validates
// each parsed pattern against a JSON Schema before it is accepted into the
// runtime registry.
package yaml

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/acms-dev/acms/apitypes"
	"github.com/acms-dev/acms/runtime/patterns"
)

// patternSchema is the structural contract every loaded pattern must
// satisfy, compiled once at Load time.
const patternSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["enabled", "allowed_tools", "path_scope", "max_changes"],
	"properties": {
		"enabled": {"type": "boolean"},
		"allowed_tools": {"type": "array", "items": {"type": "string"}},
		"path_scope": {
			"type": "object",
			"properties": {
				"include": {"type": "array", "items": {"type": "string"}},
				"exclude": {"type": "array", "items": {"type": "string"}}
			}
		},
		"max_changes": {
			"type": "object",
			"properties": {
				"files": {"type": "integer", "minimum": 0},
				"lines": {"type": "integer", "minimum": 0},
				"hunks": {"type": "integer", "minimum": 0}
			}
		},
		"forbidden_operations": {"type": "array", "items": {"type": "string"}},
		"required_prechecks": {"type": "array", "items": {"type": "string"}},
		"required_postchecks": {"type": "array", "items": {"type": "string"}},
		"timeout_minutes": {"type": "integer", "minimum": 0}
	}
}`

// Load reads the pattern index at path, validates every pattern against
// patternSchema, and builds a patterns.Registry.
func Load(path string, predicates *patterns.PredicateRegistry) (*patterns.Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("patterns/yaml: read %s: %w", path, err)
	}

	var yamlDoc map[string]any
	if err := yaml.Unmarshal(b, &yamlDoc); err != nil {
		return nil, fmt.Errorf("patterns/yaml: parse %s: %w", path, err)
	}

	// Round-trip through JSON so every value (ints, nested maps) uses the
	// canonical JSON types jsonschema.Validate expects; YAML's decoder
	// otherwise hands back Go ints where the schema compares against
	// float64.
	normalized, err := json.Marshal(yamlDoc)
	if err != nil {
		return nil, fmt.Errorf("patterns/yaml: normalize %s: %w", path, err)
	}
	var raw map[string]any
	if err := json.Unmarshal(normalized, &raw); err != nil {
		return nil, fmt.Errorf("patterns/yaml: normalize %s: %w", path, err)
	}

	compiler := jsonschema.NewCompiler()
	var schemaDoc any
	if err := json.Unmarshal([]byte(patternSchema), &schemaDoc); err != nil {
		return nil, fmt.Errorf("patterns/yaml: internal schema invalid: %w", err)
	}
	if err := compiler.AddResource("pattern.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("patterns/yaml: add schema resource: %w", err)
	}
	schema, err := compiler.Compile("pattern.json")
	if err != nil {
		return nil, fmt.Errorf("patterns/yaml: compile schema: %w", err)
	}

	var protectedPaths []string
	if pp, ok := raw["protected_paths"]; ok {
		delete(raw, "protected_paths")
		if list, ok := pp.([]any); ok {
			for _, v := range list {
				if s, ok := v.(string); ok {
					protectedPaths = append(protectedPaths, s)
				}
			}
		}
	}

	parsed := make(map[string]apitypes.Pattern, len(raw))
	for id, v := range raw {
		if err := schema.Validate(v); err != nil {
			return nil, fmt.Errorf("patterns/yaml: pattern %q fails schema validation: %w", id, err)
		}
		reencoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("patterns/yaml: re-encode pattern %q: %w", id, err)
		}
		var p apitypes.Pattern
		if err := json.Unmarshal(reencoded, &p); err != nil {
			return nil, fmt.Errorf("patterns/yaml: decode pattern %q: %w", id, err)
		}
		p.ID = id
		parsed[id] = p
	}

	return patterns.New(patterns.Options{
		Patterns:       parsed,
		ProtectedPaths: protectedPaths,
		Predicates:     predicates,
	}), nil
}
