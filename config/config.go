// Package config loads the config.Snapshot that a runnable cmd/acms or
// cmd/acmsd process needs: the repo root, concurrency cap, worktree
// toggle, and the set of index/profile files every other feature package
// loads independently. Spec.md treats configuration loading as an
// external collaborator; this package is the concrete YAML-plus-env-
// override format that lineage's own command entry points use.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Telemetry configures the OTLP exporter endpoint and reporting identity.
type Telemetry struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Snapshot is the full configuration a run or daemon process needs at
// startup. Fields map directly onto the YAML document in SPEC_FULL.md §7,
// plus a small set of storage-path fields (state_store_path,
// router_counters_path) that the distilled spec leaves to "configuration
// loading" as an external concern but a concrete binary must supply.
type Snapshot struct {
	RepoRoot           string    `yaml:"repo_root"`
	MaxConcurrentTasks int       `yaml:"max_concurrent_tasks"`
	WorktreesEnabled   bool      `yaml:"worktrees_enabled"`
	PathIndex          string    `yaml:"path_index"`
	PatternIndex       string    `yaml:"pattern_index"`
	ToolProfiles       string    `yaml:"tool_profiles"`
	RouterConfig       string    `yaml:"router_config"`
	StateStorePath     string    `yaml:"state_store_path"`
	RouterCountersPath string    `yaml:"router_counters_path"`
	Telemetry          Telemetry `yaml:"telemetry"`
}

// defaults mirrors the example document in SPEC_FULL.md §7.
func defaults() Snapshot {
	return Snapshot{
		RepoRoot:           ".",
		MaxConcurrentTasks: 4,
		WorktreesEnabled:   true,
		PathIndex:          "config/paths.yaml",
		PatternIndex:       "config/patterns.yaml",
		ToolProfiles:       "config/tools.json",
		RouterConfig:       "config/router.json",
		StateStorePath:     ".acms/state.db",
		RouterCountersPath: ".acms/router_counters.json",
		Telemetry: Telemetry{
			ServiceName: "acms",
		},
	}
}

// Load reads the YAML document at path, overlaying it onto the built-in
// defaults, then applies ACMS_-prefixed environment variable overrides
// (the same env-first pattern the teacher's own command entry points use
// for their standalone servers).
func Load(path string) (Snapshot, error) {
	snap := defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Snapshot{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &snap); err != nil {
			return Snapshot{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&snap)

	if snap.RepoRoot == "" {
		return Snapshot{}, fmt.Errorf("config: repo_root must not be empty")
	}
	if snap.MaxConcurrentTasks <= 0 {
		return Snapshot{}, fmt.Errorf("config: max_concurrent_tasks must be positive, got %d", snap.MaxConcurrentTasks)
	}
	return snap, nil
}

func applyEnvOverrides(snap *Snapshot) {
	snap.RepoRoot = envOr("ACMS_REPO_ROOT", snap.RepoRoot)
	snap.MaxConcurrentTasks = envIntOr("ACMS_MAX_CONCURRENT_TASKS", snap.MaxConcurrentTasks)
	snap.WorktreesEnabled = envBoolOr("ACMS_WORKTREES_ENABLED", snap.WorktreesEnabled)
	snap.PathIndex = envOr("ACMS_PATH_INDEX", snap.PathIndex)
	snap.PatternIndex = envOr("ACMS_PATTERN_INDEX", snap.PatternIndex)
	snap.ToolProfiles = envOr("ACMS_TOOL_PROFILES", snap.ToolProfiles)
	snap.RouterConfig = envOr("ACMS_ROUTER_CONFIG", snap.RouterConfig)
	snap.StateStorePath = envOr("ACMS_STATE_STORE_PATH", snap.StateStorePath)
	snap.RouterCountersPath = envOr("ACMS_ROUTER_COUNTERS_PATH", snap.RouterCountersPath)
	snap.Telemetry.OTLPEndpoint = envOr("ACMS_OTLP_ENDPOINT", snap.Telemetry.OTLPEndpoint)
	snap.Telemetry.ServiceName = envOr("ACMS_SERVICE_NAME", snap.Telemetry.ServiceName)
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
