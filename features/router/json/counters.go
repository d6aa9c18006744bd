// Package json implements the router configuration document loader and a
// JSON-file-backed round-robin counter store, matching spec.md §4.11's
// requirement that "the round-robin counter is stored in a small persisted
// JSON file so that it survives process restarts (reset on first use if
// corrupt)".
package json

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/acms-dev/acms/apitypes"
)

// LoadRules reads the router configuration document at path: a JSON mapping
// of operation_kind to {strategy, tools}.
func LoadRules(path string) (map[string]apitypes.RouteRule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("router/json: read %s: %w", path, err)
	}
	var rules map[string]apitypes.RouteRule
	if err := json.Unmarshal(b, &rules); err != nil {
		return nil, fmt.Errorf("router/json: parse %s: %w", path, err)
	}
	return rules, nil
}

// FileCounters persists round-robin cursors to a single JSON file, keyed by
// operation_kind. A read-modify-write under a mutex is sufficient: the
// router itself already serializes round_robin lookups through its own
// lock, so FileCounters only needs to survive being the thing written.
type FileCounters struct {
	mu   sync.Mutex
	path string
}

// NewFileCounters builds a FileCounters backed by path. If the file doesn't
// exist yet it's created lazily on first Next call; if it exists but is
// corrupt (unparseable JSON), it is reset to an empty counter map rather
// than failing the router, per spec.md §4.11.
func NewFileCounters(path string) *FileCounters {
	return &FileCounters{path: path}
}

func (c *FileCounters) load() (map[string]int, error) {
	b, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return make(map[string]int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("router/json: read counters %s: %w", c.path, err)
	}
	var counters map[string]int
	if err := json.Unmarshal(b, &counters); err != nil {
		// Corrupt file: reset rather than fail, per spec.
		return make(map[string]int), nil
	}
	return counters, nil
}

func (c *FileCounters) save(counters map[string]int) error {
	b, err := json.MarshalIndent(counters, "", "  ")
	if err != nil {
		return fmt.Errorf("router/json: marshal counters: %w", err)
	}
	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("router/json: create dir %s: %w", dir, err)
		}
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("router/json: write temp counters: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("router/json: rename counters into place: %w", err)
	}
	return nil
}

// Next implements router.Counters.
func (c *FileCounters) Next(key string, modulus int) (int, error) {
	if modulus <= 0 {
		return 0, fmt.Errorf("router/json: modulus must be positive, got %d", modulus)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	counters, err := c.load()
	if err != nil {
		return 0, err
	}
	idx := counters[key] % modulus
	counters[key] = idx + 1
	if err := c.save(counters); err != nil {
		return 0, err
	}
	return idx, nil
}
