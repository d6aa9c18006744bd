package yaml

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadParsesPathIndex(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "paths.yaml")
	doc := "acms.runs.root: \".acms_runs/{run_id}\"\nacms.runs.ledger: \".acms_runs/{run_id}/run.ledger.jsonl\"\n"
	require.NoError(t, os.WriteFile(indexPath, []byte(doc), 0o644))

	reg, err := Load(Options{IndexPath: indexPath, Root: dir})
	require.NoError(t, err)

	got, err := reg.Resolve("acms.runs.ledger", map[string]string{"run_id": "r1"})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, ".acms_runs/r1/run.ledger.jsonl"), got)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(Options{IndexPath: "/nonexistent/paths.yaml", Root: "/tmp"})
	require.Error(t, err)
}

func TestWatchReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "paths.yaml")
	require.NoError(t, os.WriteFile(indexPath, []byte("acms.runs.ledger: \"v1/{run_id}\"\n"), 0o644))

	opts := Options{IndexPath: indexPath, Root: dir}
	reg, err := Load(opts)
	require.NoError(t, err)

	watcher, err := Watch(opts, reg, nil)
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, os.WriteFile(indexPath, []byte("acms.runs.ledger: \"v2/{run_id}\"\n"), 0o644))

	require.Eventually(t, func() bool {
		got, err := reg.Resolve("acms.runs.ledger", map[string]string{"run_id": "r1"})
		return err == nil && got == filepath.Join(dir, "v2", "r1")
	}, 2*time.Second, 10*time.Millisecond, "registry did not hot-reload the edited path index")
}
