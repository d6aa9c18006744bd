package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acms-dev/acms/apitypes"
)

func TestWriterAppendAndReadAll(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.ledger.jsonl")

	w, err := Open(path, nil)
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []apitypes.Event{
		{Timestamp: now, RunID: "r1", Kind: apitypes.EventEnterState, State: string(apitypes.PhaseInit)},
		{Timestamp: now.Add(time.Second), RunID: "r1", Kind: apitypes.EventExitState, State: string(apitypes.PhaseInit)},
	}
	for _, e := range events {
		require.NoError(t, w.Append(e))
	}
	require.NoError(t, w.Close())

	got, err := ReadAll(path)
	require.NoError(t, err)
	require.Equal(t, events, got)
}

func TestReadAllToleratesPartialTrailingLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.ledger.jsonl")

	content := `{"ts":"2026-01-01T00:00:00Z","run_id":"r1","event":"enter_state","state":"INIT"}` + "\n" +
		`{"ts":"2026-01-01T00:00:01Z","run_id":"r1","event":"exit_state"` // truncated, no closing brace
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, apitypes.EventEnterState, got[0].Kind)
}

func TestReadAllMissingFile(t *testing.T) {
	got, err := ReadAll(filepath.Join(t.TempDir(), "missing.jsonl"))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestAppendBestEffortNeverPanics(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(filepath.Join(dir, "r.jsonl"), nil)
	require.NoError(t, err)
	defer w.Close()

	require.NotPanics(t, func() {
		w.AppendBestEffort(apitypes.Event{RunID: "r1", Kind: "x"})
	})
}
