// Package ledger implements the append-only, line-delimited event log that
// is the ground truth for run observability. Every entry is one JSON object
// per line; writes are atomic at line granularity, and a failure to write
// is logged but never blocks the caller — the ledger is best-effort durable,
// not a transaction participant.
package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/acms-dev/acms/apitypes"
	"github.com/acms-dev/acms/telemetry"
)

// Writer appends events to a single run-scoped ledger file.
type Writer struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger telemetry.Logger
}

// Open opens (creating if necessary) the ledger file at path for appending.
// The caller owns the returned Writer's lifetime and must Close it.
func Open(path string, logger telemetry.Logger) (*Writer, error) {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	return &Writer{path: path, file: f, logger: logger}, nil
}

// Append writes one event as a single JSON line. Per §4.1, a failure to
// write is logged to the configured logger's Error channel but does not
// return an error to callers that have opted into best-effort mode via
// AppendBestEffort; Append itself does return the error so callers that
// need a hard failure signal (e.g. a test asserting durability) can have it.
func (w *Writer) Append(e apitypes.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("ledger: marshal event: %w", err)
	}
	b = append(b, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(b); err != nil {
		return fmt.Errorf("ledger: write: %w", err)
	}
	return nil
}

// AppendBestEffort appends the event and swallows any error after logging
// it, matching the component's "failure to write does not block execution"
// contract. Callers in the hot execution path use this; tests that assert
// durability use Append directly.
func (w *Writer) AppendBestEffort(e apitypes.Event) {
	if err := w.Append(e); err != nil {
		w.logger.Error(context.Background(), "ledger: append failed", "error", err, "run_id", e.RunID, "event", e.Kind)
	}
}

// Close releases the underlying file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// ReadAll scans a ledger file forward from the beginning, returning every
// well-formed event line in append order. Per §9's generator note, a
// partially-written trailing line (e.g. the process died mid-append) is
// tolerated: the scanner skips a final line that fails to unmarshal instead
// of erroring the whole read.
func ReadAll(path string) ([]apitypes.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	defer f.Close()

	var events []apitypes.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("ledger: scan %s: %w", path, err)
	}

	for i, line := range lines {
		var e apitypes.Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			if i == len(lines)-1 {
				// Trailing partial write; tolerate it.
				break
			}
			return nil, fmt.Errorf("ledger: malformed line %d in %s: %w", i+1, path, err)
		}
		events = append(events, e)
	}
	return events, nil
}
