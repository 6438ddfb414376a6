package event

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Payload is the machine-readable run summary emitted when a run reaches
// a terminal state. Downstream tooling keys on Status; everything else is
// context.
type Payload struct {
	RunID           string  `json:"run_id"`
	Status          string  `json:"status"`
	DurationSeconds float64 `json:"duration_seconds"`
	TablesMigrated  int     `json:"tables_migrated"`
	TablesFailed    int     `json:"tables_failed"`
	RowsWritten     int64   `json:"rows_written"`
	Mismatches      int     `json:"mismatches"`
}

// Emit writes the payload as a single JSON line to path, or to stdout
// when path is "-" or empty. Emission failures are reported but must not
// change the run's outcome.
func Emit(p Payload, path string) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}
	data = append(data, '\n')

	if path == "" || path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating event directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening event file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing event payload: %w", err)
	}
	return nil
}

// Duration converts a start time into the payload's duration field.
func Duration(start time.Time) float64 {
	return time.Since(start).Seconds()
}
