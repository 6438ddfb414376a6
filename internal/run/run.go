package run

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const DefaultDir = "~/.slotwise-migrate/runs"

// Status is a run lifecycle state. Transitions only move forward within
// an attempt; resume re-enters backing-up or loading through the edges
// in the transition table.
type Status string

const (
	StatusPending               Status = "pending"
	StatusBackingUp             Status = "backing-up"
	StatusLoading               Status = "loading"
	StatusValidating            Status = "validating"
	StatusCompleted             Status = "completed"
	StatusCompletedWithWarnings Status = "completed-with-warnings"
	StatusFailed                Status = "failed"
	StatusCancelling            Status = "cancelling"
	StatusCancelled             Status = "cancelled"
)

// TableStatus tracks one table through the pipeline.
type TableStatus string

const (
	TablePending   TableStatus = "pending"
	TableLoading   TableStatus = "loading"
	TableLoaded    TableStatus = "loaded"
	TableValidated TableStatus = "validated"
	TableFailed    TableStatus = "failed"
	TableSkipped   TableStatus = "skipped"
)

// Terminal reports whether the run has reached a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithWarnings, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Resumable reports whether a fresh invocation may pick the run back up.
// Completed and completed-with-warnings runs are done; everything else
// left work behind.
func (s Status) Resumable() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithWarnings:
		return false
	}
	return true
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusBackingUp, StatusFailed, StatusCancelling},
	StatusBackingUp: {StatusLoading, StatusFailed, StatusCancelling},
	StatusLoading:   {StatusValidating, StatusFailed, StatusCancelling},
	// validating -> loading covers a process killed mid-validation; the
	// resumed run re-validates after short-circuiting the loaded tables
	StatusValidating: {StatusCompleted, StatusCompletedWithWarnings, StatusFailed, StatusCancelling, StatusLoading},
	StatusCancelling: {StatusCancelled},
	// resuming a failed or cancelled run re-enters backing-up when no
	// snapshot was recorded, otherwise goes straight back to loading
	StatusFailed:    {StatusBackingUp, StatusLoading},
	StatusCancelled: {StatusBackingUp, StatusLoading},
}

// TableProgress is per-table bookkeeping within a run.
type TableProgress struct {
	Name        string      `yaml:"name"`
	Status      TableStatus `yaml:"status"`
	SourceRows  int64       `yaml:"source_rows"`
	RowsWritten int64       `yaml:"rows_written"`
	Error       string      `yaml:"error,omitempty"`
}

// Run is the durable record of one migration attempt: what was planned,
// how far it got, and how it ended. Checkpoints live in the target
// database; the run record is the operator-facing view.
type Run struct {
	ID          string          `yaml:"id"`
	CreatedAt   time.Time       `yaml:"created_at"`
	UpdatedAt   time.Time       `yaml:"updated_at"`
	Mode        string          `yaml:"mode"`
	Status      Status          `yaml:"status"`
	Fingerprint string          `yaml:"fingerprint,omitempty"`
	BackupDir   string          `yaml:"backup_dir,omitempty"`
	Plan        []TableProgress `yaml:"plan"`
}

// New creates a pending run covering the named tables in load order.
func New(mode string, tables []string) *Run {
	r := &Run{
		ID:        uuid.NewString()[:8],
		CreatedAt: time.Now().UTC(),
		Mode:      mode,
		Status:    StatusPending,
	}
	for _, t := range tables {
		r.Plan = append(r.Plan, TableProgress{Name: t, Status: TablePending})
	}
	return r
}

// Transition moves the run to a new status, rejecting anything not on a
// forward edge.
func (r *Run) Transition(to Status) error {
	for _, allowed := range transitions[r.Status] {
		if allowed == to {
			r.Status = to
			return nil
		}
	}
	return fmt.Errorf("invalid run transition %s -> %s", r.Status, to)
}

// Table returns the progress entry for a table, or nil.
func (r *Run) Table(name string) *TableProgress {
	for i := range r.Plan {
		if r.Plan[i].Name == name {
			return &r.Plan[i]
		}
	}
	return nil
}

// Outcome derives the run's terminal status from its tables: any failed
// table makes the run failed, any skipped or warned table degrades it to
// completed-with-warnings.
func (r *Run) Outcome(mismatches int) Status {
	worst := StatusCompleted
	for _, t := range r.Plan {
		switch t.Status {
		case TableFailed:
			return StatusFailed
		case TableSkipped:
			worst = StatusCompletedWithWarnings
		}
	}
	if mismatches > 0 {
		worst = StatusCompletedWithWarnings
	}
	return worst
}

// Save writes the run record under dir, keyed by run id.
func (r *Run) Save(dir string) error {
	r.UpdatedAt = time.Now().UTC()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}

	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling run: %w", err)
	}

	return os.WriteFile(filepath.Join(dir, r.ID+".yaml"), data, 0o644)
}

// Load reads a run record by id.
func Load(dir, id string) (*Run, error) {
	data, err := os.ReadFile(filepath.Join(dir, id+".yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no run %q found in %s", id, dir)
		}
		return nil, fmt.Errorf("reading run: %w", err)
	}

	r := &Run{}
	if err := yaml.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("parsing run %q: %w", id, err)
	}
	return r, nil
}

// List returns all runs under dir, most recent first.
func List(dir string) ([]*Run, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	var runs []*Run
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		r, err := Load(dir, strings.TrimSuffix(entry.Name(), ".yaml"))
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

// Latest returns the most recently created run, or nil when none exist.
func Latest(dir string) (*Run, error) {
	runs, err := List(dir)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return runs[0], nil
}
