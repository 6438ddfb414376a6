package target

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/slotwise/slotwise-migrate/internal/checkpoint"
	"github.com/slotwise/slotwise-migrate/internal/schema"
)

// MockOperator implements Operator in memory for tests. Failure injection
// covers the retry paths: TransientFailures fails the first N ApplyBatch
// calls per table with a deadlock error, FailTable fails every call.
type MockOperator struct {
	Schema *schema.Schema

	TransientFailures map[string]int
	FailTable         map[string]error
	ConnectErr        error

	mu          sync.Mutex
	rows        map[string][][]any
	cols        map[string][]string
	checkpoints map[string]map[string]checkpoint.Checkpoint // runID -> table -> ckpt
	attempts    map[string]int
	writes      int64
	truncated   []string
}

func (m *MockOperator) Connect(ctx context.Context) error { return m.ConnectErr }
func (m *MockOperator) Close() error                      { return nil }

func (m *MockOperator) IntrospectSchema(ctx context.Context) (*schema.Schema, error) {
	if m.Schema == nil {
		return &schema.Schema{DatabaseType: "postgresql"}, nil
	}
	return m.Schema, nil
}

func (m *MockOperator) EnsureCheckpointTable(ctx context.Context) error { return nil }

func (m *MockOperator) LoadCheckpoints(ctx context.Context, runID string) (map[string]checkpoint.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[string]checkpoint.Checkpoint)
	for table, ck := range m.checkpoints[runID] {
		result[table] = ck
	}
	return result, nil
}

func (m *MockOperator) ClearCheckpoints(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, runID)
	return nil
}

// SeedCheckpoint installs a checkpoint as if a prior run had committed it.
func (m *MockOperator) SeedCheckpoint(ck checkpoint.Checkpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoints == nil {
		m.checkpoints = make(map[string]map[string]checkpoint.Checkpoint)
	}
	if m.checkpoints[ck.RunID] == nil {
		m.checkpoints[ck.RunID] = make(map[string]checkpoint.Checkpoint)
	}
	m.checkpoints[ck.RunID][ck.Table] = ck
}

func (m *MockOperator) ApplyBatch(ctx context.Context, table string, cols []string, rows [][]any, ckpt checkpoint.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.FailTable[table]; ok {
		return err
	}
	if m.attempts == nil {
		m.attempts = make(map[string]int)
	}
	m.attempts[table]++
	if n, ok := m.TransientFailures[table]; ok && m.attempts[table] <= n {
		return &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
	}

	if m.rows == nil {
		m.rows = make(map[string][][]any)
		m.cols = make(map[string][]string)
	}
	m.rows[table] = append(m.rows[table], rows...)
	m.cols[table] = cols

	if m.checkpoints == nil {
		m.checkpoints = make(map[string]map[string]checkpoint.Checkpoint)
	}
	if m.checkpoints[ckpt.RunID] == nil {
		m.checkpoints[ckpt.RunID] = make(map[string]checkpoint.Checkpoint)
	}
	existing, ok := m.checkpoints[ckpt.RunID][table]
	if !ok || existing.RowsWritten <= ckpt.RowsWritten {
		ckpt.UpdatedAt = time.Now()
		m.checkpoints[ckpt.RunID][table] = ckpt
	}

	m.writes += int64(len(rows))
	return nil
}

func (m *MockOperator) RowCount(ctx context.Context, table string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.rows[table])), nil
}

func (m *MockOperator) RowByPK(ctx context.Context, table string, cols []string, pkCol string, pk any) ([]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pkIdx := -1
	for i, c := range m.cols[table] {
		if c == pkCol {
			pkIdx = i
		}
	}
	if pkIdx < 0 {
		return nil, fmt.Errorf("unknown pk column %q in %q", pkCol, table)
	}
	for _, row := range m.rows[table] {
		if row[pkIdx] == pk {
			return row, nil
		}
	}
	return nil, fmt.Errorf("row %v not found in %s", pk, table)
}

func (m *MockOperator) TruncateTables(ctx context.Context, tables []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tables {
		delete(m.rows, t)
		m.truncated = append(m.truncated, t)
	}
	m.writes++
	return nil
}

func (m *MockOperator) WritesIssued() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Rows returns the rows written to a table so far.
func (m *MockOperator) Rows(table string) [][]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[table]
}

// SetRow overwrites a stored row, simulating post-load target tampering.
func (m *MockOperator) SetRow(table string, idx int, row []any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[table][idx] = row
}

// Truncated returns the tables emptied via TruncateTables.
func (m *MockOperator) Truncated() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.truncated
}
