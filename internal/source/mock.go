package source

import (
	"context"
	"fmt"

	"github.com/slotwise/slotwise-migrate/internal/schema"
)

// MockReader implements Reader with in-memory tables for tests.
// Rows must be stored in ascending primary-key order; the keyset methods
// assume it, just like the real reader relies on ORDER BY.
type MockReader struct {
	Schema    *schema.Schema
	Rows      map[string][][]any // table -> rows, column order matches Schema
	FailAfter map[string]int     // table -> fetch calls before an injected error
	fetches   map[string]int

	ConnectErr error
	closed     bool
}

func (m *MockReader) Connect(ctx context.Context) error { return m.ConnectErr }

func (m *MockReader) Close() error {
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockReader) Closed() bool { return m.closed }

func (m *MockReader) Introspect(ctx context.Context, filter []string) (*schema.Schema, error) {
	if m.Schema == nil {
		return nil, &IntrospectionError{Reason: "no schema configured"}
	}
	if len(filter) == 0 {
		return m.Schema, nil
	}
	out := &schema.Schema{DatabaseType: m.Schema.DatabaseType, Path: m.Schema.Path}
	for _, want := range filter {
		t := m.Schema.Table(want)
		if t == nil {
			return nil, &IntrospectionError{Reason: fmt.Sprintf("table %q does not exist in source", want)}
		}
		out.Tables = append(out.Tables, *t)
	}
	return out, nil
}

func (m *MockReader) RowCount(ctx context.Context, table string) (int64, error) {
	rows, ok := m.Rows[table]
	if !ok {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	return int64(len(rows)), nil
}

func (m *MockReader) FetchKeyset(ctx context.Context, table string, cols []string, pkCol string, afterPK any, limit int) ([][]any, error) {
	if m.FailAfter != nil {
		if m.fetches == nil {
			m.fetches = make(map[string]int)
		}
		m.fetches[table]++
		if n, ok := m.FailAfter[table]; ok && m.fetches[table] > n {
			return nil, fmt.Errorf("injected fetch failure for %s", table)
		}
	}

	rows, ok := m.Rows[table]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	pkIdx := m.pkIndex(table, pkCol)
	if pkIdx < 0 {
		return nil, fmt.Errorf("unknown pk column %q in %q", pkCol, table)
	}

	var out [][]any
	for _, row := range rows {
		if afterPK != nil && !pkGreater(row[pkIdx], afterPK) {
			continue
		}
		out = append(out, row)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MockReader) SamplePKs(ctx context.Context, table, pkCol string, every, limit int) ([]any, error) {
	rows, ok := m.Rows[table]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	pkIdx := m.pkIndex(table, pkCol)
	if pkIdx < 0 {
		return nil, fmt.Errorf("unknown pk column %q in %q", pkCol, table)
	}
	if every < 1 {
		every = 1
	}

	var pks []any
	for i := 0; i < len(rows) && len(pks) < limit; i += every {
		pks = append(pks, rows[i][pkIdx])
	}
	return pks, nil
}

func (m *MockReader) RowByPK(ctx context.Context, table string, cols []string, pkCol string, pk any) ([]any, error) {
	rows, ok := m.Rows[table]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	pkIdx := m.pkIndex(table, pkCol)
	for _, row := range rows {
		if row[pkIdx] == pk {
			return row, nil
		}
	}
	return nil, fmt.Errorf("row %v not found in %s", pk, table)
}

func (m *MockReader) ExportRows(ctx context.Context, table string, cols []string, pkCol string, fn func(row []any) error) error {
	rows, ok := m.Rows[table]
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	for _, row := range rows {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockReader) pkIndex(table, pkCol string) int {
	t := m.Schema.Table(table)
	if t == nil {
		return -1
	}
	for i, c := range t.Columns {
		if c.Name == pkCol {
			return i
		}
	}
	return -1
}

func pkGreater(a, b any) bool {
	switch av := a.(type) {
	case int64:
		bv, ok := b.(int64)
		return ok && av > bv
	case string:
		bv, ok := b.(string)
		return ok && av > bv
	default:
		return false
	}
}
