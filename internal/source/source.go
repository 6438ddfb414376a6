package source

import (
	"context"
	"fmt"

	"github.com/slotwise/slotwise-migrate/internal/schema"
)

// Reader provides read-only access to the source database: catalog
// introspection, keyset-paginated extraction, and the queries the backup
// and validation phases need. The source is never written to.
type Reader interface {
	Connect(ctx context.Context) error

	// Introspect reads the catalog and returns the schema for the given
	// tables, or for all user tables when filter is empty. A filtered
	// table that does not exist is an *IntrospectionError.
	Introspect(ctx context.Context, filter []string) (*schema.Schema, error)

	RowCount(ctx context.Context, table string) (int64, error)

	// FetchKeyset reads up to limit rows ordered by pkCol ascending,
	// strictly after afterPK (from the start when afterPK is nil).
	// An empty result signals end-of-table.
	FetchKeyset(ctx context.Context, table string, cols []string, pkCol string, afterPK any, limit int) ([][]any, error)

	// SamplePKs returns every k-th primary key in ascending order, capped
	// at limit keys. The stride makes validation sampling deterministic.
	SamplePKs(ctx context.Context, table, pkCol string, every, limit int) ([]any, error)

	// RowByPK fetches a single row's columns by primary key.
	RowByPK(ctx context.Context, table string, cols []string, pkCol string, pk any) ([]any, error)

	// ExportRows streams every row of a table to fn in primary-key order,
	// used by the backup export.
	ExportRows(ctx context.Context, table string, cols []string, pkCol string, fn func(row []any) error) error

	Close() error
}

// IntrospectionError wraps failures reading the source catalog: an
// unreachable database file or a filtered table that does not exist.
type IntrospectionError struct {
	Reason string
	Err    error
}

func (e *IntrospectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schema introspection failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("schema introspection failed: %s", e.Reason)
}

func (e *IntrospectionError) Unwrap() error { return e.Err }
