package target

import (
	"context"
	"fmt"
	"strings"

	"github.com/slotwise/slotwise-migrate/internal/checkpoint"
	"github.com/slotwise/slotwise-migrate/internal/schema"
)

// Operator provides write and validation access to the target database.
// All data writes go through ApplyBatch, which commits the rows and the
// table's checkpoint in one transaction.
type Operator interface {
	Connect(ctx context.Context) error

	// IntrospectSchema reads the target catalog: table names, columns,
	// types, nullability, and index presence. Used for the pre-load
	// schema gate and the post-load shape comparison.
	IntrospectSchema(ctx context.Context) (*schema.Schema, error)

	EnsureCheckpointTable(ctx context.Context) error
	LoadCheckpoints(ctx context.Context, runID string) (map[string]checkpoint.Checkpoint, error)
	ClearCheckpoints(ctx context.Context, runID string) error

	// ApplyBatch inserts the rows and advances the table's checkpoint
	// atomically. Either everything commits or nothing does.
	ApplyBatch(ctx context.Context, table string, cols []string, rows [][]any, ckpt checkpoint.Checkpoint) error

	RowCount(ctx context.Context, table string) (int64, error)
	RowByPK(ctx context.Context, table string, cols []string, pkCol string, pk any) ([]any, error)

	// TruncateTables empties the given tables in reverse dependency
	// order. Only rollback --purge-target calls this.
	TruncateTables(ctx context.Context, tables []string) error

	// WritesIssued returns the number of data-modifying statements issued
	// since Connect. Dry-run asserts it stays at zero.
	WritesIssued() int64

	Close() error
}

// SchemaMissingError is returned by the schema gate when planned tables
// are absent from the target: the external schema-migration tool has not
// been run (or ran against the wrong database).
type SchemaMissingError struct {
	Tables []string
}

func (e *SchemaMissingError) Error() string {
	return fmt.Sprintf("target schema missing tables: %s (run the schema migration tool first)",
		strings.Join(e.Tables, ", "))
}

// VerifySchema checks that every planned table exists in the target
// catalog. Column-level differences are the Validator's business; the
// gate only ensures the load has somewhere to land.
func VerifySchema(planned []schema.Table, actual *schema.Schema) error {
	var missing []string
	for _, t := range planned {
		if actual.Table(t.Name) == nil {
			missing = append(missing, t.Name)
		}
	}
	if len(missing) > 0 {
		return &SchemaMissingError{Tables: missing}
	}
	return nil
}
