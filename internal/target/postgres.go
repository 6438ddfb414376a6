package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/slotwise/slotwise-migrate/internal/checkpoint"
	"github.com/slotwise/slotwise-migrate/internal/schema"
)

// CheckpointTable is created in the target database itself so checkpoint
// rows commit in the same transaction as the data they describe.
const CheckpointTable = "slotwise_migrate_checkpoint"

// Postgres implements Operator for PostgreSQL using pgx.
type Postgres struct {
	connStr  string
	schema   string
	maxConns int32
	pool     *pgxpool.Pool
	writes   atomic.Int64
}

// NewPostgres creates a target operator. maxConns should cover the worker
// pool; one connection per concurrently loading table is enough.
func NewPostgres(connStr, pgSchema string, maxConns int) *Postgres {
	if pgSchema == "" {
		pgSchema = "public"
	}
	if maxConns < 1 {
		maxConns = 4
	}
	return &Postgres{connStr: connStr, schema: pgSchema, maxConns: int32(maxConns)}
}

func (o *Postgres) Connect(ctx context.Context) error {
	cfg, err := pgxpool.ParseConfig(o.connStr)
	if err != nil {
		return fmt.Errorf("parsing connection string: %w", err)
	}
	cfg.MaxConns = o.maxConns
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to PostgreSQL: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("pinging PostgreSQL: %w", err)
	}
	o.pool = pool
	return nil
}

func (o *Postgres) Close() error {
	if o.pool != nil {
		o.pool.Close()
		o.pool = nil
	}
	return nil
}

func (o *Postgres) WritesIssued() int64 { return o.writes.Load() }

func (o *Postgres) IntrospectSchema(ctx context.Context) (*schema.Schema, error) {
	s := &schema.Schema{DatabaseType: "postgresql"}

	tables, err := o.introspectColumns(ctx)
	if err != nil {
		return nil, err
	}

	tableMap := make(map[string]*schema.Table, len(tables))
	for i := range tables {
		tableMap[tables[i].Name] = &tables[i]
	}

	if err := o.introspectPrimaryKeys(ctx, tableMap); err != nil {
		return nil, err
	}
	if err := o.introspectIndexes(ctx, tableMap); err != nil {
		return nil, err
	}

	s.Tables = tables
	return s, nil
}

func (o *Postgres) introspectColumns(ctx context.Context) ([]schema.Table, error) {
	query := `
		SELECT table_name, column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1
		ORDER BY table_name, ordinal_position`

	rows, err := o.pool.Query(ctx, query, o.schema)
	if err != nil {
		return nil, fmt.Errorf("reading target columns: %w", err)
	}
	defer rows.Close()

	var tables []schema.Table
	var current *schema.Table
	for rows.Next() {
		var tableName, colName, dataType, isNullable string
		if err := rows.Scan(&tableName, &colName, &dataType, &isNullable); err != nil {
			return nil, fmt.Errorf("scanning target column: %w", err)
		}
		if tableName == CheckpointTable {
			continue
		}
		if current == nil || current.Name != tableName {
			tables = append(tables, schema.Table{Name: tableName})
			current = &tables[len(tables)-1]
		}
		current.Columns = append(current.Columns, schema.Column{
			Name:       colName,
			TargetType: dataType,
			Nullable:   isNullable == "YES",
		})
	}
	return tables, rows.Err()
}

func (o *Postgres) introspectPrimaryKeys(ctx context.Context, tableMap map[string]*schema.Table) error {
	query := `
		SELECT tc.table_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
		  AND tc.table_schema = $1
		ORDER BY tc.table_name, kcu.ordinal_position`

	rows, err := o.pool.Query(ctx, query, o.schema)
	if err != nil {
		return fmt.Errorf("reading target primary keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tableName, colName string
		if err := rows.Scan(&tableName, &colName); err != nil {
			return fmt.Errorf("scanning target primary key: %w", err)
		}
		if t, ok := tableMap[tableName]; ok {
			if t.PrimaryKey == nil {
				t.PrimaryKey = &schema.PrimaryKey{}
			}
			t.PrimaryKey.Columns = append(t.PrimaryKey.Columns, colName)
		}
	}
	return rows.Err()
}

func (o *Postgres) introspectIndexes(ctx context.Context, tableMap map[string]*schema.Table) error {
	query := `
		SELECT c.relname, i.relname, ix.indisunique, a.attname
		FROM pg_index ix
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_class c ON c.oid = ix.indrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN unnest(ix.indkey) WITH ORDINALITY AS k(attnum, ord) ON true
		JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = k.attnum
		WHERE n.nspname = $1
		ORDER BY c.relname, i.relname, k.ord`

	rows, err := o.pool.Query(ctx, query, o.schema)
	if err != nil {
		return fmt.Errorf("reading target indexes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tableName, indexName, colName string
		var unique bool
		if err := rows.Scan(&tableName, &indexName, &unique, &colName); err != nil {
			return fmt.Errorf("scanning target index: %w", err)
		}
		t, ok := tableMap[tableName]
		if !ok {
			continue
		}
		if n := len(t.Indexes); n > 0 && t.Indexes[n-1].Name == indexName {
			t.Indexes[n-1].Columns = append(t.Indexes[n-1].Columns, colName)
			continue
		}
		t.Indexes = append(t.Indexes, schema.Index{Name: indexName, Unique: unique, Columns: []string{colName}})
	}
	return rows.Err()
}

func (o *Postgres) EnsureCheckpointTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			run_id       text        NOT NULL,
			table_name   text        NOT NULL,
			last_pk      text        NOT NULL,
			rows_written bigint      NOT NULL,
			updated_at   timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (run_id, table_name)
		)`, quoteIdent(o.schema), CheckpointTable)
	_, err := o.pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("creating checkpoint table: %w", err)
	}
	return nil
}

func (o *Postgres) LoadCheckpoints(ctx context.Context, runID string) (map[string]checkpoint.Checkpoint, error) {
	query := fmt.Sprintf(`
		SELECT run_id, table_name, last_pk, rows_written, updated_at
		FROM %s.%s WHERE run_id = $1`, quoteIdent(o.schema), CheckpointTable)

	rows, err := o.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoints for run %s: %w", runID, err)
	}
	defer rows.Close()

	result := make(map[string]checkpoint.Checkpoint)
	for rows.Next() {
		var ck checkpoint.Checkpoint
		if err := rows.Scan(&ck.RunID, &ck.Table, &ck.LastPK, &ck.RowsWritten, &ck.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		result[ck.Table] = ck
	}
	return result, rows.Err()
}

func (o *Postgres) ClearCheckpoints(ctx context.Context, runID string) error {
	query := fmt.Sprintf(`DELETE FROM %s.%s WHERE run_id = $1`, quoteIdent(o.schema), CheckpointTable)
	_, err := o.pool.Exec(ctx, query, runID)
	if err != nil {
		return fmt.Errorf("clearing checkpoints for run %s: %w", runID, err)
	}
	return nil
}

func (o *Postgres) ApplyBatch(ctx context.Context, table string, cols []string, rows [][]any, ckpt checkpoint.Checkpoint) error {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning batch transaction for %s: %w", table, err)
	}
	defer tx.Rollback(ctx)

	copyRows := make([][]any, len(rows))
	for i, row := range rows {
		copyRows[i] = normalizeRow(row)
	}

	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{o.schema, table},
		cols,
		pgx.CopyFromRows(copyRows),
	); err != nil {
		return fmt.Errorf("inserting batch into %s: %w", table, err)
	}

	// Checkpoint rides in the same transaction; a crash can never leave it
	// ahead of the data. The rows_written guard keeps offsets monotonic.
	upsert := fmt.Sprintf(`
		INSERT INTO %s.%s (run_id, table_name, last_pk, rows_written, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (run_id, table_name) DO UPDATE
		SET last_pk = EXCLUDED.last_pk,
		    rows_written = EXCLUDED.rows_written,
		    updated_at = now()
		WHERE %s.rows_written <= EXCLUDED.rows_written`,
		quoteIdent(o.schema), CheckpointTable, CheckpointTable)

	if _, err := tx.Exec(ctx, upsert, ckpt.RunID, ckpt.Table, ckpt.LastPK, ckpt.RowsWritten); err != nil {
		return fmt.Errorf("advancing checkpoint for %s: %w", table, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing batch for %s: %w", table, err)
	}

	o.writes.Add(int64(len(rows)))
	return nil
}

func (o *Postgres) RowCount(ctx context.Context, table string) (int64, error) {
	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s.%s", quoteIdent(o.schema), quoteIdent(table))
	if err := o.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting rows in %s: %w", table, err)
	}
	return count, nil
}

func (o *Postgres) RowByPK(ctx context.Context, table string, cols []string, pkCol string, pk any) ([]any, error) {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	query := fmt.Sprintf("SELECT %s FROM %s.%s WHERE %s = $1",
		strings.Join(quoted, ", "), quoteIdent(o.schema), quoteIdent(table), quoteIdent(pkCol))

	rows, err := o.pool.Query(ctx, query, pk)
	if err != nil {
		return nil, fmt.Errorf("fetching row %v from %s: %w", pk, table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("row %v not found in %s", pk, table)
	}
	vals, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("scanning row from %s: %w", table, err)
	}
	return vals, nil
}

func (o *Postgres) TruncateTables(ctx context.Context, tables []string) error {
	if len(tables) == 0 {
		return nil
	}
	quoted := make([]string, len(tables))
	for i, t := range tables {
		quoted[i] = quoteIdent(o.schema) + "." + quoteIdent(t)
	}
	// One statement: TRUNCATE handles mutual FK references when all
	// involved tables are listed together.
	query := "TRUNCATE TABLE " + strings.Join(quoted, ", ")
	if _, err := o.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("truncating target tables: %w", err)
	}
	o.writes.Add(1)
	return nil
}

// IsTransient reports whether an error is worth retrying: deadlocks,
// serialization failures, connection loss, resource exhaustion.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"53300", // too_many_connections
			"57P03", // cannot_connect_now
			"08000", "08003", "08006": // connection exceptions
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// normalizeRow converts coerced values the pgx codecs do not take
// directly; exact decimals travel as text and land in numeric unchanged.
func normalizeRow(row []any) []any {
	out := make([]any, len(row))
	for i, v := range row {
		if d, ok := v.(decimal.Decimal); ok {
			out[i] = d.String()
			continue
		}
		out[i] = v
	}
	return out
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
