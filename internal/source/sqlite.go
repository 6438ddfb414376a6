package source

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/slotwise/slotwise-migrate/internal/schema"
	"github.com/slotwise/slotwise-migrate/internal/typemap"
)

// SQLite implements Reader for the embedded source database using the
// mattn/go-sqlite3 driver. The connection is opened read-only so a
// concurrently running application instance cannot be disturbed.
type SQLite struct {
	path    string
	typeMap *typemap.TypeMap
	db      *sql.DB
}

// NewSQLite creates a reader for the database file at path.
func NewSQLite(path string, tm *typemap.TypeMap) *SQLite {
	if tm == nil {
		tm = typemap.DefaultSQLite()
	}
	return &SQLite{path: path, typeMap: tm}
}

func (r *SQLite) Connect(ctx context.Context) error {
	if _, err := os.Stat(r.path); err != nil {
		return &IntrospectionError{Reason: fmt.Sprintf("source database %s not accessible", r.path), Err: err}
	}

	// mode=ro: the driver would happily create a new empty file otherwise.
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", r.path))
	if err != nil {
		return &IntrospectionError{Reason: "opening source database", Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return &IntrospectionError{Reason: "pinging source database", Err: err}
	}

	r.db = db
	return nil
}

func (r *SQLite) Close() error {
	if r.db != nil {
		err := r.db.Close()
		r.db = nil
		return err
	}
	return nil
}

// DB exposes the underlying handle for callers that need raw access
// (currently only tests).
func (r *SQLite) DB() *sql.DB { return r.db }

func (r *SQLite) Introspect(ctx context.Context, filter []string) (*schema.Schema, error) {
	names, err := r.tableNames(ctx)
	if err != nil {
		return nil, err
	}

	if len(filter) > 0 {
		known := make(map[string]bool, len(names))
		for _, n := range names {
			known[n] = true
		}
		for _, want := range filter {
			if !known[want] {
				return nil, &IntrospectionError{Reason: fmt.Sprintf("table %q does not exist in source", want)}
			}
		}
		names = append([]string(nil), filter...)
	}

	s := &schema.Schema{DatabaseType: "sqlite", Path: r.path}
	for _, name := range names {
		t, err := r.introspectTable(ctx, name)
		if err != nil {
			return nil, err
		}
		s.Tables = append(s.Tables, *t)
	}
	return s, nil
}

func (r *SQLite) tableNames(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name
		FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
	if err != nil {
		return nil, &IntrospectionError{Reason: "listing tables", Err: err}
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &IntrospectionError{Reason: "scanning table name", Err: err}
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, &IntrospectionError{Reason: "iterating tables", Err: err}
	}
	return names, nil
}

func (r *SQLite) introspectTable(ctx context.Context, name string) (*schema.Table, error) {
	t := &schema.Table{Name: name}

	cols, pk, err := r.columns(ctx, name)
	if err != nil {
		return nil, err
	}
	t.Columns = cols
	if len(pk) > 0 {
		t.PrimaryKey = &schema.PrimaryKey{Columns: pk}
	}

	if t.ForeignKeys, err = r.foreignKeys(ctx, name); err != nil {
		return nil, err
	}
	if t.Indexes, err = r.indexes(ctx, name); err != nil {
		return nil, err
	}
	if t.RowCount, err = r.RowCount(ctx, name); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *SQLite) columns(ctx context.Context, table string) ([]schema.Column, []string, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, nil, &IntrospectionError{Reason: fmt.Sprintf("reading columns of %s", table), Err: err}
	}
	defer rows.Close()

	var cols []schema.Column
	var pk []string
	for rows.Next() {
		var cid, notNull, pkOrder int
		var name, declType string
		var defaultValue sql.NullString

		if err := rows.Scan(&cid, &name, &declType, &notNull, &defaultValue, &pkOrder); err != nil {
			return nil, nil, &IntrospectionError{Reason: fmt.Sprintf("scanning column of %s", table), Err: err}
		}

		col := schema.Column{
			Name:       name,
			SourceType: declType,
			TargetType: string(r.typeMap.Resolve(declType)),
			Nullable:   notNull == 0,
		}
		if defaultValue.Valid {
			col.DefaultValue = &defaultValue.String
		}
		if pkOrder > 0 {
			pk = append(pk, name)
		}
		cols = append(cols, col)
	}
	return cols, pk, rows.Err()
}

func (r *SQLite) foreignKeys(ctx context.Context, table string) ([]schema.ForeignKey, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", quoteIdent(table)))
	if err != nil {
		return nil, &IntrospectionError{Reason: fmt.Sprintf("reading foreign keys of %s", table), Err: err}
	}
	defer rows.Close()

	var fks []schema.ForeignKey
	for rows.Next() {
		var id, seq int
		var refTable, from string
		var to sql.NullString
		var onUpdate, onDelete, match string

		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, &IntrospectionError{Reason: fmt.Sprintf("scanning foreign key of %s", table), Err: err}
		}

		fk := schema.ForeignKey{Column: from, ReferencedTable: refTable}
		if to.Valid {
			fk.ReferencedColumn = to.String
		}
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

func (r *SQLite) indexes(ctx context.Context, table string) ([]schema.Index, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%s)", quoteIdent(table)))
	if err != nil {
		return nil, &IntrospectionError{Reason: fmt.Sprintf("reading indexes of %s", table), Err: err}
	}
	defer rows.Close()

	type indexMeta struct {
		name   string
		unique bool
	}
	var metas []indexMeta
	for rows.Next() {
		var seq, unique, partial int
		var name, origin string
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return nil, &IntrospectionError{Reason: fmt.Sprintf("scanning index of %s", table), Err: err}
		}
		if strings.HasPrefix(name, "sqlite_autoindex") {
			continue
		}
		metas = append(metas, indexMeta{name: name, unique: unique == 1})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var indexes []schema.Index
	for _, m := range metas {
		cols, err := r.indexColumns(ctx, m.name)
		if err != nil {
			return nil, err
		}
		if len(cols) > 0 {
			indexes = append(indexes, schema.Index{Name: m.name, Columns: cols, Unique: m.unique})
		}
	}
	return indexes, nil
}

func (r *SQLite) indexColumns(ctx context.Context, index string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%s)", quoteIdent(index)))
	if err != nil {
		return nil, &IntrospectionError{Reason: fmt.Sprintf("reading index %s", index), Err: err}
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var seqno, cid int
		var name sql.NullString
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, err
		}
		if name.Valid {
			cols = append(cols, name.String)
		}
	}
	return cols, rows.Err()
}

func (r *SQLite) RowCount(ctx context.Context, table string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(table))).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting rows in %s: %w", table, err)
	}
	return count, nil
}

func (r *SQLite) FetchKeyset(ctx context.Context, table string, cols []string, pkCol string, afterPK any, limit int) ([][]any, error) {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}

	var query string
	var args []any
	if afterPK == nil {
		query = fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT ?",
			strings.Join(quoted, ", "), quoteIdent(table), quoteIdent(pkCol))
		args = []any{limit}
	} else {
		query = fmt.Sprintf("SELECT %s FROM %s WHERE %s > ? ORDER BY %s LIMIT ?",
			strings.Join(quoted, ", "), quoteIdent(table), quoteIdent(pkCol), quoteIdent(pkCol))
		args = []any{afterPK, limit}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching batch from %s: %w", table, err)
	}
	defer rows.Close()

	return scanRows(rows, len(cols))
}

func (r *SQLite) SamplePKs(ctx context.Context, table, pkCol string, every, limit int) ([]any, error) {
	if every < 1 {
		every = 1
	}
	query := fmt.Sprintf(`
		SELECT pk FROM (
			SELECT %s AS pk, ROW_NUMBER() OVER (ORDER BY %s) AS rn FROM %s
		) WHERE (rn - 1) %% ? = 0 LIMIT ?`,
		quoteIdent(pkCol), quoteIdent(pkCol), quoteIdent(table))

	rows, err := r.db.QueryContext(ctx, query, every, limit)
	if err != nil {
		return nil, fmt.Errorf("sampling keys from %s: %w", table, err)
	}
	defer rows.Close()

	var pks []any
	for rows.Next() {
		var pk any
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		pks = append(pks, pk)
	}
	return pks, rows.Err()
}

func (r *SQLite) RowByPK(ctx context.Context, table string, cols []string, pkCol string, pk any) ([]any, error) {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		strings.Join(quoted, ", "), quoteIdent(table), quoteIdent(pkCol))

	rows, err := r.db.QueryContext(ctx, query, pk)
	if err != nil {
		return nil, fmt.Errorf("fetching row %v from %s: %w", pk, table, err)
	}
	defer rows.Close()

	result, err := scanRows(rows, len(cols))
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("row %v not found in %s", pk, table)
	}
	return result[0], nil
}

func (r *SQLite) ExportRows(ctx context.Context, table string, cols []string, pkCol string, fn func(row []any) error) error {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(quoted, ", "), quoteIdent(table), quoteIdent(pkCol))

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("exporting %s: %w", table, err)
	}
	defer rows.Close()

	holders := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for rows.Next() {
		for i := range holders {
			holders[i] = nil
			ptrs[i] = &holders[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scanning export row of %s: %w", table, err)
		}
		row := make([]any, len(cols))
		copy(row, holders)
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanRows(rows *sql.Rows, width int) ([][]any, error) {
	var result [][]any
	holders := make([]any, width)
	ptrs := make([]any, width)
	for rows.Next() {
		for i := range holders {
			holders[i] = nil
			ptrs[i] = &holders[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		row := make([]any, width)
		copy(row, holders)
		result = append(result, row)
	}
	return result, rows.Err()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
