package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

const fixtureDDL = `
CREATE TABLE customers (
	id INTEGER PRIMARY KEY,
	email TEXT NOT NULL,
	balance DECIMAL(10,2)
);
CREATE TABLE bookings (
	id INTEGER PRIMARY KEY,
	customer_id INTEGER NOT NULL REFERENCES customers(id),
	starts_at DATETIME NOT NULL,
	confirmed BOOLEAN NOT NULL DEFAULT 0
);
CREATE INDEX idx_bookings_customer ON bookings(customer_id);
`

func openFixture(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bookings.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(fixtureDDL); err != nil {
		t.Fatalf("creating fixture schema: %v", err)
	}
	for i := 1; i <= 25; i++ {
		if _, err := db.Exec("INSERT INTO customers (id, email, balance) VALUES (?, ?, ?)",
			i, fmt.Sprintf("c%d@example.com", i), "10.50"); err != nil {
			t.Fatal(err)
		}
	}
	for i := 1; i <= 7; i++ {
		if _, err := db.Exec("INSERT INTO bookings (id, customer_id, starts_at, confirmed) VALUES (?, ?, ?, ?)",
			i, i, "2026-09-01 10:00:00", i%2); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	r := NewSQLite(path, nil)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestIntrospectFixture(t *testing.T) {
	r := openFixture(t)

	s, err := r.Introspect(context.Background(), nil)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}

	if len(s.Tables) != 2 {
		t.Fatalf("tables = %d, want 2", len(s.Tables))
	}
	// sqlite_master listing is ordered by name.
	if s.Tables[0].Name != "bookings" || s.Tables[1].Name != "customers" {
		t.Errorf("table order = %s, %s", s.Tables[0].Name, s.Tables[1].Name)
	}

	bookings := s.Table("bookings")
	if bookings.RowCount != 7 {
		t.Errorf("bookings rows = %d", bookings.RowCount)
	}
	if bookings.PrimaryKey == nil || bookings.PrimaryKey.Columns[0] != "id" {
		t.Errorf("bookings pk = %+v", bookings.PrimaryKey)
	}
	if len(bookings.ForeignKeys) != 1 || bookings.ForeignKeys[0].ReferencedTable != "customers" {
		t.Errorf("bookings fks = %+v", bookings.ForeignKeys)
	}
	if len(bookings.Indexes) != 1 || bookings.Indexes[0].Columns[0] != "customer_id" {
		t.Errorf("bookings indexes = %+v", bookings.Indexes)
	}

	starts := bookings.Column("starts_at")
	if starts == nil || starts.TargetType != "timestamp with time zone" {
		t.Errorf("starts_at = %+v", starts)
	}
	if starts.Nullable {
		t.Error("starts_at declared NOT NULL")
	}
	balance := s.Table("customers").Column("balance")
	if balance == nil || balance.TargetType != "numeric" || !balance.Nullable {
		t.Errorf("balance = %+v", balance)
	}
}

func TestIntrospectFilterUnknownTable(t *testing.T) {
	r := openFixture(t)

	_, err := r.Introspect(context.Background(), []string{"customers", "invoices"})
	var ierr *IntrospectionError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected IntrospectionError, got %v", err)
	}
}

func TestFetchKeysetPaging(t *testing.T) {
	r := openFixture(t)
	ctx := context.Background()
	cols := []string{"id", "email"}

	page1, err := r.FetchKeyset(ctx, "customers", cols, "id", nil, 10)
	if err != nil {
		t.Fatalf("FetchKeyset: %v", err)
	}
	if len(page1) != 10 || page1[0][0] != int64(1) || page1[9][0] != int64(10) {
		t.Fatalf("page1 = %d rows, first %v last %v", len(page1), page1[0][0], page1[len(page1)-1][0])
	}

	page2, err := r.FetchKeyset(ctx, "customers", cols, "id", int64(10), 10)
	if err != nil {
		t.Fatalf("FetchKeyset: %v", err)
	}
	if len(page2) != 10 || page2[0][0] != int64(11) {
		t.Fatalf("page2 starts at %v", page2[0][0])
	}

	page3, err := r.FetchKeyset(ctx, "customers", cols, "id", int64(20), 10)
	if err != nil {
		t.Fatalf("FetchKeyset: %v", err)
	}
	if len(page3) != 5 {
		t.Errorf("page3 = %d rows, want 5", len(page3))
	}

	empty, err := r.FetchKeyset(ctx, "customers", cols, "id", int64(25), 10)
	if err != nil || len(empty) != 0 {
		t.Errorf("past-end page = %v, %v", empty, err)
	}
}

func TestSamplePKsStride(t *testing.T) {
	r := openFixture(t)

	pks, err := r.SamplePKs(context.Background(), "customers", "id", 10, 100)
	if err != nil {
		t.Fatalf("SamplePKs: %v", err)
	}
	// Rows 1, 11, 21 of 25 at stride 10.
	if len(pks) != 3 || pks[0] != int64(1) || pks[1] != int64(11) || pks[2] != int64(21) {
		t.Errorf("pks = %v", pks)
	}
}

func TestRowByPK(t *testing.T) {
	r := openFixture(t)

	row, err := r.RowByPK(context.Background(), "customers", []string{"id", "email"}, "id", int64(7))
	if err != nil {
		t.Fatalf("RowByPK: %v", err)
	}
	if row[1] != "c7@example.com" {
		t.Errorf("row = %v", row)
	}

	if _, err := r.RowByPK(context.Background(), "customers", []string{"id"}, "id", int64(999)); err == nil {
		t.Error("expected error for missing row")
	}
}

func TestExportRowsOrdered(t *testing.T) {
	r := openFixture(t)

	var ids []int64
	err := r.ExportRows(context.Background(), "bookings", []string{"id"}, "id", func(row []any) error {
		ids = append(ids, row[0].(int64))
		return nil
	})
	if err != nil {
		t.Fatalf("ExportRows: %v", err)
	}
	if len(ids) != 7 {
		t.Fatalf("exported %d rows", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("export out of order: %v", ids)
		}
	}
}

func TestConnectMissingFile(t *testing.T) {
	r := NewSQLite(filepath.Join(t.TempDir(), "nope.db"), nil)
	err := r.Connect(context.Background())
	var ierr *IntrospectionError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected IntrospectionError, got %v", err)
	}
}
