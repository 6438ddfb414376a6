package validate

import (
	"context"
	"testing"

	"github.com/slotwise/slotwise-migrate/internal/checkpoint"
	"github.com/slotwise/slotwise-migrate/internal/coerce"
	"github.com/slotwise/slotwise-migrate/internal/schema"
	"github.com/slotwise/slotwise-migrate/internal/source"
	"github.com/slotwise/slotwise-migrate/internal/target"
)

func customersTable() schema.Table {
	return schema.Table{
		Name: "customers",
		Columns: []schema.Column{
			{Name: "id", SourceType: "INTEGER", TargetType: "bigint"},
			{Name: "email", SourceType: "TEXT", TargetType: "text", Nullable: true},
			{Name: "balance", SourceType: "DECIMAL(10,2)", TargetType: "numeric", Nullable: true},
		},
		PrimaryKey: &schema.PrimaryKey{Columns: []string{"id"}},
	}
}

func sourceReader() *source.MockReader {
	return &source.MockReader{
		Schema: &schema.Schema{DatabaseType: "sqlite", Tables: []schema.Table{customersTable()}},
		Rows: map[string][][]any{
			"customers": {
				{int64(1), "ada@example.com", "10.00"},
				{int64(2), "brin@example.com", "0.50"},
				{int64(3), "cody@example.com", "99.90"},
			},
		},
	}
}

// targetMirror returns the target-side catalog as IntrospectSchema
// reports it: SourceType holds the live PostgreSQL type.
func targetMirror() *schema.Schema {
	return &schema.Schema{
		DatabaseType: "postgresql",
		Tables: []schema.Table{{
			Name: "customers",
			Columns: []schema.Column{
				{Name: "id", SourceType: "bigint"},
				{Name: "email", SourceType: "text", Nullable: true},
				{Name: "balance", SourceType: "numeric", Nullable: true},
			},
			PrimaryKey: &schema.PrimaryKey{Columns: []string{"id"}},
		}},
	}
}

// loadTarget pushes the source rows through coercion into the operator,
// the same shape a real migration leaves behind.
func loadTarget(t *testing.T, op *target.MockOperator, r *source.MockReader) {
	t.Helper()
	tbl := customersTable()
	var rows [][]any
	for _, raw := range r.Rows["customers"] {
		out, err := coerce.Row(tbl.Columns, raw)
		if err != nil {
			t.Fatalf("coerce: %v", err)
		}
		rows = append(rows, out)
	}
	err := op.ApplyBatch(context.Background(), "customers", tbl.ColumnNames(), rows,
		checkpoint.Checkpoint{RunID: "run-1", Table: "customers", LastPK: "i:3", RowsWritten: int64(len(rows))})
	if err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
}

func newValidator(r *source.MockReader, op *target.MockOperator) *Validator {
	return &Validator{
		Source:     r,
		Target:     op,
		Schema:     r.Schema,
		RunID:      "run-1",
		SampleSize: 10,
	}
}

func TestCleanMigrationPasses(t *testing.T) {
	r := sourceReader()
	op := &target.MockOperator{Schema: targetMirror()}
	loadTarget(t, op, r)

	report, err := newValidator(r, op).Validate(context.Background(), []string{"customers"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if report.Status != "PASS" || report.MismatchCount() != 0 {
		t.Errorf("report = %+v", report)
	}
	tr := report.Tables[0]
	if !tr.RowsMatch || tr.SourceRows != 3 || tr.TargetRows != 3 {
		t.Errorf("row counts = %+v", tr)
	}
	if tr.SampledRows != 3 {
		t.Errorf("sampled %d rows, want 3", tr.SampledRows)
	}
}

func TestTamperedValueDetected(t *testing.T) {
	r := sourceReader()
	op := &target.MockOperator{Schema: targetMirror()}
	loadTarget(t, op, r)
	op.SetRow("customers", 1, []any{int64(2), "evil@example.com", mustDecimal(t, "0.50")})

	report, err := newValidator(r, op).Validate(context.Background(), []string{"customers"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if report.Status != "WARN" {
		t.Errorf("status = %s, want WARN", report.Status)
	}
	tr := report.Tables[0]
	if len(tr.Mismatches) != 1 {
		t.Fatalf("mismatches = %+v, want exactly one", tr.Mismatches)
	}
	m := tr.Mismatches[0]
	if m.PK != int64(2) || m.Column != "email" {
		t.Errorf("mismatch = %+v", m)
	}
}

func TestMissingTargetRowDetected(t *testing.T) {
	r := sourceReader()
	op := &target.MockOperator{Schema: targetMirror()}
	loadTarget(t, op, r)

	// A fourth source row that never reached the target.
	r.Rows["customers"] = append(r.Rows["customers"], []any{int64(4), "dana@example.com", "5.00"})

	report, err := newValidator(r, op).Validate(context.Background(), []string{"customers"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	tr := report.Tables[0]
	if tr.RowsMatch {
		t.Error("row count mismatch not detected")
	}
	found := false
	for _, m := range tr.Mismatches {
		if m.PK == int64(4) {
			found = true
		}
	}
	if !found {
		t.Errorf("missing row not reported: %+v", tr.Mismatches)
	}
}

func TestSchemaDriftDetected(t *testing.T) {
	r := sourceReader()
	mirror := targetMirror()
	// Target lost the balance column and flipped email to NOT NULL.
	mirror.Tables[0].Columns = mirror.Tables[0].Columns[:2]
	mirror.Tables[0].Columns[1].Nullable = false
	op := &target.MockOperator{Schema: mirror}
	loadTarget(t, op, r)

	report, err := newValidator(r, op).Validate(context.Background(), []string{"customers"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	tr := report.Tables[0]
	if len(tr.SchemaDiffs) != 2 {
		t.Errorf("schema diffs = %v, want 2", tr.SchemaDiffs)
	}
	if report.Status != "WARN" {
		t.Errorf("status = %s", report.Status)
	}
}

func TestDecimalComparedNumerically(t *testing.T) {
	r := sourceReader()
	op := &target.MockOperator{Schema: targetMirror()}
	loadTarget(t, op, r)

	// Same value, different textual scale. Numeric equality must hold.
	op.SetRow("customers", 0, []any{int64(1), "ada@example.com", "10.0000"})

	report, err := newValidator(r, op).Validate(context.Background(), []string{"customers"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if n := report.MismatchCount(); n != 0 {
		t.Errorf("scale difference flagged as mismatch: %+v", report.Tables[0].Mismatches)
	}
}

func TestReportJSONWritten(t *testing.T) {
	r := sourceReader()
	op := &target.MockOperator{Schema: targetMirror()}
	loadTarget(t, op, r)

	report, err := newValidator(r, op).Validate(context.Background(), []string{"customers"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	path := t.TempDir() + "/report.json"
	if err := report.WriteJSON(path); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func mustDecimal(t *testing.T, s string) any {
	t.Helper()
	v, err := coerce.Value(schema.Column{Name: "balance", TargetType: "numeric"}, s)
	if err != nil {
		t.Fatal(err)
	}
	return v
}
