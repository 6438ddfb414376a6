package validate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/shopspring/decimal"

	"github.com/slotwise/slotwise-migrate/internal/coerce"
	"github.com/slotwise/slotwise-migrate/internal/schema"
	"github.com/slotwise/slotwise-migrate/internal/source"
	"github.com/slotwise/slotwise-migrate/internal/target"
	"github.com/slotwise/slotwise-migrate/internal/typemap"
)

// Report holds the outcome of post-migration validation. Mismatches do
// not fail the run; they downgrade it to completed-with-warnings.
type Report struct {
	RunID       string        `json:"run_id"`
	Status      string        `json:"status"` // PASS, WARN
	Tables      []TableReport `json:"tables"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
}

// TableReport holds validation results for a single table.
type TableReport struct {
	Name        string     `json:"name"`
	SourceRows  int64      `json:"source_rows"`
	TargetRows  int64      `json:"target_rows"`
	RowsMatch   bool       `json:"rows_match"`
	SampledRows int        `json:"sampled_rows"`
	Mismatches  []Mismatch `json:"mismatches,omitempty"`
	SchemaDiffs []string   `json:"schema_diffs,omitempty"`
}

// Mismatch is one sampled row whose target value diverged from the
// coerced source value.
type Mismatch struct {
	PK     any    `json:"pk"`
	Column string `json:"column,omitempty"`
	Source any    `json:"source"`
	Target any    `json:"target"`
}

// MismatchCount sums mismatches and schema diffs across all tables.
func (r *Report) MismatchCount() int {
	n := 0
	for _, t := range r.Tables {
		if !t.RowsMatch {
			n++
		}
		n += len(t.Mismatches) + len(t.SchemaDiffs)
	}
	return n
}

// Validator checks the migrated target against the source: row counts,
// schema shape, and a deterministic every-k-th-row sample compared value
// by value after coercion.
type Validator struct {
	Source     source.Reader
	Target     target.Operator
	Schema     *schema.Schema
	RunID      string
	SampleSize int

	// Callback observes each table's result as it completes. Optional.
	Callback func(table string, mismatches int)
}

// Validate runs all checks over the given tables (load order).
func (v *Validator) Validate(ctx context.Context, tables []string) (*Report, error) {
	report := &Report{RunID: v.RunID, StartedAt: time.Now().UTC()}

	targetSchema, err := v.Target.IntrospectSchema(ctx)
	if err != nil {
		return nil, fmt.Errorf("introspecting target schema: %w", err)
	}

	for _, name := range tables {
		t := v.Schema.Table(name)
		if t == nil {
			return nil, fmt.Errorf("unknown table %q", name)
		}

		tr, err := v.validateTable(ctx, *t, targetSchema)
		if err != nil {
			return nil, err
		}
		report.Tables = append(report.Tables, *tr)

		if v.Callback != nil {
			n := len(tr.Mismatches) + len(tr.SchemaDiffs)
			if !tr.RowsMatch {
				n++
			}
			v.Callback(name, n)
		}
	}

	report.CompletedAt = time.Now().UTC()
	report.Status = "PASS"
	if report.MismatchCount() > 0 {
		report.Status = "WARN"
	}
	return report, nil
}

func (v *Validator) validateTable(ctx context.Context, t schema.Table, targetSchema *schema.Schema) (*TableReport, error) {
	tr := &TableReport{Name: t.Name}

	srcCount, err := v.Source.RowCount(ctx, t.Name)
	if err != nil {
		return nil, fmt.Errorf("counting source rows of %s: %w", t.Name, err)
	}
	tgtCount, err := v.Target.RowCount(ctx, t.Name)
	if err != nil {
		return nil, fmt.Errorf("counting target rows of %s: %w", t.Name, err)
	}
	tr.SourceRows = srcCount
	tr.TargetRows = tgtCount
	tr.RowsMatch = srcCount == tgtCount

	tr.SchemaDiffs = diffTable(t, targetSchema.Table(t.Name))

	// Sampling needs a primary key present on both sides; tables paged by
	// rowid have no stable cross-database key to look rows up with.
	pkCol := t.KeysetColumn()
	if t.Column(pkCol) == nil || srcCount == 0 {
		return tr, nil
	}

	every := 1
	if v.SampleSize > 0 && srcCount > int64(v.SampleSize) {
		every = int(srcCount / int64(v.SampleSize))
	}
	limit := v.SampleSize
	if limit <= 0 {
		limit = int(srcCount)
	}

	pks, err := v.Source.SamplePKs(ctx, t.Name, pkCol, every, limit)
	if err != nil {
		return nil, fmt.Errorf("sampling %s: %w", t.Name, err)
	}

	cols := t.ColumnNames()
	for _, pk := range pks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		srcRow, err := v.Source.RowByPK(ctx, t.Name, cols, pkCol, pk)
		if err != nil {
			return nil, fmt.Errorf("reading source row %v of %s: %w", pk, t.Name, err)
		}

		want, err := coerce.Row(t.Columns, srcRow)
		if err != nil {
			// The load already handled this row per its mode; it cannot be
			// compared, only noted.
			tr.Mismatches = append(tr.Mismatches, Mismatch{PK: pk, Source: fmt.Sprintf("uncoercible: %v", err)})
			tr.SampledRows++
			continue
		}

		coercedPK, err := coerce.Value(*t.Column(pkCol), pk)
		if err != nil {
			coercedPK = pk
		}

		gotRow, err := v.Target.RowByPK(ctx, t.Name, cols, pkCol, coercedPK)
		if err != nil {
			tr.Mismatches = append(tr.Mismatches, Mismatch{PK: pk, Source: "present", Target: "missing"})
			tr.SampledRows++
			continue
		}

		tr.SampledRows++
		for i, col := range t.Columns {
			if !equalValue(typemap.PGType(col.TargetType), want[i], gotRow[i]) {
				tr.Mismatches = append(tr.Mismatches, Mismatch{
					PK: pk, Column: col.Name, Source: printable(want[i]), Target: printable(gotRow[i]),
				})
			}
		}
	}

	return tr, nil
}

// diffTable compares the planned table shape against what the target
// actually has: column names, types, nullability, and index presence.
func diffTable(planned schema.Table, actual *schema.Table) []string {
	if actual == nil {
		return []string{fmt.Sprintf("table %s missing from target", planned.Name)}
	}

	var diffs []string
	for _, pc := range planned.Columns {
		ac := actual.Column(pc.Name)
		if ac == nil {
			diffs = append(diffs, fmt.Sprintf("column %s missing from target", pc.Name))
			continue
		}
		if ac.SourceType != "" && pc.TargetType != "" && ac.SourceType != pc.TargetType {
			diffs = append(diffs, fmt.Sprintf("column %s: expected type %s, target has %s", pc.Name, pc.TargetType, ac.SourceType))
		}
		if ac.Nullable != pc.Nullable {
			diffs = append(diffs, fmt.Sprintf("column %s: nullability differs (source %t, target %t)", pc.Name, pc.Nullable, ac.Nullable))
		}
	}

	for _, idx := range planned.Indexes {
		if !hasIndexOn(actual, idx.Columns) {
			diffs = append(diffs, fmt.Sprintf("no target index covering (%s)", joinCols(idx.Columns)))
		}
	}

	return diffs
}

func hasIndexOn(t *schema.Table, cols []string) bool {
	for _, idx := range t.Indexes {
		if reflect.DeepEqual(idx.Columns, cols) {
			return true
		}
	}
	if t.PrimaryKey != nil && reflect.DeepEqual(t.PrimaryKey.Columns, cols) {
		return true
	}
	return false
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

// equalValue compares a coerced source value against a target value with
// the target type's own equality: decimals numerically, timestamps as
// instants, JSON structurally.
func equalValue(pg typemap.PGType, want, got any) bool {
	if want == nil || got == nil {
		return want == nil && got == nil
	}

	switch pg {
	case typemap.PGNumeric:
		w, ok1 := toDecimal(want)
		g, ok2 := toDecimal(got)
		return ok1 && ok2 && w.Equal(g)
	case typemap.PGTimestampTZ, typemap.PGDate:
		w, ok1 := want.(time.Time)
		g, ok2 := got.(time.Time)
		return ok1 && ok2 && w.Equal(g)
	case typemap.PGBytea:
		w, ok1 := toBytes(want)
		g, ok2 := toBytes(got)
		return ok1 && ok2 && bytes.Equal(w, g)
	case typemap.PGJSONB:
		return equalJSON(want, got)
	case typemap.PGBigint, typemap.PGInteger:
		w, ok1 := toInt64(want)
		g, ok2 := toInt64(got)
		return ok1 && ok2 && w == g
	case typemap.PGBoolean:
		return want == got
	case typemap.PGDouble:
		w, ok1 := toFloat64(want)
		g, ok2 := toFloat64(got)
		return ok1 && ok2 && w == g
	default:
		ws, ok1 := toString(want)
		gs, ok2 := toString(got)
		return ok1 && ok2 && ws == gs
	}
}

func equalJSON(want, got any) bool {
	ws, ok1 := toString(want)
	gs, ok2 := toString(got)
	if !ok1 || !ok2 {
		return false
	}
	var w, g any
	if json.Unmarshal([]byte(ws), &w) != nil || json.Unmarshal([]byte(gs), &g) != nil {
		return ws == gs
	}
	return reflect.DeepEqual(w, g)
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, true
	case string:
		d, err := decimal.NewFromString(x)
		return d, err == nil
	case []byte:
		d, err := decimal.NewFromString(string(x))
		return d, err == nil
	case int64:
		return decimal.NewFromInt(x), true
	case float64:
		return decimal.NewFromFloat(x), true
	default:
		return decimal.Decimal{}, false
	}
}

func toBytes(v any) ([]byte, bool) {
	switch x := v.(type) {
	case []byte:
		return x, true
	case string:
		return []byte(x), true
	default:
		return nil, false
	}
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int32:
		return int64(x), true
	case int:
		return int64(x), true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

func toString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	default:
		return "", false
	}
}

func printable(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case decimal.Decimal:
		return x.String()
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return v
	}
}

// WriteJSON writes the report to a file.
func (r *Report) WriteJSON(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
