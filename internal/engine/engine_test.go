package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/slotwise/slotwise-migrate/internal/config"
	"github.com/slotwise/slotwise-migrate/internal/load"
	"github.com/slotwise/slotwise-migrate/internal/run"
	"github.com/slotwise/slotwise-migrate/internal/schema"
	"github.com/slotwise/slotwise-migrate/internal/source"
	"github.com/slotwise/slotwise-migrate/internal/target"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{Version: 1}
	cfg.ApplyDefaults()
	cfg.Migration.RunDir = t.TempDir()
	cfg.Migration.BatchSize = 10
	cfg.Migration.MaxRetries = 2
	cfg.Migration.StatementTimeout = time.Second
	cfg.Backup.Dir = t.TempDir()
	cfg.Event.Path = filepath.Join(t.TempDir(), "events.jsonl")
	return cfg
}

func bookingSchema() *schema.Schema {
	return &schema.Schema{
		DatabaseType: "sqlite",
		Tables: []schema.Table{
			{
				Name: "bookings",
				Columns: []schema.Column{
					{Name: "id", SourceType: "INTEGER", TargetType: "bigint"},
					{Name: "customer_id", SourceType: "INTEGER", TargetType: "bigint"},
					{Name: "starts_at", SourceType: "DATETIME", TargetType: "timestamp with time zone"},
					{Name: "confirmed", SourceType: "BOOLEAN", TargetType: "boolean"},
				},
				PrimaryKey:  &schema.PrimaryKey{Columns: []string{"id"}},
				ForeignKeys: []schema.ForeignKey{{Column: "customer_id", ReferencedTable: "customers", ReferencedColumn: "id"}},
				RowCount:    12,
			},
			{
				Name: "customers",
				Columns: []schema.Column{
					{Name: "id", SourceType: "INTEGER", TargetType: "bigint"},
					{Name: "email", SourceType: "TEXT", TargetType: "text", Nullable: true},
				},
				PrimaryKey: &schema.PrimaryKey{Columns: []string{"id"}},
				RowCount:   27,
			},
		},
	}
}

func bookingRows() map[string][][]any {
	customers := make([][]any, 27)
	for i := range customers {
		customers[i] = []any{int64(i + 1), fmt.Sprintf("c%d@example.com", i+1)}
	}
	bookings := make([][]any, 12)
	for i := range bookings {
		bookings[i] = []any{int64(i + 1), int64(i%27 + 1), "2026-09-01 10:00:00", int64(i % 2)}
	}
	return map[string][][]any{"customers": customers, "bookings": bookings}
}

// targetMirror is the catalog the mock target reports, matching what the
// external schema tool would have created.
func targetMirror() *schema.Schema {
	return &schema.Schema{
		DatabaseType: "postgresql",
		Tables: []schema.Table{
			{
				Name: "bookings",
				Columns: []schema.Column{
					{Name: "id", SourceType: "bigint"},
					{Name: "customer_id", SourceType: "bigint"},
					{Name: "starts_at", SourceType: "timestamp with time zone"},
					{Name: "confirmed", SourceType: "boolean"},
				},
				PrimaryKey: &schema.PrimaryKey{Columns: []string{"id"}},
			},
			{
				Name: "customers",
				Columns: []schema.Column{
					{Name: "id", SourceType: "bigint"},
					{Name: "email", SourceType: "text", Nullable: true},
				},
				PrimaryKey: &schema.PrimaryKey{Columns: []string{"id"}},
			},
		},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, r *source.MockReader, op *target.MockOperator) *Engine {
	t.Helper()
	return &Engine{
		Config: cfg,
		Source: r,
		Target: op,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestMigrateHappyPath(t *testing.T) {
	cfg := testConfig(t)
	r := &source.MockReader{Schema: bookingSchema(), Rows: bookingRows()}
	op := &target.MockOperator{Schema: targetMirror()}
	eng := newTestEngine(t, cfg, r, op)

	summary, err := eng.Migrate(context.Background(), "")
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	if summary.Run.Status != run.StatusCompleted {
		t.Errorf("status = %s, want completed", summary.Run.Status)
	}
	if summary.RowsWritten != 39 {
		t.Errorf("rows written = %d, want 39", summary.RowsWritten)
	}
	if n := len(op.Rows("customers")); n != 27 {
		t.Errorf("target customers = %d rows", n)
	}
	if n := len(op.Rows("bookings")); n != 12 {
		t.Errorf("target bookings = %d rows", n)
	}

	for _, tp := range summary.Run.Plan {
		if tp.Status != run.TableValidated {
			t.Errorf("table %s status = %s", tp.Name, tp.Status)
		}
	}
	if summary.Run.BackupDir == "" {
		t.Error("no backup recorded")
	}
	if summary.Report == nil || summary.Report.Status != "PASS" {
		t.Errorf("validation report = %+v", summary.Report)
	}

	// Terminal event emitted as one JSON line.
	events, err := os.ReadFile(cfg.Event.Path)
	if err != nil {
		t.Fatalf("reading events: %v", err)
	}
	if !strings.Contains(string(events), `"status":"completed"`) {
		t.Errorf("event payload = %s", events)
	}

	// The run record is reloadable and shows the same outcome.
	saved, err := run.Load(cfg.Migration.RunDir, summary.Run.ID)
	if err != nil {
		t.Fatalf("loading run record: %v", err)
	}
	if saved.Status != run.StatusCompleted {
		t.Errorf("persisted status = %s", saved.Status)
	}
}

func TestDryRunIssuesNoWrites(t *testing.T) {
	cfg := testConfig(t)
	r := &source.MockReader{Schema: bookingSchema(), Rows: bookingRows()}
	op := &target.MockOperator{Schema: targetMirror()}
	eng := newTestEngine(t, cfg, r, op)

	result, err := eng.DryRun(context.Background())
	if err != nil {
		t.Fatalf("DryRun: %v", err)
	}

	if result.TotalRows != 39 {
		t.Errorf("total rows = %d, want 39", result.TotalRows)
	}
	// 27 rows and 12 rows at batch size 10.
	if result.TotalBatches != 3+2 {
		t.Errorf("total batches = %d, want 5", result.TotalBatches)
	}
	if op.WritesIssued() != 0 {
		t.Errorf("dry run issued %d writes", op.WritesIssued())
	}

	runs, err := run.List(cfg.Migration.RunDir)
	if err != nil || len(runs) != 0 {
		t.Errorf("dry run left run records: %v, %v", runs, err)
	}
}

func TestDryRunCountsCoerceErrors(t *testing.T) {
	cfg := testConfig(t)
	rows := bookingRows()
	rows["bookings"][4][3] = int64(7) // not a 0/1 boolean
	r := &source.MockReader{Schema: bookingSchema(), Rows: rows}
	op := &target.MockOperator{Schema: targetMirror()}
	eng := newTestEngine(t, cfg, r, op)

	result, err := eng.DryRun(context.Background())
	if err != nil {
		t.Fatalf("DryRun: %v", err)
	}
	if result.CoerceErrors != 1 {
		t.Errorf("coerce errors = %d, want 1", result.CoerceErrors)
	}
	if result.TotalRows != 38 {
		t.Errorf("total rows = %d, want 38", result.TotalRows)
	}
}

func TestStrictModeFailsTableOnBadValue(t *testing.T) {
	cfg := testConfig(t)
	rows := bookingRows()
	rows["bookings"][4][3] = int64(7)
	r := &source.MockReader{Schema: bookingSchema(), Rows: rows}
	op := &target.MockOperator{Schema: targetMirror()}
	eng := newTestEngine(t, cfg, r, op)

	summary, err := eng.Migrate(context.Background(), "")
	if err == nil {
		t.Fatal("expected failure in strict mode")
	}
	if summary.Run.Status != run.StatusFailed {
		t.Errorf("status = %s, want failed", summary.Run.Status)
	}
	if tp := summary.Run.Table("bookings"); tp.Status != run.TableFailed {
		t.Errorf("bookings status = %s", tp.Status)
	}
	// The independent parent table still migrates in best-effort mode.
	if tp := summary.Run.Table("customers"); tp.Status != run.TableLoaded {
		t.Errorf("customers status = %s", tp.Status)
	}
}

func TestLenientModeSkipsBadRows(t *testing.T) {
	cfg := testConfig(t)
	cfg.Migration.Mode = config.ModeLenient
	rows := bookingRows()
	rows["bookings"][4][3] = int64(7)
	r := &source.MockReader{Schema: bookingSchema(), Rows: rows}
	op := &target.MockOperator{Schema: targetMirror()}
	eng := newTestEngine(t, cfg, r, op)

	summary, err := eng.Migrate(context.Background(), "")
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	if summary.RowsSkipped != 1 {
		t.Errorf("rows skipped = %d, want 1", summary.RowsSkipped)
	}
	if n := len(op.Rows("bookings")); n != 11 {
		t.Errorf("target bookings = %d rows, want 11", n)
	}
	// The skipped row shows up as a count mismatch, so the run warns.
	if summary.Run.Status != run.StatusCompletedWithWarnings {
		t.Errorf("status = %s, want completed-with-warnings", summary.Run.Status)
	}
}

func TestFailFastStopsRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Migration.FailFast = true
	r := &source.MockReader{Schema: bookingSchema(), Rows: bookingRows()}
	op := &target.MockOperator{
		Schema:    targetMirror(),
		FailTable: map[string]error{"customers": errors.New("permission denied for table customers")},
	}
	eng := newTestEngine(t, cfg, r, op)

	summary, err := eng.Migrate(context.Background(), "")
	if err == nil {
		t.Fatal("expected failure")
	}
	if summary.Run.Status != run.StatusFailed {
		t.Errorf("status = %s", summary.Run.Status)
	}
	if tp := summary.Run.Table("bookings"); tp.Status == run.TableLoaded {
		t.Error("dependent table loaded after fail-fast")
	}
}

func TestParentFailureSkipsChild(t *testing.T) {
	cfg := testConfig(t)
	r := &source.MockReader{Schema: bookingSchema(), Rows: bookingRows()}
	op := &target.MockOperator{
		Schema:    targetMirror(),
		FailTable: map[string]error{"customers": errors.New("permission denied for table customers")},
	}
	eng := newTestEngine(t, cfg, r, op)

	summary, err := eng.Migrate(context.Background(), "")
	if err == nil {
		t.Fatal("expected failure")
	}
	if tp := summary.Run.Table("customers"); tp.Status != run.TableFailed {
		t.Errorf("customers status = %s", tp.Status)
	}
	if tp := summary.Run.Table("bookings"); tp.Status != run.TableSkipped {
		t.Errorf("bookings status = %s, want skipped", tp.Status)
	}
}

func TestResumeAfterMidTableFailure(t *testing.T) {
	cfg := testConfig(t)
	rows := bookingRows()

	// First attempt: the second fetch of bookings fails, leaving one
	// committed batch behind its checkpoint.
	r1 := &source.MockReader{
		Schema:    bookingSchema(),
		Rows:      rows,
		FailAfter: map[string]int{"bookings": 1},
	}
	op := &target.MockOperator{Schema: targetMirror()}
	eng1 := newTestEngine(t, cfg, r1, op)

	summary1, err := eng1.Migrate(context.Background(), "")
	if err == nil {
		t.Fatal("expected first attempt to fail")
	}
	runID := summary1.Run.ID
	if n := len(op.Rows("bookings")); n != 10 {
		t.Fatalf("first attempt left %d bookings rows, want 10", n)
	}

	// Second attempt resumes from the checkpoint with a healthy source.
	r2 := &source.MockReader{Schema: bookingSchema(), Rows: rows}
	eng2 := newTestEngine(t, cfg, r2, op)

	summary2, err := eng2.Migrate(context.Background(), runID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if summary2.Run.ID != runID {
		t.Errorf("resume created a new run %s", summary2.Run.ID)
	}
	if summary2.Run.Status != run.StatusCompleted {
		t.Errorf("status = %s", summary2.Run.Status)
	}

	// No duplicates: exactly the source row count, each id once.
	got := op.Rows("bookings")
	if len(got) != 12 {
		t.Fatalf("target bookings = %d rows, want 12", len(got))
	}
	seen := make(map[int64]bool)
	for _, row := range got {
		id := row[0].(int64)
		if seen[id] {
			t.Fatalf("booking %d written twice", id)
		}
		seen[id] = true
	}
}

func TestResumeAfterBackupFailure(t *testing.T) {
	cfg := testConfig(t)
	rows := bookingRows()

	// First attempt: the backup directory cannot be created (its parent
	// is a regular file), so the run fails before any load.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Backup.Dir = filepath.Join(blocker, "backups")

	r1 := &source.MockReader{Schema: bookingSchema(), Rows: rows}
	op := &target.MockOperator{Schema: targetMirror()}
	eng1 := newTestEngine(t, cfg, r1, op)

	summary1, err := eng1.Migrate(context.Background(), "")
	if err == nil {
		t.Fatal("expected backup to fail")
	}
	if summary1.Run.Status != run.StatusFailed {
		t.Fatalf("status = %s, want failed", summary1.Run.Status)
	}
	if summary1.Run.BackupDir != "" {
		t.Fatalf("backup dir recorded despite failure: %s", summary1.Run.BackupDir)
	}
	if n := len(op.Rows("customers")) + len(op.Rows("bookings")); n != 0 {
		t.Fatalf("backup failure still wrote %d rows", n)
	}

	// Second attempt with a writable directory resumes the same run,
	// takes the snapshot, and completes.
	cfg.Backup.Dir = t.TempDir()
	r2 := &source.MockReader{Schema: bookingSchema(), Rows: rows}
	eng2 := newTestEngine(t, cfg, r2, op)

	summary2, err := eng2.Migrate(context.Background(), summary1.Run.ID)
	if err != nil {
		t.Fatalf("resume after backup failure: %v", err)
	}
	if summary2.Run.ID != summary1.Run.ID {
		t.Errorf("resume created a new run %s", summary2.Run.ID)
	}
	if summary2.Run.Status != run.StatusCompleted {
		t.Errorf("status = %s, want completed", summary2.Run.Status)
	}
	if summary2.Run.BackupDir == "" {
		t.Error("no backup recorded on resume")
	}
	if summary2.RowsWritten != 39 {
		t.Errorf("rows written = %d, want 39", summary2.RowsWritten)
	}
}

func TestResumeRejectsSchemaDrift(t *testing.T) {
	cfg := testConfig(t)
	r1 := &source.MockReader{
		Schema:    bookingSchema(),
		Rows:      bookingRows(),
		FailAfter: map[string]int{"bookings": 1},
	}
	op := &target.MockOperator{Schema: targetMirror()}
	eng1 := newTestEngine(t, cfg, r1, op)

	summary1, err := eng1.Migrate(context.Background(), "")
	if err == nil {
		t.Fatal("expected first attempt to fail")
	}

	drifted := bookingSchema()
	drifted.Tables[1].Columns = append(drifted.Tables[1].Columns,
		schema.Column{Name: "phone", SourceType: "TEXT", TargetType: "text", Nullable: true})
	r2 := &source.MockReader{Schema: drifted, Rows: bookingRows()}
	eng2 := newTestEngine(t, cfg, r2, op)

	_, err = eng2.Migrate(context.Background(), summary1.Run.ID)
	if err == nil || !strings.Contains(err.Error(), "schema changed") {
		t.Errorf("err = %v, want schema drift rejection", err)
	}
}

func TestCompletedRunNotResumable(t *testing.T) {
	cfg := testConfig(t)
	r := &source.MockReader{Schema: bookingSchema(), Rows: bookingRows()}
	op := &target.MockOperator{Schema: targetMirror()}
	eng := newTestEngine(t, cfg, r, op)

	summary, err := eng.Migrate(context.Background(), "")
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	r2 := &source.MockReader{Schema: bookingSchema(), Rows: bookingRows()}
	eng2 := newTestEngine(t, cfg, r2, &target.MockOperator{Schema: targetMirror()})
	_, err = eng2.Migrate(context.Background(), summary.Run.ID)
	if err == nil || !strings.Contains(err.Error(), "cannot be resumed") {
		t.Errorf("err = %v", err)
	}
}

func TestCancellationLeavesResumableRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Migration.Concurrency = 1
	r := &source.MockReader{Schema: bookingSchema(), Rows: bookingRows()}
	op := &target.MockOperator{Schema: targetMirror()}
	eng := newTestEngine(t, cfg, r, op)

	ctx, cancel := context.WithCancel(context.Background())
	eng.OnBatch = func(res load.BatchResult) {
		if res.Kind == load.Committed {
			cancel()
		}
	}

	summary, err := eng.Migrate(ctx, "")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if summary.Run.Status != run.StatusCancelled {
		t.Errorf("status = %s", summary.Run.Status)
	}
	if !summary.Run.Status.Resumable() {
		t.Error("cancelled run must be resumable")
	}

	// The committed prefix survives and resume finishes the job.
	r2 := &source.MockReader{Schema: bookingSchema(), Rows: bookingRows()}
	eng2 := newTestEngine(t, cfg, r2, op)
	summary2, err := eng2.Migrate(context.Background(), summary.Run.ID)
	if err != nil {
		t.Fatalf("resume after cancel: %v", err)
	}
	if summary2.Run.Status != run.StatusCompleted {
		t.Errorf("resumed status = %s", summary2.Run.Status)
	}
	if n := len(op.Rows("customers")); n != 27 {
		t.Errorf("customers rows = %d, want 27", n)
	}
	if n := len(op.Rows("bookings")); n != 12 {
		t.Errorf("bookings rows = %d, want 12", n)
	}
}

func TestSchemaGateBlocksLoad(t *testing.T) {
	cfg := testConfig(t)
	mirror := targetMirror()
	mirror.Tables = mirror.Tables[:1] // customers missing
	r := &source.MockReader{Schema: bookingSchema(), Rows: bookingRows()}
	op := &target.MockOperator{Schema: mirror}
	eng := newTestEngine(t, cfg, r, op)

	summary, err := eng.Migrate(context.Background(), "")
	var missing *target.SchemaMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want SchemaMissingError", err)
	}
	if len(missing.Tables) != 1 || missing.Tables[0] != "customers" {
		t.Errorf("missing tables = %v", missing.Tables)
	}
	if summary.Run.Status != run.StatusFailed {
		t.Errorf("status = %s", summary.Run.Status)
	}
	if op.WritesIssued() != 0 {
		t.Errorf("schema gate failure still issued %d writes", op.WritesIssued())
	}
}

func TestRollbackPurgesInReverseOrder(t *testing.T) {
	cfg := testConfig(t)
	r := &source.MockReader{Schema: bookingSchema(), Rows: bookingRows()}
	op := &target.MockOperator{Schema: targetMirror()}
	eng := newTestEngine(t, cfg, r, op)

	summary, err := eng.Migrate(context.Background(), "")
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	if err := eng.Rollback(context.Background(), summary.Run.ID, true); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	truncated := op.Truncated()
	if len(truncated) != 2 || truncated[0] != "bookings" || truncated[1] != "customers" {
		t.Errorf("truncated = %v, want children first", truncated)
	}
	ckpts, _ := op.LoadCheckpoints(context.Background(), summary.Run.ID)
	if len(ckpts) != 0 {
		t.Errorf("checkpoints not cleared: %v", ckpts)
	}
}

func TestStandaloneValidate(t *testing.T) {
	cfg := testConfig(t)
	r := &source.MockReader{Schema: bookingSchema(), Rows: bookingRows()}
	op := &target.MockOperator{Schema: targetMirror()}
	eng := newTestEngine(t, cfg, r, op)

	summary, err := eng.Migrate(context.Background(), "")
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	r2 := &source.MockReader{Schema: bookingSchema(), Rows: bookingRows()}
	eng2 := newTestEngine(t, cfg, r2, op)
	report, err := eng2.Validate(context.Background(), summary.Run.ID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if report.Status != "PASS" {
		t.Errorf("report = %+v", report)
	}
}
