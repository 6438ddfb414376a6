package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/slotwise/slotwise-migrate/internal/schema"
	"github.com/slotwise/slotwise-migrate/internal/source"
)

func fixtureSchema() *schema.Schema {
	return &schema.Schema{
		DatabaseType: "sqlite",
		Tables: []schema.Table{
			{
				Name: "customers",
				Columns: []schema.Column{
					{Name: "id", SourceType: "INTEGER", TargetType: "bigint"},
					{Name: "email", SourceType: "TEXT", TargetType: "text"},
				},
				PrimaryKey: &schema.PrimaryKey{Columns: []string{"id"}},
			},
			{
				Name: "services",
				Columns: []schema.Column{
					{Name: "id", SourceType: "INTEGER", TargetType: "bigint"},
					{Name: "name", SourceType: "TEXT", TargetType: "text"},
				},
				PrimaryKey: &schema.PrimaryKey{Columns: []string{"id"}},
			},
		},
	}
}

func fixtureReader() *source.MockReader {
	return &source.MockReader{
		Schema: fixtureSchema(),
		Rows: map[string][][]any{
			"customers": {
				{int64(1), "ada@example.com"},
				{int64(2), "brin@example.com"},
			},
			"services": {
				{int64(1), "haircut"},
			},
		},
	}
}

func fixedClock() time.Time {
	return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
}

func TestBackupWritesManifestAndExports(t *testing.T) {
	srcFile := filepath.Join(t.TempDir(), "bookings.db")
	if err := os.WriteFile(srcFile, []byte("sqlite-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := &Manager{Dir: t.TempDir(), SourcePath: srcFile, Now: fixedClock}
	manifest, err := m.Run(context.Background(), "run-1", fixtureSchema().Tables, fixtureReader())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(manifest.Tables) != 2 {
		t.Fatalf("manifest has %d tables, want 2", len(manifest.Tables))
	}
	if manifest.Tables[0].Name != "customers" || manifest.Tables[0].RowCount != 2 {
		t.Errorf("customers entry = %+v", manifest.Tables[0])
	}
	if manifest.Tables[1].RowCount != 1 {
		t.Errorf("services entry = %+v", manifest.Tables[1])
	}
	for _, tb := range manifest.Tables {
		if len(tb.Checksum) != 64 {
			t.Errorf("%s checksum = %q, want sha256 hex", tb.Name, tb.Checksum)
		}
	}

	// The binary copy must match the original byte for byte.
	copied, err := os.ReadFile(filepath.Join(manifest.Location, "source.db"))
	if err != nil {
		t.Fatalf("reading binary copy: %v", err)
	}
	if string(copied) != "sqlite-bytes" {
		t.Error("binary copy differs from source")
	}

	export, err := os.ReadFile(filepath.Join(manifest.Location, "tables", "customers.jsonl"))
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	if !strings.Contains(string(export), "ada@example.com") {
		t.Errorf("export missing row data: %s", export)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	m := &Manager{Dir: t.TempDir(), Now: fixedClock}
	manifest, err := m.Run(context.Background(), "run-1", fixtureSchema().Tables, fixtureReader())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	loaded, err := LoadManifest(manifest.Location)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if loaded.RunID != "run-1" || len(loaded.Tables) != 2 {
		t.Errorf("loaded manifest = %+v", loaded)
	}
	if loaded.Tables[0].Checksum != manifest.Tables[0].Checksum {
		t.Error("checksum changed in round trip")
	}
}

func TestBackupIsWriteOnce(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{Dir: dir, Now: fixedClock}

	if _, err := m.Run(context.Background(), "run-1", fixtureSchema().Tables, fixtureReader()); err != nil {
		t.Fatalf("first backup: %v", err)
	}

	// Same run id and frozen clock address the same directory.
	_, err := m.Run(context.Background(), "run-1", fixtureSchema().Tables, fixtureReader())
	var berr *Error
	if !errors.As(err, &berr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if !strings.Contains(berr.Error(), "write-once") {
		t.Errorf("error = %v", berr)
	}
}

func TestExportFailureSurfaces(t *testing.T) {
	r := fixtureReader()
	delete(r.Rows, "services")

	m := &Manager{Dir: t.TempDir(), Now: fixedClock}
	_, err := m.Run(context.Background(), "run-1", fixtureSchema().Tables, r)
	var berr *Error
	if !errors.As(err, &berr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if !strings.Contains(berr.Stage, "services") {
		t.Errorf("stage = %q", berr.Stage)
	}
}
