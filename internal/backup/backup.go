package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/slotwise/slotwise-migrate/internal/schema"
	"github.com/slotwise/slotwise-migrate/internal/source"
)

// Error means the pre-migration snapshot could not be taken or verified.
// The run never proceeds to loading after one of these.
type Error struct {
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backup failed during %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Manifest describes a completed snapshot: what was exported, how many
// rows each table had, and the checksum that proves the export landed
// intact. It is the required input for restoring from backup.
type Manifest struct {
	RunID     string        `json:"run_id"`
	CreatedAt time.Time     `json:"created_at"`
	Location  string        `json:"location"`
	Tables    []TableBackup `json:"tables"`
}

// TableBackup is one table's entry in the manifest.
type TableBackup struct {
	Name     string `json:"name"`
	RowCount int64  `json:"row_count"`
	Checksum string `json:"checksum"`
}

const manifestFile = "manifest.json"

// Manager snapshots the source before any target write: a binary copy of
// the database file plus a per-table JSON export with checksums. Backups
// are write-once, addressed by run id and timestamp.
type Manager struct {
	Dir        string // base backup directory
	SourcePath string // SQLite file to copy; empty skips the binary copy
	Now        func() time.Time
}

// Run takes the snapshot and verifies it. The returned manifest has been
// re-read from disk and its checksums re-computed against the exports.
func (m *Manager) Run(ctx context.Context, runID string, tables []schema.Table, reader source.Reader) (*Manifest, error) {
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	createdAt := now().UTC()

	dir := filepath.Join(m.Dir, fmt.Sprintf("%s-%s", runID, createdAt.Format("20060102T150405Z")))
	if _, err := os.Stat(dir); err == nil {
		return nil, &Error{Stage: "setup", Err: fmt.Errorf("backup directory %s already exists; backups are write-once", dir)}
	}
	if err := os.MkdirAll(filepath.Join(dir, "tables"), 0o755); err != nil {
		return nil, &Error{Stage: "setup", Err: err}
	}

	if m.SourcePath != "" {
		if err := copyFile(m.SourcePath, filepath.Join(dir, "source.db")); err != nil {
			return nil, &Error{Stage: "binary copy", Err: err}
		}
	}

	manifest := &Manifest{RunID: runID, CreatedAt: createdAt, Location: dir}
	for _, t := range tables {
		tb, err := m.exportTable(ctx, dir, t, reader)
		if err != nil {
			return nil, &Error{Stage: fmt.Sprintf("exporting %s", t.Name), Err: err}
		}
		manifest.Tables = append(manifest.Tables, *tb)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, &Error{Stage: "writing manifest", Err: err}
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), data, 0o644); err != nil {
		return nil, &Error{Stage: "writing manifest", Err: err}
	}

	if err := m.verify(dir, manifest); err != nil {
		return nil, &Error{Stage: "verification", Err: err}
	}

	return manifest, nil
}

func (m *Manager) exportTable(ctx context.Context, dir string, t schema.Table, reader source.Reader) (*TableBackup, error) {
	path := filepath.Join(dir, "tables", t.Name+".jsonl")
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hash := sha256.New()
	enc := json.NewEncoder(io.MultiWriter(f, hash))

	cols := t.ColumnNames()
	var count int64
	err = reader.ExportRows(ctx, t.Name, cols, t.KeysetColumn(), func(row []any) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		record := make(map[string]any, len(cols))
		for i, c := range cols {
			record[c] = row[i]
		}
		count++
		return enc.Encode(record)
	})
	if err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	return &TableBackup{
		Name:     t.Name,
		RowCount: count,
		Checksum: hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// verify re-reads every export and checks its checksum against the
// manifest. A backup that cannot be read back is not a backup.
func (m *Manager) verify(dir string, manifest *Manifest) error {
	for _, tb := range manifest.Tables {
		path := filepath.Join(dir, "tables", tb.Name+".jsonl")
		sum, err := checksumFile(path)
		if err != nil {
			return fmt.Errorf("re-reading export of %s: %w", tb.Name, err)
		}
		if sum != tb.Checksum {
			return fmt.Errorf("checksum mismatch for %s: manifest %s, disk %s", tb.Name, tb.Checksum, sum)
		}
	}
	return nil
}

// LoadManifest reads a manifest back from a backup directory.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return m, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
