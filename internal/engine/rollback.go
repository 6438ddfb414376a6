package engine

import (
	"context"
	"fmt"

	"github.com/slotwise/slotwise-migrate/internal/backup"
	"github.com/slotwise/slotwise-migrate/internal/run"
	"github.com/slotwise/slotwise-migrate/internal/validate"
)

// Rollback undoes a run's target-side effects. The source was never
// written to; restoring it means pointing the application back at the
// snapshot, so rollback prints where that snapshot lives. With purge set
// the migrated tables are emptied (children before parents) and the
// run's checkpoints are cleared.
func (e *Engine) Rollback(ctx context.Context, runID string, purge bool) error {
	r, err := e.loadRun(runID)
	if err != nil {
		return err
	}

	if r.BackupDir != "" {
		manifest, err := backup.LoadManifest(r.BackupDir)
		if err != nil {
			e.Logger.Warn("backup manifest unreadable", "dir", r.BackupDir, "error", err)
		} else {
			e.Logger.Info("source snapshot available",
				"location", manifest.Location, "created_at", manifest.CreatedAt, "tables", len(manifest.Tables))
		}
	} else {
		e.Logger.Warn("run has no recorded backup", "run", r.ID)
	}

	if !purge {
		e.Logger.Info("target left untouched; pass --purge-target to empty migrated tables", "run", r.ID)
		return nil
	}

	if err := e.Target.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to target: %w", err)
	}
	defer e.Target.Close()

	// Reverse of load order, so children empty before their parents.
	tables := make([]string, 0, len(r.Plan))
	for i := len(r.Plan) - 1; i >= 0; i-- {
		tables = append(tables, r.Plan[i].Name)
	}

	e.Logger.Info("purging target tables", "run", r.ID, "tables", len(tables))
	if err := e.Target.TruncateTables(ctx, tables); err != nil {
		return fmt.Errorf("truncating target tables: %w", err)
	}
	if err := e.Target.ClearCheckpoints(ctx, r.ID); err != nil {
		return fmt.Errorf("clearing checkpoints: %w", err)
	}

	e.Logger.Info("rollback complete", "run", r.ID)
	return nil
}

// Validate runs the post-migration checks on their own against an
// existing run's tables, without touching the load path.
func (e *Engine) Validate(ctx context.Context, runID string) (*validate.Report, error) {
	r, err := e.loadRun(runID)
	if err != nil {
		return nil, err
	}

	if err := e.Source.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting to source: %w", err)
	}
	defer e.Source.Close()
	if err := e.Target.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting to target: %w", err)
	}
	defer e.Target.Close()

	var tables []string
	for _, tp := range r.Plan {
		if tp.Status == run.TableLoaded || tp.Status == run.TableValidated {
			tables = append(tables, tp.Name)
		}
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("run %s has no loaded tables to validate", r.ID)
	}

	sch, err := e.Source.Introspect(ctx, tables)
	if err != nil {
		return nil, err
	}

	v := &validate.Validator{
		Source:     e.Source,
		Target:     e.Target,
		Schema:     sch,
		RunID:      r.ID,
		SampleSize: e.Config.Migration.SampleSize,
	}
	report, err := v.Validate(ctx, tables)
	if err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}

	e.Logger.Info("validation finished", "run", r.ID, "status", report.Status, "mismatches", report.MismatchCount())
	return report, nil
}

// loadRun resolves a run id, defaulting to the most recent run.
func (e *Engine) loadRun(runID string) (*run.Run, error) {
	if runID != "" {
		return run.Load(e.Config.Migration.RunDir, runID)
	}
	r, err := run.Latest(e.Config.Migration.RunDir)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("no runs found in %s", e.Config.Migration.RunDir)
	}
	return r, nil
}
