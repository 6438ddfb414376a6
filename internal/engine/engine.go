package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/slotwise/slotwise-migrate/internal/backup"
	"github.com/slotwise/slotwise-migrate/internal/checkpoint"
	"github.com/slotwise/slotwise-migrate/internal/coerce"
	"github.com/slotwise/slotwise-migrate/internal/config"
	"github.com/slotwise/slotwise-migrate/internal/depgraph"
	"github.com/slotwise/slotwise-migrate/internal/event"
	"github.com/slotwise/slotwise-migrate/internal/extract"
	"github.com/slotwise/slotwise-migrate/internal/load"
	"github.com/slotwise/slotwise-migrate/internal/run"
	"github.com/slotwise/slotwise-migrate/internal/schema"
	"github.com/slotwise/slotwise-migrate/internal/source"
	"github.com/slotwise/slotwise-migrate/internal/target"
	"github.com/slotwise/slotwise-migrate/internal/validate"
)

// ErrCancelled marks a run stopped by signal. The run record is left in
// cancelled state and can be resumed.
var ErrCancelled = errors.New("migration cancelled")

// Engine orchestrates a migration end to end: backup, schema gate,
// dependency-ordered concurrent load, validation, event emission. One
// Engine serves one invocation.
type Engine struct {
	Config *config.Config
	Source source.Reader
	Target target.Operator
	Logger *slog.Logger

	// OnPlan fires once the run record exists, before any phase starts.
	// OnBatch observes every batch outcome; OnTable observes table state
	// changes. All optional; OnBatch and OnTable may be called from worker
	// goroutines.
	OnPlan  func(*run.Run)
	OnBatch func(load.BatchResult)
	OnTable func(table string, status run.TableStatus, rowsWritten int64)

	mu sync.Mutex // guards the run record and its saves
}

// Summary is what a finished (or stopped) migration hands back to the CLI.
type Summary struct {
	Run         *run.Run
	Report      *validate.Report
	RowsWritten int64
	RowsSkipped int64
	Duration    time.Duration
}

// Migrate executes a full run, or resumes the run named by resumeID.
func (e *Engine) Migrate(ctx context.Context, resumeID string) (*Summary, error) {
	started := time.Now()

	if err := e.Source.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting to source: %w", err)
	}
	defer e.Source.Close()
	if err := e.Target.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting to target: %w", err)
	}
	defer e.Target.Close()

	sch, order, err := e.plan(ctx)
	if err != nil {
		return nil, err
	}

	r, err := e.prepareRun(sch, order, resumeID)
	if err != nil {
		return nil, err
	}
	summary := &Summary{Run: r}
	if e.OnPlan != nil {
		e.OnPlan(r)
	}

	if r.BackupDir == "" {
		if err := e.backupPhase(ctx, r, sch, order); err != nil {
			if ctx.Err() != nil {
				e.cancelRun(r)
				e.emitEvent(r, started, summary)
				summary.Duration = time.Since(started)
				return summary, ErrCancelled
			}
			return summary, e.failRun(r, started, summary, err)
		}
	} else {
		e.Logger.Info("backup already taken", "run", r.ID, "dir", r.BackupDir)
		if r.Status != run.StatusLoading {
			if err := r.Transition(run.StatusLoading); err != nil {
				return summary, err
			}
		}
	}
	if err := e.saveRun(r); err != nil {
		return summary, err
	}

	tgtSchema, err := e.Target.IntrospectSchema(ctx)
	if err != nil {
		return summary, e.failRun(r, started, summary, fmt.Errorf("introspecting target: %w", err))
	}
	if err := target.VerifySchema(sch.Tables, tgtSchema); err != nil {
		return summary, e.failRun(r, started, summary, err)
	}

	if err := e.Target.EnsureCheckpointTable(ctx); err != nil {
		return summary, e.failRun(r, started, summary, fmt.Errorf("preparing checkpoint table: %w", err))
	}
	ckpts, err := e.Target.LoadCheckpoints(ctx, r.ID)
	if err != nil {
		return summary, e.failRun(r, started, summary, fmt.Errorf("loading checkpoints: %w", err))
	}

	loadErr := e.loadPhase(ctx, r, sch, order, ckpts, summary)

	if ctx.Err() != nil {
		e.cancelRun(r)
		e.emitEvent(r, started, summary)
		summary.Duration = time.Since(started)
		return summary, ErrCancelled
	}
	if loadErr != nil {
		return summary, e.failRun(r, started, summary, loadErr)
	}
	if failed := r.Outcome(0); failed == run.StatusFailed {
		err := firstTableError(r)
		return summary, e.failRun(r, started, summary, err)
	}

	report, err := e.validatePhase(ctx, r, sch, order)
	if err != nil {
		if ctx.Err() != nil {
			e.cancelRun(r)
			e.emitEvent(r, started, summary)
			summary.Duration = time.Since(started)
			return summary, ErrCancelled
		}
		return summary, e.failRun(r, started, summary, err)
	}
	summary.Report = report

	outcome := r.Outcome(report.MismatchCount())
	if err := r.Transition(outcome); err != nil {
		return summary, err
	}
	if err := e.saveRun(r); err != nil {
		return summary, err
	}

	summary.Duration = time.Since(started)
	e.emitEvent(r, started, summary)
	e.Logger.Info("migration finished",
		"run", r.ID, "status", r.Status, "rows", summary.RowsWritten, "duration", summary.Duration)
	return summary, nil
}

// plan introspects the source and computes the load order.
func (e *Engine) plan(ctx context.Context) (*schema.Schema, []string, error) {
	sch, err := e.Source.Introspect(ctx, e.Config.Migration.Tables)
	if err != nil {
		return nil, nil, err
	}
	order, err := depgraph.Order(sch.Tables)
	if err != nil {
		return nil, nil, err
	}
	return sch, order, nil
}

// prepareRun creates a fresh run record or reloads the one being resumed.
// A resumed run must match the current source schema shape; a source that
// changed since the original attempt invalidates every checkpoint.
func (e *Engine) prepareRun(sch *schema.Schema, order []string, resumeID string) (*run.Run, error) {
	if resumeID == "" {
		r := run.New(e.Config.Migration.Mode, order)
		r.Fingerprint = sch.Fingerprint()
		for i := range r.Plan {
			if t := sch.Table(r.Plan[i].Name); t != nil {
				r.Plan[i].SourceRows = t.RowCount
			}
		}
		e.Logger.Info("starting run", "run", r.ID, "tables", len(order), "mode", r.Mode)
		return r, r.Save(e.Config.Migration.RunDir)
	}

	r, err := run.Load(e.Config.Migration.RunDir, resumeID)
	if err != nil {
		return nil, err
	}
	if !r.Status.Resumable() {
		return nil, fmt.Errorf("run %s is %s and cannot be resumed", r.ID, r.Status)
	}
	if r.Fingerprint != "" && r.Fingerprint != sch.Fingerprint() {
		return nil, fmt.Errorf("source schema changed since run %s started; checkpoints are no longer valid", r.ID)
	}
	if r.Status == run.StatusCancelling {
		// Interrupted before the cancel was recorded.
		if err := r.Transition(run.StatusCancelled); err != nil {
			return nil, err
		}
	}
	if r.Status == run.StatusFailed || r.Status == run.StatusCancelled {
		// A run that failed before its snapshot completed re-enters the
		// backup phase; one with a recorded snapshot goes back to loading.
		next := run.StatusLoading
		if r.BackupDir == "" {
			next = run.StatusBackingUp
		}
		if err := r.Transition(next); err != nil {
			return nil, err
		}
	}
	// Failed and skipped tables get another chance on resume.
	for i := range r.Plan {
		if r.Plan[i].Status == run.TableFailed || r.Plan[i].Status == run.TableSkipped {
			r.Plan[i].Status = run.TablePending
			r.Plan[i].Error = ""
		}
	}
	e.Logger.Info("resuming run", "run", r.ID, "status", r.Status)
	return r, nil
}

func (e *Engine) backupPhase(ctx context.Context, r *run.Run, sch *schema.Schema, order []string) error {
	// Resumed runs may already be in backing-up.
	if r.Status != run.StatusBackingUp {
		if err := r.Transition(run.StatusBackingUp); err != nil {
			return err
		}
	}
	if err := e.saveRun(r); err != nil {
		return err
	}

	mgr := &backup.Manager{
		Dir:        e.Config.Backup.Dir,
		SourcePath: e.Config.Source.Path,
	}
	tables := make([]schema.Table, 0, len(order))
	for _, name := range order {
		tables = append(tables, *sch.Table(name))
	}

	e.Logger.Info("taking backup", "run", r.ID, "dir", e.Config.Backup.Dir)
	manifest, err := mgr.Run(ctx, r.ID, tables, e.Source)
	if err != nil {
		return err
	}
	r.BackupDir = manifest.Location
	e.Logger.Info("backup complete", "run", r.ID, "location", manifest.Location)

	return r.Transition(run.StatusLoading)
}

// loadPhase transfers every pending table. Tables run concurrently up to
// the configured limit, but a table starts only after all tables it
// references have finished loading. In fail-fast mode the first table
// failure stops the run; otherwise independent tables keep going and
// dependents of the failed table are skipped.
func (e *Engine) loadPhase(ctx context.Context, r *run.Run, sch *schema.Schema, order []string, ckpts map[string]checkpoint.Checkpoint, summary *Summary) error {
	parents := depgraph.Parents(sch.Tables)

	done := make(map[string]chan struct{}, len(order))
	for _, name := range order {
		done[name] = make(chan struct{})
	}
	var outcomeMu sync.Mutex
	outcome := make(map[string]run.TableStatus, len(order))

	loader := &load.Loader{
		Operator:   e.Target,
		RunID:      r.ID,
		MaxRetries: e.Config.Migration.MaxRetries,
		Timeout:    e.Config.Migration.StatementTimeout,
		Logger:     e.Logger,
		OnResult:   e.OnBatch,
	}

	// The semaphore bounds active loads. Goroutines waiting on a parent
	// hold no slot, so gating cannot deadlock the pool.
	sem := make(chan struct{}, e.Config.Migration.Concurrency)

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range order {
		name := name
		t := sch.Table(name)
		tp := r.Table(name)
		if tp.Status == run.TableLoaded || tp.Status == run.TableValidated {
			close(done[name])
			outcomeMu.Lock()
			outcome[name] = run.TableLoaded
			outcomeMu.Unlock()
			continue
		}

		g.Go(func() error {
			defer close(done[name])

			for _, parent := range parents[name] {
				select {
				case <-done[parent]:
				case <-gctx.Done():
					return gctx.Err()
				}
				outcomeMu.Lock()
				parentOK := outcome[parent] == run.TableLoaded
				outcomeMu.Unlock()
				if !parentOK {
					e.setTableStatus(r, name, run.TableSkipped, 0,
						fmt.Sprintf("parent table %s did not load", parent))
					outcomeMu.Lock()
					outcome[name] = run.TableSkipped
					outcomeMu.Unlock()
					return nil
				}
			}

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return gctx.Err()
			}

			var resume *checkpoint.Checkpoint
			if ck, ok := ckpts[name]; ok {
				resume = &ck
			}

			written, skipped, err := e.loadTable(gctx, *t, loader, resume)
			e.mu.Lock()
			summary.RowsWritten += written
			summary.RowsSkipped += skipped
			e.mu.Unlock()

			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				e.setTableStatus(r, name, run.TableFailed, written, err.Error())
				outcomeMu.Lock()
				outcome[name] = run.TableFailed
				outcomeMu.Unlock()
				e.Logger.Error("table failed", "run", r.ID, "table", name, "error", err)
				if e.Config.Migration.FailFast {
					return err
				}
				return nil
			}

			e.setTableStatus(r, name, run.TableLoaded, written, "")
			outcomeMu.Lock()
			outcome[name] = run.TableLoaded
			outcomeMu.Unlock()
			return nil
		})
	}

	return g.Wait()
}

// loadTable pumps one table's batches through coercion and the loader.
func (e *Engine) loadTable(ctx context.Context, t schema.Table, loader *load.Loader, resume *checkpoint.Checkpoint) (written, skipped int64, err error) {
	var resumeAfter any
	if resume != nil {
		resumeAfter, err = checkpoint.DecodePK(resume.LastPK)
		if err != nil {
			return 0, 0, fmt.Errorf("restoring checkpoint for %s: %w", t.Name, err)
		}
		written = resume.RowsWritten
		e.Logger.Info("resuming table", "table", t.Name, "rows_written", written)
	}

	e.setTableStatus(nil, t.Name, run.TableLoading, written, "")

	ex, err := extract.New(e.Source, t, e.Config.Migration.BatchSize, resumeAfter)
	if err != nil {
		return written, 0, err
	}

	lenient := e.Config.Migration.Mode == config.ModeLenient
	for {
		// Cancellation lands between batches; the committed prefix stays.
		if err := ctx.Err(); err != nil {
			return written, skipped, err
		}
		batch, err := ex.Next(ctx)
		if err != nil {
			return written, skipped, err
		}
		if batch == nil {
			return written, skipped, nil
		}

		coerced := batch.Rows[:0:0]
		for _, row := range batch.Rows {
			out, cerr := coerce.Row(t.Columns, row)
			if cerr == nil {
				coerced = append(coerced, out)
				continue
			}
			if !lenient {
				return written, skipped, fmt.Errorf("batch %d of %s: %w", batch.Seq, t.Name, cerr)
			}
			skipped++
			e.Logger.Warn("skipping uncoercible row", "table", t.Name, "batch", batch.Seq, "error", cerr)
		}

		if len(coerced) == 0 {
			// Every row in the page was skipped; nothing to commit, and the
			// next page picks up after the same keys.
			continue
		}
		batch.Rows = coerced

		written, err = loader.LoadBatch(ctx, batch, written)
		if err != nil {
			return written, skipped, err
		}
		e.setTableStatus(nil, t.Name, run.TableLoading, written, "")
	}
}

func (e *Engine) validatePhase(ctx context.Context, r *run.Run, sch *schema.Schema, order []string) (*validate.Report, error) {
	if err := r.Transition(run.StatusValidating); err != nil {
		return nil, err
	}
	if err := e.saveRun(r); err != nil {
		return nil, err
	}

	var loaded []string
	for _, name := range order {
		if tp := r.Table(name); tp != nil && tp.Status == run.TableLoaded {
			loaded = append(loaded, name)
		}
	}

	v := &validate.Validator{
		Source:     e.Source,
		Target:     e.Target,
		Schema:     sch,
		RunID:      r.ID,
		SampleSize: e.Config.Migration.SampleSize,
	}
	report, err := v.Validate(ctx, loaded)
	if err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}

	for _, name := range loaded {
		e.setTableStatus(r, name, run.TableValidated, r.Table(name).RowsWritten, "")
	}

	path := filepath.Join(e.Config.Migration.RunDir, r.ID+"-validation.json")
	if err := report.WriteJSON(path); err != nil {
		e.Logger.Warn("could not write validation report", "path", path, "error", err)
	} else {
		e.Logger.Info("validation report written", "path", path, "status", report.Status)
	}
	return report, nil
}

// setTableStatus updates one table's progress and persists the run. A nil
// run only fires the observer (used for intra-table progress ticks).
func (e *Engine) setTableStatus(r *run.Run, name string, status run.TableStatus, rowsWritten int64, errMsg string) {
	if r != nil {
		e.mu.Lock()
		if tp := r.Table(name); tp != nil {
			tp.Status = status
			tp.RowsWritten = rowsWritten
			tp.Error = errMsg
		}
		if err := r.Save(e.Config.Migration.RunDir); err != nil {
			e.Logger.Warn("could not save run record", "run", r.ID, "error", err)
		}
		e.mu.Unlock()
	}
	if e.OnTable != nil {
		e.OnTable(name, status, rowsWritten)
	}
}

func (e *Engine) saveRun(r *run.Run) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.Save(e.Config.Migration.RunDir)
}

func (e *Engine) failRun(r *run.Run, started time.Time, summary *Summary, cause error) error {
	if err := r.Transition(run.StatusFailed); err == nil {
		if serr := e.saveRun(r); serr != nil {
			e.Logger.Warn("could not save run record", "run", r.ID, "error", serr)
		}
	}
	summary.Duration = time.Since(started)
	e.emitEvent(r, started, summary)
	e.Logger.Error("migration failed", "run", r.ID, "error", cause)
	e.Logger.Info("resume with: slotwise-migrate migrate --resume " + r.ID)
	return cause
}

func (e *Engine) cancelRun(r *run.Run) {
	if err := r.Transition(run.StatusCancelling); err == nil {
		_ = r.Transition(run.StatusCancelled)
	}
	if err := e.saveRun(r); err != nil {
		e.Logger.Warn("could not save run record", "run", r.ID, "error", err)
	}
	e.Logger.Warn("migration cancelled", "run", r.ID)
	e.Logger.Info("resume with: slotwise-migrate migrate --resume " + r.ID)
}

// emitEvent publishes the terminal payload. Emission problems are logged
// and swallowed; they never change the run outcome.
func (e *Engine) emitEvent(r *run.Run, started time.Time, summary *Summary) {
	migrated, failed := 0, 0
	for _, tp := range r.Plan {
		switch tp.Status {
		case run.TableLoaded, run.TableValidated:
			migrated++
		case run.TableFailed:
			failed++
		}
	}
	mismatches := 0
	if summary.Report != nil {
		mismatches = summary.Report.MismatchCount()
	}

	p := event.Payload{
		RunID:           r.ID,
		Status:          string(r.Status),
		DurationSeconds: event.Duration(started),
		TablesMigrated:  migrated,
		TablesFailed:    failed,
		RowsWritten:     summary.RowsWritten,
		Mismatches:      mismatches,
	}
	if err := event.Emit(p, e.Config.Event.Path); err != nil {
		e.Logger.Warn("could not emit completion event", "error", err)
	}
}

func firstTableError(r *run.Run) error {
	for _, tp := range r.Plan {
		if tp.Status == run.TableFailed && tp.Error != "" {
			return fmt.Errorf("table %s: %s", tp.Name, tp.Error)
		}
	}
	return errors.New("one or more tables failed")
}
