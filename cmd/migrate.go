package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gosuri/uiprogress"
	"github.com/spf13/cobra"

	"github.com/slotwise/slotwise-migrate/internal/engine"
	"github.com/slotwise/slotwise-migrate/internal/lock"
	"github.com/slotwise/slotwise-migrate/internal/run"
)

var (
	migrateResume   string
	migrateProgress bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run the migration",
	Long: `Snapshot the source, transfer every table in dependency order, then
validate the result. Interrupting with Ctrl-C leaves a resumable run;
pick it back up with --resume <run-id>.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applySharedOverrides(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return exitWith(ExitUsage, err)
		}

		if err := lock.Acquire(""); err != nil {
			return exitWith(ExitUsage, err)
		}
		defer lock.Release("")

		eng, logger, err := buildEngine(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if migrateProgress {
			attachProgress(eng)
			defer uiprogress.Stop()
		}

		summary, err := eng.Migrate(ctx, migrateResume)
		if err != nil {
			if errors.Is(err, engine.ErrCancelled) {
				return exitWith(ExitCancelled, fmt.Errorf("cancelled; resume with: slotwise-migrate migrate --resume %s", summary.Run.ID))
			}
			if isPartialFailure(summary) {
				return exitWith(ExitPartial, fmt.Errorf("%w; resume with: slotwise-migrate migrate --resume %s", err, summary.Run.ID))
			}
			return exitWith(ExitFailed, err)
		}

		logger.Info("done",
			"run", summary.Run.ID, "status", summary.Run.Status,
			"rows_written", summary.RowsWritten, "rows_skipped", summary.RowsSkipped)

		if summary.Run.Status == run.StatusCompletedWithWarnings {
			return exitWith(ExitWarnings, fmt.Errorf("run %s completed with warnings; see the validation report", summary.Run.ID))
		}
		return nil
	},
}

// isPartialFailure reports whether a failed run got partway through its
// tables and can be picked back up with --resume. Failures with no table
// outcome at all (connection, introspection, backup) are not partial.
func isPartialFailure(s *engine.Summary) bool {
	if s == nil || s.Run == nil || !s.Run.Status.Resumable() {
		return false
	}
	for _, tp := range s.Run.Plan {
		if tp.Status == run.TableFailed || tp.Status == run.TableSkipped {
			return true
		}
	}
	return false
}

// attachProgress renders one bar per table, fed by the engine callbacks.
func attachProgress(eng *engine.Engine) {
	var mu sync.Mutex
	bars := make(map[string]*uiprogress.Bar)

	eng.OnPlan = func(r *run.Run) {
		uiprogress.Start()
		mu.Lock()
		defer mu.Unlock()
		for _, tp := range r.Plan {
			total := int(tp.SourceRows)
			if total < 1 {
				total = 1
			}
			name := tp.Name
			bar := uiprogress.AddBar(total).AppendCompleted()
			bar.PrependFunc(func(b *uiprogress.Bar) string {
				return fmt.Sprintf("%-20s", name)
			})
			bars[name] = bar
		}
	}

	eng.OnTable = func(table string, status run.TableStatus, rowsWritten int64) {
		mu.Lock()
		bar := bars[table]
		mu.Unlock()
		if bar == nil {
			return
		}
		switch status {
		case run.TableLoaded, run.TableValidated:
			bar.Set(bar.Total)
		default:
			n := int(rowsWritten)
			if n > bar.Total {
				n = bar.Total
			}
			bar.Set(n)
		}
	}
}

func init() {
	addSharedFlags(migrateCmd)
	migrateCmd.Flags().StringVar(&migrateResume, "resume", "", "resume a previous run by id")
	migrateCmd.Flags().BoolVar(&migrateProgress, "progress", false, "render per-table progress bars")
	rootCmd.AddCommand(migrateCmd)
}
