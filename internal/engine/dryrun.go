package engine

import (
	"context"
	"fmt"

	"github.com/slotwise/slotwise-migrate/internal/coerce"
	"github.com/slotwise/slotwise-migrate/internal/config"
	"github.com/slotwise/slotwise-migrate/internal/extract"
	"github.com/slotwise/slotwise-migrate/internal/target"
)

// DryRunResult reports what a migration would do without doing it.
type DryRunResult struct {
	Tables       []DryRunTable
	TotalRows    int64
	TotalBatches int64
	CoerceErrors int64
}

// DryRunTable is the per-table dry-run outcome.
type DryRunTable struct {
	Name         string
	Order        int
	Rows         int64
	Batches      int64
	CoerceErrors int64
}

// DryRun walks the whole pipeline except the writes: introspection,
// ordering, the schema gate, extraction, and coercion all run for real.
// The target connection must show zero writes issued afterwards.
func (e *Engine) DryRun(ctx context.Context) (*DryRunResult, error) {
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

	tgtSchema, err := e.Target.IntrospectSchema(ctx)
	if err != nil {
		return nil, fmt.Errorf("introspecting target: %w", err)
	}
	if err := target.VerifySchema(sch.Tables, tgtSchema); err != nil {
		return nil, err
	}

	result := &DryRunResult{}
	strict := e.Config.Migration.Mode == config.ModeStrict
	batchSize := e.Config.Migration.BatchSize

	for i, name := range order {
		t := sch.Table(name)
		dt := DryRunTable{Name: name, Order: i + 1}

		ex, err := extract.New(e.Source, *t, batchSize, nil)
		if err != nil {
			return nil, err
		}
		for {
			batch, err := ex.Next(ctx)
			if err != nil {
				return nil, err
			}
			if batch == nil {
				break
			}
			dt.Batches++
			for _, row := range batch.Rows {
				if _, cerr := coerce.Row(t.Columns, row); cerr != nil {
					dt.CoerceErrors++
					if strict {
						e.Logger.Warn("row would fail coercion", "table", name, "error", cerr)
					}
					continue
				}
				dt.Rows++
			}
		}

		e.Logger.Info("dry run",
			"table", name, "order", dt.Order, "rows", dt.Rows, "batches", dt.Batches, "coerce_errors", dt.CoerceErrors)
		result.Tables = append(result.Tables, dt)
		result.TotalRows += dt.Rows
		result.TotalBatches += dt.Batches
		result.CoerceErrors += dt.CoerceErrors
	}

	if n := e.Target.WritesIssued(); n != 0 {
		return nil, fmt.Errorf("dry run issued %d target writes; this is a bug", n)
	}

	e.Logger.Info("dry run complete",
		"would_migrate_rows", result.TotalRows, "in_batches", result.TotalBatches, "coerce_errors", result.CoerceErrors)
	return result, nil
}
