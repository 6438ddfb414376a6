package load

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/slotwise/slotwise-migrate/internal/checkpoint"
	"github.com/slotwise/slotwise-migrate/internal/extract"
	"github.com/slotwise/slotwise-migrate/internal/target"
)

// ResultKind tags the outcome of one batch attempt.
type ResultKind int

const (
	Committed ResultKind = iota
	Retrying
	Failed
)

// BatchResult is the tagged per-batch outcome driving the table
// controller's transitions: Committed advances the pipeline, Retrying is
// observational, Failed terminates the table.
type BatchResult struct {
	Table   string
	Seq     int
	Kind    ResultKind
	Attempt int
	Rows    int
	Err     error
}

// WriteError is a batch write that exhausted its retries (or was never
// retryable, like a constraint violation).
type WriteError struct {
	Table    string
	Seq      int
	Attempts int
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing batch %d of %s failed after %d attempt(s): %v", e.Seq, e.Table, e.Attempts, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Loader writes coerced batches into the target, one transaction per
// batch, advancing the table checkpoint inside that same transaction.
type Loader struct {
	Operator   target.Operator
	RunID      string
	MaxRetries int
	Timeout    time.Duration // per batch statement timeout
	Logger     *slog.Logger

	// OnResult observes every batch outcome, including intermediate
	// Retrying results. Optional.
	OnResult func(BatchResult)
}

// LoadBatch commits one batch and returns the new cumulative row count
// for the table. Transient failures are retried with exponential backoff
// up to MaxRetries; anything else fails immediately.
func (l *Loader) LoadBatch(ctx context.Context, batch *extract.Batch, rowsWritten int64) (int64, error) {
	lastPK, err := checkpoint.EncodePK(batch.LastPK)
	if err != nil {
		return rowsWritten, &WriteError{Table: batch.Table, Seq: batch.Seq, Attempts: 1, Err: err}
	}

	ckpt := checkpoint.Checkpoint{
		RunID:       l.RunID,
		Table:       batch.Table,
		LastPK:      lastPK,
		RowsWritten: rowsWritten + int64(len(batch.Rows)),
	}

	attempt := 0
	operation := func() error {
		attempt++

		attemptCtx := ctx
		if l.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, l.Timeout)
			defer cancel()
		}

		err := l.Operator.ApplyBatch(attemptCtx, batch.Table, batch.Columns, batch.Rows, ckpt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			// The run is being cancelled; don't spin on retries.
			return backoff.Permanent(err)
		}
		if !target.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		l.emit(BatchResult{Table: batch.Table, Seq: batch.Seq, Kind: Retrying, Attempt: attempt, Rows: len(batch.Rows), Err: err})
		if l.Logger != nil {
			l.Logger.Warn("retrying batch",
				"table", batch.Table, "batch", batch.Seq, "attempt", attempt, "wait", wait, "error", err)
		}
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(l.MaxRetries)),
		ctx,
	)

	if err := backoff.RetryNotify(operation, bo, notify); err != nil {
		werr := &WriteError{Table: batch.Table, Seq: batch.Seq, Attempts: attempt, Err: err}
		l.emit(BatchResult{Table: batch.Table, Seq: batch.Seq, Kind: Failed, Attempt: attempt, Rows: len(batch.Rows), Err: werr})
		return rowsWritten, werr
	}

	l.emit(BatchResult{Table: batch.Table, Seq: batch.Seq, Kind: Committed, Attempt: attempt, Rows: len(batch.Rows)})
	return ckpt.RowsWritten, nil
}

func (l *Loader) emit(r BatchResult) {
	if l.OnResult != nil {
		l.OnResult(r)
	}
}
