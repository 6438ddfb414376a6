package extract

import (
	"context"
	"fmt"

	"github.com/slotwise/slotwise-migrate/internal/schema"
	"github.com/slotwise/slotwise-migrate/internal/source"
)

// Batch is the unit of transfer and transactional commit: a bounded slice
// of one table's rows in primary-key order. Batches are ephemeral; only
// the checkpoint they produce is persisted.
type Batch struct {
	Table   string
	Columns []string
	Rows    [][]any
	FirstPK any
	LastPK  any
	Seq     int
}

// Extractor produces a table's batches lazily via keyset pagination:
// each page reads rows strictly after the previous page's last primary
// key. The restart point is a primary key, not a batch index, so resume
// works regardless of how many batches a prior attempt managed.
type Extractor struct {
	reader    source.Reader
	table     schema.Table
	batchSize int

	pkCol      string
	pkIdx      int     // index of pkCol within the fetched row
	selectCols []string // fetched columns; may include a leading rowid
	synthetic  bool     // pkCol is rowid, not a declared column

	lastPK any
	seq    int
	done   bool
}

// New creates an extractor starting after resumeAfter (nil for the start
// of the table).
func New(reader source.Reader, table schema.Table, batchSize int, resumeAfter any) (*Extractor, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	e := &Extractor{
		reader:    reader,
		table:     table,
		batchSize: batchSize,
		pkCol:     table.KeysetColumn(),
		lastPK:    resumeAfter,
	}

	e.selectCols = table.ColumnNames()
	e.pkIdx = -1
	for i, name := range e.selectCols {
		if name == e.pkCol {
			e.pkIdx = i
		}
	}
	if e.pkIdx < 0 {
		// Page by rowid: fetch it alongside the declared columns and strip
		// it before the rows leave the extractor.
		e.synthetic = true
		e.selectCols = append([]string{e.pkCol}, e.selectCols...)
		e.pkIdx = 0
	}

	return e, nil
}

// Next returns the next batch, or nil when the table is exhausted.
func (e *Extractor) Next(ctx context.Context) (*Batch, error) {
	if e.done {
		return nil, nil
	}

	rows, err := e.reader.FetchKeyset(ctx, e.table.Name, e.selectCols, e.pkCol, e.lastPK, e.batchSize)
	if err != nil {
		return nil, fmt.Errorf("extracting batch %d of %s: %w", e.seq, e.table.Name, err)
	}
	if len(rows) == 0 {
		e.done = true
		return nil, nil
	}

	batch := &Batch{
		Table:   e.table.Name,
		Columns: e.table.ColumnNames(),
		Seq:     e.seq,
		FirstPK: rows[0][e.pkIdx],
		LastPK:  rows[len(rows)-1][e.pkIdx],
	}

	if e.synthetic {
		batch.Rows = make([][]any, len(rows))
		for i, row := range rows {
			batch.Rows[i] = row[1:]
		}
	} else {
		batch.Rows = rows
	}

	e.lastPK = batch.LastPK
	e.seq++
	if len(rows) < e.batchSize {
		e.done = true
	}
	return batch, nil
}

// BatchCount returns how many batches a table of rowCount rows yields at
// the given batch size.
func BatchCount(rowCount int64, batchSize int) int64 {
	if rowCount <= 0 {
		return 0
	}
	return (rowCount + int64(batchSize) - 1) / int64(batchSize)
}
