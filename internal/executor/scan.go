package executor

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/calyxdb/calyx/internal/ast"
	"github.com/calyxdb/calyx/internal/value"
)

// scanPool is the shared worker pool parallel scans fan out on.
type scanPool struct {
	pool *ants.Pool
}

func newScanPool() (*scanPool, error) {
	pool, err := ants.NewPool(runtime.NumCPU(), ants.WithPreAlloc(true))
	if err != nil {
		return nil, fmt.Errorf("executor: scan pool: %w", err)
	}
	return &scanPool{pool: pool}, nil
}

func (p *scanPool) release() {
	p.pool.Release()
}

// tableSchema builds the scan output schema from catalog metadata.
func tableSchema(e *env, table string) (Schema, error) {
	cols, err := e.catalog.GetColumns(table)
	if err != nil {
		return nil, err
	}
	schema := make(Schema, len(cols))
	for i, c := range cols {
		schema[i] = Column{Table: table, Name: c.Name}
	}
	return schema, nil
}

// seqScan reads the visible rows of one table, applying a pushed-down filter
// as it goes. The snapshot of visible rows is taken once at Init.
type seqScan struct {
	env    *env
	table  string
	filter ast.Expression
	schema Schema
	rows   []value.Row
	pos    int
}

func newSeqScan(e *env, table string, filter ast.Expression) *seqScan {
	return &seqScan{env: e, table: table, filter: filter}
}

func (s *seqScan) Init() error {
	schema, err := tableSchema(s.env, s.table)
	if err != nil {
		return err
	}
	s.schema = schema

	keyRows, err := s.env.store.Scan(s.env.txn, s.table)
	if err != nil {
		return err
	}
	rows := make([]value.Row, len(keyRows))
	for i, kr := range keyRows {
		rows[i] = kr.Row
	}

	if s.filter != nil {
		if s.env.parallel && len(rows) > 1 {
			rows, err = s.parallelFilter(rows)
		} else {
			rows, err = s.sequentialFilter(rows)
		}
		if err != nil {
			return err
		}
	}
	s.rows = rows
	return nil
}

func (s *seqScan) sequentialFilter(rows []value.Row) ([]value.Row, error) {
	out := rows[:0]
	for _, row := range rows {
		v, err := evalExpr(s.filter, row, s.schema)
		if err != nil {
			return nil, err
		}
		if truthy(v) {
			out = append(out, row)
		}
	}
	return out, nil
}

// parallelFilter splits the row set into chunks evaluated on the shared
// pool. Chunk results are reassembled in order, so parallelism never changes
// output ordering.
func (s *seqScan) parallelFilter(rows []value.Row) ([]value.Row, error) {
	workers := s.env.pool.pool.Cap()
	if workers > len(rows) {
		workers = len(rows)
	}
	chunkSize := (len(rows) + workers - 1) / workers

	type chunkResult struct {
		rows []value.Row
		err  error
	}
	results := make([]chunkResult, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * chunkSize
		hi := lo + chunkSize
		if hi > len(rows) {
			hi = len(rows)
		}
		if lo >= hi {
			break
		}
		w, lo, hi := w, lo, hi
		wg.Add(1)
		task := func() {
			defer wg.Done()
			var kept []value.Row
			for _, row := range rows[lo:hi] {
				v, err := evalExpr(s.filter, row, s.schema)
				if err != nil {
					results[w].err = err
					return
				}
				if truthy(v) {
					kept = append(kept, row)
				}
			}
			results[w].rows = kept
		}
		if err := s.env.pool.pool.Submit(task); err != nil {
			// Pool saturated or released: run inline.
			task()
		}
	}
	wg.Wait()

	var out []value.Row
	for _, r := range results {
		if r.err != nil {
			return nil, r.err
		}
		out = append(out, r.rows...)
	}
	return out, nil
}

func (s *seqScan) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.rows) {
		return nil, nil
	}
	end := s.pos + s.env.batch()
	if end > len(s.rows) {
		end = len(s.rows)
	}
	batch := &Batch{Rows: s.rows[s.pos:end]}
	s.pos = end
	return batch, nil
}

func (s *seqScan) Close() error {
	s.rows = nil
	return nil
}

func (s *seqScan) Schema() Schema { return s.schema }

// indexScan resolves an equality lookup. The store keeps no secondary index
// structures, so the lookup runs as a filtered scan; the node exists so the
// optimizer's access-path choice is visible end to end.
type indexScan struct {
	inner *seqScan
}

func newIndexScan(e *env, table, column string, equal ast.Expression) *indexScan {
	pred := &ast.BinaryExpr{
		Op:    ast.OpEq,
		Left:  &ast.ColumnRef{Table: table, Column: column},
		Right: equal,
	}
	return &indexScan{inner: newSeqScan(e, table, pred)}
}

func (s *indexScan) Init() error                            { return s.inner.Init() }
func (s *indexScan) Next(ctx context.Context) (*Batch, error) { return s.inner.Next(ctx) }
func (s *indexScan) Close() error                           { return s.inner.Close() }
func (s *indexScan) Schema() Schema                         { return s.inner.Schema() }

var (
	_ Operator = (*seqScan)(nil)
	_ Operator = (*indexScan)(nil)
)
