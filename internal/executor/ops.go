package executor

import (
	"context"
	"sort"

	"github.com/calyxdb/calyx/internal/ast"
	"github.com/calyxdb/calyx/internal/value"
)

// filterOp drops rows whose predicate is not true.
type filterOp struct {
	input     Operator
	predicate ast.Expression
}

func (f *filterOp) Init() error    { return f.input.Init() }
func (f *filterOp) Close() error   { return f.input.Close() }
func (f *filterOp) Schema() Schema { return f.input.Schema() }

func (f *filterOp) Next(ctx context.Context) (*Batch, error) {
	for {
		batch, err := f.input.Next(ctx)
		if err != nil || batch == nil {
			return nil, err
		}
		kept := batch.Rows[:0]
		for _, row := range batch.Rows {
			v, err := evalExpr(f.predicate, row, f.input.Schema())
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				kept = append(kept, row)
			}
		}
		if len(kept) > 0 {
			return &Batch{Rows: kept}, nil
		}
		// Every row filtered out; pull the next batch rather than
		// returning an empty one.
	}
}

// projectOp computes the output expressions for each row.
type projectOp struct {
	input  Operator
	exprs  []ast.Expression
	schema Schema
}

func newProject(input Operator, exprs []ast.Expression, names []string) *projectOp {
	schema := make(Schema, len(names))
	for i, n := range names {
		col := Column{Name: n}
		// A plain column passes its qualifier through so sort keys above
		// the projection still resolve qualified references.
		if ref, ok := exprs[i].(*ast.ColumnRef); ok && ref.Column == n {
			col.Table = ref.Table
		}
		schema[i] = col
	}
	return &projectOp{input: input, exprs: exprs, schema: schema}
}

func (p *projectOp) Init() error    { return p.input.Init() }
func (p *projectOp) Close() error   { return p.input.Close() }
func (p *projectOp) Schema() Schema { return p.schema }

func (p *projectOp) Next(ctx context.Context) (*Batch, error) {
	batch, err := p.input.Next(ctx)
	if err != nil || batch == nil {
		return nil, err
	}
	out := make([]value.Row, len(batch.Rows))
	for i, row := range batch.Rows {
		projected := make(value.Row, len(p.exprs))
		for j, e := range p.exprs {
			v, err := evalExpr(e, row, p.input.Schema())
			if err != nil {
				return nil, err
			}
			projected[j] = v
		}
		out[i] = projected
	}
	return &Batch{Rows: out}, nil
}

// sortOp materializes its input and emits it ordered by the sort keys.
// NULLs sort first.
type sortOp struct {
	input Operator
	keys  []ast.OrderItem
	rows  []value.Row
	pos   int
	done  bool
	batch func() int
}

func (s *sortOp) Init() error    { return s.input.Init() }
func (s *sortOp) Close() error   { return s.input.Close() }
func (s *sortOp) Schema() Schema { return s.input.Schema() }

func (s *sortOp) Next(ctx context.Context) (*Batch, error) {
	if !s.done {
		if err := s.materialize(ctx); err != nil {
			return nil, err
		}
	}
	if s.pos >= len(s.rows) {
		return nil, nil
	}
	end := s.pos + s.batch()
	if end > len(s.rows) {
		end = len(s.rows)
	}
	out := &Batch{Rows: s.rows[s.pos:end]}
	s.pos = end
	return out, nil
}

func (s *sortOp) materialize(ctx context.Context) error {
	for {
		batch, err := s.input.Next(ctx)
		if err != nil {
			return err
		}
		if batch == nil {
			break
		}
		s.rows = append(s.rows, batch.Rows...)
	}

	schema := s.input.Schema()
	var sortErr error
	sort.SliceStable(s.rows, func(i, j int) bool {
		for _, key := range s.keys {
			a, err := evalExpr(key.Expr, s.rows[i], schema)
			if err != nil {
				sortErr = err
				return false
			}
			b, err := evalExpr(key.Expr, s.rows[j], schema)
			if err != nil {
				sortErr = err
				return false
			}
			cmp := compareForSort(a, b)
			if cmp == 0 {
				continue
			}
			if key.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	if sortErr != nil {
		return sortErr
	}
	s.done = true
	return nil
}

// compareForSort orders values with NULL lowest, unlike Compare which
// refuses NULLs.
func compareForSort(a, b value.Value) int {
	switch {
	case a.IsNull() && b.IsNull():
		return 0
	case a.IsNull():
		return -1
	case b.IsNull():
		return 1
	}
	cmp, err := a.Compare(b)
	if err != nil {
		return 0
	}
	return cmp
}

// limitOp passes through at most count rows after skipping offset.
type limitOp struct {
	input   Operator
	count   int64
	offset  int64
	skipped int64
	passed  int64
}

func (l *limitOp) Init() error    { return l.input.Init() }
func (l *limitOp) Close() error   { return l.input.Close() }
func (l *limitOp) Schema() Schema { return l.input.Schema() }

func (l *limitOp) Next(ctx context.Context) (*Batch, error) {
	for {
		if l.passed >= l.count {
			return nil, nil
		}
		batch, err := l.input.Next(ctx)
		if err != nil || batch == nil {
			return nil, err
		}

		rows := batch.Rows
		if l.skipped < l.offset {
			toSkip := l.offset - l.skipped
			if toSkip >= int64(len(rows)) {
				l.skipped += int64(len(rows))
				continue
			}
			rows = rows[toSkip:]
			l.skipped = l.offset
		}

		remaining := l.count - l.passed
		if int64(len(rows)) > remaining {
			rows = rows[:remaining]
		}
		if len(rows) == 0 {
			continue
		}
		l.passed += int64(len(rows))
		return &Batch{Rows: rows}, nil
	}
}

var (
	_ Operator = (*filterOp)(nil)
	_ Operator = (*projectOp)(nil)
	_ Operator = (*sortOp)(nil)
	_ Operator = (*limitOp)(nil)
)
