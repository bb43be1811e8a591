package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/calyxdb/calyx/internal/ast"
	"github.com/calyxdb/calyx/internal/plan"
	"github.com/calyxdb/calyx/internal/value"
)

// computeAggregate evaluates one aggregate function over a set of rows.
func computeAggregate(f *ast.FuncCall, rows []value.Row, schema Schema) (value.Value, error) {
	name := strings.ToUpper(f.Name)

	if name == "COUNT" && f.Star {
		return value.NewInt(int64(len(rows))), nil
	}
	if len(f.Args) != 1 {
		return value.Null(), fmt.Errorf("%s takes one argument", name)
	}

	var (
		count    int64
		sumInt   int64
		sumFloat float64
		isFloat  bool
		best     value.Value
	)
	for _, row := range rows {
		v, err := evalExpr(f.Args[0], row, schema)
		if err != nil {
			return value.Null(), err
		}
		if v.IsNull() {
			continue // aggregates skip NULLs
		}
		count++

		switch name {
		case "SUM", "AVG":
			switch v.Kind() {
			case value.KindInt:
				sumInt += v.Int()
				sumFloat += float64(v.Int())
			case value.KindFloat:
				isFloat = true
				sumFloat += v.Float()
			default:
				return value.Null(), fmt.Errorf("%s of %s", name, v.Kind())
			}
		case "MIN":
			if best.IsNull() {
				best = v
			} else if cmp, err := v.Compare(best); err != nil {
				return value.Null(), err
			} else if cmp < 0 {
				best = v
			}
		case "MAX":
			if best.IsNull() {
				best = v
			} else if cmp, err := v.Compare(best); err != nil {
				return value.Null(), err
			} else if cmp > 0 {
				best = v
			}
		}
	}

	switch name {
	case "COUNT":
		return value.NewInt(count), nil
	case "SUM":
		if count == 0 {
			return value.Null(), nil
		}
		if isFloat {
			return value.NewFloat(sumFloat), nil
		}
		return value.NewInt(sumInt), nil
	case "AVG":
		if count == 0 {
			return value.Null(), nil
		}
		return value.NewFloat(sumFloat / float64(count)), nil
	case "MIN", "MAX":
		return best, nil
	default:
		return value.Null(), fmt.Errorf("unknown aggregate %s", name)
	}
}

// aggregateOp groups its input and emits one row per group: the group key
// columns followed by the aggregate results.
type aggregateOp struct {
	input   Operator
	groupBy []ast.Expression
	aggs    []plan.AggItem
	having  ast.Expression
	batch   func() int

	schema Schema
	out    []value.Row
	pos    int
	done   bool
}

func (a *aggregateOp) Init() error {
	if err := a.input.Init(); err != nil {
		return err
	}
	schema := make(Schema, 0, len(a.groupBy)+len(a.aggs))
	for _, g := range a.groupBy {
		if ref, ok := g.(*ast.ColumnRef); ok {
			schema = append(schema, Column{Table: ref.Table, Name: ref.Column})
		} else {
			schema = append(schema, Column{Name: g.String()})
		}
	}
	for _, item := range a.aggs {
		schema = append(schema, Column{Name: item.Name})
	}
	a.schema = schema
	return nil
}

func (a *aggregateOp) Close() error   { return a.input.Close() }
func (a *aggregateOp) Schema() Schema { return a.schema }

func (a *aggregateOp) Next(ctx context.Context) (*Batch, error) {
	if !a.done {
		if err := a.aggregate(ctx); err != nil {
			return nil, err
		}
	}
	if a.pos >= len(a.out) {
		return nil, nil
	}
	end := a.pos + a.batch()
	if end > len(a.out) {
		end = len(a.out)
	}
	batch := &Batch{Rows: a.out[a.pos:end]}
	a.pos = end
	return batch, nil
}

func (a *aggregateOp) aggregate(ctx context.Context) error {
	rows, err := drain(ctx, a.input)
	if err != nil {
		return err
	}
	inSchema := a.input.Schema()

	// Group rows, remembering first-seen order for deterministic output.
	groups := make(map[string][]value.Row)
	var keyOrder []string
	keyVals := make(map[string]value.Row)
	for _, row := range rows {
		keyRow := make(value.Row, len(a.groupBy))
		for i, g := range a.groupBy {
			v, err := evalExpr(g, row, inSchema)
			if err != nil {
				return err
			}
			keyRow[i] = v
		}
		key := string(keyRow.Encode())
		if _, ok := groups[key]; !ok {
			keyOrder = append(keyOrder, key)
			keyVals[key] = keyRow
		}
		groups[key] = append(groups[key], row)
	}

	// A global aggregate over zero rows still emits one row.
	if len(a.groupBy) == 0 && len(keyOrder) == 0 {
		keyOrder = append(keyOrder, "")
		keyVals[""] = value.Row{}
		groups[""] = nil
	}

	having := a.having
	if having != nil {
		having = rewriteAggRefs(having, a.aggs)
	}

	for _, key := range keyOrder {
		groupRows := groups[key]
		out := append(value.Row{}, keyVals[key]...)
		for _, item := range a.aggs {
			v, err := computeAggregate(item.Func, groupRows, inSchema)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		if having != nil {
			v, err := evalExpr(having, out, a.schema)
			if err != nil {
				return err
			}
			if !truthy(v) {
				continue
			}
		}
		a.out = append(a.out, out)
	}
	a.done = true
	return nil
}

// rewriteAggRefs replaces aggregate calls inside a HAVING expression with
// references to the already-computed aggregate columns.
func rewriteAggRefs(e ast.Expression, aggs []plan.AggItem) ast.Expression {
	if f, ok := e.(*ast.FuncCall); ok && f.IsAggregate() {
		for _, item := range aggs {
			if item.Func.String() == f.String() {
				return &ast.ColumnRef{Column: item.Name}
			}
		}
		return e
	}
	switch x := e.(type) {
	case *ast.BinaryExpr:
		return &ast.BinaryExpr{
			Op:    x.Op,
			Left:  rewriteAggRefs(x.Left, aggs),
			Right: rewriteAggRefs(x.Right, aggs),
		}
	case *ast.NotExpr:
		return &ast.NotExpr{Input: rewriteAggRefs(x.Input, aggs)}
	default:
		return e
	}
}

// windowOp appends window function columns. Each partition is fully
// materialized before any of its output rows is produced; the frame is
// always the whole partition.
type windowOp struct {
	input Operator
	items []plan.WindowItem
	batch func() int

	schema Schema
	out    []value.Row
	pos    int
	done   bool
}

func (w *windowOp) Init() error {
	if err := w.input.Init(); err != nil {
		return err
	}
	schema := append(Schema{}, w.input.Schema()...)
	for _, item := range w.items {
		schema = append(schema, Column{Name: item.Name})
	}
	w.schema = schema
	return nil
}

func (w *windowOp) Close() error   { return w.input.Close() }
func (w *windowOp) Schema() Schema { return w.schema }

func (w *windowOp) Next(ctx context.Context) (*Batch, error) {
	if !w.done {
		if err := w.compute(ctx); err != nil {
			return nil, err
		}
	}
	if w.pos >= len(w.out) {
		return nil, nil
	}
	end := w.pos + w.batch()
	if end > len(w.out) {
		end = len(w.out)
	}
	batch := &Batch{Rows: w.out[w.pos:end]}
	w.pos = end
	return batch, nil
}

func (w *windowOp) compute(ctx context.Context) error {
	rows, err := drain(ctx, w.input)
	if err != nil {
		return err
	}
	inSchema := w.input.Schema()

	// results[i][j] is item i's value for input row j.
	results := make([][]value.Value, len(w.items))
	for i, item := range w.items {
		vals, err := computeWindow(item.Expr, rows, inSchema)
		if err != nil {
			return err
		}
		results[i] = vals
	}

	w.out = make([]value.Row, len(rows))
	for j, row := range rows {
		out := append(value.Row{}, row...)
		for i := range w.items {
			out = append(out, results[i][j])
		}
		w.out[j] = out
	}
	w.done = true
	return nil
}

// computeWindow evaluates one window expression for every input row,
// returning values aligned with the input order.
func computeWindow(expr *ast.WindowExpr, rows []value.Row, schema Schema) ([]value.Value, error) {
	// Partition row indices by the PARTITION BY key.
	partitions := make(map[string][]int)
	var order []string
	for idx, row := range rows {
		keyRow := make(value.Row, len(expr.PartitionBy))
		for i, p := range expr.PartitionBy {
			v, err := evalExpr(p, row, schema)
			if err != nil {
				return nil, err
			}
			keyRow[i] = v
		}
		key := string(keyRow.Encode())
		if _, ok := partitions[key]; !ok {
			order = append(order, key)
		}
		partitions[key] = append(partitions[key], idx)
	}

	out := make([]value.Value, len(rows))
	for _, key := range order {
		part := partitions[key]
		if len(expr.OrderBy) > 0 {
			var sortErr error
			sort.SliceStable(part, func(a, b int) bool {
				for _, k := range expr.OrderBy {
					va, err := evalExpr(k.Expr, rows[part[a]], schema)
					if err != nil {
						sortErr = err
						return false
					}
					vb, err := evalExpr(k.Expr, rows[part[b]], schema)
					if err != nil {
						sortErr = err
						return false
					}
					cmp := compareForSort(va, vb)
					if cmp == 0 {
						continue
					}
					if k.Desc {
						return cmp > 0
					}
					return cmp < 0
				}
				return false
			})
			if sortErr != nil {
				return nil, sortErr
			}
		}
		if err := fillPartition(expr, rows, part, schema, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// fillPartition computes the window function over one ordered partition and
// writes each row's value into out at its original index.
func fillPartition(expr *ast.WindowExpr, rows []value.Row, part []int, schema Schema, out []value.Value) error {
	orderKey := func(i int) (value.Row, error) {
		key := make(value.Row, len(expr.OrderBy))
		for k, ob := range expr.OrderBy {
			v, err := evalExpr(ob.Expr, rows[part[i]], schema)
			if err != nil {
				return nil, err
			}
			key[k] = v
		}
		return key, nil
	}

	argAt := func(i int) (value.Value, error) {
		if len(expr.Args) == 0 {
			return value.Null(), fmt.Errorf("%s needs an argument", expr.Func)
		}
		return evalExpr(expr.Args[0], rows[part[i]], schema)
	}

	switch expr.Func {
	case ast.WinRowNumber:
		for i, idx := range part {
			out[idx] = value.NewInt(int64(i + 1))
		}
	case ast.WinRank, ast.WinDenseRank:
		rank, dense := int64(0), int64(0)
		var prev value.Row
		for i, idx := range part {
			key, err := orderKey(i)
			if err != nil {
				return err
			}
			if i == 0 || !sameKey(prev, key) {
				rank = int64(i + 1)
				dense++
				prev = key
			}
			if expr.Func == ast.WinRank {
				out[idx] = value.NewInt(rank)
			} else {
				out[idx] = value.NewInt(dense)
			}
		}
	case ast.WinLag, ast.WinLead:
		offset := expr.Offset
		if offset == 0 {
			offset = 1
		}
		for i, idx := range part {
			src := i - int(offset)
			if expr.Func == ast.WinLead {
				src = i + int(offset)
			}
			if src < 0 || src >= len(part) {
				out[idx] = value.Null()
				continue
			}
			v, err := argAt(src)
			if err != nil {
				return err
			}
			out[idx] = v
		}
	case ast.WinFirstValue, ast.WinLastValue:
		src := 0
		if expr.Func == ast.WinLastValue {
			src = len(part) - 1
		}
		v, err := argAt(src)
		if err != nil {
			return err
		}
		for _, idx := range part {
			out[idx] = v
		}
	case ast.WinAggregate:
		if expr.Agg == nil {
			return fmt.Errorf("window aggregate with no function")
		}
		partRows := make([]value.Row, len(part))
		for i, idx := range part {
			partRows[i] = rows[idx]
		}
		v, err := computeAggregate(expr.Agg, partRows, schema)
		if err != nil {
			return err
		}
		for _, idx := range part {
			out[idx] = v
		}
	default:
		return fmt.Errorf("unknown window function %s", expr.Func)
	}
	return nil
}

func sameKey(a, b value.Row) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].IsNull() && b[i].IsNull() {
			continue
		}
		if !a[i].Equals(b[i]) {
			return false
		}
	}
	return true
}

var (
	_ Operator = (*aggregateOp)(nil)
	_ Operator = (*windowOp)(nil)
)
