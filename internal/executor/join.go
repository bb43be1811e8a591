package executor

import (
	"context"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/calyxdb/calyx/internal/ast"
	"github.com/calyxdb/calyx/internal/value"
)

func joinedSchema(left, right Operator) Schema {
	schema := make(Schema, 0, len(left.Schema())+len(right.Schema()))
	schema = append(schema, left.Schema()...)
	return append(schema, right.Schema()...)
}

func combineRows(left, right value.Row) value.Row {
	out := make(value.Row, 0, len(left)+len(right))
	out = append(out, left...)
	return append(out, right...)
}

func nullPad(width int) value.Row {
	row := make(value.Row, width)
	for i := range row {
		row[i] = value.Null()
	}
	return row
}

func drain(ctx context.Context, op Operator) ([]value.Row, error) {
	var rows []value.Row
	for {
		batch, err := op.Next(ctx)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return rows, nil
		}
		rows = append(rows, batch.Rows...)
	}
}

// nestedLoopJoin compares every left row against every right row. It handles
// inner, left outer and cross joins; a left row matching nothing is padded
// with NULLs for the right side.
type nestedLoopJoin struct {
	left, right Operator
	joinType    ast.JoinType
	on          ast.Expression
	batch       func() int

	schema    Schema
	leftRows  []value.Row
	rightRows []value.Row
	i, j      int
	matched   bool
	loaded    bool
}

func (n *nestedLoopJoin) Init() error {
	if err := n.left.Init(); err != nil {
		return err
	}
	if err := n.right.Init(); err != nil {
		return err
	}
	n.schema = joinedSchema(n.left, n.right)
	return nil
}

func (n *nestedLoopJoin) Close() error {
	lerr := n.left.Close()
	rerr := n.right.Close()
	if lerr != nil {
		return lerr
	}
	return rerr
}

func (n *nestedLoopJoin) Schema() Schema { return n.schema }

func (n *nestedLoopJoin) Next(ctx context.Context) (*Batch, error) {
	if !n.loaded {
		var err error
		if n.leftRows, err = drain(ctx, n.left); err != nil {
			return nil, err
		}
		if n.rightRows, err = drain(ctx, n.right); err != nil {
			return nil, err
		}
		n.loaded = true
	}

	var out []value.Row
	limit := n.batch()
	for n.i < len(n.leftRows) && len(out) < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		leftRow := n.leftRows[n.i]

		for n.j < len(n.rightRows) && len(out) < limit {
			rightRow := n.rightRows[n.j]
			n.j++
			combined := combineRows(leftRow, rightRow)
			if n.on != nil {
				v, err := evalExpr(n.on, combined, n.schema)
				if err != nil {
					return nil, err
				}
				if !truthy(v) {
					continue
				}
			}
			n.matched = true
			out = append(out, combined)
		}
		if n.j < len(n.rightRows) {
			break // batch full mid-row
		}

		if !n.matched && n.joinType == ast.JoinLeft {
			out = append(out, combineRows(leftRow, nullPad(len(n.right.Schema()))))
		}
		n.i++
		n.j = 0
		n.matched = false
	}

	if len(out) == 0 {
		return nil, nil
	}
	return &Batch{Rows: out}, nil
}

// equiJoinKeys resolves which side of an equality condition belongs to which
// input.
func equiJoinKeys(on ast.Expression, left, right Schema) (leftIdx, rightIdx int, err error) {
	b, ok := on.(*ast.BinaryExpr)
	if !ok || b.Op != ast.OpEq {
		return 0, 0, fmt.Errorf("join condition %s is not an equality", on)
	}
	lref, ok := b.Left.(*ast.ColumnRef)
	if !ok {
		return 0, 0, fmt.Errorf("join condition %s is not column = column", on)
	}
	rref, ok := b.Right.(*ast.ColumnRef)
	if !ok {
		return 0, 0, fmt.Errorf("join condition %s is not column = column", on)
	}

	if i, lerr := left.Resolve(lref); lerr == nil {
		j, rerr := right.Resolve(rref)
		if rerr != nil {
			return 0, 0, rerr
		}
		return i, j, nil
	}
	// The condition was written right = left.
	i, err := left.Resolve(rref)
	if err != nil {
		return 0, 0, err
	}
	j, err := right.Resolve(lref)
	if err != nil {
		return 0, 0, err
	}
	return i, j, nil
}

func hashKey(v value.Value) uint64 {
	return xxhash.Sum64(value.Row{v}.Encode())
}

// hashJoin builds a hash table over one input and probes it with the rows of
// the other. Only equality conditions reach this operator.
type hashJoin struct {
	left, right Operator
	joinType    ast.JoinType
	on          ast.Expression
	batch       func() int
	// buildLeft selects the left input as the build side. LEFT joins always
	// build on the right so unmatched probe rows can be padded.
	buildLeft bool

	schema    Schema
	leftIdx   int
	rightIdx  int
	table     map[uint64][]value.Row
	probeRows []value.Row
	pos       int
}

func (h *hashJoin) Init() error {
	if err := h.left.Init(); err != nil {
		return err
	}
	if err := h.right.Init(); err != nil {
		return err
	}
	h.schema = joinedSchema(h.left, h.right)

	var err error
	h.leftIdx, h.rightIdx, err = equiJoinKeys(h.on, h.left.Schema(), h.right.Schema())
	return err
}

func (h *hashJoin) Close() error {
	lerr := h.left.Close()
	rerr := h.right.Close()
	if lerr != nil {
		return lerr
	}
	return rerr
}

func (h *hashJoin) Schema() Schema { return h.schema }

func (h *hashJoin) Next(ctx context.Context) (*Batch, error) {
	buildIdx, probeIdx := h.rightIdx, h.leftIdx
	buildOp, probeOp := h.right, h.left
	if h.buildLeft {
		buildIdx, probeIdx = h.leftIdx, h.rightIdx
		buildOp, probeOp = h.left, h.right
	}

	if h.table == nil {
		buildRows, err := drain(ctx, buildOp)
		if err != nil {
			return nil, err
		}
		h.table = make(map[uint64][]value.Row, len(buildRows))
		for _, row := range buildRows {
			key := row[buildIdx]
			if key.IsNull() {
				continue // NULL joins nothing
			}
			hk := hashKey(key)
			h.table[hk] = append(h.table[hk], row)
		}
		if h.probeRows, err = drain(ctx, probeOp); err != nil {
			return nil, err
		}
	}

	var out []value.Row
	limit := h.batch()
	for h.pos < len(h.probeRows) && len(out) < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		probeRow := h.probeRows[h.pos]
		h.pos++

		matched := false
		key := probeRow[probeIdx]
		if !key.IsNull() {
			for _, buildRow := range h.table[hashKey(key)] {
				// Re-check equality: hash buckets may collide.
				if key.Equals(buildRow[buildIdx]) {
					matched = true
					// Output columns stay in left-then-right order
					// regardless of the build side.
					if h.buildLeft {
						out = append(out, combineRows(buildRow, probeRow))
					} else {
						out = append(out, combineRows(probeRow, buildRow))
					}
				}
			}
		}
		if !matched && h.joinType == ast.JoinLeft {
			out = append(out, combineRows(probeRow, nullPad(len(h.right.Schema()))))
		}
	}

	if len(out) == 0 {
		return nil, nil
	}
	return &Batch{Rows: out}, nil
}

// mergeJoin sorts both inputs on the join key and merges matching groups.
type mergeJoin struct {
	left, right Operator
	joinType    ast.JoinType
	on          ast.Expression
	batch       func() int

	schema Schema
	out    []value.Row
	pos    int
	done   bool
}

func (m *mergeJoin) Init() error {
	if err := m.left.Init(); err != nil {
		return err
	}
	if err := m.right.Init(); err != nil {
		return err
	}
	m.schema = joinedSchema(m.left, m.right)
	return nil
}

func (m *mergeJoin) Close() error {
	lerr := m.left.Close()
	rerr := m.right.Close()
	if lerr != nil {
		return lerr
	}
	return rerr
}

func (m *mergeJoin) Schema() Schema { return m.schema }

func (m *mergeJoin) Next(ctx context.Context) (*Batch, error) {
	if !m.done {
		if err := m.merge(ctx); err != nil {
			return nil, err
		}
	}
	if m.pos >= len(m.out) {
		return nil, nil
	}
	end := m.pos + m.batch()
	if end > len(m.out) {
		end = len(m.out)
	}
	batch := &Batch{Rows: m.out[m.pos:end]}
	m.pos = end
	return batch, nil
}

func (m *mergeJoin) merge(ctx context.Context) error {
	leftIdx, rightIdx, err := equiJoinKeys(m.on, m.left.Schema(), m.right.Schema())
	if err != nil {
		return err
	}
	leftRows, err := drain(ctx, m.left)
	if err != nil {
		return err
	}
	rightRows, err := drain(ctx, m.right)
	if err != nil {
		return err
	}

	sort.SliceStable(leftRows, func(i, j int) bool {
		return compareForSort(leftRows[i][leftIdx], leftRows[j][leftIdx]) < 0
	})
	sort.SliceStable(rightRows, func(i, j int) bool {
		return compareForSort(rightRows[i][rightIdx], rightRows[j][rightIdx]) < 0
	})

	i, j := 0, 0
	for i < len(leftRows) {
		if err := ctx.Err(); err != nil {
			return err
		}
		lkey := leftRows[i][leftIdx]
		if lkey.IsNull() {
			if m.joinType == ast.JoinLeft {
				m.out = append(m.out, combineRows(leftRows[i], nullPad(len(m.right.Schema()))))
			}
			i++
			continue
		}

		for j < len(rightRows) && compareForSort(rightRows[j][rightIdx], lkey) < 0 {
			j++
		}
		// Collect the group of right rows equal to lkey.
		groupEnd := j
		for groupEnd < len(rightRows) && lkey.Equals(rightRows[groupEnd][rightIdx]) {
			groupEnd++
		}

		if groupEnd == j {
			if m.joinType == ast.JoinLeft {
				m.out = append(m.out, combineRows(leftRows[i], nullPad(len(m.right.Schema()))))
			}
			i++
			continue
		}
		for _, rightRow := range rightRows[j:groupEnd] {
			m.out = append(m.out, combineRows(leftRows[i], rightRow))
		}
		i++
	}
	m.done = true
	return nil
}

var (
	_ Operator = (*nestedLoopJoin)(nil)
	_ Operator = (*hashJoin)(nil)
	_ Operator = (*mergeJoin)(nil)
)
