package optimizer

import (
	"time"

	"github.com/calyxdb/calyx/internal/ast"
	"github.com/calyxdb/calyx/internal/plan"
)

// Confidence assigned to each alternative's cost estimate. Structural
// rewrites the estimator models well score higher than reorderings whose
// benefit depends on data the statistics may not capture.
const (
	confIndexScan = 0.85
	confHashJoin  = 0.80
	confMergeJoin = 0.70
	confJoinSwap  = 0.70
)

// generateAlternatives produces plan variants of the rewritten tree, capped
// at max. Each variant changes exactly one thing relative to the input.
func (o *Optimizer) generateAlternatives(root plan.Node, max int, deadline time.Time) []candidate {
	var alts []candidate
	full := func() bool {
		return len(alts) >= max || !time.Now().Before(deadline)
	}

	// Hash and merge variants for each equi-join.
	joins := countMatching(root, isEquiJoin)
	for i := 0; i < joins && !full(); i++ {
		alts = append(alts, candidate{
			root:       transformNth(root, i, isEquiJoin, setAlgo(plan.JoinHash)),
			confidence: confHashJoin,
		})
		if full() {
			break
		}
		alts = append(alts, candidate{
			root:       transformNth(root, i, isEquiJoin, setAlgo(plan.JoinMerge)),
			confidence: confMergeJoin,
		})
	}

	// Input swap for inner joins over at most two tables. Larger shapes
	// need real join-order search, which is out of this optimizer's reach.
	if !full() && len(plan.Tables(root)) <= 2 {
		swaps := countMatching(root, o.isSwappableJoin)
		for i := 0; i < swaps && !full(); i++ {
			alts = append(alts, candidate{
				root:       transformNth(root, i, o.isSwappableJoin, o.swapJoin),
				confidence: confJoinSwap,
			})
		}
	}

	// Index scans for filtered sequential scans with a usable index.
	scans := countMatching(root, o.indexableScan)
	for i := 0; i < scans && !full(); i++ {
		alts = append(alts, candidate{
			root:       transformNth(root, i, o.indexableScan, o.substituteIndexScan),
			confidence: confIndexScan,
		})
	}
	return alts
}

func isEquiJoin(n plan.Node) bool {
	j, ok := n.(*plan.Join)
	if !ok || j.On == nil {
		return false
	}
	b, ok := j.On.(*ast.BinaryExpr)
	if !ok || b.Op != ast.OpEq {
		return false
	}
	_, lok := b.Left.(*ast.ColumnRef)
	_, rok := b.Right.(*ast.ColumnRef)
	return lok && rok
}

func setAlgo(algo plan.JoinAlgo) func(plan.Node) plan.Node {
	return func(n plan.Node) plan.Node {
		j := n.(*plan.Join)
		j.Algo = algo
		return j
	}
}

// isSwappableJoin matches inner joins whose output columns the optimizer can
// reconstruct: both inputs must read exactly one catalog-known table each, so
// a projection above the swapped join can restore the original column order.
func (o *Optimizer) isSwappableJoin(n plan.Node) bool {
	j, ok := n.(*plan.Join)
	if !ok || j.Type != ast.JoinInner {
		return false
	}
	_, _, ok = o.joinOutputColumns(j)
	return ok
}

// swapJoin exchanges the join inputs and wraps the result in a projection
// that restores the pre-swap column order, so the variant is interchangeable
// with the original.
func (o *Optimizer) swapJoin(n plan.Node) plan.Node {
	j := n.(*plan.Join)
	exprs, names, ok := o.joinOutputColumns(j)
	if !ok {
		return j
	}
	j.Left, j.Right = j.Right, j.Left
	return &plan.Project{Input: j, Exprs: exprs, Names: names}
}

// joinOutputColumns lists the join's output columns in left-then-right order
// as qualified references, which resolve the same against either input order.
func (o *Optimizer) joinOutputColumns(j *plan.Join) ([]ast.Expression, []string, bool) {
	var exprs []ast.Expression
	var names []string
	for _, side := range []plan.Node{j.Left, j.Right} {
		tables := plan.Tables(side)
		if len(tables) != 1 {
			return nil, nil, false
		}
		cols, err := o.catalog.GetColumns(tables[0])
		if err != nil {
			return nil, nil, false
		}
		for _, c := range cols {
			exprs = append(exprs, &ast.ColumnRef{Table: tables[0], Column: c.Name})
			names = append(names, c.Name)
		}
	}
	return exprs, names, true
}

// indexableScan matches a sequential scan whose filter has an equality
// conjunct on an indexed column.
func (o *Optimizer) indexableScan(n plan.Node) bool {
	scan, ok := n.(*plan.SeqScan)
	if !ok || scan.Filter == nil {
		return false
	}
	col, _, found := indexableConjunct(scan)
	if !found {
		return false
	}
	return o.hasIndexOn(scan.Table, col)
}

// substituteIndexScan replaces the scan with an index lookup plus a residual
// filter for the remaining conjuncts.
func (o *Optimizer) substituteIndexScan(n plan.Node) plan.Node {
	scan := n.(*plan.SeqScan)
	col, lit, _ := indexableConjunct(scan)
	idxName, _ := o.indexNameOn(scan.Table, col)

	var out plan.Node = &plan.IndexScan{
		Table:  scan.Table,
		Index:  idxName,
		Column: col,
		Equal:  lit,
	}
	if residual := residualFilter(scan.Filter, col, lit); residual != nil {
		out = &plan.Filter{Input: out, Predicate: residual}
	}
	return out
}

// indexableConjunct finds the first `column = literal` conjunct of the
// scan's filter.
func indexableConjunct(scan *plan.SeqScan) (string, ast.Expression, bool) {
	for _, conj := range splitAnd(scan.Filter) {
		b, ok := conj.(*ast.BinaryExpr)
		if !ok || b.Op != ast.OpEq {
			continue
		}
		if ref, lit, ok := refAndLiteral(b); ok {
			if ref.Table == "" || ref.Table == scan.Table {
				return ref.Column, lit, true
			}
		}
	}
	return "", nil, false
}

func refAndLiteral(b *ast.BinaryExpr) (*ast.ColumnRef, ast.Expression, bool) {
	if ref, ok := b.Left.(*ast.ColumnRef); ok {
		if _, ok := b.Right.(*ast.Literal); ok {
			return ref, b.Right, true
		}
	}
	if ref, ok := b.Right.(*ast.ColumnRef); ok {
		if _, ok := b.Left.(*ast.Literal); ok {
			return ref, b.Left, true
		}
	}
	return nil, nil, false
}

// residualFilter rebuilds the filter minus the conjunct the index consumed.
func residualFilter(filter ast.Expression, col string, lit ast.Expression) ast.Expression {
	var rest []ast.Expression
	consumed := false
	for _, conj := range splitAnd(filter) {
		if !consumed {
			if b, ok := conj.(*ast.BinaryExpr); ok && b.Op == ast.OpEq {
				if ref, l, ok := refAndLiteral(b); ok && ref.Column == col && l == lit {
					consumed = true
					continue
				}
			}
		}
		rest = append(rest, conj)
	}
	return conjoinAll(rest)
}

func (o *Optimizer) hasIndexOn(table, col string) bool {
	_, ok := o.indexNameOn(table, col)
	return ok
}

func (o *Optimizer) indexNameOn(table, col string) (string, bool) {
	idxs, err := o.catalog.GetIndexes(table)
	if err != nil {
		return "", false
	}
	for _, idx := range idxs {
		if len(idx.Columns) > 0 && idx.Columns[0] == col {
			return idx.Name, true
		}
	}
	return "", false
}

// countMatching counts nodes of the tree satisfying match.
func countMatching(root plan.Node, match func(plan.Node) bool) int {
	n := 0
	plan.Walk(root, func(x plan.Node) {
		if match(x) {
			n++
		}
	})
	return n
}

// transformNth clones the tree and applies tf to the nth node (prefix order)
// satisfying match.
func transformNth(root plan.Node, nth int, match func(plan.Node) bool, tf func(plan.Node) plan.Node) plan.Node {
	seen := 0
	var visit func(n plan.Node) plan.Node
	visit = func(n plan.Node) plan.Node {
		if match(n) {
			if seen == nth {
				seen++
				return tf(n)
			}
			seen++
		}
		rewriteChildren(n, func(c plan.Node) (plan.Node, bool) {
			return visit(c), false
		})
		return n
	}
	return visit(root.Clone())
}
