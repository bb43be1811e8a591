package plan

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/calyxdb/calyx/internal/ast"
	"github.com/calyxdb/calyx/internal/catalog"
)

// ExecMode selects how the executor runs the plan.
type ExecMode int

const (
	// ModeSequential runs operators strictly pull-based with no runtime
	// adjustment.
	ModeSequential ExecMode = iota
	// ModeAdaptive samples progress at fixed intervals and may adjust
	// execution hints for the remaining work.
	ModeAdaptive
)

func (m ExecMode) String() string {
	if m == ModeAdaptive {
		return "adaptive"
	}
	return "sequential"
}

// Hints are the execution parameters the adaptive layer may tune at runtime.
// They never change what a plan computes, only how.
type Hints struct {
	BatchSize    int
	ParallelScan bool
	// SampleEveryBatches is the adaptive sampling interval, 0 to disable.
	SampleEveryBatches int
}

// DefaultHints returns the executor's stock tuning parameters.
func DefaultHints() Hints {
	return Hints{BatchSize: 128, SampleEveryBatches: 8}
}

// Tree is a complete plan: the operator tree plus its estimated cost and the
// execution parameters chosen for it.
type Tree struct {
	Root      Node
	Cost      CostEstimate
	Mode      ExecMode
	Hints     Hints
	Optimized bool
}

// Clone deep-copies the tree.
func (t *Tree) Clone() *Tree {
	c := *t
	c.Root = t.Root.Clone()
	return &c
}

// Explain renders the tree one node per line, children indented under their
// parent.
func (t *Tree) Explain() string {
	var b strings.Builder
	fmt.Fprintf(&b, "plan mode=%s cost=%.2f rows=%d\n", t.Mode, t.Cost.Total, t.Cost.Rows)
	explainNode(&b, t.Root, 0)
	return b.String()
}

// String renders the tree like Explain.
func (t *Tree) String() string { return t.Explain() }

func explainNode(b *strings.Builder, n Node, depth int) {
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString(n.Label())
	b.WriteByte('\n')
	for _, c := range n.Children() {
		explainNode(b, c, depth+1)
	}
}

// Fingerprint identifies the plan's structure. Two plans with the same
// fingerprint compute the same result the same way.
func (t *Tree) Fingerprint() uint64 {
	var b strings.Builder
	explainNode(&b, t.Root, 0)
	return xxhash.Sum64String(b.String())
}

// Cacheable reports whether the plan may be reused across executions. Plans
// referencing volatile functions must be rebuilt each time.
func (t *Tree) Cacheable() bool {
	cacheable := true
	Walk(t.Root, func(n Node) {
		for _, e := range nodeExprs(n) {
			ast.Walk(e, func(x ast.Expression) {
				if f, ok := x.(*ast.FuncCall); ok && f.IsVolatile() {
					cacheable = false
				}
			})
		}
	})
	return cacheable
}

func nodeExprs(n Node) []ast.Expression {
	switch x := n.(type) {
	case *SeqScan:
		if x.Filter != nil {
			return []ast.Expression{x.Filter}
		}
	case *IndexScan:
		return []ast.Expression{x.Equal}
	case *Filter:
		return []ast.Expression{x.Predicate}
	case *Project:
		return x.Exprs
	case *Join:
		if x.On != nil {
			return []ast.Expression{x.On}
		}
	case *Aggregate:
		out := append([]ast.Expression(nil), x.GroupBy...)
		for _, a := range x.Aggs {
			out = append(out, a.Func)
		}
		if x.Having != nil {
			out = append(out, x.Having)
		}
		return out
	case *Window:
		out := make([]ast.Expression, 0, len(x.Items))
		for _, w := range x.Items {
			out = append(out, w.Expr)
		}
		return out
	case *Sort:
		out := make([]ast.Expression, 0, len(x.Keys))
		for _, k := range x.Keys {
			out = append(out, k.Expr)
		}
		return out
	}
	return nil
}

// Validate checks structural plan invariants: every referenced table exists,
// no operator is missing an input, and join conditions only reference
// columns produced by their own subtrees.
func Validate(root Node, cat catalog.Catalog) error {
	if root == nil {
		return fmt.Errorf("plan has no root")
	}
	var err error
	Walk(root, func(n Node) {
		if err != nil {
			return
		}
		for _, c := range n.Children() {
			if c == nil {
				err = fmt.Errorf("%s has a nil input", n.Label())
				return
			}
		}
		switch x := n.(type) {
		case *SeqScan:
			if !cat.TableExists(x.Table) {
				err = fmt.Errorf("scan of unknown table %q", x.Table)
			}
		case *IndexScan:
			if !cat.TableExists(x.Table) {
				err = fmt.Errorf("index scan of unknown table %q", x.Table)
			}
		case *Join:
			if x.On != nil {
				err = validateJoinRefs(x)
			}
		}
	})
	return err
}

// validateJoinRefs verifies that every qualified column in the join
// condition names a table scanned somewhere beneath the join.
func validateJoinRefs(j *Join) error {
	available := make(map[string]bool)
	for _, t := range Tables(j) {
		available[t] = true
	}
	for _, ref := range ast.Columns(j.On) {
		if ref.Table != "" && !available[ref.Table] {
			return fmt.Errorf("join condition references %s outside its subtree", ref)
		}
	}
	return nil
}
