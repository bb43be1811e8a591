// Package plan defines the immutable query plan tree shared by the planner,
// optimizer and executor. Rewrites never mutate a tree in place; they build
// a modified copy via Clone.
package plan

import (
	"fmt"
	"strings"

	"github.com/calyxdb/calyx/internal/ast"
)

// Node is one operator of a plan tree.
type Node interface {
	Children() []Node
	// Clone deep-copies the node and its subtree. Expression values are
	// shared and read-only once planned; a rewrite that changes one
	// replaces the slice element in its own copy.
	Clone() Node
	// Label renders the node itself, without its subtree.
	Label() string
}

// SeqScan reads every visible row of a table.
type SeqScan struct {
	Table string
	// Filter is a pushed-down predicate evaluated during the scan,
	// nil when the scan is unfiltered.
	Filter ast.Expression
}

func (n *SeqScan) Children() []Node { return nil }
func (n *SeqScan) Clone() Node      { c := *n; return &c }
func (n *SeqScan) Label() string {
	if n.Filter != nil {
		return fmt.Sprintf("SeqScan(%s, filter=%s)", n.Table, n.Filter)
	}
	return fmt.Sprintf("SeqScan(%s)", n.Table)
}

// IndexScan reads rows through an index on an equality predicate.
type IndexScan struct {
	Table  string
	Index  string
	Column string
	// Equal is the literal the indexed column must equal.
	Equal ast.Expression
}

func (n *IndexScan) Children() []Node { return nil }
func (n *IndexScan) Clone() Node      { c := *n; return &c }
func (n *IndexScan) Label() string {
	return fmt.Sprintf("IndexScan(%s.%s via %s = %s)", n.Table, n.Column, n.Index, n.Equal)
}

// Filter drops rows not satisfying the predicate.
type Filter struct {
	Input     Node
	Predicate ast.Expression
}

func (n *Filter) Children() []Node { return []Node{n.Input} }
func (n *Filter) Clone() Node      { c := *n; c.Input = n.Input.Clone(); return &c }
func (n *Filter) Label() string    { return fmt.Sprintf("Filter(%s)", n.Predicate) }

// Project computes the output expressions.
type Project struct {
	Input Node
	Exprs []ast.Expression
	Names []string
	// Star marks a pass-through projection of every input column.
	Star bool
}

func (n *Project) Children() []Node { return []Node{n.Input} }

// Clone copies the expression slice as well: constant folding replaces
// elements in place, and that must never reach the original tree.
func (n *Project) Clone() Node {
	c := *n
	c.Input = n.Input.Clone()
	c.Exprs = append([]ast.Expression(nil), n.Exprs...)
	c.Names = append([]string(nil), n.Names...)
	return &c
}
func (n *Project) Label() string {
	if n.Star {
		return "Project(*)"
	}
	parts := make([]string, len(n.Exprs))
	for i, e := range n.Exprs {
		parts[i] = e.String()
	}
	return fmt.Sprintf("Project(%s)", strings.Join(parts, ", "))
}

// JoinAlgo selects the physical join algorithm.
type JoinAlgo int

const (
	JoinNestedLoop JoinAlgo = iota
	JoinHash
	JoinMerge
)

func (a JoinAlgo) String() string {
	switch a {
	case JoinNestedLoop:
		return "NestedLoop"
	case JoinHash:
		return "Hash"
	case JoinMerge:
		return "Merge"
	default:
		return "Unknown"
	}
}

// Join combines two inputs on a condition.
type Join struct {
	Left  Node
	Right Node
	Type  ast.JoinType
	Algo  JoinAlgo
	On    ast.Expression // nil for cross joins
}

func (n *Join) Children() []Node { return []Node{n.Left, n.Right} }
func (n *Join) Clone() Node {
	c := *n
	c.Left = n.Left.Clone()
	c.Right = n.Right.Clone()
	return &c
}
func (n *Join) Label() string {
	if n.On != nil {
		return fmt.Sprintf("%sJoin[%s](%s)", n.Type, n.Algo, n.On)
	}
	return fmt.Sprintf("%sJoin[%s]", n.Type, n.Algo)
}

// AggItem is one aggregate of the output row.
type AggItem struct {
	Func *ast.FuncCall
	Name string
}

// Aggregate groups rows and computes aggregates per group.
type Aggregate struct {
	Input   Node
	GroupBy []ast.Expression
	Aggs    []AggItem
	Having  ast.Expression // nil when absent
}

func (n *Aggregate) Children() []Node { return []Node{n.Input} }
func (n *Aggregate) Clone() Node      { c := *n; c.Input = n.Input.Clone(); return &c }
func (n *Aggregate) Label() string {
	parts := make([]string, len(n.Aggs))
	for i, a := range n.Aggs {
		parts[i] = a.Func.String()
	}
	if len(n.GroupBy) == 0 {
		return fmt.Sprintf("Aggregate(%s)", strings.Join(parts, ", "))
	}
	keys := make([]string, len(n.GroupBy))
	for i, g := range n.GroupBy {
		keys[i] = g.String()
	}
	return fmt.Sprintf("Aggregate(%s by %s)", strings.Join(parts, ", "), strings.Join(keys, ", "))
}

// WindowItem is one window function column.
type WindowItem struct {
	Expr *ast.WindowExpr
	Name string
}

// Window appends window function columns. Partitions are materialized before
// any output row of the partition is produced.
type Window struct {
	Input Node
	Items []WindowItem
}

func (n *Window) Children() []Node { return []Node{n.Input} }
func (n *Window) Clone() Node      { c := *n; c.Input = n.Input.Clone(); return &c }
func (n *Window) Label() string {
	parts := make([]string, len(n.Items))
	for i, w := range n.Items {
		parts[i] = w.Expr.String()
	}
	return fmt.Sprintf("Window(%s)", strings.Join(parts, ", "))
}

// Sort orders the input by the given keys.
type Sort struct {
	Input Node
	Keys  []ast.OrderItem
}

func (n *Sort) Children() []Node { return []Node{n.Input} }
func (n *Sort) Clone() Node      { c := *n; c.Input = n.Input.Clone(); return &c }
func (n *Sort) Label() string {
	parts := make([]string, len(n.Keys))
	for i, k := range n.Keys {
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		parts[i] = k.Expr.String() + " " + dir
	}
	return fmt.Sprintf("Sort(%s)", strings.Join(parts, ", "))
}

// Limit truncates the input after Offset+Count rows.
type Limit struct {
	Input  Node
	Count  int64
	Offset int64
}

func (n *Limit) Children() []Node { return []Node{n.Input} }
func (n *Limit) Clone() Node      { c := *n; c.Input = n.Input.Clone(); return &c }
func (n *Limit) Label() string {
	if n.Offset > 0 {
		return fmt.Sprintf("Limit(%d offset %d)", n.Count, n.Offset)
	}
	return fmt.Sprintf("Limit(%d)", n.Count)
}

var (
	_ Node = (*SeqScan)(nil)
	_ Node = (*IndexScan)(nil)
	_ Node = (*Filter)(nil)
	_ Node = (*Project)(nil)
	_ Node = (*Join)(nil)
	_ Node = (*Aggregate)(nil)
	_ Node = (*Window)(nil)
	_ Node = (*Sort)(nil)
	_ Node = (*Limit)(nil)
)

// Walk visits the tree in prefix order.
func Walk(n Node, fn func(Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range n.Children() {
		Walk(c, fn)
	}
}

// Tables collects the table names scanned anywhere in the subtree.
func Tables(n Node) []string {
	var out []string
	Walk(n, func(x Node) {
		switch s := x.(type) {
		case *SeqScan:
			out = append(out, s.Table)
		case *IndexScan:
			out = append(out, s.Table)
		}
	})
	return out
}
