package ast

import (
	"fmt"
	"strings"

	"github.com/calyxdb/calyx/internal/value"
)

// Expression is a scalar expression over column references and literals.
type Expression interface {
	expr()
	String() string
}

// ColumnRef references a column, optionally qualified with a table name.
type ColumnRef struct {
	Table  string // "" when unqualified
	Column string
}

func (c *ColumnRef) expr() {}
func (c *ColumnRef) String() string {
	if c.Table != "" {
		return c.Table + "." + c.Column
	}
	return c.Column
}

// Literal is a constant value.
type Literal struct {
	Value value.Value
}

func (l *Literal) expr()          {}
func (l *Literal) String() string { return l.Value.String() }

// BinaryOp enumerates binary operators.
type BinaryOp int

const (
	OpEq BinaryOp = iota
	OpNotEq
	OpLt
	OpLtEq
	OpGt
	OpGtEq
	OpAnd
	OpOr
	OpAdd
	OpSub
	OpMul
	OpDiv
)

func (op BinaryOp) String() string {
	switch op {
	case OpEq:
		return "="
	case OpNotEq:
		return "!="
	case OpLt:
		return "<"
	case OpLtEq:
		return "<="
	case OpGt:
		return ">"
	case OpGtEq:
		return ">="
	case OpAnd:
		return "AND"
	case OpOr:
		return "OR"
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	default:
		return "?"
	}
}

// IsComparison reports whether the operator yields a boolean from two scalars.
func (op BinaryOp) IsComparison() bool {
	switch op {
	case OpEq, OpNotEq, OpLt, OpLtEq, OpGt, OpGtEq:
		return true
	}
	return false
}

// BinaryExpr applies a binary operator.
type BinaryExpr struct {
	Op    BinaryOp
	Left  Expression
	Right Expression
}

func (b *BinaryExpr) expr() {}
func (b *BinaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", b.Left, b.Op, b.Right)
}

// NotExpr negates a boolean expression.
type NotExpr struct {
	Input Expression
}

func (n *NotExpr) expr()          {}
func (n *NotExpr) String() string { return fmt.Sprintf("NOT %s", n.Input) }

// FuncCall is a scalar or aggregate function call.
type FuncCall struct {
	Name string // upper-cased by convention: COUNT, SUM, AVG, MIN, MAX, NOW, ...
	Args []Expression
	Star bool // COUNT(*)
}

func (f *FuncCall) expr() {}
func (f *FuncCall) String() string {
	if f.Star {
		return f.Name + "(*)"
	}
	args := make([]string, len(f.Args))
	for i, a := range f.Args {
		args[i] = a.String()
	}
	return f.Name + "(" + strings.Join(args, ", ") + ")"
}

// WindowFunc enumerates the supported window functions.
type WindowFunc int

const (
	WinRowNumber WindowFunc = iota
	WinRank
	WinDenseRank
	WinLag
	WinLead
	WinFirstValue
	WinLastValue
	WinAggregate // aggregate function evaluated over the partition
)

func (f WindowFunc) String() string {
	switch f {
	case WinRowNumber:
		return "ROW_NUMBER"
	case WinRank:
		return "RANK"
	case WinDenseRank:
		return "DENSE_RANK"
	case WinLag:
		return "LAG"
	case WinLead:
		return "LEAD"
	case WinFirstValue:
		return "FIRST_VALUE"
	case WinLastValue:
		return "LAST_VALUE"
	case WinAggregate:
		return "AGG_OVER"
	default:
		return "UNKNOWN"
	}
}

// WindowExpr is a window function call with its OVER clause. Only whole-
// partition frames are supported; explicit frame bounds are rejected at
// planning time.
type WindowExpr struct {
	Func        WindowFunc
	Agg         *FuncCall // set when Func == WinAggregate
	Args        []Expression
	Offset      int64 // LAG/LEAD offset, defaults to 1
	PartitionBy []Expression
	OrderBy     []OrderItem
}

func (w *WindowExpr) expr() {}
func (w *WindowExpr) String() string {
	name := w.Func.String()
	if w.Func == WinAggregate && w.Agg != nil {
		name = w.Agg.String()
	}
	return name + "() OVER (...)"
}

// aggregateFuncs is the closed set of aggregate function names.
var aggregateFuncs = map[string]bool{
	"COUNT": true,
	"SUM":   true,
	"AVG":   true,
	"MIN":   true,
	"MAX":   true,
}

// IsAggregate reports whether the call is an aggregate function.
func (f *FuncCall) IsAggregate() bool {
	return aggregateFuncs[strings.ToUpper(f.Name)]
}

// volatileFuncs yield different results on identical inputs, which makes a
// plan referencing them uncacheable.
var volatileFuncs = map[string]bool{
	"NOW":    true,
	"RANDOM": true,
}

// IsVolatile reports whether the call is a volatile function.
func (f *FuncCall) IsVolatile() bool {
	return volatileFuncs[strings.ToUpper(f.Name)]
}

// Columns collects every column reference in the expression tree.
func Columns(e Expression) []*ColumnRef {
	var out []*ColumnRef
	Walk(e, func(x Expression) {
		if c, ok := x.(*ColumnRef); ok {
			out = append(out, c)
		}
	})
	return out
}

// Walk visits every node of the expression tree in prefix order.
func Walk(e Expression, fn func(Expression)) {
	if e == nil {
		return
	}
	fn(e)
	switch x := e.(type) {
	case *BinaryExpr:
		Walk(x.Left, fn)
		Walk(x.Right, fn)
	case *NotExpr:
		Walk(x.Input, fn)
	case *FuncCall:
		for _, a := range x.Args {
			Walk(a, fn)
		}
	case *WindowExpr:
		for _, a := range x.Args {
			Walk(a, fn)
		}
		for _, p := range x.PartitionBy {
			Walk(p, fn)
		}
		for _, o := range x.OrderBy {
			Walk(o.Expr, fn)
		}
		if x.Agg != nil {
			Walk(x.Agg, fn)
		}
	}
}
