package executor

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/calyxdb/calyx/internal/ast"
	"github.com/calyxdb/calyx/internal/value"
)

// Eval evaluates a scalar expression against a row. It is the entry point
// for expressions outside a query pipeline, such as INSERT values and UPDATE
// assignments; pass an empty row and schema for constant expressions.
func Eval(e ast.Expression, row value.Row, schema Schema) (value.Value, error) {
	return evalExpr(e, row, schema)
}

// evalExpr evaluates a scalar expression against one row. Comparisons and
// logic follow SQL three-valued semantics: anything involving NULL is NULL,
// and a NULL predicate does not pass a filter.
func evalExpr(e ast.Expression, row value.Row, schema Schema) (value.Value, error) {
	switch x := e.(type) {
	case *ast.Literal:
		return x.Value, nil
	case *ast.ColumnRef:
		i, err := schema.Resolve(x)
		if err != nil {
			return value.Null(), err
		}
		return row[i], nil
	case *ast.BinaryExpr:
		return evalBinary(x, row, schema)
	case *ast.NotExpr:
		v, err := evalExpr(x.Input, row, schema)
		if err != nil || v.IsNull() {
			return v, err
		}
		b, err := asBool(v)
		if err != nil {
			return value.Null(), err
		}
		return value.NewBool(!b), nil
	case *ast.FuncCall:
		return evalFunc(x, row, schema)
	case *ast.WindowExpr:
		return value.Null(), fmt.Errorf("window expression outside window operator")
	default:
		return value.Null(), fmt.Errorf("cannot evaluate expression %s", e)
	}
}

func evalBinary(b *ast.BinaryExpr, row value.Row, schema Schema) (value.Value, error) {
	// AND and OR short-circuit around NULL per three-valued logic.
	if b.Op == ast.OpAnd || b.Op == ast.OpOr {
		return evalLogic(b, row, schema)
	}

	left, err := evalExpr(b.Left, row, schema)
	if err != nil {
		return value.Null(), err
	}
	right, err := evalExpr(b.Right, row, schema)
	if err != nil {
		return value.Null(), err
	}

	switch b.Op {
	case ast.OpAdd:
		return left.Add(right)
	case ast.OpSub:
		return left.Sub(right)
	case ast.OpMul:
		return left.Mul(right)
	case ast.OpDiv:
		return left.Div(right)
	}

	if left.IsNull() || right.IsNull() {
		return value.Null(), nil
	}
	cmp, err := left.Compare(right)
	if err != nil {
		return value.Null(), err
	}
	switch b.Op {
	case ast.OpEq:
		return value.NewBool(cmp == 0), nil
	case ast.OpNotEq:
		return value.NewBool(cmp != 0), nil
	case ast.OpLt:
		return value.NewBool(cmp < 0), nil
	case ast.OpLtEq:
		return value.NewBool(cmp <= 0), nil
	case ast.OpGt:
		return value.NewBool(cmp > 0), nil
	case ast.OpGtEq:
		return value.NewBool(cmp >= 0), nil
	default:
		return value.Null(), fmt.Errorf("unknown operator %s", b.Op)
	}
}

func evalLogic(b *ast.BinaryExpr, row value.Row, schema Schema) (value.Value, error) {
	left, err := evalExpr(b.Left, row, schema)
	if err != nil {
		return value.Null(), err
	}
	lv, lNull, err := boolOrNull(left)
	if err != nil {
		return value.Null(), err
	}
	// false AND x is false, true OR x is true, regardless of x.
	if !lNull {
		if b.Op == ast.OpAnd && !lv {
			return value.NewBool(false), nil
		}
		if b.Op == ast.OpOr && lv {
			return value.NewBool(true), nil
		}
	}

	right, err := evalExpr(b.Right, row, schema)
	if err != nil {
		return value.Null(), err
	}
	rv, rNull, err := boolOrNull(right)
	if err != nil {
		return value.Null(), err
	}
	if !rNull {
		if b.Op == ast.OpAnd && !rv {
			return value.NewBool(false), nil
		}
		if b.Op == ast.OpOr && rv {
			return value.NewBool(true), nil
		}
	}
	if lNull || rNull {
		return value.Null(), nil
	}
	if b.Op == ast.OpAnd {
		return value.NewBool(lv && rv), nil
	}
	return value.NewBool(lv || rv), nil
}

func asBool(v value.Value) (bool, error) {
	if v.Kind() != value.KindBool {
		return false, fmt.Errorf("expected boolean, got %s", v.Kind())
	}
	return v.Bool(), nil
}

func boolOrNull(v value.Value) (bool, bool, error) {
	if v.IsNull() {
		return false, true, nil
	}
	b, err := asBool(v)
	return b, false, err
}

// truthy reports whether a predicate result passes a filter. NULL does not.
func truthy(v value.Value) bool {
	return v.Kind() == value.KindBool && v.Bool()
}

func evalFunc(f *ast.FuncCall, row value.Row, schema Schema) (value.Value, error) {
	if f.IsAggregate() {
		return value.Null(), fmt.Errorf("aggregate %s outside aggregation", f.Name)
	}

	args := make([]value.Value, len(f.Args))
	for i, a := range f.Args {
		v, err := evalExpr(a, row, schema)
		if err != nil {
			return value.Null(), err
		}
		args[i] = v
	}

	switch strings.ToUpper(f.Name) {
	case "NOW":
		return value.NewString(time.Now().UTC().Format(time.RFC3339Nano)), nil
	case "RANDOM":
		return value.NewFloat(rand.Float64()), nil
	case "UPPER":
		return stringFunc(f.Name, args, strings.ToUpper)
	case "LOWER":
		return stringFunc(f.Name, args, strings.ToLower)
	case "LENGTH":
		if len(args) != 1 {
			return value.Null(), fmt.Errorf("LENGTH takes one argument")
		}
		if args[0].IsNull() {
			return value.Null(), nil
		}
		if args[0].Kind() != value.KindString {
			return value.Null(), fmt.Errorf("LENGTH of %s", args[0].Kind())
		}
		return value.NewInt(int64(len(args[0].Str()))), nil
	case "ABS":
		if len(args) != 1 {
			return value.Null(), fmt.Errorf("ABS takes one argument")
		}
		return absValue(args[0])
	default:
		return value.Null(), fmt.Errorf("unknown function %s", f.Name)
	}
}

func stringFunc(name string, args []value.Value, fn func(string) string) (value.Value, error) {
	if len(args) != 1 {
		return value.Null(), fmt.Errorf("%s takes one argument", name)
	}
	if args[0].IsNull() {
		return value.Null(), nil
	}
	if args[0].Kind() != value.KindString {
		return value.Null(), fmt.Errorf("%s of %s", name, args[0].Kind())
	}
	return value.NewString(fn(args[0].Str())), nil
}

func absValue(v value.Value) (value.Value, error) {
	if v.IsNull() {
		return value.Null(), nil
	}
	switch v.Kind() {
	case value.KindInt:
		i := v.Int()
		if i < 0 {
			i = -i
		}
		return value.NewInt(i), nil
	case value.KindFloat:
		f := v.Float()
		if f < 0 {
			f = -f
		}
		return value.NewFloat(f), nil
	default:
		return value.Null(), fmt.Errorf("ABS of %s", v.Kind())
	}
}
