package value

import "fmt"

// Arithmetic on values, used by expression evaluation and by the optimizer's
// constant folding. Integer op integer stays integer; any float operand
// promotes the result to float. NULL propagates.

// Add returns v + other.
func (v Value) Add(other Value) (Value, error) {
	return v.arith(other, "+")
}

// Sub returns v - other.
func (v Value) Sub(other Value) (Value, error) {
	return v.arith(other, "-")
}

// Mul returns v * other.
func (v Value) Mul(other Value) (Value, error) {
	return v.arith(other, "*")
}

// Div returns v / other. Division by zero is an error.
func (v Value) Div(other Value) (Value, error) {
	if other.kind == KindInt && other.i == 0 {
		return Value{}, fmt.Errorf("division by zero")
	}
	if other.kind == KindFloat && other.f == 0 {
		return Value{}, fmt.Errorf("division by zero")
	}
	return v.arith(other, "/")
}

func (v Value) arith(other Value, op string) (Value, error) {
	if v.IsNull() || other.IsNull() {
		return Null(), nil
	}
	if !v.isNumeric() || !other.isNumeric() {
		return Value{}, fmt.Errorf("cannot apply %s to %s and %s", op, v.kind, other.kind)
	}

	if v.kind == KindInt && other.kind == KindInt {
		a, b := v.i, other.i
		switch op {
		case "+":
			return NewInt(a + b), nil
		case "-":
			return NewInt(a - b), nil
		case "*":
			return NewInt(a * b), nil
		case "/":
			return NewInt(a / b), nil
		}
	}

	a, b := v.Float(), other.Float()
	switch op {
	case "+":
		return NewFloat(a + b), nil
	case "-":
		return NewFloat(a - b), nil
	case "*":
		return NewFloat(a * b), nil
	case "/":
		return NewFloat(a / b), nil
	}
	return Value{}, fmt.Errorf("unknown operator %s", op)
}
