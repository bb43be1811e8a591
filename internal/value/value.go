// Package value defines the typed column values that flow through the
// engine: storage rows, predicate evaluation, and constant folding all
// operate on Value.
package value

import (
	"fmt"
	"strconv"
)

// Kind identifies the runtime type of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindString
	KindBool
)

// String returns the SQL-ish name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindInt:
		return "INT"
	case KindFloat:
		return "FLOAT"
	case KindString:
		return "TEXT"
	case KindBool:
		return "BOOL"
	default:
		return "UNKNOWN"
	}
}

// Value is a single typed column value. The zero Value is NULL.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    bool
}

// Null returns the NULL value.
func Null() Value {
	return Value{kind: KindNull}
}

// NewInt creates an integer value.
func NewInt(i int64) Value {
	return Value{kind: KindInt, i: i}
}

// NewFloat creates a float value.
func NewFloat(f float64) Value {
	return Value{kind: KindFloat, f: f}
}

// NewString creates a string value.
func NewString(s string) Value {
	return Value{kind: KindString, s: s}
}

// NewBool creates a boolean value.
func NewBool(b bool) Value {
	return Value{kind: KindBool, b: b}
}

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsNull() bool  { return v.kind == KindNull }
func (v Value) Int() int64    { return v.i }
func (v Value) Float() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}
func (v Value) Str() string { return v.s }
func (v Value) Bool() bool  { return v.b }

// String renders the value for display and EXPLAIN output.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "NULL"
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return "'" + v.s + "'"
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return "?"
	}
}

// isNumeric reports whether the value can participate in numeric comparison.
func (v Value) isNumeric() bool {
	return v.kind == KindInt || v.kind == KindFloat
}

// Compare orders two values: -1, 0 or 1. Integers and floats compare
// numerically against each other. Comparing a NULL or mismatched kinds is an
// error; SQL three-valued logic is the evaluator's concern, not Compare's.
func (v Value) Compare(other Value) (int, error) {
	if v.IsNull() || other.IsNull() {
		return 0, fmt.Errorf("cannot compare NULL values")
	}

	if v.isNumeric() && other.isNumeric() {
		a, b := v.Float(), other.Float()
		switch {
		case a < b:
			return -1, nil
		case a > b:
			return 1, nil
		default:
			return 0, nil
		}
	}

	if v.kind != other.kind {
		return 0, fmt.Errorf("cannot compare %s with %s", v.kind, other.kind)
	}

	switch v.kind {
	case KindString:
		switch {
		case v.s < other.s:
			return -1, nil
		case v.s > other.s:
			return 1, nil
		default:
			return 0, nil
		}
	case KindBool:
		switch {
		case !v.b && other.b:
			return -1, nil
		case v.b && !other.b:
			return 1, nil
		default:
			return 0, nil
		}
	default:
		return 0, fmt.Errorf("cannot compare %s values", v.kind)
	}
}

// Equals reports value equality under the same coercion rules as Compare.
// NULL never equals anything, including NULL.
func (v Value) Equals(other Value) bool {
	if v.IsNull() || other.IsNull() {
		return false
	}
	c, err := v.Compare(other)
	return err == nil && c == 0
}
