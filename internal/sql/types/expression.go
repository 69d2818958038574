package types

import (
	"fmt"
	"math"

	"github.com/myuser/cinderdb/internal/dberr"
)

// Expression is evaluated against a single row. Predicates use three-valued
// logic: they evaluate to TRUE, FALSE or NULL.
type Expression interface {
	Evaluate(row Row) (Value, error)
	String() string
}

// Constant always evaluates to its value.
type Constant struct {
	Value Value
}

func (e *Constant) Evaluate(Row) (Value, error) { return e.Value, nil }
func (e *Constant) String() string              { return e.Value.SQL() }

// Field reads a column of the input row by position.
type Field struct {
	Index int
	Label string
}

func (e *Field) Evaluate(row Row) (Value, error) {
	if e.Index < 0 || e.Index >= len(row) {
		return Value{}, dberr.Internal("field %s index %d out of range for row of %d values", e.Label, e.Index, len(row))
	}
	return row[e.Index], nil
}

func (e *Field) String() string {
	if e.Label != "" {
		return e.Label
	}
	return fmt.Sprintf("#%d", e.Index)
}

func boolOrNull(v Value, op string) (b, null bool, err error) {
	switch v.Type() {
	case 0:
		return false, true, nil
	case TypeBoolean:
		return v.BoolValue(), false, nil
	default:
		return false, false, dberr.New(dberr.ErrTypeDoesNotMatch, "can't %s %s", op, v.Type())
	}
}

type And struct {
	Left, Right Expression
}

func (e *And) Evaluate(row Row) (Value, error) {
	l, err := e.Left.Evaluate(row)
	if err != nil {
		return Value{}, err
	}
	r, err := e.Right.Evaluate(row)
	if err != nil {
		return Value{}, err
	}
	lb, lnull, err := boolOrNull(l, "AND")
	if err != nil {
		return Value{}, err
	}
	rb, rnull, err := boolOrNull(r, "AND")
	if err != nil {
		return Value{}, err
	}
	switch {
	case (!lnull && !lb) || (!rnull && !rb):
		return Bool(false), nil
	case lnull || rnull:
		return Null(), nil
	default:
		return Bool(true), nil
	}
}

func (e *And) String() string { return fmt.Sprintf("(%s AND %s)", e.Left, e.Right) }

type Or struct {
	Left, Right Expression
}

func (e *Or) Evaluate(row Row) (Value, error) {
	l, err := e.Left.Evaluate(row)
	if err != nil {
		return Value{}, err
	}
	r, err := e.Right.Evaluate(row)
	if err != nil {
		return Value{}, err
	}
	lb, lnull, err := boolOrNull(l, "OR")
	if err != nil {
		return Value{}, err
	}
	rb, rnull, err := boolOrNull(r, "OR")
	if err != nil {
		return Value{}, err
	}
	switch {
	case (!lnull && lb) || (!rnull && rb):
		return Bool(true), nil
	case lnull || rnull:
		return Null(), nil
	default:
		return Bool(false), nil
	}
}

func (e *Or) String() string { return fmt.Sprintf("(%s OR %s)", e.Left, e.Right) }

type Not struct {
	Expr Expression
}

func (e *Not) Evaluate(row Row) (Value, error) {
	v, err := e.Expr.Evaluate(row)
	if err != nil {
		return Value{}, err
	}
	b, null, err := boolOrNull(v, "NOT")
	if err != nil || null {
		return Null(), err
	}
	return Bool(!b), nil
}

func (e *Not) String() string { return fmt.Sprintf("NOT %s", e.Expr) }

type CompareOp int

const (
	OpEqual CompareOp = iota
	OpNotEqual
	OpLess
	OpLessEqual
	OpGreater
	OpGreaterEqual
)

func (op CompareOp) String() string {
	return [...]string{"=", "!=", "<", "<=", ">", ">="}[op]
}

// Compare evaluates a comparison. Either side being NULL yields NULL.
type Compare struct {
	Op          CompareOp
	Left, Right Expression
}

func (e *Compare) Evaluate(row Row) (Value, error) {
	l, err := e.Left.Evaluate(row)
	if err != nil {
		return Value{}, err
	}
	r, err := e.Right.Evaluate(row)
	if err != nil {
		return Value{}, err
	}
	if l.IsNull() || r.IsNull() {
		return Null(), nil
	}
	c, err := l.Compare(r)
	if err != nil {
		return Value{}, err
	}
	switch e.Op {
	case OpEqual:
		return Bool(c == 0), nil
	case OpNotEqual:
		return Bool(c != 0), nil
	case OpLess:
		return Bool(c < 0), nil
	case OpLessEqual:
		return Bool(c <= 0), nil
	case OpGreater:
		return Bool(c > 0), nil
	case OpGreaterEqual:
		return Bool(c >= 0), nil
	default:
		return Value{}, dberr.Internal("unknown comparison %d", e.Op)
	}
}

func (e *Compare) String() string { return fmt.Sprintf("%s %s %s", e.Left, e.Op, e.Right) }

// IsNull is IS NULL, or IS NOT NULL when Negated is set. It never yields NULL.
type IsNull struct {
	Expr    Expression
	Negated bool
}

func (e *IsNull) Evaluate(row Row) (Value, error) {
	v, err := e.Expr.Evaluate(row)
	if err != nil {
		return Value{}, err
	}
	return Bool(v.IsNull() != e.Negated), nil
}

func (e *IsNull) String() string {
	if e.Negated {
		return fmt.Sprintf("%s IS NOT NULL", e.Expr)
	}
	return fmt.Sprintf("%s IS NULL", e.Expr)
}

type ArithmeticOp int

const (
	OpAdd ArithmeticOp = iota
	OpSubtract
	OpMultiply
	OpDivide
	OpModulo
)

func (op ArithmeticOp) String() string {
	return [...]string{"+", "-", "*", "/", "%"}[op]
}

// Arithmetic evaluates a binary numeric operation. Mixing integers and floats
// yields a float. Integer overflow and integer division by zero are errors.
type Arithmetic struct {
	Op          ArithmeticOp
	Left, Right Expression
}

func (e *Arithmetic) Evaluate(row Row) (Value, error) {
	l, err := e.Left.Evaluate(row)
	if err != nil {
		return Value{}, err
	}
	r, err := e.Right.Evaluate(row)
	if err != nil {
		return Value{}, err
	}
	if (!l.IsNull() && !l.isNumeric()) || (!r.IsNull() && !r.isNumeric()) {
		return Value{}, dberr.New(dberr.ErrTypeDoesNotMatch, "can't apply %s to %s and %s", e.Op, l.Type(), r.Type())
	}
	if l.IsNull() || r.IsNull() {
		return Null(), nil
	}
	if l.Type() == TypeInteger && r.Type() == TypeInteger {
		return integerArithmetic(e.Op, l.IntValue(), r.IntValue())
	}
	a, b := l.asFloat(), r.asFloat()
	switch e.Op {
	case OpAdd:
		return Float(a + b), nil
	case OpSubtract:
		return Float(a - b), nil
	case OpMultiply:
		return Float(a * b), nil
	case OpDivide:
		return Float(a / b), nil
	case OpModulo:
		return Float(math.Mod(a, b)), nil
	default:
		return Value{}, dberr.Internal("unknown arithmetic operator %d", e.Op)
	}
}

func integerArithmetic(op ArithmeticOp, a, b int64) (Value, error) {
	overflow := func() (Value, error) {
		return Value{}, dberr.New(dberr.ErrValue, "integer overflow in %d %s %d", a, op, b)
	}
	switch op {
	case OpAdd:
		s := a + b
		if (s > a) != (b > 0) {
			return overflow()
		}
		return Int(s), nil
	case OpSubtract:
		s := a - b
		if (s < a) != (b > 0) {
			return overflow()
		}
		return Int(s), nil
	case OpMultiply:
		if a == 0 || b == 0 {
			return Int(0), nil
		}
		p := a * b
		if p/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
			return overflow()
		}
		return Int(p), nil
	case OpDivide, OpModulo:
		if b == 0 {
			return Value{}, dberr.New(dberr.ErrValue, "can't divide by zero")
		}
		if a == math.MinInt64 && b == -1 {
			if op == OpModulo {
				return Int(0), nil
			}
			return overflow()
		}
		if op == OpDivide {
			return Int(a / b), nil
		}
		return Int(a % b), nil
	default:
		return Value{}, dberr.Internal("unknown arithmetic operator %d", op)
	}
}

func (e *Arithmetic) String() string { return fmt.Sprintf("(%s %s %s)", e.Left, e.Op, e.Right) }

type Negate struct {
	Expr Expression
}

func (e *Negate) Evaluate(row Row) (Value, error) {
	v, err := e.Expr.Evaluate(row)
	if err != nil {
		return Value{}, err
	}
	switch v.Type() {
	case 0:
		return Null(), nil
	case TypeInteger:
		if v.IntValue() == math.MinInt64 {
			return Value{}, dberr.New(dberr.ErrValue, "integer overflow negating %d", v.IntValue())
		}
		return Int(-v.IntValue()), nil
	case TypeFloat:
		return Float(-v.FloatValue()), nil
	default:
		return Value{}, dberr.New(dberr.ErrTypeDoesNotMatch, "can't negate %s", v.Type())
	}
}

func (e *Negate) String() string { return fmt.Sprintf("-%s", e.Expr) }

// EvaluatePredicate evaluates a filter predicate and reports whether the row
// passes. FALSE and NULL drop the row; any non-boolean result is an error.
func EvaluatePredicate(expr Expression, row Row) (bool, error) {
	v, err := expr.Evaluate(row)
	if err != nil {
		return false, err
	}
	switch v.Type() {
	case 0:
		return false, nil
	case TypeBoolean:
		return v.BoolValue(), nil
	default:
		return false, dberr.New(dberr.ErrTypeDoesNotMatch, "filter returned %s, expected boolean", v.Type())
	}
}
