// Package types holds the SQL data model: values, rows, table schemas and
// expressions.
package types

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/myuser/cinderdb/internal/dberr"
)

// DataType is the type of a column or a non-NULL value.
type DataType uint8

const (
	TypeBoolean DataType = iota + 1
	TypeInteger
	TypeFloat
	TypeString
)

func (t DataType) String() string {
	switch t {
	case TypeBoolean:
		return "BOOLEAN"
	case TypeInteger:
		return "INTEGER"
	case TypeFloat:
		return "FLOAT"
	case TypeString:
		return "STRING"
	default:
		return "NULL"
	}
}

// Value is a single SQL value. The zero Value is NULL.
type Value struct {
	typ DataType
	b   bool
	i   int64
	f   float64
	s   string
}

func Null() Value              { return Value{} }
func Bool(b bool) Value        { return Value{typ: TypeBoolean, b: b} }
func Int(i int64) Value        { return Value{typ: TypeInteger, i: i} }
func Float(f float64) Value    { return Value{typ: TypeFloat, f: f} }
func String(s string) Value    { return Value{typ: TypeString, s: s} }
func (v Value) IsNull() bool   { return v.typ == 0 }
func (v Value) Type() DataType { return v.typ }

func (v Value) BoolValue() bool     { return v.b }
func (v Value) IntValue() int64     { return v.i }
func (v Value) FloatValue() float64 { return v.f }
func (v Value) StringValue() string { return v.s }

// String formats the value for display.
func (v Value) String() string {
	switch v.typ {
	case TypeBoolean:
		if v.b {
			return "TRUE"
		}
		return "FALSE"
	case TypeInteger:
		return strconv.FormatInt(v.i, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeString:
		return v.s
	default:
		return "NULL"
	}
}

// SQL formats the value as a literal: strings are quoted.
func (v Value) SQL() string {
	if v.typ == TypeString {
		return "'" + strings.ReplaceAll(v.s, "'", "''") + "'"
	}
	return v.String()
}

// Equal reports whether both values have the same type and contents. NULL
// equals NULL here; SQL comparison semantics live in the expressions.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeBoolean:
		return v.b == o.b
	case TypeInteger:
		return v.i == o.i
	case TypeFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case TypeString:
		return v.s == o.s
	default:
		return true
	}
}

// Compare orders two non-NULL values of comparable types. Integers and floats
// compare numerically.
func (v Value) Compare(o Value) (int, error) {
	switch {
	case v.typ == TypeBoolean && o.typ == TypeBoolean:
		switch {
		case v.b == o.b:
			return 0, nil
		case !v.b:
			return -1, nil
		default:
			return 1, nil
		}
	case v.typ == TypeInteger && o.typ == TypeInteger:
		return compareOrdered(v.i, o.i), nil
	case v.isNumeric() && o.isNumeric():
		return compareOrdered(v.asFloat(), o.asFloat()), nil
	case v.typ == TypeString && o.typ == TypeString:
		return compareOrdered(v.s, o.s), nil
	default:
		return 0, dberr.New(dberr.ErrTypeDoesNotMatch, "cannot compare %s and %s", v.typ, o.typ)
	}
}

func compareOrdered[T int64 | float64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (v Value) isNumeric() bool {
	return v.typ == TypeInteger || v.typ == TypeFloat
}

func (v Value) asFloat() float64 {
	if v.typ == TypeInteger {
		return float64(v.i)
	}
	return v.f
}

// CastTo converts v for storage in a column of type t. NULL passes through and
// integers widen to floats; any other mismatch is an error.
func (v Value) CastTo(t DataType) (Value, error) {
	switch {
	case v.IsNull() || v.typ == t:
		return v, nil
	case v.typ == TypeInteger && t == TypeFloat:
		return Float(float64(v.i)), nil
	default:
		return Value{}, dberr.New(dberr.ErrTypeDoesNotMatch, "cannot use %s value %s as %s", v.typ, v, t)
	}
}

// EncodeMsgpack writes the value as [type] for NULL or [type, payload].
func (v Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	if v.IsNull() {
		if err := enc.EncodeArrayLen(1); err != nil {
			return err
		}
		return enc.EncodeUint8(0)
	}
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint8(uint8(v.typ)); err != nil {
		return err
	}
	switch v.typ {
	case TypeBoolean:
		return enc.EncodeBool(v.b)
	case TypeInteger:
		return enc.EncodeInt(v.i)
	case TypeFloat:
		return enc.EncodeFloat64(v.f)
	default:
		return enc.EncodeString(v.s)
	}
}

func (v *Value) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n < 1 || n > 2 {
		return dberr.Codec("invalid value array length %d", n)
	}
	t, err := dec.DecodeUint8()
	if err != nil {
		return err
	}
	typ := DataType(t)
	if (typ == 0) != (n == 1) {
		return dberr.Codec("value of type %d with %d elements", t, n)
	}
	*v = Value{typ: typ}
	switch typ {
	case 0:
	case TypeBoolean:
		v.b, err = dec.DecodeBool()
	case TypeInteger:
		v.i, err = dec.DecodeInt64()
	case TypeFloat:
		v.f, err = dec.DecodeFloat64()
	case TypeString:
		v.s, err = dec.DecodeString()
	default:
		return dberr.Codec("unknown value type %d", t)
	}
	return err
}

// MarshalJSON renders the value as the matching JSON scalar. Non-finite floats
// have no JSON form and are rendered as strings.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.typ {
	case TypeBoolean:
		return json.Marshal(v.b)
	case TypeInteger:
		return json.Marshal(v.i)
	case TypeFloat:
		if math.IsInf(v.f, 0) || math.IsNaN(v.f) {
			return json.Marshal(v.String())
		}
		return json.Marshal(v.f)
	case TypeString:
		return json.Marshal(v.s)
	default:
		return []byte("null"), nil
	}
}
