package engine

import (
	"math"

	"github.com/myuser/cinderdb/internal/dberr"
	"github.com/myuser/cinderdb/internal/sql/types"
	"github.com/myuser/cinderdb/internal/storage/keycode"
)

// SQL keys, stored as MVCC keys:
//
//	Table(name)          0x01 name
//	Row(table, id)       0x02 table id
const (
	tagTable byte = 0x01
	tagRow   byte = 0x02
)

// Value tags inside keys. NULL is never a primary key but still has an
// encoding so any value can be written.
const (
	valueNull byte = iota
	valueBool
	valueInt
	valueFloat
	valueString
)

func tableKey(name string) []byte {
	return keycode.AppendString([]byte{tagTable}, name)
}

func tablePrefix() []byte { return []byte{tagTable} }

func rowPrefix(table string) []byte {
	return keycode.AppendString([]byte{tagRow}, table)
}

func rowKey(table string, id types.Value) []byte {
	return appendValue(rowPrefix(table), id)
}

// IDKey returns the encoding of a primary key inside row keys. Two ids get
// the same IDKey exactly when they address the same row.
func IDKey(id types.Value) string {
	return string(appendValue(nil, id))
}

// appendValue encodes v so that values of one type sort in their natural
// order. Values that are Equal encode identically: -0 is stored as 0 and
// every NaN as the same NaN.
func appendValue(buf []byte, v types.Value) []byte {
	switch v.Type() {
	case types.TypeBoolean:
		return keycode.AppendBool(append(buf, valueBool), v.BoolValue())
	case types.TypeInteger:
		return keycode.AppendInt64(append(buf, valueInt), v.IntValue())
	case types.TypeFloat:
		f := v.FloatValue()
		switch {
		case f == 0:
			f = 0
		case math.IsNaN(f):
			f = math.NaN()
		}
		return keycode.AppendFloat64(append(buf, valueFloat), f)
	case types.TypeString:
		return keycode.AppendString(append(buf, valueString), v.StringValue())
	default:
		return append(buf, valueNull)
	}
}

func decodeValue(d *keycode.Decoder) (types.Value, error) {
	tag, err := d.Byte()
	if err != nil {
		return types.Value{}, err
	}
	switch tag {
	case valueNull:
		return types.Null(), nil
	case valueBool:
		b, err := d.Bool()
		return types.Bool(b), err
	case valueInt:
		i, err := d.Int64()
		return types.Int(i), err
	case valueFloat:
		f, err := d.Float64()
		return types.Float(f), err
	case valueString:
		s, err := d.Text()
		return types.String(s), err
	default:
		return types.Value{}, dberr.Codec("unknown value tag %#x", tag)
	}
}

// decodeRowKey splits a row key into its table name and primary key.
func decodeRowKey(key []byte) (string, types.Value, error) {
	d := keycode.NewDecoder(key)
	tag, err := d.Byte()
	if err != nil {
		return "", types.Value{}, err
	}
	if tag != tagRow {
		return "", types.Value{}, dberr.Codec("not a row key: tag %#x", tag)
	}
	table, err := d.Text()
	if err != nil {
		return "", types.Value{}, err
	}
	id, err := decodeValue(d)
	if err != nil {
		return "", types.Value{}, err
	}
	return table, id, d.Finish()
}
