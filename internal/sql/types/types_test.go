package types

import (
	"encoding/json"
	"io"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/myuser/cinderdb/internal/dberr"
)

func c(v Value) Expression { return &Constant{Value: v} }

func TestThreeValuedLogic(t *testing.T) {
	tr, fa, nu := Bool(true), Bool(false), Null()
	tests := []struct {
		l, r    Value
		and, or Value
	}{
		{tr, tr, tr, tr},
		{tr, fa, fa, tr},
		{fa, fa, fa, fa},
		{tr, nu, nu, tr},
		{fa, nu, fa, nu},
		{nu, nu, nu, nu},
	}
	for _, tt := range tests {
		for _, pair := range [][2]Value{{tt.l, tt.r}, {tt.r, tt.l}} {
			v, err := (&And{c(pair[0]), c(pair[1])}).Evaluate(nil)
			require.NoError(t, err)
			assert.True(t, tt.and.Equal(v), "%s AND %s = %s", pair[0], pair[1], v)

			v, err = (&Or{c(pair[0]), c(pair[1])}).Evaluate(nil)
			require.NoError(t, err)
			assert.True(t, tt.or.Equal(v), "%s OR %s = %s", pair[0], pair[1], v)
		}
	}

	v, err := (&Not{c(nu)}).Evaluate(nil)
	require.NoError(t, err)
	assert.True(t, v.IsNull())

	_, err = (&And{c(Int(1)), c(tr)}).Evaluate(nil)
	assert.True(t, errors.Is(err, dberr.ErrTypeDoesNotMatch))
}

func TestCompare(t *testing.T) {
	row := Row{Int(3), Float(2.5), String("b"), Null()}
	tests := []struct {
		expr Expression
		want Value
	}{
		{&Compare{OpEqual, &Field{Index: 0}, c(Int(3))}, Bool(true)},
		{&Compare{OpGreater, &Field{Index: 0}, &Field{Index: 1}}, Bool(true)},
		{&Compare{OpLessEqual, &Field{Index: 1}, c(Int(2))}, Bool(false)},
		{&Compare{OpNotEqual, &Field{Index: 2}, c(String("a"))}, Bool(true)},
		{&Compare{OpLess, &Field{Index: 2}, c(String("c"))}, Bool(true)},
		{&Compare{OpEqual, &Field{Index: 3}, c(Int(1))}, Null()},
		{&IsNull{Expr: &Field{Index: 3}}, Bool(true)},
		{&IsNull{Expr: &Field{Index: 0}, Negated: true}, Bool(true)},
		{&Compare{OpEqual, c(Float(1)), c(Int(1))}, Bool(true)},
	}
	for _, tt := range tests {
		v, err := tt.expr.Evaluate(row)
		require.NoError(t, err, tt.expr.String())
		assert.True(t, tt.want.Equal(v), "%s = %s, want %s", tt.expr, v, tt.want)
	}

	_, err := (&Compare{OpEqual, c(String("1")), c(Int(1))}).Evaluate(nil)
	assert.True(t, errors.Is(err, dberr.ErrTypeDoesNotMatch))
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		op   ArithmeticOp
		l, r Value
		want Value
	}{
		{OpAdd, Int(1), Int(2), Int(3)},
		{OpSubtract, Int(1), Int(2), Int(-1)},
		{OpMultiply, Int(-4), Int(3), Int(-12)},
		{OpDivide, Int(7), Int(2), Int(3)},
		{OpModulo, Int(7), Int(3), Int(1)},
		{OpAdd, Int(1), Float(0.5), Float(1.5)},
		{OpDivide, Float(1), Int(4), Float(0.25)},
		{OpDivide, Float(1), Float(0), Float(math.Inf(1))},
		{OpAdd, Int(1), Null(), Null()},
		{OpMultiply, Null(), Float(2), Null()},
	}
	for _, tt := range tests {
		v, err := (&Arithmetic{tt.op, c(tt.l), c(tt.r)}).Evaluate(nil)
		require.NoError(t, err)
		assert.True(t, tt.want.Equal(v), "%s %s %s = %s, want %s", tt.l, tt.op, tt.r, v, tt.want)
	}

	errs := []struct {
		op   ArithmeticOp
		l, r Value
		kind error
	}{
		{OpDivide, Int(1), Int(0), dberr.ErrValue},
		{OpModulo, Int(1), Int(0), dberr.ErrValue},
		{OpAdd, Int(math.MaxInt64), Int(1), dberr.ErrValue},
		{OpSubtract, Int(math.MinInt64), Int(1), dberr.ErrValue},
		{OpMultiply, Int(math.MaxInt64), Int(2), dberr.ErrValue},
		{OpAdd, String("a"), Int(1), dberr.ErrTypeDoesNotMatch},
	}
	for _, tt := range errs {
		_, err := (&Arithmetic{tt.op, c(tt.l), c(tt.r)}).Evaluate(nil)
		assert.True(t, errors.Is(err, tt.kind), "%s %s %s: %v", tt.l, tt.op, tt.r, err)
	}

	v, err := (&Negate{c(Int(5))}).Evaluate(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-5), v.IntValue())
	_, err = (&Negate{c(Int(math.MinInt64))}).Evaluate(nil)
	assert.True(t, errors.Is(err, dberr.ErrValue))
}

func TestEvaluatePredicate(t *testing.T) {
	ok, err := EvaluatePredicate(c(Bool(true)), nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluatePredicate(c(Null()), nil)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = EvaluatePredicate(c(Int(1)), nil)
	assert.True(t, errors.Is(err, dberr.ErrTypeDoesNotMatch))
}

func TestValueMsgpack(t *testing.T) {
	row := Row{Null(), Bool(true), Int(-42), Float(1.25), String("héllo"), String("")}
	b, err := msgpack.Marshal(row)
	require.NoError(t, err)

	var got Row
	require.NoError(t, msgpack.Unmarshal(b, &got))
	require.Len(t, got, len(row))
	for i := range row {
		assert.True(t, row[i].Equal(got[i]), "value %d: %s != %s", i, row[i], got[i])
	}
}

func TestTableMsgpack(t *testing.T) {
	def := Int(7)
	table := &Table{Name: "t", Columns: []*Column{
		{Name: "id", Type: TypeInteger, PrimaryKey: true},
		{Name: "n", Type: TypeInteger, Nullable: true, Default: &def},
		{Name: "parent", Type: TypeInteger, Nullable: true, References: &Reference{Table: "t", Column: "id"}},
	}}
	b, err := msgpack.Marshal(table)
	require.NoError(t, err)

	var got Table
	require.NoError(t, msgpack.Unmarshal(b, &got))
	assert.Equal(t, table.String(), got.String())
	assert.Nil(t, got.Columns[0].Default)
	require.NotNil(t, got.Columns[1].Default)
	assert.Equal(t, int64(7), got.Columns[1].Default.IntValue())
}

func TestValueJSON(t *testing.T) {
	b, err := json.Marshal(Row{Null(), Bool(false), Int(3), Float(0.5), String("x"), Float(math.NaN())})
	require.NoError(t, err)
	assert.Equal(t, `[null,false,3,0.5,"x","NaN"]`, string(b))
}

func TestCastTo(t *testing.T) {
	v, err := Int(2).CastTo(TypeFloat)
	require.NoError(t, err)
	assert.True(t, Float(2).Equal(v))

	v, err = Null().CastTo(TypeString)
	require.NoError(t, err)
	assert.True(t, v.IsNull())

	_, err = String("2").CastTo(TypeInteger)
	assert.True(t, errors.Is(err, dberr.ErrTypeDoesNotMatch))
}

func TestTableValidate(t *testing.T) {
	valid := func() *Table {
		return &Table{Name: "t", Columns: []*Column{
			{Name: "id", Type: TypeInteger, PrimaryKey: true},
			{Name: "name", Type: TypeString, Nullable: true},
		}}
	}
	require.NoError(t, valid().Validate())

	noPK := valid()
	noPK.Columns[0].PrimaryKey = false
	assert.True(t, errors.Is(noPK.Validate(), dberr.ErrValue))

	twoPK := valid()
	twoPK.Columns[1].PrimaryKey = true
	twoPK.Columns[1].Nullable = false
	assert.True(t, errors.Is(twoPK.Validate(), dberr.ErrValue))

	nullPK := valid()
	nullPK.Columns[0].Nullable = true
	assert.True(t, errors.Is(nullPK.Validate(), dberr.ErrValue))

	dup := valid()
	dup.Columns[1].Name = "id"
	assert.True(t, errors.Is(dup.Validate(), dberr.ErrValue))

	badDefault := valid()
	d := Int(1)
	badDefault.Columns[1].Default = &d
	assert.True(t, errors.Is(badDefault.Validate(), dberr.ErrTypeDoesNotMatch))

	table := valid()
	require.NoError(t, table.ValidateRow(Row{Int(1), Null()}))
	assert.True(t, errors.Is(table.ValidateRow(Row{Null(), Null()}), dberr.ErrValue))
	assert.True(t, errors.Is(table.ValidateRow(Row{Int(1), Int(2)}), dberr.ErrTypeDoesNotMatch))
	assert.True(t, errors.Is(table.ValidateRow(Row{Int(1)}), dberr.ErrValue))

	_, err := table.ColumnIndex("missing")
	assert.True(t, errors.Is(err, dberr.ErrColumnDoesNotExist))
}

func TestRowSlice(t *testing.T) {
	rows := NewRowSlice([]Row{{Int(1)}, {Int(2)}})
	got, err := CollectRows(rows)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = rows.Next()
	assert.Equal(t, io.EOF, err)
}
