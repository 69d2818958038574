// Package sql turns SQL text into execution plans and runs them in sessions.
package sql

import (
	"strings"

	"github.com/blastrain/vitess-sqlparser/sqlparser"

	"github.com/myuser/cinderdb/internal/dberr"
	"github.com/myuser/cinderdb/internal/sql/engine"
	"github.com/myuser/cinderdb/internal/sql/execution"
	"github.com/myuser/cinderdb/internal/sql/types"
)

// ParseToPlan parses a SQL statement and returns its plan. Table and column
// names are resolved against catalog.
func ParseToPlan(query string, catalog engine.Catalog) (execution.Executor, error) {
	exec, ok, err := parseDDL(query)
	if err != nil {
		return nil, err
	}
	if ok {
		if create, isCreate := exec.(*execution.CreateTable); isCreate {
			if err := resolveReferences(create.Table, catalog); err != nil {
				return nil, err
			}
		}
		return exec, nil
	}

	stmt, err := sqlparser.Parse(query)
	if err != nil {
		return nil, dberr.Wrap(dberr.ErrParse, err, "parse %q", query)
	}
	p := &planner{catalog: catalog}
	switch s := stmt.(type) {
	case *sqlparser.Select:
		return p.buildSelect(s)
	case *sqlparser.Insert:
		return p.buildInsert(s)
	case *sqlparser.Update:
		return p.buildUpdate(s)
	case *sqlparser.Delete:
		return p.buildDelete(s)
	default:
		return nil, dberr.New(dberr.ErrParse, "unsupported statement: %s", sqlparser.String(stmt))
	}
}

// resolveReferences points REFERENCES clauses without a column at the target
// table's primary key.
func resolveReferences(table *types.Table, catalog engine.Catalog) error {
	for _, c := range table.Columns {
		if c.References == nil || c.References.Column != "" {
			continue
		}
		target := table
		if c.References.Table != table.Name {
			t, err := catalog.ReadTable(c.References.Table)
			if err != nil {
				return err
			}
			if t == nil {
				continue
			}
			target = t
		}
		if i := target.PrimaryKeyIndex(); i >= 0 {
			c.References.Column = target.Columns[i].Name
		}
	}
	return nil
}

type planner struct {
	catalog engine.Catalog
}

// scope resolves column names for one table. A nil table has no columns.
type scope struct {
	table *types.Table
}

func (s scope) resolve(col *sqlparser.ColName) (*types.Field, error) {
	name := col.Name.String()
	if s.table == nil {
		return nil, dberr.New(dberr.ErrColumnDoesNotExist, "unknown column %s", name)
	}
	if q := col.Qualifier.Name.String(); q != "" && !strings.EqualFold(q, s.table.Name) {
		return nil, dberr.New(dberr.ErrColumnDoesNotExist, "unknown column %s.%s", q, name)
	}
	for i, c := range s.table.Columns {
		if strings.EqualFold(c.Name, name) {
			return &types.Field{Index: i, Label: c.Name}, nil
		}
	}
	return nil, dberr.New(dberr.ErrColumnDoesNotExist, "column %s does not exist in table %s", name, s.table.Name)
}

// table resolves a single-table FROM clause. The vitess parser reports a
// missing FROM as the table "dual"; that yields a nil table.
func (p *planner) table(exprs sqlparser.TableExprs) (*types.Table, error) {
	if len(exprs) != 1 {
		return nil, dberr.New(dberr.ErrParse, "exactly one table is supported, got %d", len(exprs))
	}
	aliased, ok := exprs[0].(*sqlparser.AliasedTableExpr)
	if !ok {
		return nil, dberr.New(dberr.ErrParse, "unsupported table expression: %s", sqlparser.String(exprs[0]))
	}
	name, ok := aliased.Expr.(sqlparser.TableName)
	if !ok {
		return nil, dberr.New(dberr.ErrParse, "unsupported table expression: %s", sqlparser.String(aliased.Expr))
	}
	if strings.EqualFold(name.Name.String(), "dual") {
		return nil, nil
	}
	return p.catalog.MustReadTable(name.Name.String())
}

func (p *planner) where(s scope, where *sqlparser.Where) (types.Expression, error) {
	if where == nil {
		return nil, nil
	}
	return s.expression(where.Expr)
}

func (p *planner) buildSelect(stmt *sqlparser.Select) (execution.Executor, error) {
	if len(stmt.GroupBy) > 0 || stmt.Having != nil || len(stmt.OrderBy) > 0 || stmt.Distinct != "" {
		return nil, dberr.New(dberr.ErrParse, "unsupported clause in %s", sqlparser.String(stmt))
	}
	table, err := p.table(stmt.From)
	if err != nil {
		return nil, err
	}
	s := scope{table: table}

	var node execution.Executor = &execution.Nothing{}
	filter, err := p.where(s, stmt.Where)
	if err != nil {
		return nil, err
	}
	if table != nil {
		node = &execution.Scan{Table: table.Name, Filter: filter}
	} else if filter != nil {
		node = &execution.Filter{Source: node, Predicate: filter}
	}

	var (
		exprs  []types.Expression
		labels []string
		star   = true
	)
	for _, se := range stmt.SelectExprs {
		switch e := se.(type) {
		case *sqlparser.StarExpr:
			if table == nil {
				return nil, dberr.New(dberr.ErrParse, "SELECT * requires a table")
			}
			for i, c := range table.Columns {
				exprs = append(exprs, &types.Field{Index: i, Label: c.Name})
				labels = append(labels, c.Name)
			}
		case *sqlparser.AliasedExpr:
			star = false
			expr, err := s.expression(e.Expr)
			if err != nil {
				return nil, err
			}
			exprs = append(exprs, expr)
			label := e.As.String()
			if label == "" {
				if col, ok := e.Expr.(*sqlparser.ColName); ok {
					label = col.Name.String()
				} else {
					label = sqlparser.String(e.Expr)
				}
			}
			labels = append(labels, label)
		default:
			return nil, dberr.New(dberr.ErrParse, "unsupported select expression: %s", sqlparser.String(se))
		}
	}
	if !star {
		node = &execution.Projection{Source: node, Expressions: exprs, Labels: labels}
	}

	if stmt.Limit != nil {
		if stmt.Limit.Offset != nil {
			n, err := count(stmt.Limit.Offset)
			if err != nil {
				return nil, err
			}
			node = &execution.Offset{Source: node, N: n}
		}
		if stmt.Limit.Rowcount != nil {
			n, err := count(stmt.Limit.Rowcount)
			if err != nil {
				return nil, err
			}
			node = &execution.Limit{Source: node, N: n}
		}
	}
	return node, nil
}

// count reads a LIMIT or OFFSET argument.
func count(expr sqlparser.Expr) (int64, error) {
	v, ok := expr.(*sqlparser.SQLVal)
	if !ok || v.Type != sqlparser.IntVal {
		return 0, dberr.New(dberr.ErrParse, "expected integer, found %s", sqlparser.String(expr))
	}
	value, err := parseInt(string(v.Val), false)
	if err != nil {
		return 0, err
	}
	if value.IntValue() < 0 {
		return 0, dberr.New(dberr.ErrValue, "negative count %d", value.IntValue())
	}
	return value.IntValue(), nil
}

func (p *planner) buildInsert(stmt *sqlparser.Insert) (execution.Executor, error) {
	if stmt.Action != sqlparser.InsertStr || stmt.OnDup != nil {
		return nil, dberr.New(dberr.ErrParse, "unsupported statement: %s", sqlparser.String(stmt))
	}
	table, err := p.catalog.MustReadTable(stmt.Table.Name.String())
	if err != nil {
		return nil, err
	}
	insert := &execution.Insert{Table: table.Name}
	s := scope{table: table}
	for _, col := range stmt.Columns {
		field, err := s.resolve(&sqlparser.ColName{Name: col})
		if err != nil {
			return nil, err
		}
		insert.Columns = append(insert.Columns, field.Label)
	}

	values, ok := stmt.Rows.(sqlparser.Values)
	if !ok {
		return nil, dberr.New(dberr.ErrParse, "INSERT ... SELECT is not supported")
	}
	// VALUES are evaluated without a row, so column references fail.
	for _, tuple := range values {
		row := make([]types.Expression, 0, len(tuple))
		for _, e := range tuple {
			expr, err := scope{}.expression(e)
			if err != nil {
				return nil, err
			}
			row = append(row, expr)
		}
		insert.Rows = append(insert.Rows, row)
	}
	return insert, nil
}

func (p *planner) buildUpdate(stmt *sqlparser.Update) (execution.Executor, error) {
	if len(stmt.OrderBy) > 0 || stmt.Limit != nil {
		return nil, dberr.New(dberr.ErrParse, "unsupported clause in %s", sqlparser.String(stmt))
	}
	table, err := p.table(stmt.TableExprs)
	if err != nil {
		return nil, err
	}
	if table == nil {
		return nil, dberr.New(dberr.ErrParse, "UPDATE requires a table")
	}
	s := scope{table: table}
	filter, err := p.where(s, stmt.Where)
	if err != nil {
		return nil, err
	}
	update := &execution.Update{Table: table.Name, Source: &execution.Scan{Table: table.Name, Filter: filter}}
	seen := make(map[int]bool, len(stmt.Exprs))
	for _, ue := range stmt.Exprs {
		field, err := s.resolve(ue.Name)
		if err != nil {
			return nil, err
		}
		if seen[field.Index] {
			return nil, dberr.New(dberr.ErrParse, "column %s assigned twice", field.Label)
		}
		seen[field.Index] = true
		expr, err := s.expression(ue.Expr)
		if err != nil {
			return nil, err
		}
		update.Assignments = append(update.Assignments, execution.Assignment{Column: field.Index, Expr: expr})
	}
	return update, nil
}

func (p *planner) buildDelete(stmt *sqlparser.Delete) (execution.Executor, error) {
	if len(stmt.Targets) > 0 || len(stmt.OrderBy) > 0 || stmt.Limit != nil {
		return nil, dberr.New(dberr.ErrParse, "unsupported clause in %s", sqlparser.String(stmt))
	}
	table, err := p.table(stmt.TableExprs)
	if err != nil {
		return nil, err
	}
	if table == nil {
		return nil, dberr.New(dberr.ErrParse, "DELETE requires a table")
	}
	filter, err := p.where(scope{table: table}, stmt.Where)
	if err != nil {
		return nil, err
	}
	return &execution.Delete{Table: table.Name, Source: &execution.Scan{Table: table.Name, Filter: filter}}, nil
}

var compareOps = map[string]types.CompareOp{
	sqlparser.EqualStr:        types.OpEqual,
	sqlparser.NotEqualStr:     types.OpNotEqual,
	sqlparser.LessThanStr:     types.OpLess,
	sqlparser.LessEqualStr:    types.OpLessEqual,
	sqlparser.GreaterThanStr:  types.OpGreater,
	sqlparser.GreaterEqualStr: types.OpGreaterEqual,
}

var arithmeticOps = map[string]types.ArithmeticOp{
	sqlparser.PlusStr:  types.OpAdd,
	sqlparser.MinusStr: types.OpSubtract,
	sqlparser.MultStr:  types.OpMultiply,
	sqlparser.DivStr:   types.OpDivide,
	sqlparser.ModStr:   types.OpModulo,
}

func (s scope) expression(expr sqlparser.Expr) (types.Expression, error) {
	switch e := expr.(type) {
	case *sqlparser.ParenExpr:
		return s.expression(e.Expr)
	case *sqlparser.ColName:
		return s.resolve(e)
	case *sqlparser.SQLVal:
		v, err := sqlValue(e)
		if err != nil {
			return nil, err
		}
		return &types.Constant{Value: v}, nil
	case *sqlparser.NullVal:
		return &types.Constant{Value: types.Null()}, nil
	case sqlparser.BoolVal:
		return &types.Constant{Value: types.Bool(bool(e))}, nil
	case *sqlparser.AndExpr:
		l, r, err := s.pair(e.Left, e.Right)
		if err != nil {
			return nil, err
		}
		return &types.And{Left: l, Right: r}, nil
	case *sqlparser.OrExpr:
		l, r, err := s.pair(e.Left, e.Right)
		if err != nil {
			return nil, err
		}
		return &types.Or{Left: l, Right: r}, nil
	case *sqlparser.NotExpr:
		inner, err := s.expression(e.Expr)
		if err != nil {
			return nil, err
		}
		return &types.Not{Expr: inner}, nil
	case *sqlparser.ComparisonExpr:
		op, ok := compareOps[e.Operator]
		if !ok {
			break
		}
		l, r, err := s.pair(e.Left, e.Right)
		if err != nil {
			return nil, err
		}
		return &types.Compare{Op: op, Left: l, Right: r}, nil
	case *sqlparser.IsExpr:
		if e.Operator != sqlparser.IsNullStr && e.Operator != sqlparser.IsNotNullStr {
			break
		}
		inner, err := s.expression(e.Expr)
		if err != nil {
			return nil, err
		}
		return &types.IsNull{Expr: inner, Negated: e.Operator == sqlparser.IsNotNullStr}, nil
	case *sqlparser.BinaryExpr:
		op, ok := arithmeticOps[e.Operator]
		if !ok {
			break
		}
		l, r, err := s.pair(e.Left, e.Right)
		if err != nil {
			return nil, err
		}
		return &types.Arithmetic{Op: op, Left: l, Right: r}, nil
	case *sqlparser.UnaryExpr:
		inner, err := s.expression(e.Expr)
		if err != nil {
			return nil, err
		}
		switch e.Operator {
		case sqlparser.UMinusStr:
			return &types.Negate{Expr: inner}, nil
		case sqlparser.UPlusStr:
			return inner, nil
		}
	}
	return nil, dberr.New(dberr.ErrParse, "unsupported expression: %s", sqlparser.String(expr))
}

func (s scope) pair(left, right sqlparser.Expr) (types.Expression, types.Expression, error) {
	l, err := s.expression(left)
	if err != nil {
		return nil, nil, err
	}
	r, err := s.expression(right)
	if err != nil {
		return nil, nil, err
	}
	return l, r, nil
}

func sqlValue(v *sqlparser.SQLVal) (types.Value, error) {
	switch v.Type {
	case sqlparser.StrVal:
		return types.String(string(v.Val)), nil
	case sqlparser.IntVal:
		return parseInt(string(v.Val), false)
	case sqlparser.FloatVal:
		return parseFloat(string(v.Val), false)
	default:
		return types.Value{}, dberr.New(dberr.ErrParse, "unsupported literal %s", sqlparser.String(v))
	}
}
