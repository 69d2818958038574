package execution

import (
	"github.com/myuser/cinderdb/internal/dberr"
	"github.com/myuser/cinderdb/internal/sql/engine"
	"github.com/myuser/cinderdb/internal/sql/types"
)

// Insert creates rows from constant expressions. Columns lists the target
// columns; when empty, values are taken in table column order. Columns
// without a value get their default, or NULL when nullable.
type Insert struct {
	Table   string
	Columns []string
	Rows    [][]types.Expression
}

func (n *Insert) Execute(txn engine.Transaction) (ResultSet, error) {
	table, err := txn.MustReadTable(n.Table)
	if err != nil {
		return ResultSet{}, err
	}
	var created int64
	for _, exprs := range n.Rows {
		values := make([]types.Value, len(exprs))
		for i, expr := range exprs {
			if values[i], err = expr.Evaluate(nil); err != nil {
				return ResultSet{}, err
			}
		}
		row, err := n.buildRow(table, values)
		if err != nil {
			return ResultSet{}, err
		}
		if err := txn.Create(table.Name, row); err != nil {
			return ResultSet{}, err
		}
		created++
	}
	return count(created), nil
}

func (n *Insert) buildRow(table *types.Table, values []types.Value) (types.Row, error) {
	given := make(map[int]types.Value, len(values))
	if len(n.Columns) == 0 {
		if len(values) > len(table.Columns) {
			return nil, dberr.New(dberr.ErrValue, "too many values for table %s", table.Name)
		}
		for i, v := range values {
			given[i] = v
		}
	} else {
		if len(values) != len(n.Columns) {
			return nil, dberr.New(dberr.ErrValue, "%d columns but %d values", len(n.Columns), len(values))
		}
		for i, name := range n.Columns {
			ci, err := table.ColumnIndex(name)
			if err != nil {
				return nil, err
			}
			if _, ok := given[ci]; ok {
				return nil, dberr.New(dberr.ErrValue, "column %s given twice", name)
			}
			given[ci] = values[i]
		}
	}

	row := make(types.Row, len(table.Columns))
	for i, c := range table.Columns {
		v, ok := given[i]
		switch {
		case ok:
		case c.Default != nil:
			v = *c.Default
		case c.Nullable:
			v = types.Null()
		default:
			return nil, dberr.New(dberr.ErrValue, "no value given for column %s", c.Name)
		}
		cast, err := v.CastTo(c.Type)
		if err != nil {
			return nil, err
		}
		row[i] = cast
	}
	return row, nil
}

// Assignment sets a column to an expression evaluated against the original
// row.
type Assignment struct {
	Column int
	Expr   types.Expression
}

// Update rewrites each source row once.
type Update struct {
	Table       string
	Source      Executor
	Assignments []Assignment
}

func (n *Update) Execute(txn engine.Transaction) (ResultSet, error) {
	table, err := txn.MustReadTable(n.Table)
	if err != nil {
		return ResultSet{}, err
	}
	rows, err := sourceRows(n.Source, txn)
	if err != nil {
		return ResultSet{}, err
	}

	seen := make(map[string]bool, len(rows))
	var updated int64
	for _, row := range rows {
		id, err := table.RowKey(row)
		if err != nil {
			return ResultSet{}, err
		}
		key := engine.IDKey(id)
		if seen[key] {
			continue
		}
		seen[key] = true

		next := append(types.Row(nil), row...)
		for _, a := range n.Assignments {
			v, err := a.Expr.Evaluate(row)
			if err != nil {
				return ResultSet{}, err
			}
			if next[a.Column], err = v.CastTo(table.Columns[a.Column].Type); err != nil {
				return ResultSet{}, err
			}
		}
		if err := txn.Update(table.Name, id, next); err != nil {
			return ResultSet{}, err
		}
		updated++
	}
	return count(updated), nil
}

// Delete removes each source row.
type Delete struct {
	Table  string
	Source Executor
}

func (n *Delete) Execute(txn engine.Transaction) (ResultSet, error) {
	table, err := txn.MustReadTable(n.Table)
	if err != nil {
		return ResultSet{}, err
	}
	rows, err := sourceRows(n.Source, txn)
	if err != nil {
		return ResultSet{}, err
	}

	seen := make(map[string]bool, len(rows))
	var deleted int64
	for _, row := range rows {
		id, err := table.RowKey(row)
		if err != nil {
			return ResultSet{}, err
		}
		key := engine.IDKey(id)
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := txn.Delete(table.Name, id); err != nil {
			return ResultSet{}, err
		}
		deleted++
	}
	return count(deleted), nil
}

// sourceRows reads the whole source before any write, so writes never
// interleave with the scan that selected them.
func sourceRows(source Executor, txn engine.Transaction) ([]types.Row, error) {
	rs, err := executeView(source, txn)
	if err != nil {
		return nil, err
	}
	return types.CollectRows(rs.Rows)
}
