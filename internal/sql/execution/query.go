package execution

import (
	"io"

	"github.com/myuser/cinderdb/internal/sql/engine"
	"github.com/myuser/cinderdb/internal/sql/types"
)

// Scan streams the rows of a table, keeping those that pass Filter.
type Scan struct {
	Table  string
	Filter types.Expression
}

func (n *Scan) Execute(txn engine.Transaction) (ResultSet, error) {
	table, err := txn.MustReadTable(n.Table)
	if err != nil {
		return ResultSet{}, err
	}
	rows, err := txn.Scan(n.Table, n.Filter)
	if err != nil {
		return ResultSet{}, err
	}
	columns := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		columns[i] = c.Name
	}
	return view(columns, rows), nil
}

// Filter keeps the source rows for which Predicate is TRUE.
type Filter struct {
	Source    Executor
	Predicate types.Expression
}

func (n *Filter) Execute(txn engine.Transaction) (ResultSet, error) {
	rs, err := executeView(n.Source, txn)
	if err != nil {
		return ResultSet{}, err
	}
	rs.Rows = &filterRows{source: rs.Rows, predicate: n.Predicate}
	return rs, nil
}

type filterRows struct {
	source    types.Rows
	predicate types.Expression
}

func (r *filterRows) Next() (types.Row, error) {
	for {
		row, err := r.source.Next()
		if err != nil {
			return nil, err
		}
		ok, err := types.EvaluatePredicate(r.predicate, row)
		if err != nil {
			return nil, err
		}
		if ok {
			return row, nil
		}
	}
}

func (r *filterRows) Close() error { return r.source.Close() }

// Projection evaluates Expressions against each source row. Labels name the
// output columns; an empty label falls back to the expression text.
type Projection struct {
	Source      Executor
	Expressions []types.Expression
	Labels      []string
}

func (n *Projection) Execute(txn engine.Transaction) (ResultSet, error) {
	rs, err := executeView(n.Source, txn)
	if err != nil {
		return ResultSet{}, err
	}
	columns := make([]string, len(n.Expressions))
	for i, expr := range n.Expressions {
		if i < len(n.Labels) && n.Labels[i] != "" {
			columns[i] = n.Labels[i]
		} else {
			columns[i] = expr.String()
		}
	}
	return view(columns, &projectionRows{source: rs.Rows, expressions: n.Expressions}), nil
}

type projectionRows struct {
	source      types.Rows
	expressions []types.Expression
}

func (r *projectionRows) Next() (types.Row, error) {
	row, err := r.source.Next()
	if err != nil {
		return nil, err
	}
	out := make(types.Row, len(r.expressions))
	for i, expr := range r.expressions {
		if out[i], err = expr.Evaluate(row); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *projectionRows) Close() error { return r.source.Close() }

// Limit stops after N rows.
type Limit struct {
	Source Executor
	N      int64
}

func (n *Limit) Execute(txn engine.Transaction) (ResultSet, error) {
	rs, err := executeView(n.Source, txn)
	if err != nil {
		return ResultSet{}, err
	}
	rs.Rows = &limitRows{source: rs.Rows, remaining: n.N}
	return rs, nil
}

type limitRows struct {
	source    types.Rows
	remaining int64
}

func (r *limitRows) Next() (types.Row, error) {
	if r.remaining <= 0 {
		return nil, io.EOF
	}
	r.remaining--
	return r.source.Next()
}

func (r *limitRows) Close() error { return r.source.Close() }

// Offset skips the first N rows.
type Offset struct {
	Source Executor
	N      int64
}

func (n *Offset) Execute(txn engine.Transaction) (ResultSet, error) {
	rs, err := executeView(n.Source, txn)
	if err != nil {
		return ResultSet{}, err
	}
	rs.Rows = &offsetRows{source: rs.Rows, skip: n.N}
	return rs, nil
}

type offsetRows struct {
	source types.Rows
	skip   int64
}

func (r *offsetRows) Next() (types.Row, error) {
	for ; r.skip > 0; r.skip-- {
		if _, err := r.source.Next(); err != nil {
			return nil, err
		}
	}
	return r.source.Next()
}

func (r *offsetRows) Close() error { return r.source.Close() }
