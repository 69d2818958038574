// Package execution runs query plans. A plan is a tree of executors; each
// pulls rows from its source on demand and drives the transaction it is given.
package execution

import (
	"fmt"

	"github.com/myuser/cinderdb/internal/dberr"
	"github.com/myuser/cinderdb/internal/sql/engine"
	"github.com/myuser/cinderdb/internal/sql/types"
)

// Executor is a plan node.
type Executor interface {
	Execute(txn engine.Transaction) (ResultSet, error)
}

type ResultKind int

const (
	// ResultMessage carries a status message, e.g. for DDL.
	ResultMessage ResultKind = iota
	// ResultCount carries the number of rows affected by a write.
	ResultCount
	// ResultView carries columns and a lazy row stream.
	ResultView
)

// ResultSet is the outcome of executing a plan.
type ResultSet struct {
	Kind    ResultKind
	Message string
	Count   int64
	Columns []string
	// Rows is only set for views. It must not outlive the transaction.
	Rows types.Rows
}

func message(format string, args ...interface{}) ResultSet {
	return ResultSet{Kind: ResultMessage, Message: fmt.Sprintf(format, args...)}
}

func count(n int64) ResultSet {
	return ResultSet{Kind: ResultCount, Count: n}
}

func view(columns []string, rows types.Rows) ResultSet {
	return ResultSet{Kind: ResultView, Columns: columns, Rows: rows}
}

// executeView runs a source that must produce rows.
func executeView(source Executor, txn engine.Transaction) (ResultSet, error) {
	rs, err := source.Execute(txn)
	if err != nil {
		return ResultSet{}, err
	}
	if rs.Kind != ResultView {
		return ResultSet{}, dberr.Internal("expected rows from source, got result kind %d", rs.Kind)
	}
	return rs, nil
}

// Nothing yields a single empty row, the source of SELECT without FROM.
type Nothing struct{}

func (n *Nothing) Execute(engine.Transaction) (ResultSet, error) {
	return view(nil, types.NewRowSlice([]types.Row{{}})), nil
}
