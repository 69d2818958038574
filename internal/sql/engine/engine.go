// Package engine defines the transactional interface used by SQL execution,
// and implements it on top of the MVCC key-value store.
package engine

import (
	"github.com/myuser/cinderdb/internal/sql/types"
)

// Engine starts SQL transactions.
type Engine interface {
	Begin() (Transaction, error)
	BeginReadOnly() (Transaction, error)
	// BeginAsOf starts a read-only transaction that sees the database as of
	// the given version.
	BeginAsOf(version uint64) (Transaction, error)
}

// Catalog stores table schemas.
type Catalog interface {
	// CreateTable stores a new table schema.
	CreateTable(table *types.Table) error
	// DeleteTable removes a table and all its rows. It fails while another
	// table references it.
	DeleteTable(name string) error
	// ReadTable returns the table schema, or nil if it does not exist.
	ReadTable(name string) (*types.Table, error)
	// MustReadTable is ReadTable that fails with dberr.ErrTableNotFound.
	MustReadTable(name string) (*types.Table, error)
	// ScanTables returns every table, ordered by name.
	ScanTables() ([]*types.Table, error)
	// TableReferences returns the tables with foreign keys to the named table.
	// The table itself is only included when withSelf is set.
	TableReferences(name string, withSelf bool) ([]TableReference, error)
}

// TableReference lists the columns of Table that reference another table.
type TableReference struct {
	Table   string
	Columns []string
}

// Transaction is a SQL transaction. Rows are addressed by their primary key
// value.
type Transaction interface {
	Catalog

	Version() uint64
	ReadOnly() bool
	Commit() error
	Rollback() error

	// Create inserts a new row. The primary key must not exist yet.
	Create(table string, row types.Row) error
	// Read returns the row with the given primary key, or nil.
	Read(table string, id types.Value) (types.Row, error)
	// Update replaces the row stored under id. If the row's primary key
	// differs from id the row moves to the new key.
	Update(table string, id types.Value, row types.Row) error
	// Delete removes the row with the given primary key.
	Delete(table string, id types.Value) error
	// Scan streams the rows of a table in primary key order. Rows for which
	// filter is FALSE or NULL are skipped; a nil filter keeps every row.
	Scan(table string, filter types.Expression) (types.Rows, error)
}
