package engine

import (
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/myuser/cinderdb/internal/dberr"
	"github.com/myuser/cinderdb/internal/mvcc"
	"github.com/myuser/cinderdb/internal/sql/types"
	"github.com/myuser/cinderdb/internal/storage"
)

// KV is a SQL engine on top of MVCC. Schemas and rows are msgpack-encoded
// values under the keys in keys.go.
type KV struct {
	mvcc *mvcc.MVCC
}

func NewKV(m *mvcc.MVCC) *KV {
	return &KV{mvcc: m}
}

func (kv *KV) Begin() (Transaction, error) {
	txn, err := kv.mvcc.Begin()
	if err != nil {
		return nil, err
	}
	return &kvTxn{txn: txn}, nil
}

func (kv *KV) BeginReadOnly() (Transaction, error) {
	txn, err := kv.mvcc.BeginReadOnly()
	if err != nil {
		return nil, err
	}
	return &kvTxn{txn: txn}, nil
}

func (kv *KV) BeginAsOf(version uint64) (Transaction, error) {
	txn, err := kv.mvcc.BeginAsOf(version)
	if err != nil {
		return nil, err
	}
	return &kvTxn{txn: txn}, nil
}

func (kv *KV) Status() (mvcc.Status, error) {
	return kv.mvcc.Status()
}

type kvTxn struct {
	txn *mvcc.Transaction
}

func (t *kvTxn) Version() uint64 { return t.txn.Version() }
func (t *kvTxn) ReadOnly() bool  { return t.txn.ReadOnly() }
func (t *kvTxn) Commit() error   { return t.txn.Commit() }
func (t *kvTxn) Rollback() error { return t.txn.Rollback() }

func (t *kvTxn) CreateTable(table *types.Table) error {
	existing, err := t.ReadTable(table.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		return dberr.New(dberr.ErrTableAlreadyExists, "table %s already exists", table.Name)
	}
	if err := table.Validate(); err != nil {
		return err
	}
	for _, c := range table.Columns {
		if c.References == nil {
			continue
		}
		target := table
		if c.References.Table != table.Name {
			if target, err = t.MustReadTable(c.References.Table); err != nil {
				return err
			}
		}
		i, err := target.ColumnIndex(c.References.Column)
		if err != nil {
			return err
		}
		if target.Columns[i].Type != c.Type {
			return dberr.New(dberr.ErrTypeDoesNotMatch, "column %s of type %s can't reference %s.%s of type %s",
				c.Name, c.Type, target.Name, c.References.Column, target.Columns[i].Type)
		}
	}

	value, err := msgpack.Marshal(table)
	if err != nil {
		return dberr.Wrap(dberr.ErrCodec, err, "encode table %s", table.Name)
	}
	return t.txn.Set(tableKey(table.Name), value)
}

func (t *kvTxn) DeleteTable(name string) error {
	if _, err := t.MustReadTable(name); err != nil {
		return err
	}
	refs, err := t.TableReferences(name, false)
	if err != nil {
		return err
	}
	if len(refs) > 0 {
		return dberr.New(dberr.ErrTableInUse, "table %s is referenced by table %s column %s",
			name, refs[0].Table, refs[0].Columns[0])
	}

	it := t.txn.ScanPrefix(rowPrefix(name))
	var keys [][]byte
	for it.Next() {
		keys = append(keys, it.Key())
	}
	err = it.Err()
	it.Close()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := t.txn.Delete(k); err != nil {
			return err
		}
	}
	return t.txn.Delete(tableKey(name))
}

func (t *kvTxn) ReadTable(name string) (*types.Table, error) {
	value, err := t.txn.Get(tableKey(name))
	if err != nil || value == nil {
		return nil, err
	}
	return decodeTable(value)
}

func (t *kvTxn) MustReadTable(name string) (*types.Table, error) {
	table, err := t.ReadTable(name)
	if err != nil {
		return nil, err
	}
	if table == nil {
		return nil, dberr.New(dberr.ErrTableNotFound, "table %s does not exist", name)
	}
	return table, nil
}

func (t *kvTxn) ScanTables() ([]*types.Table, error) {
	it := t.txn.ScanPrefix(tablePrefix())
	defer it.Close()

	var tables []*types.Table
	for it.Next() {
		table, err := decodeTable(it.Value())
		if err != nil {
			return nil, err
		}
		tables = append(tables, table)
	}
	return tables, it.Err()
}

func (t *kvTxn) TableReferences(name string, withSelf bool) ([]TableReference, error) {
	tables, err := t.ScanTables()
	if err != nil {
		return nil, err
	}
	var refs []TableReference
	for _, table := range tables {
		if table.Name == name && !withSelf {
			continue
		}
		var cols []string
		for _, c := range table.Columns {
			if c.References != nil && c.References.Table == name {
				cols = append(cols, c.Name)
			}
		}
		if len(cols) > 0 {
			refs = append(refs, TableReference{Table: table.Name, Columns: cols})
		}
	}
	return refs, nil
}

func decodeTable(value []byte) (*types.Table, error) {
	var table types.Table
	if err := msgpack.Unmarshal(value, &table); err != nil {
		return nil, dberr.Wrap(dberr.ErrCodec, err, "decode table")
	}
	return &table, nil
}

func decodeRow(value []byte) (types.Row, error) {
	var row types.Row
	if err := msgpack.Unmarshal(value, &row); err != nil {
		return nil, dberr.Wrap(dberr.ErrCodec, err, "decode row")
	}
	return row, nil
}

func (t *kvTxn) Create(tableName string, row types.Row) error {
	table, err := t.MustReadTable(tableName)
	if err != nil {
		return err
	}
	if err := table.ValidateRow(row); err != nil {
		return err
	}
	id, err := table.RowKey(row)
	if err != nil {
		return err
	}
	existing, err := t.Read(tableName, id)
	if err != nil {
		return err
	}
	if existing != nil {
		return dberr.New(dberr.ErrValue, "primary key %s already exists in table %s", id.SQL(), tableName)
	}
	if err := t.checkConstraints(table, id, row); err != nil {
		return err
	}
	return t.write(table, id, row)
}

func (t *kvTxn) write(table *types.Table, id types.Value, row types.Row) error {
	value, err := msgpack.Marshal(row)
	if err != nil {
		return dberr.Wrap(dberr.ErrCodec, err, "encode row")
	}
	return t.txn.Set(rowKey(table.Name, id), value)
}

func (t *kvTxn) Read(tableName string, id types.Value) (types.Row, error) {
	value, err := t.txn.Get(rowKey(tableName, id))
	if err != nil || value == nil {
		return nil, err
	}
	return decodeRow(value)
}

func (t *kvTxn) Update(tableName string, id types.Value, row types.Row) error {
	table, err := t.MustReadTable(tableName)
	if err != nil {
		return err
	}
	newID, err := table.RowKey(row)
	if err != nil {
		return err
	}
	if !newID.Equal(id) {
		if err := t.Delete(tableName, id); err != nil {
			return err
		}
		return t.Create(tableName, row)
	}

	existing, err := t.Read(tableName, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return dberr.New(dberr.ErrValue, "primary key %s does not exist in table %s", id.SQL(), tableName)
	}
	if err := table.ValidateRow(row); err != nil {
		return err
	}
	if err := t.checkConstraints(table, id, row); err != nil {
		return err
	}
	return t.write(table, id, row)
}

func (t *kvTxn) Delete(tableName string, id types.Value) error {
	table, err := t.MustReadTable(tableName)
	if err != nil {
		return err
	}
	row, err := t.Read(tableName, id)
	if err != nil {
		return err
	}
	if row == nil {
		return nil
	}

	refs, err := t.TableReferences(tableName, true)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		source, err := t.MustReadTable(ref.Table)
		if err != nil {
			return err
		}
		for _, colName := range ref.Columns {
			ci, _ := source.ColumnIndex(colName)
			ti, err := table.ColumnIndex(source.Columns[ci].References.Column)
			if err != nil {
				return err
			}
			target := row[ti]
			if target.IsNull() {
				continue
			}
			found, err := t.findRow(source, ci, target, func(r types.Row) bool {
				// A row referencing itself does not block its own deletion.
				if source.Name != table.Name {
					return true
				}
				rid, _ := source.RowKey(r)
				return !rid.Equal(id)
			})
			if err != nil {
				return err
			}
			if found != nil {
				fid, _ := source.RowKey(found)
				return dberr.New(dberr.ErrValue, "primary key %s is referenced by table %s column %s row %s",
					id.SQL(), source.Name, colName, fid.SQL())
			}
		}
	}
	return t.txn.Delete(rowKey(tableName, id))
}

// checkConstraints checks unique columns and foreign keys of a row about to
// be written under id.
func (t *kvTxn) checkConstraints(table *types.Table, id types.Value, row types.Row) error {
	pk := table.PrimaryKeyIndex()
	for i, c := range table.Columns {
		v := row[i]
		if v.IsNull() {
			continue
		}
		if c.Unique && i != pk {
			dup, err := t.findRow(table, i, v, func(r types.Row) bool {
				rid, _ := table.RowKey(r)
				return !rid.Equal(id)
			})
			if err != nil {
				return err
			}
			if dup != nil {
				return dberr.New(dberr.ErrValue, "unique value %s already exists for column %s", v.SQL(), c.Name)
			}
		}
		if c.References != nil {
			if err := t.checkReference(table, row, c, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *kvTxn) checkReference(table *types.Table, row types.Row, c *types.Column, v types.Value) error {
	target := table
	if c.References.Table != table.Name {
		var err error
		if target, err = t.MustReadTable(c.References.Table); err != nil {
			return err
		}
	}
	ti, err := target.ColumnIndex(c.References.Column)
	if err != nil {
		return err
	}
	// The row may reference itself.
	if target.Name == table.Name && row[ti].Equal(v) {
		return nil
	}
	var found types.Row
	if ti == target.PrimaryKeyIndex() {
		found, err = t.Read(target.Name, v)
	} else {
		found, err = t.findRow(target, ti, v, nil)
	}
	if err != nil {
		return err
	}
	if found == nil {
		return dberr.New(dberr.ErrValue, "referenced value %s does not exist in %s.%s",
			v.SQL(), target.Name, c.References.Column)
	}
	return nil
}

// findRow returns the first row of table whose column equals v and for which
// keep returns true.
func (t *kvTxn) findRow(table *types.Table, column int, v types.Value, keep func(types.Row) bool) (types.Row, error) {
	rows, err := t.Scan(table.Name, &types.Compare{
		Op:    types.OpEqual,
		Left:  &types.Field{Index: column, Label: table.Columns[column].Name},
		Right: &types.Constant{Value: v},
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for {
		row, err := rows.Next()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(row) {
			return row, nil
		}
	}
}

func (t *kvTxn) Scan(tableName string, filter types.Expression) (types.Rows, error) {
	if _, err := t.MustReadTable(tableName); err != nil {
		return nil, err
	}
	return &kvRows{it: t.txn.ScanPrefix(rowPrefix(tableName)), filter: filter}, nil
}

// kvRows decodes rows lazily from an MVCC scan.
type kvRows struct {
	it     storage.Iterator
	filter types.Expression
}

func (r *kvRows) Next() (types.Row, error) {
	for r.it.Next() {
		row, err := decodeRow(r.it.Value())
		if err != nil {
			return nil, err
		}
		if r.filter != nil {
			ok, err := types.EvaluatePredicate(r.filter, row)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		return row, nil
	}
	if err := r.it.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (r *kvRows) Close() error {
	return r.it.Close()
}
