package types

import (
	"fmt"
	"strings"

	"github.com/myuser/cinderdb/internal/dberr"
)

// Table is a table schema. Exactly one column is the primary key.
type Table struct {
	Name    string    `msgpack:"name" json:"name"`
	Columns []*Column `msgpack:"columns" json:"columns"`
}

type Column struct {
	Name       string     `msgpack:"name" json:"name"`
	Type       DataType   `msgpack:"type" json:"type"`
	PrimaryKey bool       `msgpack:"primary_key" json:"primary_key"`
	Nullable   bool       `msgpack:"nullable" json:"nullable"`
	Default    *Value     `msgpack:"default" json:"default,omitempty"`
	Unique     bool       `msgpack:"unique" json:"unique"`
	References *Reference `msgpack:"references" json:"references,omitempty"`
}

// Reference is a foreign key target.
type Reference struct {
	Table  string `msgpack:"table" json:"table"`
	Column string `msgpack:"column" json:"column"`
}

// Validate checks the schema on its own, without looking at other tables.
func (t *Table) Validate() error {
	if t.Name == "" {
		return dberr.New(dberr.ErrValue, "table name can't be empty")
	}
	if len(t.Columns) == 0 {
		return dberr.New(dberr.ErrValue, "table %s has no columns", t.Name)
	}
	pks := 0
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if seen[c.Name] {
			return dberr.New(dberr.ErrValue, "duplicate column %s in table %s", c.Name, t.Name)
		}
		seen[c.Name] = true

		if c.PrimaryKey {
			pks++
			if c.Nullable {
				return dberr.New(dberr.ErrValue, "primary key %s can't be nullable", c.Name)
			}
		}
		if c.Default != nil {
			if c.Default.IsNull() && !c.Nullable {
				return dberr.New(dberr.ErrValue, "column %s can't default to NULL", c.Name)
			}
			if !c.Default.IsNull() && c.Default.Type() != c.Type {
				return dberr.New(dberr.ErrTypeDoesNotMatch, "default for column %s has type %s, expected %s",
					c.Name, c.Default.Type(), c.Type)
			}
		}
	}
	if pks != 1 {
		return dberr.New(dberr.ErrValue, "table %s must have exactly one primary key, found %d", t.Name, pks)
	}
	return nil
}

// PrimaryKeyIndex returns the position of the primary key column.
func (t *Table) PrimaryKeyIndex() int {
	for i, c := range t.Columns {
		if c.PrimaryKey {
			return i
		}
	}
	return -1
}

func (t *Table) ColumnIndex(name string) (int, error) {
	for i, c := range t.Columns {
		if c.Name == name {
			return i, nil
		}
	}
	return 0, dberr.New(dberr.ErrColumnDoesNotExist, "column %s does not exist in table %s", name, t.Name)
}

// RowKey returns the primary key value of row.
func (t *Table) RowKey(row Row) (Value, error) {
	i := t.PrimaryKeyIndex()
	if i < 0 || i >= len(row) {
		return Value{}, dberr.Internal("row has no primary key for table %s", t.Name)
	}
	return row[i], nil
}

// ValidateRow checks a row against the column definitions. Uniqueness and
// foreign keys need other rows and are checked by the transaction.
func (t *Table) ValidateRow(row Row) error {
	if len(row) != len(t.Columns) {
		return dberr.New(dberr.ErrValue, "row has %d values, table %s has %d columns", len(row), t.Name, len(t.Columns))
	}
	for i, c := range t.Columns {
		v := row[i]
		if v.IsNull() {
			if !c.Nullable {
				return dberr.New(dberr.ErrValue, "NULL value not allowed for column %s", c.Name)
			}
			continue
		}
		if v.Type() != c.Type {
			return dberr.New(dberr.ErrTypeDoesNotMatch, "invalid %s value for %s column %s", v.Type(), c.Type, c.Name)
		}
	}
	return nil
}

func (t *Table) String() string {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = c.String()
	}
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", t.Name, strings.Join(cols, ",\n  "))
}

func (c *Column) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", c.Name, c.Type)
	if c.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
	} else if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if c.Default != nil {
		fmt.Fprintf(&b, " DEFAULT %s", c.Default.SQL())
	}
	if c.Unique && !c.PrimaryKey {
		b.WriteString(" UNIQUE")
	}
	if c.References != nil {
		fmt.Fprintf(&b, " REFERENCES %s(%s)", c.References.Table, c.References.Column)
	}
	return b.String()
}
