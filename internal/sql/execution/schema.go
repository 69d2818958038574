package execution

import (
	"github.com/myuser/cinderdb/internal/sql/engine"
	"github.com/myuser/cinderdb/internal/sql/types"
)

type CreateTable struct {
	Table *types.Table
}

func (n *CreateTable) Execute(txn engine.Transaction) (ResultSet, error) {
	if err := txn.CreateTable(n.Table); err != nil {
		return ResultSet{}, err
	}
	return message("Created table %s", n.Table.Name), nil
}

type DropTable struct {
	Table    string
	IfExists bool
}

func (n *DropTable) Execute(txn engine.Transaction) (ResultSet, error) {
	if n.IfExists {
		table, err := txn.ReadTable(n.Table)
		if err != nil {
			return ResultSet{}, err
		}
		if table == nil {
			return message("Table %s does not exist", n.Table), nil
		}
	}
	if err := txn.DeleteTable(n.Table); err != nil {
		return ResultSet{}, err
	}
	return message("Dropped table %s", n.Table), nil
}
