// Package repository defines error types that are reused across the
// ledger repositories.  These sentinel values allow higher layers such as
// the order writer and handlers to distinguish between failure scenarios
// without inspecting driver errors.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrProductNotFound indicates that a product id is unknown to the ledger.
var ErrProductNotFound = errors.New("product not found")

// ErrOrderNotFound indicates that an order id is unknown, or that it
// belongs to a different buyer when the lookup is buyer-scoped.
var ErrOrderNotFound = errors.New("order not found")

// ErrOrderExists is returned by OrderRepo.Create when a row with the same
// id is already present.  Because ids are generated before the insert this
// means an earlier attempt of the same insert succeeded.
var ErrOrderExists = errors.New("order already exists")

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
