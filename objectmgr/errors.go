package objectmgr

import (
	"fmt"

	"github.com/maxpert/txncoord/txn"
)

// ObjectExistsError is a fresh transaction creating an object that already
// exists. Only resent transactions may replay a creation.
type ObjectExistsError struct {
	ID       txn.ServerTransactionID
	ObjectID txn.ObjectID
}

func (e *ObjectExistsError) Error() string {
	return fmt.Sprintf("transaction %s creates object %d which already exists", e.ID, e.ObjectID)
}
