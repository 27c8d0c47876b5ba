package checkout

import (
	"fmt"

	"github.com/maxpert/txncoord/txn"
)

// NotHeldError is returned when a release names an object the owner does not hold.
type NotHeldError struct {
	Owner       txn.ServerTransactionID
	ObjectID    txn.ObjectID
	Holder      txn.ServerTransactionID
	HeldByOther bool
}

func (e *NotHeldError) Error() string {
	if e.HeldByOther {
		return fmt.Sprintf("release of object %d by %s: held by %s", e.ObjectID, e.Owner, e.Holder)
	}
	return fmt.Sprintf("release of object %d by %s: not checked out", e.ObjectID, e.Owner)
}
