package gtx

import (
	"fmt"

	"github.com/maxpert/txncoord/txn"
)

// GIDConflictError reports an attempt to bind a transaction to a second GID or
// a GID to a second transaction.
type GIDConflictError struct {
	ID           txn.ServerTransactionID
	Existing     txn.GlobalTransactionID
	Requested    txn.GlobalTransactionID
	Owner        txn.ServerTransactionID
	OwnedByOther bool
}

func (e *GIDConflictError) Error() string {
	if e.OwnedByOther {
		return fmt.Sprintf("GID %d requested by %s already belongs to %s", e.Requested, e.ID, e.Owner)
	}
	return fmt.Sprintf("transaction %s already has GID %d, refusing %d", e.ID, e.Existing, e.Requested)
}
