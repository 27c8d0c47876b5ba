package sequencer

import (
	"fmt"

	"github.com/maxpert/txncoord/txn"
)

// PendingStateError is a pend/unpend call out of sequence: pending a transaction
// twice or one still queued, or unpending one that is not pending.
type PendingStateError struct {
	ID      txn.ServerTransactionID
	Op      string
	Pending bool
	Queued  bool
}

func (e *PendingStateError) Error() string {
	switch {
	case e.Pending:
		return fmt.Sprintf("%s %s: already pending", e.Op, e.ID)
	case e.Queued:
		return fmt.Sprintf("%s %s: still queued, not yet returned", e.Op, e.ID)
	default:
		return fmt.Sprintf("%s %s: not pending", e.Op, e.ID)
	}
}
