package resent

import (
	"fmt"

	"github.com/maxpert/txncoord/txn"
)

// StateError reports a call that does not fit the sequencer's current state.
type StateError struct {
	Op     string
	ID     txn.ServerTransactionID
	Reason string
}

func (e *StateError) Error() string {
	if e.ID == (txn.ServerTransactionID{}) {
		return fmt.Sprintf("resent sequencer %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("resent sequencer %s %s: %s", e.Op, e.ID, e.Reason)
}
