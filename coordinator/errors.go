package coordinator

import (
	"fmt"

	"github.com/maxpert/txncoord/txn"
)

// NodeShutdownError rejects work from a node that has begun shutting down
type NodeShutdownError struct {
	Node txn.NodeID
}

func (e *NodeShutdownError) Error() string {
	return fmt.Sprintf("node %d is shut down, rejecting incoming transactions", e.Node)
}

// NotWaiteeError represents an acknowledgement from a node the transaction is not waiting on
type NotWaiteeError struct {
	Waiter txn.NodeID
	ID     txn.TransactionID
	Waitee txn.NodeID
}

func (e *NotWaiteeError) Error() string {
	return fmt.Sprintf("acknowledgement from %d for %d:%d which is not waiting on it", e.Waitee, e.Waiter, e.ID)
}

// UnknownTransactionError indicates a lifecycle call for a transaction the account does not hold
type UnknownTransactionError struct {
	ID txn.ServerTransactionID
	Op string
}

func (e *UnknownTransactionError) Error() string {
	return fmt.Sprintf("%s: unknown transaction %s", e.Op, e.ID)
}

// DuplicateTransactionError indicates a transaction id arriving twice while still in flight
type DuplicateTransactionError struct {
	ID txn.ServerTransactionID
}

func (e *DuplicateTransactionError) Error() string {
	return fmt.Sprintf("transaction %s is already in flight", e.ID)
}
