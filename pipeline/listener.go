package pipeline

import (
	"github.com/maxpert/txncoord/coordinator"
	"github.com/maxpert/txncoord/resent"
	"github.com/maxpert/txncoord/txn"
)

// resentListener feeds coordinator lifecycle events back into the resent
// sequencer, which releases fresh work only after replayed work completed.
type resentListener struct {
	coordinator.NopListener
	seq *resent.Sequencer
}

func (l resentListener) TransactionCompleted(id txn.ServerTransactionID) {
	l.seq.ResentTransactionCompleted(id)
}

func (l resentListener) ClearTransactionsFor(node txn.NodeID) {
	l.seq.ClearAllTransactionsFor(node)
}

func (l resentListener) TransactionManagerStarted(live []txn.NodeID) {
	l.seq.TransactionManagerStarted(live)
}
