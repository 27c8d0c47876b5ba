package coordinator

import (
	"sort"

	"github.com/maxpert/txncoord/txn"
)

// lifecycle flags of one account entry
const (
	flagApplyCommitted uint8 = 1 << iota
	flagMetadata
	flagRelayed
	flagBroadcast

	flagsAll = flagApplyCommitted | flagMetadata | flagRelayed | flagBroadcast
)

type accountEntry struct {
	flags   uint8
	waitees map[txn.NodeID]struct{}
}

func (e *accountEntry) complete() bool {
	return e.flags == flagsAll && len(e.waitees) == 0
}

// TransactionAccount is the ledger of one originator's transactions whose
// lifecycle is not complete. It is owned by the Manager and only touched under
// the Manager's lock.
type TransactionAccount struct {
	node    txn.NodeID
	entries map[txn.TransactionID]*accountEntry
	// dying accounts retire once their last entry completes
	dying bool
}

func newTransactionAccount(node txn.NodeID) *TransactionAccount {
	return &TransactionAccount{
		node:    node,
		entries: make(map[txn.TransactionID]*accountEntry),
	}
}

func (a *TransactionAccount) incoming(id txn.TransactionID, initial uint8) bool {
	if _, ok := a.entries[id]; ok {
		return false
	}
	a.entries[id] = &accountEntry{flags: initial}
	return true
}

// set raises flag on id and reports whether the entry completed and was removed.
func (a *TransactionAccount) set(id txn.TransactionID, flag uint8) (completed, found bool) {
	e, ok := a.entries[id]
	if !ok {
		return false, false
	}
	e.flags |= flag
	return a.removeIfComplete(id, e), true
}

func (a *TransactionAccount) addWaitee(id txn.TransactionID, waitee txn.NodeID) bool {
	e, ok := a.entries[id]
	if !ok {
		return false
	}
	if e.waitees == nil {
		e.waitees = make(map[txn.NodeID]struct{})
	}
	e.waitees[waitee] = struct{}{}
	return true
}

// removeWaitee drops waitee from id. ok is false when waitee was not waited on.
func (a *TransactionAccount) removeWaitee(id txn.TransactionID, waitee txn.NodeID) (completed, ok bool) {
	e, found := a.entries[id]
	if !found {
		return false, false
	}
	if _, waiting := e.waitees[waitee]; !waiting {
		return false, false
	}
	delete(e.waitees, waitee)
	return a.removeIfComplete(id, e), true
}

// requestersWaitingFor lists transactions that still wait on node.
func (a *TransactionAccount) requestersWaitingFor(node txn.NodeID) []txn.TransactionID {
	var ids []txn.TransactionID
	for id, e := range a.entries {
		if _, ok := e.waitees[node]; ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (a *TransactionAccount) hasWaitees(id txn.TransactionID) bool {
	e, ok := a.entries[id]
	return ok && len(e.waitees) > 0
}

func (a *TransactionAccount) removeIfComplete(id txn.TransactionID, e *accountEntry) bool {
	if !e.complete() {
		return false
	}
	delete(a.entries, id)
	return true
}

func (a *TransactionAccount) pendingIDs() []txn.ServerTransactionID {
	ids := make([]txn.ServerTransactionID, 0, len(a.entries))
	for id := range a.entries {
		ids = append(ids, txn.NewServerTransactionID(a.node, id))
	}
	return ids
}

func (a *TransactionAccount) empty() bool {
	return len(a.entries) == 0
}
