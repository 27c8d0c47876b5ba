// Package txn holds the data model shared by every stage of the transaction
// pipeline: identifiers, transaction kinds and the Transaction record itself.
package txn

import (
	"fmt"
	"sort"
)

// NodeID identifies a participant (client, server or mirror).
type NodeID uint64

// TransactionID is the per-originator sequence number of a transaction.
type TransactionID uint64

// SequenceID is the client-local counter used for gap and reorder detection.
type SequenceID uint64

// TxnBatchID identifies a wire-level group of transactions from one originator.
type TxnBatchID uint64

// ObjectID identifies one persistent object.
type ObjectID uint64

// LockID names a mutual exclusion domain. Carried for bookkeeping only.
type LockID string

// GlobalTransactionID totally orders every committed transaction.
// NullGID means no GID has been attached yet.
type GlobalTransactionID uint64

const NullGID GlobalTransactionID = 0

func (g GlobalTransactionID) IsNull() bool {
	return g == NullGID
}

// ServerTransactionID is the cluster-unique key of a transaction.
type ServerTransactionID struct {
	Source NodeID
	ID     TransactionID
}

func NewServerTransactionID(source NodeID, id TransactionID) ServerTransactionID {
	return ServerTransactionID{Source: source, ID: id}
}

func (s ServerTransactionID) String() string {
	return fmt.Sprintf("%d:%d", s.Source, s.ID)
}

// Less orders ids by source and then by transaction id.
func (s ServerTransactionID) Less(o ServerTransactionID) bool {
	if s.Source != o.Source {
		return s.Source < o.Source
	}
	return s.ID < o.ID
}

// Kind is the tagged variant of a transaction.
type Kind uint8

const (
	KindNormal Kind = iota
	KindSyncWrite
	KindResent
	KindEviction
)

func (k Kind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindSyncWrite:
		return "sync_write"
	case KindResent:
		return "resent"
	case KindEviction:
		return "eviction"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Change is one mutation record against an object.
type Change struct {
	ObjectID ObjectID
	Data     []byte
	// Delta marks a partial update merged onto the current value instead of replacing it.
	Delta bool
}

// Notify is a wait/notify record carried on a lock.
type Notify struct {
	LockID LockID
	All    bool
}

// Transaction is one atomic batch of object mutations from a client.
// Everything but the GID is fixed once the transaction is created.
type Transaction struct {
	ID         ServerTransactionID
	BatchID    TxnBatchID
	SequenceID SequenceID
	Kind       Kind
	GID        GlobalTransactionID

	Changes    []Change
	ObjectIDs  []ObjectID // read/write footprint
	NewObjects []ObjectID
	NewRoots   map[string]ObjectID
	Notifies   []Notify
	Locks      []LockID
}

// Footprint returns every object the transaction reads, mutates or creates.
func (t *Transaction) Footprint() ObjectSet {
	s := make(ObjectSet, len(t.ObjectIDs)+len(t.NewObjects))
	s.Add(t.ObjectIDs...)
	s.Add(t.NewObjects...)
	for _, c := range t.Changes {
		s.Add(c.ObjectID)
	}
	return s
}

func (t *Transaction) IsResent() bool {
	return t.Kind == KindResent
}

// AttachGID sets the transaction's GID. Attaching the same value twice is a
// no-op; attaching a different one is a fault.
func (t *Transaction) AttachGID(gid GlobalTransactionID) error {
	if gid.IsNull() {
		return fmt.Errorf("transaction %s: cannot attach null GID", t.ID)
	}
	if !t.GID.IsNull() && t.GID != gid {
		return fmt.Errorf("transaction %s: GID already %d, refusing %d", t.ID, t.GID, gid)
	}
	t.GID = gid
	return nil
}

func (t *Transaction) String() string {
	return fmt.Sprintf("txn[%s batch=%d seq=%d kind=%s gid=%d]", t.ID, t.BatchID, t.SequenceID, t.Kind, t.GID)
}

// IDs returns the server transaction ids of txns in order.
func IDs(txns []*Transaction) []ServerTransactionID {
	ids := make([]ServerTransactionID, len(txns))
	for i, t := range txns {
		ids[i] = t.ID
	}
	return ids
}

// ObjectSet is a set of object ids.
type ObjectSet map[ObjectID]struct{}

func NewObjectSet(ids ...ObjectID) ObjectSet {
	s := make(ObjectSet, len(ids))
	s.Add(ids...)
	return s
}

func (s ObjectSet) Add(ids ...ObjectID) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

func (s ObjectSet) AddAll(o ObjectSet) {
	for id := range o {
		s[id] = struct{}{}
	}
}

func (s ObjectSet) Contains(id ObjectID) bool {
	_, ok := s[id]
	return ok
}

// Intersects reports whether the two sets share any object.
func (s ObjectSet) Intersects(o ObjectSet) bool {
	a, b := s, o
	if len(a) > len(b) {
		a, b = b, a
	}
	for id := range a {
		if _, ok := b[id]; ok {
			return true
		}
	}
	return false
}

// Sorted returns the ids in ascending order.
func (s ObjectSet) Sorted() []ObjectID {
	ids := make([]ObjectID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ObjectVersion is the state of an object after a transaction applied to it.
type ObjectVersion struct {
	ObjectID ObjectID
	Version  uint64
	Data     []byte
	Created  bool
}
