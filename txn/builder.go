package txn

// Builder provides a fluent API for building transactions, mostly for tests
// and for collaborators that decode batches off the wire.
type Builder struct {
	txn *Transaction
}

// NewBuilder creates a builder for a normal transaction from source.
func NewBuilder(source NodeID, id TransactionID) *Builder {
	return &Builder{
		txn: &Transaction{
			ID:         NewServerTransactionID(source, id),
			BatchID:    1,
			SequenceID: SequenceID(id),
			Kind:       KindNormal,
		},
	}
}

// WithObjects sets the read/write footprint and adds one change per object.
func (b *Builder) WithObjects(ids ...ObjectID) *Builder {
	b.txn.ObjectIDs = append(b.txn.ObjectIDs, ids...)
	for _, id := range ids {
		b.txn.Changes = append(b.txn.Changes, Change{ObjectID: id, Data: []byte{byte(id)}})
	}
	return b
}

// WithChange appends an explicit change record.
func (b *Builder) WithChange(id ObjectID, data []byte, delta bool) *Builder {
	b.txn.ObjectIDs = append(b.txn.ObjectIDs, id)
	b.txn.Changes = append(b.txn.Changes, Change{ObjectID: id, Data: data, Delta: delta})
	return b
}

// WithNewObjects marks objects created by this transaction.
func (b *Builder) WithNewObjects(ids ...ObjectID) *Builder {
	b.txn.NewObjects = append(b.txn.NewObjects, ids...)
	for _, id := range ids {
		b.txn.Changes = append(b.txn.Changes, Change{ObjectID: id, Data: []byte{byte(id)}})
	}
	return b
}

// WithRoot binds a root name to an object.
func (b *Builder) WithRoot(name string, id ObjectID) *Builder {
	if b.txn.NewRoots == nil {
		b.txn.NewRoots = make(map[string]ObjectID)
	}
	b.txn.NewRoots[name] = id
	return b
}

func (b *Builder) WithBatch(id TxnBatchID) *Builder {
	b.txn.BatchID = id
	return b
}

func (b *Builder) WithSequence(id SequenceID) *Builder {
	b.txn.SequenceID = id
	return b
}

func (b *Builder) WithKind(k Kind) *Builder {
	b.txn.Kind = k
	return b
}

// Resent marks the transaction as replayed with a previously assigned GID.
func (b *Builder) Resent(gid GlobalTransactionID) *Builder {
	b.txn.Kind = KindResent
	b.txn.GID = gid
	return b
}

func (b *Builder) WithLocks(ids ...LockID) *Builder {
	b.txn.Locks = append(b.txn.Locks, ids...)
	return b
}

func (b *Builder) WithNotify(lock LockID, all bool) *Builder {
	b.txn.Notifies = append(b.txn.Notifies, Notify{LockID: lock, All: all})
	return b
}

func (b *Builder) Build() *Transaction {
	return b.txn
}
