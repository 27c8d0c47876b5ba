package db

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"

	"github.com/maxpert/txncoord/encoding"
	"github.com/maxpert/txncoord/hlc"
	"github.com/maxpert/txncoord/txn"
)

// Handle is one open storage transaction.
type Handle interface {
	PutObject(rec *ObjectRecord) error
	PutGID(id txn.ServerTransactionID, gid txn.GlobalTransactionID) error
	PutCommit(rec *CommitRecord) error
	PutRoot(name string, oid txn.ObjectID) error
	// Len is the number of writes staged so far.
	Len() int
}

// TransactionProvider opens and commits storage transactions.
type TransactionProvider interface {
	NewTransaction() Handle
	Commit(h Handle) error
}

// ObjectRecord is the durable state of one object.
type ObjectRecord struct {
	ObjectID    txn.ObjectID            `msgpack:"oid"`
	Version     uint64                  `msgpack:"v"`
	Data        []byte                  `msgpack:"d"`
	Compressed  bool                    `msgpack:"z,omitempty"`
	Checksum    uint64                  `msgpack:"c"`
	GID         txn.GlobalTransactionID `msgpack:"g"`
	CommittedAt hlc.Timestamp           `msgpack:"ts"`
}

// decode reverses the compression applied by PutObject and checks the payload.
func (r *ObjectRecord) decode() error {
	if r.Compressed {
		data, err := encoding.Decompress(r.Data)
		if err != nil {
			return fmt.Errorf("decompress object %d: %w", r.ObjectID, err)
		}
		r.Data = data
		r.Compressed = false
	}
	if sum := xxhash.Sum64(r.Data); sum != r.Checksum {
		return &ChecksumError{ObjectID: r.ObjectID, Expected: r.Checksum, Actual: sum}
	}
	return nil
}

// CommitRecord is the durable entry of one committed transaction, keyed by GID.
type CommitRecord struct {
	GID         txn.GlobalTransactionID `msgpack:"g"`
	Source      txn.NodeID              `msgpack:"src"`
	ID          txn.TransactionID       `msgpack:"id"`
	Kind        txn.Kind                `msgpack:"k"`
	Objects     []txn.ObjectID          `msgpack:"o"`
	CommittedAt hlc.Timestamp           `msgpack:"ts"`
}

// Txn is the pebble-backed Handle. Writes are staged in a batch.
type Txn struct {
	store    *Store
	batch    *pebble.Batch
	ops      int
	done     bool
	counters map[string]uint64
}

func (t *Txn) PutObject(rec *ObjectRecord) error {
	stored := *rec
	stored.Checksum = xxhash.Sum64(rec.Data)
	stored.Compressed = false
	if th := t.store.opts.CompressThresholdBytes; th > 0 && len(rec.Data) >= th {
		stored.Data = encoding.Compress(rec.Data)
		stored.Compressed = true
	}

	val, err := encoding.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encode object %d: %w", rec.ObjectID, err)
	}
	return t.set(objectKey(rec.ObjectID), val)
}

// PutGID records the mapping of id to gid and raises the durable GID
// high-water mark when the handle commits.
func (t *Txn) PutGID(id txn.ServerTransactionID, gid txn.GlobalTransactionID) error {
	if gid.IsNull() {
		return fmt.Errorf("put GID for %s: null GID", id)
	}
	if err := t.set(gidKey(id), uint64Bytes(uint64(gid))); err != nil {
		return err
	}
	if uint64(gid) > t.counters[CounterGID] {
		t.counters[CounterGID] = uint64(gid)
	}
	return nil
}

func (t *Txn) PutCommit(rec *CommitRecord) error {
	val, err := encoding.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode commit record %d: %w", rec.GID, err)
	}
	return t.set(commitKey(rec.GID), val)
}

func (t *Txn) PutRoot(name string, oid txn.ObjectID) error {
	return t.set([]byte(prefixRoot+name), uint64Bytes(uint64(oid)))
}

func (t *Txn) Len() int {
	return t.ops
}

func (t *Txn) set(key, val []byte) error {
	if t.done {
		return fmt.Errorf("write to finished handle")
	}
	if err := t.batch.Set(key, val, nil); err != nil {
		return err
	}
	t.ops++
	return nil
}
