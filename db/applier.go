package db

import (
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txncoord/hlc"
	"github.com/maxpert/txncoord/txn"
)

// ObjectReader reads durable object state.
type ObjectReader interface {
	Object(oid txn.ObjectID) (*ObjectRecord, error)
}

// Applier computes the object versions a transaction produces on top of the
// durable state. It must only run while the transaction holds its footprint,
// which guarantees the previous writer of every object is already durable.
type Applier struct {
	reader ObjectReader
}

func NewApplier(reader ObjectReader) *Applier {
	return &Applier{reader: reader}
}

// Apply returns one version per object the transaction touches, in first-touch
// order. New objects listed in existing are replayed creations and are left
// untouched.
func (a *Applier) Apply(tx *txn.Transaction, existing txn.ObjectSet) ([]txn.ObjectVersion, error) {
	created := txn.NewObjectSet(tx.NewObjects...)
	skip := func(oid txn.ObjectID) bool {
		return created.Contains(oid) && existing.Contains(oid)
	}

	var order []txn.ObjectID
	versions := make(map[txn.ObjectID]*txn.ObjectVersion)
	touch := func(oid txn.ObjectID) (*txn.ObjectVersion, error) {
		if v, ok := versions[oid]; ok {
			return v, nil
		}
		v := &txn.ObjectVersion{ObjectID: oid, Version: 1, Created: created.Contains(oid)}
		if !v.Created {
			rec, err := a.reader.Object(oid)
			if err != nil {
				return nil, err
			}
			if rec != nil {
				v.Version = rec.Version + 1
				v.Data = rec.Data
			} else {
				log.Debug().Uint64("object_id", uint64(oid)).Str("txn", tx.ID.String()).Msg("Change to unknown object, creating")
				v.Created = true
			}
		}
		versions[oid] = v
		order = append(order, oid)
		return v, nil
	}

	for _, c := range tx.Changes {
		if skip(c.ObjectID) {
			continue
		}
		v, err := touch(c.ObjectID)
		if err != nil {
			return nil, err
		}
		if c.Delta {
			merged := make([]byte, 0, len(v.Data)+len(c.Data))
			merged = append(merged, v.Data...)
			v.Data = append(merged, c.Data...)
		} else {
			v.Data = c.Data
		}
	}
	for _, oid := range tx.NewObjects {
		if skip(oid) {
			continue
		}
		if _, err := touch(oid); err != nil {
			return nil, err
		}
	}

	out := make([]txn.ObjectVersion, 0, len(order))
	for _, oid := range order {
		out = append(out, *versions[oid])
	}
	return out, nil
}

// WriteCommit stages the effects of one committed transaction in h and
// returns the number of writes it added. The GID mapping itself is written by
// the GID authority.
func WriteCommit(h Handle, tx *txn.Transaction, versions []txn.ObjectVersion, ts hlc.Timestamp) (int, error) {
	before := h.Len()

	objects := make([]txn.ObjectID, 0, len(versions))
	for _, v := range versions {
		rec := &ObjectRecord{
			ObjectID:    v.ObjectID,
			Version:     v.Version,
			Data:        v.Data,
			GID:         tx.GID,
			CommittedAt: ts,
		}
		if err := h.PutObject(rec); err != nil {
			return h.Len() - before, err
		}
		objects = append(objects, v.ObjectID)
	}

	for name, oid := range tx.NewRoots {
		if err := h.PutRoot(name, oid); err != nil {
			return h.Len() - before, err
		}
	}

	err := h.PutCommit(&CommitRecord{
		GID:         tx.GID,
		Source:      tx.ID.Source,
		ID:          tx.ID.ID,
		Kind:        tx.Kind,
		Objects:     objects,
		CommittedAt: ts,
	})
	return h.Len() - before, err
}
