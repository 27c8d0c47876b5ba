// Package gtx is the single authority for Global Transaction IDs.
//
// A GID is allocated at commit time, inside the storage transaction that makes
// its transaction durable, so GIDs increase in commit order and a mapping is
// never visible without its transaction. Mappings stay pending until the
// commit stage confirms the flush with MarkDurable; a failed flush is undone
// with Abort, which also rolls the counter back to the durable value.
package gtx

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txncoord/telemetry"
	"github.com/maxpert/txncoord/txn"
)

// MappingWriter stages a GID mapping in an open storage transaction.
type MappingWriter interface {
	PutGID(id txn.ServerTransactionID, gid txn.GlobalTransactionID) error
}

// MappingStore reads durable GID state.
type MappingStore interface {
	GID(id txn.ServerTransactionID) (txn.GlobalTransactionID, bool, error)
	GIDOwner(gid txn.GlobalTransactionID) (txn.ServerTransactionID, bool, error)
	LastGID() (txn.GlobalTransactionID, error)
}

type Authority struct {
	store MappingStore

	mu sync.Mutex
	// last allocated, durable or not
	next txn.GlobalTransactionID
	// highest GID confirmed durable
	durable txn.GlobalTransactionID
	// highest GID seen on a resent transaction
	floor txn.GlobalTransactionID
	// pending mappings in both directions, guarded by mu for writes
	pending *xsync.MapOf[txn.ServerTransactionID, txn.GlobalTransactionID]
	owners  map[txn.GlobalTransactionID]txn.ServerTransactionID

	durableCache *lru.Cache[txn.ServerTransactionID, txn.GlobalTransactionID]
	waiters      *WaitQueue
}

// NewAuthority restores the counter from the durable high-water mark.
func NewAuthority(store MappingStore, cacheSize int) (*Authority, error) {
	last, err := store.LastGID()
	if err != nil {
		return nil, err
	}
	if cacheSize <= 0 {
		cacheSize = 10000
	}
	cache, err := lru.New[txn.ServerTransactionID, txn.GlobalTransactionID](cacheSize)
	if err != nil {
		return nil, err
	}

	telemetry.DurableGID.Set(float64(last))
	log.Info().Uint64("durable_gid", uint64(last)).Msg("GID authority restored")

	return &Authority{
		store:        store,
		next:         last,
		durable:      last,
		pending:      xsync.NewMapOf[txn.ServerTransactionID, txn.GlobalTransactionID](),
		owners:       make(map[txn.GlobalTransactionID]txn.ServerTransactionID),
		durableCache: cache,
		waiters:      NewWaitQueue(last),
	}, nil
}

// GetOrCreateGlobalTransactionID returns the GID of id, allocating the next
// counter value and staging the mapping in w if id has none yet.
func (a *Authority) GetOrCreateGlobalTransactionID(w MappingWriter, id txn.ServerTransactionID) (txn.GlobalTransactionID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	gid, found, err := a.lookupLocked(id)
	if err != nil || found {
		return gid, err
	}

	gid = a.next + 1
	if err := w.PutGID(id, gid); err != nil {
		return txn.NullGID, err
	}
	a.next = gid
	a.pending.Store(id, gid)
	a.owners[gid] = id
	return gid, nil
}

// Register stages the pre-existing GID of a resent transaction. Registering
// the same pair again is a no-op. Mapping id to a different GID, or gid to a
// different transaction, is a GIDConflictError.
func (a *Authority) Register(w MappingWriter, id txn.ServerTransactionID, gid txn.GlobalTransactionID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, found, err := a.lookupLocked(id)
	if err != nil {
		return err
	}
	if found {
		if existing != gid {
			return &GIDConflictError{ID: id, Existing: existing, Requested: gid}
		}
		return nil
	}

	owner, taken, err := a.ownerLocked(gid)
	if err != nil {
		return err
	}
	if taken && owner != id {
		return &GIDConflictError{ID: id, Requested: gid, Owner: owner, OwnedByOther: true}
	}

	if err := w.PutGID(id, gid); err != nil {
		return err
	}
	a.pending.Store(id, gid)
	a.owners[gid] = id
	if gid > a.next {
		a.next = gid
	}
	return nil
}

// Assign attaches a GID to tx, allocating one for fresh transactions and
// registering the carried one for resent transactions.
func (a *Authority) Assign(w MappingWriter, tx *txn.Transaction) (txn.GlobalTransactionID, error) {
	if !tx.GID.IsNull() {
		return tx.GID, a.Register(w, tx.ID, tx.GID)
	}
	gid, err := a.GetOrCreateGlobalTransactionID(w, tx.ID)
	if err != nil {
		return txn.NullGID, err
	}
	return gid, tx.AttachGID(gid)
}

// Observe raises the counter so that fresh allocations land above gid.
func (a *Authority) Observe(gid txn.GlobalTransactionID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if gid > a.floor {
		a.floor = gid
	}
	if gid > a.next {
		a.next = gid
	}
}

// GlobalTransactionID returns the GID mapped to id, pending or durable.
func (a *Authority) GlobalTransactionID(id txn.ServerTransactionID) (txn.GlobalTransactionID, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lookupLocked(id)
}

// IsCommitted reports whether id has a durable GID mapping.
func (a *Authority) IsCommitted(id txn.ServerTransactionID) bool {
	if _, ok := a.pending.Load(id); ok {
		return false
	}
	if _, ok := a.durableCache.Get(id); ok {
		return true
	}
	gid, found, err := a.store.GID(id)
	if err != nil {
		log.Warn().Err(err).Str("txn", id.String()).Msg("GID lookup failed")
		return false
	}
	if found {
		a.durableCache.Add(id, gid)
	}
	return found
}

// MarkDurable confirms that the mappings of ids reached storage.
func (a *Authority) MarkDurable(ids []txn.ServerTransactionID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, id := range ids {
		gid, ok := a.pending.LoadAndDelete(id)
		if !ok {
			continue
		}
		delete(a.owners, gid)
		a.durableCache.Add(id, gid)
		if gid > a.durable {
			a.durable = gid
		}
	}
	telemetry.DurableGID.Set(float64(a.durable))
	a.waiters.NotifyUpTo(a.durable)
}

// Abort drops the pending mappings of ids after a failed flush and rolls the
// counter back so the lost values are handed out again.
func (a *Authority) Abort(ids []txn.ServerTransactionID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, id := range ids {
		if gid, ok := a.pending.LoadAndDelete(id); ok {
			delete(a.owners, gid)
		}
	}

	next := a.durable
	if a.floor > next {
		next = a.floor
	}
	for gid := range a.owners {
		if gid > next {
			next = gid
		}
	}
	log.Warn().
		Uint64("from", uint64(a.next)).
		Uint64("to", uint64(next)).
		Int("aborted", len(ids)).
		Msg("GID counter rolled back")
	a.next = next
}

// DurableGID is the highest GID confirmed durable.
func (a *Authority) DurableGID() txn.GlobalTransactionID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.durable
}

// WaitDurable blocks until gid is durable or ctx is done.
func (a *Authority) WaitDurable(ctx context.Context, gid txn.GlobalTransactionID) error {
	return a.waiters.Wait(ctx, gid)
}

func (a *Authority) lookupLocked(id txn.ServerTransactionID) (txn.GlobalTransactionID, bool, error) {
	if gid, ok := a.pending.Load(id); ok {
		return gid, true, nil
	}
	if gid, ok := a.durableCache.Get(id); ok {
		return gid, true, nil
	}
	gid, found, err := a.store.GID(id)
	if err != nil {
		return txn.NullGID, false, err
	}
	if found {
		a.durableCache.Add(id, gid)
	}
	return gid, found, nil
}

func (a *Authority) ownerLocked(gid txn.GlobalTransactionID) (txn.ServerTransactionID, bool, error) {
	if id, ok := a.owners[gid]; ok {
		return id, true, nil
	}
	return a.store.GIDOwner(gid)
}
