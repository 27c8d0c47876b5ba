// Package resent reconciles transactions replayed by reconnecting clients with
// new work so that the pre-failover commit order survives.
//
// Resent transactions carry the GID they were given before the failover. They
// are released to admission strictly ascending by GID: a resent transaction
// that has arrived waits while a registered resent transaction with a lower
// GID has not. Fresh transactions are held until every resent transaction has
// completed its lifecycle, then released in arrival order. Once nothing is
// outstanding, batches pass straight through.
package resent

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txncoord/telemetry"
	"github.com/maxpert/txncoord/txn"
)

// Sink receives transactions released for admission.
type Sink interface {
	AddTransactions(txns []*txn.Transaction)
}

// GIDObserver is told about every pre-existing GID so fresh allocations land
// above them.
type GIDObserver interface {
	Observe(gid txn.GlobalTransactionID)
}

type gidItem struct {
	gid txn.GlobalTransactionID
	id  txn.ServerTransactionID
	tx  *txn.Transaction
}

func (g *gidItem) Less(than btree.Item) bool {
	return g.gid < than.(*gidItem).gid
}

// Sequencer sits between incoming batches and admission. The sink and the
// completion callbacks run with the sequencer's lock held and must not call
// back into it.
type Sequencer struct {
	sink     Sink
	observer GIDObserver

	mu      sync.Mutex
	running bool
	// registered resent transactions that have not arrived, by id and by GID
	awaiting      map[txn.ServerTransactionID]txn.GlobalTransactionID
	awaitingByGID *btree.BTree
	// arrived resent transactions not yet released, by GID
	held *btree.BTree
	// fresh transactions in arrival order
	fresh []*txn.Transaction
	// resent transactions whose lifecycle has not completed
	outstanding map[txn.ServerTransactionID]struct{}
	callbacks   []func()
}

func New(sink Sink, observer GIDObserver) *Sequencer {
	return &Sequencer{
		sink:          sink,
		observer:      observer,
		awaiting:      make(map[txn.ServerTransactionID]txn.GlobalTransactionID),
		awaitingByGID: btree.New(8),
		held:          btree.New(8),
		outstanding:   make(map[txn.ServerTransactionID]struct{}),
	}
}

// AddResentServerTransactionIDs registers transactions a reconnecting client
// will replay, with the GIDs they were committed or admitted under. Only
// allowed before TransactionManagerStarted.
func (s *Sequencer) AddResentServerTransactionIDs(ids map[txn.ServerTransactionID]txn.GlobalTransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return &StateError{Op: "AddResentServerTransactionIDs", Reason: "already running"}
	}
	for id, gid := range ids {
		if gid.IsNull() {
			return &StateError{Op: "AddResentServerTransactionIDs", ID: id, Reason: "null GID"}
		}
		if prev, ok := s.awaiting[id]; ok && prev != gid {
			return &StateError{Op: "AddResentServerTransactionIDs", ID: id, Reason: "registered twice with different GIDs"}
		}
		if other := s.awaitingByGID.Get(&gidItem{gid: gid}); other != nil && other.(*gidItem).id != id {
			return &StateError{Op: "AddResentServerTransactionIDs", ID: id, Reason: "GID registered for another transaction"}
		}
	}
	for id, gid := range ids {
		s.awaiting[id] = gid
		s.awaitingByGID.ReplaceOrInsert(&gidItem{gid: gid, id: id})
		s.outstanding[id] = struct{}{}
		if s.observer != nil {
			s.observer.Observe(gid)
		}
	}
	s.updateGauge()
	log.Info().Int("count", len(ids)).Msg("Registered resent transactions")
	return nil
}

// TransactionManagerStarted switches to running mode. Registrations from nodes
// outside live will never be replayed and are dropped.
func (s *Sequencer) TransactionManagerStarted(live []txn.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alive := make(map[txn.NodeID]struct{}, len(live))
	for _, n := range live {
		alive[n] = struct{}{}
	}
	for id := range s.awaiting {
		if _, ok := alive[id.Source]; !ok {
			s.dropAwaitingLocked(id)
			delete(s.outstanding, id)
		}
	}

	s.running = true
	log.Info().
		Int("awaiting", len(s.awaiting)).
		Int("held", s.held.Len()).
		Int("fresh", len(s.fresh)).
		Msg("Resent sequencer running")
	s.releaseLocked()
}

// AddTransactions accepts one incoming batch. Transactions are forwarded to the
// sink as soon as ordering allows, possibly splitting the batch.
func (s *Sequencer) AddTransactions(txns []*txn.Transaction) error {
	if len(txns) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// a batch is taken whole or not at all
	for _, tx := range txns {
		gid, isResent := s.awaiting[tx.ID]
		if isResent && !tx.GID.IsNull() && tx.GID != gid {
			return &StateError{
				Op:     "AddTransactions",
				ID:     tx.ID,
				Reason: fmt.Sprintf("carries GID %d, registered %d", tx.GID, gid),
			}
		}
	}

	if s.running && s.idleLocked() {
		s.sink.AddTransactions(txns)
		return nil
	}

	for _, tx := range txns {
		gid, isResent := s.awaiting[tx.ID]
		if !isResent {
			s.fresh = append(s.fresh, tx)
			continue
		}
		if err := tx.AttachGID(gid); err != nil {
			return &StateError{Op: "AddTransactions", ID: tx.ID, Reason: err.Error()}
		}
		s.dropAwaitingLocked(tx.ID)
		s.held.ReplaceOrInsert(&gidItem{gid: gid, id: tx.ID, tx: tx})
	}

	if s.running {
		s.releaseLocked()
	}
	return nil
}

// ResentTransactionCompleted records the end of a transaction's lifecycle.
// Ids that are not resent are ignored.
func (s *Sequencer) ResentTransactionCompleted(id txn.ServerTransactionID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.outstanding[id]; !ok {
		return
	}
	delete(s.outstanding, id)
	if s.running {
		s.releaseLocked()
	}
}

// ClearAllTransactionsFor drops everything node has not had released yet.
// Released transactions are left to finish.
func (s *Sequencer) ClearAllTransactionsFor(node txn.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for id := range s.awaiting {
		if id.Source == node {
			s.dropAwaitingLocked(id)
			delete(s.outstanding, id)
			dropped++
		}
	}

	var heldByNode []btree.Item
	s.held.Ascend(func(i btree.Item) bool {
		if i.(*gidItem).id.Source == node {
			heldByNode = append(heldByNode, i)
		}
		return true
	})
	for _, i := range heldByNode {
		s.held.Delete(i)
		delete(s.outstanding, i.(*gidItem).id)
	}
	dropped += len(heldByNode)

	kept := s.fresh[:0]
	for _, tx := range s.fresh {
		if tx.ID.Source == node {
			dropped++
			continue
		}
		kept = append(kept, tx)
	}
	s.fresh = kept

	if dropped > 0 {
		log.Info().Uint64("node_id", uint64(node)).Int("dropped", dropped).Msg("Cleared unreleased transactions")
	}
	if s.running {
		s.releaseLocked()
	}
}

// CallBackOnResentTxnsInSystemCompletion calls cb once every resent transaction
// has completed. It fires immediately when none are outstanding.
func (s *Sequencer) CallBackOnResentTxnsInSystemCompletion(cb func()) {
	s.mu.Lock()
	if s.running && len(s.outstanding) == 0 {
		s.mu.Unlock()
		cb()
		return
	}
	s.callbacks = append(s.callbacks, cb)
	s.mu.Unlock()
}

type Stats struct {
	Running     bool
	Awaiting    int
	Held        int
	HeldFresh   int
	Outstanding int
}

func (s *Sequencer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Running:     s.running,
		Awaiting:    len(s.awaiting),
		Held:        s.held.Len(),
		HeldFresh:   len(s.fresh),
		Outstanding: len(s.outstanding),
	}
}

func (s *Sequencer) idleLocked() bool {
	return len(s.outstanding) == 0 && len(s.fresh) == 0 && s.held.Len() == 0
}

// releaseLocked forwards arrived resent transactions in ascending GID order
// up to the lowest one still awaited, then fresh ones once no resent
// transaction is outstanding.
func (s *Sequencer) releaseLocked() {
	var out []*txn.Transaction
	for s.held.Len() > 0 {
		next := s.held.Min().(*gidItem)
		if lowest := s.awaitingByGID.Min(); lowest != nil && lowest.(*gidItem).gid < next.gid {
			break
		}
		s.held.DeleteMin()
		out = append(out, next.tx)
	}

	if len(s.outstanding) == 0 && len(s.fresh) > 0 {
		out = append(out, s.fresh...)
		s.fresh = nil
	}

	if len(out) > 0 {
		s.sink.AddTransactions(out)
	}
	s.updateGauge()

	if len(s.outstanding) == 0 && len(s.callbacks) > 0 {
		cbs := s.callbacks
		s.callbacks = nil
		log.Info().Int("callbacks", len(cbs)).Msg("All resent transactions completed")
		for _, cb := range cbs {
			cb()
		}
	}
}

func (s *Sequencer) dropAwaitingLocked(id txn.ServerTransactionID) {
	gid, ok := s.awaiting[id]
	if !ok {
		return
	}
	delete(s.awaiting, id)
	s.awaitingByGID.Delete(&gidItem{gid: gid})
}

func (s *Sequencer) updateGauge() {
	telemetry.ResentOutstanding.Set(float64(len(s.outstanding)))
}
