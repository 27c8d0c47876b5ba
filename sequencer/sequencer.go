// Package sequencer decides which queued transactions may proceed.
//
// Transactions queue in arrival order. A queued transaction is ready when it
// shares no object with a pending transaction or with any earlier queued
// transaction that is itself not ready. Conflicting transactions therefore
// leave the sequencer in arrival order; disjoint ones leave in any order.
//
// A transaction that NextReady returned is out of the sequencer's hands and
// constrains nothing, unless the caller parks it with MarkPending while it
// waits on a downstream resource. MarkUnpending lifts the constraint again; the
// transaction is not requeued, the caller still owns it.
package sequencer

import (
	"sync"

	"github.com/maxpert/txncoord/telemetry"
	"github.com/maxpert/txncoord/txn"
)

type entry struct {
	tx        *txn.Transaction
	footprint txn.ObjectSet
}

// Sequencer is safe for concurrent use.
type Sequencer struct {
	mu      sync.Mutex
	queue   []*entry
	pending map[txn.ServerTransactionID]*entry
	// pendingObjects counts how many pending transactions reference each object.
	pendingObjects map[txn.ObjectID]int
}

func New() *Sequencer {
	return &Sequencer{
		pending:        make(map[txn.ServerTransactionID]*entry),
		pendingObjects: make(map[txn.ObjectID]int),
	}
}

// AddPending queues txns behind everything already queued, preserving order.
func (s *Sequencer) AddPending(txns []*txn.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tx := range txns {
		s.queue = append(s.queue, &entry{tx: tx, footprint: tx.Footprint()})
	}
	telemetry.SequencerQueued.Set(float64(len(s.queue)))
}

// NextReady removes and returns the earliest ready transaction, or nil when
// every queued transaction conflicts with something pending or ahead of it.
func (s *Sequencer) NextReady() *txn.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	var blocked txn.ObjectSet
	for i, e := range s.queue {
		if s.conflictsWithPending(e.footprint) || (blocked != nil && blocked.Intersects(e.footprint)) {
			if blocked == nil {
				blocked = make(txn.ObjectSet)
			}
			blocked.AddAll(e.footprint)
			continue
		}

		copy(s.queue[i:], s.queue[i+1:])
		s.queue[len(s.queue)-1] = nil
		s.queue = s.queue[:len(s.queue)-1]
		telemetry.SequencerQueued.Set(float64(len(s.queue)))
		return e.tx
	}
	return nil
}

func (s *Sequencer) conflictsWithPending(fp txn.ObjectSet) bool {
	if len(s.pendingObjects) == 0 {
		return false
	}
	for oid := range fp {
		if s.pendingObjects[oid] > 0 {
			return true
		}
	}
	return false
}

// MarkPending parks a transaction previously returned by NextReady. Until
// MarkUnpending, later transactions sharing any of its objects are not ready.
func (s *Sequencer) MarkPending(tx *txn.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[tx.ID]; ok {
		return &PendingStateError{ID: tx.ID, Op: "mark pending", Pending: true}
	}
	for _, e := range s.queue {
		if e.tx.ID == tx.ID {
			return &PendingStateError{ID: tx.ID, Op: "mark pending", Queued: true}
		}
	}

	e := &entry{tx: tx, footprint: tx.Footprint()}
	s.pending[tx.ID] = e
	for oid := range e.footprint {
		s.pendingObjects[oid]++
	}
	telemetry.SequencerPending.Set(float64(len(s.pending)))
	return nil
}

// MarkUnpending releases a parked transaction. Unpending a transaction that is
// not pending is a fault.
func (s *Sequencer) MarkUnpending(tx *txn.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[tx.ID]
	if !ok {
		return &PendingStateError{ID: tx.ID, Op: "mark unpending"}
	}
	delete(s.pending, tx.ID)
	for oid := range e.footprint {
		if n := s.pendingObjects[oid]; n <= 1 {
			delete(s.pendingObjects, oid)
		} else {
			s.pendingObjects[oid] = n - 1
		}
	}
	telemetry.SequencerPending.Set(float64(len(s.pending)))
	return nil
}

// IsPending reports whether the transaction is parked.
func (s *Sequencer) IsPending(id txn.ServerTransactionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

// Stats describes the sequencer's current load.
type Stats struct {
	Queued  int
	Pending int
}

func (s *Sequencer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Queued: len(s.queue), Pending: len(s.pending)}
}
