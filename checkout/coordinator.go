// Package checkout tracks which objects are held by in-flight transactions.
//
// A transaction checks out its whole footprint at once or not at all, and keeps
// it until the footprint is released on completion. Two transactions can be in
// flight together only when their footprints are disjoint. All state sits in a
// single map guarded by one mutex, so a check-and-grant is atomic.
package checkout

import (
	"sync"

	"github.com/maxpert/txncoord/telemetry"
	"github.com/maxpert/txncoord/txn"
)

// hold is shared by every object one checkout granted. done is closed on release.
type hold struct {
	owner txn.ServerTransactionID
	done  chan struct{}
}

// Coordinator grants and releases object checkouts.
type Coordinator struct {
	mu   sync.Mutex
	held map[txn.ObjectID]*hold
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		held: make(map[txn.ObjectID]*hold),
	}
}

// TryCheckout grants owner every object in footprint, or nothing if any of
// them is held. A denied checkout is flow control, not an error.
func (c *Coordinator) TryCheckout(owner txn.ServerTransactionID, footprint txn.ObjectSet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for oid := range footprint {
		if _, ok := c.held[oid]; ok {
			telemetry.CheckoutConflictsTotal.Inc()
			return false
		}
	}

	h := &hold{owner: owner, done: make(chan struct{})}
	for oid := range footprint {
		c.held[oid] = h
	}
	telemetry.ObjectsCheckedOut.Add(float64(len(footprint)))
	return true
}

// Release frees the footprint owner checked out and returns the freed objects
// in ascending order. Every object must be held by owner; otherwise nothing is
// released and a NotHeldError is returned.
func (c *Coordinator) Release(owner txn.ServerTransactionID, footprint txn.ObjectSet) ([]txn.ObjectID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var h *hold
	for oid := range footprint {
		cur, ok := c.held[oid]
		if !ok || cur.owner != owner {
			e := &NotHeldError{Owner: owner, ObjectID: oid}
			if ok {
				e.Holder = cur.owner
				e.HeldByOther = true
			}
			return nil, e
		}
		h = cur
	}

	for oid := range footprint {
		delete(c.held, oid)
	}
	if h != nil {
		close(h.done)
	}
	telemetry.ObjectsCheckedOut.Sub(float64(len(footprint)))
	return footprint.Sorted(), nil
}

// Blocker returns a channel closed once the holder of the first held object in
// footprint releases it, or nil when the whole footprint is available.
func (c *Coordinator) Blocker(footprint txn.ObjectSet) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	for oid := range footprint {
		if h, ok := c.held[oid]; ok {
			return h.done
		}
	}
	return nil
}

// Available reports whether no object of footprint is held.
func (c *Coordinator) Available(footprint txn.ObjectSet) bool {
	return c.Blocker(footprint) == nil
}

// Holder returns the transaction holding oid, if any.
func (c *Coordinator) Holder(oid txn.ObjectID) (txn.ServerTransactionID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.held[oid]
	if !ok {
		return txn.ServerTransactionID{}, false
	}
	return h.owner, true
}

// Len returns the number of objects checked out.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held)
}
