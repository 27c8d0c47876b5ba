// Package objectmgr turns admitted transactions into conflict-free apply
// batches. It composes the sequencer (who may go next) with the checkout
// coordinator (whose objects are free right now).
package objectmgr

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txncoord/checkout"
	"github.com/maxpert/txncoord/sequencer"
	"github.com/maxpert/txncoord/telemetry"
	"github.com/maxpert/txncoord/txn"
)

// DefaultMaxBatchObjects caps the objects carried by one apply batch.
const DefaultMaxBatchObjects = 5000

// ApplyContext carries one checked-out transaction through apply and commit.
type ApplyContext struct {
	Txn        *txn.Transaction
	Footprint  txn.ObjectSet
	NeedsApply bool
	// Existing holds new objects of a resent Txn that already exist because
	// the replayed creation was committed before.
	Existing txn.ObjectSet
	// Err is set when Txn cannot be applied at all.
	Err error
	// Applied is filled by the apply stage with the effective object versions.
	Applied []txn.ObjectVersion
}

// ApplyBatch is a group of transactions with mutually disjoint footprints.
type ApplyBatch []*ApplyContext

// ApplySink receives batches ready for the apply stage.
type ApplySink interface {
	Apply(batch ApplyBatch)
}

// CommittedChecker reports whether a transaction is already durable.
type CommittedChecker interface {
	IsCommitted(id txn.ServerTransactionID) bool
}

// ObjectDirectory answers whether an object exists in durable storage.
type ObjectDirectory interface {
	ObjectExists(oid txn.ObjectID) (bool, error)
}

type Options struct {
	MaxBatchObjects int
	// Inline runs lookup sweeps on the caller's goroutine. Otherwise sweeps are
	// requested through LookupRequests and run by a lookup worker.
	Inline bool
}

type Manager struct {
	checkouts *checkout.Coordinator
	seq       *sequencer.Sequencer
	sink      ApplySink
	committed CommittedChecker
	directory ObjectDirectory
	opts      Options

	// mu serializes lookup sweeps and guards parked.
	mu sync.Mutex
	// parked are transactions returned by the sequencer whose checkout was
	// denied, in the order they were returned.
	parked []*txn.Transaction

	existing *xsync.MapOf[txn.ObjectID, struct{}]
	lookupCh chan struct{}
}

func NewManager(checkouts *checkout.Coordinator, seq *sequencer.Sequencer, sink ApplySink, committed CommittedChecker, directory ObjectDirectory, opts Options) *Manager {
	if opts.MaxBatchObjects <= 0 {
		opts.MaxBatchObjects = DefaultMaxBatchObjects
	}
	return &Manager{
		checkouts: checkouts,
		seq:       seq,
		sink:      sink,
		committed: committed,
		directory: directory,
		opts:      opts,
		existing:  xsync.NewMapOf[txn.ObjectID, struct{}](),
		lookupCh:  make(chan struct{}, 1),
	}
}

// AddTransactions registers new work and triggers a lookup sweep.
func (m *Manager) AddTransactions(txns []*txn.Transaction) {
	if len(txns) == 0 {
		return
	}
	m.seq.AddPending(txns)
	m.requestLookup()
}

// LookupRequests yields a value whenever a sweep is due. Requests coalesce.
func (m *Manager) LookupRequests() <-chan struct{} {
	return m.lookupCh
}

func (m *Manager) requestLookup() {
	if m.opts.Inline {
		if err := m.LookupObjectsForTransactions(); err != nil {
			log.Error().Err(err).Msg("Lookup sweep failed")
		}
		return
	}
	select {
	case m.lookupCh <- struct{}{}:
	default:
	}
}

// LookupObjectsForTransactions checks out every transaction that can run now
// and hands the resulting batches to the sink. It never blocks on a conflict.
// Parked transactions are retried first, in the order they were parked.
func (m *Manager) LookupObjectsForTransactions() error {
	batches, err := m.sweep()
	for _, b := range batches {
		telemetry.ApplyBatchSize.Observe(float64(len(b)))
		m.sink.Apply(b)
	}
	return err
}

func (m *Manager) sweep() ([]ApplyBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		batches []ApplyBatch
		cur     ApplyBatch
		objects int
	)
	add := func(tx *txn.Transaction, fp txn.ObjectSet) {
		if len(cur) > 0 && objects+len(fp) > m.opts.MaxBatchObjects {
			batches = append(batches, cur)
			cur, objects = nil, 0
		}
		cur = append(cur, m.newApplyContext(tx, fp))
		objects += len(fp)
	}
	done := func(err error) ([]ApplyBatch, error) {
		if len(cur) > 0 {
			batches = append(batches, cur)
		}
		return batches, err
	}

	var still []*txn.Transaction
	for i, tx := range m.parked {
		fp := tx.Footprint()
		if !m.checkouts.TryCheckout(tx.ID, fp) {
			still = append(still, tx)
			continue
		}
		if err := m.seq.MarkUnpending(tx); err != nil {
			m.parked = append(still, m.parked[i+1:]...)
			return done(err)
		}
		add(tx, fp)
	}
	m.parked = still

	for tx := m.seq.NextReady(); tx != nil; tx = m.seq.NextReady() {
		fp := tx.Footprint()
		if m.checkouts.TryCheckout(tx.ID, fp) {
			add(tx, fp)
			continue
		}
		if err := m.seq.MarkPending(tx); err != nil {
			return done(err)
		}
		m.parked = append(m.parked, tx)
	}

	return done(nil)
}

func (m *Manager) newApplyContext(tx *txn.Transaction, fp txn.ObjectSet) *ApplyContext {
	ctx := &ApplyContext{
		Txn:        tx,
		Footprint:  fp,
		NeedsApply: true,
	}
	if tx.IsResent() && m.committed != nil && m.committed.IsCommitted(tx.ID) {
		ctx.NeedsApply = false
	}
	for _, oid := range tx.NewObjects {
		if !m.ObjectExists(oid) {
			continue
		}
		if !tx.IsResent() {
			ctx.Err = &ObjectExistsError{ID: tx.ID, ObjectID: oid}
			break
		}
		if ctx.Existing == nil {
			ctx.Existing = make(txn.ObjectSet)
		}
		ctx.Existing.Add(oid)
	}
	return ctx
}

// ApplyTransactionComplete releases the footprint of a finished transaction,
// records its new objects as existing and triggers a sweep for anything that
// was waiting on those objects. It returns the freed objects.
func (m *Manager) ApplyTransactionComplete(ctx *ApplyContext) ([]txn.ObjectID, error) {
	for _, oid := range ctx.Txn.NewObjects {
		m.existing.Store(oid, struct{}{})
	}
	freed, err := m.checkouts.Release(ctx.Txn.ID, ctx.Footprint)
	if err != nil {
		return nil, err
	}
	m.requestLookup()
	return freed, nil
}

// ObjectExists reports whether oid was created by a completed transaction or
// exists in durable storage.
func (m *Manager) ObjectExists(oid txn.ObjectID) bool {
	if _, ok := m.existing.Load(oid); ok {
		return true
	}
	if m.directory == nil {
		return false
	}
	ok, err := m.directory.ObjectExists(oid)
	if err != nil {
		log.Warn().Err(err).Uint64("object_id", uint64(oid)).Msg("Object existence lookup failed")
		return false
	}
	if ok {
		m.existing.Store(oid, struct{}{})
	}
	return ok
}

type Stats struct {
	Queued     int
	Pending    int
	Parked     int
	CheckedOut int
}

func (m *Manager) Stats() Stats {
	ss := m.seq.Stats()
	m.mu.Lock()
	parked := len(m.parked)
	m.mu.Unlock()
	return Stats{
		Queued:     ss.Queued,
		Pending:    ss.Pending,
		Parked:     parked,
		CheckedOut: m.checkouts.Len(),
	}
}
