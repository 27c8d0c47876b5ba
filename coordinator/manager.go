// Package coordinator tracks every admitted transaction from arrival to
// completion and fans lifecycle events out to listeners.
//
// A transaction completes exactly once: when it has been applied and committed,
// its metadata processed, its effects relayed to mirrors and broadcast to
// interested nodes, and every node it waits on has acknowledged it (or shut
// down). Completion fires TransactionCompleted and removes it from its
// originator's TransactionAccount.
package coordinator

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/txncoord/telemetry"
	"github.com/maxpert/txncoord/txn"
)

// Applier applies a transaction's changes on top of durable state.
type Applier interface {
	Apply(tx *txn.Transaction, existing txn.ObjectSet) ([]txn.ObjectVersion, error)
}

// IncomingSink receives accepted batches for ordering and admission.
type IncomingSink interface {
	AddTransactions(txns []*txn.Transaction) error
}

type Options struct {
	// RelayEnabled requires TransactionsRelayed before completion. When false
	// relay is complete on arrival.
	RelayEnabled bool
	// MetadataEnabled requires ProcessingMetaDataCompleted before completion.
	MetadataEnabled bool
}

type completionWaiter struct {
	ids map[txn.ServerTransactionID]struct{}
	cb  func()
}

type Manager struct {
	opts    Options
	applier Applier
	sink    IncomingSink

	mu        sync.Mutex
	accounts  map[txn.NodeID]*TransactionAccount
	shutdown  map[txn.NodeID]struct{}
	listeners []Listener
	waiters   []*completionWaiter

	pending atomic.Int64
}

func NewManager(applier Applier, sink IncomingSink, opts Options) *Manager {
	return &Manager{
		opts:     opts,
		applier:  applier,
		sink:     sink,
		accounts: make(map[txn.NodeID]*TransactionAccount),
		shutdown: make(map[txn.NodeID]struct{}),
	}
}

// outcome collects what a locked section decided so events fire after unlock.
type outcome struct {
	completed []txn.ServerTransactionID
	retired   []txn.NodeID
	dropped   int
	callbacks []func()
}

// AddListener registers l for every later event.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	listeners := make([]Listener, 0, len(m.listeners)+1)
	listeners = append(listeners, m.listeners...)
	m.listeners = append(listeners, l)
}

// Start is called once the set of live nodes is known. Accounts of nodes that
// did not come back are dropped.
func (m *Manager) Start(live []txn.NodeID) {
	alive := make(map[txn.NodeID]struct{}, len(live))
	for _, n := range live {
		alive[n] = struct{}{}
	}

	var r outcome
	m.mu.Lock()
	for node, a := range m.accounts {
		if _, ok := alive[node]; ok {
			continue
		}
		log.Warn().Uint64("node_id", uint64(node)).Int("pending", len(a.entries)).Msg("Cleaning up transaction account of dead node")
		r.dropped += len(a.entries)
		m.retireLocked(&r, node)
	}
	m.mu.Unlock()

	m.finish(r)
	m.fire("transaction_manager_started", func(l Listener) { l.TransactionManagerStarted(live) })
}

// IncomingTransactions accepts a batch from source and forwards it for
// admission. A batch from a node that began shutting down is rejected.
func (m *Manager) IncomingTransactions(source txn.NodeID, txns []*txn.Transaction) error {
	if len(txns) == 0 {
		return nil
	}

	m.mu.Lock()
	if _, dead := m.shutdown[source]; dead {
		m.mu.Unlock()
		return &NodeShutdownError{Node: source}
	}
	a, ok := m.accounts[source]
	if !ok {
		a = newTransactionAccount(source)
		m.accounts[source] = a
	}

	seen := make(map[txn.TransactionID]struct{}, len(txns))
	for _, tx := range txns {
		if tx.ID.Source != source {
			m.mu.Unlock()
			return &UnknownTransactionError{ID: tx.ID, Op: "IncomingTransactions"}
		}
		_, dup := seen[tx.ID.ID]
		if _, inFlight := a.entries[tx.ID.ID]; dup || inFlight {
			m.mu.Unlock()
			return &DuplicateTransactionError{ID: tx.ID}
		}
		seen[tx.ID.ID] = struct{}{}
	}

	var initial uint8
	if !m.opts.RelayEnabled {
		initial |= flagRelayed
	}
	if !m.opts.MetadataEnabled {
		initial |= flagMetadata
	}
	for _, tx := range txns {
		a.incoming(tx.ID.ID, initial)
	}
	m.mu.Unlock()

	telemetry.TxnPending.Set(float64(m.pending.Add(int64(len(txns)))))
	for _, tx := range txns {
		telemetry.TxnIncomingTotal.With(tx.Kind.String()).Inc()
	}

	if m.sink != nil {
		if err := m.sink.AddTransactions(txns); err != nil {
			m.rejectIncoming(a, txns)
			return err
		}
	}

	ids := txn.IDs(txns)
	m.fire("incoming_transactions", func(l Listener) { l.IncomingTransactions(source, ids) })
	return nil
}

// rejectIncoming removes a batch the sink refused. The sink admits nothing
// from a batch it rejects, so the entries can never complete on their own.
func (m *Manager) rejectIncoming(a *TransactionAccount, txns []*txn.Transaction) {
	var r outcome
	m.mu.Lock()
	if m.accounts[a.node] == a {
		rejected := make(map[txn.ServerTransactionID]struct{}, len(txns))
		for _, tx := range txns {
			if _, ok := a.entries[tx.ID.ID]; ok {
				delete(a.entries, tx.ID.ID)
				rejected[tx.ID] = struct{}{}
			}
		}
		r.dropped = len(rejected)
		m.dropFromWaitersLocked(&r, func(w txn.ServerTransactionID) bool {
			_, ok := rejected[w]
			return ok
		})
		if a.dying && a.empty() {
			m.retireLocked(&r, a.node)
		}
	}
	m.mu.Unlock()

	log.Warn().Uint64("node_id", uint64(a.node)).Int("txns", len(txns)).Msg("Incoming batch rejected")
	m.finish(r)
}

// Apply applies tx through the Applier and fires TransactionApplied.
func (m *Manager) Apply(tx *txn.Transaction, existing txn.ObjectSet) ([]txn.ObjectVersion, error) {
	versions, err := m.applier.Apply(tx, existing)
	if err != nil {
		return nil, err
	}
	telemetry.TxnAppliedTotal.With("applied").Inc()

	created := make([]txn.ObjectID, 0, len(tx.NewObjects))
	for _, oid := range tx.NewObjects {
		if !existing.Contains(oid) {
			created = append(created, oid)
		}
	}
	m.fire("transaction_applied", func(l Listener) { l.TransactionApplied(tx.ID, created) })
	return versions, nil
}

// SkipApplyAndCommit handles a resent transaction that is already durable: it
// fires TransactionApplied and counts it as applied and committed.
func (m *Manager) SkipApplyAndCommit(tx *txn.Transaction) {
	telemetry.TxnAppliedTotal.With("skipped").Inc()
	m.fire("transaction_applied", func(l Listener) { l.TransactionApplied(tx.ID, tx.NewObjects) })
	m.mark("skip_apply_and_commit", tx.ID.Source, tx.ID.ID, flagApplyCommitted)
}

// Commit records that txns are durable and their objects released, and fires
// RootCreated for every new root binding.
func (m *Manager) Commit(txns []*txn.Transaction) {
	telemetry.TxnCommittedTotal.Add(float64(len(txns)))
	for _, tx := range txns {
		for name, oid := range tx.NewRoots {
			m.fire("root_created", func(l Listener) { l.RootCreated(name, oid) })
		}
	}
	for _, tx := range txns {
		m.mark("commit", tx.ID.Source, tx.ID.ID, flagApplyCommitted)
	}
}

// TransactionsRelayed marks ids of node as relayed to mirrors.
func (m *Manager) TransactionsRelayed(node txn.NodeID, ids []txn.ServerTransactionID) {
	for _, id := range ids {
		m.mark("transactions_relayed", node, id.ID, flagRelayed)
	}
}

// Broadcasted marks the effects of waiter's transaction as sent to other nodes.
func (m *Manager) Broadcasted(waiter txn.NodeID, id txn.TransactionID) {
	m.mark("broadcasted", waiter, id, flagBroadcast)
}

func (m *Manager) ProcessingMetaDataCompleted(source txn.NodeID, id txn.TransactionID) {
	m.mark("processing_metadata_completed", source, id, flagMetadata)
}

// AddWaitingForAcknowledgement makes waiter's transaction wait for an
// acknowledgement from waitee. Waitees that already shut down are ignored.
func (m *Manager) AddWaitingForAcknowledgement(waiter txn.NodeID, id txn.TransactionID, waitee txn.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[waiter]
	if !ok {
		log.Warn().Uint64("waiter", uint64(waiter)).Msg("Not adding waitee, waiter has no transaction account")
		return nil
	}
	if _, dead := m.shutdown[waitee]; dead {
		log.Debug().Uint64("waitee", uint64(waitee)).Msg("Not adding waitee, node already shut down")
		return nil
	}
	if !a.addWaitee(id, waitee) {
		return &UnknownTransactionError{ID: txn.NewServerTransactionID(waiter, id), Op: "AddWaitingForAcknowledgement"}
	}
	return nil
}

// Acknowledgement records waitee's acknowledgement of waiter's transaction.
// An acknowledgement from a node that is not waited on is a NotWaiteeError.
func (m *Manager) Acknowledgement(waiter txn.NodeID, id txn.TransactionID, waitee txn.NodeID) error {
	var r outcome
	m.mu.Lock()
	a, ok := m.accounts[waiter]
	if !ok {
		m.mu.Unlock()
		log.Warn().Uint64("waiter", uint64(waiter)).Msg("Acknowledgement for unknown waiter")
		return nil
	}
	completed, waiting := a.removeWaitee(id, waitee)
	if !waiting {
		m.mu.Unlock()
		return &NotWaiteeError{Waiter: waiter, ID: id, Waitee: waitee}
	}
	if completed {
		m.completeLocked(&r, a, id)
	}
	m.mu.Unlock()

	m.finish(r)
	return nil
}

// IsWaiting reports whether waiter's transaction still waits on any node.
func (m *Manager) IsWaiting(waiter txn.NodeID, id txn.TransactionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[waiter]
	return ok && a.hasWaitees(id)
}

// ShutdownNode removes node as a waitee everywhere and retires its account,
// immediately when nothing of it is in flight, otherwise once its last
// transaction completes. Later batches from node are rejected.
func (m *Manager) ShutdownNode(node txn.NodeID) {
	var r outcome
	m.mu.Lock()
	if _, done := m.shutdown[node]; done {
		m.mu.Unlock()
		return
	}
	m.shutdown[node] = struct{}{}

	nodes := make([]txn.NodeID, 0, len(m.accounts))
	for n := range m.accounts {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	for _, n := range nodes {
		a, ok := m.accounts[n]
		if !ok {
			continue
		}
		for _, id := range a.requestersWaitingFor(node) {
			if completed, _ := a.removeWaitee(id, node); completed {
				m.completeLocked(&r, a, id)
			}
		}
	}

	if a, ok := m.accounts[node]; ok {
		a.dying = true
		if a.empty() {
			m.retireLocked(&r, node)
		} else {
			log.Info().Uint64("node_id", uint64(node)).Int("pending", len(a.entries)).Msg("Deferring node cleanup until its transactions complete")
		}
	} else {
		r.retired = append(r.retired, node)
	}
	m.mu.Unlock()

	m.finish(r)
}

// CallBackOnTxnsInSystemCompletion calls cb once every transaction in flight
// right now has completed or its node was cleared. cb runs immediately when
// nothing is in flight.
func (m *Manager) CallBackOnTxnsInSystemCompletion(cb func()) {
	m.mu.Lock()
	ids := make(map[txn.ServerTransactionID]struct{})
	for _, a := range m.accounts {
		for _, id := range a.pendingIDs() {
			ids[id] = struct{}{}
		}
	}
	if len(ids) == 0 {
		m.mu.Unlock()
		cb()
		return
	}
	m.waiters = append(m.waiters, &completionWaiter{ids: ids, cb: cb})
	m.mu.Unlock()
}

// PendingTransactionsCount is the number of transactions not yet completed.
func (m *Manager) PendingTransactionsCount() int {
	return int(m.pending.Load())
}

type Stats struct {
	Accounts int
	Pending  int
	Waiters  int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Accounts: len(m.accounts),
		Pending:  int(m.pending.Load()),
		Waiters:  len(m.waiters),
	}
}

func (m *Manager) mark(op string, node txn.NodeID, id txn.TransactionID, flag uint8) {
	var r outcome
	m.mu.Lock()
	a, ok := m.accounts[node]
	if !ok {
		m.mu.Unlock()
		log.Warn().Str("op", op).Uint64("node_id", uint64(node)).Msg("Transaction account not found")
		return
	}
	completed, found := a.set(id, flag)
	if !found {
		m.mu.Unlock()
		log.Warn().Str("op", op).Str("txn", txn.NewServerTransactionID(node, id).String()).Msg("Transaction not in account")
		return
	}
	if completed {
		m.completeLocked(&r, a, id)
	}
	m.mu.Unlock()

	m.finish(r)
}

func (m *Manager) completeLocked(r *outcome, a *TransactionAccount, id txn.TransactionID) {
	sid := txn.NewServerTransactionID(a.node, id)
	r.completed = append(r.completed, sid)
	m.dropFromWaitersLocked(r, func(w txn.ServerTransactionID) bool { return w == sid })
	if a.dying && a.empty() {
		m.retireLocked(r, a.node)
	}
}

func (m *Manager) retireLocked(r *outcome, node txn.NodeID) {
	delete(m.accounts, node)
	r.retired = append(r.retired, node)
	m.dropFromWaitersLocked(r, func(w txn.ServerTransactionID) bool { return w.Source == node })
}

func (m *Manager) dropFromWaitersLocked(r *outcome, match func(txn.ServerTransactionID) bool) {
	if len(m.waiters) == 0 {
		return
	}
	kept := m.waiters[:0]
	for _, w := range m.waiters {
		for id := range w.ids {
			if match(id) {
				delete(w.ids, id)
			}
		}
		if len(w.ids) == 0 {
			r.callbacks = append(r.callbacks, w.cb)
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(m.waiters); i++ {
		m.waiters[i] = nil
	}
	m.waiters = kept
}

// finish fires the events decided under the lock, in order: completions,
// node cleanups, then completion callbacks.
func (m *Manager) finish(r outcome) {
	if n := len(r.completed) + r.dropped; n > 0 {
		telemetry.TxnPending.Set(float64(m.pending.Add(-int64(n))))
		telemetry.TxnCompletedTotal.Add(float64(len(r.completed)))
	}
	for _, id := range r.completed {
		m.fire("transaction_completed", func(l Listener) { l.TransactionCompleted(id) })
	}
	for _, node := range r.retired {
		telemetry.NodesShutdownTotal.Inc()
		log.Info().Uint64("node_id", uint64(node)).Msg("Node transactions cleared")
		m.fire("clear_transactions_for", func(l Listener) { l.ClearTransactionsFor(node) })
	}
	for _, cb := range r.callbacks {
		cb()
	}
}
