package coordinator

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/txncoord/telemetry"
	"github.com/maxpert/txncoord/txn"
)

// Listener receives transaction lifecycle events. Callbacks run on the goroutine
// that caused the event, never under the Manager's lock.
type Listener interface {
	IncomingTransactions(source txn.NodeID, ids []txn.ServerTransactionID)
	TransactionApplied(id txn.ServerTransactionID, newObjects []txn.ObjectID)
	TransactionCompleted(id txn.ServerTransactionID)
	RootCreated(name string, oid txn.ObjectID)
	TransactionManagerStarted(live []txn.NodeID)
	ClearTransactionsFor(node txn.NodeID)
}

// NopListener implements every Listener callback as a no-op. Embed it to
// handle only some events.
type NopListener struct{}

func (NopListener) IncomingTransactions(txn.NodeID, []txn.ServerTransactionID) {}
func (NopListener) TransactionApplied(txn.ServerTransactionID, []txn.ObjectID) {}
func (NopListener) TransactionCompleted(txn.ServerTransactionID)               {}
func (NopListener) RootCreated(string, txn.ObjectID)                           {}
func (NopListener) TransactionManagerStarted([]txn.NodeID)                     {}
func (NopListener) ClearTransactionsFor(txn.NodeID)                            {}

// fire delivers one event to every listener. A panicking listener is logged and
// skipped; the others still get the event.
func (m *Manager) fire(event string, fn func(Listener)) {
	m.mu.Lock()
	listeners := m.listeners
	m.mu.Unlock()

	for _, l := range listeners {
		safeCall(event, l, fn)
	}
}

func safeCall(event string, l Listener, fn func(Listener)) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.ListenerPanicsTotal.Inc()
			log.Error().
				Str("event", event).
				Str("listener", fmt.Sprintf("%T", l)).
				Interface("panic", r).
				Msg("Listener panicked, continuing delivery")
		}
	}()
	fn(l)
}
