// Package notify fans transaction lifecycle events out to in-process
// subscribers such as the admin stream and tests.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/txncoord/txn"
)

// defaultSignalBufferSize is the buffer size of each subscriber channel.
// Subscribers that can't keep up have events dropped.
const defaultSignalBufferSize = 16

type EventKind uint8

const (
	EventIncoming EventKind = iota + 1
	EventApplied
	EventCompleted
	EventRootCreated
	EventStarted
	EventNodeCleared
)

func (k EventKind) String() string {
	switch k {
	case EventIncoming:
		return "incoming"
	case EventApplied:
		return "applied"
	case EventCompleted:
		return "completed"
	case EventRootCreated:
		return "root_created"
	case EventStarted:
		return "started"
	case EventNodeCleared:
		return "node_cleared"
	default:
		return "unknown"
	}
}

// Event is one lifecycle notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind   EventKind                 `json:"kind"`
	Node   txn.NodeID                `json:"node,omitempty"`
	ID     txn.ServerTransactionID   `json:"id,omitempty"`
	Root   string                    `json:"root,omitempty"`
	Object txn.ObjectID              `json:"object,omitempty"`
	Nodes  []txn.NodeID              `json:"nodes,omitempty"`
	IDs    []txn.ServerTransactionID `json:"ids,omitempty"`
}

// Filter selects events. Empty fields match everything.
type Filter struct {
	Kinds []EventKind
	Nodes []txn.NodeID
}

type subscription struct {
	id     uint64
	filter Filter
	ch     chan Event
	closed atomic.Bool
}

func (s *subscription) matches(e Event) bool {
	if len(s.filter.Kinds) > 0 {
		found := false
		for _, k := range s.filter.Kinds {
			if k == e.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(s.filter.Nodes) == 0 {
		return true
	}
	for _, n := range s.filter.Nodes {
		if n == e.Node {
			return true
		}
	}
	return false
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe lifecycle event hub. It implements coordinator.Listener.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
	dropped       atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Publish sends e to all matching subscribers without blocking.
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(e) {
			continue
		}

		select {
		case sub.ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber and returns its channel and an idempotent
// cancel function.
func (h *Hub) Subscribe(filter Filter) (<-chan Event, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Event, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// Dropped counts events skipped because a subscriber's buffer was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// Close cancels every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}

func (h *Hub) IncomingTransactions(source txn.NodeID, ids []txn.ServerTransactionID) {
	h.Publish(Event{Kind: EventIncoming, Node: source, IDs: ids})
}

func (h *Hub) TransactionApplied(id txn.ServerTransactionID, _ []txn.ObjectID) {
	h.Publish(Event{Kind: EventApplied, Node: id.Source, ID: id})
}

func (h *Hub) TransactionCompleted(id txn.ServerTransactionID) {
	h.Publish(Event{Kind: EventCompleted, Node: id.Source, ID: id})
}

func (h *Hub) RootCreated(name string, oid txn.ObjectID) {
	h.Publish(Event{Kind: EventRootCreated, Root: name, Object: oid})
}

func (h *Hub) TransactionManagerStarted(live []txn.NodeID) {
	h.Publish(Event{Kind: EventStarted, Nodes: live})
}

func (h *Hub) ClearTransactionsFor(node txn.NodeID) {
	h.Publish(Event{Kind: EventNodeCleared, Node: node})
}
