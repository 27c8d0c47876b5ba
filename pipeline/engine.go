// Package pipeline runs admitted transactions through the lookup, apply,
// commit and broadcast stages. Each stage is one worker goroutine; stages are
// connected by bounded channels and run under one errgroup, so a storage fault
// in any stage stops the whole pipeline.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/maxpert/txncoord/cfg"
	"github.com/maxpert/txncoord/checkout"
	"github.com/maxpert/txncoord/coordinator"
	"github.com/maxpert/txncoord/db"
	"github.com/maxpert/txncoord/gtx"
	"github.com/maxpert/txncoord/hlc"
	"github.com/maxpert/txncoord/objectmgr"
	"github.com/maxpert/txncoord/resent"
	"github.com/maxpert/txncoord/sequencer"
	"github.com/maxpert/txncoord/telemetry"
	"github.com/maxpert/txncoord/txn"
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("pipeline: engine already running")

// ErrStopped resolves futures still waiting when the engine stops cleanly.
var ErrStopped = errors.New("pipeline: engine stopped")

// Store is the durable storage the engine applies against and commits to.
type Store interface {
	db.TransactionProvider
	db.ObjectReader
	ObjectExists(oid txn.ObjectID) (bool, error)
}

// Broadcaster sends the effects of a durable transaction to interested nodes.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx *txn.Transaction) error
}

// BroadcastFunc adapts a function to Broadcaster.
type BroadcastFunc func(ctx context.Context, tx *txn.Transaction) error

func (f BroadcastFunc) Broadcast(ctx context.Context, tx *txn.Transaction) error {
	return f(ctx, tx)
}

type Options struct {
	ApplyQueueSize       int
	CommitQueueSize      int
	BroadcastQueueSize   int
	CommitBatchSize      int
	MaxApplyBatchObjects int
	Coordinator          coordinator.Options
	// Broadcaster is optional; without it the broadcast stage only records
	// that the transaction went out.
	Broadcaster Broadcaster
}

// OptionsFromConfig builds engine options from the loaded configuration.
func OptionsFromConfig(c *cfg.Configuration) Options {
	return Options{
		ApplyQueueSize:       c.Pipeline.ApplyQueueSize,
		CommitQueueSize:      c.Pipeline.CommitQueueSize,
		BroadcastQueueSize:   c.Pipeline.BroadcastQueueSize,
		CommitBatchSize:      c.Persistence.CommitBatchSize,
		MaxApplyBatchObjects: c.Sequencer.MaxApplyBatchObjects,
		Coordinator: coordinator.Options{
			RelayEnabled:    c.Coordinator.RelayEnabled,
			MetadataEnabled: c.Coordinator.MetadataEnabled,
		},
	}
}

func (o *Options) applyDefaults() {
	if o.ApplyQueueSize < 1 {
		o.ApplyQueueSize = 1024
	}
	if o.CommitQueueSize < 1 {
		o.CommitQueueSize = 1024
	}
	if o.BroadcastQueueSize < 1 {
		o.BroadcastQueueSize = 1024
	}
	if o.CommitBatchSize < 1 {
		o.CommitBatchSize = 1
	}
}

// applyQueue is the objectmgr sink feeding the apply stage.
type applyQueue struct {
	ch   chan objectmgr.ApplyBatch
	stop <-chan struct{}
}

func (q *applyQueue) Apply(batch objectmgr.ApplyBatch) {
	select {
	case q.ch <- batch:
	case <-q.stop:
	}
}

type quiescer struct {
	once    sync.Once
	promise *future.Promise[error]
}

func (q *quiescer) resolve(err error) {
	q.once.Do(func() { q.promise.Set(nil, err) })
}

// Engine owns every component of the coordination core and the stage workers
// between them.
type Engine struct {
	opts    Options
	store   Store
	gids    *gtx.Authority
	clock   *hlc.Clock
	coord   *coordinator.Manager
	resent  *resent.Sequencer
	objects *objectmgr.Manager
	batched *db.BatchedTransaction

	applyQ      *applyQueue
	commitCh    chan *objectmgr.ApplyContext
	broadcastCh chan *txn.Transaction

	running atomic.Bool

	mu        sync.Mutex
	stopped   bool
	err       error
	quiescers map[*quiescer]struct{}
}

func NewEngine(store Store, gids *gtx.Authority, clock *hlc.Clock, opts Options) *Engine {
	opts.applyDefaults()

	e := &Engine{
		opts:        opts,
		store:       store,
		gids:        gids,
		clock:       clock,
		batched:     db.NewBatchedTransaction(store, opts.CommitBatchSize),
		applyQ:      &applyQueue{ch: make(chan objectmgr.ApplyBatch, opts.ApplyQueueSize)},
		commitCh:    make(chan *objectmgr.ApplyContext, opts.CommitQueueSize),
		broadcastCh: make(chan *txn.Transaction, opts.BroadcastQueueSize),
		quiescers:   make(map[*quiescer]struct{}),
	}

	e.objects = objectmgr.NewManager(
		checkout.NewCoordinator(),
		sequencer.New(),
		e.applyQ,
		gids,
		store,
		objectmgr.Options{MaxBatchObjects: opts.MaxApplyBatchObjects},
	)
	e.resent = resent.New(e.objects, gids)
	e.coord = coordinator.NewManager(db.NewApplier(store), e.resent, opts.Coordinator)
	e.coord.AddListener(resentListener{seq: e.resent})
	return e
}

// AddListener subscribes l to lifecycle events.
func (e *Engine) AddListener(l coordinator.Listener) {
	e.coord.AddListener(l)
}

// RegisterResent records transactions reconnecting clients will replay. Only
// allowed before Start.
func (e *Engine) RegisterResent(ids map[txn.ServerTransactionID]txn.GlobalTransactionID) error {
	return e.resent.AddResentServerTransactionIDs(ids)
}

// Start releases held work once the live nodes are known. Accounts and resent
// registrations of nodes outside live are dropped.
func (e *Engine) Start(live []txn.NodeID) {
	e.coord.Start(live)
}

// Submit accepts a batch of transactions from source.
func (e *Engine) Submit(source txn.NodeID, txns []*txn.Transaction) error {
	return e.coord.IncomingTransactions(source, txns)
}

// WaitFor makes waiter's transaction wait for an acknowledgement from waitee.
func (e *Engine) WaitFor(waiter txn.NodeID, id txn.TransactionID, waitee txn.NodeID) error {
	return e.coord.AddWaitingForAcknowledgement(waiter, id, waitee)
}

func (e *Engine) Acknowledge(waiter txn.NodeID, id txn.TransactionID, waitee txn.NodeID) error {
	return e.coord.Acknowledgement(waiter, id, waitee)
}

func (e *Engine) Relayed(node txn.NodeID, ids []txn.ServerTransactionID) {
	e.coord.TransactionsRelayed(node, ids)
}

func (e *Engine) MetadataProcessed(source txn.NodeID, id txn.TransactionID) {
	e.coord.ProcessingMetaDataCompleted(source, id)
}

// NodeDisconnected stops waiting on node and retires its account once its
// in-flight transactions complete.
func (e *Engine) NodeDisconnected(node txn.NodeID) {
	e.coord.ShutdownNode(node)
}

func (e *Engine) PendingTransactionsCount() int {
	return e.coord.PendingTransactionsCount()
}

func (e *Engine) IsWaiting(waiter txn.NodeID, id txn.TransactionID) bool {
	return e.coord.IsWaiting(waiter, id)
}

// Quiesce resolves once every transaction in flight right now has completed,
// or with the pipeline's error if it stops first.
func (e *Engine) Quiesce() *future.Future[error] {
	return e.await(e.coord.CallBackOnTxnsInSystemCompletion)
}

// ResentDrained resolves once every registered resent transaction completed
// its lifecycle.
func (e *Engine) ResentDrained() *future.Future[error] {
	return e.await(e.resent.CallBackOnResentTxnsInSystemCompletion)
}

func (e *Engine) await(register func(func())) *future.Future[error] {
	q := &quiescer{promise: future.NewPromise[error]()}

	e.mu.Lock()
	if e.stopped {
		err := e.err
		e.mu.Unlock()
		q.resolve(err)
		return q.promise.Future()
	}
	e.quiescers[q] = struct{}{}
	e.mu.Unlock()

	register(func() {
		e.mu.Lock()
		delete(e.quiescers, q)
		e.mu.Unlock()
		q.resolve(nil)
	})
	return q.promise.Future()
}

// Run starts the stage workers and blocks until ctx is done or a stage fails.
// On a clean stop the open storage batch is committed first.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	g, gctx := errgroup.WithContext(ctx)
	e.applyQ.stop = gctx.Done()

	g.Go(func() error { return e.lookupLoop(gctx) })
	g.Go(func() error { return e.applyLoop(gctx) })
	g.Go(func() error { return e.commitLoop(gctx) })
	g.Go(func() error { return e.broadcastLoop(gctx) })

	log.Info().Int("commit_batch_size", e.opts.CommitBatchSize).Msg("Pipeline started")
	err := g.Wait()
	e.stop(err)
	return err
}

func (e *Engine) stop(err error) {
	e.mu.Lock()
	e.stopped = true
	if err == nil {
		e.err = ErrStopped
	} else {
		e.err = err
	}
	qs := e.quiescers
	e.quiescers = make(map[*quiescer]struct{})
	resolveWith := e.err
	e.mu.Unlock()

	for q := range qs {
		q.resolve(resolveWith)
	}

	if err != nil {
		log.Error().Err(err).Msg("Pipeline stopped on error")
		return
	}
	log.Info().Msg("Pipeline stopped")
}

type Stats struct {
	Coordinator   coordinator.Stats
	Objects       objectmgr.Stats
	Resent        resent.Stats
	DurableGID    txn.GlobalTransactionID
	CommitPending int
}

func (e *Engine) Stats() Stats {
	return Stats{
		Coordinator:   e.coord.Stats(),
		Objects:       e.objects.Stats(),
		Resent:        e.resent.Stats(),
		DurableGID:    e.gids.DurableGID(),
		CommitPending: e.batched.Pending(),
	}
}

// Snapshot implements telemetry.SnapshotProvider.
func (e *Engine) Snapshot() telemetry.Snapshot {
	objects := e.objects.Stats()
	return telemetry.Snapshot{
		PendingTransactions: e.coord.PendingTransactionsCount(),
		ObjectsCheckedOut:   objects.CheckedOut,
		SequencerQueued:     objects.Queued,
		SequencerPending:    objects.Pending,
		ResentOutstanding:   e.resent.Stats().Outstanding,
	}
}
