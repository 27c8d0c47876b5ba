package resent

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/txncoord/txn"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]*txn.Transaction
}

func (c *captureSink) AddTransactions(txns []*txn.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, append([]*txn.Transaction(nil), txns...))
}

func (c *captureSink) released() []txn.ServerTransactionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []txn.ServerTransactionID
	for _, b := range c.batches {
		ids = append(ids, txn.IDs(b)...)
	}
	return ids
}

type observer struct {
	max txn.GlobalTransactionID
}

func (o *observer) Observe(gid txn.GlobalTransactionID) {
	if gid > o.max {
		o.max = gid
	}
}

func stx(source, id uint64) txn.ServerTransactionID {
	return txn.NewServerTransactionID(txn.NodeID(source), txn.TransactionID(id))
}

func resentTxn(source, id uint64, gid txn.GlobalTransactionID, objects ...txn.ObjectID) *txn.Transaction {
	return txn.NewBuilder(txn.NodeID(source), txn.TransactionID(id)).Resent(gid).WithObjects(objects...).Build()
}

func freshTxn(source, id uint64, objects ...txn.ObjectID) *txn.Transaction {
	return txn.NewBuilder(txn.NodeID(source), txn.TransactionID(id)).WithObjects(objects...).Build()
}

func TestPassThroughWhenNothingOutstanding(t *testing.T) {
	sink := &captureSink{}
	s := New(sink, nil)
	s.TransactionManagerStarted(nil)

	batch := []*txn.Transaction{freshTxn(1, 1, 1), freshTxn(1, 2, 2)}
	require.NoError(t, s.AddTransactions(batch))

	require.Len(t, sink.batches, 1)
	assert.Equal(t, batch, sink.batches[0])
}

func TestHeldUntilStarted(t *testing.T) {
	sink := &captureSink{}
	s := New(sink, nil)

	require.NoError(t, s.AddTransactions([]*txn.Transaction{freshTxn(1, 1, 1)}))
	assert.Empty(t, sink.released())

	s.TransactionManagerStarted([]txn.NodeID{1})
	assert.Equal(t, []txn.ServerTransactionID{stx(1, 1)}, sink.released())
}

func TestResentBeforeFresh(t *testing.T) {
	sink := &captureSink{}
	obs := &observer{}
	s := New(sink, obs)

	// g1 < g2 belong to two different clients
	require.NoError(t, s.AddResentServerTransactionIDs(map[txn.ServerTransactionID]txn.GlobalTransactionID{
		stx(1, 5): 10,
		stx(2, 7): 11,
	}))
	assert.Equal(t, txn.GlobalTransactionID(11), obs.max)
	s.TransactionManagerStarted([]txn.NodeID{1, 2, 3})

	// a fresh batch arrives between the two resent ones
	require.NoError(t, s.AddTransactions([]*txn.Transaction{resentTxn(2, 7, 11, 2)}))
	assert.Empty(t, sink.released(), "g2 must wait for g1")

	require.NoError(t, s.AddTransactions([]*txn.Transaction{freshTxn(3, 1, 9)}))
	assert.Empty(t, sink.released())

	require.NoError(t, s.AddTransactions([]*txn.Transaction{resentTxn(1, 5, 10, 1)}))
	assert.Equal(t, []txn.ServerTransactionID{stx(1, 5), stx(2, 7)}, sink.released(), "resent released ascending by GID")

	// fresh work stays held until both resent lifecycles are done
	s.ResentTransactionCompleted(stx(1, 5))
	assert.Len(t, sink.released(), 2)

	fired := false
	s.CallBackOnResentTxnsInSystemCompletion(func() { fired = true })
	assert.False(t, fired)

	s.ResentTransactionCompleted(stx(2, 7))
	assert.Equal(t, []txn.ServerTransactionID{stx(1, 5), stx(2, 7), stx(3, 1)}, sink.released())
	assert.True(t, fired)

	// and the pipeline is back to pass-through
	require.NoError(t, s.AddTransactions([]*txn.Transaction{freshTxn(3, 2, 9)}))
	assert.Len(t, sink.released(), 4)
}

func TestDiscontinuousGIDSplitsBatch(t *testing.T) {
	sink := &captureSink{}
	s := New(sink, nil)

	require.NoError(t, s.AddResentServerTransactionIDs(map[txn.ServerTransactionID]txn.GlobalTransactionID{
		stx(1, 1): 1,
		stx(2, 1): 2,
		stx(1, 2): 3,
	}))
	s.TransactionManagerStarted([]txn.NodeID{1, 2})

	// client 1 replays its whole batch, which straddles client 2's GID
	require.NoError(t, s.AddTransactions([]*txn.Transaction{resentTxn(1, 1, 1), resentTxn(1, 2, 3)}))
	assert.Equal(t, []txn.ServerTransactionID{stx(1, 1)}, sink.released())

	require.NoError(t, s.AddTransactions([]*txn.Transaction{resentTxn(2, 1, 2)}))
	assert.Equal(t, []txn.ServerTransactionID{stx(1, 1), stx(2, 1), stx(1, 2)}, sink.released())
}

func TestResentGIDAttachedFromRegistration(t *testing.T) {
	sink := &captureSink{}
	s := New(sink, nil)
	require.NoError(t, s.AddResentServerTransactionIDs(map[txn.ServerTransactionID]txn.GlobalTransactionID{stx(1, 1): 4}))
	s.TransactionManagerStarted([]txn.NodeID{1})

	tx := freshTxn(1, 1, 1)
	require.NoError(t, s.AddTransactions([]*txn.Transaction{tx}))
	assert.Equal(t, txn.GlobalTransactionID(4), tx.GID)

	var se *StateError
	s2 := New(&captureSink{}, nil)
	require.NoError(t, s2.AddResentServerTransactionIDs(map[txn.ServerTransactionID]txn.GlobalTransactionID{stx(1, 1): 4}))
	err := s2.AddTransactions([]*txn.Transaction{resentTxn(1, 1, 5)})
	assert.True(t, errors.As(err, &se))
}

func TestMismatchedGIDRejectsWholeBatch(t *testing.T) {
	sink := &captureSink{}
	s := New(sink, nil)
	require.NoError(t, s.AddResentServerTransactionIDs(map[txn.ServerTransactionID]txn.GlobalTransactionID{stx(1, 1): 5}))
	s.TransactionManagerStarted([]txn.NodeID{1})

	fresh := freshTxn(1, 2, 2)
	var se *StateError
	err := s.AddTransactions([]*txn.Transaction{fresh, resentTxn(1, 1, 7, 1)})
	require.True(t, errors.As(err, &se))
	assert.Equal(t, stx(1, 1), se.ID)

	assert.Equal(t, Stats{Running: true, Awaiting: 1, Outstanding: 1}, s.Stats())
	assert.Empty(t, sink.released())

	// the registered transaction still arrives and releases the rest
	require.NoError(t, s.AddTransactions([]*txn.Transaction{resentTxn(1, 1, 5, 1), fresh}))
	assert.Equal(t, []txn.ServerTransactionID{stx(1, 1)}, sink.released())
	s.ResentTransactionCompleted(stx(1, 1))
	assert.Equal(t, []txn.ServerTransactionID{stx(1, 1), stx(1, 2)}, sink.released())
}

func TestStartedDropsDeadNodes(t *testing.T) {
	sink := &captureSink{}
	s := New(sink, nil)
	require.NoError(t, s.AddResentServerTransactionIDs(map[txn.ServerTransactionID]txn.GlobalTransactionID{
		stx(1, 1): 1,
		stx(2, 1): 2,
	}))
	s.TransactionManagerStarted([]txn.NodeID{2})

	require.NoError(t, s.AddTransactions([]*txn.Transaction{resentTxn(2, 1, 2)}))
	assert.Equal(t, []txn.ServerTransactionID{stx(2, 1)}, sink.released(), "dead node's GID does not gate")
	assert.Equal(t, 1, s.Stats().Outstanding)
}

func TestClearAllTransactionsFor(t *testing.T) {
	sink := &captureSink{}
	s := New(sink, nil)
	require.NoError(t, s.AddResentServerTransactionIDs(map[txn.ServerTransactionID]txn.GlobalTransactionID{
		stx(1, 1): 1,
		stx(2, 1): 2,
	}))
	s.TransactionManagerStarted([]txn.NodeID{1, 2, 3})

	require.NoError(t, s.AddTransactions([]*txn.Transaction{resentTxn(2, 1, 2)}))
	require.NoError(t, s.AddTransactions([]*txn.Transaction{freshTxn(3, 1, 5), freshTxn(1, 9, 6)}))
	assert.Empty(t, sink.released())

	// node 1 disconnects before replaying GID 1
	s.ClearAllTransactionsFor(1)
	assert.Equal(t, []txn.ServerTransactionID{stx(2, 1)}, sink.released())

	st := s.Stats()
	assert.Equal(t, 0, st.Awaiting)
	assert.Equal(t, 1, st.HeldFresh)
	assert.Equal(t, 1, st.Outstanding)

	s.ResentTransactionCompleted(stx(2, 1))
	assert.Equal(t, []txn.ServerTransactionID{stx(2, 1), stx(3, 1)}, sink.released())
}

func TestRegistrationFaults(t *testing.T) {
	s := New(&captureSink{}, nil)
	var se *StateError

	err := s.AddResentServerTransactionIDs(map[txn.ServerTransactionID]txn.GlobalTransactionID{stx(1, 1): txn.NullGID})
	assert.True(t, errors.As(err, &se))

	require.NoError(t, s.AddResentServerTransactionIDs(map[txn.ServerTransactionID]txn.GlobalTransactionID{stx(1, 1): 3}))
	err = s.AddResentServerTransactionIDs(map[txn.ServerTransactionID]txn.GlobalTransactionID{stx(2, 1): 3})
	assert.True(t, errors.As(err, &se))

	s.TransactionManagerStarted([]txn.NodeID{1})
	err = s.AddResentServerTransactionIDs(map[txn.ServerTransactionID]txn.GlobalTransactionID{stx(1, 2): 4})
	assert.True(t, errors.As(err, &se))
}

func TestCallbackFiresImmediatelyWhenDrained(t *testing.T) {
	s := New(&captureSink{}, nil)
	s.TransactionManagerStarted(nil)

	fired := false
	s.CallBackOnResentTxnsInSystemCompletion(func() { fired = true })
	assert.True(t, fired)
}
