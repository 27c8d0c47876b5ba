package sequencer

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"

	"github.com/maxpert/txncoord/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const client txn.NodeID = 1

func newTxn(id txn.TransactionID, objects ...txn.ObjectID) *txn.Transaction {
	return txn.NewBuilder(client, id).WithObjects(objects...).Build()
}

func disjointTxns(n int) []*txn.Transaction {
	txns := make([]*txn.Transaction, n)
	for i := range txns {
		txns[i] = newTxn(txn.TransactionID(i+1), txn.ObjectID(2*i+1), txn.ObjectID(2*i+2))
	}
	return txns
}

// intersectingTxns share object 100 across the whole chain.
func intersectingTxns(n int) []*txn.Transaction {
	txns := make([]*txn.Transaction, n)
	for i := range txns {
		txns[i] = newTxn(txn.TransactionID(i+1), txn.ObjectID(i+1), 100)
	}
	return txns
}

func drain(s *Sequencer) []*txn.Transaction {
	var out []*txn.Transaction
	for tx := s.NextReady(); tx != nil; tx = s.NextReady() {
		out = append(out, tx)
	}
	return out
}

func without(txns []*txn.Transaction, skip *txn.Transaction) []*txn.Transaction {
	var out []*txn.Transaction
	for _, t := range txns {
		if t != skip {
			out = append(out, t)
		}
	}
	return out
}

func TestNoPendingDisjoint(t *testing.T) {
	s := New()
	txns := disjointTxns(5)
	s.AddPending(txns)

	assert.Equal(t, txns, drain(s))
	assert.Equal(t, Stats{}, s.Stats())
}

func TestNoPendingJointComeOutInArrivalOrder(t *testing.T) {
	s := New()
	txns := intersectingTxns(5)
	s.AddPending(txns)

	// nothing is pending, so returned transactions constrain nothing
	assert.Equal(t, txns, drain(s))
}

func TestPendingDisjoint(t *testing.T) {
	s := New()
	txns := disjointTxns(5)
	s.AddPending(txns)

	t1 := s.NextReady()
	require.NotNil(t, t1)
	require.NoError(t, s.MarkPending(t1))
	assert.True(t, s.IsPending(t1.ID))

	assert.Equal(t, without(txns, t1), drain(s))
	assert.Nil(t, s.NextReady())

	require.NoError(t, s.MarkUnpending(t1))
	assert.False(t, s.IsPending(t1.ID))
	// unpending does not requeue
	assert.Nil(t, s.NextReady())
}

func TestPendingJointBlocksRest(t *testing.T) {
	s := New()
	txns := intersectingTxns(5)
	s.AddPending(txns)

	t1 := s.NextReady()
	require.NoError(t, s.MarkPending(t1))

	assert.Nil(t, s.NextReady())
	assert.Equal(t, Stats{Queued: 4, Pending: 1}, s.Stats())

	require.NoError(t, s.MarkUnpending(t1))
	assert.Equal(t, without(txns, t1), drain(s))
}

func TestLocksAreNotConsidered(t *testing.T) {
	s := New()
	a := txn.NewBuilder(client, 1).WithObjects(1).WithLocks("L").Build()
	b := txn.NewBuilder(client, 2).WithObjects(2).WithLocks("L").Build()
	s.AddPending([]*txn.Transaction{a, b})

	require.NoError(t, s.MarkPending(s.NextReady()))
	assert.Equal(t, b, s.NextReady(), "shared lock with disjoint objects still flows")
}

func TestPendStateFaults(t *testing.T) {
	s := New()
	txns := disjointTxns(5)
	s.AddPending(txns)

	t1 := s.NextReady()
	require.NoError(t, s.MarkPending(t1))

	var pse *PendingStateError
	err := s.MarkPending(t1)
	require.True(t, errors.As(err, &pse))
	assert.True(t, pse.Pending)

	t2 := s.NextReady()
	require.NotNil(t, t2)
	err = s.MarkUnpending(t2)
	require.True(t, errors.As(err, &pse))
	assert.False(t, pse.Pending)

	// a queued transaction cannot be parked before it was handed out
	err = s.MarkPending(txns[4])
	require.True(t, errors.As(err, &pse))
	assert.True(t, pse.Queued)

	require.NoError(t, s.MarkUnpending(t1))
	require.Error(t, s.MarkUnpending(t1))
}

func TestOrderingByObjectID(t *testing.T) {
	s := New()
	txn1 := newTxn(1, 1)
	txn2 := newTxn(2, 2)
	txn3 := newTxn(3, 2, 3)
	txn4 := newTxn(4, 1, 2)
	s.AddPending([]*txn.Transaction{txn1, txn2, txn3, txn4})

	require.NoError(t, s.MarkPending(s.NextReady()))
	require.NoError(t, s.MarkPending(s.NextReady()))

	assert.Nil(t, s.NextReady())
	assert.Nil(t, s.NextReady())

	require.NoError(t, s.MarkUnpending(txn2))
	require.NoError(t, s.MarkUnpending(txn1))

	assert.Equal(t, txn3, s.NextReady())
	assert.Equal(t, txn4, s.NextReady())
}

func TestEarlierBlockedTransactionBlocksLaterConflict(t *testing.T) {
	s := New()
	a := newTxn(1, 1)
	b := newTxn(2, 1, 2) // blocked behind pending a
	c := newTxn(3, 2)    // shares only with blocked b
	d := newTxn(4, 9)
	s.AddPending([]*txn.Transaction{a, b, c, d})

	require.NoError(t, s.MarkPending(s.NextReady()))
	assert.Equal(t, d, s.NextReady())
	assert.Nil(t, s.NextReady())

	require.NoError(t, s.MarkUnpending(a))
	assert.Equal(t, []*txn.Transaction{b, c}, drain(s))
}

func TestDisjointnessAdmissionRegardlessOfOrder(t *testing.T) {
	for _, order := range [][]int{{0, 1}, {1, 0}} {
		s := New()
		pair := []*txn.Transaction{newTxn(1, 1, 2), newTxn(2, 3, 4)}
		s.AddPending([]*txn.Transaction{pair[order[0]], pair[order[1]]})

		first := s.NextReady()
		require.NoError(t, s.MarkPending(first))
		assert.NotNil(t, s.NextReady(), "disjoint transaction must be ready while the other is pending")
	}
}

func version(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func randomTxn(rnd *rand.Rand, id txn.TransactionID, versions []uint64) *txn.Transaction {
	b := txn.NewBuilder(client, id)
	picked := map[int]bool{}
	for n := rnd.Intn(3) + 1; n > 0; {
		oid := rnd.Intn(len(versions))
		if picked[oid] {
			continue
		}
		picked[oid] = true
		versions[oid]++
		data := make([]byte, 8)
		binary.BigEndian.PutUint64(data, versions[oid])
		b.WithChange(txn.ObjectID(oid), data, false)
		n--
	}
	return b.Build()
}

// Random interleavings of pend/unpend must still apply every object's changes
// in version order.
func TestRandomInterleavingKeepsPerObjectOrder(t *testing.T) {
	for _, seed := range []int64{1, 7, -7748167846395034562, -149113776740941224} {
		rnd := rand.New(rand.NewSource(seed))
		s := New()
		versionsIn := make([]uint64, 25)
		versionsRecv := make([]uint64, 25)
		pending := map[txn.ServerTransactionID]*txn.Transaction{}
		var id txn.TransactionID

		process := func(tx *txn.Transaction) {
			for _, c := range tx.Changes {
				want := versionsRecv[c.ObjectID] + 1
				require.Equal(t, want, version(c.Data), "seed %d object %d", seed, c.ObjectID)
				versionsRecv[c.ObjectID] = want
			}
		}

		for loop := 0; loop < 2000; loop++ {
			var batch []*txn.Transaction
			for i, n := 0, rnd.Intn(3)+1; i < n; i++ {
				id++
				batch = append(batch, randomTxn(rnd, id, versionsIn))
			}
			s.AddPending(batch)

			for next := s.NextReady(); next != nil; next = s.NextReady() {
				if rnd.Intn(3) == 0 {
					require.NoError(t, s.MarkPending(next))
					pending[next.ID] = next
					continue
				}
				process(next)

				if len(pending) > 0 && rnd.Intn(4) == 0 {
					n := rnd.Intn(len(pending))
					for k, p := range pending {
						if n == 0 {
							break
						}
						n--
						delete(pending, k)
						process(p)
						require.NoError(t, s.MarkUnpending(p))
					}
				}
			}
		}
	}
}
