package db

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/txncoord/txn"
)

type fakeHandle struct {
	writes int
}

func (h *fakeHandle) PutObject(*ObjectRecord) error                                  { h.writes++; return nil }
func (h *fakeHandle) PutGID(txn.ServerTransactionID, txn.GlobalTransactionID) error { h.writes++; return nil }
func (h *fakeHandle) PutCommit(*CommitRecord) error                                  { h.writes++; return nil }
func (h *fakeHandle) PutRoot(string, txn.ObjectID) error                             { h.writes++; return nil }
func (h *fakeHandle) Len() int                                                       { return h.writes }

type fakeProvider struct {
	opened  int
	commits int
	failOn  int
}

func (p *fakeProvider) NewTransaction() Handle {
	p.opened++
	return &fakeHandle{}
}

func (p *fakeProvider) Commit(Handle) error {
	p.commits++
	if p.failOn > 0 && p.commits == p.failOn {
		return errors.New("disk full")
	}
	return nil
}

func TestBatchedTransaction_FlushesWhenThresholdReached(t *testing.T) {
	p := &fakeProvider{}
	b := NewBatchedTransaction(p, 10)

	b.Current()
	flushed, err := b.OptionalCommit(9)
	require.NoError(t, err)
	assert.False(t, flushed)
	assert.Equal(t, 0, p.commits)

	flushed, err = b.OptionalCommit(1)
	require.NoError(t, err)
	assert.True(t, flushed, "reaching the threshold flushes")
	assert.Equal(t, 1, p.commits)
	assert.Equal(t, 0, b.Pending())
}

func TestBatchedTransaction_CarriesExcess(t *testing.T) {
	p := &fakeProvider{}
	b := NewBatchedTransaction(p, 10)

	b.Current()
	_, err := b.OptionalCommit(7)
	require.NoError(t, err)
	b.Current()
	flushed, err := b.OptionalCommit(6)
	require.NoError(t, err)
	assert.True(t, flushed)
	assert.Equal(t, 3, b.Pending())
}

func TestBatchedTransaction_CompleteFlushesRemainder(t *testing.T) {
	p := &fakeProvider{}
	b := NewBatchedTransaction(p, 100)

	for i := 0; i < 5; i++ {
		b.Current().PutRoot("r", txn.ObjectID(i))
		_, err := b.OptionalCommit(3)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, p.commits)

	total, err := b.CompleteBatchedTransaction()
	require.NoError(t, err)
	assert.Equal(t, 15, total)
	assert.Equal(t, 1, p.commits)

	// nothing open, nothing to commit
	total, err = b.CompleteBatchedTransaction()
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Equal(t, 1, p.commits)
}

func TestBatchedTransaction_CommitErrorSurfaces(t *testing.T) {
	p := &fakeProvider{failOn: 1}
	b := NewBatchedTransaction(p, 2)

	b.Current()
	flushed, err := b.OptionalCommit(2)
	assert.True(t, flushed)
	assert.Error(t, err)

	_, err = b.OptionalCommit(-1)
	assert.Error(t, err)
}

func TestBatchedTransaction_Conservation(t *testing.T) {
	for _, seed := range []int64{1, 2, 3, 42, 1337} {
		rng := rand.New(rand.NewSource(seed))
		batchSize := 1 + rng.Intn(50)
		p := &fakeProvider{}
		b := NewBatchedTransaction(p, batchSize)

		sum := 0
		calls := 1 + rng.Intn(500)
		for i := 0; i < calls; i++ {
			n := rng.Intn(batchSize + 1)
			b.Current().PutRoot("r", 1)
			_, err := b.OptionalCommit(n)
			require.NoError(t, err)
			sum += n
		}

		total, err := b.CompleteBatchedTransaction()
		require.NoError(t, err)
		assert.Equal(t, sum, total, "seed %d", seed)

		want := (sum + batchSize - 1) / batchSize
		assert.GreaterOrEqual(t, p.commits, want-1, "seed %d", seed)
		assert.LessOrEqual(t, p.commits, want+1, "seed %d", seed)
	}
}
