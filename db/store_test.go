package db

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/txncoord/cfg"
	"github.com/maxpert/txncoord/hlc"
	"github.com/maxpert/txncoord/txn"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "store"), Options{
		CacheSizeMB:            8,
		MemTableSizeMB:         4,
		CompressThresholdBytes: 256,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDefaultOptions_FromConfig(t *testing.T) {
	prev := cfg.Config.Persistence
	t.Cleanup(func() { cfg.Config.Persistence = prev })
	cfg.Config.Persistence.CacheSizeMB = 12
	cfg.Config.Persistence.MemTableSizeMB = 6
	cfg.Config.Persistence.OpenRetries = 2
	cfg.Config.Persistence.SyncWrites = false

	opts := DefaultOptions()
	assert.Equal(t, int64(12), opts.CacheSizeMB)
	assert.Equal(t, int64(6), opts.MemTableSizeMB)
	assert.Equal(t, uint64(2), opts.OpenRetries)
	assert.False(t, opts.SyncWrites)

	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "store"), opts)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestStore_CommitMakesWritesVisible(t *testing.T) {
	s := openTestStore(t)
	id := txn.NewServerTransactionID(1, 10)

	h := s.NewTransaction()
	require.NoError(t, h.PutObject(&ObjectRecord{ObjectID: 5, Version: 1, Data: []byte("hello")}))
	require.NoError(t, h.PutGID(id, 42))
	require.NoError(t, h.PutRoot("main", 5))
	assert.Equal(t, 3, h.Len())

	// nothing visible before commit
	ok, err := s.ObjectExists(5)
	require.NoError(t, err)
	assert.False(t, ok)
	_, found, err := s.GID(id)
	require.NoError(t, err)
	assert.False(t, found)
	last, err := s.LastGID()
	require.NoError(t, err)
	assert.Equal(t, txn.NullGID, last)

	require.NoError(t, s.Commit(h))

	rec, err := s.Object(5)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []byte("hello"), rec.Data)
	assert.Equal(t, uint64(1), rec.Version)

	gid, found, err := s.GID(id)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, txn.GlobalTransactionID(42), gid)

	root, found, err := s.Root("main")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, txn.ObjectID(5), root)

	last, err = s.LastGID()
	require.NoError(t, err)
	assert.Equal(t, txn.GlobalTransactionID(42), last)
}

func TestStore_HandleCannotBeReused(t *testing.T) {
	s := openTestStore(t)

	h := s.NewTransaction()
	require.NoError(t, h.PutRoot("r", 1))
	require.NoError(t, s.Commit(h))

	assert.Error(t, s.Commit(h))
	assert.Error(t, h.PutRoot("r", 2))
}

func TestStore_LargeObjectsCompressed(t *testing.T) {
	s := openTestStore(t)
	payload := bytes.Repeat([]byte("abcdefgh"), 512)

	h := s.NewTransaction()
	require.NoError(t, h.PutObject(&ObjectRecord{ObjectID: 1, Version: 3, Data: payload}))
	require.NoError(t, s.Commit(h))

	raw, closer, err := s.db.Get(objectKey(1))
	require.NoError(t, err)
	assert.Less(t, len(raw), len(payload))
	closer.Close()

	rec, err := s.Object(1)
	require.NoError(t, err)
	assert.Equal(t, payload, rec.Data)
	assert.False(t, rec.Compressed)
}

func TestStore_ChecksumMismatch(t *testing.T) {
	rec := &ObjectRecord{ObjectID: 3, Data: []byte("x"), Checksum: 1}
	err := rec.decode()

	var ce *ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, txn.ObjectID(3), ce.ObjectID)
}

func TestStore_CommitsAscending(t *testing.T) {
	s := openTestStore(t)
	clock := hlc.NewClock(1)

	h := s.NewTransaction()
	for _, gid := range []txn.GlobalTransactionID{3, 1, 2} {
		require.NoError(t, h.PutCommit(&CommitRecord{GID: gid, Source: 1, ID: txn.TransactionID(gid), CommittedAt: clock.Now()}))
	}
	require.NoError(t, s.Commit(h))

	recs, err := s.Commits(2, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, txn.GlobalTransactionID(2), recs[0].GID)
	assert.Equal(t, txn.GlobalTransactionID(3), recs[1].GID)

	recs, err = s.Commits(0, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, txn.GlobalTransactionID(1), recs[0].GID)

	last, err := s.LastCommit()
	require.NoError(t, err)
	assert.Equal(t, txn.GlobalTransactionID(3), last.GID)
}

func TestStore_RestoreClock(t *testing.T) {
	s := openTestStore(t)
	future := hlc.Timestamp{WallTime: 1 << 62, Logical: 5, NodeID: 9}

	h := s.NewTransaction()
	require.NoError(t, h.PutCommit(&CommitRecord{GID: 1, CommittedAt: future}))
	require.NoError(t, s.Commit(h))

	clock := hlc.NewClock(1)
	require.NoError(t, s.RestoreClock(clock))
	assert.Equal(t, -1, hlc.Compare(future, clock.Now()))
}

func TestStore_ReopenKeepsState(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	s, err := Open(context.Background(), dir, Options{})
	require.NoError(t, err)

	h := s.NewTransaction()
	require.NoError(t, h.PutGID(txn.NewServerTransactionID(2, 1), 7))
	require.NoError(t, s.Commit(h))
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), dir, Options{})
	require.NoError(t, err)
	defer s.Close()

	last, err := s.LastGID()
	require.NoError(t, err)
	assert.Equal(t, txn.GlobalTransactionID(7), last)
}

func TestCounter_StagedValueHiddenUntilCommitted(t *testing.T) {
	s := openTestStore(t)
	c := s.Counters()

	v, err := c.UpdateMax("x", 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)

	v, err = c.UpdateMax("x", 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)

	batch := s.db.NewBatch()
	require.NoError(t, c.UpdateMaxInBatch(batch, "x", 9))
	v, err = c.Load("x")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v, "staged value must not be visible")

	// a failed or abandoned batch leaves the cached value alone
	batch.Close()
	v, err = c.Load("x")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)

	c.Committed("x", 9)
	v, err = c.Load("x")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), v)
}
