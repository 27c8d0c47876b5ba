package db

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
	retry "github.com/sethvargo/go-retry"

	"github.com/maxpert/txncoord/cfg"
	"github.com/maxpert/txncoord/encoding"
	"github.com/maxpert/txncoord/hlc"
	"github.com/maxpert/txncoord/telemetry"
	"github.com/maxpert/txncoord/txn"
)

// Key prefixes, sorted for efficient iteration
const (
	prefixObject  = "/obj/"     // /obj/{oid:016x}
	prefixGIDByID = "/gid/stx/" // /gid/stx/{source:016x}/{id:016x}
	prefixCommit  = "/gid/seq/" // /gid/seq/{gid:016x}
	prefixRoot    = "/root/"    // /root/{name}
	prefixCounter = "/meta/"    // /meta/{counterName}

	// CounterGID holds the highest GID made durable.
	CounterGID = "gid"
)

// Options configures the pebble store
type Options struct {
	CacheSizeMB            int64
	MemTableSizeMB         int64
	SyncWrites             bool
	CompressThresholdBytes int
	OpenRetries            uint64
	CounterCacheSize       int
}

// DefaultOptions returns store options from cfg.Config.Persistence.
func DefaultOptions() Options {
	p := cfg.Config.Persistence
	return Options{
		CacheSizeMB:            int64(p.CacheSizeMB),
		MemTableSizeMB:         int64(p.MemTableSizeMB),
		SyncWrites:             p.SyncWrites,
		CompressThresholdBytes: p.CompressThresholdBytes,
		OpenRetries:            uint64(p.OpenRetries),
		CounterCacheSize:       16,
	}
}

// Store is the durable transactional key-value store under the commit stage.
// Writes go through a Txn handle and become visible atomically on Commit.
type Store struct {
	db        *pebble.DB
	path      string
	opts      Options
	writeOpts *pebble.WriteOptions
	counters  *Counter
}

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// Open opens or creates the store at path. Opening is retried with a
// Fibonacci backoff since a previous process may still hold the directory lock.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if opts.CacheSizeMB <= 0 {
		opts.CacheSizeMB = 64
	}
	if opts.MemTableSizeMB <= 0 {
		opts.MemTableSizeMB = 32
	}

	cache := pebble.NewCache(opts.CacheSizeMB << 20)
	defer cache.Unref()

	pebbleOpts := &pebble.Options{
		Cache:        cache,
		MemTableSize: uint64(opts.MemTableSizeMB << 20),
		Logger:       &pebbleLogger{},
	}

	var pdb *pebble.DB
	b := retry.WithMaxRetries(opts.OpenRetries, retry.NewFibonacci(100*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		pdb, err = pebble.Open(path, pebbleOpts)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to open store, retrying")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	writeOpts := pebble.NoSync
	if opts.SyncWrites {
		writeOpts = pebble.Sync
	}

	s := &Store{
		db:        pdb,
		path:      path,
		opts:      opts,
		writeOpts: writeOpts,
	}
	s.counters = NewCounter(pdb, prefixCounter, opts.CounterCacheSize)

	log.Info().Str("path", path).Bool("sync_writes", opts.SyncWrites).Msg("Store opened")
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Counters() *Counter {
	return s.counters
}

// NewTransaction opens a write handle. Nothing written through it is visible
// until Commit succeeds.
func (s *Store) NewTransaction() Handle {
	return &Txn{
		store:    s,
		batch:    s.db.NewBatch(),
		counters: make(map[string]uint64),
	}
}

// Commit makes every write of h durable atomically. A failed commit leaves
// nothing behind and the handle must not be reused.
func (s *Store) Commit(h Handle) error {
	t, ok := h.(*Txn)
	if !ok {
		return fmt.Errorf("commit: foreign handle %T", h)
	}
	if t.done {
		return fmt.Errorf("commit: handle already finished")
	}
	t.done = true
	defer t.batch.Close()

	if t.ops == 0 {
		return nil
	}

	for name, v := range t.counters {
		if err := s.counters.UpdateMaxInBatch(t.batch, name, v); err != nil {
			telemetry.StorageCommitsTotal.With("failed").Inc()
			return err
		}
	}

	if err := t.batch.Commit(s.writeOpts); err != nil {
		telemetry.StorageCommitsTotal.With("failed").Inc()
		return fmt.Errorf("commit batch: %w", err)
	}

	for name, v := range t.counters {
		s.counters.Committed(name, v)
	}
	telemetry.StorageCommitsTotal.With("success").Inc()
	telemetry.CommitFlushSize.Observe(float64(t.ops))
	return nil
}

// Object returns the durable record of oid, or nil if it does not exist.
func (s *Store) Object(oid txn.ObjectID) (*ObjectRecord, error) {
	val, closer, err := s.db.Get(objectKey(oid))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	rec := &ObjectRecord{}
	if err := encoding.Unmarshal(val, rec); err != nil {
		return nil, fmt.Errorf("decode object %d: %w", oid, err)
	}
	if err := rec.decode(); err != nil {
		return nil, err
	}
	return rec, nil
}

// ObjectExists reports whether oid has a durable record.
func (s *Store) ObjectExists(oid txn.ObjectID) (bool, error) {
	_, closer, err := s.db.Get(objectKey(oid))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// GID returns the durable GID mapped to id.
func (s *Store) GID(id txn.ServerTransactionID) (txn.GlobalTransactionID, bool, error) {
	val, closer, err := s.db.Get(gidKey(id))
	if err == pebble.ErrNotFound {
		return txn.NullGID, false, nil
	}
	if err != nil {
		return txn.NullGID, false, err
	}
	defer closer.Close()

	if len(val) < 8 {
		return txn.NullGID, false, fmt.Errorf("corrupt GID mapping for %s", id)
	}
	return txn.GlobalTransactionID(binary.BigEndian.Uint64(val)), true, nil
}

// GIDOwner returns the transaction that committed with gid.
func (s *Store) GIDOwner(gid txn.GlobalTransactionID) (txn.ServerTransactionID, bool, error) {
	val, closer, err := s.db.Get(commitKey(gid))
	if err == pebble.ErrNotFound {
		return txn.ServerTransactionID{}, false, nil
	}
	if err != nil {
		return txn.ServerTransactionID{}, false, err
	}
	defer closer.Close()

	rec := &CommitRecord{}
	if err := encoding.Unmarshal(val, rec); err != nil {
		return txn.ServerTransactionID{}, false, fmt.Errorf("decode commit record %d: %w", gid, err)
	}
	return txn.NewServerTransactionID(rec.Source, rec.ID), true, nil
}

// LastGID returns the highest durable GID.
func (s *Store) LastGID() (txn.GlobalTransactionID, error) {
	v, err := s.counters.Load(CounterGID)
	return txn.GlobalTransactionID(v), err
}

// Root returns the object bound to a root name.
func (s *Store) Root(name string) (txn.ObjectID, bool, error) {
	val, closer, err := s.db.Get([]byte(prefixRoot + name))
	if err == pebble.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()
	return txn.ObjectID(binary.BigEndian.Uint64(val)), true, nil
}

// Commits returns up to limit commit records with GID >= from, ascending.
func (s *Store) Commits(from txn.GlobalTransactionID, limit int) ([]*CommitRecord, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: commitKey(from),
		UpperBound: []byte(prefixCommit + "\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*CommitRecord
	for iter.First(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Next() {
		rec := &CommitRecord{}
		if err := encoding.Unmarshal(iter.Value(), rec); err != nil {
			return nil, fmt.Errorf("decode commit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

// LastCommit returns the commit record with the highest GID, or nil.
func (s *Store) LastCommit() (*CommitRecord, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixCommit),
		UpperBound: []byte(prefixCommit + "\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	if !iter.Last() {
		return nil, iter.Error()
	}
	rec := &CommitRecord{}
	if err := encoding.Unmarshal(iter.Value(), rec); err != nil {
		return nil, fmt.Errorf("decode commit record: %w", err)
	}
	return rec, nil
}

// RestoreClock advances clock past the last durable commit so timestamps
// keep increasing across restarts.
func (s *Store) RestoreClock(clock *hlc.Clock) error {
	last, err := s.LastCommit()
	if err != nil || last == nil {
		return err
	}
	clock.Observe(last.CommittedAt)
	return nil
}

func objectKey(oid txn.ObjectID) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixObject, uint64(oid)))
}

func gidKey(id txn.ServerTransactionID) []byte {
	return []byte(fmt.Sprintf("%s%016x/%016x", prefixGIDByID, uint64(id.Source), uint64(id.ID)))
}

func commitKey(gid txn.GlobalTransactionID) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixCommit, uint64(gid)))
}

func uint64Bytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
