package db

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Counter provides thread-safe cached high-water marks backed by Pebble.
// Counters are loaded on first access. The cached value only moves once a
// write is known durable, so readers never observe an uncommitted value.
type Counter struct {
	db     *pebble.DB
	prefix string

	mu    sync.Mutex
	cache *lru.Cache[string, *counterEntry]
}

type counterEntry struct {
	mu    sync.Mutex
	value uint64
}

// NewCounter creates a counter set. prefix namespaces the keys and maxCached
// bounds the number of counters held in memory.
func NewCounter(db *pebble.DB, prefix string, maxCached int) *Counter {
	if maxCached <= 0 {
		maxCached = 16
	}
	cache, _ := lru.New[string, *counterEntry](maxCached)
	return &Counter{
		db:     db,
		prefix: prefix,
		cache:  cache,
	}
}

func (c *Counter) key(name string) []byte {
	return []byte(c.prefix + name)
}

// getOrLoad gets counter from cache or loads from Pebble
func (c *Counter) getOrLoad(name string) (*counterEntry, error) {
	if entry, ok := c.cache.Get(name); ok {
		return entry, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.cache.Get(name); ok {
		return entry, nil
	}

	var value uint64
	val, closer, err := c.db.Get(c.key(name))
	if err == nil {
		if len(val) >= 8 {
			value = binary.BigEndian.Uint64(val)
		}
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return nil, err
	}

	entry := &counterEntry{value: value}
	c.cache.Add(name, entry)
	return entry, nil
}

// Load returns the durable value of a counter, zero if never written.
func (c *Counter) Load(name string) (uint64, error) {
	entry, err := c.getOrLoad(name)
	if err != nil {
		return 0, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.value, nil
}

// UpdateMax durably raises the counter to value and returns the result.
func (c *Counter) UpdateMax(name string, value uint64) (uint64, error) {
	entry, err := c.getOrLoad(name)
	if err != nil {
		return 0, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if value > entry.value {
		if err := c.db.Set(c.key(name), uint64Bytes(value), pebble.Sync); err != nil {
			return entry.value, err
		}
		entry.value = value
	}
	return entry.value, nil
}

// UpdateMaxInBatch stages max(current, value) in batch. The cache is left
// alone until Committed is called for the same value.
func (c *Counter) UpdateMaxInBatch(batch *pebble.Batch, name string, value uint64) error {
	entry, err := c.getOrLoad(name)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if value <= entry.value {
		return nil
	}
	return batch.Set(c.key(name), uint64Bytes(value), nil)
}

// Committed records that a staged value reached storage.
func (c *Counter) Committed(name string, value uint64) {
	entry, err := c.getOrLoad(name)
	if err != nil {
		// next Load reads the durable value
		c.cache.Remove(name)
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if value > entry.value {
		entry.value = value
	}
}

// Invalidate removes a counter from cache (forces reload on next access)
func (c *Counter) Invalidate(name string) {
	c.cache.Remove(name)
}
