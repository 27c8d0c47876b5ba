package db

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// BatchedTransaction amortizes storage commits across many logical commits.
// Callers write through Current and report the number of changes they staged
// with OptionalCommit; the underlying handle is committed once the accumulated
// count reaches the batch size. Whatever is over the size carries into the
// next batch.
type BatchedTransaction struct {
	provider  TransactionProvider
	batchSize int

	mu      sync.Mutex
	current Handle
	pending int
	total   int
}

func NewBatchedTransaction(provider TransactionProvider, batchSize int) *BatchedTransaction {
	if batchSize < 1 {
		batchSize = 1
	}
	return &BatchedTransaction{
		provider:  provider,
		batchSize: batchSize,
	}
}

// Current returns the open handle, opening one if needed.
func (b *BatchedTransaction) Current() Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLocked()
}

func (b *BatchedTransaction) currentLocked() Handle {
	if b.current == nil {
		b.current = b.provider.NewTransaction()
	}
	return b.current
}

// OptionalCommit accounts n more changes and commits the open handle if the
// accumulated count reached the batch size. It reports whether a commit
// happened.
func (b *BatchedTransaction) OptionalCommit(n int) (bool, error) {
	if n < 0 {
		return false, fmt.Errorf("optional commit: negative change count %d", n)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.total += n
	b.pending += n
	if b.pending < b.batchSize {
		return false, nil
	}

	b.pending %= b.batchSize
	return true, b.commitLocked()
}

// CompleteBatchedTransaction commits whatever is still open and returns the
// number of changes processed since the last completion.
func (b *BatchedTransaction) CompleteBatchedTransaction() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.commitLocked()
	total := b.total
	b.total = 0
	b.pending = 0
	return total, err
}

// Pending is the number of changes accounted since the last commit.
func (b *BatchedTransaction) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

func (b *BatchedTransaction) commitLocked() error {
	h := b.current
	b.current = nil
	if h == nil {
		return nil
	}
	if err := b.provider.Commit(h); err != nil {
		log.Error().Err(err).Int("writes", h.Len()).Msg("Batched commit failed")
		return err
	}
	return nil
}
