package gtx

import (
	"context"
	"sort"
	"sync"

	"github.com/maxpert/txncoord/txn"
)

type gidWaiter struct {
	gid txn.GlobalTransactionID
	ch  chan struct{}
}

// WaitQueue parks callers until a GID watermark passes their target.
// Waiters are kept sorted so a notification touches only satisfied waiters.
type WaitQueue struct {
	mu      sync.Mutex
	reached txn.GlobalTransactionID
	waiters []gidWaiter // sorted by gid ascending
}

func NewWaitQueue(reached txn.GlobalTransactionID) *WaitQueue {
	return &WaitQueue{reached: reached}
}

// Wait blocks until the watermark reaches gid or ctx is done.
func (q *WaitQueue) Wait(ctx context.Context, gid txn.GlobalTransactionID) error {
	q.mu.Lock()
	if gid <= q.reached {
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	i := sort.Search(len(q.waiters), func(i int) bool {
		return q.waiters[i].gid >= gid
	})
	q.waiters = append(q.waiters, gidWaiter{})
	copy(q.waiters[i+1:], q.waiters[i:])
	q.waiters[i] = gidWaiter{gid: gid, ch: ch}
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		for j, w := range q.waiters {
			if w.ch == ch {
				q.waiters = append(q.waiters[:j], q.waiters[j+1:]...)
				break
			}
		}
		q.mu.Unlock()
		return ctx.Err()
	}
}

// NotifyUpTo raises the watermark and wakes every waiter at or below it.
func (q *WaitQueue) NotifyUpTo(gid txn.GlobalTransactionID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if gid <= q.reached {
		return
	}
	q.reached = gid

	i := sort.Search(len(q.waiters), func(i int) bool {
		return q.waiters[i].gid > gid
	})
	for j := 0; j < i; j++ {
		close(q.waiters[j].ch)
	}
	q.waiters = q.waiters[i:]
}

// Len returns number of active waiters (for testing/metrics)
func (q *WaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
