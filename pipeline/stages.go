package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/txncoord/db"
	"github.com/maxpert/txncoord/objectmgr"
	"github.com/maxpert/txncoord/txn"
)

// lookupLoop runs a checkout sweep whenever one is requested. Sweeps push
// conflict-free batches to the apply stage.
func (e *Engine) lookupLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.objects.LookupRequests():
			t := startStage("lookup")
			if err := e.objects.LookupObjectsForTransactions(); err != nil {
				return t.fail(fmt.Errorf("lookup: %w", err))
			}
			t.done()
		}
	}
}

func (e *Engine) applyLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case batch := <-e.applyQ.ch:
			for _, actx := range batch {
				if err := e.apply(actx); err != nil {
					return err
				}
				select {
				case e.commitCh <- actx:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

func (e *Engine) apply(actx *objectmgr.ApplyContext) error {
	t := startStage("apply")
	if actx.Err != nil {
		return t.fail(fmt.Errorf("apply %s: %w", actx.Txn.ID, actx.Err))
	}
	if !actx.NeedsApply {
		log.Debug().Str("txn", actx.Txn.ID.String()).Msg("Resent transaction already durable, skipping apply")
		e.coord.SkipApplyAndCommit(actx.Txn)
		t.done()
		return nil
	}

	versions, err := e.coord.Apply(actx.Txn, actx.Existing)
	if err != nil {
		return t.fail(fmt.Errorf("apply %s: %w", actx.Txn.ID, err))
	}
	actx.Applied = versions
	t.done()
	return nil
}

// commitLoop stages every applied transaction in the open storage batch. The
// batch is committed when it reaches the configured size or when the commit
// queue runs dry; only then are GIDs confirmed and footprints released.
func (e *Engine) commitLoop(ctx context.Context) error {
	var staged []*objectmgr.ApplyContext
	for {
		select {
		case <-ctx.Done():
			return e.flush(ctx, staged)
		case actx := <-e.commitCh:
			if !actx.NeedsApply {
				if err := e.durable(ctx, []*objectmgr.ApplyContext{actx}, false); err != nil {
					return err
				}
				break
			}

			t := startStage("commit")
			n, err := e.stage(actx)
			if err != nil {
				e.abort(append(staged, actx))
				return t.fail(fmt.Errorf("stage %s: %w", actx.Txn.ID, err))
			}
			staged = append(staged, actx)

			committed, err := e.batched.OptionalCommit(n)
			if err != nil {
				e.abort(staged)
				return t.fail(fmt.Errorf("commit: %w", err))
			}
			t.done()
			if committed {
				if err := e.durable(ctx, staged, true); err != nil {
					return err
				}
				staged = nil
			}
		}

		if len(staged) > 0 && len(e.commitCh) == 0 {
			if err := e.flush(ctx, staged); err != nil {
				return err
			}
			staged = nil
		}
	}
}

// stage writes the GID mapping and the effects of actx into the open handle
// and returns the number of writes added.
func (e *Engine) stage(actx *objectmgr.ApplyContext) (int, error) {
	h := e.batched.Current()
	before := h.Len()

	if _, err := e.gids.Assign(h, actx.Txn); err != nil {
		return h.Len() - before, err
	}
	if _, err := db.WriteCommit(h, actx.Txn, actx.Applied, e.clock.Now()); err != nil {
		return h.Len() - before, err
	}
	return h.Len() - before, nil
}

func (e *Engine) flush(ctx context.Context, staged []*objectmgr.ApplyContext) error {
	total, err := e.batched.CompleteBatchedTransaction()
	if err != nil {
		e.abort(staged)
		return fmt.Errorf("flush: %w", err)
	}
	if len(staged) > 0 {
		log.Debug().Int("transactions", len(staged)).Int("writes", total).Msg("Flushed commit batch")
	}
	return e.durable(ctx, staged, true)
}

// durable finishes transactions whose writes reached storage: their GIDs are
// confirmed, their objects released, and they move on to broadcast.
func (e *Engine) durable(ctx context.Context, done []*objectmgr.ApplyContext, written bool) error {
	if len(done) == 0 {
		return nil
	}

	txns := make([]*txn.Transaction, len(done))
	for i, actx := range done {
		txns[i] = actx.Txn
	}
	if written {
		e.gids.MarkDurable(txn.IDs(txns))
	}

	for _, actx := range done {
		if _, err := e.objects.ApplyTransactionComplete(actx); err != nil {
			return fmt.Errorf("release %s: %w", actx.Txn.ID, err)
		}
	}
	if written {
		e.coord.Commit(txns)
	}

	for _, tx := range txns {
		select {
		case e.broadcastCh <- tx:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (e *Engine) abort(staged []*objectmgr.ApplyContext) {
	ids := make([]txn.ServerTransactionID, len(staged))
	for i, actx := range staged {
		ids[i] = actx.Txn.ID
	}
	e.gids.Abort(ids)
}

func (e *Engine) broadcastLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case tx := <-e.broadcastCh:
			t := startStage("broadcast")
			if e.opts.Broadcaster != nil {
				if err := e.opts.Broadcaster.Broadcast(ctx, tx); err != nil {
					log.Warn().Err(err).Str("txn", tx.ID.String()).Msg("Broadcast failed")
				}
			}
			e.coord.Broadcasted(tx.ID.Source, tx.ID.ID)
			t.done()
		}
	}
}
