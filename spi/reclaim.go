package spi

import (
	"github.com/tbraun92/chaindma/dma"
	"github.com/tbraun92/chaindma/pkg"
	"github.com/tbraun92/chaindma/spi/hal"
)

// onCompletion is the completion-interrupt handler. It acknowledges the
// completion channel, then walks the queue head forward over every chain
// whose sentinel proves it finished. Chains without a trigger of their own
// are covered by the interrupting chain behind them: hardware executes the
// queue in order, so any interrupt proves every older chain finished.
//
// Reclaim is idempotent by construction: a chain leaves the queue under
// queueMu exactly once, so a second interrupt for the same chain finds the
// queue already advanced.
func (e *Engine) onCompletion() {
	cs := e.h.Read(hal.ChannelCompletion.CS())
	e.h.Write(hal.ChannelCompletion.CS(), cs&(hal.DMACSEnd|hal.DMACSInt))

	e.queueMu.Lock()
	var done []*Chain
	for len(e.queue) > 0 && e.queue[0].completed() {
		done = append(done, e.queue[0])
		e.queue[0] = nil
		e.queue = e.queue[1:]
	}
	e.queueMu.Unlock()

	for _, ch := range done {
		e.reclaim(ch)
	}
}

// reclaim tears one completed chain back down: post transforms run per
// spliced fragment, payload mappings are released, and the fragments return
// to their caches unless the transaction keeps them pinned. The result slot
// is filled in before the callback fires.
func (e *Engine) reclaim(ch *Chain) {
	txn := ch.txn
	status := pkg.TransactionStatusSuccess

	for _, part := range ch.parts {
		ctx := &bindContext{eng: e, txn: txn, chain: ch}
		if part.opIndex >= 0 {
			ctx.op = &txn.ops[part.opIndex]
		}
		if err := part.frag.RunTransforms(dma.PhasePost, ctx); err != nil {
			pkg.LogError(pkg.ComponentReclaim, "post transform failed",
				"fragment", part.frag.Desc(), "err", err)
			status = pkg.TransactionStatusError
		}
	}

	for _, addr := range ch.mappings {
		e.h.Unmap(addr)
	}
	ch.mappings = ch.mappings[:0]

	if !txn.optimized {
		e.releaseChain(ch)
	}
	e.metricReclaimed.Inc(1)

	txn.Status = status
	if txn.callback != nil {
		txn.callback(txn)
	}
}
