package spi

import (
	"github.com/tbraun92/chaindma/dma"
	"github.com/tbraun92/chaindma/pkg"
	"github.com/tbraun92/chaindma/spi/hal"
)

// Submit queues a transaction for execution. The transaction is validated,
// compiled (or its precompiled chain reused), bound to this submission, and
// linked behind the current queue tail; when the hardware engine is idle it
// is armed with the new chain's head, otherwise the engine continues into
// it on its own.
//
// Submission is asynchronous: completion is reported through the
// transaction's callback, and the result slot must not be read before the
// callback fires.
func (e *Engine) Submit(txn *Transaction) error {
	if txn == nil {
		return pkg.ErrInvalidParameter
	}
	if err := txn.validate(); err != nil {
		txn.Status = pkg.TransactionStatusRejected
		return err
	}

	e.queueMu.Lock()
	done := e.drainIdleLocked()
	err := e.submitLocked(txn)
	e.queueMu.Unlock()

	// Reclaim outside the queue lock: callbacks may submit again.
	for _, ch := range done {
		e.reclaim(ch)
	}
	return err
}

func (e *Engine) submitLocked(txn *Transaction) error {
	if e.closed {
		return pkg.ErrClosed
	}

	ch := txn.chain
	if ch == nil {
		var err error
		ch, err = e.compile(txn, dma.Atomic)
		if err != nil {
			txn.Status = pkg.TransactionStatusRejected
			return err
		}
	} else {
		for _, queued := range e.queue {
			if queued == ch {
				return pkg.ErrAlreadyRunning
			}
		}
		ch.unlink()
	}

	txn.ActualLength = 0
	if err := e.bind(ch); err != nil {
		if !txn.optimized {
			e.releaseChain(ch)
		}
		txn.Status = pkg.TransactionStatusRejected
		return err
	}
	txn.Status = pkg.TransactionStatusPending

	// Link behind the tail before looking at the hardware. The barrier
	// orders the descriptor stores against the status read below: after it,
	// either the engine already followed the new link, or it has stopped
	// and the idle path arms it.
	if n := len(e.queue); n > 0 {
		e.queue[n-1].linkTo(ch)
	}
	e.queue = append(e.queue, ch)
	e.h.Barrier()

	e.metricSubmitted.Inc(1)
	cs := e.h.Read(hal.ChannelData.CS())
	if cs&hal.DMACSActive == 0 {
		e.h.Write(hal.ChannelData.Addr(), ch.HeadAddr())
		e.h.Write(hal.ChannelData.CS(), hal.DMACSActive)
		e.metricArmed.Inc(1)
		pkg.LogDebug(pkg.ComponentSchedule, "armed",
			"cs", txn.cs, "head", ch.HeadAddr(), "queued", len(e.queue))
	} else {
		e.metricAppended.Inc(1)
		pkg.LogDebug(pkg.ComponentSchedule, "appended",
			"cs", txn.cs, "head", ch.HeadAddr(), "queued", len(e.queue))
	}
	return nil
}

// drainIdleLocked empties the queue when the data channel shows idle. An
// idle engine with chains still queued means it ran the entire linked queue
// to its end; this is how chains that carry no trigger of their own are
// eventually reclaimed when no interrupt follows them.
func (e *Engine) drainIdleLocked() []*Chain {
	if len(e.queue) == 0 {
		return nil
	}
	if e.h.Read(hal.ChannelData.CS())&hal.DMACSActive != 0 {
		return nil
	}
	done := e.queue
	e.queue = nil
	return done
}
