package spi

import (
	"fmt"

	"github.com/tbraun92/chaindma/dma"
	"github.com/tbraun92/chaindma/pkg"
)

// compile turns a validated transaction into a descriptor chain by fetching
// template fragments from the caches and splicing them in order:
//
//   - a configuration change since the previous operation splices a setup
//     fragment (the first operation always counts as a change, as does any
//     operation following a deselect boundary);
//   - a non-empty payload splices a transfer fragment;
//   - a requested deselect, or the last operation, splices a boundary
//     fragment;
//   - otherwise a requested delay splices a delay fragment;
//   - a completion callback splices one trailing trigger fragment.
//
// Compilation only splices; per-submission fields are patched later by bind.
// On failure every fetched fragment goes back to its cache and no state of
// the transaction changes. The fetch mode is the caller's context: Atomic
// on the submission path, Blocking when precompiling.
func (e *Engine) compile(txn *Transaction, mode dma.AllocMode) (*Chain, error) {
	ch, err := e.chains.get(txn)
	if err != nil {
		return nil, err
	}

	unwind := func(cause error) error {
		e.releaseChain(ch)
		return fmt.Errorf("%w: %w", pkg.ErrChainConstruction, cause)
	}

	splice := func(cache *dma.Cache, opIndex int) error {
		frag, err := cache.Fetch(mode)
		if err != nil {
			return err
		}
		ch.parts = append(ch.parts, chainPart{frag: frag, opIndex: opIndex})
		if ch.tailFrag != nil {
			ch.tailFrag.LinkTo(frag)
		} else {
			ch.headFrag = frag
		}
		ch.tailFrag = frag
		return nil
	}

	var cfg Config
	configured := false
	for i := range txn.ops {
		op := &txn.ops[i]

		if !configured || !cfg.Equal(op.Config) {
			if err := splice(e.setup, i); err != nil {
				return nil, unwind(err)
			}
			cfg = op.Config
			configured = true
		}
		if op.length() > 0 {
			if err := splice(e.transfer, i); err != nil {
				return nil, unwind(err)
			}
		}
		switch {
		case op.Deselect || i == len(txn.ops)-1:
			if err := splice(e.deselect, i); err != nil {
				return nil, unwind(err)
			}
			configured = false
		case op.DelayUsecs > 0:
			if err := splice(e.delay, i); err != nil {
				return nil, unwind(err)
			}
		}
	}

	if txn.callback != nil {
		if err := splice(e.trigger, -1); err != nil {
			return nil, unwind(err)
		}
		ch.hasTrigger = true
	}

	pkg.LogDebug(pkg.ComponentMerge, "transaction compiled",
		"cs", txn.cs, "ops", len(txn.ops), "fragments", len(ch.parts),
		"trigger", ch.hasTrigger)
	return ch, nil
}

// bind runs every spliced fragment's pre transforms against the current
// submission, patching clock dividers, payload mappings, and the sentinel
// address into the chain's descriptors. On failure any payload mapping
// already made is undone.
func (e *Engine) bind(ch *Chain) error {
	txn := ch.txn
	for _, part := range ch.parts {
		ctx := &bindContext{eng: e, txn: txn, chain: ch}
		if part.opIndex >= 0 {
			ctx.op = &txn.ops[part.opIndex]
		}
		if err := part.frag.RunTransforms(dma.PhasePre, ctx); err != nil {
			for _, addr := range ch.mappings {
				e.h.Unmap(addr)
			}
			ch.mappings = ch.mappings[:0]
			return fmt.Errorf("%w: %s: %w", pkg.ErrChainConstruction, part.frag.Desc(), err)
		}
	}
	return nil
}
