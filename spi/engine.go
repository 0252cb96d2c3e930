package spi

import (
	"sync"

	"github.com/rcrowley/go-metrics"

	"github.com/tbraun92/chaindma/dma"
	"github.com/tbraun92/chaindma/pkg"
	"github.com/tbraun92/chaindma/spi/hal"
)

// Engine compiles transactions into descriptor chains and drives them
// through a hal.Controller. One engine owns the data channel exclusively;
// the caller retains ownership of the controller and closes it after the
// engine.
type Engine struct {
	h    hal.Controller
	pool *dma.Pool
	opts Options

	setup    *dma.Cache
	transfer *dma.Cache
	deselect *dma.Cache
	delay    *dma.Cache
	trigger  *dma.Cache

	chains *chainPool

	// queueMu orders submission against reclaim. Code holding queueMu may
	// touch the controller; never acquire queueMu from controller callbacks
	// other than the completion handler.
	queueMu sync.Mutex
	queue   []*Chain
	closed  bool

	metricSubmitted metrics.Counter
	metricArmed     metrics.Counter
	metricAppended  metrics.Counter
	metricReclaimed metrics.Counter
}

// EngineStats is a read-only snapshot of engine counters.
type EngineStats struct {
	Queued    int   // Chains currently queued or executing
	Submitted int64 // Transactions accepted
	Armed     int64 // Submissions that armed an idle engine
	Appended  int64 // Submissions appended to a running chain
	Reclaimed int64 // Chains torn back down
}

// New creates an engine over the given controller and descriptor pool.
// Template caches are pre-filled per opts, and the controller's completion
// interrupt is routed into the reclaim pipeline. Counters and cache gauges
// are registered on reg (the default registry when reg is nil).
func New(h hal.Controller, pool *dma.Pool, opts Options, reg metrics.Registry) (*Engine, error) {
	if h == nil || pool == nil {
		return nil, pkg.ErrInvalidParameter
	}
	e := &Engine{
		h:    h,
		pool: pool,
		opts: opts,

		metricSubmitted: metrics.NewRegisteredCounter("engine.submitted", reg),
		metricArmed:     metrics.NewRegisteredCounter("engine.armed", reg),
		metricAppended:  metrics.NewRegisteredCounter("engine.appended", reg),
		metricReclaimed: metrics.NewRegisteredCounter("engine.reclaimed", reg),
	}

	caches := []struct {
		dst     **dma.Cache
		name    string
		alloc   dma.AllocatorFunc
		prefill int
	}{
		{&e.setup, "setup", e.newSetupFragment, opts.Prefill.Setup},
		{&e.transfer, "transfer", e.newTransferFragment, opts.Prefill.Transfer},
		{&e.deselect, "deselect", e.newDeselectFragment, opts.Prefill.Deselect},
		{&e.delay, "delay", e.newDelayFragment, opts.Prefill.Delay},
		{&e.trigger, "trigger", e.newTriggerFragment, opts.Prefill.Trigger},
	}
	for _, c := range caches {
		cache, err := dma.NewCache(c.name, pool, c.alloc, c.prefill, reg)
		if err != nil {
			e.releaseCaches()
			return nil, err
		}
		*c.dst = cache
	}

	e.chains = newChainPool(h)
	h.Write(hal.ChannelData.CS(), hal.DMACSReset)
	h.SetCompletionHandler(e.onCompletion)
	pkg.LogInfo(pkg.ComponentDMA, "engine created",
		"core_clock_hz", opts.CoreClockHz, "pool", pool.Name())
	return e, nil
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() EngineStats {
	e.queueMu.Lock()
	queued := len(e.queue)
	e.queueMu.Unlock()
	return EngineStats{
		Queued:    queued,
		Submitted: e.metricSubmitted.Count(),
		Armed:     e.metricArmed.Count(),
		Appended:  e.metricAppended.Count(),
		Reclaimed: e.metricReclaimed.Count(),
	}
}

// CacheStats returns per-template cache snapshots keyed by cache name.
func (e *Engine) CacheStats() map[string]dma.CacheStats {
	out := make(map[string]dma.CacheStats, 5)
	for _, c := range []*dma.Cache{e.setup, e.transfer, e.deselect, e.delay, e.trigger} {
		if c != nil {
			out[c.Name()] = c.Stats()
		}
	}
	return out
}

// Optimize compiles the transaction once and pins the resulting chain and
// its fragments to it, so repeated submissions skip compilation and fragment
// fetches. The transaction must not be modified while optimized.
func (e *Engine) Optimize(txn *Transaction) error {
	if txn == nil {
		return pkg.ErrInvalidParameter
	}
	if err := txn.validate(); err != nil {
		return err
	}
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	if e.closed {
		return pkg.ErrClosed
	}
	if txn.optimized {
		return nil
	}
	ch, err := e.compile(txn, dma.Blocking)
	if err != nil {
		return err
	}
	txn.chain = ch
	txn.optimized = true
	pkg.LogDebug(pkg.ComponentMerge, "transaction optimized",
		"cs", txn.cs, "fragments", len(ch.parts))
	return nil
}

// Unoptimize releases a precompiled transaction's chain back to the caches.
// Fails with pkg.ErrBusy while the transaction is queued or executing.
func (e *Engine) Unoptimize(txn *Transaction) error {
	if txn == nil || !txn.optimized {
		return pkg.ErrInvalidParameter
	}
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	if e.closed {
		return pkg.ErrClosed
	}
	for _, ch := range e.queue {
		if ch == txn.chain {
			return pkg.ErrBusy
		}
	}
	e.releaseChain(txn.chain)
	txn.chain = nil
	txn.optimized = false
	return nil
}

// Close tears the engine down: caches are released and the completion
// handler is detached. Fails with pkg.ErrBusy while chains are still
// queued; precompiled transactions must be unoptimized first. The
// controller stays open; closing it is the caller's job.
func (e *Engine) Close() error {
	e.queueMu.Lock()
	done := e.drainIdleLocked()
	n := len(e.queue)
	if n == 0 {
		e.closed = true
	}
	e.queueMu.Unlock()

	for _, ch := range done {
		e.reclaim(ch)
	}
	if n > 0 {
		pkg.LogError(pkg.ComponentDMA, "close with queued chains", "queued", n)
		return pkg.ErrBusy
	}

	e.h.SetCompletionHandler(nil)
	return e.releaseCaches()
}

// releaseCaches releases every constructed cache, returning the first error.
func (e *Engine) releaseCaches() error {
	var first error
	for _, c := range []*dma.Cache{e.setup, e.transfer, e.deselect, e.delay, e.trigger} {
		if c == nil {
			continue
		}
		if err := c.Release(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// releaseChain returns a chain's fragments to their caches and the chain
// object to the chain pool. Hardware must no longer reference the chain.
func (e *Engine) releaseChain(ch *Chain) {
	for _, part := range ch.parts {
		if err := part.frag.Return(); err != nil {
			pkg.LogError(pkg.ComponentReclaim, "fragment return failed",
				"fragment", part.frag.Desc(), "err", err)
		}
	}
	e.chains.put(ch)
}
