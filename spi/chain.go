package spi

import (
	"encoding/binary"
	"sync"

	"github.com/tbraun92/chaindma/dma"
	"github.com/tbraun92/chaindma/pkg"
	"github.com/tbraun92/chaindma/spi/hal"
)

// sentinelSize is the size of the completion sentinel: two consecutive
// 32-bit words. Hardware writes them as the final step of a chain; (0,0)
// means not yet completed, any other value means completed.
const sentinelSize = 8

// chainPart is one spliced-in fragment together with the index of the
// operation it was compiled from (-1 for the completion trigger).
type chainPart struct {
	frag    *dma.Fragment
	opIndex int
}

// Chain is one transaction's compiled descriptor chain: a concatenation of
// spliced-in template fragments, the bus mappings its transfers bound, and
// the completion sentinel the reclaim pipeline watches.
type Chain struct {
	parts    []chainPart
	headFrag *dma.Fragment
	tailFrag *dma.Fragment

	sentinel     []byte
	sentinelAddr uint32
	hasTrigger   bool

	// mappings holds payload bus addresses to unmap at reclaim.
	mappings []uint32

	txn *Transaction
}

// HeadAddr returns the bus address hardware is armed with.
func (ch *Chain) HeadAddr() uint32 {
	if ch.headFrag == nil || ch.headFrag.Head() == nil {
		return 0
	}
	return ch.headFrag.Head().Addr
}

// linkTo appends next after this chain by pointing the tail descriptor's
// next field at next's head.
func (ch *Chain) linkTo(next *Chain) {
	if ch.tailFrag == nil || next == nil {
		return
	}
	ch.tailFrag.LinkTo(next.headFrag)
}

// unlink clears the tail descriptor's next-pointer. A reused chain still
// points at whatever was linked behind it on its previous run; left in
// place, hardware would walk past the chain end into fragments long since
// returned to their caches.
func (ch *Chain) unlink() {
	if ch.tailFrag == nil || ch.tailFrag.Tail() == nil {
		return
	}
	ch.tailFrag.Tail().CB.SetNext(0)
}

// completed inspects the completion sentinel. A chain without a trigger
// fragment raises no interrupt of its own; when the reclaim walk reaches it,
// a later chain's interrupt has already proven it finished.
func (ch *Chain) completed() bool {
	if !ch.hasTrigger {
		return true
	}
	w0 := binary.LittleEndian.Uint32(ch.sentinel[0:4])
	w1 := binary.LittleEndian.Uint32(ch.sentinel[4:8])
	return w0 != 0 || w1 != 0
}

// resetSentinel clears the sentinel back to the not-completed state. Runs
// before the chain can be observed by hardware, never after.
func (ch *Chain) resetSentinel() {
	for i := range ch.sentinel {
		ch.sentinel[i] = 0
	}
}

// chainPool recycles Chain objects. A chain's sentinel is bus-mapped while
// the chain is out of the pool and unmapped when it returns, so an idle pool
// holds no mappings.
type chainPool struct {
	h hal.Controller

	mu   sync.Mutex
	free []*Chain
}

func newChainPool(h hal.Controller) *chainPool {
	return &chainPool{h: h}
}

// get takes a chain object for txn, mapping a fresh sentinel.
func (p *chainPool) get(txn *Transaction) (*Chain, error) {
	p.mu.Lock()
	var ch *Chain
	if n := len(p.free); n > 0 {
		ch = p.free[n-1]
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()

	if ch == nil {
		ch = &Chain{sentinel: make([]byte, sentinelSize)}
	}
	addr, err := p.h.Map(ch.sentinel)
	if err != nil {
		p.mu.Lock()
		p.free = append(p.free, ch)
		p.mu.Unlock()
		return nil, err
	}
	ch.sentinelAddr = addr
	ch.txn = txn
	ch.resetSentinel()
	return ch, nil
}

// put returns a chain whose fragments have already been released.
func (p *chainPool) put(ch *Chain) {
	if ch == nil {
		return
	}
	if len(ch.mappings) != 0 {
		pkg.LogWarn(pkg.ComponentMerge, "chain returned with live payload mappings",
			"count", len(ch.mappings))
		for _, a := range ch.mappings {
			p.h.Unmap(a)
		}
	}
	p.h.Unmap(ch.sentinelAddr)
	ch.parts = ch.parts[:0]
	ch.headFrag = nil
	ch.tailFrag = nil
	ch.sentinelAddr = 0
	ch.hasTrigger = false
	ch.mappings = ch.mappings[:0]
	ch.txn = nil

	p.mu.Lock()
	p.free = append(p.free, ch)
	p.mu.Unlock()
}
