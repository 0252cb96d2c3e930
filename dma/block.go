package dma

import (
	"sync"
	"sync/atomic"

	"github.com/tbraun92/chaindma/pkg"
)

// ControlBlockSize is the size of a hardware control block in bytes.
// Control blocks are 32-byte aligned, and a pool hands out bus addresses in
// 32-byte steps, so a bus address can always be decomposed into a block base
// plus a word offset.
const ControlBlockSize = 32

// Transfer-information flags for ControlBlock.Info.
const (
	InfoIntEnable  = 1 << 0  // Raise completion interrupt when this block finishes
	Info2DMode     = 1 << 1  // 2D stride mode
	InfoWaitResp   = 1 << 3  // Wait for write response before continuing
	InfoDstInc     = 1 << 4  // Increment destination address per word
	InfoDstIgnore  = 1 << 7  // Discard read data, do not write destination
	InfoSrcInc     = 1 << 8  // Increment source address per word
	InfoSrcIgnore  = 1 << 11 // Do not read source, supply zeros
)

// ControlBlock is a fixed-layout hardware descriptor describing one DMA step.
// The layout is hardware-visible: the engine reads these fields directly, and
// the Next field chains blocks together without software intervention.
//
// The two pad words are software-usable scratch space within the block. The
// fragment builders store small constants there and point a block's Src at
// its own pad words, so a register write needs no separate constant buffer.
type ControlBlock struct {
	Info   uint32 // Transfer information flags
	Src    uint32 // Source bus address
	Dst    uint32 // Destination bus address
	Length uint32 // Transfer length in bytes
	Stride uint32 // 2D stride (only with Info2DMode)
	Next   uint32 // Bus address of the next block, 0 terminates the chain
	Pad    [2]uint32
}

// Word offsets of the pad words within a control block, in bytes.
const (
	PadWord0Offset = 24
	PadWord1Offset = 28
)

// SetNext atomically updates the next-block bus address. Chains already
// handed to hardware are extended through this field while the engine may be
// walking them, so cross-goroutine access must be atomic.
func (cb *ControlBlock) SetNext(addr uint32) {
	atomic.StoreUint32(&cb.Next, addr)
}

// NextAddr atomically reads the next-block bus address.
func (cb *ControlBlock) NextAddr() uint32 {
	return atomic.LoadUint32(&cb.Next)
}

// Word returns a pointer to the i-th 32-bit word of the block (0-7), in
// hardware layout order. Returns nil for an out-of-range index.
func (cb *ControlBlock) Word(i int) *uint32 {
	switch i {
	case 0:
		return &cb.Info
	case 1:
		return &cb.Src
	case 2:
		return &cb.Dst
	case 3:
		return &cb.Length
	case 4:
		return &cb.Stride
	case 5:
		return &cb.Next
	case 6:
		return &cb.Pad[0]
	case 7:
		return &cb.Pad[1]
	default:
		return nil
	}
}

// Pool allocates control blocks and assigns them synthetic bus addresses.
// A pool is the unit of descriptor memory accounting: its capacity bounds the
// number of live blocks, and Lookup resolves a bus address back to its block
// for chain walking.
type Pool struct {
	name     string
	capacity int // 0 = unbounded

	mu     sync.Mutex
	next   uint32
	blocks map[uint32]*ControlBlock
}

// poolBase is the first bus address handed out by a pool. The value sits in
// the uncached alias window the hardware sees, well clear of the register
// space and of mapped payload buffers.
const poolBase = 0xC0000000

// NewPool creates a control-block pool. A capacity of 0 means unbounded.
func NewPool(name string, capacity int) *Pool {
	return &Pool{
		name:     name,
		capacity: capacity,
		next:     poolBase,
		blocks:   make(map[uint32]*ControlBlock),
	}
}

// Name returns the pool identifier.
func (p *Pool) Name() string {
	return p.name
}

// Alloc allocates one control block and returns it with its bus address.
// Returns pkg.ErrPoolExhausted once the pool is at capacity.
func (p *Pool) Alloc() (*ControlBlock, uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.capacity > 0 && len(p.blocks) >= p.capacity {
		return nil, 0, pkg.ErrPoolExhausted
	}
	addr := p.next
	p.next += ControlBlockSize
	cb := &ControlBlock{}
	p.blocks[addr] = cb
	return cb, addr, nil
}

// Free releases the block at the given bus address back to the pool.
// Freeing an address the pool does not own is a lifecycle bug and is
// reported, not ignored.
func (p *Pool) Free(addr uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.blocks[addr]; !ok {
		pkg.LogError(pkg.ComponentDMA, "free of unowned control block",
			"pool", p.name, "addr", addr)
		return pkg.ErrInvalidDescriptor
	}
	delete(p.blocks, addr)
	return nil
}

// Lookup resolves a bus address to its control block, or nil if the address
// does not name a block in this pool. The address must be the block base.
func (p *Pool) Lookup(addr uint32) *ControlBlock {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocks[addr]
}

// Contains reports whether addr falls inside any block owned by the pool,
// and returns the block base and byte offset when it does.
func (p *Pool) Contains(addr uint32) (base uint32, offset int, ok bool) {
	base = addr &^ (ControlBlockSize - 1)
	p.mu.Lock()
	_, ok = p.blocks[base]
	p.mu.Unlock()
	if !ok {
		return 0, 0, false
	}
	return base, int(addr - base), true
}

// Allocated returns the number of live blocks.
func (p *Pool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.blocks)
}
