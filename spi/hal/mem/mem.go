package mem

import (
	"encoding/binary"
	"sync"

	"github.com/google/uuid"

	"github.com/tbraun92/chaindma/dma"
	"github.com/tbraun92/chaindma/pkg"
	"github.com/tbraun92/chaindma/spi/hal"
)

// Peripheral models the device on the far side of the bus. Transfer clocks
// one byte out and returns the byte clocked in.
type Peripheral interface {
	Transfer(tx byte) byte
}

// Loopback is a peripheral that echoes every transmitted byte.
type Loopback struct{}

// Transfer returns the transmitted byte unchanged.
func (Loopback) Transfer(tx byte) byte {
	return tx
}

// mapBase is the first bus address handed out for payload mappings, below
// the descriptor pool window and above register space.
const (
	mapBase  = 0x80000000
	pageSize = 0x1000
)

// Option configures a Controller.
type Option func(*Controller)

// WithPeripheral attaches a peripheral model in place of the loopback.
func WithPeripheral(p Peripheral) Option {
	return func(c *Controller) {
		c.periph = p
	}
}

// Controller is a software implementation of hal.Controller backed by a
// descriptor pool. It executes chains asynchronously the way the hardware
// engine does: armed once, then following next-pointers until they run out.
type Controller struct {
	id     string
	pool   *dma.Pool
	periph Peripheral

	mu      sync.Mutex
	cond    *sync.Cond
	regs    map[uint32]uint32
	maps    map[uint32][]byte
	nextMap uint32
	gpio    uint32 // GPIO output levels, driven through set/clear registers
	rxFIFO  []byte

	handler func()
	running bool
	paused  bool
	closed  bool
	wg      sync.WaitGroup
}

// New creates a simulated controller over the given descriptor pool.
func New(pool *dma.Pool, opts ...Option) *Controller {
	c := &Controller{
		id:      uuid.NewString(),
		pool:    pool,
		periph:  Loopback{},
		regs:    make(map[uint32]uint32),
		maps:    make(map[uint32][]byte),
		nextMap: mapBase,
	}
	c.cond = sync.NewCond(&c.mu)
	for _, opt := range opts {
		opt(c)
	}
	pkg.LogDebug(pkg.ComponentHAL, "memory controller created", "id", c.id)
	return c
}

// ID returns the controller instance identifier.
func (c *Controller) ID() string {
	return c.id
}

// Read returns the value of a 32-bit register.
func (c *Controller) Read(reg uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[reg]
}

// Write stores a value to a 32-bit register. Writing the active bit to the
// data channel's CS register arms the engine when it is idle; while it is
// running, the write is a no-op, matching hardware that continues into
// appended chains on its own.
func (c *Controller) Write(reg uint32, v uint32) {
	c.mu.Lock()
	switch reg {
	case hal.ChannelData.CS():
		if v&hal.DMACSReset != 0 {
			c.regs[reg] = 0
			c.regs[hal.ChannelData.Addr()] = 0
			c.mu.Unlock()
			return
		}
		// Writing END or INT clears them.
		c.regs[reg] &^= v & (hal.DMACSEnd | hal.DMACSInt)
		if v&hal.DMACSActive != 0 && !c.running && c.regs[hal.ChannelData.Addr()] != 0 {
			c.running = true
			c.regs[reg] |= hal.DMACSActive
			c.wg.Add(1)
			go c.run()
		}
	case hal.ChannelCompletion.CS():
		c.regs[reg] &^= v & (hal.DMACSEnd | hal.DMACSInt)
	case hal.RegGPIOSet0:
		c.gpio |= v
	case hal.RegGPIOClr0:
		c.gpio &^= v
	default:
		c.regs[reg] = v
	}
	c.mu.Unlock()
}

// Barrier orders preceding memory writes before subsequent register writes.
// Chain next-pointers are stored atomically and the walker re-reads them
// under the controller lock, so an acquire/release pair suffices.
func (c *Controller) Barrier() {
	c.mu.Lock()
	_ = c.running
	c.mu.Unlock()
}

// Map makes b reachable by the simulated engine and returns its bus address.
func (c *Controller) Map(b []byte) (uint32, error) {
	if len(b) == 0 {
		return 0, pkg.ErrInvalidParameter
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, pkg.ErrClosed
	}
	addr := c.nextMap
	pages := (uint32(len(b)) + pageSize - 1) / pageSize
	c.nextMap += pages * pageSize
	c.maps[addr] = b
	return addr, nil
}

// Unmap releases a bus mapping.
func (c *Controller) Unmap(addr uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.maps[addr]; !ok {
		pkg.LogWarn(pkg.ComponentHAL, "unmap of unknown bus address", "addr", addr)
		return
	}
	delete(c.maps, addr)
}

// SetCompletionHandler registers the completion-interrupt handler.
func (c *Controller) SetCompletionHandler(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// GPIOLevels returns the simulated GPIO output levels.
func (c *Controller) GPIOLevels() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gpio
}

// Pause holds the engine before it fetches its next descriptor. The active
// bit stays set, so scheduler appends observe a busy engine.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume releases a paused engine.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	c.cond.Broadcast()
}

// Close shuts the controller down. Fails with pkg.ErrBusy while a chain is
// executing.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.running && !c.paused {
		c.mu.Unlock()
		return pkg.ErrBusy
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

// stopLocked drops the active bit and clears the chain address. Must be
// called with the lock held, in the same critical section that re-read the
// next-pointer, so a concurrent append either lands before the re-read or
// observes an idle engine afterwards.
func (c *Controller) stopLocked() {
	c.running = false
	c.regs[hal.ChannelData.CS()] &^= hal.DMACSActive
	c.regs[hal.ChannelData.CS()] |= hal.DMACSEnd
	c.regs[hal.ChannelData.Addr()] = 0
}

// run walks the chain from the data channel's address register until the
// next-pointer runs out.
func (c *Controller) run() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		for c.paused && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.stopLocked()
			c.mu.Unlock()
			return
		}
		addr := c.regs[hal.ChannelData.Addr()]
		if addr == 0 {
			c.stopLocked()
			c.mu.Unlock()
			return
		}
		cb := c.pool.Lookup(addr)
		if cb == nil {
			pkg.LogError(pkg.ComponentHAL, "chain walked into unknown block",
				"id", c.id, "addr", addr)
			c.stopLocked()
			c.mu.Unlock()
			return
		}
		// Copy everything but the next-pointer, which a concurrent
		// append may be storing to; it is re-read atomically below.
		snap := dma.ControlBlock{
			Info:   cb.Info,
			Src:    cb.Src,
			Dst:    cb.Dst,
			Length: cb.Length,
			Stride: cb.Stride,
			Pad:    cb.Pad,
		}
		c.mu.Unlock()

		irq := c.exec(&snap)

		c.mu.Lock()
		// Re-read under the lock: an append may have landed since the
		// snapshot was taken.
		next := cb.NextAddr()
		c.regs[hal.ChannelData.Addr()] = next
		done := next == 0
		if done {
			c.stopLocked()
		}
		if irq {
			c.regs[hal.ChannelCompletion.CS()] |= hal.DMACSEnd | hal.DMACSInt
		}
		handler := c.handler
		c.mu.Unlock()

		if irq && handler != nil {
			handler()
		}
		if done {
			return
		}
	}
}

// exec performs the data movement of one control block and reports whether
// it requests the completion interrupt.
func (c *Controller) exec(cb *dma.ControlBlock) bool {
	srcIgnore := cb.Info&dma.InfoSrcIgnore != 0
	dstIgnore := cb.Info&dma.InfoDstIgnore != 0
	n := int(cb.Length)

	switch {
	case cb.Dst == hal.RegSPIFIFO:
		src := c.srcBytes(cb.Src, n, srcIgnore)
		c.mu.Lock()
		periph := c.periph
		c.mu.Unlock()
		rx := make([]byte, len(src))
		for i, b := range src {
			rx[i] = periph.Transfer(b)
		}
		c.mu.Lock()
		c.rxFIFO = append(c.rxFIFO, rx...)
		c.mu.Unlock()

	case cb.Src == hal.RegSPIFIFO:
		buf := make([]byte, n)
		c.mu.Lock()
		for i := range buf {
			if len(c.rxFIFO) == 0 {
				break
			}
			buf[i] = c.rxFIFO[0]
			c.rxFIFO = c.rxFIFO[1:]
		}
		c.mu.Unlock()
		if !dstIgnore {
			c.writeBytes(cb.Dst, buf)
		}

	case dstIgnore:
		// Pure time span, nothing to move.

	case c.isRegister(cb.Dst):
		src := c.srcBytes(cb.Src, n, srcIgnore)
		for off := 0; off+4 <= len(src); off += 4 {
			reg := cb.Dst
			if cb.Info&dma.InfoDstInc != 0 {
				reg += uint32(off)
			}
			c.Write(reg, binary.LittleEndian.Uint32(src[off:]))
		}

	default:
		src := c.srcBytes(cb.Src, n, srcIgnore)
		c.writeBytes(cb.Dst, src)
	}

	return cb.Info&dma.InfoIntEnable != 0
}

// isRegister reports whether addr names a peripheral register.
func (c *Controller) isRegister(addr uint32) bool {
	switch addr {
	case hal.RegSPICS, hal.RegSPIFIFO, hal.RegSPICLK, hal.RegSPIDLEN,
		hal.RegGPIOSet0, hal.RegGPIOClr0:
		return true
	}
	for _, ch := range []hal.Channel{hal.ChannelData, hal.ChannelCompletion} {
		if addr == ch.CS() || addr == ch.Addr() {
			return true
		}
	}
	return false
}

// srcBytes materializes n source bytes from a bus address: zeros when the
// source is ignored, control-block scratch words, a register value, or a
// mapped payload buffer.
func (c *Controller) srcBytes(addr uint32, n int, ignore bool) []byte {
	out := make([]byte, n)
	if ignore || n == 0 {
		return out
	}

	if base, off, ok := c.pool.Contains(addr); ok {
		cb := c.pool.Lookup(base)
		for i := 0; i < n; i++ {
			w := cb.Word((off + i) / 4)
			if w == nil {
				break
			}
			out[i] = byte(*w >> (8 * uint((off+i)%4)))
		}
		return out
	}

	if c.isRegister(addr) {
		c.mu.Lock()
		v := c.regs[addr]
		c.mu.Unlock()
		for i := 0; i < n && i < 4; i++ {
			out[i] = byte(v >> (8 * uint(i)))
		}
		return out
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for base, buf := range c.maps {
		if addr >= base && addr < base+uint32(len(buf)) {
			copy(out, buf[addr-base:])
			return out
		}
	}
	pkg.LogError(pkg.ComponentHAL, "source address not mapped", "id", c.id, "addr", addr)
	return out
}

// writeBytes stores data at a mapped bus address.
func (c *Controller) writeBytes(addr uint32, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for base, buf := range c.maps {
		if addr >= base && addr < base+uint32(len(buf)) {
			copy(buf[addr-base:], data)
			return
		}
	}
	pkg.LogError(pkg.ComponentHAL, "destination address not mapped", "id", c.id, "addr", addr)
}
