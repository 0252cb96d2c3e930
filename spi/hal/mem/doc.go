// Package mem implements the hal.Controller interface entirely in software.
//
// The controller simulates the DMA engine: writing the active bit of the
// data channel starts a goroutine that walks control blocks through the
// descriptor pool, resolving source and destination addresses against
// register space, control-block scratch words, and bus-mapped payload
// buffers. Bytes pushed through the SPI FIFO pass through a pluggable
// [Peripheral] (a loopback by default) and accumulate in the RX FIFO until a
// drain descriptor collects them. A descriptor carrying the
// interrupt-enable flag raises the completion interrupt after its writes
// have landed, mirroring the dedicated completion channel of the hardware.
//
// The simulation preserves the appending behavior the chain scheduler
// relies on: when a walked block's next-pointer is found non-zero at chain
// end, execution continues into the appended chain without re-arming; only
// a genuine end of chain drops the active bit. Pause and Resume hold the
// engine between descriptors so tests can keep it busy across submissions.
//
// This package plays the role an MMIO binding plays on real hardware, and
// doubles as the reference model for the engine's tests and examples.
package mem
