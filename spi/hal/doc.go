// Package hal defines the hardware access layer for the SPI DMA engine.
//
// The engine drives hardware exclusively through the [Controller] interface:
// 32-bit register access, bus mapping of payload memory, a memory-ordering
// barrier, and delivery of the chain-completion interrupt. The package also
// fixes the register map the descriptor templates are built against: the SPI
// block, the GPIO output set/clear registers used for chip select, and the
// register pairs of the two DMA channels.
//
// Two channels are distinguished on purpose. [ChannelData] executes the
// descriptor chains. [ChannelCompletion] exists solely to signal chain
// completion: a chained next-transfer configuration write on the data
// channel could be clobbered by the interrupt handler's own register writes
// if the two shared a channel, so completion is raised from a channel the
// handler alone touches.
//
// Implementations of [Controller] targeting real hardware map these
// addresses onto the peripheral bus; the in-memory implementation in
// [github.com/tbraun92/chaindma/spi/hal/mem] simulates them.
package hal
