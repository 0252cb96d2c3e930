package hal

// SPI controller registers (peripheral bus addresses).
const (
	RegSPICS   = 0x7E204000 // Control and status
	RegSPIFIFO = 0x7E204004 // TX/RX FIFO
	RegSPICLK  = 0x7E204008 // Clock divider
	RegSPIDLEN = 0x7E20400C // DMA transfer length
)

// SPI CS register bits.
const (
	SPICSCPHA    = 1 << 2 // Clock phase
	SPICSCPOL    = 1 << 3 // Clock polarity
	SPICSClearTX = 1 << 4 // Clear TX FIFO
	SPICSClearRX = 1 << 5 // Clear RX FIFO
	SPICSTA      = 1 << 7 // Transfer active
	SPICSDMAEN   = 1 << 8 // Enable DMA requests
)

// GPIO output registers used for chip-select sequencing. Writing a bit to
// the set register drives the pin high, to the clear register low. The
// select/deselect side effect is expressed as a descriptor writing these
// registers, so an entire multi-operation transaction runs from one armed
// chain with zero per-step CPU work.
const (
	RegGPIOSet0 = 0x7E20001C
	RegGPIOClr0 = 0x7E200028
)

// Channel identifies one DMA channel of the controller.
type Channel int

// The two channels the engine uses.
const (
	// ChannelData executes the descriptor chains.
	ChannelData Channel = iota

	// ChannelCompletion is reserved for completion signaling and is never
	// written while a chain configures its successor on the data channel.
	ChannelCompletion
)

// DMA channel register bases.
const (
	regDMABase    = 0x7E007000
	regDMAStride  = 0x100
	regDMAOffCS   = 0x0
	regDMAOffAddr = 0x4
)

// CS returns the bus address of the channel's control/status register.
func (c Channel) CS() uint32 {
	return uint32(regDMABase + int(c)*regDMAStride + regDMAOffCS)
}

// Addr returns the bus address of the channel's chain-head address register.
func (c Channel) Addr() uint32 {
	return uint32(regDMABase + int(c)*regDMAStride + regDMAOffAddr)
}

// String returns the channel name.
func (c Channel) String() string {
	switch c {
	case ChannelData:
		return "data"
	case ChannelCompletion:
		return "completion"
	default:
		return "unknown"
	}
}

// DMA CS register bits.
const (
	DMACSActive = 1 << 0  // Engine is executing a chain
	DMACSEnd    = 1 << 1  // Chain ended (write to clear)
	DMACSInt    = 1 << 2  // Interrupt raised (write to clear)
	DMACSReset  = 1 << 31 // Reset the channel
)

// Controller is the hardware access layer the engine drives.
//
// Read, Write, and Barrier are safe for concurrent use; the engine calls
// them from both submission context and the completion interrupt path.
type Controller interface {
	// Read returns the value of a 32-bit register.
	Read(reg uint32) uint32

	// Write stores a value to a 32-bit register.
	Write(reg uint32, v uint32)

	// Barrier orders preceding memory writes before any subsequent
	// register write, so hardware never observes a chain link before the
	// linked descriptors are in place.
	Barrier()

	// Map makes a payload buffer reachable by the DMA engine and returns
	// its bus address. The buffer must stay unmodified by software until
	// Unmap.
	Map(b []byte) (uint32, error)

	// Unmap releases a bus mapping created by Map.
	Unmap(addr uint32)

	// SetCompletionHandler registers the function invoked whenever the
	// completion channel raises its interrupt. The handler runs in
	// interrupt context: it must not block.
	SetCompletionHandler(fn func())

	// Close releases the controller. The engine must be idle.
	Close() error
}
