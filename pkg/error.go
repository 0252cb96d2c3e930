package pkg

import "errors"

// DMA engine errors.
var (
	// ErrNoMemory indicates a descriptor or fragment allocation failed.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrPoolExhausted indicates the control-block pool reached its capacity.
	ErrPoolExhausted = errors.New("control-block pool exhausted")

	// ErrInvalidTransaction indicates a transaction that cannot be compiled
	// (for example, an empty operation list).
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrChainConstruction indicates a transform bind failed while a chain
	// was being spliced together.
	ErrChainConstruction = errors.New("chain construction failed")

	// ErrNotOwned indicates a fragment without an owning cache was returned.
	ErrNotOwned = errors.New("fragment not owned by a cache")

	// ErrNotMapped indicates a bus address with no backing memory mapping.
	ErrNotMapped = errors.New("bus address not mapped")

	// ErrInvalidDescriptor indicates a malformed or unresolvable descriptor.
	ErrInvalidDescriptor = errors.New("invalid descriptor")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrAlreadyRunning indicates the engine is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the engine is not running.
	ErrNotRunning = errors.New("not running")

	// ErrBusy indicates the hardware is still executing a chain.
	ErrBusy = errors.New("hardware busy")

	// ErrClosed indicates the resource has been closed.
	ErrClosed = errors.New("resource closed")
)

// TransactionStatus represents the completion status of a transaction.
type TransactionStatus int

// Transaction status values.
const (
	TransactionStatusPending   TransactionStatus = iota // Queued or executing
	TransactionStatusSuccess                            // Completed successfully
	TransactionStatusError                              // Post-completion transform failed
	TransactionStatusRejected                           // Rejected before queueing
)

// String returns a string representation of the transaction status.
func (s TransactionStatus) String() string {
	switch s {
	case TransactionStatusPending:
		return "pending"
	case TransactionStatusSuccess:
		return "success"
	case TransactionStatusError:
		return "error"
	case TransactionStatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transaction status.
func (s TransactionStatus) Error() error {
	switch s {
	case TransactionStatusPending, TransactionStatusSuccess:
		return nil
	case TransactionStatusRejected:
		return ErrInvalidTransaction
	default:
		return ErrChainConstruction
	}
}
