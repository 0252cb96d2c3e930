package spi

import (
	"github.com/tbraun92/chaindma/pkg"
)

// Config is the target configuration of one operation: clock rate, word
// size, and the line widths used for each direction.
type Config struct {
	SpeedHz     uint32 // SPI clock rate
	BitsPerWord uint8  // Word size, 0 means 8
	TxWidth     uint8  // Transmit line width (1, 2, or 4), 0 means 1
	RxWidth     uint8  // Receive line width (1, 2, or 4), 0 means 1
}

// Equal reports whether two configurations would program the hardware
// identically. Consecutive operations with equal configurations share one
// configuration-setup fragment.
func (c Config) Equal(o Config) bool {
	return c.SpeedHz == o.SpeedHz &&
		c.BitsPerWord == o.BitsPerWord &&
		c.TxWidth == o.TxWidth &&
		c.RxWidth == o.RxWidth
}

// Operation is one step of a transaction.
type Operation struct {
	// Config is the configuration this operation runs under.
	Config Config

	// Tx is the transmit payload; nil transmits zeros when Rx is set.
	Tx []byte

	// Rx receives the read payload; nil discards the read data.
	Rx []byte

	// DelayUsecs inserts a delay after this operation, unless a
	// boundary follows it.
	DelayUsecs uint16

	// Deselect forces a chip-deselect boundary after this operation.
	// The last operation of a transaction always ends in a boundary.
	Deselect bool
}

// length returns the payload length of the operation in bytes.
func (op *Operation) length() int {
	if op.Tx != nil {
		return len(op.Tx)
	}
	return len(op.Rx)
}

// validate rejects operations the hardware cannot express.
func (op *Operation) validate() error {
	if op.Tx != nil && op.Rx != nil && len(op.Tx) != len(op.Rx) {
		return pkg.ErrInvalidTransaction
	}
	if op.Config.SpeedHz == 0 {
		return pkg.ErrInvalidTransaction
	}
	return nil
}

// Callback is invoked when a transaction completes, after its result slot
// has been filled in. It runs in interrupt context and must not block.
type Callback func(*Transaction)

// Transaction is an ordered list of operations addressed to one chip
// select, compiled into a single descriptor chain and executed end to end
// by the hardware engine.
//
// Status and ActualLength form the result slot: the reclaim pipeline fills
// them in before the callback fires. They must not be read while the
// transaction is in flight.
type Transaction struct {
	// Status reports the outcome once the transaction completes.
	Status pkg.TransactionStatus

	// ActualLength accumulates the bytes moved by the payload
	// transfers of the transaction.
	ActualLength int

	cs       uint8
	ops      []Operation
	callback Callback

	// optimized marks a long-lived precompiled transaction whose chain
	// and fragments stay bound across submissions.
	optimized bool
	chain     *Chain
}

// NewTransaction creates a transaction addressed to chip select cs.
func NewTransaction(cs uint8, ops ...Operation) *Transaction {
	return &Transaction{cs: cs, ops: ops}
}

// WithCallback sets the completion callback and returns the transaction.
func (t *Transaction) WithCallback(cb Callback) *Transaction {
	t.callback = cb
	return t
}

// ChipSelect returns the chip select the transaction addresses.
func (t *Transaction) ChipSelect() uint8 {
	return t.cs
}

// Operations returns the operation list.
func (t *Transaction) Operations() []Operation {
	return t.ops
}

// Optimized reports whether the transaction holds a precompiled chain.
func (t *Transaction) Optimized() bool {
	return t.optimized
}

// validate rejects transactions before any cache interaction.
func (t *Transaction) validate() error {
	if len(t.ops) == 0 {
		return pkg.ErrInvalidTransaction
	}
	for i := range t.ops {
		if err := t.ops[i].validate(); err != nil {
			return err
		}
	}
	return nil
}
