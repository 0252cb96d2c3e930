// Package spi implements an SPI transaction engine that compiles each
// transaction into a single hardware descriptor chain and lets the DMA
// engine execute it without per-transfer CPU intervention.
//
// A [Transaction] is an ordered list of [Operation] values: a target
// configuration (clock rate, word size, line widths), payload buffers, an
// optional post-operation delay, and a chip-deselect boundary flag. The
// merge engine compiles the list into one continuous chain by fetching
// template fragments from per-kind caches (configuration setup, payload
// transfer, deselect boundary, delay, completion trigger) and splicing them
// together, patching runtime-variable descriptor fields through deferred
// transforms.
//
// The chain scheduler appends each compiled chain to the tail of the
// previous one. If hardware is idle it arms the engine once; if hardware is
// still executing, the append alone is enough and the engine flows into the
// new chain when it finishes the current one, with no restart and no missed
// cycle. Completions are reclaimed in strict submission order on the
// completion interrupt, driven by an in-memory sentinel the hardware writes
// as the final step of a chain.
//
// Transactions submitted repeatedly with identical shape can be compiled
// once with [Engine.Optimize]; their fragments then stay bound to the
// transaction across submissions instead of cycling through the caches.
package spi
