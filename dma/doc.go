// Package dma implements the descriptor-fragment framework used to build,
// cache, and chain hardware DMA control blocks.
//
// The framework is built from four concepts:
//
//   - [ControlBlock]: a fixed-layout, hardware-readable descriptor describing
//     one DMA step (addresses, length, flags, next-pointer). Control blocks
//     are allocated from a [Pool], which assigns each one a bus address used
//     for hardware-side chaining.
//
//   - [Link]: one allocated control block together with its bus address and
//     owning pool.
//
//   - [Fragment]: an ordered sequence of links representing one reusable unit
//     of work, plus a list of deferred-binding [Transform] operations that
//     patch runtime-variable descriptor fields at defined pipeline phases.
//
//   - [Cache]: a pool of pre-built fragments split into idle and active sets.
//     Descriptor construction is expensive relative to patching a handful of
//     runtime fields, so the cache amortizes construction cost and the hot
//     path only pays for the patches.
//
// Fragments are owned by exactly one of: a cache's idle set, a cache's active
// set, or a composite chain that has spliced them in. The cache enforces the
// conservation invariant idle+active == allocated at all times.
//
// Transforms are represented as a tagged variant (write-constant, copy-word,
// or function) executed by a small interpreter, rather than as raw function
// pointers stored next to hardware-visible structures.
package dma
