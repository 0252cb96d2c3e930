package dma

import (
	"fmt"
	"sync"

	"github.com/rcrowley/go-metrics"

	"github.com/tbraun92/chaindma/pkg"
)

// AllocMode selects the allocation behavior of Cache.Fetch.
type AllocMode int

// Allocation modes.
const (
	// Atomic is the hot-path mode, safe from interrupt context. Fetch
	// never performs work that can block; a fragment comes from the idle
	// set or a direct allocation, and allocation failure surfaces as
	// pkg.ErrNoMemory.
	Atomic AllocMode = iota

	// Blocking is the setup-path mode. In addition to the fetch itself,
	// the cache opportunistically allocates one spare fragment into the
	// idle set whenever the fetch drained it, keeping the pool warm.
	Blocking
)

// Allocator builds new fragments for a cache. It is resolved once at cache
// construction, parameterizing the cache by descriptor payload type.
type Allocator interface {
	// NewFragment builds one fully-initialized template fragment with
	// control blocks drawn from pool.
	NewFragment(pool *Pool) (*Fragment, error)
}

// AllocatorFunc adapts a function to the Allocator interface.
type AllocatorFunc func(pool *Pool) (*Fragment, error)

// NewFragment calls the function.
func (fn AllocatorFunc) NewFragment(pool *Pool) (*Fragment, error) {
	return fn(pool)
}

// CacheStats is a read-only snapshot of cache counters.
type CacheStats struct {
	Idle      int    // Fragments in the idle set
	Active    int    // Fragments in the active set
	Allocated int    // Total fragments ever allocated
	Fetched   uint64 // Total fetch operations
}

// Cache is a pool of pre-built fragments split into idle and active sets.
//
// Fragments live in an arena indexed by slot; the idle and active sets hold
// slot indices. Every arena slot is in exactly one of the two sets, so
// idle+active always equals the total allocation count.
type Cache struct {
	name  string
	pool  *Pool
	alloc Allocator

	mu     sync.Mutex
	arena  []*Fragment
	idle   []int // LIFO so recently-used fragments stay warm
	active map[int]struct{}

	fetched uint64

	metricFetched   metrics.Counter
	metricAllocated metrics.Counter
}

// NewCache creates a fragment cache over the given pool and allocator and
// pre-fills the idle set with prefill fragments. Cache gauges and counters
// are registered on reg (the default registry when reg is nil).
func NewCache(name string, pool *Pool, alloc Allocator, prefill int, reg metrics.Registry) (*Cache, error) {
	if pool == nil || alloc == nil {
		return nil, pkg.ErrInvalidParameter
	}
	c := &Cache{
		name:   name,
		pool:   pool,
		alloc:  alloc,
		active: make(map[int]struct{}),

		metricFetched:   metrics.NewRegisteredCounter("cache."+name+".fetched", reg),
		metricAllocated: metrics.NewRegisteredCounter("cache."+name+".allocated", reg),
	}
	metrics.NewRegisteredFunctionalGauge("cache."+name+".idle", reg, func() int64 {
		return int64(c.Stats().Idle)
	})
	metrics.NewRegisteredFunctionalGauge("cache."+name+".active", reg, func() int64 {
		return int64(c.Stats().Active)
	})
	if err := c.Resize(prefill); err != nil {
		c.Release()
		return nil, err
	}
	pkg.LogDebug(pkg.ComponentCache, "cache created", "name", name, "prefill", prefill)
	return c, nil
}

// Name returns the cache identifier.
func (c *Cache) Name() string {
	return c.name
}

// add allocates one fragment outside the cache lock and inserts it into the
// arena, idle or active per toIdle.
func (c *Cache) add(toIdle bool) (*Fragment, error) {
	f, err := c.alloc.NewFragment(c.pool)
	if err != nil {
		return nil, fmt.Errorf("%w: cache %s: %w", pkg.ErrNoMemory, c.name, err)
	}
	c.metricAllocated.Inc(1)

	c.mu.Lock()
	f.cache = c
	f.slot = len(c.arena)
	c.arena = append(c.arena, f)
	if toIdle {
		c.idle = append(c.idle, f.slot)
	} else {
		c.active[f.slot] = struct{}{}
	}
	c.mu.Unlock()
	return f, nil
}

// Fetch takes one fragment from the cache, moving it idle to active, or
// allocates a new one directly into the active set when the idle set is
// empty. In Blocking mode a fetch that drained the idle set also tops it
// back up with one spare; in Atomic mode no such warm-up happens and an
// allocation failure returns pkg.ErrNoMemory immediately.
func (c *Cache) Fetch(mode AllocMode) (*Fragment, error) {
	var frag *Fragment

	c.mu.Lock()
	if n := len(c.idle); n > 0 {
		slot := c.idle[n-1]
		c.idle = c.idle[:n-1]
		c.active[slot] = struct{}{}
		frag = c.arena[slot]
	}
	drained := len(c.idle) == 0
	c.mu.Unlock()

	if frag == nil {
		var err error
		frag, err = c.add(false)
		if err != nil {
			return nil, err
		}
	}

	// A fetch counts once it produced a fragment, so failures do not
	// inflate the counter.
	c.mu.Lock()
	c.fetched++
	c.mu.Unlock()
	c.metricFetched.Inc(1)

	if mode == Blocking && drained {
		if _, err := c.add(true); err != nil {
			// The fetch itself succeeded; a failed warm-up is not fatal.
			pkg.LogWarn(pkg.ComponentCache, "idle warm-up allocation failed",
				"cache", c.name, "err", err)
		}
	}
	return frag, nil
}

// Put moves a fragment from the active set back to the idle set. Putting a
// fragment the cache does not own is a lifecycle bug: it is logged and
// rejected, never silently absorbed.
func (c *Cache) Put(f *Fragment) error {
	if f == nil {
		return pkg.ErrInvalidParameter
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.cache != c || f.slot < 0 || f.slot >= len(c.arena) || c.arena[f.slot] != f {
		pkg.LogError(pkg.ComponentCache, "put of fragment not owned by cache",
			"cache", c.name, "fragment", f.Desc())
		return pkg.ErrNotOwned
	}
	if _, ok := c.active[f.slot]; !ok {
		pkg.LogError(pkg.ComponentCache, "put of fragment not in active set",
			"cache", c.name, "fragment", f.Desc())
		return pkg.ErrNotOwned
	}
	delete(c.active, f.slot)
	c.idle = append(c.idle, f.slot)
	return nil
}

// Resize grows (delta > 0) or shrinks (delta < 0) the idle set. Intended
// for setup and teardown, not the hot path. Shrinking frees the removed
// fragments' control blocks; it stops early when the idle set runs out.
func (c *Cache) Resize(delta int) error {
	for ; delta > 0; delta-- {
		if _, err := c.add(true); err != nil {
			return err
		}
	}
	for ; delta < 0; delta++ {
		c.mu.Lock()
		n := len(c.idle)
		if n == 0 {
			c.mu.Unlock()
			return pkg.ErrInvalidParameter
		}
		slot := c.idle[n-1]
		c.idle = c.idle[:n-1]
		f := c.arena[slot]
		c.arena[slot] = nil
		f.cache = nil
		f.slot = -1
		c.mu.Unlock()
		f.Free()
	}
	return nil
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	allocated := 0
	for _, f := range c.arena {
		if f != nil {
			allocated++
		}
	}
	return CacheStats{
		Idle:      len(c.idle),
		Active:    len(c.active),
		Allocated: allocated,
		Fetched:   c.fetched,
	}
}

// Release frees every idle fragment and tears the cache down. It fails with
// pkg.ErrBusy while fragments are still active, since hardware may be
// referencing their control blocks.
func (c *Cache) Release() error {
	c.mu.Lock()
	if len(c.active) > 0 {
		n := len(c.active)
		c.mu.Unlock()
		pkg.LogError(pkg.ComponentCache, "release with active fragments",
			"cache", c.name, "active", n)
		return pkg.ErrBusy
	}
	frags := make([]*Fragment, 0, len(c.idle))
	for _, slot := range c.idle {
		if f := c.arena[slot]; f != nil {
			frags = append(frags, f)
			c.arena[slot] = nil
			f.cache = nil
			f.slot = -1
		}
	}
	c.idle = nil
	c.mu.Unlock()

	for _, f := range frags {
		f.Free()
	}
	return nil
}
