package dma

import (
	"github.com/tbraun92/chaindma/pkg"
)

// Fragment is an ordered sequence of links representing one reusable unit of
// work, plus the deferred-binding transforms that patch its runtime fields.
//
// A fragment is owned by exactly one of: a cache's idle set, a cache's
// active set, or a composite chain that has spliced it in. While spliced,
// its tail block's next-pointer addresses the following fragment; Return
// restores the tail before handing the fragment back to its cache.
type Fragment struct {
	links      []*Link
	head, tail *Link
	transforms []Transform

	// Owning cache, realized as an arena slot. slot is -1 while the
	// fragment is not cache-owned.
	cache *Cache
	slot  int

	desc string
}

// NewFragment creates an empty fragment.
func NewFragment(desc string) *Fragment {
	return &Fragment{slot: -1, desc: desc}
}

// Desc returns the fragment description.
func (f *Fragment) Desc() string {
	return f.desc
}

// AddLink appends a link to the fragment's sequence, chains the previous
// tail block to it, and keeps head/tail consistent with the sequence.
func (f *Fragment) AddLink(l *Link) {
	l.fragment = f
	if f.tail != nil {
		f.tail.CB.SetNext(l.Addr)
	}
	f.links = append(f.links, l)
	if f.head == nil {
		f.head = l
	}
	f.tail = l
}

// Head returns the first link of the sequence, or nil when empty.
func (f *Fragment) Head() *Link {
	return f.head
}

// Tail returns the last link of the sequence, or nil when empty.
func (f *Fragment) Tail() *Link {
	return f.tail
}

// Links returns the link sequence.
func (f *Fragment) Links() []*Link {
	return f.links
}

// AddTransform appends a transform to the fragment's list.
func (f *Fragment) AddTransform(t Transform) {
	f.transforms = append(f.transforms, t)
}

// RunTransforms executes all transforms of the given phase in list order.
// The first failure aborts the remaining transforms and is returned.
func (f *Fragment) RunTransforms(phase Phase, data any) error {
	for _, t := range f.transforms {
		if t.Phase() != phase {
			continue
		}
		if err := t.Exec(f, data); err != nil {
			return err
		}
	}
	return nil
}

// LinkTo chains this fragment's tail block to the head of next, so hardware
// continues into next without software intervention.
func (f *Fragment) LinkTo(next *Fragment) {
	if f.tail == nil || next == nil || next.head == nil {
		return
	}
	f.tail.CB.SetNext(next.head.Addr)
}

// Cache returns the cache owning this fragment, or nil.
func (f *Fragment) Cache() *Cache {
	return f.cache
}

// Return restores the fragment and hands it back to its owning cache.
// A fragment without an owning cache indicates a lifecycle bug; the call is
// logged and the fragment leaks rather than corrupting cache state.
func (f *Fragment) Return() error {
	if f.tail != nil {
		// Detach from whatever chain we were spliced into.
		f.tail.CB.SetNext(0)
	}
	if f.cache == nil {
		pkg.LogError(pkg.ComponentDMA, "returning fragment without owning cache",
			"fragment", f.desc)
		return pkg.ErrNotOwned
	}
	return f.cache.Put(f)
}

// Free releases every link of the fragment back to its pool. The fragment
// must not be referenced by any still-executing or still-queued chain.
func (f *Fragment) Free() {
	for _, l := range f.links {
		l.Free()
	}
	f.links = nil
	f.head = nil
	f.tail = nil
	f.transforms = nil
}
