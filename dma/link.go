package dma

// Link is one allocated control block together with its bus address and the
// pool it came from. Links are created when a fragment is built and freed
// only when the fragment itself is freed, never while hardware may still
// reference the block.
type Link struct {
	CB   *ControlBlock
	Addr uint32

	pool     *Pool
	fragment *Fragment // owning fragment, lookup only
	desc     string
}

// NewLink allocates a control block from pool and wraps it in a link.
func NewLink(pool *Pool, desc string) (*Link, error) {
	cb, addr, err := pool.Alloc()
	if err != nil {
		return nil, err
	}
	return &Link{CB: cb, Addr: addr, pool: pool, desc: desc}, nil
}

// Desc returns the link description.
func (l *Link) Desc() string {
	return l.desc
}

// Fragment returns the fragment this link belongs to, or nil.
func (l *Link) Fragment() *Fragment {
	return l.fragment
}

// PadAddr returns the bus address of the i-th pad word (0 or 1) of the
// link's control block. Fragment builders point a block's Src here when the
// source data is a constant stored in the block itself.
func (l *Link) PadAddr(i int) uint32 {
	if i == 0 {
		return l.Addr + PadWord0Offset
	}
	return l.Addr + PadWord1Offset
}

// Free returns the control block to its pool. The link must not be reachable
// by hardware.
func (l *Link) Free() {
	if l.pool == nil {
		return
	}
	_ = l.pool.Free(l.Addr)
	l.CB = nil
	l.pool = nil
}
