package spi

import (
	"errors"
	"testing"

	"github.com/rcrowley/go-metrics"

	"github.com/tbraun92/chaindma/dma"
	"github.com/tbraun92/chaindma/pkg"
	"github.com/tbraun92/chaindma/spi/hal/mem"
)

func TestCompileFragmentSequence(t *testing.T) {
	cfgA := Config{SpeedHz: 1_000_000}
	cfgB := Config{SpeedHz: 2_000_000}
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	tests := []struct {
		name     string
		ops      []Operation
		callback bool
		want     []string
	}{
		{
			name: "single operation",
			ops:  []Operation{{Config: cfgA, Tx: payload}},
			want: []string{"setup", "transfer", "deselect"},
		},
		{
			name: "shared configuration",
			ops: []Operation{
				{Config: cfgA, Tx: payload},
				{Config: cfgA, Tx: payload},
			},
			want: []string{"setup", "transfer", "transfer", "deselect"},
		},
		{
			name: "configuration change",
			ops: []Operation{
				{Config: cfgA, Tx: payload},
				{Config: cfgB, Tx: payload},
			},
			want: []string{"setup", "transfer", "setup", "transfer", "deselect"},
		},
		{
			name: "delay between operations",
			ops: []Operation{
				{Config: cfgA, Tx: payload, DelayUsecs: 10},
				{Config: cfgA, Tx: payload},
			},
			want: []string{"setup", "transfer", "delay", "transfer", "deselect"},
		},
		{
			name: "mid-transaction deselect reconfigures",
			ops: []Operation{
				{Config: cfgA, Tx: payload, Deselect: true},
				{Config: cfgA, Tx: payload},
			},
			want: []string{"setup", "transfer", "deselect", "setup", "transfer", "deselect"},
		},
		{
			name: "boundary wins over delay",
			ops: []Operation{
				{Config: cfgA, Tx: payload, DelayUsecs: 10, Deselect: true},
				{Config: cfgA, Tx: payload},
			},
			want: []string{"setup", "transfer", "deselect", "setup", "transfer", "deselect"},
		},
		{
			name: "empty payload skips transfer",
			ops: []Operation{
				{Config: cfgA, DelayUsecs: 5},
				{Config: cfgA, Tx: payload},
			},
			want: []string{"setup", "delay", "transfer", "deselect"},
		},
		{
			name:     "callback appends trigger",
			ops:      []Operation{{Config: cfgA, Tx: payload}},
			callback: true,
			want:     []string{"setup", "transfer", "deselect", "trigger"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, _ := newTestEngine(t)
			txn := NewTransaction(0, tt.ops...)
			if tt.callback {
				txn.WithCallback(func(*Transaction) {})
			}
			ch, err := eng.compile(txn, dma.Atomic)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			defer eng.releaseChain(ch)

			var got []string
			for _, part := range ch.parts {
				got = append(got, part.frag.Desc())
			}
			if len(got) != len(tt.want) {
				t.Fatalf("fragments = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("fragments = %v, want %v", got, tt.want)
				}
			}
			if ch.hasTrigger != tt.callback {
				t.Errorf("hasTrigger = %v, want %v", ch.hasTrigger, tt.callback)
			}
		})
	}
}

func TestCompileChainsFragments(t *testing.T) {
	eng, _ := newTestEngine(t)
	txn := NewTransaction(0,
		Operation{Config: Config{SpeedHz: 1_000_000}, Tx: []byte{1, 2, 3, 4}},
	).WithCallback(func(*Transaction) {})

	ch, err := eng.compile(txn, dma.Atomic)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	defer eng.releaseChain(ch)

	// Every fragment's tail must point at the next fragment's head, and the
	// final tail must terminate the chain.
	for i := 0; i < len(ch.parts)-1; i++ {
		tail := ch.parts[i].frag.Tail()
		next := ch.parts[i+1].frag.Head()
		if tail.CB.NextAddr() != next.Addr {
			t.Errorf("part %d tail next = %#x, want %#x", i, tail.CB.NextAddr(), next.Addr)
		}
	}
	if last := ch.parts[len(ch.parts)-1].frag.Tail(); last.CB.NextAddr() != 0 {
		t.Errorf("chain tail next = %#x, want 0", last.CB.NextAddr())
	}
	if ch.HeadAddr() != ch.parts[0].frag.Head().Addr {
		t.Errorf("HeadAddr = %#x, want %#x", ch.HeadAddr(), ch.parts[0].frag.Head().Addr)
	}
}

func TestCompileUnwindOnExhaustion(t *testing.T) {
	// Size the pool so construction succeeds but a fifth setup fragment
	// cannot be allocated: 4x3 setup + 4x3 transfer + 4x3 deselect +
	// 2x1 delay + 4x1 trigger control blocks.
	pool := dma.NewPool("exhaust", 42)
	ctrl := mem.New(pool)
	eng, err := New(ctrl, pool, DefaultOptions(), metrics.NewRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ctrl.Close()
	defer eng.Close()

	// Five distinct configurations with no payload: five setup splices, the
	// fifth of which finds the idle set empty and the pool exhausted.
	var ops []Operation
	for i := 0; i < 5; i++ {
		ops = append(ops, Operation{Config: Config{SpeedHz: uint32(1_000_000 * (i + 1))}})
	}
	txn := NewTransaction(0, ops...)

	err = eng.Submit(txn)
	if !errors.Is(err, pkg.ErrChainConstruction) {
		t.Fatalf("Submit error = %v, want %v", err, pkg.ErrChainConstruction)
	}
	if txn.Status != pkg.TransactionStatusRejected {
		t.Errorf("status = %v, want %v", txn.Status, pkg.TransactionStatusRejected)
	}
	for name, stats := range eng.CacheStats() {
		if stats.Active != 0 {
			t.Errorf("cache %s active = %d after unwind, want 0", name, stats.Active)
		}
	}
	if got := eng.Stats().Queued; got != 0 {
		t.Errorf("queued = %d after unwind, want 0", got)
	}
}

func TestClockDivider(t *testing.T) {
	tests := []struct {
		name    string
		coreHz  uint32
		speedHz uint32
		want    uint32
	}{
		{"exact division", 250_000_000, 125_000_000, 2},
		{"rounds up to even", 250_000_000, 100_000_000, 4},
		{"typical rate", 250_000_000, 1_000_000, 250},
		{"odd quotient rounds up", 250_000_000, 3_000_000, 84},
		{"faster than core clamps", 250_000_000, 500_000_000, 2},
		{"very slow clamps to max", 250_000_000, 1, maxClockDivider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := clockDivider(tt.coreHz, tt.speedHz); got != tt.want {
				t.Errorf("clockDivider(%d, %d) = %d, want %d",
					tt.coreHz, tt.speedHz, got, tt.want)
			}
		})
	}
}

func TestBindPatchesDescriptors(t *testing.T) {
	eng, _ := newTestEngine(t)
	tx := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	txn := NewTransaction(5,
		Operation{Config: Config{SpeedHz: 1_000_000}, Tx: tx, DelayUsecs: 3},
		Operation{Config: Config{SpeedHz: 1_000_000}, Tx: tx},
	).WithCallback(func(*Transaction) {})

	ch, err := eng.compile(txn, dma.Atomic)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	defer func() {
		for _, addr := range ch.mappings {
			eng.h.Unmap(addr)
		}
		ch.mappings = ch.mappings[:0]
		eng.releaseChain(ch)
	}()

	if err := eng.bind(ch); err != nil {
		t.Fatalf("bind: %v", err)
	}

	setup := ch.parts[0].frag
	if got := setup.Links()[0].CB.Pad[0]; got != 250 {
		t.Errorf("clock divider pad = %d, want 250", got)
	}
	if got := setup.Links()[2].CB.Pad[0]; got != 1<<5 {
		t.Errorf("select bit pad = %#x, want %#x", got, uint32(1)<<5)
	}

	transfer := ch.parts[1].frag
	if got := transfer.Links()[0].CB.Pad[0]; got != uint32(len(tx)) {
		t.Errorf("dlen pad = %d, want %d", got, len(tx))
	}
	if got := transfer.Links()[1].CB.Length; got != uint32(len(tx)) {
		t.Errorf("tx length = %d, want %d", got, len(tx))
	}

	delay := ch.parts[2].frag
	wantSpan := uint32(3) * uint32(DefaultOptions().DelayBytesPerUsec)
	if got := delay.Links()[0].CB.Length; got != wantSpan {
		t.Errorf("delay span = %d, want %d", got, wantSpan)
	}

	trigger := ch.parts[len(ch.parts)-1].frag
	if got := trigger.Links()[0].CB.Dst; got != ch.sentinelAddr {
		t.Errorf("trigger dst = %#x, want sentinel %#x", got, ch.sentinelAddr)
	}
	if ch.completed() {
		t.Error("sentinel reports completed before execution")
	}

	// Both payload operations mapped their transmit buffers.
	if got := len(ch.mappings); got != 2 {
		t.Errorf("mappings = %d, want 2", got)
	}
}
