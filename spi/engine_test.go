package spi

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/tbraun92/chaindma/dma"
	"github.com/tbraun92/chaindma/pkg"
	"github.com/tbraun92/chaindma/spi/hal"
	"github.com/tbraun92/chaindma/spi/hal/mem"
)

func newTestEngine(t *testing.T, opts ...mem.Option) (*Engine, *mem.Controller) {
	t.Helper()
	pool := dma.NewPool("test", 0)
	ctrl := mem.New(pool, opts...)
	eng, err := New(ctrl, pool, DefaultOptions(), metrics.NewRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := eng.Close(); err != nil {
			t.Errorf("engine close: %v", err)
		}
		if err := ctrl.Close(); err != nil {
			t.Errorf("controller close: %v", err)
		}
	})
	return eng, ctrl
}

func awaitCompletion(t *testing.T, done <-chan *Transaction) *Transaction {
	t.Helper()
	select {
	case txn := <-done:
		return txn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return nil
	}
}

func TestSubmitLoopback(t *testing.T) {
	eng, ctrl := newTestEngine(t)

	tx := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	rx := make([]byte, len(tx))
	done := make(chan *Transaction, 1)
	txn := NewTransaction(3,
		Operation{Config: Config{SpeedHz: 1_000_000}, Tx: tx, Rx: rx},
	).WithCallback(func(txn *Transaction) {
		done <- txn
	})

	if err := eng.Submit(txn); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := awaitCompletion(t, done)

	if got.Status != pkg.TransactionStatusSuccess {
		t.Errorf("status = %v, want %v", got.Status, pkg.TransactionStatusSuccess)
	}
	if got.ActualLength != len(tx) {
		t.Errorf("actual length = %d, want %d", got.ActualLength, len(tx))
	}
	if !bytes.Equal(rx, tx) {
		t.Errorf("rx = %x, want %x", rx, tx)
	}
	// The boundary fragment drove chip select 3 back high.
	if ctrl.GPIOLevels()&(1<<3) == 0 {
		t.Error("chip select still driven low after completion")
	}
}

func TestSubmitReceiveOnly(t *testing.T) {
	eng, _ := newTestEngine(t)

	rx := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	done := make(chan *Transaction, 1)
	txn := NewTransaction(0,
		Operation{Config: Config{SpeedHz: 1_000_000}, Rx: rx},
	).WithCallback(func(txn *Transaction) {
		done <- txn
	})

	if err := eng.Submit(txn); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := awaitCompletion(t, done)

	if got.Status != pkg.TransactionStatusSuccess {
		t.Fatalf("status = %v, want %v", got.Status, pkg.TransactionStatusSuccess)
	}
	// A missing transmit side clocks zeros out; the loopback echoes them.
	if !bytes.Equal(rx, []byte{0, 0, 0, 0}) {
		t.Errorf("rx = %x, want zeros", rx)
	}
	if got.ActualLength != len(rx) {
		t.Errorf("actual length = %d, want %d", got.ActualLength, len(rx))
	}
}

func TestSubmitMultiOperation(t *testing.T) {
	eng, _ := newTestEngine(t)

	tx1 := []byte{0xAA, 0xBB}
	tx2 := []byte{0xCC, 0xDD, 0xEE}
	rx2 := make([]byte, len(tx2))
	done := make(chan *Transaction, 1)
	txn := NewTransaction(0,
		Operation{Config: Config{SpeedHz: 4_000_000}, Tx: tx1},
		Operation{Config: Config{SpeedHz: 4_000_000}, Tx: tx2, Rx: rx2},
	).WithCallback(func(txn *Transaction) {
		done <- txn
	})

	if err := eng.Submit(txn); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := awaitCompletion(t, done)

	if got.Status != pkg.TransactionStatusSuccess {
		t.Fatalf("status = %v, want %v", got.Status, pkg.TransactionStatusSuccess)
	}
	if want := len(tx1) + len(tx2); got.ActualLength != want {
		t.Errorf("actual length = %d, want %d", got.ActualLength, want)
	}
	if !bytes.Equal(rx2, tx2) {
		t.Errorf("rx2 = %x, want %x", rx2, tx2)
	}
}

func TestSubmitOrderAndSingleArm(t *testing.T) {
	eng, ctrl := newTestEngine(t)

	// Hold the engine on its first descriptor so later submissions observe
	// a busy engine and append instead of arming.
	ctrl.Pause()

	const n = 3
	order := make(chan int, n)
	for i := 0; i < n; i++ {
		i := i
		txn := NewTransaction(0,
			Operation{Config: Config{SpeedHz: 1_000_000}, Tx: []byte{byte(i), 0, 0, 0}},
		).WithCallback(func(*Transaction) {
			order <- i
		})
		if err := eng.Submit(txn); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	stats := eng.Stats()
	if stats.Armed != 1 {
		t.Errorf("armed = %d, want 1", stats.Armed)
	}
	if stats.Appended != n-1 {
		t.Errorf("appended = %d, want %d", stats.Appended, n-1)
	}
	if stats.Queued != n {
		t.Errorf("queued = %d, want %d", stats.Queued, n)
	}

	ctrl.Resume()
	for want := 0; want < n; want++ {
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("completion order: got %d, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for completion %d", want)
		}
	}

	stats = eng.Stats()
	if stats.Queued != 0 {
		t.Errorf("queued = %d after drain, want 0", stats.Queued)
	}
	if stats.Reclaimed != n {
		t.Errorf("reclaimed = %d, want %d", stats.Reclaimed, n)
	}
}

func TestTriggerlessReclaimOnIdle(t *testing.T) {
	eng, ctrl := newTestEngine(t)

	// No callback, so no trigger fragment and no completion interrupt.
	first := NewTransaction(0,
		Operation{Config: Config{SpeedHz: 1_000_000}, Tx: []byte{1, 2, 3, 4}},
	)
	if err := eng.Submit(first); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for ctrl.Read(hal.ChannelData.CS())&hal.DMACSActive != 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for engine idle")
		}
		time.Sleep(time.Millisecond)
	}
	if got := eng.Stats().Queued; got != 1 {
		t.Fatalf("queued = %d while awaiting reclaim, want 1", got)
	}

	// The next engine interaction observes the idle channel and reclaims.
	done := make(chan *Transaction, 1)
	second := NewTransaction(0,
		Operation{Config: Config{SpeedHz: 1_000_000}, Tx: []byte{5, 6, 7, 8}},
	).WithCallback(func(txn *Transaction) {
		done <- txn
	})
	if err := eng.Submit(second); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	awaitCompletion(t, done)

	if first.Status != pkg.TransactionStatusSuccess {
		t.Errorf("first status = %v, want %v", first.Status, pkg.TransactionStatusSuccess)
	}
	if first.ActualLength != 4 {
		t.Errorf("first actual length = %d, want 4", first.ActualLength)
	}
	stats := eng.Stats()
	if stats.Queued != 0 {
		t.Errorf("queued = %d after drain, want 0", stats.Queued)
	}
	if stats.Reclaimed != 2 {
		t.Errorf("reclaimed = %d, want 2", stats.Reclaimed)
	}
}

func TestSubmitRejectsInvalid(t *testing.T) {
	eng, _ := newTestEngine(t)
	before := eng.CacheStats()

	tests := []struct {
		name string
		txn  *Transaction
	}{
		{"no operations", NewTransaction(0)},
		{"zero speed", NewTransaction(0, Operation{Tx: []byte{1}})},
		{"length mismatch", NewTransaction(0, Operation{
			Config: Config{SpeedHz: 1_000_000},
			Tx:     []byte{1, 2},
			Rx:     make([]byte, 3),
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eng.Submit(tt.txn)
			if !errors.Is(err, pkg.ErrInvalidTransaction) {
				t.Fatalf("Submit error = %v, want %v", err, pkg.ErrInvalidTransaction)
			}
			if tt.txn.Status != pkg.TransactionStatusRejected {
				t.Errorf("status = %v, want %v", tt.txn.Status, pkg.TransactionStatusRejected)
			}
		})
	}

	// Rejection happens before any cache interaction.
	after := eng.CacheStats()
	for name, b := range before {
		if a := after[name]; a.Fetched != b.Fetched || a.Active != b.Active {
			t.Errorf("cache %s touched by rejected transaction: before %+v, after %+v",
				name, b, a)
		}
	}
}

func TestCacheConservation(t *testing.T) {
	eng, _ := newTestEngine(t)

	done := make(chan *Transaction, 1)
	for i := 0; i < 10; i++ {
		tx := []byte{byte(i), 1, 2, 3}
		txn := NewTransaction(uint8(i%2),
			Operation{Config: Config{SpeedHz: 1_000_000}, Tx: tx, DelayUsecs: 1},
			Operation{Config: Config{SpeedHz: 2_000_000}, Tx: tx},
		).WithCallback(func(txn *Transaction) {
			done <- txn
		})
		if err := eng.Submit(txn); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		awaitCompletion(t, done)
	}

	for name, stats := range eng.CacheStats() {
		if stats.Active != 0 {
			t.Errorf("cache %s active = %d after drain, want 0", name, stats.Active)
		}
		if stats.Idle != stats.Allocated {
			t.Errorf("cache %s idle = %d, allocated = %d; every fragment should be idle",
				name, stats.Idle, stats.Allocated)
		}
	}
}

func TestReclaimIdempotent(t *testing.T) {
	eng, _ := newTestEngine(t)

	done := make(chan *Transaction, 1)
	txn := NewTransaction(0,
		Operation{Config: Config{SpeedHz: 1_000_000}, Tx: []byte{1, 2, 3, 4}},
	).WithCallback(func(txn *Transaction) {
		done <- txn
	})
	if err := eng.Submit(txn); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	awaitCompletion(t, done)

	before := eng.Stats()
	// A spurious completion interrupt finds the queue already advanced.
	eng.onCompletion()
	after := eng.Stats()

	if after.Reclaimed != before.Reclaimed {
		t.Errorf("reclaimed = %d after spurious interrupt, want %d",
			after.Reclaimed, before.Reclaimed)
	}
	if txn.Status != pkg.TransactionStatusSuccess {
		t.Errorf("status = %v, want %v", txn.Status, pkg.TransactionStatusSuccess)
	}
}

func TestOptimizeReusesFragments(t *testing.T) {
	eng, _ := newTestEngine(t)

	tx := []byte{9, 8, 7, 6}
	rx := make([]byte, len(tx))
	done := make(chan *Transaction, 1)
	txn := NewTransaction(0,
		Operation{Config: Config{SpeedHz: 1_000_000}, Tx: tx, Rx: rx},
	).WithCallback(func(txn *Transaction) {
		done <- txn
	})

	if err := eng.Optimize(txn); err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if !txn.Optimized() {
		t.Fatal("transaction not marked optimized")
	}
	fetched := func() uint64 {
		var total uint64
		for _, stats := range eng.CacheStats() {
			total += stats.Fetched
		}
		return total
	}
	baseline := fetched()

	for i := 0; i < 3; i++ {
		tx[0] = byte(0x10 + i)
		if err := eng.Submit(txn); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		got := awaitCompletion(t, done)
		if got.Status != pkg.TransactionStatusSuccess {
			t.Fatalf("submission %d status = %v", i, got.Status)
		}
		if !bytes.Equal(rx, tx) {
			t.Fatalf("submission %d rx = %x, want %x", i, rx, tx)
		}
	}

	if got := fetched(); got != baseline {
		t.Errorf("fetched = %d after optimized submissions, want %d", got, baseline)
	}

	if err := eng.Unoptimize(txn); err != nil {
		t.Fatalf("Unoptimize: %v", err)
	}
	for name, stats := range eng.CacheStats() {
		if stats.Active != 0 {
			t.Errorf("cache %s active = %d after unoptimize, want 0", name, stats.Active)
		}
	}
}

func TestOptimizedResubmitAfterAppend(t *testing.T) {
	eng, ctrl := newTestEngine(t)

	doneA := make(chan *Transaction, 1)
	a := NewTransaction(0,
		Operation{Config: Config{SpeedHz: 1_000_000}, Tx: []byte{1, 2, 3, 4}},
	).WithCallback(func(txn *Transaction) {
		doneA <- txn
	})
	if err := eng.Optimize(a); err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	defer eng.Unoptimize(a)

	// Run a second transaction appended behind the precompiled one, so the
	// precompiled chain's tail descriptor gets linked to b's head.
	doneB := make(chan *Transaction, 1)
	b := NewTransaction(7,
		Operation{Config: Config{SpeedHz: 1_000_000}, Tx: []byte{5, 6, 7, 8}},
	).WithCallback(func(txn *Transaction) {
		doneB <- txn
	})
	ctrl.Pause()
	if err := eng.Submit(a); err != nil {
		t.Fatalf("Submit a: %v", err)
	}
	if err := eng.Submit(b); err != nil {
		t.Fatalf("Submit b: %v", err)
	}
	ctrl.Resume()
	awaitCompletion(t, doneA)
	awaitCompletion(t, doneB)

	if ctrl.GPIOLevels()&(1<<7) == 0 {
		t.Fatal("chip select 7 not deselected after first run")
	}

	// Resubmitting the precompiled chain alone must not walk past its
	// trigger into b's released fragments.
	if err := eng.Submit(a); err != nil {
		t.Fatalf("resubmit a: %v", err)
	}
	awaitCompletion(t, doneA)

	if ctrl.GPIOLevels()&(1<<7) == 0 {
		t.Error("chip select 7 driven low again: released fragments re-executed")
	}
	if tail := a.chain.tailFrag.Tail(); tail.CB.NextAddr() != 0 {
		t.Errorf("reused chain tail next = %#x, want 0", tail.CB.NextAddr())
	}
	stats := eng.Stats()
	if stats.Reclaimed != 3 {
		t.Errorf("reclaimed = %d, want 3", stats.Reclaimed)
	}
	if stats.Queued != 0 {
		t.Errorf("queued = %d after drain, want 0", stats.Queued)
	}
}

func TestOptimizedDoubleSubmit(t *testing.T) {
	eng, ctrl := newTestEngine(t)

	done := make(chan *Transaction, 1)
	txn := NewTransaction(0,
		Operation{Config: Config{SpeedHz: 1_000_000}, Tx: []byte{1, 2, 3, 4}},
	).WithCallback(func(txn *Transaction) {
		done <- txn
	})
	if err := eng.Optimize(txn); err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	defer eng.Unoptimize(txn)

	ctrl.Pause()
	if err := eng.Submit(txn); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := eng.Submit(txn); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Fatalf("second Submit error = %v, want %v", err, pkg.ErrAlreadyRunning)
	}
	ctrl.Resume()
	awaitCompletion(t, done)
}

func TestUnoptimizeAfterClose(t *testing.T) {
	pool := dma.NewPool("unopt-close", 0)
	ctrl := mem.New(pool)
	eng, err := New(ctrl, pool, DefaultOptions(), metrics.NewRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ctrl.Close()

	txn := NewTransaction(0,
		Operation{Config: Config{SpeedHz: 1_000_000}, Tx: []byte{1, 2, 3, 4}},
	)
	if err := eng.Optimize(txn); err != nil {
		t.Fatalf("Optimize: %v", err)
	}

	// Closing while a transaction pins fragments fails the cache release,
	// but the engine is closed either way.
	if err := eng.Close(); !errors.Is(err, pkg.ErrBusy) {
		t.Fatalf("Close with pinned fragments = %v, want %v", err, pkg.ErrBusy)
	}

	// A late Unoptimize must not feed fragments into released caches.
	if err := eng.Unoptimize(txn); !errors.Is(err, pkg.ErrClosed) {
		t.Fatalf("Unoptimize after close = %v, want %v", err, pkg.ErrClosed)
	}
}

func TestCloseWhileQueued(t *testing.T) {
	pool := dma.NewPool("close", 0)
	ctrl := mem.New(pool)
	eng, err := New(ctrl, pool, DefaultOptions(), metrics.NewRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctrl.Pause()
	done := make(chan *Transaction, 1)
	txn := NewTransaction(0,
		Operation{Config: Config{SpeedHz: 1_000_000}, Tx: []byte{1, 2, 3, 4}},
	).WithCallback(func(txn *Transaction) {
		done <- txn
	})
	if err := eng.Submit(txn); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := eng.Close(); !errors.Is(err, pkg.ErrBusy) {
		t.Fatalf("Close while queued = %v, want %v", err, pkg.ErrBusy)
	}

	ctrl.Resume()
	awaitCompletion(t, done)
	if err := eng.Close(); err != nil {
		t.Fatalf("Close after drain: %v", err)
	}
	if err := eng.Submit(txn); !errors.Is(err, pkg.ErrClosed) {
		t.Fatalf("Submit after close = %v, want %v", err, pkg.ErrClosed)
	}
	if err := ctrl.Close(); err != nil {
		t.Fatalf("controller close: %v", err)
	}
}
