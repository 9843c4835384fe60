package hart

import (
	"sync"
	"testing"
)

func TestAtomicAddIsLinearizableAcrossGoroutines(t *testing.T) {
	bus := NewBus(4096)
	addr := DRAMBase

	const goroutines = 32
	const perGoroutine = 200

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				if _, err := bus.AtomicAdd(addr, 1, true); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, err := bus.Read32(addr)
	if err != nil {
		t.Fatalf("read32: %v", err)
	}
	want := uint32(goroutines * perGoroutine)
	if got != want {
		t.Errorf("expected %d, got %d (lost update under concurrent AMO add)", want, got)
	}
}

func TestAtomicMinMaxSignedness(t *testing.T) {
	bus := NewBus(4096)
	addr := DRAMBase

	if err := bus.Write32(addr, uint32(int32(-5))); err != nil {
		t.Fatal(err)
	}
	old, err := bus.AtomicMin(addr, uint64(uint32(int32(-10))), true)
	if err != nil {
		t.Fatal(err)
	}
	if int32(uint32(old)) != -5 {
		t.Errorf("expected old value -5, got %d", int32(uint32(old)))
	}
	got, _ := bus.Read32(addr)
	if int32(got) != -10 {
		t.Errorf("signed AMOMIN.W: expected -10, got %d", int32(got))
	}
}

func TestLRSCReservationInvalidatedByIntervening(t *testing.T) {
	h1 := newTestHart(t)
	bus := h1.Bus
	h2 := NewHart(1, bus, nil, DefaultConfig(), Discard())

	vaddr := DRAMBase + 0x100
	h1.WriteReg(10, vaddr)
	if err := h1.ExecMicroOp(MicroOp{Op: OpLrW, Rd: 5, Rs1: 10, InsnLen: 4}); err != nil {
		t.Fatalf("lr.w: %v", err)
	}
	if !h1.ReservationValid {
		t.Fatal("expected reservation to be set")
	}

	// hart 2 writes the same granule, invalidating hart 1's reservation.
	h2.WriteReg(10, vaddr)
	h2.WriteReg(11, 0xdead)
	if err := h2.ExecMicroOp(MicroOp{Op: OpSw, Rs1: 10, Rs2: 11, InsnLen: 4}); err != nil {
		t.Fatalf("competing store: %v", err)
	}

	h1.WriteReg(10, vaddr)
	h1.WriteReg(12, 0xbeef)
	if err := h1.ExecMicroOp(MicroOp{Op: OpScW, Rd: 13, Rs1: 10, Rs2: 12, InsnLen: 4}); err != nil {
		t.Fatalf("sc.w: %v", err)
	}
	if h1.X[13] == 0 {
		t.Error("expected sc.w to report failure (nonzero) after an intervening store")
	}
}
