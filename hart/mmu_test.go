package hart

import "testing"

// writePTE writes one Sv39 page table entry at tableAddr[index].
func writePTE(t *testing.T, bus *Bus, tableAddr uint64, index uint64, ppn uint64, flags uint64) {
	t.Helper()
	pte := (ppn << 10) | flags
	if err := bus.Write64(tableAddr+index*8, pte); err != nil {
		t.Fatalf("write PTE: %v", err)
	}
}

func TestSv39FourKiBTranslation(t *testing.T) {
	h := newTestHart(t)
	bus := h.Bus

	rootTable := uint64(DRAMBase + 0x1000)
	l1Table := uint64(DRAMBase + 0x2000)
	l0Table := uint64(DRAMBase + 0x3000)
	leafPage := uint64(DRAMBase + 0x10000)

	vaddr := uint64(0x0000_0020_0012_3456)
	vpn2 := (vaddr >> 30) & 0x1ff
	vpn1 := (vaddr >> 21) & 0x1ff
	vpn0 := (vaddr >> 12) & 0x1ff

	writePTE(t, bus, rootTable, vpn2, l1Table>>PageShift, PteV)
	writePTE(t, bus, l1Table, vpn1, l0Table>>PageShift, PteV)
	writePTE(t, bus, l0Table, vpn0, leafPage>>PageShift, PteV|PteR|PteW)

	h.Satp = (uint64(SatpModeSv39) << 60) | (rootTable >> PageShift)
	h.Priv = PrivSupervisor

	paddr, err := h.MMU.TranslateRead(vaddr)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	wantPaddr := leafPage | (vaddr & (PageSize - 1))
	if paddr != wantPaddr {
		t.Errorf("paddr: expected 0x%x, got 0x%x", wantPaddr, paddr)
	}

	// A bit must now be set on the leaf PTE.
	pte, err := bus.Read64(l0Table + vpn0*8)
	if err != nil {
		t.Fatalf("reread pte: %v", err)
	}
	if pte&PteA == 0 {
		t.Error("expected A bit set after translation")
	}

	// Second translation should hit the TLB without re-walking: flip the
	// PTE's valid bit and confirm the cached entry still resolves.
	writePTE(t, bus, l0Table, vpn0, 0, 0)
	paddr2, err := h.MMU.TranslateRead(vaddr)
	if err != nil {
		t.Fatalf("tlb-cached translate: %v", err)
	}
	if paddr2 != wantPaddr {
		t.Errorf("tlb-cached paddr: expected 0x%x, got 0x%x", wantPaddr, paddr2)
	}
}

func TestSv39MisalignedSuperpageFaults(t *testing.T) {
	h := newTestHart(t)
	bus := h.Bus

	rootTable := uint64(DRAMBase + 0x1000)
	vaddr := uint64(0x0000_0020_0000_0000)
	vpn2 := (vaddr >> 30) & 0x1ff

	// A level-2 (1GiB) leaf in the root table whose PPN field has nonzero
	// low bits (PPN[1:0]) is misaligned and must fault, per SPEC_FULL.md §4.3.
	writePTE(t, bus, rootTable, vpn2, 0x1, PteV|PteR|PteW)

	h.Satp = (uint64(SatpModeSv39) << 60) | (rootTable >> PageShift)
	h.Priv = PrivSupervisor

	_, err := h.MMU.TranslateRead(vaddr)
	exc, ok := err.(ExceptionError)
	if !ok {
		t.Fatalf("expected ExceptionError, got %v", err)
	}
	if exc.Cause != CauseLoadPageFault {
		t.Errorf("expected load page fault, got cause %d", exc.Cause)
	}
}

func TestSATPWriteFlushesTLBAndBumpsGeneration(t *testing.T) {
	h := newTestHart(t)
	cache := NewBlockCache(DefaultConfig())
	h.Cache = cache
	gen0 := cache.Generation()

	h.MMU.tlb.Insert(5, 9, 0, PermR, 0)
	h.writeSatp(uint64(SatpModeSv39) << 60)

	if _, ok := h.MMU.tlb.Lookup(5, 0); ok {
		t.Error("expected TLB entry to be flushed on MODE change")
	}
	if cache.Generation() == gen0 {
		t.Error("expected block cache generation to bump on SATP write")
	}
}
