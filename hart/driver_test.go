package hart

import (
	"context"
	"testing"
	"time"
)

func TestStepDeliversBatchedTimerInterrupt(t *testing.T) {
	h := newTestHart(t)
	h.Cfg = DefaultConfig()
	h.Cfg.InterruptCheckInterval = 4
	h.Mie = MipMTIP
	h.Mstatus |= MstatusMIE
	h.Mtvec = DRAMBase + 0x1000

	// An infinite loop of NOPs (addi x0,x0,0) so Step never naturally traps;
	// the interrupt must be what moves PC to the trap vector.
	for i := 0; i < 8; i++ {
		loadCodeAt(t, h, DRAMBase+uint64(i*4), 0x00000013)
	}

	h.Mip = MipMTIP
	for i := 0; i < int(h.Cfg.InterruptCheckInterval); i++ {
		if err := h.Step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	if h.PC != h.Mtvec {
		t.Errorf("expected the batched poll to deliver the pending timer interrupt by step %d, PC=0x%x", h.Cfg.InterruptCheckInterval, h.PC)
	}
	if h.Priv != PrivMachine {
		t.Errorf("expected trap entry to land in M-mode, got priv %d", h.Priv)
	}
}

func TestStepWakesFromWFIOnPendingInterrupt(t *testing.T) {
	h := newTestHart(t)
	h.Cfg = DefaultConfig()
	h.WFI = true
	h.Mie = MipMTIP
	h.Mstatus |= MstatusMIE

	if err := h.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if !h.WFI {
		t.Fatal("expected WFI to remain set while no interrupt is pending")
	}

	h.Mip = MipMTIP
	if err := h.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if h.WFI {
		t.Error("expected WFI to clear once a pending interrupt woke the hart")
	}
}

func TestMaybePromoteReachesTier2AtThreshold(t *testing.T) {
	h := newTestHart(t)
	cfg := DefaultConfig()
	cfg.Tier1Threshold = 3
	h.Cfg = cfg
	h.Cache = NewBlockCache(cfg)

	// addi a0,a0,1 ; jalr x0,0(ra) — tier-2 eligible, terminates the block.
	loadCode(t, h, []uint32{0x00150513, 0x00008067})

	h.maybePromote(DRAMBase)
	b, ok := h.Cache.Lookup(DRAMBase)
	if !ok {
		t.Fatal("expected the block to be compiled into the cache on first sight")
	}
	if b.Tier2 != nil {
		t.Fatal("should not promote before the block has accumulated any hits")
	}

	// Repeated cache hits (as Step's runBlock would produce) drive HitCount
	// up; tryPromote is what Step calls on every such hit.
	for i := uint32(0); i < cfg.Tier1Threshold; i++ {
		b.HitCount++
		h.tryPromote(DRAMBase, b)
	}

	if b.Tier2 == nil {
		t.Error("expected the block to be promoted to tier-2 after crossing Tier1Threshold")
	}
}

func TestStepPromotesToTier2AcrossRepeatedHits(t *testing.T) {
	h := newTestHart(t)
	cfg := DefaultConfig()
	cfg.Tier1Threshold = 2
	h.Cfg = cfg
	h.Cache = NewBlockCache(cfg)
	h.PC = DRAMBase

	// A tight self-loop: addi a0,a0,1 ; jal x0,-4 (branch back to DRAMBase),
	// so repeated Step calls keep re-hitting the same cached block.
	loadCode(t, h, []uint32{0x00150513, 0xffdff06f})

	for i := 0; i < 6; i++ {
		if err := h.Step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	b, ok := h.Cache.Lookup(DRAMBase)
	if !ok {
		t.Fatal("expected a cached block at the loop head")
	}
	if b.Tier2 == nil {
		t.Error("expected Step's repeated cache hits to eventually promote the block to tier-2")
	}
}

func TestMaybePromoteBlacklistedPCIsSkipped(t *testing.T) {
	h := newTestHart(t)
	cfg := DefaultConfig()
	cfg.Blacklist = []uint64{DRAMBase}
	h.Cfg = cfg
	h.Cache = NewBlockCache(cfg)

	loadCode(t, h, []uint32{0x00150513, 0x00008067})
	h.maybePromote(DRAMBase)

	if _, ok := h.Cache.Lookup(DRAMBase); ok {
		t.Error("expected a blacklisted pc to never be compiled")
	}
}

func loadCodeAt(t *testing.T, h *Hart, addr uint64, insn uint32) {
	t.Helper()
	if err := h.Bus.Write32(addr, insn); err != nil {
		t.Fatalf("load insn at 0x%x: %v", addr, err)
	}
}

func TestRunHartsStopsCleanlyOnTestFinisherHalt(t *testing.T) {
	bus := NewBus(1024 * 1024)
	cfg := DefaultConfig()
	cache := NewBlockCache(cfg)
	h := NewHart(0, bus, cache, cfg, Discard())
	h.PC = DRAMBase

	// Stage the test-finisher address and pass value directly into a0/a1
	// (RunHarts drives real fetch/decode/execute, so a single sw instruction
	// is enough once the operands are in place) and run just that one store.
	h.WriteReg(10, TestFinisherBase)
	h.WriteReg(11, uint64(TestFinisherPass))
	encodeSW := func(rs1, rs2 uint32, imm12 uint32) uint32 {
		lo := imm12 & 0x1f
		hi := (imm12 >> 5) & 0x7f
		return (hi << 25) | (rs2 << 20) | (rs1 << 15) | (2 << 12) | (lo << 7) | 0x23
	}
	loadCode(t, h, []uint32{encodeSW(10, 11, 0)})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := RunHarts(ctx, []*Hart{h}, nil, 16)
	if err != nil {
		t.Fatalf("expected RunHarts to return nil on a clean test-finisher halt, got %v", err)
	}
}
