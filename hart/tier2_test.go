package hart

import "testing"

func TestCompileTier2DeclinesAtomics(t *testing.T) {
	b := &Block{
		StartPC: DRAMBase,
		Ops: []MicroOp{
			{Op: OpAddi, Rd: 5, Rs1: 0, Imm: 1, InsnLen: 4},
			{Op: OpLrW, Rd: 6, Rs1: 10, InsnLen: 4},
		},
		Fallthru: DRAMBase + 8,
	}
	if _, err := CompileTier2(b); err == nil {
		t.Error("expected CompileTier2 to decline a block containing lr.w")
	}
}

func TestCompileTier2DeclinesCSR(t *testing.T) {
	b := &Block{
		StartPC: DRAMBase,
		Ops:     []MicroOp{{Op: OpCsrrw, Rd: 5, Rs1: 6, Imm: 0x300, InsnLen: 4}},
		Fallthru: DRAMBase + 4,
	}
	if _, err := CompileTier2(b); err == nil {
		t.Error("expected CompileTier2 to decline a CSR access")
	}
}

func TestRunTier2StraightLineFallsThrough(t *testing.T) {
	h := newTestHart(t)
	b := &Block{
		StartPC: DRAMBase,
		Ops: []MicroOp{
			{Op: OpAddi, Rd: 10, Rs1: 0, Imm: 5, InsnLen: 4},
			{Op: OpAddi, Rd: 10, Rs1: 10, Imm: 3, InsnLen: 4},
		},
		Fallthru: DRAMBase + 8,
	}
	cb, err := CompileTier2(b)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if err := h.RunTier2(cb); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.X[10] != 8 {
		t.Errorf("expected a0=8, got %d", h.X[10])
	}
	if h.PC != DRAMBase+8 {
		t.Errorf("expected PC to land on Fallthru 0x%x, got 0x%x", DRAMBase+8, h.PC)
	}
}

func TestRunTier2NotTakenBranchFallsThrough(t *testing.T) {
	h := newTestHart(t)
	h.PC = DRAMBase
	b := &Block{
		StartPC: DRAMBase,
		Ops: []MicroOp{
			{Op: OpAddi, Rd: 10, Rs1: 0, Imm: 1, InsnLen: 4},
			{Op: OpBeq, Rs1: 10, Rs2: 0, Imm: 0x100, InsnLen: 4}, // not taken (1 != 0)
			{Op: OpAddi, Rd: 11, Rs1: 0, Imm: 99, InsnLen: 4},
		},
		Fallthru: DRAMBase + 12,
	}
	cb, err := CompileTier2(b)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if err := h.RunTier2(cb); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.X[11] != 99 {
		t.Errorf("expected the branch to fall through (not taken), a1=99, got %d", h.X[11])
	}
	if h.PC != DRAMBase+12 {
		t.Errorf("expected PC at Fallthru, got 0x%x", h.PC)
	}
}

func TestRunTier2PropagatesTrap(t *testing.T) {
	h := newTestHart(t)
	h.WriteReg(10, 7)
	h.WriteReg(11, 0)
	b := &Block{
		StartPC: DRAMBase,
		Ops: []MicroOp{
			// A store to an unmapped address should fault.
			{Op: OpSw, Rs1: 11, Rs2: 10, Imm: 0, InsnLen: 4},
		},
		Fallthru: DRAMBase + 4,
	}
	cb, err := CompileTier2(b)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	err = h.RunTier2(cb)
	if _, ok := err.(ExceptionError); !ok {
		t.Fatalf("expected an ExceptionError from a store to address 0, got %v", err)
	}
}
