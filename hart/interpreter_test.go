package hart

import "testing"

// newTestHart builds a single hart over a fresh 1MB bus with no block
// cache (tests exercise the raw decode/ExecMicroOp path directly, not the
// tiered driver).
func newTestHart(t *testing.T) *Hart {
	t.Helper()
	bus := NewBus(1024 * 1024)
	h := NewHart(0, bus, nil, DefaultConfig(), Discard())
	return h
}

func loadCode(t *testing.T, h *Hart, code []uint32) {
	t.Helper()
	for i, insn := range code {
		if err := h.Bus.Write32(DRAMBase+uint64(i*4), insn); err != nil {
			t.Fatalf("load code[%d]: %v", i, err)
		}
	}
}

// runUntilHalt single-steps h via ExecMicroOp directly (bypassing the
// block cache/driver) until the test-finisher halt or an instruction
// budget is exhausted.
func runUntilHalt(t *testing.T, h *Hart, budget int) error {
	t.Helper()
	for i := 0; i < budget; i++ {
		raw, insnLen, err := h.fetchInsn(h.PC)
		if err != nil {
			return err
		}
		op := h.decodeAt(h.PC, raw, insnLen)
		if err := h.ExecMicroOp(op); err != nil {
			return err
		}
	}
	return nil
}

func TestALUOperations(t *testing.T) {
	h := newTestHart(t)

	code := []uint32{
		0x00a00513, // li a0, 10
		0x00300593, // li a1, 3
		0x00b50633, // add a2, a0, a1
		0x40b506b3, // sub a3, a0, a1
		0x00b57733, // and a4, a0, a1
		0x00b567b3, // or a5, a0, a1
		0x00b54833, // xor a6, a0, a1
	}
	loadCode(t, h, code)

	if err := runUntilHalt(t, h, len(code)); err != nil {
		t.Fatalf("run: %v", err)
	}

	if h.X[12] != 13 {
		t.Errorf("a2 (add): expected 13, got %d", h.X[12])
	}
	if h.X[13] != 7 {
		t.Errorf("a3 (sub): expected 7, got %d", h.X[13])
	}
	if h.X[14] != 2 {
		t.Errorf("a4 (and): expected 2, got %d", h.X[14])
	}
	if h.X[15] != 11 {
		t.Errorf("a5 (or): expected 11, got %d", h.X[15])
	}
	if h.X[16] != 9 {
		t.Errorf("a6 (xor): expected 9, got %d", h.X[16])
	}
}

func TestBranchTaken(t *testing.T) {
	h := newTestHart(t)

	// li a0,5; li a1,5; li a2,0; beq a0,a1,+8; li a2,1 (skipped); addi a2,a2,10
	code := []uint32{
		0x00500513,
		0x00500593,
		0x00000613,
		0x00b50463,
		0x00100613,
		0x00a60613,
	}
	loadCode(t, h, code)

	if err := runUntilHalt(t, h, len(code)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.X[12] != 10 {
		t.Errorf("a2: expected 10, got %d", h.X[12])
	}
}

func TestMultiplyDivide(t *testing.T) {
	h := newTestHart(t)

	code := []uint32{
		0x00700513, // li a0, 7
		0x00300593, // li a1, 3
		0x02b50633, // mul a2, a0, a1
		0x02b546b3, // div a3, a0, a1
		0x02b56733, // rem a4, a0, a1
	}
	loadCode(t, h, code)

	if err := runUntilHalt(t, h, len(code)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.X[12] != 21 {
		t.Errorf("a2 (mul): expected 21, got %d", h.X[12])
	}
	if h.X[13] != 2 {
		t.Errorf("a3 (div): expected 2, got %d", h.X[13])
	}
	if h.X[14] != 1 {
		t.Errorf("a4 (rem): expected 1, got %d", h.X[14])
	}
}

func TestDivideByZero(t *testing.T) {
	h := newTestHart(t)
	h.WriteReg(10, 7)
	h.WriteReg(11, 0)
	op := MicroOp{Op: OpDiv, Rd: 12, Rs1: 10, Rs2: 11, InsnLen: 4}
	if err := h.ExecMicroOp(op); err != nil {
		t.Fatalf("div by zero should not trap: %v", err)
	}
	if h.X[12] != ^uint64(0) {
		t.Errorf("div by zero: expected all-ones, got 0x%x", h.X[12])
	}

	op = MicroOp{Op: OpRem, Rd: 13, Rs1: 10, Rs2: 11, InsnLen: 4}
	if err := h.ExecMicroOp(op); err != nil {
		t.Fatalf("rem by zero should not trap: %v", err)
	}
	if h.X[13] != 7 {
		t.Errorf("rem by zero: expected dividend 7, got %d", h.X[13])
	}
}

func TestCompressedExpansion(t *testing.T) {
	h := newTestHart(t)

	// c.li a0, 5 ; c.addi a0, 3 ; c.mv a1, a0
	if err := h.Bus.Write16(DRAMBase+0, 0x4515); err != nil {
		t.Fatal(err)
	}
	if err := h.Bus.Write16(DRAMBase+2, 0x050d); err != nil {
		t.Fatal(err)
	}
	if err := h.Bus.Write16(DRAMBase+4, 0x85aa); err != nil {
		t.Fatal(err)
	}

	if err := runUntilHalt(t, h, 3); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.X[10] != 8 {
		t.Errorf("a0: expected 8, got %d", h.X[10])
	}
	if h.X[11] != 8 {
		t.Errorf("a1: expected 8, got %d", h.X[11])
	}
}

func TestAddi4spnZeroIsNop(t *testing.T) {
	// A raw 0x0000 word decodes as C.ADDI4SPN with imm=0, which is
	// reserved/illegal in the base ISA but treated as NOP here per the
	// deviation recorded in DESIGN.md.
	insn, err := ExpandCompressed(0x0000)
	if err != nil {
		t.Fatalf("expected NOP, got error: %v", err)
	}
	op := Decode(insn, 2)
	if op.Op != OpAddi || op.Rd != 0 {
		t.Errorf("expected an x0-targeted ADDI (NOP), got %+v", op)
	}
}

func TestTestFinisherHalt(t *testing.T) {
	h := newTestHart(t)

	m := MicroOp{Op: OpAddi, Rd: 5, Rs1: 0, Imm: int64(TestFinisherPass), InsnLen: 4}
	if err := h.ExecMicroOp(m); err != nil {
		t.Fatalf("setup: %v", err)
	}

	storeOp := MicroOp{Op: OpSw, Rs1: 0, Rs2: 5, Imm: int64(TestFinisherBase), InsnLen: 4}
	err := h.ExecMicroOp(storeOp)
	if err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}
}
