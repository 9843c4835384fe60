package hart

// Op identifies the operation a MicroOp performs. The tag ranges mirror the
// grouping used by original_source/riscv-vm/src/jit/worker.rs's
// SerializedMicroOp (ALU reg-imm, ALU reg-reg, 32-bit variants, M-extension,
// loads, stores, branches, jumps, CSR, system, atomics) as an organizing
// scheme only; nothing here is serialized across a process boundary.
type Op uint8

const (
	OpIllegal Op = iota
	OpNop

	// ALU reg-imm
	OpAddi
	OpSlti
	OpSltiu
	OpXori
	OpOri
	OpAndi
	OpSlli
	OpSrli
	OpSrai

	// ALU reg-reg
	OpAdd
	OpSub
	OpSll
	OpSlt
	OpSltu
	OpXor
	OpSrl
	OpSra
	OpOr
	OpAnd

	// 32-bit (*W) variants
	OpAddiw
	OpSlliw
	OpSrliw
	OpSraiw
	OpAddw
	OpSubw
	OpSllw
	OpSrlw
	OpSraw

	// M extension
	OpMul
	OpMulh
	OpMulhsu
	OpMulhu
	OpDiv
	OpDivu
	OpRem
	OpRemu
	OpMulw
	OpDivw
	OpDivuw
	OpRemw
	OpRemuw

	// Upper immediate
	OpLui
	OpAuipc

	// Jumps
	OpJal
	OpJalr

	// Branches
	OpBeq
	OpBne
	OpBlt
	OpBge
	OpBltu
	OpBgeu

	// Loads
	OpLb
	OpLh
	OpLw
	OpLd
	OpLbu
	OpLhu
	OpLwu

	// Stores
	OpSb
	OpSh
	OpSw
	OpSd

	// Fence
	OpFence
	OpFenceI

	// System
	OpEcall
	OpEbreak
	OpMret
	OpSret
	OpWfi
	OpSfenceVMA

	// CSR
	OpCsrrw
	OpCsrrs
	OpCsrrc
	OpCsrrwi
	OpCsrrsi
	OpCsrrci

	// LR/SC and AMO (word and doubleword)
	OpLrW
	OpLrD
	OpScW
	OpScD
	OpAmoswapW
	OpAmoaddW
	OpAmoxorW
	OpAmoandW
	OpAmoorW
	OpAmominW
	OpAmomaxW
	OpAmominuW
	OpAmomaxuW
	OpAmoswapD
	OpAmoaddD
	OpAmoxorD
	OpAmoandD
	OpAmoorD
	OpAmominD
	OpAmomaxD
	OpAmominuD
	OpAmomaxuD
)

// MicroOp is the decoded, position-independent form of one instruction: the
// unit the block compiler appends to a Block and the interpreter (or tier-2
// translator) consumes. Rd/Rs1/Rs2 are x0-x31 register numbers; Imm carries
// a sign-extended immediate (or, for branches/jumps, a PC-relative offset).
type MicroOp struct {
	Op      Op
	Rd      uint8
	Rs1     uint8
	Rs2     uint8
	Imm     int64
	Csr     uint16
	InsnLen uint8 // 2 (compressed) or 4
	Raw     uint32
}

// isControlFlow reports whether this op sets PC itself rather than relying
// on the caller to advance it by InsnLen.
func (m MicroOp) isControlFlow() bool {
	switch m.Op {
	case OpJal, OpJalr, OpBeq, OpBne, OpBlt, OpBge, OpBltu, OpBgeu,
		OpMret, OpSret, OpEcall, OpEbreak:
		return true
	}
	return false
}

// isTerminator reports whether a block must end after this MicroOp (control
// transfer, privilege-changing instruction, or anything whose semantics
// depend on runtime state the compiler can't fold in), per SPEC_FULL.md
// §4.5's block termination rules.
func (m MicroOp) isTerminator() bool {
	switch m.Op {
	case OpJal, OpJalr,
		OpBeq, OpBne, OpBlt, OpBge, OpBltu, OpBgeu,
		OpEcall, OpEbreak, OpMret, OpSret, OpWfi, OpSfenceVMA,
		OpFenceI, OpIllegal:
		return true
	}
	return false
}
