package hart

import "fmt"

// Exit-code protocol: a tier-2 run packs its result into one uint64 — the
// high 32 bits name a reason, the low 32 bits carry a reason-specific
// payload. Grounded on original_source/riscv-vm/src/jit/runtime.rs's
// JitExecResult; Branch is the one reason whose payload is an absolute PC
// rather than a PC-relative offset (see SPEC_FULL.md §2.3).
const (
	ExitNormal          uint32 = 0
	ExitTrap            uint32 = 1
	ExitToInterpreter   uint32 = 2
	ExitInterruptCheck  uint32 = 3
	ExitBranch          uint32 = 4
)

func packExit(reason uint32, payload uint32) uint64 {
	return uint64(reason)<<32 | uint64(payload)
}

func unpackExit(code uint64) (reason uint32, payload uint32) {
	return uint32(code >> 32), uint32(code)
}

// tier2Op is one compiled step of a CompiledBlock: a closure over the
// concrete MicroOp it was translated from, executed directly against the
// owning hart. This is the "threaded bytecode" tier-2 target chosen in
// place of WASM (SPEC_FULL.md §2.3): a slice of function values dispatched
// in sequence, so no instruction is re-fetched or re-decoded on the hot
// path (straight-line ops still go through ExecMicroOp's switch).
//
// It reports both the packed exit code the reference protocol describes
// (reason in the high 32 bits, payload in the low 32) and, when the reason
// is ExitTrap, the underlying ExceptionError — the packed code alone can't
// carry a cause/tval pair, and the runtime needs the real one to enter the
// trap correctly.
type tier2Op func(h *Hart) (exitCode uint64, err error, exit bool)

// CompiledBlock is a tier-2-translated Block: ready to run without any
// decode step, falling back to a bare exit code when it hits something it
// cannot resolve on its own (a trap, or a branch target).
type CompiledBlock struct {
	ops      []tier2Op
	fallthru uint64
}

// declineOp reports whether translating this MicroOp to tier-2 should be
// refused outright, sending the whole block back to interpretation.
// CSR access, system instructions and the atomic family all need either
// full CSR-gate semantics or cross-hart linearizability the closure form
// isn't trusted to get right, so tier-2 declines them categorically.
func declineOp(op Op) bool {
	switch op {
	case OpCsrrw, OpCsrrs, OpCsrrc, OpCsrrwi, OpCsrrsi, OpCsrrci,
		OpEcall, OpEbreak, OpMret, OpSret, OpWfi, OpSfenceVMA, OpIllegal,
		OpLrW, OpLrD, OpScW, OpScD,
		OpAmoswapW, OpAmoaddW, OpAmoxorW, OpAmoandW, OpAmoorW,
		OpAmominW, OpAmomaxW, OpAmominuW, OpAmomaxuW,
		OpAmoswapD, OpAmoaddD, OpAmoxorD, OpAmoandD, OpAmoorD,
		OpAmominD, OpAmomaxD, OpAmominuD, OpAmomaxuD:
		return true
	}
	return false
}

// CompileTier2 translates a Block's MicroOps into a CompiledBlock, or
// declines with an error if any op in the block isn't tier-2 eligible.
func CompileTier2(b *Block) (*CompiledBlock, error) {
	cb := &CompiledBlock{fallthru: b.Fallthru, ops: make([]tier2Op, 0, len(b.Ops))}

	for i, op := range b.Ops {
		if declineOp(op.Op) {
			return nil, fmt.Errorf("tier2: op %d ineligible at block offset %d", op.Op, i)
		}
		cb.ops = append(cb.ops, compileOne(op))
	}
	return cb, nil
}

// compileOne captures one MicroOp by value into a closure. Straight-line
// ops run through ExecMicroOp exactly as the interpreter would and report
// no exit. A taken branch sets h.PC to its target and exits with an
// ExitBranch code; a not-taken branch advances h.PC and continues. JAL and
// JALR run through ExecMicroOp, which sets h.PC, and always exit with
// ExitBranch.
func compileOne(op MicroOp) tier2Op {
	switch op.Op {
	case OpBeq, OpBne, OpBlt, OpBge, OpBltu, OpBgeu:
		return func(h *Hart) (uint64, error, bool) {
			r1, r2 := h.ReadReg(uint32(op.Rs1)), h.ReadReg(uint32(op.Rs2))
			var taken bool
			switch op.Op {
			case OpBeq:
				taken = r1 == r2
			case OpBne:
				taken = r1 != r2
			case OpBlt:
				taken = int64(r1) < int64(r2)
			case OpBge:
				taken = int64(r1) >= int64(r2)
			case OpBltu:
				taken = r1 < r2
			case OpBgeu:
				taken = r1 >= r2
			}
			if taken {
				target := uint64(int64(h.PC) + op.Imm)
				h.PC = target
				return packExit(ExitBranch, uint32(target)), nil, true
			}
			h.PC += uint64(op.InsnLen)
			return 0, nil, false
		}
	case OpJal, OpJalr:
		return func(h *Hart) (uint64, error, bool) {
			if err := h.ExecMicroOp(op); err != nil {
				return packExit(ExitTrap, 0), err, true
			}
			return packExit(ExitBranch, uint32(h.PC)), nil, true
		}
	default:
		return func(h *Hart) (uint64, error, bool) {
			if err := h.ExecMicroOp(op); err != nil {
				return packExit(ExitTrap, 0), err, true
			}
			return 0, nil, false
		}
	}
}
