package hart

// SignalState is a point-in-time snapshot of the register-visible state a
// tier-2 runtime would need to resume or inspect a hart without touching it
// directly. The Rust reference keeps this as a block of shared memory a
// WASM module and its host both map; there is no cross-process boundary in
// this Go port, so it is a plain struct copied by value. Its fields are a
// subset of original_source/riscv-vm/src/jit/state.rs's layout: registers,
// PC, privilege, MSTATUS, SATP, the trap CSRs (xEPC/xCAUSE/xTVAL) and a
// TLB image. The delegation and interrupt CSRs (MEDELEG, MIDELEG, MIE,
// MIP) are not captured.
type SignalState struct {
	X    [32]uint64
	PC   uint64
	Priv uint8

	Mstatus uint64
	Satp    uint64
	Mepc    uint64
	Mcause  uint64
	Mtval   uint64
	Sepc    uint64
	Scause  uint64
	Stval   uint64

	TLB [TLBSize]TLBEntry
}

// Snapshot captures h's register-visible state.
func (h *Hart) Snapshot() SignalState {
	s := SignalState{
		X:       h.X,
		PC:      h.PC,
		Priv:    h.Priv,
		Mstatus: h.Mstatus,
		Satp:    h.Satp,
		Mepc:    h.Mepc,
		Mcause:  h.Mcause,
		Mtval:   h.Mtval,
		Sepc:    h.Sepc,
		Scause:  h.Scause,
		Stval:   h.Stval,
	}
	s.TLB = h.MMU.tlb.entries
	return s
}

// Restore installs a previously captured snapshot back onto h.
func (h *Hart) Restore(s SignalState) {
	h.X = s.X
	h.PC = s.PC
	h.Priv = s.Priv
	h.Mstatus = s.Mstatus
	h.Satp = s.Satp
	h.Mepc = s.Mepc
	h.Mcause = s.Mcause
	h.Mtval = s.Mtval
	h.Sepc = s.Sepc
	h.Scause = s.Scause
	h.Stval = s.Stval
	h.MMU.tlb.entries = s.TLB
}
