package hart

import "fmt"

// ExecMicroOp executes one decoded MicroOp against this hart's register
// file, CSRs and memory, advancing PC itself (either by InsnLen, for
// straight-line ops, or to a computed target for control transfers). It is
// shared by the tier-1 interpreter loop and by compiled-block fallback
// (any MicroOp a Block can't translate to tier-2 falls back through here).
func (h *Hart) ExecMicroOp(m MicroOp) error {
	switch m.Op {
	case OpIllegal:
		return Exception(CauseIllegalInsn, uint64(m.Raw))
	case OpNop:
		h.PC += uint64(m.InsnLen)
		return nil

	case OpLui:
		h.WriteReg(uint32(m.Rd), uint64(m.Imm))
		h.PC += uint64(m.InsnLen)
		return nil
	case OpAuipc:
		h.WriteReg(uint32(m.Rd), uint64(int64(h.PC)+m.Imm))
		h.PC += uint64(m.InsnLen)
		return nil

	case OpJal:
		target := uint64(int64(h.PC) + m.Imm)
		h.WriteReg(uint32(m.Rd), h.PC+uint64(m.InsnLen))
		h.PC = target
		return nil
	case OpJalr:
		target := (uint64(int64(h.ReadReg(uint32(m.Rs1))) + m.Imm)) &^ 1
		h.WriteReg(uint32(m.Rd), h.PC+uint64(m.InsnLen))
		h.PC = target
		return nil

	case OpBeq, OpBne, OpBlt, OpBge, OpBltu, OpBgeu:
		return h.execBranch(m)

	case OpLb, OpLh, OpLw, OpLd, OpLbu, OpLhu, OpLwu:
		return h.execLoad(m)
	case OpSb, OpSh, OpSw, OpSd:
		return h.execStore(m)

	case OpAddi, OpSlti, OpSltiu, OpXori, OpOri, OpAndi, OpSlli, OpSrli, OpSrai:
		return h.execOpImm(m)
	case OpAdd, OpSub, OpSll, OpSlt, OpSltu, OpXor, OpSrl, OpSra, OpOr, OpAnd:
		return h.execOp(m)
	case OpMul, OpMulh, OpMulhsu, OpMulhu, OpDiv, OpDivu, OpRem, OpRemu:
		return h.execOpM(m)

	case OpAddiw, OpSlliw, OpSrliw, OpSraiw:
		return h.execOpImm32(m)
	case OpAddw, OpSubw, OpSllw, OpSrlw, OpSraw:
		return h.execOp32(m)
	case OpMulw, OpDivw, OpDivuw, OpRemw, OpRemuw:
		return h.execOp32M(m)

	case OpFence, OpFenceI:
		h.PC += uint64(m.InsnLen)
		return nil

	case OpEcall:
		return h.handleEcall()
	case OpEbreak:
		return Exception(CauseBreakpoint, h.PC)
	case OpMret:
		return h.handleMret()
	case OpSret:
		return h.handleSret()
	case OpWfi:
		h.WFI = true
		h.PC += uint64(m.InsnLen)
		return nil
	case OpSfenceVMA:
		if m.Rs1 == 0 {
			h.MMU.FlushAll()
		} else {
			h.MMU.FlushVPN(h.ReadReg(uint32(m.Rs1)))
		}
		h.PC += uint64(m.InsnLen)
		return nil

	case OpCsrrw, OpCsrrs, OpCsrrc, OpCsrrwi, OpCsrrsi, OpCsrrci:
		return h.execCSR(m)

	case OpLrW, OpLrD, OpScW, OpScD,
		OpAmoswapW, OpAmoaddW, OpAmoxorW, OpAmoandW, OpAmoorW,
		OpAmominW, OpAmomaxW, OpAmominuW, OpAmomaxuW,
		OpAmoswapD, OpAmoaddD, OpAmoxorD, OpAmoandD, OpAmoorD,
		OpAmominD, OpAmomaxD, OpAmominuD, OpAmomaxuD:
		return h.execAMO(m)

	default:
		return Exception(CauseIllegalInsn, uint64(m.Raw))
	}
}

func (h *Hart) execBranch(m MicroOp) error {
	r1 := h.ReadReg(uint32(m.Rs1))
	r2 := h.ReadReg(uint32(m.Rs2))

	var taken bool
	switch m.Op {
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
		h.PC = uint64(int64(h.PC) + m.Imm)
	} else {
		h.PC += uint64(m.InsnLen)
	}
	return nil
}

func (h *Hart) execLoad(m MicroOp) error {
	vaddr := uint64(int64(h.ReadReg(uint32(m.Rs1))) + m.Imm)
	paddr, err := h.MMU.TranslateRead(vaddr)
	if err != nil {
		return err
	}

	var val uint64
	switch m.Op {
	case OpLb:
		v, e := h.Bus.Read8(paddr)
		if e != nil {
			return e
		}
		val = uint64(int8(v))
	case OpLh:
		v, e := h.Bus.Read16(paddr)
		if e != nil {
			return e
		}
		val = uint64(int16(v))
	case OpLw:
		v, e := h.Bus.Read32(paddr)
		if e != nil {
			return e
		}
		val = uint64(int32(v))
	case OpLd:
		v, e := h.Bus.Read64(paddr)
		if e != nil {
			return e
		}
		val = v
	case OpLbu:
		v, e := h.Bus.Read8(paddr)
		if e != nil {
			return e
		}
		val = uint64(v)
	case OpLhu:
		v, e := h.Bus.Read16(paddr)
		if e != nil {
			return e
		}
		val = uint64(v)
	case OpLwu:
		v, e := h.Bus.Read32(paddr)
		if e != nil {
			return e
		}
		val = uint64(v)
	}

	h.WriteReg(uint32(m.Rd), val)
	h.PC += uint64(m.InsnLen)
	return nil
}

func (h *Hart) execStore(m MicroOp) error {
	vaddr := uint64(int64(h.ReadReg(uint32(m.Rs1))) + m.Imm)
	paddr, err := h.MMU.TranslateWrite(vaddr)
	if err != nil {
		return err
	}
	val := h.ReadReg(uint32(m.Rs2))

	if paddr == TestFinisherBase && val == TestFinisherPass {
		return ErrHalt
	}

	var werr error
	switch m.Op {
	case OpSb:
		werr = h.Bus.Write8(paddr, uint8(val))
	case OpSh:
		werr = h.Bus.Write16(paddr, uint16(val))
	case OpSw:
		werr = h.Bus.Write32(paddr, uint32(val))
	case OpSd:
		werr = h.Bus.Write64(paddr, val)
	}
	if werr != nil {
		return werr
	}

	h.PC += uint64(m.InsnLen)
	return nil
}

func (h *Hart) execOpImm(m MicroOp) error {
	r1 := h.ReadReg(uint32(m.Rs1))
	var val uint64
	switch m.Op {
	case OpAddi:
		val = uint64(int64(r1) + m.Imm)
	case OpSlti:
		if int64(r1) < m.Imm {
			val = 1
		}
	case OpSltiu:
		val = boolU64(r1 < uint64(m.Imm))
	case OpXori:
		val = r1 ^ uint64(m.Imm)
	case OpOri:
		val = r1 | uint64(m.Imm)
	case OpAndi:
		val = r1 & uint64(m.Imm)
	case OpSlli:
		val = r1 << uint(m.Imm)
	case OpSrli:
		val = r1 >> uint(m.Imm)
	case OpSrai:
		val = uint64(int64(r1) >> uint(m.Imm))
	}
	h.WriteReg(uint32(m.Rd), val)
	h.PC += uint64(m.InsnLen)
	return nil
}

func boolU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (h *Hart) execOp(m MicroOp) error {
	r1 := h.ReadReg(uint32(m.Rs1))
	r2 := h.ReadReg(uint32(m.Rs2))
	var val uint64
	switch m.Op {
	case OpAdd:
		val = uint64(int64(r1) + int64(r2))
	case OpSub:
		val = uint64(int64(r1) - int64(r2))
	case OpSll:
		val = r1 << (r2 & 0x3f)
	case OpSlt:
		val = boolU64(int64(r1) < int64(r2))
	case OpSltu:
		val = boolU64(r1 < r2)
	case OpXor:
		val = r1 ^ r2
	case OpSrl:
		val = r1 >> (r2 & 0x3f)
	case OpSra:
		val = uint64(int64(r1) >> (r2 & 0x3f))
	case OpOr:
		val = r1 | r2
	case OpAnd:
		val = r1 & r2
	}
	h.WriteReg(uint32(m.Rd), val)
	h.PC += uint64(m.InsnLen)
	return nil
}

func (h *Hart) execOpM(m MicroOp) error {
	r1 := h.ReadReg(uint32(m.Rs1))
	r2 := h.ReadReg(uint32(m.Rs2))
	var val uint64
	switch m.Op {
	case OpMul:
		val = uint64(int64(r1) * int64(r2))
	case OpMulh:
		hi, _ := mulh64(int64(r1), int64(r2))
		val = uint64(hi)
	case OpMulhsu:
		hi, _ := mulhsu64(int64(r1), r2)
		val = uint64(hi)
	case OpMulhu:
		hi, _ := mulhu64(r1, r2)
		val = hi
	case OpDiv:
		switch {
		case r2 == 0:
			val = ^uint64(0)
		case r1 == uint64(1<<63) && r2 == ^uint64(0):
			val = r1
		default:
			val = uint64(int64(r1) / int64(r2))
		}
	case OpDivu:
		if r2 == 0 {
			val = ^uint64(0)
		} else {
			val = r1 / r2
		}
	case OpRem:
		switch {
		case r2 == 0:
			val = r1
		case r1 == uint64(1<<63) && r2 == ^uint64(0):
			val = 0
		default:
			val = uint64(int64(r1) % int64(r2))
		}
	case OpRemu:
		if r2 == 0 {
			val = r1
		} else {
			val = r1 % r2
		}
	}
	h.WriteReg(uint32(m.Rd), val)
	h.PC += uint64(m.InsnLen)
	return nil
}

func (h *Hart) execOpImm32(m MicroOp) error {
	r1 := uint32(h.ReadReg(uint32(m.Rs1)))
	var val int32
	switch m.Op {
	case OpAddiw:
		val = int32(r1) + int32(m.Imm)
	case OpSlliw:
		val = int32(r1 << uint(m.Imm))
	case OpSrliw:
		val = int32(r1 >> uint(m.Imm))
	case OpSraiw:
		val = int32(r1) >> uint(m.Imm)
	}
	h.WriteReg(uint32(m.Rd), uint64(val))
	h.PC += uint64(m.InsnLen)
	return nil
}

func (h *Hart) execOp32(m MicroOp) error {
	r1 := uint32(h.ReadReg(uint32(m.Rs1)))
	r2 := uint32(h.ReadReg(uint32(m.Rs2)))
	var val int32
	switch m.Op {
	case OpAddw:
		val = int32(r1) + int32(r2)
	case OpSubw:
		val = int32(r1) - int32(r2)
	case OpSllw:
		val = int32(r1 << (r2 & 0x1f))
	case OpSrlw:
		val = int32(r1 >> (r2 & 0x1f))
	case OpSraw:
		val = int32(r1) >> (r2 & 0x1f)
	}
	h.WriteReg(uint32(m.Rd), uint64(val))
	h.PC += uint64(m.InsnLen)
	return nil
}

func (h *Hart) execOp32M(m MicroOp) error {
	r1 := uint32(h.ReadReg(uint32(m.Rs1)))
	r2 := uint32(h.ReadReg(uint32(m.Rs2)))
	var val int32
	switch m.Op {
	case OpMulw:
		val = int32(r1) * int32(r2)
	case OpDivw:
		switch {
		case r2 == 0:
			val = -1
		case r1 == uint32(1<<31) && r2 == ^uint32(0):
			val = int32(r1)
		default:
			val = int32(r1) / int32(r2)
		}
	case OpDivuw:
		if r2 == 0 {
			val = -1
		} else {
			val = int32(r1 / r2)
		}
	case OpRemw:
		switch {
		case r2 == 0:
			val = int32(r1)
		case r1 == uint32(1<<31) && r2 == ^uint32(0):
			val = 0
		default:
			val = int32(r1) % int32(r2)
		}
	case OpRemuw:
		if r2 == 0 {
			val = int32(r1)
		} else {
			val = int32(r1 % r2)
		}
	}
	h.WriteReg(uint32(m.Rd), uint64(val))
	h.PC += uint64(m.InsnLen)
	return nil
}

func (h *Hart) execCSR(m MicroOp) error {
	var rs1Val uint64
	switch m.Op {
	case OpCsrrwi, OpCsrrsi, OpCsrrci:
		rs1Val = uint64(m.Imm)
	default:
		rs1Val = h.ReadReg(uint32(m.Rs1))
	}

	csrVal, err := h.csrRead(m.Csr)
	if err != nil {
		return err
	}

	var writeVal uint64
	doWrite := true
	switch m.Op {
	case OpCsrrw, OpCsrrwi:
		writeVal = rs1Val
	case OpCsrrs, OpCsrrsi:
		writeVal = csrVal | rs1Val
		doWrite = m.Rs1 != 0
	case OpCsrrc, OpCsrrci:
		writeVal = csrVal &^ rs1Val
		doWrite = m.Rs1 != 0
	}

	if doWrite {
		if err := h.csrWrite(m.Csr, writeVal); err != nil {
			return err
		}
	}

	h.WriteReg(uint32(m.Rd), csrVal)
	h.PC += uint64(m.InsnLen)
	return nil
}

func (h *Hart) handleEcall() error {
	switch h.Priv {
	case PrivUser:
		return Exception(CauseEcallFromU, 0)
	case PrivSupervisor:
		return Exception(CauseEcallFromS, 0)
	case PrivMachine:
		return Exception(CauseEcallFromM, 0)
	default:
		return fmt.Errorf("invalid privilege level: %d", h.Priv)
	}
}

func (h *Hart) handleMret() error {
	if h.Priv < PrivMachine {
		return Exception(CauseIllegalInsn, 0)
	}
	h.clearReservation()
	mpp := (h.Mstatus >> MstatusMPPShift) & 3
	h.Priv = uint8(mpp)

	if h.Mstatus&MstatusMPIE != 0 {
		h.Mstatus |= MstatusMIE
	} else {
		h.Mstatus &^= MstatusMIE
	}
	h.Mstatus |= MstatusMPIE
	h.Mstatus &^= MstatusMPP

	h.PC = h.Mepc
	return nil
}

func (h *Hart) handleSret() error {
	if h.Priv < PrivSupervisor {
		return Exception(CauseIllegalInsn, 0)
	}
	h.clearReservation()
	spp := (h.Mstatus >> MstatusSPPShift) & 1
	if spp == 1 {
		h.Priv = PrivSupervisor
	} else {
		h.Priv = PrivUser
	}

	if h.Mstatus&MstatusSPIE != 0 {
		h.Mstatus |= MstatusSIE
	} else {
		h.Mstatus &^= MstatusSIE
	}
	h.Mstatus |= MstatusSPIE
	h.Mstatus &^= MstatusSPP

	h.PC = h.Sepc
	return nil
}

// Helper for 64-bit unsigned multiply high, grounded on the teacher's
// mulhu64/mulh64/mulhsu64 (execute.go).
func mulhu64(a, b uint64) (uint64, uint64) {
	const mask32 = 0xFFFFFFFF
	a0 := a & mask32
	a1 := a >> 32
	b0 := b & mask32
	b1 := b >> 32

	p0 := a0 * b0
	p1 := a0 * b1
	p2 := a1 * b0
	p3 := a1 * b1

	carry := ((p0 >> 32) + (p1 & mask32) + (p2 & mask32)) >> 32
	hi := p3 + (p1 >> 32) + (p2 >> 32) + carry
	lo := a * b

	return hi, lo
}

func mulh64(a, b int64) (int64, uint64) {
	negResult := (a < 0) != (b < 0)
	ua, ub := uint64(a), uint64(b)
	if a < 0 {
		ua = uint64(-a)
	}
	if b < 0 {
		ub = uint64(-b)
	}

	hi, lo := mulhu64(ua, ub)
	if negResult {
		lo = ^lo + 1
		hi = ^hi
		if lo == 0 {
			hi++
		}
	}
	return int64(hi), lo
}

func mulhsu64(a int64, b uint64) (int64, uint64) {
	negResult := a < 0
	ua := uint64(a)
	if a < 0 {
		ua = uint64(-a)
	}

	hi, lo := mulhu64(ua, b)
	if negResult {
		lo = ^lo + 1
		hi = ^hi
		if lo == 0 {
			hi++
		}
	}
	return int64(hi), lo
}
