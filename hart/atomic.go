package hart

// execAMO executes the A-extension instructions: LR/SC reservations and the
// nine read-modify-write AMOs, at word and doubleword widths. Unlike the
// teacher's plain read-then-write, every RMW here goes through Bus.AtomicXxx
// (C1) so that concurrent harts touching the same granule observe a
// linearizable order (SPEC_FULL.md §4.1, §8).
func (h *Hart) execAMO(m MicroOp) error {
	isWord := true
	switch m.Op {
	case OpLrD, OpScD, OpAmoswapD, OpAmoaddD, OpAmoxorD, OpAmoandD, OpAmoorD,
		OpAmominD, OpAmomaxD, OpAmominuD, OpAmomaxuD:
		isWord = false
	}

	vaddr := h.ReadReg(uint32(m.Rs1))
	align := uint64(4)
	if !isWord {
		align = 8
	}
	if vaddr&(align-1) != 0 {
		return Exception(CauseStoreAddrMisaligned, vaddr)
	}

	switch m.Op {
	case OpLrW, OpLrD:
		paddr, err := h.MMU.TranslateRead(vaddr)
		if err != nil {
			return err
		}
		var val uint64
		if isWord {
			v, e := h.Bus.Read32(paddr)
			if e != nil {
				return e
			}
			val = uint64(int32(v))
		} else {
			v, e := h.Bus.Read64(paddr)
			if e != nil {
				return e
			}
			val = v
		}
		h.WriteReg(uint32(m.Rd), val)
		h.Reservation = reservationGranule(paddr)
		h.ReservationValid = true
		h.Bus.setReservation(h, paddr)
		h.PC += uint64(m.InsnLen)
		return nil

	case OpScW, OpScD:
		paddr, err := h.MMU.TranslateWrite(vaddr)
		if err != nil {
			return err
		}
		if !h.ReservationValid || h.Reservation != reservationGranule(paddr) {
			h.clearReservation()
			h.WriteReg(uint32(m.Rd), 1)
			h.PC += uint64(m.InsnLen)
			return nil
		}
		rs2Val := h.ReadReg(uint32(m.Rs2))
		var werr error
		if isWord {
			werr = h.Bus.Write32(paddr, uint32(rs2Val))
		} else {
			werr = h.Bus.Write64(paddr, rs2Val)
		}
		if werr != nil {
			return werr
		}
		h.WriteReg(uint32(m.Rd), 0)
		h.clearReservation()
		h.PC += uint64(m.InsnLen)
		return nil
	}

	paddr, err := h.MMU.TranslateWrite(vaddr)
	if err != nil {
		return err
	}
	operand := h.ReadReg(uint32(m.Rs2))

	// A conflicting reservation must be cleared before the RMW is issued
	// (SPEC_FULL.md §4.6), even though the RMW's own write (inside
	// Bus.atomicRMW) would also invalidate it via Bus.Write.
	amoSize := 8
	if isWord {
		amoSize = 4
	}
	h.Bus.invalidateReservations(paddr, amoSize)

	var old uint64
	switch m.Op {
	case OpAmoswapW:
		old, err = h.Bus.AtomicSwap(paddr, operand, true)
	case OpAmoaddW:
		old, err = h.Bus.AtomicAdd(paddr, operand, true)
	case OpAmoxorW:
		old, err = h.Bus.AtomicXor(paddr, operand, true)
	case OpAmoandW:
		old, err = h.Bus.AtomicAnd(paddr, operand, true)
	case OpAmoorW:
		old, err = h.Bus.AtomicOr(paddr, operand, true)
	case OpAmominW:
		old, err = h.Bus.AtomicMin(paddr, operand, true)
	case OpAmomaxW:
		old, err = h.Bus.AtomicMax(paddr, operand, true)
	case OpAmominuW:
		old, err = h.Bus.AtomicMinU(paddr, operand, true)
	case OpAmomaxuW:
		old, err = h.Bus.AtomicMaxU(paddr, operand, true)
	case OpAmoswapD:
		old, err = h.Bus.AtomicSwap(paddr, operand, false)
	case OpAmoaddD:
		old, err = h.Bus.AtomicAdd(paddr, operand, false)
	case OpAmoxorD:
		old, err = h.Bus.AtomicXor(paddr, operand, false)
	case OpAmoandD:
		old, err = h.Bus.AtomicAnd(paddr, operand, false)
	case OpAmoorD:
		old, err = h.Bus.AtomicOr(paddr, operand, false)
	case OpAmominD:
		old, err = h.Bus.AtomicMin(paddr, operand, false)
	case OpAmomaxD:
		old, err = h.Bus.AtomicMax(paddr, operand, false)
	case OpAmominuD:
		old, err = h.Bus.AtomicMinU(paddr, operand, false)
	case OpAmomaxuD:
		old, err = h.Bus.AtomicMaxU(paddr, operand, false)
	default:
		return Exception(CauseIllegalInsn, uint64(m.Raw))
	}
	if err != nil {
		return err
	}

	h.WriteReg(uint32(m.Rd), old)
	h.PC += uint64(m.InsnLen)
	return nil
}

// clearReservation drops h's LR/SC reservation, both locally and from the
// Bus's cross-hart registry. Called on SC (either outcome), trap entry, and
// xRET (SPEC_FULL.md §5).
func (h *Hart) clearReservation() {
	if h.ReservationValid {
		h.Bus.dropReservation(h, h.Reservation)
	}
	h.ReservationValid = false
}
