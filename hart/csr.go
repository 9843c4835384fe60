package hart

// csrRead reads a CSR value, enforcing the privilege-level gate encoded in
// the CSR address itself (bits 9:8).
func (h *Hart) csrRead(csr uint16) (uint64, error) {
	csrPriv := (csr >> 8) & 3
	if uint16(h.Priv) < csrPriv {
		return 0, Exception(CauseIllegalInsn, 0)
	}

	switch csr {
	// User counters
	case CSRCycle:
		return h.Cycle, nil
	case CSRTime:
		return h.Cycle, nil // no separate wall-clock source
	case CSRInstret:
		return h.Instret, nil

	// Supervisor CSRs
	case CSRSstatus:
		return h.readSstatus(), nil
	case CSRSie:
		return h.Mie & h.Mideleg, nil
	case CSRStvec:
		return h.Stvec, nil
	case CSRSscratch:
		return h.Sscratch, nil
	case CSRSepc:
		return h.Sepc, nil
	case CSRScause:
		return h.Scause, nil
	case CSRStval:
		return h.Stval, nil
	case CSRSip:
		return h.Mip & h.Mideleg, nil
	case CSRStimecmp:
		return h.Stimecmp, nil
	case CSRSatp:
		return h.Satp, nil

	// Machine CSRs
	case CSRMstatus:
		return h.Mstatus, nil
	case CSRMisa:
		return h.Misa, nil
	case CSRMedeleg:
		return h.Medeleg, nil
	case CSRMideleg:
		return h.Mideleg, nil
	case CSRMie:
		return h.Mie, nil
	case CSRMtvec:
		return h.Mtvec, nil
	case CSRMenvcfg:
		return h.Menvcfg, nil
	case CSRMscratch:
		return h.Mscratch, nil
	case CSRMepc:
		return h.Mepc, nil
	case CSRMcause:
		return h.Mcause, nil
	case CSRMtval:
		return h.Mtval, nil
	case CSRMip:
		return h.Mip, nil
	case CSRMhartid:
		return uint64(h.ID), nil

	default:
		// Unknown CSR: read as zero rather than trap, matching the
		// teacher's permissive stance toward guest kernels that probe
		// CSRs this core doesn't implement.
		return 0, nil
	}
}

// csrWrite writes a CSR value, enforcing the privilege gate and the
// read-only encoding (top two address bits both set).
func (h *Hart) csrWrite(csr uint16, val uint64) error {
	csrPriv := (csr >> 8) & 3
	if uint16(h.Priv) < csrPriv {
		return Exception(CauseIllegalInsn, 0)
	}
	if (csr >> 10) == 3 {
		return Exception(CauseIllegalInsn, 0)
	}

	switch csr {
	// Supervisor CSRs
	case CSRSstatus:
		h.writeSstatus(val)
	case CSRSie:
		h.Mie = (h.Mie &^ h.Mideleg) | (val & h.Mideleg)
	case CSRStvec:
		h.Stvec = val
	case CSRSscratch:
		h.Sscratch = val
	case CSRSepc:
		h.Sepc = val &^ 1
	case CSRScause:
		h.Scause = val
	case CSRStval:
		h.Stval = val
	case CSRSip:
		h.Mip = (h.Mip &^ MipSSIP) | (val & MipSSIP)
	case CSRStimecmp:
		h.Stimecmp = val
		h.Mip &^= MipSTIP
	case CSRSatp:
		h.writeSatp(val)

	// Machine CSRs
	case CSRMstatus:
		h.writeMstatus(val)
	case CSRMisa:
		// Read-only in this implementation: the extension set is fixed
		// at construction time.
	case CSRMedeleg:
		h.Medeleg = val & 0xb3ff
	case CSRMideleg:
		h.Mideleg = val & (MipSSIP | MipSTIP | MipSEIP)
	case CSRMie:
		h.Mie = val & (MipSSIP | MipMSIP | MipSTIP | MipMTIP | MipSEIP | MipMEIP)
	case CSRMtvec:
		h.Mtvec = val
	case CSRMenvcfg:
		h.Menvcfg = val
	case CSRMscratch:
		h.Mscratch = val
	case CSRMepc:
		h.Mepc = val &^ 1
	case CSRMcause:
		h.Mcause = val
	case CSRMtval:
		h.Mtval = val
	case CSRMip:
		mask := uint64(MipSSIP | MipSTIP | MipSEIP)
		h.Mip = (h.Mip &^ mask) | (val & mask)
	}

	return nil
}

// writeSatp installs a new address-translation root. A mode or ASID change
// invalidates any TLB entry that could now resolve differently; per
// SPEC_FULL.md §4.6/§4.7, it also bumps the block cache generation so that
// jitted blocks compiled under the old mapping are not reused as if address
// translation hadn't moved under them.
func (h *Hart) writeSatp(val uint64) {
	oldASID := uint16((h.Satp >> 44) & 0xffff)
	oldMode := (h.Satp >> 60) & 0xf
	h.Satp = val

	newASID := uint16((val >> 44) & 0xffff)
	newMode := (val >> 60) & 0xf
	if newMode != oldMode {
		h.MMU.FlushAll()
	} else if newASID != oldASID {
		h.MMU.FlushASID(oldASID)
	}
	if h.Cache != nil {
		h.Cache.BumpGeneration()
	}
}

// sstatusMask: bits visible through the sstatus shadow of mstatus.
const sstatusMask = MstatusSIE | MstatusSPIE | MstatusSPP |
	MstatusSUM | MstatusMXR | MstatusSD

func (h *Hart) readSstatus() uint64 {
	return h.Mstatus & sstatusMask
}

func (h *Hart) writeSstatus(val uint64) {
	h.Mstatus = (h.Mstatus &^ sstatusMask) | (val & sstatusMask)
}

// writeMstatus writes mstatus with the fields this core actually models
// masked in; FS/XS/SD (floating-point state tracking) are left at zero
// since F/D is out of scope.
func (h *Hart) writeMstatus(val uint64) {
	const mstatusMask = MstatusSIE | MstatusMIE | MstatusSPIE | MstatusMPIE |
		MstatusSPP | MstatusMPP | MstatusMPRV | MstatusSUM |
		MstatusMXR | MstatusTVM | MstatusTW | MstatusTSR

	h.Mstatus = (h.Mstatus &^ mstatusMask) | (val & mstatusMask)
}

// CheckInterrupt reports whether a pending, enabled interrupt should be
// taken before the next instruction, and which one has priority.
func (h *Hart) CheckInterrupt() (bool, uint64) {
	pending := h.Mip & h.Mie
	if pending == 0 {
		return false, 0
	}

	if h.Priv == PrivMachine {
		if (h.Mstatus & MstatusMIE) == 0 {
			return false, 0
		}
	} else if h.Priv == PrivSupervisor {
		if (h.Mstatus & MstatusSIE) == 0 {
			mInt := pending &^ h.Mideleg
			if mInt == 0 {
				return false, 0
			}
			pending = mInt
		}
	}

	if pending&MipMEIP != 0 && (h.Priv < PrivMachine || (h.Mstatus&MstatusMIE != 0)) {
		return true, CauseMExternalInt
	}
	if pending&MipMSIP != 0 && (h.Priv < PrivMachine || (h.Mstatus&MstatusMIE != 0)) {
		return true, CauseMSoftwareInt
	}
	if pending&MipMTIP != 0 && (h.Priv < PrivMachine || (h.Mstatus&MstatusMIE != 0)) {
		return true, CauseMTimerInt
	}
	if pending&MipSEIP != 0 {
		if h.Priv < PrivSupervisor || (h.Priv == PrivSupervisor && (h.Mstatus&MstatusSIE != 0)) {
			return true, CauseSExternalInt
		}
	}
	if pending&MipSSIP != 0 {
		if h.Priv < PrivSupervisor || (h.Priv == PrivSupervisor && (h.Mstatus&MstatusSIE != 0)) {
			return true, CauseSSoftwareInt
		}
	}
	if pending&MipSTIP != 0 {
		if h.Priv < PrivSupervisor || (h.Priv == PrivSupervisor && (h.Mstatus&MstatusSIE != 0)) {
			return true, CauseSTimerInt
		}
	}

	return false, 0
}

// HandleTrap enters a trap: delegation check, xEPC/xCAUSE/xTVAL save,
// xIE->xPIE push, privilege switch, and the xTVEC jump (vectored for
// interrupts when the low bit of xtvec is set).
func (h *Hart) HandleTrap(cause uint64, tval uint64) {
	h.clearReservation()

	isInterrupt := (cause >> 63) != 0
	exceptionCode := cause & 0x7fffffffffffffff

	delegateToS := false
	if h.Priv <= PrivSupervisor {
		if isInterrupt {
			delegateToS = (h.Mideleg & (1 << exceptionCode)) != 0
		} else {
			delegateToS = (h.Medeleg & (1 << exceptionCode)) != 0
		}
	}

	if delegateToS {
		h.Sepc = h.PC
		h.Scause = cause
		h.Stval = tval

		if h.Mstatus&MstatusSIE != 0 {
			h.Mstatus |= MstatusSPIE
		} else {
			h.Mstatus &^= MstatusSPIE
		}
		h.Mstatus &^= MstatusSIE

		if h.Priv == PrivSupervisor {
			h.Mstatus |= MstatusSPP
		} else {
			h.Mstatus &^= MstatusSPP
		}
		h.Priv = PrivSupervisor

		if (h.Stvec&1) == 1 && isInterrupt {
			h.PC = (h.Stvec &^ 1) + 4*exceptionCode
		} else {
			h.PC = h.Stvec &^ 3
		}
	} else {
		h.Mepc = h.PC
		h.Mcause = cause
		h.Mtval = tval

		if h.Mstatus&MstatusMIE != 0 {
			h.Mstatus |= MstatusMPIE
		} else {
			h.Mstatus &^= MstatusMPIE
		}
		h.Mstatus &^= MstatusMIE

		h.Mstatus &^= MstatusMPP
		h.Mstatus |= uint64(h.Priv) << MstatusMPPShift
		h.Priv = PrivMachine

		if (h.Mtvec&1) == 1 && isInterrupt {
			h.PC = (h.Mtvec &^ 1) + 4*exceptionCode
		} else {
			h.PC = h.Mtvec &^ 3
		}
	}
}
