package hart

// SATP modes
const (
	SatpModeOff  = 0
	SatpModeSv39 = 8
)

// Page table entry flags
const (
	PteV = 1 << 0 // Valid
	PteR = 1 << 1 // Readable
	PteW = 1 << 2 // Writable
	PteX = 1 << 3 // Executable
	PteU = 1 << 4 // User accessible
	PteG = 1 << 5 // Global
	PteA = 1 << 6 // Accessed
	PteD = 1 << 7 // Dirty
)

// Sv39 geometry
const (
	PageSize  = 4096
	PageShift = 12
	Sv39Levels = 3
	VpnBits   = 9
	PpnBits   = 44
)

// Access kinds used throughout the MMU and interpreter.
const (
	AccessRead = iota
	AccessWrite
	AccessExecute
)

// MMU performs Sv39 translation for one hart, backed by that hart's
// 64-entry direct-mapped TLB (grounded on teacher mmu.go's walkPageTable,
// resized per SPEC_FULL.md §3/§4.2; see DESIGN.md).
type MMU struct {
	hart *Hart
	tlb  *TLB
}

// NewMMU creates an MMU with a fresh TLB for the given hart.
func NewMMU(h *Hart) *MMU {
	return &MMU{hart: h, tlb: NewTLB()}
}

// TLB exposes the owned TLB (read-only use from signalling-state sync).
func (m *MMU) TLB() *TLB { return m.tlb }

// FlushAll flushes the entire TLB (SFENCE.VMA with no operands, or a SATP
// write that changes MODE).
func (m *MMU) FlushAll() { m.tlb.FlushAll() }

// FlushVPN flushes a single virtual page (SFENCE.VMA rs1 != x0).
func (m *MMU) FlushVPN(vaddr uint64) { m.tlb.FlushVPN(vaddr >> PageShift) }

// FlushASID flushes all non-global entries for one address space (an
// ASID-changing SATP write).
func (m *MMU) FlushASID(asid uint16) { m.tlb.FlushASID(asid) }

func permFromPTE(pte uint64) uint8 {
	var p uint8
	if pte&PteR != 0 {
		p |= PermR
	}
	if pte&PteW != 0 {
		p |= PermW
	}
	if pte&PteX != 0 {
		p |= PermX
	}
	if pte&PteU != 0 {
		p |= PermU
	}
	if pte&PteA != 0 {
		p |= PermA
	}
	if pte&PteD != 0 {
		p |= PermD
	}
	if pte&PteG != 0 {
		p |= PermG
	}
	return p
}

// effectivePriv returns the privilege mode permission checks should use:
// MPRV substitutes MPP for any non-fetch access while in Machine mode.
func (m *MMU) effectivePriv(access int) uint8 {
	h := m.hart
	if h.Priv == PrivMachine && access != AccessExecute && (h.Mstatus&MstatusMPRV) != 0 {
		return uint8((h.Mstatus >> MstatusMPPShift) & 3)
	}
	return h.Priv
}

// Translate resolves a virtual address to a physical address for the
// given access kind, consulting the TLB before falling back to a walk.
func (m *MMU) Translate(vaddr uint64, access int) (uint64, error) {
	h := m.hart
	mode := (h.Satp >> 60) & 0xf
	if mode == SatpModeOff {
		return vaddr, nil
	}

	priv := m.effectivePriv(access)
	if priv == PrivMachine {
		return vaddr, nil
	}

	vpn := vaddr >> PageShift
	asid := uint16((h.Satp >> 44) & 0xffff)

	if e, ok := m.tlb.Lookup(vpn, asid); ok {
		if err := m.checkPermissions(e.Perm, access, priv, vaddr); err != nil {
			return 0, err
		}
		needsDirty := access == AccessWrite && e.Perm&PermD == 0
		if e.Perm&PermA != 0 && !needsDirty {
			pageSize := uint64(PageSize) << (VpnBits * uint(e.Level))
			return (e.PPN << PageShift) | (vaddr & (pageSize - 1)), nil
		}
		// A or D bit needs to be set: fall through to a real walk so the
		// backing PTE (and the TLB's cached perm byte) gets updated.
	}

	paddr, perm, level, err := m.walkPageTable(vaddr, access, priv)
	if err != nil {
		return 0, err
	}
	pageSize := uint64(PageSize) << (VpnBits * uint(level))
	ppn := paddr >> PageShift
	// Recompute the page-aligned PPN (paddr already includes the VA's
	// page offset for superpages).
	ppn = (paddr &^ (pageSize - 1)) >> PageShift
	m.tlb.Insert(vpn, ppn, asid, perm, level)
	return paddr, nil
}

// walkPageTable performs the 3-level Sv39 walk described in SPEC_FULL.md
// §4.3, reading each PTE through the Bus and updating A/D bits in place.
func (m *MMU) walkPageTable(vaddr uint64, access int, priv uint8) (paddr uint64, perm uint8, level uint8, err error) {
	h := m.hart

	// Canonical-address check (bits 63:39 must equal bit 38).
	if vaddr >= (1<<38) && vaddr < (^uint64(0)-(1<<38)+1) {
		return 0, 0, 0, m.pageFault(access, vaddr)
	}

	ppn := h.Satp & ((1 << PpnBits) - 1)
	tableAddr := ppn << PageShift

	var pte uint64
	var pteAddr uint64
	lvl := Sv39Levels - 1
	for ; lvl >= 0; lvl-- {
		vpnShift := PageShift + lvl*VpnBits
		vpnIdx := (vaddr >> vpnShift) & 0x1ff

		pteAddr = tableAddr + vpnIdx*8
		val, rerr := h.Bus.Read64(pteAddr)
		if rerr != nil {
			return 0, 0, 0, m.pageFault(access, vaddr)
		}
		pte = val

		if pte&PteV == 0 || (pte&PteR == 0 && pte&PteW != 0) {
			return 0, 0, 0, m.pageFault(access, vaddr)
		}

		if pte&(PteR|PteX) != 0 {
			// Leaf PTE.
			if lvl > 0 {
				mask := uint64((1 << (lvl * VpnBits)) - 1)
				if ((pte >> 10) & mask) != 0 {
					return 0, 0, 0, m.pageFault(access, vaddr)
				}
			}

			p := permFromPTE(pte)
			if err := m.checkPermissions(p, access, priv, vaddr); err != nil {
				return 0, 0, 0, err
			}

			needsAccessed := pte&PteA == 0
			needsDirty := access == AccessWrite && pte&PteD == 0
			if needsAccessed || needsDirty {
				newPte := pte | PteA
				if needsDirty {
					newPte |= PteD
				}
				if werr := h.Bus.Write64(pteAddr, newPte); werr != nil {
					return 0, 0, 0, m.pageFault(access, vaddr)
				}
				pte = newPte
				p = permFromPTE(pte)
			}

			ppnField := (pte >> 10) & ((1 << PpnBits) - 1)
			if lvl > 0 {
				mask := uint64((1 << (lvl * VpnBits)) - 1)
				vpnLowBits := (vaddr >> PageShift) & mask
				ppnField = (ppnField &^ mask) | vpnLowBits
			}
			pageSize := uint64(PageSize) << (VpnBits * uint(lvl))
			paddr = (ppnField << PageShift) | (vaddr & (pageSize - 1))
			return paddr, p, uint8(lvl), nil
		}

		// Non-leaf: descend.
		ppnField := (pte >> 10) & ((1 << PpnBits) - 1)
		tableAddr = ppnField << PageShift
	}

	return 0, 0, 0, m.pageFault(access, vaddr)
}

// checkPermissions enforces U/S/M access rules, SUM and MXR.
func (m *MMU) checkPermissions(perm uint8, access int, priv uint8, vaddr uint64) error {
	h := m.hart
	if priv == PrivUser {
		if perm&PermU == 0 {
			return m.pageFault(access, vaddr)
		}
	} else { // Supervisor
		if perm&PermU != 0 && (h.Mstatus&MstatusSUM) == 0 {
			return m.pageFault(access, vaddr)
		}
	}

	switch access {
	case AccessRead:
		if perm&PermR == 0 {
			if (h.Mstatus&MstatusMXR) != 0 && perm&PermX != 0 {
				return nil
			}
			return m.pageFault(access, vaddr)
		}
	case AccessWrite:
		if perm&PermW == 0 {
			return m.pageFault(access, vaddr)
		}
	case AccessExecute:
		if perm&PermX == 0 {
			return m.pageFault(access, vaddr)
		}
	}
	return nil
}

func (m *MMU) pageFault(access int, vaddr uint64) error {
	switch access {
	case AccessRead:
		return Exception(CauseLoadPageFault, vaddr)
	case AccessWrite:
		return Exception(CauseStorePageFault, vaddr)
	case AccessExecute:
		return Exception(CauseInsnPageFault, vaddr)
	}
	return Exception(CauseLoadPageFault, vaddr)
}

// TranslateRead, TranslateWrite, TranslateFetch are access-typed wrappers
// around Translate, matching the teacher's convenience API.
func (m *MMU) TranslateRead(vaddr uint64) (uint64, error)  { return m.Translate(vaddr, AccessRead) }
func (m *MMU) TranslateWrite(vaddr uint64) (uint64, error) { return m.Translate(vaddr, AccessWrite) }
func (m *MMU) TranslateFetch(vaddr uint64) (uint64, error) { return m.Translate(vaddr, AccessExecute) }
