package hart

// TLB permission bits, packed into one byte per entry.
const (
	PermR uint8 = 1 << 0
	PermW uint8 = 1 << 1
	PermX uint8 = 1 << 2
	PermU uint8 = 1 << 3
	PermA uint8 = 1 << 4
	PermD uint8 = 1 << 5
	PermG uint8 = 1 << 6
)

// TLBSize and TLBMask: direct-mapped, 64 entries, index = VPN & 63.
// Grounded on original_source/riscv-vm/src/jit/state.rs (TLB_SIZE=64,
// TLB_ENTRY_SIZE=24), not on the teacher's own 512-entry table — a
// deliberate resize required by SPEC_FULL.md §3/§4.2 (see DESIGN.md).
const (
	TLBSize = 64
	TLBMask = TLBSize - 1
)

// TLBEntry is the 24-byte (conceptual) direct-mapped TLB row: VPN (8),
// PPN (8), ASID (2), perm (1), level (1), valid (1), padded to 24 bytes
// of semantic content by the Go struct's natural layout.
type TLBEntry struct {
	VPN   uint64
	PPN   uint64
	ASID  uint16
	Perm  uint8
	Level uint8 // 0, 1, or 2: size of the page (4KiB, 2MiB, 1GiB)
	Valid bool
}

// TLB is the per-hart software-managed translation cache.
type TLB struct {
	entries [TLBSize]TLBEntry
}

// NewTLB returns an empty TLB.
func NewTLB() *TLB {
	return &TLB{}
}

// Lookup returns (entry, true) on a hit: valid, VPN match, and either the
// entry is global or its ASID matches the requested one.
func (t *TLB) Lookup(vpn uint64, asid uint16) (TLBEntry, bool) {
	e := &t.entries[vpn&TLBMask]
	if !e.Valid || e.VPN != vpn {
		return TLBEntry{}, false
	}
	if e.Perm&PermG == 0 && e.ASID != asid {
		return TLBEntry{}, false
	}
	return *e, true
}

// Insert stores a translation, evicting whatever previously occupied the
// direct-mapped slot.
func (t *TLB) Insert(vpn, ppn uint64, asid uint16, perm uint8, level uint8) {
	t.entries[vpn&TLBMask] = TLBEntry{
		VPN: vpn, PPN: ppn, ASID: asid, Perm: perm, Level: level, Valid: true,
	}
}

// FlushAll invalidates every entry, global or not.
func (t *TLB) FlushAll() {
	for i := range t.entries {
		t.entries[i].Valid = false
	}
}

// FlushVPN invalidates only the entry that would hold this VPN.
func (t *TLB) FlushVPN(vpn uint64) {
	e := &t.entries[vpn&TLBMask]
	if e.Valid && e.VPN == vpn {
		e.Valid = false
	}
}

// FlushASID invalidates all non-global entries tagged with asid; global
// entries survive, per SPEC_FULL.md §4.2.
func (t *TLB) FlushASID(asid uint16) {
	for i := range t.entries {
		e := &t.entries[i]
		if e.Valid && e.Perm&PermG == 0 && e.ASID == asid {
			e.Valid = false
		}
	}
}

// UpdateAccessed sets the A (and optionally D) bits in-place on the entry
// occupying this VPN's slot, mirroring the page table update performed by
// the walker (SPEC_FULL.md §4.3 "update-in-place" choice).
func (t *TLB) UpdateAccessed(vpn uint64, dirty bool) {
	e := &t.entries[vpn&TLBMask]
	if !e.Valid || e.VPN != vpn {
		return
	}
	e.Perm |= PermA
	if dirty {
		e.Perm |= PermD
	}
}
