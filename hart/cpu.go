// Package hart implements the RV64GC execution core: a tiered
// interpreter/block-JIT pipeline, a software TLB backing a Sv39 walker, and
// a bus that serializes A-extension atomics across hart goroutines.
package hart

import (
	"encoding/binary"
	"fmt"
)

// Memory layout constants
const (
	DRAMBase   uint64 = 0x8000_0000 // DRAM starts at 2GB
	CLINTBase  uint64 = 0x0200_0000 // Core Local Interruptor
	CLINTSize  uint64 = 0x000c_0000
	PLICBase   uint64 = 0x0c00_0000 // Platform Level Interrupt Controller
	PLICSize   uint64 = 0x0400_0000
	UARTBase   uint64 = 0x1000_0000 // UART for early console
	UARTSize   uint64 = 0x0000_1000
	VirtIOBase uint64 = 0x1000_1000 // VirtIO devices start here
	VirtIOSize uint64 = 0x0000_1000

	// TestFinisherBase is honoured as a clean-exit contract: writing
	// 0x5555 here signals a normal shutdown request from the guest.
	TestFinisherBase uint64 = 0x1010_0000
	TestFinisherPass uint64 = 0x5555
)

// Privilege levels
const (
	PrivUser       uint8 = 0
	PrivSupervisor uint8 = 1
	PrivMachine    uint8 = 3
)

// ISA extension bits for misa
const (
	MisaA uint64 = 1 << 0  // Atomic
	MisaC uint64 = 1 << 2  // Compressed
	MisaD uint64 = 1 << 3  // Double-precision float (not implemented: Non-goal)
	MisaF uint64 = 1 << 5  // Single-precision float (not implemented: Non-goal)
	MisaI uint64 = 1 << 8  // RV64I base
	MisaM uint64 = 1 << 12 // Multiply/Divide
	MisaS uint64 = 1 << 18 // Supervisor mode
	MisaU uint64 = 1 << 20 // User mode
)

// MXL values for misa
const (
	MXL64 uint64 = 2
)

// mstatus bits
const (
	MstatusSIE  uint64 = 1 << 1
	MstatusMIE  uint64 = 1 << 3
	MstatusSPIE uint64 = 1 << 5
	MstatusMPIE uint64 = 1 << 7
	MstatusSPP  uint64 = 1 << 8
	MstatusMPP  uint64 = 3 << 11
	MstatusFS   uint64 = 3 << 13
	MstatusMPRV uint64 = 1 << 17
	MstatusSUM  uint64 = 1 << 18
	MstatusMXR  uint64 = 1 << 19
	MstatusTVM  uint64 = 1 << 20
	MstatusTW   uint64 = 1 << 21
	MstatusTSR  uint64 = 1 << 22
	MstatusSD   uint64 = 1 << 63
)

// mstatus bit positions
const (
	MstatusSPPShift = 8
	MstatusMPPShift = 11
)

// mip/mie bits
const (
	MipSSIP uint64 = 1 << 1  // Supervisor software interrupt pending
	MipMSIP uint64 = 1 << 3  // Machine software interrupt pending
	MipSTIP uint64 = 1 << 5  // Supervisor timer interrupt pending
	MipMTIP uint64 = 1 << 7  // Machine timer interrupt pending
	MipSEIP uint64 = 1 << 9  // Supervisor external interrupt pending
	MipMEIP uint64 = 1 << 11 // Machine external interrupt pending
)

// Exception causes
const (
	CauseInsnAddrMisaligned  uint64 = 0
	CauseInsnAccessFault     uint64 = 1
	CauseIllegalInsn         uint64 = 2
	CauseBreakpoint          uint64 = 3
	CauseLoadAddrMisaligned  uint64 = 4
	CauseLoadAccessFault     uint64 = 5
	CauseStoreAddrMisaligned uint64 = 6
	CauseStoreAccessFault    uint64 = 7
	CauseEcallFromU          uint64 = 8
	CauseEcallFromS          uint64 = 9
	CauseEcallFromM          uint64 = 11
	CauseInsnPageFault       uint64 = 12
	CauseLoadPageFault       uint64 = 13
	CauseStorePageFault      uint64 = 15
)

// Interrupt causes (with bit 63 set)
const (
	CauseSSoftwareInt uint64 = (1 << 63) | 1
	CauseMSoftwareInt uint64 = (1 << 63) | 3
	CauseSTimerInt    uint64 = (1 << 63) | 5
	CauseMTimerInt    uint64 = (1 << 63) | 7
	CauseSExternalInt uint64 = (1 << 63) | 9
	CauseMExternalInt uint64 = (1 << 63) | 11
)

// CSR addresses (see SPEC_FULL.md §6)
const (
	CSRCycle      uint16 = 0xC00
	CSRTime       uint16 = 0xC01
	CSRInstret    uint16 = 0xC02
	CSRSstatus    uint16 = 0x100
	CSRSie        uint16 = 0x104
	CSRStvec      uint16 = 0x105
	CSRSscratch   uint16 = 0x140
	CSRSepc       uint16 = 0x141
	CSRScause     uint16 = 0x142
	CSRStval      uint16 = 0x143
	CSRSip        uint16 = 0x144
	CSRStimecmp   uint16 = 0x14D
	CSRSatp       uint16 = 0x180
	CSRMstatus    uint16 = 0x300
	CSRMisa       uint16 = 0x301
	CSRMedeleg    uint16 = 0x302
	CSRMideleg    uint16 = 0x303
	CSRMie        uint16 = 0x304
	CSRMtvec      uint16 = 0x305
	CSRMenvcfg    uint16 = 0x30A
	CSRMscratch   uint16 = 0x340
	CSRMepc       uint16 = 0x341
	CSRMcause     uint16 = 0x342
	CSRMtval      uint16 = 0x343
	CSRMip        uint16 = 0x344
	CSRMhartid    uint16 = 0xF14
)

// Hart is one RV64GC execution thread: registers, CSR file, TLB, decode
// cache, and a reservation, all owned exclusively by this goroutine. The
// Bus and BlockCache pointed to are shared across harts.
type Hart struct {
	ID uint32

	X  [32]uint64
	PC uint64

	Priv uint8

	Cycle   uint64
	Instret uint64

	Mstatus uint64
	Misa    uint64
	Medeleg uint64
	Mideleg uint64
	Mie     uint64
	Mtvec   uint64
	Mscratch uint64
	Mepc    uint64
	Mcause  uint64
	Mtval   uint64
	Mip     uint64
	Menvcfg uint64

	Stvec     uint64
	Sscratch  uint64
	Sepc      uint64
	Scause    uint64
	Stval     uint64
	Satp      uint64
	Stimecmp  uint64

	// LR/SC reservation: valid aligned 8-byte granule address.
	Reservation      uint64
	ReservationValid bool

	// PollCounter counts Step calls and resets to zero every
	// Cfg.InterruptCheckInterval of them (256 by default), driving the
	// batched interrupt scan (SPEC_FULL.md §4.6).
	PollCounter uint16

	WFI bool

	MMU   *MMU
	Bus   *Bus
	Cache *BlockCache
	Cfg   *Config

	decodeCache decodeCache

	Log *Logger
}

// NewHart creates a hart wired to the given bus, block cache and config.
func NewHart(id uint32, bus *Bus, cache *BlockCache, cfg *Config, log *Logger) *Hart {
	h := &Hart{
		ID:    id,
		Priv:  PrivMachine,
		Misa:  (MXL64 << 62) | MisaI | MisaM | MisaA | MisaC | MisaS | MisaU,
		PC:    DRAMBase,
		Bus:   bus,
		Cache: cache,
		Cfg:   cfg,
		Log:   log,
	}
	h.MMU = NewMMU(h)
	h.decodeCache = newDecodeCache()
	return h
}

// Reset restores the hart to its power-on state.
func (h *Hart) Reset() {
	for i := range h.X {
		h.X[i] = 0
	}
	h.PC = DRAMBase
	h.Priv = PrivMachine
	h.Cycle = 0
	h.Instret = 0
	h.Mstatus = 0
	h.Mie = 0
	h.Mip = 0
	h.Mtvec = 0
	h.Mepc = 0
	h.Mcause = 0
	h.Mtval = 0
	h.Mscratch = 0
	h.Medeleg = 0
	h.Mideleg = 0
	h.Stvec = 0
	h.Sepc = 0
	h.Scause = 0
	h.Stval = 0
	h.Sscratch = 0
	h.Satp = 0
	h.Stimecmp = 0
	h.WFI = false
	h.ReservationValid = false
	h.PollCounter = 0
	h.MMU.FlushAll()
}

// ReadReg reads an integer register (x0 always reads as zero).
func (h *Hart) ReadReg(reg uint32) uint64 {
	if reg == 0 {
		return 0
	}
	return h.X[reg]
}

// WriteReg writes an integer register; writes to x0 are discarded.
func (h *Hart) WriteReg(reg uint32, val uint64) {
	if reg != 0 {
		h.X[reg] = val
	}
}

var hartEndian = binary.LittleEndian

// signExtend sign-extends a value from 'bits' bits to 64 bits.
func signExtend(val uint64, bits int) int64 {
	shift := 64 - bits
	return int64(val<<shift) >> shift
}

// signExtend32 sign-extends from 32 bits to 64 bits.
func signExtend32(val uint32) int64 {
	return int64(int32(val))
}

// ExceptionError is a RISC-V exception/interrupt: a cause code plus the
// supplementary value placed in xTVAL.
type ExceptionError struct {
	Cause uint64
	Tval  uint64
}

func (e ExceptionError) Error() string {
	return fmt.Sprintf("exception: cause=%d tval=0x%x", e.Cause, e.Tval)
}

// Exception constructs a trap with the given cause and tval.
func Exception(cause uint64, tval uint64) error {
	return ExceptionError{Cause: cause, Tval: tval}
}
