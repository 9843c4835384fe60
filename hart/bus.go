package hart

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

// Device represents a memory-mapped device.
type Device interface {
	Read(offset uint64, size int) (uint64, error)
	Write(offset uint64, size int, value uint64) error
	Size() uint64
}

// MemoryRegion is a contiguous region of DRAM. It is backed by an
// anonymous golang.org/x/sys/unix.Mmap buffer rather than a plain
// make([]byte, n) slice, mirroring the teacher's own KVM hypervisor
// backend (internal/hv/kvm/kvm.go), which backs guest-physical memory
// with unix.Mmap — see SPEC_FULL.md §2.2/§4.1 and DESIGN.md.
type MemoryRegion struct {
	Data []byte
}

// NewMemoryRegion mmaps an anonymous, zero-filled region of the given size.
func NewMemoryRegion(size uint64) *MemoryRegion {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		// Anonymous mmap failure means the host is out of address space;
		// falling back to a heap slice keeps the core usable for tests
		// run under restrictive sandboxes.
		data = make([]byte, size)
	}
	return &MemoryRegion{Data: data}
}

// Close unmaps the backing buffer. Safe to call on a heap-backed fallback
// region (munmap on a non-mmap'd slice is skipped).
func (m *MemoryRegion) Close() error {
	if err := unix.Munmap(m.Data); err != nil && err != unix.EINVAL {
		return err
	}
	m.Data = nil
	return nil
}

func (m *MemoryRegion) Read(offset uint64, size int) (uint64, error) {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return 0, fmt.Errorf("memory read out of bounds: offset=0x%x size=%d len=%d", offset, size, len(m.Data))
	}
	switch size {
	case 1:
		return uint64(m.Data[offset]), nil
	case 2:
		return uint64(hartEndian.Uint16(m.Data[offset:])), nil
	case 4:
		return uint64(hartEndian.Uint32(m.Data[offset:])), nil
	case 8:
		return hartEndian.Uint64(m.Data[offset:]), nil
	default:
		return 0, fmt.Errorf("invalid read size: %d", size)
	}
}

func (m *MemoryRegion) Write(offset uint64, size int, value uint64) error {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return fmt.Errorf("memory write out of bounds: offset=0x%x size=%d len=%d", offset, size, len(m.Data))
	}
	switch size {
	case 1:
		m.Data[offset] = byte(value)
	case 2:
		hartEndian.PutUint16(m.Data[offset:], uint16(value))
	case 4:
		hartEndian.PutUint32(m.Data[offset:], uint32(value))
	case 8:
		hartEndian.PutUint64(m.Data[offset:], value)
	default:
		return fmt.Errorf("invalid write size: %d", size)
	}
	return nil
}

func (m *MemoryRegion) Size() uint64 { return uint64(len(m.Data)) }

func (m *MemoryRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.Data)) {
		return 0, io.EOF
	}
	return copy(p, m.Data[off:]), nil
}

func (m *MemoryRegion) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.Data)) {
		return 0, fmt.Errorf("write offset out of bounds")
	}
	return copy(m.Data[off:], p), nil
}

func (m *MemoryRegion) Slice(offset, length uint64) []byte {
	if offset+length > uint64(len(m.Data)) {
		return nil
	}
	return m.Data[offset : offset+length]
}

// DeviceMapping maps a device to an address range.
type DeviceMapping struct {
	Base   uint64
	Size   uint64
	Device Device
}

// atomicShards is the number of granule-lock stripes guarding DRAM AMOs.
// A fixed shard count (rather than one lock per 8-byte granule) bounds
// memory overhead while still spreading contention across unrelated
// addresses; SPEC_FULL.md §4.1/§9 sanction this as "a lock per granule".
const atomicShards = 256

// Bus dispatches physical addresses to DRAM or a mapped device, and
// serializes A-extension atomics across hart goroutines (SPEC_FULL.md
// §4.1, §5). Non-atomic Read/Write make no cross-hart ordering
// guarantee beyond per-location atomicity.
type Bus struct {
	RAM     *MemoryRegion
	RAMBase uint64
	Devices []DeviceMapping

	UARTOutput io.Writer

	shards [atomicShards]sync.Mutex

	// reservations tracks, per 8-byte granule, the set of harts currently
	// holding an LR reservation there. It is the cross-hart counterpart to
	// each Hart's own Reservation/ReservationValid fields: a store (plain
	// or the write half of an AMO RMW) from any hart clears every entry it
	// touches, matching SPEC_FULL.md §4.6's "cleared ... by any store to
	// the granule (same or other hart)".
	reservationMu sync.Mutex
	reservations  map[uint64]map[*Hart]struct{}

	// CodeWriteHook, if set, is invoked after every Bus.Write that lands
	// in DRAM so the Block Cache can invalidate overlapping blocks
	// (SPEC_FULL.md §9 "self-modifying code" conservative fallback).
	CodeWriteHook func(pa uint64, size int)

	// Interrupts, if set, supplies the poll_interrupts_for_hart
	// primitive (SPEC_FULL.md §4.1); devices normally update MIP
	// directly, so this is optional plumbing for hosts that prefer a
	// pull model.
	Interrupts func(hartID uint32) uint64
}

// NewBus creates a bus with a DRAM region of the given size at DRAMBase.
func NewBus(dramSize uint64) *Bus {
	return &Bus{
		RAM:          NewMemoryRegion(dramSize),
		RAMBase:      DRAMBase,
		reservations: make(map[uint64]map[*Hart]struct{}),
	}
}

// reservationGranule returns the aligned 8-byte granule address containing
// paddr (SPEC_FULL.md §4.6's "optional aligned granule address (granule =
// 8 bytes)").
func reservationGranule(paddr uint64) uint64 { return paddr &^ 7 }

// setReservation records that h holds a reservation on paddr's granule,
// called from LR.W/LR.D.
func (bus *Bus) setReservation(h *Hart, paddr uint64) {
	g := reservationGranule(paddr)
	bus.reservationMu.Lock()
	defer bus.reservationMu.Unlock()
	if bus.reservations[g] == nil {
		bus.reservations[g] = make(map[*Hart]struct{})
	}
	bus.reservations[g][h] = struct{}{}
}

// dropReservation removes h's own bookkeeping entry for paddr's granule,
// without touching h.ReservationValid itself (the caller, Hart.clearReservation,
// owns that).
func (bus *Bus) dropReservation(h *Hart, paddr uint64) {
	g := reservationGranule(paddr)
	bus.reservationMu.Lock()
	defer bus.reservationMu.Unlock()
	delete(bus.reservations[g], h)
}

// invalidateReservations clears every hart's reservation on any granule
// overlapped by a size-byte access at addr. Called from Bus.Write (so every
// ordinary store and the write half of every AMO RMW invalidates
// conflicting reservations regardless of which hart issued it) and
// explicitly before an AMO's RMW in execAMO, matching SPEC_FULL.md §4.6's
// "AMO*: ... clear any conflicting reservation before issuing".
func (bus *Bus) invalidateReservations(addr uint64, size int) {
	bus.reservationMu.Lock()
	defer bus.reservationMu.Unlock()
	if len(bus.reservations) == 0 {
		return
	}
	start := reservationGranule(addr)
	end := reservationGranule(addr + uint64(size) - 1)
	for g := start; g <= end; g += 8 {
		for h := range bus.reservations[g] {
			h.ReservationValid = false
		}
		delete(bus.reservations, g)
	}
}

// AddDevice registers a device mapping.
func (bus *Bus) AddDevice(base uint64, dev Device) {
	bus.Devices = append(bus.Devices, DeviceMapping{Base: base, Size: dev.Size(), Device: dev})
}

func (bus *Bus) findDevice(addr uint64) (Device, uint64, error) {
	if addr >= bus.RAMBase && addr < bus.RAMBase+bus.RAM.Size() {
		return bus.RAM, addr - bus.RAMBase, nil
	}
	for _, mapping := range bus.Devices {
		if addr >= mapping.Base && addr < mapping.Base+mapping.Size {
			return mapping.Device, addr - mapping.Base, nil
		}
	}
	return nil, 0, fmt.Errorf("no device at address 0x%x", addr)
}

func (bus *Bus) Read(addr uint64, size int) (uint64, error) {
	dev, offset, err := bus.findDevice(addr)
	if err != nil {
		return 0, Exception(CauseLoadAccessFault, addr)
	}
	v, err := dev.Read(offset, size)
	if err != nil {
		return 0, Exception(CauseLoadAccessFault, addr)
	}
	return v, nil
}

func (bus *Bus) Write(addr uint64, size int, value uint64) error {
	dev, offset, err := bus.findDevice(addr)
	if err != nil {
		return Exception(CauseStoreAccessFault, addr)
	}
	if err := dev.Write(offset, size, value); err != nil {
		return Exception(CauseStoreAccessFault, addr)
	}
	bus.invalidateReservations(addr, size)
	if bus.CodeWriteHook != nil && dev == Device(bus.RAM) {
		bus.CodeWriteHook(addr, size)
	}
	return nil
}

func (bus *Bus) Read8(addr uint64) (uint8, error) {
	v, err := bus.Read(addr, 1)
	return uint8(v), err
}
func (bus *Bus) Read16(addr uint64) (uint16, error) {
	v, err := bus.Read(addr, 2)
	return uint16(v), err
}
func (bus *Bus) Read32(addr uint64) (uint32, error) {
	v, err := bus.Read(addr, 4)
	return uint32(v), err
}
func (bus *Bus) Read64(addr uint64) (uint64, error) { return bus.Read(addr, 8) }

func (bus *Bus) Write8(addr uint64, value uint8) error   { return bus.Write(addr, 1, uint64(value)) }
func (bus *Bus) Write16(addr uint64, value uint16) error { return bus.Write(addr, 2, uint64(value)) }
func (bus *Bus) Write32(addr uint64, value uint32) error { return bus.Write(addr, 4, uint64(value)) }
func (bus *Bus) Write64(addr uint64, value uint64) error { return bus.Write(addr, 8, value) }

// LoadBytes copies a byte slice into the bus address space, fast-pathing
// straight into DRAM.
func (bus *Bus) LoadBytes(addr uint64, data []byte) error {
	if addr >= bus.RAMBase && addr+uint64(len(data)) <= bus.RAMBase+bus.RAM.Size() {
		copy(bus.RAM.Data[addr-bus.RAMBase:], data)
		return nil
	}
	for i, b := range data {
		if err := bus.Write8(addr+uint64(i), b); err != nil {
			return err
		}
	}
	return nil
}

// Fetch reads up to 4 bytes for one instruction, reading only the low
// 16 bits first to decide (via the low two bits) whether a compressed
// or full-width instruction is present.
func (bus *Bus) Fetch(addr uint64) (uint32, error) {
	lo, err := bus.Read16(addr)
	if err != nil {
		return 0, err
	}
	if lo&0x3 != 0x3 {
		return uint32(lo), nil
	}
	hi, err := bus.Read16(addr + 2)
	if err != nil {
		return 0, err
	}
	return uint32(lo) | (uint32(hi) << 16), nil
}

func (bus *Bus) shardFor(addr uint64) *sync.Mutex {
	return &bus.shards[(addr>>3)%atomicShards]
}

// atomicRMW performs a linearizable read-modify-write of 4 or 8 bytes at
// addr, returning the value observed before the update. The compute
// function receives the old value and must return the new one; op
// selection (swap/add/xor/...) lives at the call site in atomic.go.
func (bus *Bus) atomicRMW(addr uint64, isWord bool, compute func(old uint64) uint64) (uint64, error) {
	mu := bus.shardFor(addr)
	mu.Lock()
	defer mu.Unlock()

	size := 8
	if isWord {
		size = 4
	}
	old, err := bus.Read(addr, size)
	if err != nil {
		return 0, err
	}
	newVal := compute(old)
	if err := bus.Write(addr, size, newVal); err != nil {
		return 0, err
	}
	return old, nil
}

func signExtendWord(v uint64) uint64 { return uint64(int64(int32(uint32(v)))) }

// AtomicSwap/Add/... implement the nine AMO opcodes' underlying bus-level
// RMW (SPEC_FULL.md §4.1). Each returns the pre-update value, already
// sign-extended per RISC-V convention for word-width AMOs.
func (bus *Bus) AtomicSwap(addr, operand uint64, isWord bool) (uint64, error) {
	return bus.atomicOp(addr, operand, isWord, func(old, op uint64) uint64 { return op })
}
func (bus *Bus) AtomicAdd(addr, operand uint64, isWord bool) (uint64, error) {
	return bus.atomicOp(addr, operand, isWord, func(old, op uint64) uint64 { return old + op })
}
func (bus *Bus) AtomicXor(addr, operand uint64, isWord bool) (uint64, error) {
	return bus.atomicOp(addr, operand, isWord, func(old, op uint64) uint64 { return old ^ op })
}
func (bus *Bus) AtomicOr(addr, operand uint64, isWord bool) (uint64, error) {
	return bus.atomicOp(addr, operand, isWord, func(old, op uint64) uint64 { return old | op })
}
func (bus *Bus) AtomicAnd(addr, operand uint64, isWord bool) (uint64, error) {
	return bus.atomicOp(addr, operand, isWord, func(old, op uint64) uint64 { return old & op })
}
func (bus *Bus) AtomicMin(addr, operand uint64, isWord bool) (uint64, error) {
	return bus.atomicOp(addr, operand, isWord, func(old, op uint64) uint64 {
		if isWord {
			if int32(uint32(old)) < int32(uint32(op)) {
				return old
			}
			return op
		}
		if int64(old) < int64(op) {
			return old
		}
		return op
	})
}
func (bus *Bus) AtomicMax(addr, operand uint64, isWord bool) (uint64, error) {
	return bus.atomicOp(addr, operand, isWord, func(old, op uint64) uint64 {
		if isWord {
			if int32(uint32(old)) > int32(uint32(op)) {
				return old
			}
			return op
		}
		if int64(old) > int64(op) {
			return old
		}
		return op
	})
}
func (bus *Bus) AtomicMinU(addr, operand uint64, isWord bool) (uint64, error) {
	return bus.atomicOp(addr, operand, isWord, func(old, op uint64) uint64 {
		if isWord {
			if uint32(old) < uint32(op) {
				return old
			}
			return op
		}
		if old < op {
			return old
		}
		return op
	})
}
func (bus *Bus) AtomicMaxU(addr, operand uint64, isWord bool) (uint64, error) {
	return bus.atomicOp(addr, operand, isWord, func(old, op uint64) uint64 {
		if isWord {
			if uint32(old) > uint32(op) {
				return old
			}
			return op
		}
		if old > op {
			return old
		}
		return op
	})
}

func (bus *Bus) atomicOp(addr, operand uint64, isWord bool, f func(old, op uint64) uint64) (uint64, error) {
	old, err := bus.atomicRMW(addr, isWord, func(old uint64) uint64 { return f(old, operand) })
	if err != nil {
		return 0, err
	}
	if isWord {
		return signExtendWord(old), nil
	}
	return old, nil
}

// PollInterruptsForHart returns device-requested MIP bits for a hart. In
// this implementation devices (CLINT/PLIC) write MIP bits directly on
// their owning hart's CPU state, so the default is a no-op; Interrupts
// is provided for hosts wiring a pull-based device model.
func (bus *Bus) PollInterruptsForHart(hartID uint32) uint64 {
	if bus.Interrupts != nil {
		return bus.Interrupts(hartID)
	}
	return 0
}

var _ Device = (*MemoryRegion)(nil)
