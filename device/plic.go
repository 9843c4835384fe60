package device

import (
	"sync"

	"github.com/kestrelvm/rv64core/hart"
)

// PLIC register offsets
const (
	PLICPriorityBase  = 0x000000 // Priority registers (1024 sources)
	PLICPendingBase   = 0x001000 // Pending bits
	PLICEnableBase    = 0x002000 // Enable bits per context
	PLICThresholdBase = 0x200000 // Threshold and claim per context
)

const PLICContextStride = 0x1000

// PLICMaxSources is the number of interrupt sources this PLIC tracks.
const PLICMaxSources = 1024

// PLIC implements the Platform Level Interrupt Controller for every hart
// sharing this bus. Grounded on the teacher's single-hart plic.go, with
// its fixed 2-context (M/S) layout widened to 2 contexts per hart —
// context 2*id is that hart's M-mode context, 2*id+1 its S-mode context.
type PLIC struct {
	harts []*hart.Hart
	mu    sync.Mutex

	priority  [PLICMaxSources]uint32
	pending   [PLICMaxSources / 32]uint32
	enable    [][PLICMaxSources / 32]uint32
	threshold []uint32
	claimed   []uint32
}

// NewPLIC creates a PLIC with 2 contexts (M-mode, S-mode) per hart in harts.
func NewPLIC(harts []*hart.Hart) *PLIC {
	n := 2 * len(harts)
	return &PLIC{
		harts:     harts,
		enable:    make([][PLICMaxSources / 32]uint32, n),
		threshold: make([]uint32, n),
		claimed:   make([]uint32, n),
	}
}

func (p *PLIC) Size() uint64 { return hart.PLICSize }

func (p *PLIC) numContexts() int { return len(p.threshold) }

func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PLICPendingBase:
		source := offset / 4
		if source < PLICMaxSources {
			return uint64(p.priority[source]), nil
		}

	case offset >= PLICPendingBase && offset < PLICEnableBase:
		word := (offset - PLICPendingBase) / 4
		if word < uint64(len(p.pending)) {
			return uint64(p.pending[word]), nil
		}

	case offset >= PLICEnableBase && offset < PLICThresholdBase:
		relOffset := offset - PLICEnableBase
		context := relOffset / 0x80
		word := (relOffset % 0x80) / 4
		if int(context) < p.numContexts() && word < uint64(len(p.enable[0])) {
			return uint64(p.enable[context][word]), nil
		}

	case offset >= PLICThresholdBase:
		relOffset := offset - PLICThresholdBase
		context := relOffset / PLICContextStride
		regOffset := relOffset % PLICContextStride

		if int(context) < p.numContexts() {
			switch regOffset {
			case 0:
				return uint64(p.threshold[context]), nil
			case 4:
				return uint64(p.claim(int(context))), nil
			}
		}
	}

	return 0, nil
}

func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PLICPendingBase:
		source := offset / 4
		if source < PLICMaxSources && source > 0 {
			p.priority[source] = uint32(value) & 7
		}

	case offset >= PLICEnableBase && offset < PLICThresholdBase:
		relOffset := offset - PLICEnableBase
		context := relOffset / 0x80
		word := (relOffset % 0x80) / 4
		if int(context) < p.numContexts() && word < uint64(len(p.enable[0])) {
			p.enable[context][word] = uint32(value)
		}

	case offset >= PLICThresholdBase:
		relOffset := offset - PLICThresholdBase
		context := relOffset / PLICContextStride
		regOffset := relOffset % PLICContextStride

		if int(context) < p.numContexts() {
			switch regOffset {
			case 0:
				p.threshold[context] = uint32(value) & 7
			case 4:
				p.complete(int(context), uint32(value))
			}
		}
	}

	p.updateInterrupt()
	return nil
}

// SetPending marks source pending or not, grounded on the teacher's
// same-named method, used by UART/VirtIO devices to raise an interrupt.
func (p *PLIC) SetPending(source uint32, pending bool) {
	if source == 0 || source >= PLICMaxSources {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	word := source / 32
	bit := source % 32
	if pending {
		p.pending[word] |= 1 << bit
	} else {
		p.pending[word] &^= 1 << bit
	}

	p.updateInterrupt()
}

func (p *PLIC) claim(context int) uint32 {
	if context >= p.numContexts() {
		return 0
	}

	var bestSource, bestPriority uint32
	for source := uint32(1); source < PLICMaxSources; source++ {
		word, bit := source/32, source%32
		if (p.pending[word] & (1 << bit)) == 0 {
			continue
		}
		if (p.enable[context][word] & (1 << bit)) == 0 {
			continue
		}
		priority := p.priority[source]
		if priority <= p.threshold[context] {
			continue
		}
		if priority > bestPriority {
			bestPriority = priority
			bestSource = source
		}
	}

	if bestSource != 0 {
		word, bit := bestSource/32, bestSource%32
		p.pending[word] &^= 1 << bit
		p.claimed[context] = bestSource
	}

	p.updateInterrupt()
	return bestSource
}

func (p *PLIC) complete(context int, source uint32) {
	if context >= p.numContexts() || source == 0 || source >= PLICMaxSources {
		return
	}
	if p.claimed[context] == source {
		p.claimed[context] = 0
	}
	p.updateInterrupt()
}

// updateInterrupt recomputes the external-interrupt-pending bit for every
// hart's M and S contexts.
func (p *PLIC) updateInterrupt() {
	for id, h := range p.harts {
		mCtx, sCtx := 2*id, 2*id+1
		if p.hasPendingInterrupt(mCtx) {
			h.Mip |= hart.MipMEIP
		} else {
			h.Mip &^= hart.MipMEIP
		}
		if p.hasPendingInterrupt(sCtx) {
			h.Mip |= hart.MipSEIP
		} else {
			h.Mip &^= hart.MipSEIP
		}
	}
}

func (p *PLIC) hasPendingInterrupt(context int) bool {
	if context >= p.numContexts() {
		return false
	}
	for source := uint32(1); source < PLICMaxSources; source++ {
		word, bit := source/32, source%32
		if (p.pending[word] & (1 << bit)) == 0 {
			continue
		}
		if (p.enable[context][word] & (1 << bit)) == 0 {
			continue
		}
		if p.priority[source] > p.threshold[context] {
			return true
		}
	}
	return false
}

var _ hart.Device = (*PLIC)(nil)
